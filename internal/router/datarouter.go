package router

import (
	"context"
	"net"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// DataRouter Parser 一侧监听本地端点，另一侧按消费者 ID 连到各 DataHandler
type DataRouter struct {
	cfg   *config.Config
	opts  ManagedOptions
	guid  *wire.GUIDGenerator
	reasm *wire.Reassembler
	in    *session.ConnManager
	links map[string]*link
	// mapping 小写 ident 名 -> 转发名
	mapping map[string]string

	// BlockSize 转发时的分段块大小
	BlockSize int
}

// NewDataRouter 创建 DataRouter
func NewDataRouter(cfg *config.Config, opts ManagedOptions) *DataRouter {
	d := &DataRouter{
		cfg:       cfg,
		opts:      opts,
		guid:      wire.NewGUIDGenerator(opts.Name),
		reasm:     wire.NewReassembler(),
		links:     make(map[string]*link),
		mapping:   make(map[string]string),
		BlockSize: cfg.DataRouter.SegBlockSize,
	}
	for k, v := range cfg.DataRouter.Mapping {
		d.mapping[strings.ToLower(k)] = v
	}
	sessCfg := session.ConfigFrom(cfg.Session, session.AliveSend)
	for id, addr := range cfg.DataRouter.Handlers {
		d.links[id] = newLink(id, addr, wire.ProcDataRouter, opts.Name, sessCfg,
			cfg.DataRouter.ReconnectDelay, cfg.DataRouter.QueueSize)
	}
	d.in = session.NewConnManager("DataRouter", session.ConfigFrom(cfg.Session, session.AliveReceive),
		session.HandlerFuncs{Message: d.onParserMessage})
	return d
}

// Handlers 已配置的消费者 ID（排序）
func (d *DataRouter) Handlers() []string {
	ids := make([]string, 0, len(d.links))
	for id := range d.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run 监听 Parser 并维持 DataHandler 连接，直到 Manager 会话结束
func (d *DataRouter) Run(ctx context.Context) error {
	ln, err := session.Listen(d.cfg.DataRouter.Listen)
	if err != nil {
		return err
	}
	return d.Serve(ctx, ln)
}

// Serve 在给定监听上运行
func (d *DataRouter) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.in.Serve(gctx, ln) })
	for _, l := range d.links {
		l := l
		g.Go(func() error { return l.run(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		return runManaged(gctx, d.cfg.Session, d.opts, wire.ProcDataRouter, nil)
	})
	err := g.Wait()
	d.in.CloseAll()
	return err
}

func (d *DataRouter) onParserMessage(s *session.Session, m wire.Message) {
	switch msg := m.(type) {
	case *wire.ParsedData:
		d.Forward(msg)
	case *wire.ProcTerminate:
		s.Close(session.ErrTerminated)
	default:
		logger.Debugf("DataRouter(%s) ignored msg_id=%d from %s", d.opts.Name, m.MsgID(), s.Name())
	}
}

// Forward 重组分段记录、应用 ident 映射后按消费者转发，超长记录重新分段
func (d *DataRouter) Forward(m *wire.ParsedData) {
	data, done, err := d.reasm.Add(m.Seg, m.Data)
	if err != nil {
		logger.Warnf("DataRouter(%s) record %d: %v", d.opts.Name, m.MsgSeq, err)
		return
	}
	if !done {
		return
	}
	l, ok := d.links[m.ConsumerID]
	if !ok {
		logger.Warnf("DataRouter(%s) no handler for consumer %s, record %d dropped", d.opts.Name, m.ConsumerID, m.MsgSeq)
		return
	}
	ident := m.IdentName
	if mapped, ok := d.mapping[strings.ToLower(ident)]; ok {
		ident = mapped
	}
	for _, b := range wire.SplitBlocks(d.guid, int(m.MsgSeq), data, d.BlockSize) {
		out := *m
		out.Seg = b.Seg
		out.IdentName = ident
		out.Data = b.Data
		l.offer(&out)
	}
}
