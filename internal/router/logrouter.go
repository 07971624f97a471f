package router

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// LogName 进程日志文件的名称前缀，与进程启动时日志的 Name 一致
func LogName(t wire.ProcessType, processID string) string {
	return session.QualifiedName(t, processID)
}

// RawMsgPath 原始消息目录布局 <raw_dir>/<host>/<process_id>/YYYYMMDD/<name>_YYYYMMDDHH.msg
func RawMsgPath(rawDir, host, processID string, t time.Time) string {
	return filepath.Join(rawDir, host, processID, t.Format("20060102"),
		fmt.Sprintf("%s_%s.msg", processID, t.Format("2006010215")))
}

// LogRouter 接受日志查看客户端，按请求尾随进程日志或原始消息文件
type LogRouter struct {
	cfg  *config.Config
	opts ManagedOptions
	in   *session.ConnManager
	host string

	mu    sync.Mutex
	ctx   context.Context
	tails map[*session.Session]map[string]context.CancelFunc
}

// NewLogRouter 创建 LogRouter
func NewLogRouter(cfg *config.Config, opts ManagedOptions) *LogRouter {
	host := cfg.LogRouter.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	l := &LogRouter{
		cfg:   cfg,
		opts:  opts,
		host:  host,
		ctx:   context.Background(),
		tails: make(map[*session.Session]map[string]context.CancelFunc),
	}
	l.in = session.NewConnManager("LogRouter", session.ConfigFrom(cfg.Session, session.AliveReceive),
		session.HandlerFuncs{Message: l.onMessage, Close: l.onClose})
	return l
}

// Run 在 logrouter.listen 上运行
func (l *LogRouter) Run(ctx context.Context) error {
	ln, err := session.Listen(l.cfg.LogRouter.Listen)
	if err != nil {
		return err
	}
	return l.Serve(ctx, ln)
}

// Serve 在给定监听上运行
func (l *LogRouter) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.ctx = ctx
	l.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.in.Serve(gctx, ln) })
	g.Go(func() error {
		defer cancel()
		return runManaged(gctx, l.cfg.Session, l.opts, wire.ProcLogRouter, nil)
	})
	err := g.Wait()
	l.in.CloseAll()
	return err
}

// Resolve 请求对应的文件路径函数；指定了 Hour 时路径固定
func (l *LogRouter) Resolve(req *wire.TailLogReq) func(time.Time) string {
	fixed, hasFixed := parseHour(req.Hour)
	return func(t time.Time) string {
		if hasFixed {
			t = fixed
		}
		if req.Raw == 1 {
			return RawMsgPath(l.cfg.LogRouter.RawDir, l.host, req.ProcessID, t)
		}
		return filepath.Join(l.cfg.LogRouter.LogDir, logger.FileName(LogName(req.ProcessType, req.ProcessID), req.LogCycle, t))
	}
}

func parseHour(hour string) (time.Time, bool) {
	hour = strings.TrimSpace(hour)
	for _, layout := range []string{"2006010215", "20060102"} {
		if len(hour) != len(layout) {
			continue
		}
		if t, err := time.ParseInLocation(layout, hour, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (l *LogRouter) onMessage(s *session.Session, m wire.Message) {
	switch msg := m.(type) {
	case *wire.TailLogReq:
		l.start(s, msg)
	case *wire.TailLogStop:
		l.stop(s, msg.ProcessID)
	case *wire.ProcTerminate:
		s.Close(session.ErrTerminated)
	default:
		logger.Debugf("LogRouter(%s) ignored msg_id=%d from %s", l.opts.Name, m.MsgID(), s.Name())
	}
}

func (l *LogRouter) start(s *session.Session, req *wire.TailLogReq) {
	l.stop(s, req.ProcessID)

	cycle := req.LogCycle
	if req.Raw == 1 {
		cycle = logger.CycleHour
	}
	t := NewTail(req.ProcessID, cycle, l.Resolve(req), func(d *wire.TailLogData) error { return s.Send(d) })
	if c := l.cfg.LogRouter.Chunk; c > 0 {
		t.Chunk = c
	}
	if b := l.cfg.LogRouter.Backlog; b > 0 {
		t.Backlog = b
	}
	if p := l.cfg.LogRouter.PollMS; p > 0 {
		t.Poll = time.Duration(p) * time.Millisecond
	}
	if r := l.cfg.LogRouter.RecheckS; r > 0 {
		t.Recheck = time.Duration(r) * time.Second
	}

	l.mu.Lock()
	ctx, cancel := context.WithCancel(l.ctx)
	if l.tails[s] == nil {
		l.tails[s] = make(map[string]context.CancelFunc)
	}
	l.tails[s][req.ProcessID] = cancel
	l.mu.Unlock()

	logger.Infof("LogRouter(%s) %s tails %s", l.opts.Name, s.Name(), req.ProcessID)
	go func() {
		if err := t.Run(ctx); err != nil {
			logger.Warnf("LogRouter(%s) tail %s for %s: %v", l.opts.Name, req.ProcessID, s.Name(), err)
		}
	}()
}

func (l *LogRouter) stop(s *session.Session, processID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.tails[s][processID]; ok {
		cancel()
		delete(l.tails[s], processID)
	}
}

func (l *LogRouter) onClose(s *session.Session, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, cancel := range l.tails[s] {
		cancel()
	}
	delete(l.tails, s)
}

// Tails 某个会话正在尾随的进程数
func (l *LogRouter) Tails(s *session.Session) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails[s])
}
