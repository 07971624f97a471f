package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
	"github.com/nafabric/nafabric/pkg/ssh"
)

// DefaultDataBlockSize CONNECTOR_DATA 与 MMC_RESULT 的分段块大小
const DefaultDataBlockSize = 32 * 1024

// PortInfo.ProtocolType 取值
const (
	ProtocolTCP = "TCP"
	ProtocolSSH = "SSH"
)

// Sender 上行会话
type Sender interface {
	Send(m wire.Message) error
}

// RoleOptions Connector 进程的启动参数
type RoleOptions struct {
	Name            string
	Host            string
	ManagerEndpoint string
}

// Connector 端口集合及其上行会话
type Connector struct {
	cfg  *config.Config
	opts RoleOptions
	guid *wire.GUIDGenerator
	pool *ssh.Pool
	dial DialFunc

	// BlockSize 上行分段块大小
	BlockSize int

	mu      sync.Mutex
	ports   map[uint32]*Port
	parsers map[string]*session.Session
	// endpoints 端口序号 -> Parser 端点
	endpoints map[uint32]string
	up        Sender
	ctx       context.Context
}

// New 创建 Connector
func New(cfg *config.Config, opts RoleOptions) *Connector {
	c := &Connector{
		cfg:       cfg,
		opts:      opts,
		guid:      wire.NewGUIDGenerator(opts.Host),
		pool:      ssh.NewPool(&ssh.Config{Timeout: cfg.Connector.DialTimeout, KeepAlive: cfg.Session.AliveInterval}),
		BlockSize: DefaultDataBlockSize,
		ports:     make(map[uint32]*Port),
		parsers:   make(map[string]*session.Session),
		endpoints: make(map[uint32]string),
		ctx:       context.Background(),
	}
	c.dial = c.dialNE
	return c
}

// SetDialer 替换 NE 拨号方式
func (c *Connector) SetDialer(d DialFunc) {
	c.dial = d
}

func (c *Connector) qualifiedName() string {
	return session.QualifiedName(wire.ProcConnector, c.opts.Name)
}

// Run 连接 Manager 并处理端口与命令，直到会话断开或收到 CMD_PROC_TERMINATE
func (c *Connector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	up, err := session.Dial(ctx, c.opts.ManagerEndpoint, wire.ProcConnector, c.qualifiedName(),
		session.ConfigFrom(c.cfg.Session, session.AliveSend))
	if err != nil {
		return fmt.Errorf("connect manager: %w", err)
	}
	c.Attach(ctx, up)
	context.AfterFunc(ctx, func() { up.Close(nil) })

	err = up.Run(session.HandlerFuncs{Message: func(s *session.Session, m wire.Message) {
		if _, ok := m.(*wire.ProcTerminate); ok {
			logger.Infof("Connector(%s) terminate requested", c.opts.Name)
			cancel()
			return
		}
		c.Handle(m)
	}})
	c.Shutdown()
	if err != nil && !errors.Is(err, session.ErrClosed) && ctx.Err() == nil {
		return fmt.Errorf("manager session lost: %w", err)
	}
	return nil
}

// Attach 设置上行会话与端口的生命周期 ctx
func (c *Connector) Attach(ctx context.Context, up Sender) {
	c.mu.Lock()
	c.up = up
	c.ctx = ctx
	c.mu.Unlock()
}

// Handle 处理 Manager 下发的报文
func (c *Connector) Handle(m wire.Message) {
	switch msg := m.(type) {
	case *wire.OpenPort:
		c.OpenPort(msg.Port, msg.Endpoint)
	case *wire.ClosePort:
		c.ClosePort(msg.Sequence)
	case *wire.MMCPublish:
		c.Publish(msg)
	default:
		logger.Debugf("Connector(%s) ignored msg_id=%d", c.opts.Name, m.MsgID())
	}
}

// OpenPort 打开端口；同一序号已打开时先关闭旧端口
func (c *Connector) OpenPort(info wire.PortInfo, parserEndpoint string) {
	c.mu.Lock()
	old := c.ports[info.Sequence]
	p := newPort(info, c.cfg.Connector, c.dial, c)
	c.ports[info.Sequence] = p
	c.endpoints[info.Sequence] = parserEndpoint
	p.start(c.ctx)
	c.mu.Unlock()

	if old != nil {
		old.stop()
	}
	logger.Infof("Connector(%s) open port %d: %s %s:%d (%s)", c.opts.Name, info.Sequence,
		info.EquipID, info.IP, info.PortNo, protocolOf(info))
}

// ClosePort 关闭端口
func (c *Connector) ClosePort(seq uint32) {
	c.mu.Lock()
	p := c.ports[seq]
	delete(c.ports, seq)
	delete(c.endpoints, seq)
	c.mu.Unlock()
	if p == nil {
		logger.Warnf("Connector(%s) close port %d: not open", c.opts.Name, seq)
		return
	}
	p.stop()
	logger.Infof("Connector(%s) port %d closed", c.opts.Name, seq)
}

// Ports 已打开端口的序号（排序）
func (c *Connector) Ports() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, 0, len(c.ports))
	for seq := range c.ports {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// commandPort 按 NE 查找命令端口；第二个返回值表示 NE 是否存在
func (c *Connector) commandPort(ne string) (*Port, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for _, p := range c.ports {
		if p.info.EquipID != ne {
			continue
		}
		found = true
		if p.info.CommandPortFlag == 1 {
			return p, true
		}
	}
	return nil, found
}

// Publish 把 MMC 交给 NE 的命令端口
func (c *Connector) Publish(m *wire.MMCPublish) {
	p, found := c.commandPort(m.NE)
	switch {
	case !found:
		c.Result(&wire.MMCResult{ID: m.ID, NE: m.NE, ResultMode: wire.ResultError,
			Result: fmt.Sprintf("The NE(%s) is not found.", m.NE)})
	case p == nil:
		c.Result(&wire.MMCResult{ID: m.ID, NE: m.NE, ResultMode: wire.ResultError,
			Result: fmt.Sprintf("The NE(%s) is found, but has no command port.", m.NE)})
	default:
		if err := p.Publish(m); err != nil {
			c.Result(&wire.MMCResult{ID: m.ID, NE: m.NE, ResultMode: wire.ResultError,
				Result: fmt.Sprintf("The NE(%s) command queue is full.", m.NE)})
		}
	}
}

// Shutdown 关闭全部端口与 Parser 会话
func (c *Connector) Shutdown() {
	c.mu.Lock()
	ports := make([]*Port, 0, len(c.ports))
	for _, p := range c.ports {
		ports = append(ports, p)
	}
	c.ports = make(map[uint32]*Port)
	parsers := c.parsers
	c.parsers = make(map[string]*session.Session)
	c.mu.Unlock()

	for _, p := range ports {
		p.stop()
	}
	for _, s := range parsers {
		s.Close(nil)
	}
	_ = c.pool.Close()
}

// Reply 实现 Outlet：把 NE 回复分段转发给端口对应的 Parser
func (c *Connector) Reply(info wire.PortInfo, mmcID uint32, text []byte) {
	s, err := c.parserSession(info.Sequence)
	if err != nil {
		logger.Warnf("Connector(%s) reply from %s dropped: %v", c.opts.Name, info.EquipID, err)
		return
	}
	for _, b := range wire.SplitBlocks(c.guid, int(info.Sequence), text, c.BlockSize) {
		err := s.Send(&wire.ConnectorData{Seg: b.Seg, NE: info.EquipID, PortNo: info.PortNo, MMCID: mmcID, Data: b.Data})
		if err != nil {
			logger.Warnf("Connector(%s) forward to parser: %v", c.opts.Name, err)
			s.Close(err)
			return
		}
	}
}

// Result 实现 Outlet：MMC 结果上送 Manager，超长结果分段
func (c *Connector) Result(r *wire.MMCResult) {
	up := c.upstream()
	if up == nil {
		logger.Warnf("Connector(%s) MMC %d result dropped: no manager session", c.opts.Name, r.ID)
		return
	}
	for _, b := range wire.SplitBlocks(c.guid, 0, []byte(r.Result), c.BlockSize) {
		seg := *r
		seg.Seg = b.Seg
		seg.Result = string(b.Data)
		if err := up.Send(&seg); err != nil {
			logger.Warnf("Connector(%s) MMC %d result: %v", c.opts.Name, r.ID, err)
			return
		}
	}
}

// Status 实现 Outlet：端口状态上送 Manager
func (c *Connector) Status(st *wire.PortStatus) {
	if up := c.upstream(); up != nil {
		if err := up.Send(st); err != nil {
			logger.Warnf("Connector(%s) port status: %v", c.opts.Name, err)
		}
	}
}

func (c *Connector) upstream() Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

// parserSession 端口对应 Parser 的会话，断开后下次使用时重连
func (c *Connector) parserSession(seq uint32) (*session.Session, error) {
	c.mu.Lock()
	endpoint, ok := c.endpoints[seq]
	if !ok || endpoint == "" {
		c.mu.Unlock()
		return nil, fmt.Errorf("port %d has no parser endpoint", seq)
	}
	if s := c.parsers[endpoint]; s != nil && s.Err() == nil {
		c.mu.Unlock()
		return s, nil
	}
	ctx := c.ctx
	c.mu.Unlock()

	s, err := session.Dial(ctx, endpoint, wire.ProcConnector, c.qualifiedName(),
		session.ConfigFrom(c.cfg.Session, session.AliveSend))
	if err != nil {
		return nil, err
	}
	go func() { _ = s.Run(session.HandlerFuncs{}) }()

	c.mu.Lock()
	if prev := c.parsers[endpoint]; prev != nil && prev.Err() == nil {
		c.mu.Unlock()
		s.Close(nil)
		return prev, nil
	}
	c.parsers[endpoint] = s
	c.mu.Unlock()
	return s, nil
}

func protocolOf(info wire.PortInfo) string {
	if strings.EqualFold(strings.TrimSpace(info.ProtocolType), ProtocolSSH) {
		return ProtocolSSH
	}
	return ProtocolTCP
}

// dialNE 按协议类型连接 NE
func (c *Connector) dialNE(ctx context.Context, info wire.PortInfo) (io.ReadWriteCloser, error) {
	if protocolOf(info) == ProtocolSSH {
		ci := ssh.NewConnectionInfo(info.IP, int(info.PortNo), info.User, info.Password)
		client, err := c.pool.Acquire(ctx, ci)
		if err != nil {
			return nil, err
		}
		sh, err := client.OpenShell(ctx)
		if err != nil {
			c.pool.Release(ci)
			return nil, err
		}
		return &pooledShell{Shell: sh, release: func() { c.pool.Release(ci) }}, nil
	}
	d := net.Dialer{Timeout: c.cfg.Connector.DialTimeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(info.IP, strconv.Itoa(int(info.PortNo))))
}

// pooledShell 关闭 shell 时归还池中连接
type pooledShell struct {
	*ssh.Shell
	release func()
	once    sync.Once
}

func (p *pooledShell) Close() error {
	err := p.Shell.Close()
	p.once.Do(p.release)
	return err
}
