package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/metrics"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// ErrServerLost 与 Server 的会话断开，Manager 随之退出
var ErrServerLost = errors.New("manager: server session lost")

// ChildRoles Manager 为之监听并管理的子进程角色
var ChildRoles = []wire.ProcessType{
	wire.ProcParser,
	wire.ProcConnector,
	wire.ProcRouter,
	wire.ProcLogRouter,
	wire.ProcDataRouter,
}

// Sender 上行会话
type Sender interface {
	Send(m wire.Message) error
}

// Options Manager 启动参数
type Options struct {
	// ConfigPath 传给子进程的 -config
	ConfigPath string
	Host       string
	Launcher   Launcher
}

// Manager 每主机一个：监督子进程、维护端口表、派发 MMC
type Manager struct {
	cfg    *config.Config
	opts   Options
	ports  *PortRegistry
	disp   *Dispatcher
	sup    *Supervisor
	copier *RuleCopier
	roles  map[wire.ProcessType]*session.ConnManager

	mu         sync.Mutex
	up         Sender
	ctx        context.Context
	cancel     context.CancelFunc
	terminated atomic.Bool
	group      *errgroup.Group
}

// New 创建 Manager；配置了站点 INI 时合并其中的 MMC 黑名单与 RuleCopy 设置
func New(cfg *config.Config, opts Options) (*Manager, error) {
	m := &Manager{
		cfg:   cfg,
		opts:  opts,
		ports: NewPortRegistry(),
		roles: make(map[wire.ProcessType]*session.ConnManager),
	}

	blacklist := append([]string(nil), cfg.MMC.Blacklist...)
	copyCmd, copyRetries := cfg.Manager.RuleCopyCommand, cfg.Manager.RuleCopyRetries
	if path := cfg.Manager.SiteConfig; path != "" {
		site, err := config.LoadSite(path, true)
		if err != nil {
			return nil, err
		}
		blacklist = append(blacklist, site.MMCBlacklist()...)
		if v := site.Value(config.SiteSectionRuleCopy, "command"); v != "" {
			copyCmd = v
		}
		copyRetries = site.Int(config.SiteSectionRuleCopy, "retries", copyRetries)
	}

	m.disp = NewDispatcher(cfg.MMC, m.ports, m)
	m.disp.SetBlacklist(blacklist)
	m.copier = NewRuleCopier(copyCmd, copyRetries)

	launcher := opts.Launcher
	if launcher == nil {
		launcher = ExecLauncher{BinDir: cfg.Manager.BinDir, ConfigPath: opts.ConfigPath}
	}
	m.sup = NewSupervisor(cfg.Manager, launcher, m, m.Endpoint)

	for _, t := range ChildRoles {
		m.roles[t] = session.NewConnManager(t.String(),
			session.ConfigFrom(cfg.Session, session.AliveReceive), &childHandler{m: m, role: t})
	}
	return m, nil
}

// Ports 权威端口表
func (m *Manager) Ports() *PortRegistry { return m.ports }

// Dispatcher MMC 派发器
func (m *Manager) Dispatcher() *Dispatcher { return m.disp }

// Supervisor 子进程监督
func (m *Manager) Supervisor() *Supervisor { return m.sup }

// Endpoint 某角色子进程连接的本地端点
func (m *Manager) Endpoint(t wire.ProcessType) string {
	return session.RoleEndpoint(m.cfg.Manager.RunDir, m.cfg.Manager.ID, t.String())
}

// ParserEndpoint Parser 为同名 Connector 监听的端点
func (m *Manager) ParserEndpoint(name string) string {
	return session.RoleEndpoint(m.cfg.Manager.RunDir, m.cfg.Manager.ID,
		"parser_"+session.BareName(wire.ProcParser, name))
}

// Start 打开各角色监听并启动派发、回收与指标协程
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	listeners := make(map[wire.ProcessType]net.Listener, len(ChildRoles))
	for _, t := range ChildRoles {
		ln, err := session.Listen(m.Endpoint(t))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			cancel()
			return err
		}
		listeners[t] = ln
	}

	g, gctx := errgroup.WithContext(ctx)
	for t, ln := range listeners {
		ln := ln
		cm := m.roles[t]
		g.Go(func() error { return cm.Serve(gctx, ln) })
	}
	g.Go(func() error { return m.disp.Run(gctx) })
	g.Go(func() error { return m.sup.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, m.cfg.Manager.MetricsAddr) })

	m.mu.Lock()
	m.ctx = ctx
	m.cancel = cancel
	m.group = g
	m.mu.Unlock()
	logger.Infof("Manager(%s) listening in %s", m.cfg.Manager.ID, m.cfg.Manager.RunDir)
	return nil
}

// Stop 有序停止全部子进程并关闭监听
func (m *Manager) Stop() error {
	m.mu.Lock()
	cancel, g := m.cancel, m.group
	m.mu.Unlock()
	m.sup.StopAll()
	if cancel != nil {
		cancel()
	}
	for _, cm := range m.roles {
		cm.CloseAll()
	}
	if g != nil {
		return g.Wait()
	}
	return nil
}

// Run 连接 Server 并服务，直到 Server 会话断开或收到 CMD_PROC_TERMINATE
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = m.Stop() }()

	runCtx := m.context()
	up, err := session.Dial(runCtx, m.cfg.Manager.ServerAddr, wire.ProcManager, m.cfg.Manager.ID,
		session.ConfigFrom(m.cfg.Session, session.AliveSend))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerLost, err)
	}
	m.Attach(up)
	context.AfterFunc(runCtx, func() { up.Close(nil) })

	err = up.Run(session.HandlerFuncs{Message: func(s *session.Session, msg wire.Message) {
		m.HandleServer(runCtx, msg)
	}})
	m.Attach(nil)
	if m.terminated.Load() || ctx.Err() != nil {
		logger.Infof("Manager(%s) stopping", m.cfg.Manager.ID)
		return nil
	}
	logger.Errorf("Manager(%s) server session closed: %v", m.cfg.Manager.ID, err)
	return fmt.Errorf("%w: %v", ErrServerLost, err)
}

func (m *Manager) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// Attach 设置上行会话
func (m *Manager) Attach(up Sender) {
	m.mu.Lock()
	m.up = up
	m.mu.Unlock()
}

// Upstream 实现 Outlet：发往 Server
func (m *Manager) Upstream(msg wire.Message) {
	m.mu.Lock()
	up := m.up
	m.mu.Unlock()
	if up == nil {
		logger.Debugf("Manager(%s) no server session, msg_id=%d dropped", m.cfg.Manager.ID, msg.MsgID())
		return
	}
	if err := up.Send(msg); err != nil {
		logger.Warnf("Manager(%s) send to server: %v", m.cfg.Manager.ID, err)
	}
}

// Publish 实现 Outlet：把 MMC 交给 Connector 会话
func (m *Manager) Publish(connectorID string, msg *wire.MMCPublish) error {
	return m.roles[wire.ProcConnector].SendTo(session.QualifiedName(wire.ProcConnector, connectorID), msg)
}

// HandleServer 处理 Server 下发的报文
func (m *Manager) HandleServer(ctx context.Context, msg wire.Message) {
	switch v := msg.(type) {
	case *wire.StartProcess:
		if err := m.sup.Start(SpecFrom(v)); err != nil {
			logger.Errorf("Manager(%s) start %s(%s): %v", m.cfg.Manager.ID, v.ProcessType, v.ProcessID, err)
			m.raise(v.ProcessID, v.ProcessType, err.Error())
		}
	case *wire.StopProcess:
		if err := m.sup.Stop(v.ProcessID); err != nil {
			logger.Warnf("Manager(%s) stop %s: %v", m.cfg.Manager.ID, v.ProcessID, err)
		}
	case *wire.OpenPort:
		m.OpenPort(v.Port)
	case *wire.ClosePort:
		m.ClosePort(v)
	case *wire.MMCRequest:
		_ = m.disp.Submit(v)
	case *wire.ParsingRuleDown:
		go m.distributeRules(ctx, v.ID, v.RuleID, RuleKindParsing, v)
	case *wire.MappingRuleDown:
		go m.distributeRules(ctx, v.ID, v.RuleID, RuleKindMapping, v)
	case *wire.ProcTerminate:
		logger.Infof("Manager(%s) terminate requested by server", m.cfg.Manager.ID)
		m.terminate()
	default:
		logger.Debugf("Manager(%s) ignored msg_id=%d from server", m.cfg.Manager.ID, msg.MsgID())
	}
}

func (m *Manager) terminate() {
	m.terminated.Store(true)
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// OpenPort 登记端口并通知所属 Connector；Connector 未连上时在其登记时补发
func (m *Manager) OpenPort(p wire.PortInfo) {
	if err := m.ports.Open(p); err != nil {
		logger.Errorf("Manager(%s) open port %d: %v", m.cfg.Manager.ID, p.Sequence, err)
		m.raise(p.ConnectorID, wire.ProcConnector, err.Error())
		return
	}
	p, _ = m.ports.Get(p.Sequence)
	name := session.BareName(wire.ProcConnector, p.ConnectorID)
	m.openParser(name)
	err := m.roles[wire.ProcConnector].SendTo(p.ConnectorID, &wire.OpenPort{Port: p, Endpoint: m.ParserEndpoint(name)})
	if err != nil {
		logger.Debugf("Manager(%s) port %d queued until %s registers", m.cfg.Manager.ID, p.Sequence, p.ConnectorID)
	}
}

// ClosePort 移除端口并通知 Connector
func (m *Manager) ClosePort(msg *wire.ClosePort) {
	connectorID := msg.ConnectorID
	if p, ok := m.ports.Close(msg.Sequence); ok {
		connectorID = p.ConnectorID
	}
	if connectorID == "" {
		logger.Warnf("Manager(%s) close port %d: unknown port", m.cfg.Manager.ID, msg.Sequence)
		return
	}
	connectorID = session.QualifiedName(wire.ProcConnector, connectorID)
	fwd := &wire.ClosePort{Sequence: msg.Sequence, EquipID: msg.EquipID, ConnectorID: connectorID}
	if err := m.roles[wire.ProcConnector].SendTo(connectorID, fwd); err != nil {
		logger.Debugf("Manager(%s) close port %d: %v", m.cfg.Manager.ID, msg.Sequence, err)
	}
}

// openParser 让同名 Parser 在约定端点上监听 Connector
func (m *Manager) openParser(name string) {
	parser := session.QualifiedName(wire.ProcParser, name)
	if _, ok := m.roles[wire.ProcParser].Get(parser); !ok {
		return
	}
	msg := &wire.OpenPort{Endpoint: m.ParserEndpoint(name)}
	if ports := m.ports.ByConnector(name); len(ports) > 0 {
		msg.Port = ports[0]
	}
	if err := m.roles[wire.ProcParser].SendTo(parser, msg); err != nil {
		logger.Warnf("Manager(%s) open parser endpoint for %s: %v", m.cfg.Manager.ID, name, err)
	}
}

// sendInventory 向刚登记的 Connector 补发其全部端口
func (m *Manager) sendInventory(s *session.Session) {
	name := session.BareName(wire.ProcConnector, s.Name())
	for _, p := range m.ports.ByConnector(s.Name()) {
		if err := s.Send(&wire.OpenPort{Port: p, Endpoint: m.ParserEndpoint(name)}); err != nil {
			logger.Warnf("Manager(%s) open port %d on %s: %v", m.cfg.Manager.ID, p.Sequence, s.Name(), err)
			return
		}
	}
}

// distributeRules RuleCopy 成功后把规则下发命令广播给全部 Parser
func (m *Manager) distributeRules(ctx context.Context, id uint32, ruleID, kind string, msg wire.Message) {
	if err := m.copier.Copy(ctx, ruleID, kind); err != nil {
		logger.Errorf("Manager(%s) %v", m.cfg.Manager.ID, err)
		m.Upstream(&wire.AsciiAck{ID: id, ResultMode: wire.AckFail, ResultMsg: err.Error()})
		m.raise(m.cfg.Manager.ID, wire.ProcManager, err.Error())
		if m.cfg.Manager.RuleCopyFatal {
			logger.Errorf("Manager(%s) rule copy failure is fatal, exiting", m.cfg.Manager.ID)
			m.terminate()
		}
		return
	}
	parsers := m.roles[wire.ProcParser]
	if parsers.Len() == 0 {
		m.Upstream(&wire.AsciiAck{ID: id, ResultMode: wire.AckSuccess})
		return
	}
	if err := parsers.Broadcast(msg); err != nil {
		logger.Warnf("Manager(%s) broadcast %s rule %s: %v", m.cfg.Manager.ID, kind, ruleID, err)
	}
}

// raise 上送运维可见错误
func (m *Manager) raise(processID string, t wire.ProcessType, text string) {
	m.Upstream(&wire.AsciiError{
		Priority:    1,
		ProcessID:   processID,
		ProcessType: t,
		ManagerID:   m.cfg.Manager.ID,
		ErrMsg:      text,
	})
}

func (m *Manager) processStatus(processID string, t wire.ProcessType, pid int, started int64, status uint32) {
	m.Upstream(&wire.ProcessStatus{
		ProcessID:     processID,
		ProcessType:   t,
		ManagerID:     m.cfg.Manager.ID,
		HostIP:        m.opts.Host,
		Pid:           uint32(pid),
		StartTime:     started,
		Status:        status,
		SettingStatus: wire.StatusStart,
	})
}

// Terminate 实现 ChildEvents
func (m *Manager) Terminate(spec ChildSpec) error {
	cm, ok := m.roles[spec.Type]
	if !ok {
		return fmt.Errorf("no connection manager for %s", spec.Type)
	}
	return cm.SendTo(session.QualifiedName(spec.Type, spec.ProcessID), &wire.ProcTerminate{})
}

// ChildStarted 实现 ChildEvents
func (m *Manager) ChildStarted(spec ChildSpec, pid int) {
	logger.Debugf("Manager(%s) %s(%s) launched pid=%d", m.cfg.Manager.ID, spec.Type, spec.ProcessID, pid)
}

// ChildExited 实现 ChildEvents
func (m *Manager) ChildExited(spec ChildSpec, pid int, ordered bool, err error) {
	m.processStatus(spec.ProcessID, spec.Type, pid, 0, wire.StatusStop)
	if !ordered {
		m.raise(spec.ProcessID, spec.Type, fmt.Sprintf("The %s(%s) is killed abnormal.", spec.Type, spec.ProcessID))
	}
}

// childHandler 某一角色连接管理器的回调
type childHandler struct {
	m    *Manager
	role wire.ProcessType
}

func (h *childHandler) OnRegister(s *session.Session) {
	m := h.m
	id := session.BareName(h.role, s.Name())
	metrics.Sessions.WithLabelValues(h.role.String()).Set(float64(m.roles[h.role].Len()))
	pid, _ := m.sup.Pid(id)
	m.processStatus(id, h.role, pid, s.StartTime().Unix(), wire.StatusStart)

	switch h.role {
	case wire.ProcConnector:
		m.sendInventory(s)
	case wire.ProcParser:
		m.openParser(id)
	}
}

func (h *childHandler) OnMessage(s *session.Session, msg wire.Message) {
	switch msg.(type) {
	case *wire.MMCResult, *wire.PortStatus, *wire.AsciiAck, *wire.AsciiError, *wire.ProcessStatus:
		h.m.Upstream(msg)
	case *wire.ProcTerminate:
		s.Close(session.ErrTerminated)
	default:
		logger.Debugf("Manager(%s) ignored msg_id=%d from %s", h.m.cfg.Manager.ID, msg.MsgID(), s.Name())
	}
}

func (h *childHandler) OnClose(s *session.Session, err error) {
	metrics.Sessions.WithLabelValues(h.role.String()).Set(float64(h.m.roles[h.role].Len()))
	logger.Infof("Manager(%s) %s session %s closed: %v", h.m.cfg.Manager.ID, h.role, s.Name(), err)
}

// OnAliveFail 存活检查失败且不在有序停止中时杀死子进程，由回收循环重启
func (h *childHandler) OnAliveFail(s *session.Session) {
	id := session.BareName(h.role, s.Name())
	if h.m.sup.Ordered(id) {
		return
	}
	logger.Errorf("The %s(%s) alive check failed, killing", h.role, id)
	h.m.sup.Kill(id)
}
