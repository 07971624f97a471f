package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/metrics"
	"github.com/nafabric/nafabric/internal/model"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// ErrManagerOffline Manager 没有会话
var ErrManagerOffline = errors.New("server: manager not connected")

// Server 集群控制器：Manager 会话、DB 同步与运维前门
type Server struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	store *Store
	mgrs  *session.ConnManager
	reasm *wire.Reassembler

	mmcSeq  atomic.Uint32
	ruleSeq atomic.Uint32

	mu sync.Mutex
	// gates Manager ID -> MMC 流控闸门
	gates map[string]*gate
	// synced 已下发给 Manager 的端口
	synced map[uint32]pushedPort
}

type pushedPort struct {
	manager string
	info    wire.PortInfo
}

// New 创建 Server
func New(cfg *config.Config, store *Store) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		store:  store,
		reasm:  wire.NewReassembler(),
		gates:  make(map[string]*gate),
		synced: make(map[uint32]pushedPort),
	}
	last, err := store.MaxMMCID()
	if err != nil {
		return nil, fmt.Errorf("load mmc sequence: %w", err)
	}
	s.mmcSeq.Store(last)
	s.mgrs = session.NewConnManager("Server", session.ConfigFrom(cfg.Session, session.AliveReceive), &managerHandler{s: s})
	return s, nil
}

// Store 数据访问层
func (s *Server) Store() *Store { return s.store }

// Config 当前配置
func (s *Server) Config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// UpdateConfig 配置热更新；会话参数只对新会话生效
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	logger.Infof("Server config updated, sync interval %s", cfg.Server.SyncInterval)
}

// Managers 已连接的 Manager
func (s *Server) Managers() []string {
	return s.mgrs.Names()
}

// Run 在 server.host:port 上接受 Manager
func (s *Server) Run(ctx context.Context) error {
	ln, err := session.Listen(s.Config().GetServerAddr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定监听上接受 Manager，同时运行 DB 同步线程
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger.Infof("Server listening for managers on %s", ln.Addr())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.mgrs.Serve(gctx, ln) })
	g.Go(func() error { return s.syncLoop(gctx) })
	err := g.Wait()
	s.mgrs.CloseAll()
	return err
}

func (s *Server) send(managerID string, m wire.Message) error {
	if _, ok := s.mgrs.Get(managerID); !ok {
		return fmt.Errorf("%w: %s", ErrManagerOffline, managerID)
	}
	return s.mgrs.SendTo(managerID, m)
}

// bootstrap Manager 登记后下发子进程与端口
func (s *Server) bootstrap(sess *session.Session) {
	id := sess.Name()
	children, err := s.store.Children(id)
	if err != nil {
		logger.Errorf("Server load processes of %s: %v", id, err)
	}
	for i := range children {
		if err := sess.Send(children[i].StartCommand()); err != nil {
			logger.Warnf("Server start %s on %s: %v", children[i].ProcessID, id, err)
			return
		}
	}

	ports, err := s.store.Ports()
	if err != nil {
		logger.Errorf("Server load ports: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq, p := range s.synced {
		if p.manager == id {
			delete(s.synced, seq)
		}
	}
	opened := 0
	for i := range ports {
		p := &ports[i]
		if !p.Enabled {
			continue
		}
		mgr, err := s.store.ManagerOfConnector(p.ConnectorID)
		if err != nil || mgr != id {
			continue
		}
		info := p.Info()
		if err := sess.Send(&wire.OpenPort{Port: info}); err != nil {
			logger.Warnf("Server open port %d on %s: %v", p.Sequence, id, err)
			return
		}
		s.synced[p.Sequence] = pushedPort{manager: id, info: info}
		opened++
	}
	logger.Infof("Server bootstrap Manager(%s): %d processes, %d ports", id, len(children), opened)
}

// managerHandler Manager 会话回调
type managerHandler struct {
	s *Server
}

func (h *managerHandler) OnRegister(sess *session.Session) {
	s := h.s
	id := sess.Name()
	host, _, _ := net.SplitHostPort(sess.RemoteAddr())
	if err := s.store.ApplyStatus(&wire.ProcessStatus{
		ProcessID:   id,
		ProcessType: wire.ProcManager,
		ManagerID:   id,
		HostIP:      host,
		StartTime:   sess.StartTime().Unix(),
		Status:      wire.StatusStart,
	}); err != nil {
		logger.Errorf("Server record Manager(%s): %v", id, err)
	}
	metrics.Sessions.WithLabelValues(wire.ProcManager.String()).Set(float64(s.mgrs.Len()))
	logger.Infof("Manager(%s) registered from %s", id, sess.RemoteAddr())

	s.gate(id).reset()
	s.bootstrap(sess)
}

func (h *managerHandler) OnMessage(sess *session.Session, m wire.Message) {
	s := h.s
	switch msg := m.(type) {
	case *wire.ProcessStatus:
		if err := s.store.ApplyStatus(msg); err != nil {
			logger.Errorf("Server process status %s: %v", msg.ProcessID, err)
		}
	case *wire.PortStatus:
		if err := s.store.ApplyPortStatus(msg); err != nil {
			logger.Errorf("Server port status %d: %v", msg.Sequence, err)
		}
	case *wire.AsciiError:
		logger.Warnf("Server error from %s(%s): %s", msg.ProcessType, msg.ProcessID, msg.ErrMsg)
		if err := s.store.AddError(msg); err != nil {
			logger.Errorf("Server record error: %v", err)
		}
	case *wire.AsciiAck:
		if msg.ResultMode == wire.AckFail {
			logger.Warnf("Server command %d failed on Manager(%s): %s", msg.ID, sess.Name(), msg.ResultMsg)
		} else {
			logger.Infof("Server command %d done on Manager(%s)", msg.ID, sess.Name())
		}
	case *wire.MMCResult:
		s.onResult(msg)
	case *wire.FlowControl:
		s.onFlowControl(sess.Name(), msg)
	case *wire.ProcTerminate:
		sess.Close(session.ErrTerminated)
	default:
		logger.Debugf("Server ignored msg_id=%d from %s", m.MsgID(), sess.Name())
	}
}

func (h *managerHandler) OnClose(sess *session.Session, err error) {
	s := h.s
	id := sess.Name()
	metrics.Sessions.WithLabelValues(wire.ProcManager.String()).Set(float64(s.mgrs.Len()))
	if id == "" {
		return
	}
	logger.Warnf("Manager(%s) session closed: %v", id, err)
	if err := s.store.StopManaged(id); err != nil {
		logger.Errorf("Server mark Manager(%s) stopped: %v", id, err)
	}
	for _, req := range s.gate(id).drop() {
		s.finish(req.ID, wire.ResultError, fmt.Sprintf("The Manager(%s) is not connected.", id))
	}
}

// onResult 重组分段结果后落库
func (s *Server) onResult(r *wire.MMCResult) {
	data, done, err := s.reasm.Add(r.Seg, []byte(r.Result))
	if err != nil {
		logger.Warnf("Server MMC %d result: %v", r.ID, err)
		return
	}
	if !done {
		return
	}
	s.finish(r.ID, r.ResultMode, string(data))
}

func (s *Server) finish(id uint32, mode wire.ResultMode, result string) {
	metrics.MMCResults.WithLabelValues(mode.String()).Inc()
	if err := s.store.FinishMMC(id, mode, result); err != nil {
		logger.Errorf("Server record MMC %d result: %v", id, err)
	}
}

// ---- 运维操作 ----

// SaveProcess 新增或修改进程配置
func (s *Server) SaveProcess(p *model.Process) error {
	if p.ProcessID == "" || wire.ParseProcessType(p.ProcessType) == wire.ProcUnknown {
		return fmt.Errorf("invalid process %q type %q", p.ProcessID, p.ProcessType)
	}
	p.ProcessType = wire.ParseProcessType(p.ProcessType).String()
	if p.SettingStatus == "" {
		p.SettingStatus = model.StatusStart
	}
	return s.store.SaveProcess(p)
}

// StartProcess 设置为启动并下发 CMD_START_PROCESS
func (s *Server) StartProcess(id string) error {
	if err := s.store.SetSettingStatus(id, model.StatusStart); err != nil {
		return err
	}
	p, err := s.store.Process(id)
	if err != nil {
		return err
	}
	return s.send(p.ManagerID, p.StartCommand())
}

// StopProcess 设置为停止并下发 CMD_STOP_PROCESS
func (s *Server) StopProcess(id string) error {
	if err := s.store.SetSettingStatus(id, model.StatusStop); err != nil {
		return err
	}
	p, err := s.store.Process(id)
	if err != nil {
		return err
	}
	return s.send(p.ManagerID, &wire.StopProcess{ProcessID: p.ProcessID, ProcessType: p.Type()})
}

// SavePort 新增或修改端口并立即同步
func (s *Server) SavePort(p *model.ConnectorPort) error {
	if p.Sequence == 0 || p.EquipID == "" || p.ConnectorID == "" {
		return fmt.Errorf("port needs sequence, equip_id and connector_id")
	}
	if err := s.store.SavePort(p); err != nil {
		return err
	}
	return s.SyncPorts()
}

// SetPortOpen 打开或关闭端口并立即同步
func (s *Server) SetPortOpen(seq uint32, open bool) error {
	if err := s.store.SetPortEnabled(seq, open); err != nil {
		return err
	}
	return s.SyncPorts()
}

// 规则类型
const (
	RuleParsing = "parsing"
	RuleMapping = "mapping"
)

// RuleDown 向所有 Manager 下发规则变更，返回命令 ID
func (s *Server) RuleDown(ruleID, kind string) (uint32, error) {
	id := s.ruleSeq.Add(1)
	var msg wire.Message
	switch kind {
	case RuleParsing:
		msg = &wire.ParsingRuleDown{ID: id, RuleID: ruleID}
	case RuleMapping:
		msg = &wire.MappingRuleDown{ID: id, RuleID: ruleID}
	default:
		return 0, fmt.Errorf("unknown rule kind %q", kind)
	}
	if s.mgrs.Len() == 0 {
		return id, ErrManagerOffline
	}
	logger.Infof("Server %s rule %s down (cmd %d) to %d managers", kind, ruleID, id, s.mgrs.Len())
	return id, s.mgrs.Broadcast(msg)
}

// Shutdown 通知所有 Manager 终止并关闭会话
func (s *Server) Shutdown(wait time.Duration) {
	if s.mgrs.Len() > 0 {
		_ = s.mgrs.Broadcast(&wire.ProcTerminate{})
		deadline := time.Now().Add(wait)
		for s.mgrs.Len() > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	s.mgrs.CloseAll()
}
