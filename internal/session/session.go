package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

var (
	// ErrDuplicateSession 同一个管理器内出现重复的会话名
	ErrDuplicateSession = errors.New("session: duplicate session name")
	// ErrNotIdentified 会话尚未完成 SESSION_REPORTING
	ErrNotIdentified = errors.New("session: not identified")
	// ErrAliveCheckFailed 存活检查失败
	ErrAliveCheckFailed = errors.New("session: alive check failed")
	// ErrClosed 会话已关闭
	ErrClosed = errors.New("session: closed")
	// ErrTerminated 对端请求关闭（CMD_PROC_TERMINATE）
	ErrTerminated = errors.New("session: terminated by peer")
)

// AliveMode 存活检查模式，可组合
type AliveMode int

const (
	AliveOff     AliveMode = 0
	AliveReceive AliveMode = 1
	AliveSend    AliveMode = 2
)

// Config 会话配置
type Config struct {
	AliveInterval  time.Duration
	AliveFailMax   int
	AliveMode      AliveMode
	ReReadRetries  int
	ReReadInterval time.Duration
}

// ConfigFrom 从全局配置构造会话配置
func ConfigFrom(c config.SessionConfig, mode AliveMode) Config {
	cfg := Config{
		AliveInterval: c.AliveInterval,
		AliveFailMax:  c.AliveFailMax,
		AliveMode:     mode,
	}
	if c.ReReadRetry {
		cfg.ReReadRetries = wire.DefaultReReadRetries
		cfg.ReReadInterval = wire.DefaultReReadInterval
	}
	return cfg
}

// Handler 业务处理器；同一会话的回调在该会话的读协程中串行执行
type Handler interface {
	OnRegister(s *Session)
	OnMessage(s *Session, m wire.Message)
	OnClose(s *Session, err error)
}

// AliveFailHandler 可选接口，存活检查失败时先于 OnClose 调用
type AliveFailHandler interface {
	OnAliveFail(s *Session)
}

// HandlerFuncs 以函数实现 Handler，未设置的回调忽略
type HandlerFuncs struct {
	Register func(s *Session)
	Message  func(s *Session, m wire.Message)
	Close    func(s *Session, err error)
}

func (h HandlerFuncs) OnRegister(s *Session) {
	if h.Register != nil {
		h.Register(s)
	}
}

func (h HandlerFuncs) OnMessage(s *Session, m wire.Message) {
	if h.Message != nil {
		h.Message(s, m)
	}
}

func (h HandlerFuncs) OnClose(s *Session, err error) {
	if h.Close != nil {
		h.Close(s, err)
	}
}

// owner 会话的所属者（连接管理器或客户端适配），会话只保存这个非拥有引用
type owner interface {
	identify(s *Session, rep *wire.SessionReporting) error
	dispatch(s *Session, m wire.Message)
	aliveFail(s *Session)
	closed(s *Session, err error)
}

// Session 一条进程间连接
type Session struct {
	conn   net.Conn
	reader *wire.Reader
	cfg    Config
	owner  owner

	mu          sync.RWMutex
	sessionType wire.ProcessType
	name        string
	identified  atomic.Bool
	aliveFail   atomic.Int32
	startTime   time.Time

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	closeErr  error

	// Value 供上层挂载与会话关联的数据
	Value atomic.Value
}

func newSession(conn net.Conn, cfg Config, o owner) *Session {
	s := &Session{
		conn:      conn,
		reader:    wire.NewReader(conn),
		cfg:       cfg,
		owner:     o,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	if cfg.ReReadRetries > 0 {
		s.reader.SetReRead(cfg.ReReadRetries, cfg.ReReadInterval)
	}
	return s
}

// Name 会话名
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Type 会话类型
func (s *Session) Type() wire.ProcessType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionType
}

// Identified 是否已完成身份报告
func (s *Session) Identified() bool {
	return s.identified.Load()
}

// RemoteAddr 对端地址
func (s *Session) RemoteAddr() string {
	if a := s.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// StartTime 会话建立时间
func (s *Session) StartTime() time.Time {
	return s.startTime
}

// AliveFailCount 当前连续未收到存活应答的次数
func (s *Session) AliveFailCount() int {
	return int(s.aliveFail.Load())
}

// Done 会话关闭时关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err 会话关闭原因
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// Send 发送一条报文，同一会话的写操作串行
func (s *Session) Send(m wire.Message) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := wire.WriteMessage(s.conn, m); err != nil {
		return fmt.Errorf("send msg_id=%d to %s: %w", m.MsgID(), s.Name(), err)
	}
	return nil
}

// SendFrame 发送已编码的帧
func (s *Session) SendFrame(f wire.Frame) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return wire.WriteFrame(s.conn, f.ID, f.Body)
}

// Close 关闭会话并通知所属者，只生效一次
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		s.closeErr = err
		close(s.done)
		_ = s.conn.Close()
		if s.owner != nil {
			s.owner.closed(s, err)
		}
	})
}

// run 读循环，阻塞直到会话关闭
func (s *Session) run() {
	if s.cfg.AliveMode != AliveOff && s.cfg.AliveInterval > 0 {
		go s.aliveLoop()
	}
	for {
		m, err := s.reader.ReadMessage()
		if err != nil {
			if errors.Is(err, wire.ErrUnknownMessage) {
				// 未知报文属于协议错误，不在本会话上重试
				logger.Warnf("Session(%s) received unknown message: %v", s.Name(), err)
			}
			s.Close(err)
			return
		}
		if !s.handle(m) {
			return
		}
	}
}

func (s *Session) handle(m wire.Message) bool {
	switch msg := m.(type) {
	case *wire.AliveAck:
		s.aliveFail.Store(0)
		return true
	case *wire.SessionReporting:
		if s.Identified() {
			logger.Warnf("Session(%s) sent SESSION_REPORTING twice, ignored", s.Name())
			return true
		}
		s.mu.Lock()
		s.sessionType = msg.SessionType
		s.name = msg.SessionName
		s.mu.Unlock()
		if err := s.owner.identify(s, msg); err != nil {
			logger.Errorf("Session(%s) identification rejected: %v", msg.SessionName, err)
			s.Close(err)
			return false
		}
		s.identified.Store(true)
		return true
	}
	if !s.Identified() {
		logger.Warnf("Session(%s) sent msg_id=%d before identification, ignored", s.RemoteAddr(), m.MsgID())
		return true
	}
	s.owner.dispatch(s, m)
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Session) aliveLoop() {
	ticker := time.NewTicker(s.cfg.AliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if s.cfg.AliveMode&AliveSend != 0 {
			if err := s.Send(&wire.AliveAck{}); err != nil {
				if !errors.Is(err, ErrClosed) {
					s.Close(fmt.Errorf("alive ack: %w", syscall.EPIPE))
				}
				return
			}
		}
		if s.cfg.AliveMode&AliveReceive != 0 {
			n := s.aliveFail.Add(1)
			if int(n) > s.cfg.AliveFailMax {
				logger.Warnf("Session(%s) alive check failed (%d > %d)", s.Name(), n, s.cfg.AliveFailMax)
				s.owner.aliveFail(s)
				s.Close(ErrAliveCheckFailed)
				return
			}
		}
	}
}

// clientOwner 客户端会话的所属者
type clientOwner struct {
	h Handler
}

func (c clientOwner) identify(*Session, *wire.SessionReporting) error {
	return nil
}

func (c clientOwner) dispatch(s *Session, m wire.Message) {
	c.h.OnMessage(s, m)
}

func (c clientOwner) aliveFail(s *Session) {
	if af, ok := c.h.(AliveFailHandler); ok {
		af.OnAliveFail(s)
	}
}

func (c clientOwner) closed(s *Session, err error) {
	c.h.OnClose(s, err)
}

// Dial 连接端点并立即发送 SESSION_REPORTING
func Dial(ctx context.Context, endpoint string, typ wire.ProcessType, name string, cfg Config) (*Session, error) {
	conn, err := DialEndpoint(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, typ, name, cfg)
}

// NewClient 在已建立的连接上完成身份报告
func NewClient(conn net.Conn, typ wire.ProcessType, name string, cfg Config) (*Session, error) {
	s := newSession(conn, cfg, nil)
	s.sessionType = typ
	s.name = name
	if err := s.Send(&wire.SessionReporting{SessionType: typ, SessionName: name}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.identified.Store(true)
	return s, nil
}

// Run 客户端读循环，阻塞直到会话关闭并返回关闭原因
func (s *Session) Run(h Handler) error {
	s.owner = clientOwner{h: h}
	h.OnRegister(s)
	s.run()
	<-s.done
	if errors.Is(s.closeErr, io.EOF) {
		return nil
	}
	return s.closeErr
}
