package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// ConnManager 某一角色的连接管理器：接受连接、完成身份报告、按名称登记会话。
// 管理器持有会话，会话只保留指回管理器的引用；会话关闭时由管理器注销
type ConnManager struct {
	role    string
	cfg     Config
	handler Handler

	// 单一粗粒度锁保护会话表
	mu       sync.Mutex
	sessions map[string]*Session
	accepted map[*Session]struct{}
	closing  bool
}

// NewConnManager 创建连接管理器
func NewConnManager(role string, cfg Config, h Handler) *ConnManager {
	return &ConnManager{
		role:     role,
		cfg:      cfg,
		handler:  h,
		sessions: make(map[string]*Session),
		accepted: make(map[*Session]struct{}),
	}
}

// Role 管理器负责的角色名
func (m *ConnManager) Role() string {
	return m.role
}

// Serve 接受连接直到 ctx 取消或监听关闭
func (m *ConnManager) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%s accept: %w", m.role, err)
		}
		m.Attach(conn)
	}
}

// Attach 接管一条已接受的连接，在独立协程中运行读循环
func (m *ConnManager) Attach(conn net.Conn) *Session {
	s := newSession(conn, m.cfg, m)
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = conn.Close()
		return s
	}
	m.accepted[s] = struct{}{}
	m.mu.Unlock()
	logger.Debugf("%s accepted connection from %s", m.role, s.RemoteAddr())
	go s.run()
	return s
}

func (m *ConnManager) identify(s *Session, rep *wire.SessionReporting) error {
	m.mu.Lock()
	if _, dup := m.sessions[rep.SessionName]; dup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrDuplicateSession, rep.SessionName, m.role)
	}
	m.sessions[rep.SessionName] = s
	m.mu.Unlock()
	logger.Infof("%s session registered: %s(%s)", m.role, rep.SessionName, rep.SessionType)
	m.handler.OnRegister(s)
	return nil
}

func (m *ConnManager) dispatch(s *Session, msg wire.Message) {
	m.handler.OnMessage(s, msg)
}

func (m *ConnManager) aliveFail(s *Session) {
	if af, ok := m.handler.(AliveFailHandler); ok {
		af.OnAliveFail(s)
	}
}

func (m *ConnManager) closed(s *Session, err error) {
	m.mu.Lock()
	delete(m.accepted, s)
	registered := false
	if name := s.Name(); name != "" && m.sessions[name] == s {
		delete(m.sessions, name)
		registered = true
	}
	m.mu.Unlock()
	if registered {
		logger.Infof("%s session closed: %s (%v)", m.role, s.Name(), err)
		m.handler.OnClose(s, err)
	}
}

// Get 按名称查找已登记的会话
func (m *ConnManager) Get(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Names 已登记的会话名（排序）
func (m *ConnManager) Names() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.sessions))
	for n := range m.sessions {
		names = append(names, n)
	}
	m.mu.Unlock()
	sort.Strings(names)
	return names
}

// Len 已登记的会话数
func (m *ConnManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SendTo 向指定会话发送
func (m *ConnManager) SendTo(name string, msg wire.Message) error {
	s, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%s session %s: %w", m.role, name, ErrClosed)
	}
	return s.Send(msg)
}

// Broadcast 向全部已登记会话发送，返回第一个错误
func (m *ConnManager) Broadcast(msg wire.Message) error {
	m.mu.Lock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	var first error
	for _, s := range targets {
		if err := s.Send(msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CloseAll 关闭全部会话，之后接入的连接直接拒绝
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	m.closing = true
	all := make([]*Session, 0, len(m.accepted))
	for s := range m.accepted {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Close(ErrClosed)
	}
}
