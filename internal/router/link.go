package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// ManagedOptions 受 Manager 监督的角色公共参数
type ManagedOptions struct {
	Name            string
	ManagerEndpoint string
}

// runManaged 维持到 Manager 的会话；收到 CMD_PROC_TERMINATE 或 ctx 取消时返回 nil，
// 会话意外断开时返回错误。未配置 Manager 端点时只等待 ctx
func runManaged(ctx context.Context, cfg config.SessionConfig, opts ManagedOptions, typ wire.ProcessType,
	handle func(m wire.Message)) error {
	if opts.ManagerEndpoint == "" {
		<-ctx.Done()
		return nil
	}
	up, err := session.Dial(ctx, opts.ManagerEndpoint, typ, opts.Name, session.ConfigFrom(cfg, session.AliveSend))
	if err != nil {
		return fmt.Errorf("connect manager: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { up.Close(nil) })
	defer stop()

	var terminated atomic.Bool
	err = up.Run(session.HandlerFuncs{Message: func(s *session.Session, m wire.Message) {
		if _, ok := m.(*wire.ProcTerminate); ok {
			logger.Infof("%s(%s) terminate requested", typ, opts.Name)
			terminated.Store(true)
			s.Close(session.ErrTerminated)
			return
		}
		if handle != nil {
			handle(m)
		}
	}})
	if terminated.Load() || ctx.Err() != nil || errors.Is(err, session.ErrClosed) {
		return nil
	}
	return fmt.Errorf("manager session lost: %w", err)
}

// link 到下游（DataHandler 或下游 Router）的出向连接，带队列与断线重连
type link struct {
	id       string
	endpoint string
	typ      wire.ProcessType
	name     string
	cfg      session.Config
	delay    time.Duration
	queue    chan wire.Message

	connected atomic.Bool
	dropped   atomic.Int64
	sent      atomic.Int64
}

func newLink(id, endpoint string, typ wire.ProcessType, name string, cfg session.Config, delay time.Duration, size int) *link {
	if size <= 0 {
		size = 1024
	}
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &link{
		id:       id,
		endpoint: endpoint,
		typ:      typ,
		name:     name,
		cfg:      cfg,
		delay:    delay,
		queue:    make(chan wire.Message, size),
	}
}

// offer 入队，队列满时丢弃
func (l *link) offer(m wire.Message) bool {
	select {
	case l.queue <- m:
		return true
	default:
		if n := l.dropped.Add(1); n == 1 || n%1000 == 0 {
			logger.Warnf("Link(%s) queue full, %d messages dropped", l.id, n)
		}
		return false
	}
}

func (l *link) run(ctx context.Context) error {
	for ctx.Err() == nil {
		s, err := session.Dial(ctx, l.endpoint, l.typ, l.name, l.cfg)
		if err != nil {
			logger.Warnf("Link(%s) connect %s: %v", l.id, l.endpoint, err)
		} else {
			logger.Infof("Link(%s) connected to %s", l.id, l.endpoint)
			go func() { _ = s.Run(session.HandlerFuncs{}) }()
			l.connected.Store(true)
			l.pump(ctx, s)
			l.connected.Store(false)
			s.Close(nil)
		}
		select {
		case <-ctx.Done():
		case <-time.After(l.delay):
		}
	}
	return nil
}

func (l *link) pump(ctx context.Context, s *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			logger.Warnf("Link(%s) session closed: %v", l.id, s.Err())
			return
		case m := <-l.queue:
			if err := s.Send(m); err != nil {
				logger.Warnf("Link(%s) send msg_id=%d: %v", l.id, m.MsgID(), err)
				return
			}
			l.sent.Add(1)
		}
	}
}
