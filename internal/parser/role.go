package parser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/storage"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// RoleOptions Parser 进程的启动参数
type RoleOptions struct {
	Name               string
	RuleID             string
	Host               string
	ManagerEndpoint    string
	DataRouterEndpoint string
	Consumers          []string
}

// Role Parser 进程：上联 Manager，监听 Connector，下联 DataRouter
type Role struct {
	cfg    *config.Config
	opts   RoleOptions
	parser *Parser
	reasm  *wire.Reassembler
	conns  *session.ConnManager

	listenOnce sync.Once
}

// NewRole 创建 Parser 进程
func NewRole(cfg *config.Config, opts RoleOptions) (*Role, error) {
	p, err := New(Options{
		Name:     opts.Name,
		RuleID:   opts.RuleID,
		Host:     opts.Host,
		Config:   cfg.Parser,
		Archiver: storage.New(cfg.Storage),
	})
	if err != nil {
		return nil, err
	}
	consumers := opts.Consumers
	if len(consumers) == 0 {
		consumers = cfg.Parser.Consumers
	}
	for _, c := range consumers {
		p.AddConsumer(c)
	}
	r := &Role{cfg: cfg, opts: opts, parser: p, reasm: wire.NewReassembler()}
	r.conns = session.NewConnManager("Parser", session.ConfigFrom(cfg.Session, session.AliveReceive), session.HandlerFuncs{
		Message: r.onConnectorMessage,
	})
	return r, nil
}

// Parser 内部的 Parser
func (r *Role) Parser() *Parser {
	return r.parser
}

func (r *Role) qualifiedName() string {
	return session.QualifiedName(wire.ProcParser, r.opts.Name)
}

// Run 运行直到 Manager 会话断开或收到 CMD_PROC_TERMINATE
func (r *Role) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	up, err := session.Dial(ctx, r.opts.ManagerEndpoint, wire.ProcParser, r.qualifiedName(),
		session.ConfigFrom(r.cfg.Session, session.AliveSend))
	if err != nil {
		return fmt.Errorf("connect manager: %w", err)
	}
	context.AfterFunc(ctx, func() { up.Close(nil) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.parser.Run(gctx) })
	for _, s := range r.parser.Senders() {
		s := s
		g.Go(func() error { return r.keepDataRouter(gctx, s) })
	}
	g.Go(func() error {
		defer cancel()
		err := up.Run(session.HandlerFuncs{Message: func(s *session.Session, m wire.Message) {
			r.onManagerMessage(gctx, g, s, m, cancel)
		}})
		if err != nil && !errors.Is(err, session.ErrTerminated) && ctx.Err() == nil {
			return fmt.Errorf("manager session lost: %w", err)
		}
		return nil
	})
	err = g.Wait()
	r.conns.CloseAll()
	return err
}

func (r *Role) onManagerMessage(ctx context.Context, g *errgroup.Group, s *session.Session, m wire.Message, cancel context.CancelFunc) {
	switch msg := m.(type) {
	case *wire.OpenPort:
		r.listenOnce.Do(func() {
			ln, err := session.Listen(msg.Endpoint)
			if err != nil {
				logger.Errorf("Parser(%s) listen %s: %v", r.opts.Name, msg.Endpoint, err)
				return
			}
			logger.Infof("Parser(%s) listening for connectors on %s", r.opts.Name, msg.Endpoint)
			g.Go(func() error { return r.conns.Serve(ctx, ln) })
		})
	case *wire.ParsingRuleDown:
		go r.reload(ctx, s, msg.ID)
	case *wire.MappingRuleDown:
		go r.reload(ctx, s, msg.ID)
	case *wire.ProcTerminate:
		logger.Infof("Parser(%s) terminate requested", r.opts.Name)
		cancel()
	default:
		logger.Debugf("Parser(%s) ignored msg_id=%d from manager", r.opts.Name, m.MsgID())
	}
}

func (r *Role) reload(ctx context.Context, s *session.Session, id uint32) {
	ack := &wire.AsciiAck{ID: id, ResultMode: wire.AckSuccess}
	if err := r.parser.Reload(ctx); err != nil {
		ack.ResultMode = wire.AckFail
		ack.ResultMsg = err.Error()
	}
	if err := s.Send(ack); err != nil {
		logger.Warnf("Parser(%s) reload ack: %v", r.opts.Name, err)
	}
}

func (r *Role) onConnectorMessage(s *session.Session, m wire.Message) {
	switch msg := m.(type) {
	case *wire.ConnectorData:
		data, done, err := r.reasm.Add(msg.Seg, msg.Data)
		if err != nil {
			logger.Warnf("Parser(%s) from %s: %v", r.opts.Name, s.Name(), err)
			return
		}
		if !done {
			return
		}
		if err := r.parser.Handle(msg.NE, msg.PortNo, data); err != nil {
			logger.Errorf("Parser(%s) handle data from %s: %v", r.opts.Name, msg.NE, err)
		}
	case *wire.ProcTerminate:
		s.Close(session.ErrTerminated)
	default:
		logger.Debugf("Parser(%s) ignored msg_id=%d from %s", r.opts.Name, m.MsgID(), s.Name())
	}
}

// keepDataRouter 维持消费者到 DataRouter 的连接，断开后重连
func (r *Role) keepDataRouter(ctx context.Context, s *DataSender) error {
	delay := r.cfg.DataRouter.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	name := r.qualifiedName() + "_" + s.Consumer()
	for ctx.Err() == nil {
		sess, err := session.Dial(ctx, r.opts.DataRouterEndpoint, wire.ProcParser, name,
			session.ConfigFrom(r.cfg.Session, session.AliveSend))
		if err != nil {
			logger.Warnf("Parser(%s) consumer %s: %v", r.opts.Name, s.Consumer(), err)
		} else {
			s.SetSink(sess)
			stop := context.AfterFunc(ctx, func() { sess.Close(nil) })
			err = sess.Run(session.HandlerFuncs{})
			stop()
			s.SetSink(nil)
			logger.Warnf("Parser(%s) consumer %s DataRouter session closed: %v", r.opts.Name, s.Consumer(), err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
	return nil
}
