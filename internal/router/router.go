package router

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// Router 轻量多路复用：入向会话收到的报文复制给每个下游 Router
type Router struct {
	cfg   *config.Config
	opts  ManagedOptions
	in    *session.ConnManager
	downs []*link
}

// NewRouter 创建 Router
func NewRouter(cfg *config.Config, opts ManagedOptions) *Router {
	r := &Router{cfg: cfg, opts: opts}
	sessCfg := session.ConfigFrom(cfg.Session, session.AliveSend)
	for i, addr := range cfg.Router.Downstreams {
		id := fmt.Sprintf("%s#%d", opts.Name, i)
		r.downs = append(r.downs, newLink(id, addr, wire.ProcRouter, opts.Name, sessCfg,
			cfg.Router.ReconnectDelay, cfg.Router.QueueSize))
	}
	r.in = session.NewConnManager("Router", session.ConfigFrom(cfg.Session, session.AliveReceive),
		session.HandlerFuncs{Message: r.onMessage})
	return r
}

// Run 在 router.listen 上运行
func (r *Router) Run(ctx context.Context) error {
	ln, err := session.Listen(r.cfg.Router.Listen)
	if err != nil {
		return err
	}
	return r.Serve(ctx, ln)
}

// Serve 在给定监听上运行，退出前执行有序关闭
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.in.Serve(gctx, ln) })
	for _, l := range r.downs {
		l := l
		g.Go(func() error { return l.run(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		return runManaged(gctx, r.cfg.Session, r.opts, wire.ProcRouter, nil)
	})
	err := g.Wait()
	r.Shutdown()
	return err
}

func (r *Router) onMessage(s *session.Session, m wire.Message) {
	switch m.(type) {
	case *wire.ProcTerminate:
		s.Close(session.ErrTerminated)
		return
	}
	for _, l := range r.downs {
		l.offer(m)
	}
}

// Shutdown 向所有入向会话发送 CMD_PROC_TERMINATE，等待其断开，
// 超过 terminate_wait 仍未断开的强制关闭
func (r *Router) Shutdown() {
	wait := r.cfg.Router.TerminateWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if r.in.Len() > 0 {
		_ = r.in.Broadcast(&wire.ProcTerminate{})
		deadline := time.Now().Add(wait)
		for r.in.Len() > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if n := r.in.Len(); n > 0 {
			logger.Warnf("Router(%s) %d sessions still open after %s, closing", r.opts.Name, n, wait)
		}
	}
	r.in.CloseAll()
}
