package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// ChildFD 子进程中继承的客户端 socket 描述符（ExtraFiles[0]）
const ChildFD = 3

// Server DB 网关：Fork 模式下每个客户端 re-exec 一个子进程，否则在本进程内以协程服务
type Server struct {
	cfg     config.GatewayConfig
	handler *gatewayHandler
	conns   *session.ConnManager
	sem     chan struct{}

	// Exe 与 ChildArgs 为子进程的程序路径与附加参数
	Exe       string
	ChildArgs []string

	children sync.WaitGroup
}

// New 创建网关
func New(cfg *config.Config) *Server {
	max := cfg.Gateway.MaxSessions
	if max <= 0 {
		max = 64
	}
	s := &Server{
		cfg: cfg.Gateway,
		sem: make(chan struct{}, max),
	}
	if exe, err := os.Executable(); err == nil {
		s.Exe = exe
	}
	s.handler = &gatewayHandler{dsn: cfg.Gateway.DSN, blockSize: wire.MaxDataSize}
	s.conns = session.NewConnManager("DBGateway", session.ConfigFrom(cfg.Session, session.AliveReceive), s.handler)
	return s
}

// SetBlockSize 结果分段大小，只对之后接入的会话生效
func (s *Server) SetBlockSize(n int) {
	if n > 0 {
		s.handler.blockSize = n
	}
}

// Run 在 gateway.listen 上接受客户端
func (s *Server) Run(ctx context.Context) error {
	ln, err := session.Listen(s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 接受客户端直到 ctx 取消；超过 max_sessions 的连接直接关闭
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger.Infof("DBGateway listening on %s (fork=%v, max sessions %d)", ln.Addr(), s.cfg.Fork, cap(s.sem))
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer s.conns.CloseAll()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("DBGateway accept: %w", err)
		}
		select {
		case s.sem <- struct{}{}:
		default:
			logger.Warnf("DBGateway rejected %s: %d sessions in use", conn.RemoteAddr(), cap(s.sem))
			_ = conn.Close()
			continue
		}
		if s.cfg.Fork {
			if err := s.fork(conn); err != nil {
				logger.Errorf("DBGateway fork for %s: %v", conn.RemoteAddr(), err)
				<-s.sem
			}
			continue
		}
		sess := s.conns.Attach(conn)
		go func() {
			<-sess.Done()
			<-s.sem
		}()
	}
}

// Sessions 当前占用的会话数
func (s *Server) Sessions() int {
	return len(s.sem)
}

// Wait 等待已派生的子进程退出
func (s *Server) Wait() {
	s.children.Wait()
}

// fork 把连接交给 re-exec 的子进程：-alone -sessionid 3 -name <child>
func (s *Server) fork(conn net.Conn) error {
	defer conn.Close()
	fc, ok := conn.(interface{ File() (*os.File, error) })
	if !ok {
		return fmt.Errorf("connection %T cannot be inherited", conn)
	}
	f, err := fc.File()
	if err != nil {
		return err
	}
	defer f.Close()

	name := "DBGW_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	args := append([]string{"-alone", "-sessionid", fmt.Sprint(ChildFD), "-name", name}, s.ChildArgs...)
	cmd := exec.Command(s.Exe, args...)
	cmd.ExtraFiles = []*os.File{f}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	logger.Infof("DBGateway forked %s (pid %d) for %s", name, cmd.Process.Pid, conn.RemoteAddr())

	s.children.Add(1)
	go func() {
		defer s.children.Done()
		err := cmd.Wait()
		<-s.sem
		if err != nil {
			logger.Warnf("DBGateway child %s exited: %v", name, err)
			return
		}
		logger.Debugf("DBGateway child %s exited", name)
	}()
	return nil
}

// ServeFD 子进程入口：从继承的描述符重建连接并服务到客户端断开
func ServeFD(ctx context.Context, cfg *config.Config, fd int) error {
	f := os.NewFile(uintptr(fd), "dbgateway-session")
	if f == nil {
		return fmt.Errorf("invalid session fd %d", fd)
	}
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("session fd %d: %w", fd, err)
	}
	return ServeConn(ctx, cfg, conn)
}

// ServeConn 在一条已建立的连接上服务单个客户端
func ServeConn(ctx context.Context, cfg *config.Config, conn net.Conn) error {
	m := session.NewConnManager("DBGateway", session.ConfigFrom(cfg.Session, session.AliveReceive), &gatewayHandler{dsn: cfg.Gateway.DSN, blockSize: wire.MaxDataSize})
	sess := m.Attach(conn)
	select {
	case <-ctx.Done():
		sess.Close(nil)
	case <-sess.Done():
	}
	if err := sess.Err(); err != nil && !errors.Is(err, session.ErrClosed) && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// gatewayHandler 每个客户端会话挂一个 clientConn
type gatewayHandler struct {
	dsn       string
	blockSize int
}

func (h *gatewayHandler) OnRegister(s *session.Session) {
	if s.Type() != wire.ProcDBClient {
		logger.Warnf("DBGateway session %s has type %s", s.Name(), s.Type())
	}
	c := newClientConn(s, h.dsn)
	c.blockSize = h.blockSize
	s.Value.Store(c)
}

func (h *gatewayHandler) OnMessage(s *session.Session, m wire.Message) {
	if c, ok := s.Value.Load().(*clientConn); ok {
		c.handle(m)
	}
}

func (h *gatewayHandler) OnClose(s *session.Session, err error) {
	if c, ok := s.Value.Load().(*clientConn); ok {
		c.Close()
	}
}
