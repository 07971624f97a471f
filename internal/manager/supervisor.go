package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/metrics"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

var (
	// ErrAlreadyRunning 同名子进程已在运行
	ErrAlreadyRunning = errors.New("manager: process already running")
	// ErrUnknownProcess 没有该子进程
	ErrUnknownProcess = errors.New("manager: unknown process")
)

// ChildSpec 子进程的启动参数，重启时原样复用
type ChildSpec struct {
	ProcessID       string
	Type            wire.ProcessType
	RuleID          string
	DelayTime       uint32
	CmdIdentType    uint32
	CmdResponseType uint32
	LogCycle        string
	PortNo          uint32
	Consumers       string
}

// SpecFrom 由 CMD_START_PROCESS 构造启动参数
func SpecFrom(m *wire.StartProcess) ChildSpec {
	return ChildSpec{
		ProcessID:       m.ProcessID,
		Type:            m.ProcessType,
		RuleID:          m.RuleID,
		DelayTime:       m.DelayTime,
		CmdIdentType:    m.CmdIdentType,
		CmdResponseType: m.CmdResponseType,
		LogCycle:        m.LogCycle,
		PortNo:          m.PortNo,
		Consumers:       m.Consumers,
	}
}

// Binary 角色可执行文件名
func (s ChildSpec) Binary() string {
	return "na-" + strings.ToLower(s.Type.String())
}

// Args 命令行参数；svrpath 为 Manager 上该角色的监听端点
func (s ChildSpec) Args(svrPath, configPath string) []string {
	args := []string{
		"-name", s.ProcessID,
		"-svrpath", svrPath,
		"-delaytime", strconv.FormatUint(uint64(s.DelayTime), 10),
		"-cmd_ident_type", strconv.FormatUint(uint64(s.CmdIdentType), 10),
		"-cmd_response_type", strconv.FormatUint(uint64(s.CmdResponseType), 10),
	}
	if s.RuleID != "" {
		args = append(args, "-ruleid", s.RuleID)
	}
	if s.LogCycle != "" {
		args = append(args, "-log_cycle", s.LogCycle)
	}
	if s.PortNo != 0 {
		args = append(args, "-portno", strconv.FormatUint(uint64(s.PortNo), 10))
	}
	if s.Consumers != "" {
		args = append(args, "-consumers", s.Consumers)
	}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	return args
}

// Process 已启动的子进程
type Process interface {
	Pid() int
	Wait() error
	Kill() error
}

// Launcher 启动子进程
type Launcher interface {
	Launch(spec ChildSpec, svrPath string) (Process, error)
}

// ExecLauncher 以 os/exec 启动 BinDir 下的角色程序
type ExecLauncher struct {
	BinDir     string
	ConfigPath string
}

// Launch 实现 Launcher
func (l ExecLauncher) Launch(spec ChildSpec, svrPath string) (Process, error) {
	cmd := exec.Command(filepath.Join(l.BinDir, spec.Binary()), spec.Args(svrPath, l.ConfigPath)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Binary(), err)
	}
	return execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Pid() int    { return p.cmd.Process.Pid }
func (p execProcess) Wait() error { return p.cmd.Wait() }
func (p execProcess) Kill() error { return p.cmd.Process.Kill() }

// ChildEvents 子进程生命周期回调
type ChildEvents interface {
	// Terminate 请求子进程有序退出（CMD_PROC_TERMINATE）
	Terminate(spec ChildSpec) error
	ChildStarted(spec ChildSpec, pid int)
	// ChildExited ordered 为 false 表示非正常退出，随后会重启
	ChildExited(spec ChildSpec, pid int, ordered bool, err error)
}

// ChildStatus 子进程快照
type ChildStatus struct {
	Spec      ChildSpec
	Pid       int
	StartTime time.Time
	Running   bool
	Ordered   bool
	Restarts  int
}

type child struct {
	spec     ChildSpec
	proc     Process
	pid      int
	start    time.Time
	ordered  bool
	deadline time.Time
	// restartAt 非零表示等待重启
	restartAt time.Time
	restarts  int
}

type exitEvent struct {
	id   string
	proc Process
	err  error
}

// Supervisor 子进程启动、回收、有序停止与崩溃重启
type Supervisor struct {
	cfg      config.ManagerConfig
	launcher Launcher
	events   ChildEvents
	endpoint func(t wire.ProcessType) string

	mu       sync.Mutex
	children map[string]*child
	exits    chan exitEvent
}

// NewSupervisor 创建 Supervisor；endpoint 给出各角色的 -svrpath
func NewSupervisor(cfg config.ManagerConfig, l Launcher, ev ChildEvents, endpoint func(wire.ProcessType) string) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		launcher: l,
		events:   ev,
		endpoint: endpoint,
		children: make(map[string]*child),
		exits:    make(chan exitEvent, 16),
	}
}

// Start 启动子进程
func (s *Supervisor) Start(spec ChildSpec) error {
	s.mu.Lock()
	if c, ok := s.children[spec.ProcessID]; ok && (c.proc != nil || !c.restartAt.IsZero()) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.ProcessID)
	}
	c := &child{spec: spec}
	s.children[spec.ProcessID] = c
	err := s.launch(c)
	if err != nil {
		delete(s.children, spec.ProcessID)
	}
	s.mu.Unlock()
	return err
}

// launch 调用方持有 s.mu
func (s *Supervisor) launch(c *child) error {
	proc, err := s.launcher.Launch(c.spec, s.endpoint(c.spec.Type))
	if err != nil {
		return err
	}
	c.proc = proc
	c.pid = proc.Pid()
	c.start = time.Now()
	c.restartAt = time.Time{}
	logger.Infof("The %s(%s) is started, pid=%d", c.spec.Type, c.spec.ProcessID, c.pid)
	go func() {
		err := proc.Wait()
		s.exits <- exitEvent{id: c.spec.ProcessID, proc: proc, err: err}
	}()
	go s.events.ChildStarted(c.spec, c.pid)
	return nil
}

// Stop 有序停止：发送 CMD_PROC_TERMINATE，terminate_wait 后仍未退出则强杀
func (s *Supervisor) Stop(processID string) error {
	s.mu.Lock()
	c, ok := s.children[processID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProcess, processID)
	}
	c.ordered = true
	if c.proc == nil {
		// 正在等待重启，直接撤销
		delete(s.children, processID)
		s.mu.Unlock()
		return nil
	}
	c.deadline = time.Now().Add(s.terminateWait())
	spec := c.spec
	s.mu.Unlock()

	logger.Infof("The %s(%s) is ordered to stop", spec.Type, spec.ProcessID)
	if err := s.events.Terminate(spec); err != nil {
		logger.Warnf("The %s(%s) terminate request: %v", spec.Type, spec.ProcessID, err)
	}
	return nil
}

// Kill 非有序地杀死子进程，回收后按原参数重启
func (s *Supervisor) Kill(processID string) {
	s.mu.Lock()
	c, ok := s.children[processID]
	var proc Process
	if ok && !c.ordered {
		proc = c.proc
	}
	s.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}
}

// Ordered 子进程是否处于有序停止中
func (s *Supervisor) Ordered(processID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[processID]
	return ok && c.ordered
}

// Pid 运行中子进程的 pid
func (s *Supervisor) Pid(processID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[processID]
	if !ok || c.proc == nil {
		return 0, false
	}
	return c.pid, true
}

// Children 全部子进程快照（按 ID）
func (s *Supervisor) Children() []ChildStatus {
	s.mu.Lock()
	out := make([]ChildStatus, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, ChildStatus{
			Spec:      c.spec,
			Pid:       c.pid,
			StartTime: c.start,
			Running:   c.proc != nil,
			Ordered:   c.ordered,
			Restarts:  c.restarts,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.ProcessID < out[j].Spec.ProcessID })
	return out
}

func (s *Supervisor) terminateWait() time.Duration {
	if s.cfg.TerminateWait > 0 {
		return s.cfg.TerminateWait
	}
	return 5 * time.Second
}

// Run 回收循环：处理退出事件，每 reap_interval 检查到期的重启与强杀
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.exits:
			s.reap(ev)
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Supervisor) reap(ev exitEvent) {
	s.mu.Lock()
	c, ok := s.children[ev.id]
	if !ok || c.proc != ev.proc {
		s.mu.Unlock()
		return
	}
	spec, pid, ordered := c.spec, c.pid, c.ordered
	c.proc = nil
	if ordered {
		delete(s.children, ev.id)
	} else {
		delay := s.cfg.RestartDelay
		if delay <= 0 {
			delay = time.Second
		}
		c.restartAt = time.Now().Add(delay)
	}
	s.mu.Unlock()

	if ordered {
		logger.Infof("The %s(%s) is stopped, pid=%d", spec.Type, spec.ProcessID, pid)
	} else {
		logger.Errorf("The %s(%s) is killed abnormal. pid=%d: %v", spec.Type, spec.ProcessID, pid, ev.err)
	}
	s.events.ChildExited(spec, pid, ordered, ev.err)
}

func (s *Supervisor) sweep(now time.Time) {
	var kill []Process
	s.mu.Lock()
	for _, c := range s.children {
		switch {
		case c.proc == nil && !c.restartAt.IsZero() && !now.Before(c.restartAt):
			c.restarts++
			metrics.ChildRestarts.WithLabelValues(c.spec.Type.String()).Inc()
			if err := s.launch(c); err != nil {
				logger.Errorf("The %s(%s) relaunch failed: %v", c.spec.Type, c.spec.ProcessID, err)
				c.restartAt = now.Add(s.cfg.RestartDelay)
			}
		case c.proc != nil && c.ordered && !c.deadline.IsZero() && now.After(c.deadline):
			logger.Warnf("The %s(%s) did not exit in %s, killing", c.spec.Type, c.spec.ProcessID, s.terminateWait())
			kill = append(kill, c.proc)
			c.deadline = time.Time{}
		}
	}
	s.mu.Unlock()
	for _, p := range kill {
		_ = p.Kill()
	}
}

// StopAll 有序停止全部子进程并等待其退出，超时后强杀
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Stop(id)
	}

	deadline := time.Now().Add(s.terminateWait())
	for {
		s.mu.Lock()
		running := 0
		for _, c := range s.children {
			if c.proc != nil {
				running++
			}
		}
		s.mu.Unlock()
		if running == 0 {
			return
		}
		if time.Now().After(deadline) {
			s.sweep(time.Now().Add(time.Hour))
			return
		}
		select {
		case ev := <-s.exits:
			s.reap(ev)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
