package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// SelfcareDelay 看门狗在子进程非正常退出后重新拉起前的等待
var SelfcareDelay = 5 * time.Second

// RunFunc 角色主体，返回即进程结束
type RunFunc func(ctx context.Context, f *Flags, cfg *config.Config) error

// Main 工作进程公共入口：解析参数、看门狗、加载配置、初始化日志、处理退出信号
func Main(t wire.ProcessType, args []string, run RunFunc) int {
	prog := filepath.Base(os.Args[0])
	f, err := ParseFlags(prog, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if f.Selfcare {
		exe, err := os.Executable()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
			return 1
		}
		if err := Selfcare(ctx, exe, WithoutSelfcare(args)); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
			return 1
		}
		return 0
	}

	cfg, err := config.Load(f.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	name := f.QualifiedName(t)
	if err := InitLogger(cfg, name, f.LogCycle); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	if f.DelayTime > 0 {
		logger.Infof("%s(%s) delaying start %ds", t, name, f.DelayTime)
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(time.Duration(f.DelayTime) * time.Second):
		}
	}

	logger.Infof("%s(%s) starting pid=%d", t, name, os.Getpid())
	if err := run(ctx, f, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("%s(%s) exited: %v", t, name, err)
		return 1
	}
	logger.Infof("%s(%s) stopped", t, name)
	return 0
}

// LogCycle -log_cycle 优先于配置文件
func LogCycle(cfg *config.Config, flagCycle string) string {
	if flagCycle != "" {
		return logger.NormalizeCycle(flagCycle)
	}
	return logger.NormalizeCycle(cfg.Log.Cycle)
}

// InitLogger 按配置初始化进程日志；有周期时文件名为 <name>_YYYYMMDDHH.log 或 <name>_YYYYMMDD.log
func InitLogger(cfg *config.Config, name, flagCycle string) error {
	return logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		Dir:        cfg.Log.Dir,
		Name:       name,
		Cycle:      LogCycle(cfg, flagCycle),
	})
}

// UnlinkLogs 删除进程在 since 到当前之间写下的周期日志文件；没有周期时日志是共享文件，不删除
func UnlinkLogs(cfg *config.Config, name, flagCycle string, since time.Time) {
	cycle := LogCycle(cfg, flagCycle)
	if cycle == logger.CycleNone || name == "" {
		return
	}
	step := time.Hour
	if cycle == logger.CycleDay {
		step = 24 * time.Hour
	}
	now := time.Now()
	for t := since; ; t = t.Add(step) {
		if t.After(now) {
			t = now
		}
		path := filepath.Join(cfg.Log.Dir, logger.FileName(name, cycle, t))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warnf("unlink log %s: %v", path, err)
		}
		if !t.Before(now) {
			return
		}
	}
}

// Selfcare 看门狗：以相同参数重复运行 exe，子进程正常退出时返回，非零退出等待 SelfcareDelay 后重新拉起
func Selfcare(ctx context.Context, exe string, args []string) error {
	for {
		cmd := exec.Command(exe, args...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("selfcare start %s: %w", exe, err)
		}

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
			<-done
			return nil
		}
		if err == nil {
			return nil
		}
		fmt.Fprintf(os.Stderr, "selfcare: %s pid=%d exited: %v, restart in %s\n",
			filepath.Base(exe), cmd.Process.Pid, err, SelfcareDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(SelfcareDelay):
		}
	}
}
