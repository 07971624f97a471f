package manager

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nafabric/nafabric/internal/metrics"
	"github.com/nafabric/nafabric/pkg/logger"
)

// 规则下发类型，替换命令中的 {kind}
const (
	RuleKindParsing = "parsing"
	RuleKindMapping = "mapping"
)

// CommandRunner 执行外部命令
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// RuleCopier 规则下发前调用的外部拷贝命令，失败重试
type RuleCopier struct {
	Command string
	Retries int
	Backoff time.Duration
	Run     CommandRunner
}

// NewRuleCopier 命令中的 {rule_id} 与 {kind} 在执行时替换
func NewRuleCopier(command string, retries int) *RuleCopier {
	if retries < 0 {
		retries = 0
	}
	return &RuleCopier{Command: command, Retries: retries, Backoff: time.Second, Run: execRunner}
}

// Copy 执行拷贝；命令为空视为规则已在本地
func (r *RuleCopier) Copy(ctx context.Context, ruleID, kind string) error {
	fields := strings.Fields(r.Command)
	if len(fields) == 0 {
		return nil
	}
	for i, f := range fields {
		f = strings.ReplaceAll(f, "{rule_id}", ruleID)
		fields[i] = strings.ReplaceAll(f, "{kind}", kind)
	}

	start := time.Now()
	defer func() { metrics.RuleCopyDuration.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 0; attempt <= r.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.Backoff):
			}
		}
		out, err := r.Run(ctx, fields[0], fields[1:]...)
		if err == nil {
			logger.Infof("RuleCopy(%s %s) done", kind, ruleID)
			return nil
		}
		lastErr = fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
		logger.Warnf("RuleCopy(%s %s) attempt %d failed: %v", kind, ruleID, attempt+1, lastErr)
	}
	return fmt.Errorf("rule copy %s %s failed after %d attempts: %w", kind, ruleID, r.Retries+1, lastErr)
}
