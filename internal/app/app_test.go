package app

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags("na-parser", []string{
		"-name", "P01", "-svrpath", "/run/MGR01_parser.sock", "-ruleid", "R7",
		"-delaytime", "3", "-cmd_ident_type", "1", "-cmd_response_type", "2",
		"-log_cycle", "day", "-consumers", "DH1, DH2,", "-config", "conf.yaml",
	})
	require.NoError(t, err)
	assert.Equal(t, "P01", f.Name)
	assert.Equal(t, "R7", f.RuleID)
	assert.Equal(t, uint(3), f.DelayTime)
	assert.Equal(t, uint(2), f.CmdResponseType)
	assert.Equal(t, "/run/MGR01_parser.sock", f.ManagerEndpoint())
	assert.Equal(t, []string{"DH1", "DH2"}, f.ConsumerList())
	assert.Equal(t, "PARSER_P01", f.QualifiedName(wire.ProcParser))
	assert.Equal(t, "R1", (&Flags{Name: "R1"}).QualifiedName(wire.ProcRouter))
	assert.False(t, f.Selfcare)
	assert.Equal(t, -1, f.SessionID)
}

func TestParseFlagsErrors(t *testing.T) {
	_, err := ParseFlags("na-x", []string{"-nosuch"})
	assert.Error(t, err)
	_, err = ParseFlags("na-x", []string{"-name", "A", "extra"})
	assert.Error(t, err)
	_, err = ParseFlags("na-dbgateway", []string{"-alone"})
	assert.Error(t, err)

	f, err := ParseFlags("na-dbgateway", []string{"-alone", "-sessionid", "3", "-name", "DBGW_1"})
	require.NoError(t, err)
	assert.True(t, f.Alone)
	assert.Equal(t, 3, f.SessionID)
}

func TestManagerEndpointFallback(t *testing.T) {
	assert.Equal(t, "", (&Flags{}).ManagerEndpoint())
	assert.Equal(t, "127.0.0.1:7400", (&Flags{SvrPort: 7400}).ManagerEndpoint())
	assert.Equal(t, "10.0.0.2:7400", (&Flags{SvrIP: "10.0.0.2", SvrPort: 7400}).ManagerEndpoint())
	assert.Equal(t, "/tmp/a.sock", (&Flags{SvrIP: "10.0.0.2", SvrPort: 7400, SvrPath: "/tmp/a.sock"}).ManagerEndpoint())
}

func TestWithoutSelfcare(t *testing.T) {
	got := WithoutSelfcare([]string{"-name", "C1", "-selfcare", "-config", "x.yaml", "--selfcare=true"})
	assert.Equal(t, []string{"-name", "C1", "-config", "x.yaml"}, got)
}

func TestLogCycle(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Cycle = "day"
	assert.Equal(t, logger.CycleDay, LogCycle(cfg, ""))
	assert.Equal(t, logger.CycleHour, LogCycle(cfg, "H"))
	cfg.Log.Cycle = ""
	assert.Equal(t, logger.CycleNone, LogCycle(cfg, ""))
}

func TestUnlinkLogs(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Log.Dir = dir
	since := time.Now().Add(-2 * time.Hour)
	name := "DBGW_abc"
	var mine []string
	for _, ts := range []time.Time{since, since.Add(time.Hour), since.Add(2 * time.Hour)} {
		p := filepath.Join(dir, logger.FileName(name, logger.CycleHour, ts))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		mine = append(mine, p)
	}
	other := filepath.Join(dir, logger.FileName("DBGW_other", logger.CycleHour, since))
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	UnlinkLogs(cfg, name, "hour", since)
	for _, p := range mine {
		assert.NoFileExists(t, p)
	}
	assert.FileExists(t, other)

	// 无周期时不删除共享日志
	keep := filepath.Join(dir, logger.FileName(name, logger.CycleHour, time.Now()))
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))
	UnlinkLogs(cfg, name, "", since)
	assert.FileExists(t, keep)
}

func TestSelfcareRestartsUntilCleanExit(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	old := SelfcareDelay
	SelfcareDelay = 10 * time.Millisecond
	t.Cleanup(func() { SelfcareDelay = old })

	dir := t.TempDir()
	counter := filepath.Join(dir, "runs")
	// 前两次非零退出，第三次正常退出
	script := `echo x >> "$1"; n=$(wc -l < "$1"); [ "$n" -ge 3 ]`
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, Selfcare(ctx, sh, []string{"-c", script, "sh", counter}))

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x\nx\nx\n", string(data))
}

func TestSelfcareStopsOnCancel(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Selfcare(ctx, sh, []string{"-c", "sleep 30"}) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("selfcare did not stop")
	}
}
