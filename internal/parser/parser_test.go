package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/rule"
	"github.com/nafabric/nafabric/internal/wire"
)

type fakeSink struct {
	mu   sync.Mutex
	msgs []*wire.ParsedData
	err  error
}

func (f *fakeSink) Send(m wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m.(*wire.ParsedData))
	return nil
}

func (f *fakeSink) snapshot() []*wire.ParsedData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.ParsedData(nil), f.msgs...)
}

func (f *fakeSink) idents() []string {
	var out []string
	for _, m := range f.snapshot() {
		out = append(out, m.IdentName)
	}
	return out
}

func rec(fields ...string) string {
	return strings.Join(fields, rule.DefaultFieldDelimiter)
}

func ruleFile(lines ...string) []byte {
	return []byte(fmt.Sprintf("%d\n%s\n", len(lines), strings.Join(lines, "\n")))
}

// parsingRule 27 个字段，按下标填写
func parsingRule(kv map[int]string) string {
	f := make([]string, 27)
	for i, v := range kv {
		f[i] = v
	}
	return rec(f...)
}

// writeRules 写出一个识别 DIS-CID 回复的规则集，识别名为 identName
func writeRules(t *testing.T, dir, ruleID, identName string) {
	t.Helper()
	paths := rule.FilePaths(dir, ruleID)
	files := [][]byte{
		ruleFile(rec(identName, "", "DIS-CID", "IR1", "1", "1", "0", "0", "")),
		ruleFile(rec("G1", identName, "1", "")),
		ruleFile(rec("T1", "G1", "1", "A", "0", "0", "0", "0", "", "0", "", "")),
		ruleFile(
			parsingRule(map[int]string{0: "IR1", 2: "1", 3: "ident", 4: "LINE_STR", 9: "DIS-CID"}),
			parsingRule(map[int]string{0: "R1", 1: "T1", 2: "1", 3: "CELL", 4: "STRSTR_TOKEN", 6: "2", 9: "CELL ID =", 12: "1"}),
			parsingRule(map[int]string{0: "R2", 1: "T1", 2: "2", 3: "NAME", 4: "STRSTR_TOKEN", 6: "2", 9: "NAME =", 12: "1"}),
		),
	}
	for i, b := range files {
		require.NoError(t, os.WriteFile(paths[i], b, 0o644))
	}
}

const cidReply = "DIS-CID: RESULT\r\nCELL ID = 100  NAME = cellA\r\n"

func newTestParser(t *testing.T, blockSize int) (*Parser, string) {
	t.Helper()
	ruleDir := t.TempDir()
	writeRules(t, ruleDir, "R1", "CID")
	p, err := New(Options{
		Name:   "P1",
		RuleID: "R1",
		Host:   "h1",
		Config: config.ParserConfig{
			RuleDir:      ruleDir,
			TmpDir:       t.TempDir(),
			PollInterval: time.Millisecond,
			SegBlockSize: blockSize,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, p.Rules())
	return p, ruleDir
}

func runSender(t *testing.T, s *DataSender) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRawFileName(t *testing.T) {
	ts := time.Date(2026, 10, 19, 7, 30, 0, 0, time.Local)
	assert.Equal(t, filepath.Join("/tmp/raw", "P1_2026101907.RAW"), RawFileName("/tmp/raw", "P1", ts))
}

func TestRotateSpec(t *testing.T) {
	assert.Equal(t, "0 0 */3 * * *", RotateSpec(0, -1))
	assert.Equal(t, "5 0 */1 * * *", RotateSpec(1, 5))
	_, err := cron.Parse(RotateSpec(3, 5))
	assert.NoError(t, err)
}

func TestHandleWritesRawAndSends(t *testing.T) {
	p, _ := newTestParser(t, 0)
	s := p.AddConsumer("dh1")
	sink := &fakeSink{}
	s.SetSink(sink)
	runSender(t, s)

	require.NoError(t, p.Handle("NE01", 1, []byte("\r\n"+cidReply+"\r\n\x00")))
	require.NoError(t, p.Handle("NE01", 1, []byte(" \r\n")))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, time.Millisecond)
	msgs := sink.snapshot()
	assert.Equal(t, "CID", msgs[0].IdentName)
	assert.Equal(t, "NE01", msgs[0].NE)
	assert.Equal(t, "dh1", msgs[0].ConsumerID)
	assert.Equal(t, "T1", msgs[0].TmplID)
	assert.Equal(t, uint32(2), msgs[0].AttrNo)
	assert.Equal(t, []byte("100\x00cellA\x00"), msgs[0].Data)
	assert.False(t, msgs[0].Seg.Segmented())
	assert.Equal(t, int32(-1), msgs[1].ListSeq)
	assert.Equal(t, uint64(2), s.Records())

	b, err := os.ReadFile(p.RawPath())
	require.NoError(t, err)
	assert.Equal(t, strings.TrimRight(cidReply, "\r\n")+"\n", string(b))
}

func TestUnidentifiedMessageNotQueued(t *testing.T) {
	p, _ := newTestParser(t, 0)
	s := p.AddConsumer("dh1")
	require.NoError(t, p.Handle("NE01", 1, []byte("LST-ALM: nothing here")))
	assert.Equal(t, 0, s.Len())
}

func TestParsedDataSegmented(t *testing.T) {
	p, _ := newTestParser(t, 4)
	s := p.AddConsumer("dh1")
	sink := &fakeSink{}
	s.SetSink(sink)
	runSender(t, s)

	require.NoError(t, p.Handle("NE01", 1, []byte(cidReply)))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 4 }, time.Second, time.Millisecond)

	r := wire.NewReassembler()
	var payload []byte
	for _, m := range sink.snapshot()[:3] {
		require.True(t, m.Seg.Segmented())
		data, done, err := r.Add(m.Seg, m.Data)
		require.NoError(t, err)
		if done {
			payload = data
		}
	}
	assert.Equal(t, []byte("100\x00cellA\x00"), payload)
	assert.False(t, sink.snapshot()[3].Seg.Segmented())
}

func TestSendWithoutSinkDrops(t *testing.T) {
	p, _ := newTestParser(t, 0)
	s := p.AddConsumer("dh1")
	runSender(t, s)

	require.NoError(t, p.Handle("NE01", 1, []byte(cidReply)))
	require.Eventually(t, func() bool { return s.Dropped() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(0), s.Records())
}

func TestRotateEnqueuesChangeFlag(t *testing.T) {
	p, _ := newTestParser(t, 0)
	s := p.AddConsumer("dh1")
	old := p.RawPath()

	require.NoError(t, p.Rotate())
	assert.Equal(t, 0, s.Len(), "same hour, no rotation")

	p.raw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, p.Rotate())
	assert.NotEqual(t, old, p.RawPath())
	require.Equal(t, 1, s.Len())
	info := s.take()
	assert.True(t, info.ChangeFlag())
	s.release()
	_, err := os.Stat(old)
	assert.NoError(t, err)
}

func TestReloadReplaysPendingUnderNewRules(t *testing.T) {
	p, ruleDir := newTestParser(t, 0)
	s := p.AddConsumer("dh1")
	sink := &fakeSink{}
	s.SetSink(sink)

	// 发送器未启动，队列中的消息使重载停在等待排空
	require.NoError(t, p.Handle("NE01", 1, []byte(cidReply)))
	writeRules(t, ruleDir, "R1", "CID2")

	reloaded := make(chan error, 1)
	go func() { reloaded <- p.Reload(context.Background()) }()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.reloading
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Handle("NE02", 1, []byte(cidReply)))
	p.mu.Lock()
	assert.Len(t, p.pending, 1)
	tmpPath := p.tmp.path
	p.mu.Unlock()

	runSender(t, s)
	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reload did not finish")
	}

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"CID", "CID", "CID2", "CID2"}, sink.idents())
	assert.Equal(t, "NE02", sink.snapshot()[2].NE)
	assert.Equal(t, "CID2", p.Rules().Root.Children[0].Name)

	_, err := os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(err))
	b, err := os.ReadFile(p.RawPath())
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "DIS-CID"))
}

func TestReloadFailureKeepsRules(t *testing.T) {
	p, ruleDir := newTestParser(t, 0)
	before := p.Rules()

	paths := rule.FilePaths(ruleDir, "R1")
	require.NoError(t, os.WriteFile(paths[0], []byte("3\nonly one line\n"), 0o644))

	err := p.Reload(context.Background())
	require.Error(t, err)
	assert.Same(t, before, p.Rules())

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.False(t, p.reloading)
}

func TestReloadAbortedKeepsOldRules(t *testing.T) {
	p, ruleDir := newTestParser(t, 0)
	p.AddConsumer("dh1")
	before := p.Rules()
	require.NoError(t, p.Handle("NE01", 1, []byte(cidReply)))
	writeRules(t, ruleDir, "R1", "CID2")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Reload(ctx)
	assert.ErrorIs(t, err, ErrReloadAborted)
	assert.Same(t, before, p.Rules())
}

func TestLockManager(t *testing.T) {
	g := wire.NewGUIDGenerator("h1")
	a := NewDataSender("a", 1, g, time.Millisecond, 0)
	b := NewDataSender("b", 2, g, time.Millisecond, 0)
	b.Enqueue(newChangeFlag("b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, <-NewLockManager([]*DataSender{a, b}).Lock(ctx))

	runSender(t, b)
	select {
	case err := <-NewLockManager([]*DataSender{a, b}).Lock(context.Background()):
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("lock not granted")
	}
}
