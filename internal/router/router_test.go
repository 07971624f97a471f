package router

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

type msgRecorder struct {
	mu   sync.Mutex
	msgs []wire.Message
}

func (r *msgRecorder) add(m wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *msgRecorder) snapshot() []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Message(nil), r.msgs...)
}

func (r *msgRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// startPeer 在 127.0.0.1 随机端口上模拟下游（DataHandler 或下游 Router）
func startPeer(t *testing.T) (string, *msgRecorder) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	rec := &msgRecorder{}
	m := session.NewConnManager("Peer", session.Config{}, session.HandlerFuncs{
		Message: func(_ *session.Session, msg wire.Message) { rec.add(msg) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		m.CloseAll()
	})
	return ln.Addr().String(), rec
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Session.AliveInterval = 0
	cfg.DataRouter.ReconnectDelay = 20 * time.Millisecond
	cfg.Router.ReconnectDelay = 20 * time.Millisecond
	cfg.Router.TerminateWait = 100 * time.Millisecond
	return cfg
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type tailSink struct {
	mu     sync.Mutex
	chunks []*wire.TailLogData
}

func (s *tailSink) send(d *wire.TailLogData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, d)
	return nil
}

// text 某个文件收到的全部数据
func (s *tailSink) text(file string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b bytes.Buffer
	for _, c := range s.chunks {
		if c.FileName == file {
			b.Write(c.Data)
		}
	}
	return b.String()
}

func TestTailRotationAcrossHour(t *testing.T) {
	dir := t.TempDir()
	clk := &clock{t: time.Date(2026, 10, 18, 23, 55, 0, 0, time.Local)}
	name := LogName(wire.ProcParser, "P1")
	oldFile := logger.FileName(name, "hour", clk.now())
	require.Equal(t, "PARSER_P1_2026101823.log", oldFile)

	head := strings.Repeat("h", 500)
	tail := strings.Repeat("t", 1000)
	require.NoError(t, os.WriteFile(filepath.Join(dir, oldFile), []byte(head+tail), 0o644))

	sink := &tailSink{}
	tl := NewTail("P1", "hour", func(now time.Time) string {
		return filepath.Join(dir, logger.FileName(name, "hour", now))
	}, sink.send)
	tl.now = clk.now
	tl.Poll = 5 * time.Millisecond
	tl.Chunk = 256
	tl.NearRecheck = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tl.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.text(oldFile) == tail }, time.Second, 5*time.Millisecond)

	f, err := os.OpenFile(filepath.Join(dir, oldFile), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("late line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Eventually(t, func() bool { return sink.text(oldFile) == tail+"late line\n" }, time.Second, 5*time.Millisecond)

	clk.set(time.Date(2026, 10, 19, 0, 0, 5, 0, time.Local))
	newFile := "PARSER_P1_2026101900.log"
	require.NoError(t, os.WriteFile(filepath.Join(dir, newFile), []byte("first line of new hour\n"), 0o644))
	require.Eventually(t, func() bool { return sink.text(newFile) == "first line of new hour\n" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, filepath.Join(dir, newFile), tl.Path())

	cancel()
	assert.NoError(t, <-done)
}

func TestTailRecheckInterval(t *testing.T) {
	clk := &clock{}
	tl := NewTail("P1", "hour", func(time.Time) string { return "" }, nil)
	tl.now = clk.now

	clk.set(time.Date(2026, 10, 18, 23, 10, 0, 0, time.Local))
	assert.Equal(t, 5*time.Minute, tl.nextRecheck())
	clk.set(time.Date(2026, 10, 18, 23, 56, 0, 0, time.Local))
	assert.Equal(t, 20*time.Second, tl.nextRecheck())

	tl.Cycle = "day"
	clk.set(time.Date(2026, 10, 18, 22, 56, 0, 0, time.Local))
	assert.Equal(t, 5*time.Minute, tl.nextRecheck())
	clk.set(time.Date(2026, 10, 18, 23, 58, 0, 0, time.Local))
	assert.Equal(t, 20*time.Second, tl.nextRecheck())
}

func TestLogRouterResolve(t *testing.T) {
	cfg := testConfig()
	cfg.LogRouter.LogDir = "/var/log/na"
	cfg.LogRouter.RawDir = "/data/msg"
	cfg.LogRouter.Host = "host1"
	l := NewLogRouter(cfg, ManagedOptions{Name: "LR1"})
	at := time.Date(2026, 10, 18, 7, 30, 0, 0, time.Local)

	hourly := l.Resolve(&wire.TailLogReq{ProcessType: wire.ProcConnector, ProcessID: "C1", LogCycle: "hour"})
	assert.Equal(t, "/var/log/na/CONNECTOR_C1_2026101807.log", hourly(at))

	daily := l.Resolve(&wire.TailLogReq{ProcessType: wire.ProcRouter, ProcessID: "R1", LogCycle: "day"})
	assert.Equal(t, "/var/log/na/R1_20261018.log", daily(at))

	raw := l.Resolve(&wire.TailLogReq{ProcessType: wire.ProcParser, ProcessID: "P1", Raw: 1})
	assert.Equal(t, "/data/msg/host1/P1/20261018/P1_2026101807.msg", raw(at))

	fixed := l.Resolve(&wire.TailLogReq{ProcessType: wire.ProcParser, ProcessID: "P1", LogCycle: "hour", Hour: "2026101702"})
	assert.Equal(t, "/var/log/na/PARSER_P1_2026101702.log", fixed(at))
}

func TestLogRouterStreamsToViewer(t *testing.T) {
	cfg := testConfig()
	cfg.LogRouter.LogDir = t.TempDir()
	cfg.LogRouter.PollMS = 5
	require.NoError(t, os.WriteFile(filepath.Join(cfg.LogRouter.LogDir, "PARSER_P1_2026101702.log"),
		[]byte("INFO parser started\n"), 0o644))

	l := NewLogRouter(cfg, ManagedOptions{Name: "LR1"})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Serve(ctx, ln) }()

	rec := &msgRecorder{}
	viewer, err := session.Dial(ctx, ln.Addr().String(), wire.ProcLogGUI, "VIEWER1", session.Config{})
	require.NoError(t, err)
	defer viewer.Close(nil)
	go func() {
		_ = viewer.Run(session.HandlerFuncs{Message: func(_ *session.Session, m wire.Message) { rec.add(m) }})
	}()

	require.NoError(t, viewer.Send(&wire.TailLogReq{ProcessType: wire.ProcParser, ProcessID: "P1", LogCycle: "hour", Hour: "2026101702"}))
	require.Eventually(t, func() bool { return rec.len() > 0 }, time.Second, 5*time.Millisecond)
	d, ok := rec.snapshot()[0].(*wire.TailLogData)
	require.True(t, ok)
	assert.Equal(t, "P1", d.ProcessID)
	assert.Equal(t, "PARSER_P1_2026101702.log", d.FileName)
	assert.Equal(t, "INFO parser started\n", string(d.Data))

	require.NoError(t, viewer.Send(&wire.TailLogStop{ProcessID: "P1"}))
	require.Eventually(t, func() bool {
		s, ok := l.in.Get("VIEWER1")
		return ok && l.Tails(s) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDataRouterMapsAndResegments(t *testing.T) {
	addr, handler := startPeer(t)
	cfg := testConfig()
	cfg.DataRouter.Handlers = map[string]string{"DH1": addr}
	cfg.DataRouter.Mapping = map[string]string{"cid": "CELL_ID"}
	cfg.DataRouter.SegBlockSize = 4

	d := NewDataRouter(cfg, ManagedOptions{Name: "DR1"})
	assert.Equal(t, []string{"DH1"}, d.Handlers())
	endpoint := filepath.Join(t.TempDir(), "dr.sock")
	ln, err := session.Listen(endpoint)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Serve(ctx, ln) }()

	parser, err := session.Dial(ctx, endpoint, wire.ProcParser, "PARSER_P1_DH1", session.Config{})
	require.NoError(t, err)
	defer parser.Close(nil)
	go func() { _ = parser.Run(session.HandlerFuncs{}) }()

	g := wire.NewGUIDGenerator("p1")
	for _, b := range wire.SplitBlocks(g, 1, []byte("abcdefghij"), 3) {
		require.NoError(t, parser.Send(&wire.ParsedData{Seg: b.Seg, MsgSeq: 1, IdentName: "CID", NE: "NE01",
			ConsumerID: "DH1", TmplID: "T1", AttrNo: 2, Data: b.Data}))
	}
	require.NoError(t, parser.Send(&wire.ParsedData{MsgSeq: 1, IdentName: "CID", ConsumerID: "DH1", TmplID: "T1", ListSeq: -1}))
	require.NoError(t, parser.Send(&wire.ParsedData{MsgSeq: 2, IdentName: "CID", ConsumerID: "DH9", Data: []byte("x")}))

	require.Eventually(t, func() bool { return handler.len() == 4 }, 2*time.Second, 5*time.Millisecond)
	r := wire.NewReassembler()
	var full []byte
	msgs := handler.snapshot()
	for _, m := range msgs[:3] {
		pd := m.(*wire.ParsedData)
		assert.Equal(t, "CELL_ID", pd.IdentName)
		assert.Equal(t, "DH1", pd.ConsumerID)
		data, done, err := r.Add(pd.Seg, pd.Data)
		require.NoError(t, err)
		if done {
			full = data
		}
	}
	assert.Equal(t, "abcdefghij", string(full))
	eor := msgs[3].(*wire.ParsedData)
	assert.Equal(t, int32(-1), eor.ListSeq)
	assert.False(t, eor.Seg.Segmented())
}

func TestRouterFansOutAndTerminates(t *testing.T) {
	addr1, down1 := startPeer(t)
	addr2, down2 := startPeer(t)
	cfg := testConfig()
	cfg.Router.Downstreams = []string{addr1, addr2}

	r := NewRouter(cfg, ManagedOptions{Name: "R1"})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx, ln) }()

	up := &msgRecorder{}
	client, err := session.Dial(context.Background(), ln.Addr().String(), wire.ProcRouter, "UPSTREAM", session.Config{})
	require.NoError(t, err)
	go func() {
		_ = client.Run(session.HandlerFuncs{Message: func(_ *session.Session, m wire.Message) { up.add(m) }})
	}()

	require.NoError(t, client.Send(&wire.AsciiError{ProcessID: "P1", ErrMsg: "boom"}))
	require.Eventually(t, func() bool { return down1.len() == 1 && down2.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "boom", down1.snapshot()[0].(*wire.AsciiError).ErrMsg)

	start := time.Now()
	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop")
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	require.Eventually(t, func() bool { return up.len() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := up.snapshot()[0].(*wire.ProcTerminate)
	assert.True(t, ok)
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client session still open")
	}
}
