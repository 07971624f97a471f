package manager

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
)

// outletRecorder 记录派发与上行报文
type outletRecorder struct {
	mu        sync.Mutex
	published []*wire.MMCPublish
	targets   []string
	up        []wire.Message
	fail      bool
}

func (o *outletRecorder) Publish(connectorID string, m *wire.MMCPublish) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return errors.New("not connected")
	}
	o.published = append(o.published, m)
	o.targets = append(o.targets, connectorID)
	return nil
}

func (o *outletRecorder) Upstream(m wire.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.up = append(o.up, m)
}

func (o *outletRecorder) Send(m wire.Message) error {
	o.Upstream(m)
	return nil
}

func (o *outletRecorder) publishedIDs() []uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]uint32, 0, len(o.published))
	for _, p := range o.published {
		ids = append(ids, p.ID)
	}
	return ids
}

func (o *outletRecorder) results() []*wire.MMCResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*wire.MMCResult
	for _, m := range o.up {
		if r, ok := m.(*wire.MMCResult); ok {
			out = append(out, r)
		}
	}
	return out
}

func (o *outletRecorder) flows() []*wire.FlowControl {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*wire.FlowControl
	for _, m := range o.up {
		if f, ok := m.(*wire.FlowControl); ok {
			out = append(out, f)
		}
	}
	return out
}

func (o *outletRecorder) errorsUp() []*wire.AsciiError {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*wire.AsciiError
	for _, m := range o.up {
		if e, ok := m.(*wire.AsciiError); ok {
			out = append(out, e)
		}
	}
	return out
}

func portInfo(seq uint32, ne, connector string, command bool) wire.PortInfo {
	p := wire.PortInfo{Sequence: seq, EquipID: ne, ConnectorID: connector, IP: "10.0.0.1", PortNo: 5000 + seq}
	if command {
		p.CommandPortFlag = 1
	}
	return p
}

func mmc(id uint32, ne, text string, mode wire.ResponseMode) *wire.MMCRequest {
	return &wire.MMCRequest{ID: id, NE: ne, MMC: text, ResponseMode: mode}
}

func TestPortRegistry(t *testing.T) {
	r := NewPortRegistry()
	require.NoError(t, r.Open(portInfo(2, "NE01", "A", false)))
	require.NoError(t, r.Open(portInfo(1, "NE01", "CONNECTOR_A", true)))
	require.NoError(t, r.Open(portInfo(3, "NE02", "B", false)))

	err := r.Open(portInfo(4, "NE01", "A", true))
	assert.ErrorIs(t, err, ErrDuplicateCommandPort)

	p, err := r.Lookup("NE01")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), p.Sequence)
	assert.Equal(t, "CONNECTOR_A", p.ConnectorID)

	_, err = r.Lookup("NE02")
	assert.ErrorIs(t, err, ErrNoCommandPort)
	_, err = r.Lookup("NE_GHOST")
	assert.ErrorIs(t, err, ErrNeNotFound)

	byA := r.ByConnector("A")
	require.Len(t, byA, 2)
	assert.Equal(t, uint32(1), byA[0].Sequence)
	assert.Equal(t, uint32(2), byA[1].Sequence)

	closed, ok := r.Close(1)
	assert.True(t, ok)
	assert.Equal(t, "NE01", closed.EquipID)
	_, err = r.Lookup("NE01")
	assert.ErrorIs(t, err, ErrNoCommandPort)
	assert.Equal(t, 2, r.Len())
}

func newDispatcher(t *testing.T, limit int) (*Dispatcher, *outletRecorder) {
	t.Helper()
	ports := NewPortRegistry()
	require.NoError(t, ports.Open(portInfo(1, "NE01", "A", true)))
	require.NoError(t, ports.Open(portInfo(2, "NE02", "A", false)))
	out := &outletRecorder{}
	cfg := config.MMCConfig{
		Blacklist:         []string{"DIS-MS:", "rtrv-ms-inf:"},
		QueueLimit:        limit,
		QueueMax:          100,
		FlowCheckInterval: 20 * time.Millisecond,
		IdleSleep:         5 * time.Millisecond,
	}
	return NewDispatcher(cfg, ports, out), out
}

func TestDispatchOrderPriorityFirst(t *testing.T) {
	d, out := newDispatcher(t, 10)
	require.NoError(t, d.Submit(mmc(1, "NE01", "DIS-A:;", wire.Response)))
	require.NoError(t, d.Submit(mmc(3, "NE01", "SET-C:;", wire.NoResponse)))
	require.NoError(t, d.Submit(mmc(2, "NE01", "DIS-B:;", wire.Response)))
	assert.Equal(t, 2, d.Depth(QueueResponse))
	assert.Equal(t, 1, d.Depth(QueueNoResponse))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(out.publishedIDs()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 2, 3}, out.publishedIDs())
	out.mu.Lock()
	assert.Equal(t, []string{"CONNECTOR_A", "CONNECTOR_A", "CONNECTOR_A"}, out.targets)
	out.mu.Unlock()
}

func TestSubmitRejections(t *testing.T) {
	d, out := newDispatcher(t, 10)

	err := d.Submit(mmc(43, "NE_GHOST", "DIS-CID:;", wire.Response))
	assert.ErrorIs(t, err, ErrNeNotFound)
	err = d.Submit(mmc(44, "NE02", "DIS-CID:;", wire.Response))
	assert.ErrorIs(t, err, ErrNoCommandPort)
	err = d.Submit(mmc(45, "NE01", "  dis-ms: IMSI=1;", wire.Response))
	assert.ErrorIs(t, err, ErrPolicyDenied)
	err = d.Submit(mmc(46, "NE01", "RTRV-MS-INF:;", wire.Response))
	assert.ErrorIs(t, err, ErrPolicyDenied)

	res := out.results()
	require.Len(t, res, 4)
	assert.Equal(t, uint32(43), res[0].ID)
	assert.Equal(t, wire.ResultError, res[0].ResultMode)
	assert.Equal(t, "The NE(NE_GHOST) is not found.", res[0].Result)
	assert.Equal(t, "The NE(NE02) is found, but has no command port.", res[1].Result)
	assert.Contains(t, res[2].Result, "denied by policy")
	assert.Equal(t, 0, d.Depth(QueueResponse))
	assert.Empty(t, out.publishedIDs())
}

func TestPublishFailureReportsError(t *testing.T) {
	d, out := newDispatcher(t, 10)
	out.fail = true
	require.NoError(t, d.Submit(mmc(8, "NE01", "DIS-A:;", wire.Response)))
	req, idx := d.next()
	require.NotNil(t, req)
	d.dispatch(req, idx)

	res := out.results()
	require.Len(t, res, 1)
	assert.Equal(t, "The Connector(A) is not connected.", res[0].Result)
}

func TestFlowControlStopAndRestartOnce(t *testing.T) {
	d, out := newDispatcher(t, 4)
	for id := uint32(1); id <= 5; id++ {
		require.NoError(t, d.Submit(mmc(id, "NE01", "DIS-A:;", wire.Response)))
	}
	assert.Empty(t, out.flows())

	require.NoError(t, d.Submit(mmc(6, "NE01", "DIS-A:;", wire.Response)))
	require.NoError(t, d.Submit(mmc(7, "NE01", "DIS-A:;", wire.Response)))
	flows := out.flows()
	require.Len(t, flows, 1)
	assert.Equal(t, wire.FlowStop, flows[0].Mode)
	assert.Equal(t, uint32(6), flows[0].ReqID)

	// 深度仍大于阈值时不恢复
	d.checkFlow()
	assert.Len(t, out.flows(), 1)

	for i := 0; i < 3; i++ {
		req, _ := d.next()
		require.NotNil(t, req)
	}
	assert.Equal(t, 4, d.Depth(QueueResponse))
	d.checkFlow()
	d.checkFlow()
	flows = out.flows()
	require.Len(t, flows, 2)
	assert.Equal(t, wire.FlowRestart, flows[1].Mode)
}

func TestFlowRestartByTimer(t *testing.T) {
	d, out := newDispatcher(t, 4)
	for id := uint32(1); id <= 6; id++ {
		require.NoError(t, d.Submit(mmc(id, "NE01", "DIS-A:;", wire.Response)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(out.flows()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	flows := out.flows()
	require.Len(t, flows, 2)
	assert.Equal(t, wire.FlowStop, flows[0].Mode)
	assert.Equal(t, wire.FlowRestart, flows[1].Mode)
}

func TestQueueHardLimit(t *testing.T) {
	d, out := newDispatcher(t, 0)
	d.cfg.QueueMax = 2
	require.NoError(t, d.Submit(mmc(1, "NE01", "A", wire.Response)))
	require.NoError(t, d.Submit(mmc(2, "NE01", "B", wire.Response)))
	assert.ErrorIs(t, d.Submit(mmc(3, "NE01", "C", wire.Response)), ErrQueueFull)
	res := out.results()
	require.Len(t, res, 1)
	assert.Equal(t, "The NE(NE01) command queue is full.", res[0].Result)
	assert.Empty(t, out.flows())
}

func TestChildSpecArgs(t *testing.T) {
	spec := SpecFrom(&wire.StartProcess{
		ProcessID:   "P1",
		ProcessType: wire.ProcParser,
		RuleID:      "R1",
		DelayTime:   3,
		LogCycle:    "hour",
		Consumers:   "DH1,DH2",
	})
	assert.Equal(t, "na-parser", spec.Binary())
	args := spec.Args("/run/MGR01_parser.sock", "/etc/nafabric.yaml")
	assert.Equal(t, []string{
		"-name", "P1",
		"-svrpath", "/run/MGR01_parser.sock",
		"-delaytime", "3",
		"-cmd_ident_type", "0",
		"-cmd_response_type", "0",
		"-ruleid", "R1",
		"-log_cycle", "hour",
		"-consumers", "DH1,DH2",
		"-config", "/etc/nafabric.yaml",
	}, args)
}

func TestRuleCopyRetries(t *testing.T) {
	calls := 0
	var lastArgs []string
	rc := NewRuleCopier("rulecopy --id {rule_id} --kind {kind}", 2)
	rc.Backoff = 0
	rc.Run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		lastArgs = append([]string{name}, args...)
		if calls < 3 {
			return []byte("busy"), errors.New("exit status 1")
		}
		return nil, nil
	}
	require.NoError(t, rc.Copy(context.Background(), "R7", RuleKindParsing))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"rulecopy", "--id", "R7", "--kind", "parsing"}, lastArgs)

	calls = 0
	rc.Retries = 1
	rc.Run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return nil, errors.New("exit status 2")
	}
	err := rc.Copy(context.Background(), "R7", RuleKindMapping)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "after 2 attempts")

	assert.NoError(t, NewRuleCopier("", 2).Copy(context.Background(), "R7", RuleKindParsing))
}

func TestBlacklistFromSiteConfig(t *testing.T) {
	dir := t.TempDir()
	site := dir + "/site.ini"
	require.NoError(t, writeFile(site, "[MMC_BLACKLIST]\nprefix=ZAP-ALL:\nprefix=DEL-NE:\n\n[RULE_COPY]\ncommand=cp -r /src/{rule_id} /rules\nretries=1\n"))
	cfg := testConfig(t)
	cfg.Manager.SiteConfig = site
	m, err := New(cfg, Options{Launcher: &fakeLauncher{}})
	require.NoError(t, err)
	assert.Equal(t, "ZAP-ALL:", m.disp.denied("zap-all: NE=1"))
	assert.Equal(t, "DIS-MS:", m.disp.denied("DIS-MS:;"))
	assert.Equal(t, "", m.disp.denied("DIS-CID:;"))
	assert.Equal(t, "cp -r /src/{rule_id} /rules", m.copier.Command)
	assert.Equal(t, 1, m.copier.Retries)
}

// ---- supervisor ----

type fakeProc struct {
	pid  int
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	onKill func()
	killed int
}

func newFakeProc(pid int) *fakeProc {
	return &fakeProc{pid: pid, done: make(chan struct{})}
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Wait() error {
	<-p.done
	return errors.New("signal: killed")
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProc) exit() {
	p.once.Do(func() {
		p.mu.Lock()
		f := p.onKill
		p.mu.Unlock()
		if f != nil {
			f()
		}
		close(p.done)
	})
}

func (p *fakeProc) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeLauncher struct {
	mu       sync.Mutex
	specs    []ChildSpec
	paths    []string
	procs    []*fakeProc
	onLaunch func(spec ChildSpec, svrPath string, p *fakeProc)
}

func (l *fakeLauncher) Launch(spec ChildSpec, svrPath string) (Process, error) {
	l.mu.Lock()
	p := newFakeProc(1000 + len(l.procs))
	l.specs = append(l.specs, spec)
	l.paths = append(l.paths, svrPath)
	l.procs = append(l.procs, p)
	f := l.onLaunch
	l.mu.Unlock()
	if f != nil {
		f(spec, svrPath, p)
	}
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

type exitRecord struct {
	id      string
	ordered bool
}

type eventRecorder struct {
	mu         sync.Mutex
	terminated []string
	exits      []exitRecord
	onTerm     func(spec ChildSpec)
}

func (e *eventRecorder) Terminate(spec ChildSpec) error {
	e.mu.Lock()
	e.terminated = append(e.terminated, spec.ProcessID)
	f := e.onTerm
	e.mu.Unlock()
	if f != nil {
		f(spec)
	}
	return nil
}

func (e *eventRecorder) ChildStarted(ChildSpec, int) {}

func (e *eventRecorder) ChildExited(spec ChildSpec, pid int, ordered bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exits = append(e.exits, exitRecord{id: spec.ProcessID, ordered: ordered})
}

func (e *eventRecorder) snapshot() []exitRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]exitRecord(nil), e.exits...)
}

func supConfig() config.ManagerConfig {
	return config.ManagerConfig{
		RestartDelay:  20 * time.Millisecond,
		TerminateWait: 50 * time.Millisecond,
		ReapInterval:  5 * time.Millisecond,
	}
}

func startSupervisor(t *testing.T, l Launcher, ev ChildEvents) *Supervisor {
	t.Helper()
	s := NewSupervisor(supConfig(), l, ev, func(t wire.ProcessType) string { return "/run/" + t.String() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Run(ctx) }()
	return s
}

func TestSupervisorRelaunchesAbnormalExit(t *testing.T) {
	l := &fakeLauncher{}
	ev := &eventRecorder{}
	s := startSupervisor(t, l, ev)

	spec := ChildSpec{ProcessID: "P1", Type: wire.ProcConnector, RuleID: "R1"}
	require.NoError(t, s.Start(spec))
	assert.ErrorIs(t, s.Start(spec), ErrAlreadyRunning)
	pid, ok := s.Pid("P1")
	require.True(t, ok)
	assert.Equal(t, 1000, pid)

	l.proc(0).exit()
	require.Eventually(t, func() bool { return l.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []exitRecord{{id: "P1", ordered: false}}, ev.snapshot())

	l.mu.Lock()
	assert.Equal(t, l.specs[0], l.specs[1])
	assert.Equal(t, "/run/Connector", l.paths[1])
	l.mu.Unlock()

	children := s.Children()
	require.Len(t, children, 1)
	assert.True(t, children[0].Running)
	assert.Equal(t, 1, children[0].Restarts)
}

func TestSupervisorOrderedStop(t *testing.T) {
	l := &fakeLauncher{}
	ev := &eventRecorder{}
	ev.onTerm = func(spec ChildSpec) { l.proc(0).exit() }
	s := startSupervisor(t, l, ev)

	require.NoError(t, s.Start(ChildSpec{ProcessID: "R1", Type: wire.ProcRouter}))
	require.NoError(t, s.Stop("R1"))
	require.Eventually(t, func() bool { return len(ev.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, ev.snapshot()[0].ordered)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, l.count())
	assert.Empty(t, s.Children())
	assert.ErrorIs(t, s.Stop("R1"), ErrUnknownProcess)
}

func TestSupervisorKillsAfterTerminateWait(t *testing.T) {
	l := &fakeLauncher{}
	ev := &eventRecorder{}
	s := startSupervisor(t, l, ev)

	require.NoError(t, s.Start(ChildSpec{ProcessID: "L1", Type: wire.ProcLogRouter}))
	require.NoError(t, s.Stop("L1"))
	require.Eventually(t, func() bool { return l.proc(0).killCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(ev.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, ev.snapshot()[0].ordered)
	assert.Equal(t, 1, l.count())
}

// ---- manager ----

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Manager.ID = "MGR01"
	cfg.Manager.RunDir = t.TempDir()
	cfg.Manager.RestartDelay = 20 * time.Millisecond
	cfg.Manager.TerminateWait = 100 * time.Millisecond
	cfg.Manager.ReapInterval = 5 * time.Millisecond
	cfg.Session.AliveInterval = 0
	cfg.MMC.IdleSleep = 5 * time.Millisecond
	return cfg
}

// connectorClient 模拟 Connector 子进程：连上 Manager 并记录收到的端口
type connectorClient struct {
	mu    sync.Mutex
	opens map[int][]*wire.OpenPort
	mmcs  []*wire.MMCPublish
}

func (c *connectorClient) launch(l *fakeLauncher) func(spec ChildSpec, svrPath string, p *fakeProc) {
	return func(spec ChildSpec, svrPath string, p *fakeProc) {
		n := l.count() - 1
		s, err := session.Dial(context.Background(), svrPath, spec.Type,
			session.QualifiedName(spec.Type, spec.ProcessID), session.Config{})
		if err != nil {
			return
		}
		p.mu.Lock()
		p.onKill = func() { s.Close(nil) }
		p.mu.Unlock()
		go func() {
			_ = s.Run(session.HandlerFuncs{Message: func(_ *session.Session, m wire.Message) {
				c.mu.Lock()
				defer c.mu.Unlock()
				switch v := m.(type) {
				case *wire.OpenPort:
					c.opens[n] = append(c.opens[n], v)
				case *wire.MMCPublish:
					c.mmcs = append(c.mmcs, v)
				case *wire.ProcTerminate:
					go p.exit()
				}
			}})
		}()
	}
}

func (c *connectorClient) opened(n int) []*wire.OpenPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*wire.OpenPort(nil), c.opens[n]...)
}

func startManager(t *testing.T) (*Manager, *fakeLauncher, *connectorClient, *outletRecorder) {
	t.Helper()
	l := &fakeLauncher{}
	cc := &connectorClient{opens: make(map[int][]*wire.OpenPort)}
	l.onLaunch = cc.launch(l)
	m, err := New(testConfig(t), Options{Host: "10.1.1.1", Launcher: l})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	up := &outletRecorder{}
	m.Attach(up)
	t.Cleanup(func() { _ = m.Stop() })
	return m, l, cc, up
}

func TestConnectorCrashResendsInventory(t *testing.T) {
	m, l, cc, up := startManager(t)
	ctx := context.Background()

	m.HandleServer(ctx, &wire.OpenPort{Port: portInfo(1, "NE01", "P1", true)})
	m.HandleServer(ctx, &wire.OpenPort{Port: portInfo(2, "NE01", "P1", false)})
	m.HandleServer(ctx, &wire.StartProcess{ProcessID: "P1", ProcessType: wire.ProcConnector})

	require.Eventually(t, func() bool { return len(cc.opened(0)) == 2 }, 2*time.Second, 5*time.Millisecond)
	first := cc.opened(0)
	assert.Equal(t, uint32(1), first[0].Port.Sequence)
	assert.Equal(t, "CONNECTOR_P1", first[0].Port.ConnectorID)
	assert.Equal(t, m.ParserEndpoint("P1"), first[0].Endpoint)

	l.proc(0).exit()
	require.Eventually(t, func() bool { return len(cc.opened(1)) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 2}, []uint32{cc.opened(1)[0].Port.Sequence, cc.opened(1)[1].Port.Sequence})

	var abnormal bool
	for _, e := range up.errorsUp() {
		if e.ErrMsg == "The Connector(P1) is killed abnormal." {
			abnormal = true
			assert.Equal(t, "MGR01", e.ManagerID)
		}
	}
	assert.True(t, abnormal)
}

func TestManagerRoutesMMCToConnector(t *testing.T) {
	m, _, cc, up := startManager(t)
	ctx := context.Background()

	m.HandleServer(ctx, &wire.OpenPort{Port: portInfo(1, "NE01", "A", true)})
	m.HandleServer(ctx, &wire.StartProcess{ProcessID: "A", ProcessType: wire.ProcConnector})
	require.Eventually(t, func() bool { return len(cc.opened(0)) == 1 }, 2*time.Second, 5*time.Millisecond)

	m.HandleServer(ctx, &wire.MMCRequest{ID: 42, NE: "NE01", MMC: "DIS-CID:;", ResponseMode: wire.Response})
	m.HandleServer(ctx, &wire.MMCRequest{ID: 43, NE: "NE_GHOST", MMC: "DIS-CID:;"})

	require.Eventually(t, func() bool {
		cc.mu.Lock()
		defer cc.mu.Unlock()
		return len(cc.mmcs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cc.mu.Lock()
	assert.Equal(t, uint32(42), cc.mmcs[0].ID)
	cc.mu.Unlock()

	res := up.results()
	require.Len(t, res, 1)
	assert.Equal(t, "The NE(NE_GHOST) is not found.", res[0].Result)
}

func TestStopProcessIsOrdered(t *testing.T) {
	m, l, _, up := startManager(t)
	ctx := context.Background()

	m.HandleServer(ctx, &wire.StartProcess{ProcessID: "A", ProcessType: wire.ProcConnector})
	require.Eventually(t, func() bool {
		_, ok := m.roles[wire.ProcConnector].Get("CONNECTOR_A")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	m.HandleServer(ctx, &wire.StopProcess{ProcessID: "A", ProcessType: wire.ProcConnector})
	require.Eventually(t, func() bool { return len(m.sup.Children()) == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, l.count())
	for _, e := range up.errorsUp() {
		assert.False(t, strings.Contains(e.ErrMsg, "killed abnormal"))
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
