package connector

import (
	"bufio"
	"context"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/simulate"
)

type upRecorder struct {
	mu   sync.Mutex
	msgs []wire.Message
}

func (u *upRecorder) Send(m wire.Message) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.msgs = append(u.msgs, m)
	return nil
}

func (u *upRecorder) results() []*wire.MMCResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []*wire.MMCResult
	for _, m := range u.msgs {
		if r, ok := m.(*wire.MMCResult); ok {
			out = append(out, r)
		}
	}
	return out
}

func (u *upRecorder) statuses() []*wire.PortStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []*wire.PortStatus
	for _, m := range u.msgs {
		if s, ok := m.(*wire.PortStatus); ok {
			out = append(out, s)
		}
	}
	return out
}

type dataRecorder struct {
	mu   sync.Mutex
	data []*wire.ConnectorData
}

func (d *dataRecorder) snapshot() []*wire.ConnectorData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*wire.ConnectorData(nil), d.data...)
}

// startParser 在临时 unix 端点上模拟 Parser，记录收到的 CONNECTOR_DATA
func startParser(t *testing.T) (string, *dataRecorder) {
	t.Helper()
	endpoint := filepath.Join(t.TempDir(), "parser.sock")
	ln, err := session.Listen(endpoint)
	require.NoError(t, err)
	rec := &dataRecorder{}
	m := session.NewConnManager("Parser", session.Config{}, session.HandlerFuncs{
		Message: func(s *session.Session, msg wire.Message) {
			if d, ok := msg.(*wire.ConnectorData); ok {
				rec.mu.Lock()
				rec.data = append(rec.data, d)
				rec.mu.Unlock()
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		m.CloseAll()
	})
	return endpoint, rec
}

// fakeNE 每收到一行命令调用 reply，返回非空时写回
func fakeNE(reply func(cmd string) string) DialFunc {
	return func(ctx context.Context, info wire.PortInfo) (io.ReadWriteCloser, error) {
		srv, cli := net.Pipe()
		go func() {
			defer srv.Close()
			r := bufio.NewReader(srv)
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if out := reply(strings.TrimSpace(line)); out != "" {
					if _, err := srv.Write([]byte(out)); err != nil {
						return
					}
				}
			}
		}()
		return cli, nil
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Session.AliveInterval = 0
	cfg.Connector.ReReadInterval = 5 * time.Millisecond
	cfg.Connector.ReReadRetries = 2
	cfg.Connector.CommandTimeout = 300 * time.Millisecond
	cfg.Connector.ReconnectDelay = 20 * time.Millisecond
	cfg.Connector.ReplyTerminators = []string{"---    END"}
	return cfg
}

func newTestConnector(t *testing.T, cfg *config.Config, dial DialFunc) (*Connector, *upRecorder) {
	t.Helper()
	c := New(cfg, RoleOptions{Name: "C1", Host: "h1"})
	c.SetDialer(dial)
	up := &upRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	c.Attach(ctx, up)
	t.Cleanup(func() {
		cancel()
		c.Shutdown()
	})
	return c, up
}

func port(seq uint32, ne string, command bool) wire.PortInfo {
	p := wire.PortInfo{Sequence: seq, EquipID: ne, ConnectorID: "CONNECTOR_C1", IP: "127.0.0.1", PortNo: 6000 + seq, ProtocolType: "TCP"}
	if command {
		p.CommandPortFlag = 1
	}
	return p
}

func TestReplyScanner(t *testing.T) {
	sc := newReplyScanner([]string{"---    END", ""})
	assert.Empty(t, sc.Feed([]byte("DIS-CID\r\nCELL = 1\r\n---  ")))
	out := sc.Feed([]byte("  END\r\nALM 1\r\n---    END"))
	require.Len(t, out, 2)
	assert.Equal(t, "DIS-CID\r\nCELL = 1\r\n---    END\r\n", string(out[0]))
	assert.Equal(t, "ALM 1\r\n---    END", string(out[1]))
	assert.False(t, sc.Pending())

	sc.Feed([]byte("partial"))
	assert.True(t, sc.Pending())
	assert.Equal(t, "partial", string(sc.Flush()))
	assert.False(t, sc.Pending())
}

func TestPublishRejections(t *testing.T) {
	endpoint, _ := startParser(t)
	c, up := newTestConnector(t, testConfig(), fakeNE(func(string) string { return "" }))
	c.OpenPort(port(1, "NE01", false), endpoint)

	c.Publish(&wire.MMCPublish{ID: 43, NE: "NE_GHOST", MMC: "DIS-CID:;"})
	c.Publish(&wire.MMCPublish{ID: 44, NE: "NE01", MMC: "DIS-CID:;"})

	res := up.results()
	require.Len(t, res, 2)
	assert.Equal(t, wire.ResultError, res[0].ResultMode)
	assert.Equal(t, "The NE(NE_GHOST) is not found.", res[0].Result)
	assert.Equal(t, "The NE(NE01) is found, but has no command port.", res[1].Result)
}

func TestMMCCapturedAndForwarded(t *testing.T) {
	endpoint, parsed := startParser(t)
	var mu sync.Mutex
	var cmds []string
	c, up := newTestConnector(t, testConfig(), fakeNE(func(cmd string) string {
		mu.Lock()
		cmds = append(cmds, cmd)
		mu.Unlock()
		return "DIS-CID: RESULT\r\nCELL ID = 100\r\n---    END\r\n"
	}))
	c.OpenPort(port(1, "NE01", true), endpoint)
	assert.Equal(t, []uint32{1}, c.Ports())

	require.Eventually(t, func() bool { return len(up.statuses()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, wire.StatusStart, up.statuses()[0].Status)

	c.Publish(&wire.MMCPublish{ID: 42, NE: "NE01", MMC: "DIS-CID:;", ResponseMode: wire.Response})
	require.Eventually(t, func() bool { return len(up.results()) == 1 }, time.Second, 5*time.Millisecond)
	r := up.results()[0]
	assert.Equal(t, uint32(42), r.ID)
	assert.Equal(t, wire.ResultCaptured, r.ResultMode)
	assert.Contains(t, r.Result, "CELL ID = 100")

	require.Eventually(t, func() bool { return len(parsed.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	d := parsed.snapshot()[0]
	assert.Equal(t, "NE01", d.NE)
	assert.Equal(t, uint32(42), d.MMCID)
	assert.Equal(t, uint32(6001), d.PortNo)

	mu.Lock()
	assert.Equal(t, []string{"DIS-CID:;"}, cmds)
	mu.Unlock()
}

func TestMMCTimeoutIsLost(t *testing.T) {
	endpoint, _ := startParser(t)
	c, up := newTestConnector(t, testConfig(), fakeNE(func(string) string { return "" }))
	c.OpenPort(port(1, "NE01", true), endpoint)

	c.Publish(&wire.MMCPublish{ID: 7, NE: "NE01", MMC: "LST-ALM:;", ResponseMode: wire.Response})
	require.Eventually(t, func() bool { return len(up.results()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, wire.ResultLost, up.results()[0].ResultMode)
	assert.Equal(t, "command timeout", up.results()[0].Result)
}

func TestUnsolicitedReplyFlushedWhenIdle(t *testing.T) {
	endpoint, parsed := startParser(t)
	c, up := newTestConnector(t, testConfig(), fakeNE(func(cmd string) string {
		return "ALARM 1001 RAISED\r\n"
	}))
	c.OpenPort(port(1, "NE01", true), endpoint)

	// NoResponse 命令不等待结果，随后的输出作为主动上报转发
	c.Publish(&wire.MMCPublish{ID: 9, NE: "NE01", MMC: "SET-ALM:;", ResponseMode: wire.NoResponse})
	require.Eventually(t, func() bool { return len(parsed.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	d := parsed.snapshot()[0]
	assert.Equal(t, uint32(0), d.MMCID)
	assert.Equal(t, "ALARM 1001 RAISED\r\n", string(d.Data))
	assert.Empty(t, up.results())
}

func TestResultSegmented(t *testing.T) {
	endpoint, _ := startParser(t)
	c, up := newTestConnector(t, testConfig(), fakeNE(func(string) string {
		return strings.Repeat("x", 25) + "\r\n---    END\r\n"
	}))
	c.BlockSize = 10
	c.OpenPort(port(1, "NE01", true), endpoint)

	c.Publish(&wire.MMCPublish{ID: 5, NE: "NE01", MMC: "DIS-X:;", ResponseMode: wire.Response})
	require.Eventually(t, func() bool { return len(up.results()) == 4 }, time.Second, 5*time.Millisecond)

	r := wire.NewReassembler()
	var full []byte
	for _, res := range up.results() {
		data, done, err := r.Add(res.Seg, []byte(res.Result))
		require.NoError(t, err)
		if done {
			full = data
		}
	}
	assert.Equal(t, strings.Repeat("x", 25)+"\r\n---    END\r\n", string(full))
}

func TestClosePortReportsStop(t *testing.T) {
	endpoint, _ := startParser(t)
	c, up := newTestConnector(t, testConfig(), fakeNE(func(string) string { return "" }))
	c.OpenPort(port(3, "NE03", true), endpoint)
	require.Eventually(t, func() bool { return len(up.statuses()) == 1 }, time.Second, 5*time.Millisecond)

	c.ClosePort(3)
	assert.Empty(t, c.Ports())
	st := up.statuses()
	require.Len(t, st, 2)
	assert.Equal(t, wire.StatusStop, st[1].Status)
	assert.Equal(t, uint32(3), st[1].Sequence)
}

func TestSimulatedTCPNE(t *testing.T) {
	sim, err := simulate.Start(&simulate.Config{NE: map[string]simulate.NEConfig{
		"NE07": {Commands: map[string]string{"DIS-CID": "CELL ID = 7"}},
	}})
	require.NoError(t, err)
	t.Cleanup(sim.Stop)
	host, portStr, err := net.SplitHostPort(sim.Addr("NE07"))
	require.NoError(t, err)
	portNo, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	endpoint, parsed := startParser(t)
	c := New(testConfig(), RoleOptions{Name: "C1", Host: "h1"})
	up := &upRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	c.Attach(ctx, up)
	t.Cleanup(func() {
		cancel()
		c.Shutdown()
	})

	info := port(7, "NE07", true)
	info.IP, info.PortNo = host, uint32(portNo)
	c.OpenPort(info, endpoint)
	require.Eventually(t, func() bool { return len(up.statuses()) == 1 }, 2*time.Second, 5*time.Millisecond)

	c.Publish(&wire.MMCPublish{ID: 70, NE: "NE07", MMC: "DIS-CID:;", ResponseMode: wire.Response})
	require.Eventually(t, func() bool { return len(up.results()) == 1 }, 2*time.Second, 5*time.Millisecond)
	r := up.results()[0]
	assert.Equal(t, wire.ResultCaptured, r.ResultMode)
	assert.Contains(t, r.Result, "DIS-CID: RESULT\r\nCELL ID = 7\r\n---    END")
	require.Eventually(t, func() bool { return len(parsed.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint32(70), parsed.snapshot()[0].MMCID)
}
