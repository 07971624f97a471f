package session

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nafabric/nafabric/internal/wire"
)

type recorder struct {
	mu         sync.Mutex
	registered []string
	messages   []wire.Message
	closed     []error
	aliveFails atomic.Int32
}

func (r *recorder) OnRegister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, s.Name())
}

func (r *recorder) OnMessage(s *Session, m wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) OnClose(s *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, err)
}

func (r *recorder) OnAliveFail(*Session) {
	r.aliveFails.Add(1)
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func pipe(t *testing.T, m *ConnManager) (net.Conn, *Session) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	return client, m.Attach(server)
}

func TestHandshakeRegistersSession(t *testing.T) {
	rec := &recorder{}
	m := NewConnManager("Parser", Config{}, rec)
	client, _ := pipe(t, m)

	require.NoError(t, wire.WriteMessage(client, &wire.SessionReporting{SessionType: wire.ProcParser, SessionName: "PARSER_P1"}))
	require.NoError(t, wire.WriteMessage(client, &wire.AsciiAck{ID: 1, ResultMode: wire.AckSuccess}))

	require.Eventually(t, func() bool { return rec.messageCount() == 1 }, time.Second, 5*time.Millisecond)
	s, ok := m.Get("PARSER_P1")
	require.True(t, ok)
	assert.Equal(t, wire.ProcParser, s.Type())
	assert.True(t, s.Identified())
	assert.Equal(t, []string{"PARSER_P1"}, m.Names())
}

func TestFramesBeforeIdentificationIgnored(t *testing.T) {
	rec := &recorder{}
	m := NewConnManager("Connector", Config{}, rec)
	client, s := pipe(t, m)

	require.NoError(t, wire.WriteMessage(client, &wire.MMCPublish{ID: 1, NE: "NE01", MMC: "DIS-CID:"}))
	require.NoError(t, wire.WriteMessage(client, &wire.SessionReporting{SessionType: wire.ProcConnector, SessionName: "CONNECTOR_A"}))

	require.Eventually(t, s.Identified, time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.messageCount(), "识别前的业务报文不应被派发")
	assert.Equal(t, []string{"CONNECTOR_A"}, rec.registered)
}

func TestAttachAfterCloseAllRejected(t *testing.T) {
	m := NewConnManager("Router", Config{}, &recorder{})
	m.CloseAll()
	client, _ := pipe(t, m)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Empty(t, m.Names())
}

func TestDuplicateSessionNameRejected(t *testing.T) {
	rec := &recorder{}
	m := NewConnManager("Parser", Config{}, rec)

	c1, s1 := pipe(t, m)
	require.NoError(t, wire.WriteMessage(c1, &wire.SessionReporting{SessionType: wire.ProcParser, SessionName: "PARSER_P1"}))
	require.Eventually(t, s1.Identified, time.Second, 5*time.Millisecond)

	c2, s2 := pipe(t, m)
	require.NoError(t, wire.WriteMessage(c2, &wire.SessionReporting{SessionType: wire.ProcParser, SessionName: "PARSER_P1"}))

	select {
	case <-s2.Done():
	case <-time.After(time.Second):
		t.Fatal("duplicate session not closed")
	}
	assert.ErrorIs(t, s2.Err(), ErrDuplicateSession)

	got, ok := m.Get("PARSER_P1")
	require.True(t, ok)
	assert.Same(t, s1, got)
	assert.Nil(t, s1.Err())
	assert.Empty(t, rec.closed, "被拒绝的会话不应触发 OnClose")
}

func TestAliveCheckFiresOnFourthTickOnce(t *testing.T) {
	rec := &recorder{}
	interval := 30 * time.Millisecond
	m := NewConnManager("Connector", Config{AliveInterval: interval, AliveFailMax: 3, AliveMode: AliveReceive}, rec)
	start := time.Now()
	_, s := pipe(t, m)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("alive check did not fire")
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 4*interval-5*time.Millisecond)
	assert.ErrorIs(t, s.Err(), ErrAliveCheckFailed)

	time.Sleep(3 * interval)
	assert.Equal(t, int32(1), rec.aliveFails.Load())
}

func TestAliveAckResetsCounter(t *testing.T) {
	rec := &recorder{}
	interval := 30 * time.Millisecond
	m := NewConnManager("Connector", Config{AliveInterval: interval, AliveFailMax: 3, AliveMode: AliveReceive}, rec)
	client, s := pipe(t, m)

	stop := time.After(8 * interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			require.NoError(t, wire.WriteMessage(client, &wire.AliveAck{}))
		case <-stop:
			break loop
		}
	}
	assert.Nil(t, s.Err(), "持续应答时会话不应失败")
	assert.Zero(t, rec.aliveFails.Load())
}

func TestAliveSendEmitsAck(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	r := wire.NewReader(server)
	done := make(chan wire.Message, 2)
	go func() {
		for i := 0; i < 2; i++ {
			m, err := r.ReadMessage()
			if err != nil {
				return
			}
			done <- m
		}
	}()
	cs, err := NewClient(client, wire.ProcParser, "PARSER_P1", Config{AliveInterval: 10 * time.Millisecond, AliveMode: AliveSend})
	require.NoError(t, err)
	go func() { _ = cs.Run(HandlerFuncs{}) }()
	defer cs.Close(nil)

	assert.IsType(t, &wire.SessionReporting{}, <-done)
	select {
	case m := <-done:
		assert.IsType(t, &wire.AliveAck{}, m)
	case <-time.After(time.Second):
		t.Fatal("no alive ack sent")
	}
}

func TestQualifiedName(t *testing.T) {
	assert.Equal(t, "PARSER_P1", QualifiedName(wire.ProcParser, "P1"))
	assert.Equal(t, "PARSER_P1", QualifiedName(wire.ProcParser, "PARSER_P1"))
	assert.Equal(t, "CONNECTOR_A", QualifiedName(wire.ProcConnector, "A"))
	assert.Equal(t, "R1", QualifiedName(wire.ProcRouter, "R1"))
	assert.Equal(t, "P1", BareName(wire.ProcParser, "PARSER_P1"))
}

func TestSplitEndpoint(t *testing.T) {
	n, a := splitEndpoint("/tmp/x.sock")
	assert.Equal(t, "unix", n)
	assert.Equal(t, "/tmp/x.sock", a)
	n, a = splitEndpoint("127.0.0.1:7400")
	assert.Equal(t, "tcp", n)
	assert.Equal(t, "127.0.0.1:7400", a)
	n, _ = splitEndpoint("unix:rel.sock")
	assert.Equal(t, "unix", n)
}
