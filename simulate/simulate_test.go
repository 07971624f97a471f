package simulate

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshc "github.com/nafabric/nafabric/pkg/ssh"
)

// readReply 读到结束行为止
func readReply(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		b.WriteString(line)
		require.NoError(t, err)
		if strings.HasPrefix(line, DefaultTerminator) {
			return b.String()
		}
	}
}

func startSim(t *testing.T, cfg *Config) *Manager {
	t.Helper()
	m, err := Start(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "DIS-CID", CommandName("dis-cid: CELL=1;"))
	assert.Equal(t, "LST-ALM", CommandName(" LST-ALM;"))
	assert.Equal(t, "SHOW RUN", CommandName("show run"))
}

func TestTCPNEReplies(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "LST-ALM.txt"), []byte("ALARM 1\nALARM 2\n"), 0o644))
	m := startSim(t, &Config{NE: map[string]NEConfig{
		"NE01": {
			Commands: map[string]string{"DIS-CID": "CELL ID = 100"},
			ReplyDir: dir,
		},
	}})
	addr := m.Addr("NE01")
	require.NotEmpty(t, addr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err = conn.Write([]byte("DIS-CID:;\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "DIS-CID: RESULT\r\nCELL ID = 100\r\n---    END\r\n", readReply(t, r))

	_, err = conn.Write([]byte("LST-ALM:;\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "LST-ALM: RESULT\r\nALARM 1\r\nALARM 2\r\n---    END\r\n", readReply(t, r))

	_, err = conn.Write([]byte("\r\nNOPE:;\r\n"))
	require.NoError(t, err)
	assert.Contains(t, readReply(t, r), "unsupported command")
}

func TestAlarmIsUnsolicited(t *testing.T) {
	m := startSim(t, &Config{NE: map[string]NEConfig{
		"NE02": {AlarmInterval: 20 * time.Millisecond, AlarmText: "ALARM 1001 RAISED"},
	}})
	conn, err := net.Dial("tcp", m.Addr("NE02"))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ALARM 1001 RAISED\r\n", line)
}

func TestSSHNE(t *testing.T) {
	m := startSim(t, &Config{
		HostKey: filepath.Join(t.TempDir(), "hostkey.pem"),
		NE: map[string]NEConfig{
			"NE03": {Protocol: "ssh", User: "admin", Password: "nova", Commands: map[string]string{"DIS-VER": "V100R001"}},
		},
	})
	host, portStr, err := net.SplitHostPort(m.Addr("NE03"))
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	bad := sshc.NewClient(&sshc.Config{Timeout: 2 * time.Second}).Connect(context.Background(), sshc.NewConnectionInfo(host, port, "admin", "wrong"))
	assert.Error(t, bad)

	c := sshc.NewClient(&sshc.Config{Timeout: 2 * time.Second})
	require.NoError(t, c.Connect(context.Background(), sshc.NewConnectionInfo(host, port, "admin", "nova")))
	defer c.Close()
	sh, err := c.OpenShell(context.Background())
	require.NoError(t, err)
	defer sh.Close()

	_, err = sh.Write([]byte("DIS-VER:;\r\n"))
	require.NoError(t, err)
	assert.Contains(t, readReply(t, bufio.NewReader(sh)), "V100R001")
}

func TestLoadConfigAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simulate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ne:
  NE01:
    listen: 127.0.0.1:0
    commands:
      DIS-CID: "CELL ID = 1"
  NE02:
    listen: 127.0.0.1:0
`), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.NE, 2)
	assert.Equal(t, "CELL ID = 1", cfg.NE["NE01"].Commands["DIS-CID"])

	m := startSim(t, cfg)
	assert.Equal(t, []string{"NE01", "NE02"}, m.Names())
	ne2 := m.Addr("NE02")

	next := &Config{NE: map[string]NEConfig{
		"NE02": cfg.NE["NE02"],
		"NE04": {},
	}}
	require.NoError(t, m.Reload(next))
	assert.Equal(t, []string{"NE02", "NE04"}, m.Names())
	assert.Equal(t, ne2, m.Addr("NE02"), "unchanged NE keeps its listener")
	assert.Empty(t, m.Addr("NE01"))

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
