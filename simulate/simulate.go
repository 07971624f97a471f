package simulate

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"

	"github.com/nafabric/nafabric/pkg/logger"
)

// DefaultTerminator 回复结束行
const DefaultTerminator = "---    END"

// Config simulate.yaml 配置结构
type Config struct {
	// HostKey SSH 主机密钥文件，不存在时生成；为空时只在内存中生成
	HostKey string              `mapstructure:"host_key"`
	NE      map[string]NEConfig `mapstructure:"ne"`
}

// NEConfig 一个模拟网元
type NEConfig struct {
	Listen string `mapstructure:"listen"`
	// Protocol tcp | ssh
	Protocol   string `mapstructure:"protocol"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Terminator string `mapstructure:"terminator"`
	// Commands 命令名（冒号前部分，大写）-> 回复正文
	Commands map[string]string `mapstructure:"commands"`
	// ReplyDir 命令回复文件目录 <reply_dir>/<CMD>.txt，未在 Commands 中命中时查找
	ReplyDir     string `mapstructure:"reply_dir"`
	DefaultReply string `mapstructure:"default_reply"`
	// AlarmInterval 大于 0 时周期性主动上报 AlarmText
	AlarmInterval time.Duration `mapstructure:"alarm_interval"`
	AlarmText     string        `mapstructure:"alarm_text"`
	MaxConn       int           `mapstructure:"max_conn"`
	IdleSeconds   int           `mapstructure:"idle_seconds"`
}

// LoadConfig 读取 simulate.yaml
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	// viper 会把 map 键转成小写，网元名与命令名统一用大写
	nes := make(map[string]NEConfig, len(cfg.NE))
	for name, ne := range cfg.NE {
		cmds := make(map[string]string, len(ne.Commands))
		for k, v := range ne.Commands {
			cmds[CommandName(k)] = v
		}
		ne.Commands = cmds
		nes[strings.ToUpper(name)] = ne
	}
	cfg.NE = nes
	return &cfg, nil
}

// Manager 管理多个模拟网元，每个网元独立监听
type Manager struct {
	mu      sync.Mutex
	hostKey ssh.Signer
	servers map[string]*neServer
}

// Start 启动配置中的全部网元；单个网元失败只记录日志
func Start(cfg *Config) (*Manager, error) {
	signer, err := loadOrCreateHostKey(cfg.HostKey)
	if err != nil {
		return nil, err
	}
	m := &Manager{hostKey: signer, servers: make(map[string]*neServer)}
	for _, name := range sortedNames(cfg.NE) {
		m.startOne(name, cfg.NE[name])
	}
	return m, nil
}

func (m *Manager) startOne(name string, c NEConfig) {
	srv := &neServer{name: name, cfg: c, hostKey: m.hostKey, conns: make(map[net.Conn]struct{})}
	if err := srv.start(); err != nil {
		logger.Errorf("Simulate: NE(%s) start on %s failed: %v", name, c.Listen, err)
		return
	}
	m.servers[name] = srv
	logger.Infof("Simulate: NE(%s) %s listening on %s", name, srv.protocol(), srv.Addr())
}

// Addr 网元实际监听地址，未运行时为空
func (m *Manager) Addr(ne string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.servers[ne]; s != nil {
		return s.Addr()
	}
	return ""
}

// Names 运行中的网元
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.servers))
	for n := range m.servers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Reload 按新配置增删网元，配置未变化的网元保持连接
func (m *Manager) Reload(cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, srv := range m.servers {
		next, ok := cfg.NE[name]
		if ok && reflect.DeepEqual(next, srv.cfg) {
			continue
		}
		srv.stop()
		delete(m.servers, name)
		logger.Infof("Simulate: NE(%s) stopped by reload", name)
	}
	for _, name := range sortedNames(cfg.NE) {
		if _, ok := m.servers[name]; !ok {
			m.startOne(name, cfg.NE[name])
		}
	}
	return nil
}

// Stop 停止全部网元
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, srv := range m.servers {
		srv.stop()
		logger.Infof("Simulate: NE(%s) stopped", name)
	}
	m.servers = make(map[string]*neServer)
}

func sortedNames(nes map[string]NEConfig) []string {
	out := make([]string, 0, len(nes))
	for n := range nes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// loadOrCreateHostKey 读取或生成 ed25519 主机密钥
func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		if bs, err := os.ReadFile(path); err == nil {
			signer, err := ssh.ParsePrivateKey(bs)
			if err == nil {
				return signer, nil
			}
			logger.Warnf("Simulate: host key %s parse failed, regenerating: %v", path, err)
		}
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	if path != "" {
		block, err := ssh.MarshalPrivateKey(priv, "")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal host key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write host key: %w", err)
		}
	}
	return ssh.NewSignerFromKey(priv)
}

type neServer struct {
	name     string
	cfg      NEConfig
	hostKey  ssh.Signer
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func (s *neServer) protocol() string {
	if strings.EqualFold(s.cfg.Protocol, "ssh") {
		return "ssh"
	}
	return "tcp"
}

func (s *neServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *neServer) start() error {
	listen := s.cfg.Listen
	if listen == "" {
		listen = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	s.listener = ln
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if !s.track(conn) {
				_ = conn.Close()
				logger.Warnf("Simulate: NE(%s) reject connection, max_conn exceeded", s.name)
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.untrack(c)
				if s.protocol() == "ssh" {
					s.handleSSH(ctx, c)
				} else {
					s.serve(ctx, c)
				}
			}(conn)
		}
	}()
	return nil
}

func (s *neServer) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConn > 0 && len(s.conns) >= s.cfg.MaxConn {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *neServer) untrack(c net.Conn) {
	_ = c.Close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *neServer) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *neServer) handleSSH(ctx context.Context, nc net.Conn) {
	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if s.cfg.User != "" && meta.User() != s.cfg.User {
				return nil, errors.New("access denied")
			}
			if string(password) != s.cfg.Password {
				return nil, errors.New("access denied")
			}
			return nil, nil
		},
	}
	srvCfg.AddHostKey(s.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, srvCfg)
	if err != nil {
		logger.Debugf("Simulate: NE(%s) ssh handshake failed: %v", s.name, err)
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				switch req.Type {
				case "pty-req", "window-change":
					_ = req.Reply(true, nil)
				case "shell":
					_ = req.Reply(true, nil)
					s.serve(ctx, channel)
					return
				default:
					_ = req.Reply(false, nil)
				}
			}
		}()
	}
}

// serve 逐行读取命令并回复；配置了 alarm_interval 时同时周期性主动上报
func (s *neServer) serve(ctx context.Context, rw io.ReadWriter) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wmu sync.Mutex
	write := func(text string) error {
		wmu.Lock()
		defer wmu.Unlock()
		_, err := io.WriteString(rw, text)
		return err
	}

	if s.cfg.AlarmInterval > 0 && s.cfg.AlarmText != "" {
		go func() {
			tick := time.NewTicker(s.cfg.AlarmInterval)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					if write(ensureCRLF(s.cfg.AlarmText)) != nil {
						return
					}
				}
			}
		}()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		r := bufio.NewReader(rw)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if s.cfg.IdleSeconds > 0 {
		idleTimer = time.NewTimer(time.Duration(s.cfg.IdleSeconds) * time.Second)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle:
			_ = write("\r\nSession closed due to idle timeout.\r\n")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd := strings.TrimSpace(line)
			if cmd == "" {
				continue
			}
			if idleTimer != nil {
				idleTimer.Reset(time.Duration(s.cfg.IdleSeconds) * time.Second)
			}
			if strings.EqualFold(cmd, "exit") || strings.EqualFold(cmd, "quit") {
				return
			}
			logger.Debugf("Simulate: NE(%s) command %q", s.name, cmd)
			if write(s.reply(cmd)) != nil {
				return
			}
		}
	}
}

// reply 一条命令的完整回复：回显行、正文、结束行
func (s *neServer) reply(cmd string) string {
	name := CommandName(cmd)
	body, ok := s.cfg.Commands[name]
	if !ok {
		body, ok = s.loadReplyFile(name)
	}
	if !ok {
		body = s.cfg.DefaultReply
		if body == "" {
			body = "unsupported command"
		}
	}
	term := s.cfg.Terminator
	if term == "" {
		term = DefaultTerminator
	}
	return ensureCRLF(fmt.Sprintf("%s: RESULT\n%s\n%s", name, strings.TrimRight(body, "\r\n"), term))
}

func (s *neServer) loadReplyFile(name string) (string, bool) {
	if s.cfg.ReplyDir == "" {
		return "", false
	}
	for _, n := range []string{name, strings.ReplaceAll(name, " ", "_")} {
		if bs, err := os.ReadFile(filepath.Join(s.cfg.ReplyDir, n+".txt")); err == nil {
			return string(bs), true
		}
	}
	return "", false
}

// CommandName MMC 的命令名：冒号前部分，去空白并转大写
func CommandName(mmc string) string {
	name := mmc
	if i := strings.IndexAny(name, ":;"); i >= 0 {
		name = name[:i]
	}
	return strings.ToUpper(strings.TrimSpace(name))
}

// ensureCRLF 统一为 CRLF 行尾，并保证以行结束符结尾
func ensureCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	if !strings.HasSuffix(s, "\r\n") {
		s += "\r\n"
	}
	return s
}
