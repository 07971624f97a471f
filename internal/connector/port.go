package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/util"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// ErrQueueFull 端口命令队列已满
var ErrQueueFull = errors.New("connector: port command queue full")

// DialFunc 打开到 NE 端口的连接
type DialFunc func(ctx context.Context, info wire.PortInfo) (io.ReadWriteCloser, error)

// Outlet 端口产生的上行数据
type Outlet interface {
	// Reply NE 的一条完整回复；mmcID 为 0 表示主动上报
	Reply(info wire.PortInfo, mmcID uint32, text []byte)
	Result(r *wire.MMCResult)
	Status(s *wire.PortStatus)
}

// Port 一个 NE 端口：单连接、单读写协程，同一时刻最多一条命令在途
type Port struct {
	info   wire.PortInfo
	cfg    config.ConnectorConfig
	dial   DialFunc
	out    Outlet
	queue  chan *wire.MMCPublish
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool
}

func newPort(info wire.PortInfo, cfg config.ConnectorConfig, dial DialFunc, out Outlet) *Port {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	return &Port{
		info:  info,
		cfg:   cfg,
		dial:  dial,
		out:   out,
		queue: make(chan *wire.MMCPublish, size),
		done:  make(chan struct{}),
	}
}

// Info 端口记录
func (p *Port) Info() wire.PortInfo {
	return p.info
}

// Connected 当前是否已连上 NE
func (p *Port) Connected() bool {
	return p.connected.Load()
}

// Publish 命令入队，不阻塞
func (p *Port) Publish(m *wire.MMCPublish) error {
	select {
	case p.queue <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Port) start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

// stop 关闭端口并等待读写协程退出
func (p *Port) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *Port) status(up bool, reason string) {
	st := wire.StatusStop
	if up {
		st = wire.StatusStart
	}
	p.connected.Store(up)
	p.out.Status(&wire.PortStatus{
		Sequence:    p.info.Sequence,
		EquipID:     p.info.EquipID,
		ConnectorID: p.info.ConnectorID,
		Status:      st,
		Reason:      reason,
	})
}

// run 连接 NE，断开后按 reconnect_delay 重连，直到 ctx 取消
func (p *Port) run(ctx context.Context) {
	defer close(p.done)
	delay := p.cfg.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for {
		dctx, cancel := context.WithTimeout(ctx, p.dialTimeout())
		conn, err := p.dial(dctx, p.info)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("Connector port %d (%s %s:%d) connect failed: %v",
				p.info.Sequence, p.info.EquipID, p.info.IP, p.info.PortNo, err)
			p.status(false, err.Error())
		} else {
			logger.Infof("Connector port %d (%s) connected", p.info.Sequence, p.info.EquipID)
			p.status(true, "")
			err = p.serve(ctx, conn)
			_ = conn.Close()
			reason := "closed"
			if err != nil {
				reason = err.Error()
			}
			p.status(false, reason)
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("Connector port %d (%s) disconnected: %s", p.info.Sequence, p.info.EquipID, reason)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (p *Port) dialTimeout() time.Duration {
	if p.cfg.DialTimeout > 0 {
		return p.cfg.DialTimeout
	}
	return 5 * time.Second
}

// serve 端口事件循环：读数据切分回复、写命令、命令超时与空闲冲刷
func (p *Port) serve(ctx context.Context, conn io.ReadWriteCloser) error {
	chunks := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 8192)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				select {
				case chunks <- append([]byte(nil), buf[:n]...):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	interval := p.cfg.ReReadInterval
	if interval <= 0 {
		interval = wire.DefaultReReadInterval
	}
	retries := p.cfg.ReReadRetries
	if retries <= 0 {
		retries = wire.DefaultReReadRetries
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	sc := newReplyScanner(p.cfg.ReplyTerminators)
	var (
		inflight *wire.MMCPublish
		timer    *time.Timer
		timeoutC <-chan time.Time
		idle     int
	)
	finish := func(mode wire.ResultMode, result string) {
		p.result(inflight, mode, result)
		inflight = nil
		if timer != nil {
			timer.Stop()
		}
		timeoutC = nil
	}
	deliver := func(raw []byte) {
		text := util.DecodeReply(raw, p.cfg.Charset)
		var id uint32
		if inflight != nil {
			id = inflight.ID
		}
		logger.DebugReply(fmt.Sprintf("Connector port %d (%s) MMC %d", p.info.Sequence, p.info.EquipID, id), string(text), 3)
		p.out.Reply(p.info, id, text)
		if inflight != nil {
			finish(wire.ResultCaptured, string(text))
		}
	}

	for {
		queueC := p.queue
		if inflight != nil {
			queueC = nil
		}
		select {
		case <-ctx.Done():
			if inflight != nil {
				finish(wire.ResultLost, "port closed")
			}
			return nil
		case err := <-readErr:
			if sc.Pending() {
				deliver(sc.Flush())
			}
			if inflight != nil {
				finish(wire.ResultLost, fmt.Sprintf("connection lost: %v", err))
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case chunk := <-chunks:
			idle = 0
			for _, r := range sc.Feed(chunk) {
				deliver(r)
			}
		case <-tick.C:
			if !sc.Pending() {
				continue
			}
			if idle++; idle >= retries {
				idle = 0
				deliver(sc.Flush())
			}
		case <-timeoutC:
			logger.Warnf("Connector port %d MMC %d timed out", p.info.Sequence, inflight.ID)
			finish(wire.ResultLost, "command timeout")
		case m := <-queueC:
			if _, err := io.WriteString(conn, commandLine(m.MMC)); err != nil {
				p.result(m, wire.ResultError, fmt.Sprintf("write to NE(%s) failed: %v", m.NE, err))
				return err
			}
			logger.Debugf("Connector port %d sent MMC %d: %s", p.info.Sequence, m.ID, m.MMC)
			if m.ResponseMode == wire.NoResponse {
				continue
			}
			inflight = m
			timeout := p.cfg.CommandTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			timer = time.NewTimer(timeout)
			timeoutC = timer.C
		}
	}
}

func (p *Port) result(m *wire.MMCPublish, mode wire.ResultMode, text string) {
	if m == nil {
		return
	}
	p.out.Result(&wire.MMCResult{ID: m.ID, NE: m.NE, ResultMode: mode, Result: text})
}

// commandLine 命令以 CRLF 结束
func commandLine(mmc string) string {
	return strings.TrimRight(mmc, "\r\n") + "\r\n"
}
