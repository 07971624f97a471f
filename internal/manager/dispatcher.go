package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/metrics"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

var (
	// ErrPolicyDenied 命令前缀在黑名单中
	ErrPolicyDenied = errors.New("manager: mmc denied by policy")
	// ErrQueueFull 队列达到硬上限
	ErrQueueFull = errors.New("manager: mmc queue full")
)

// 优先级队列下标
const (
	QueueResponse   = 0
	QueueNoResponse = 1
)

// Outlet 派发器的出口
type Outlet interface {
	// Publish 把 MMC 交给 Connector
	Publish(connectorID string, m *wire.MMCPublish) error
	// Upstream 送往 Server 的结果与流控报文
	Upstream(m wire.Message)
}

// mmcQueue 单个优先级的 FIFO，各自一把锁
type mmcQueue struct {
	mu    sync.Mutex
	items []*wire.MMCRequest
	// stopped 已发出 Stop，尚未 Restart
	stopped bool
}

// push 入队；返回入队前深度以及是否需要发出 Stop
func (q *mmcQueue) push(m *wire.MMCRequest, limit, max int) (int, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := len(q.items)
	if max > 0 && before >= max {
		return before, false, ErrQueueFull
	}
	q.items = append(q.items, m)
	stop := false
	if limit > 0 && before > limit && !q.stopped {
		q.stopped = true
		stop = true
	}
	return before, stop, nil
}

func (q *mmcQueue) pop() *wire.MMCRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m
}

func (q *mmcQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// restart 已停止且深度回落到阈值以内时清除停止状态
func (q *mmcQueue) restart(limit int) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := len(q.items)
	if !q.stopped || depth > limit {
		return depth, false
	}
	q.stopped = false
	return depth, true
}

// Dispatcher MMC 准入、两级优先队列与单线程派发
type Dispatcher struct {
	cfg    config.MMCConfig
	ports  *PortRegistry
	out    Outlet
	queues [2]*mmcQueue

	blmu      sync.RWMutex
	blacklist []string
}

// NewDispatcher 创建派发器，黑名单初始取自配置
func NewDispatcher(cfg config.MMCConfig, ports *PortRegistry, out Outlet) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		ports:  ports,
		out:    out,
		queues: [2]*mmcQueue{{}, {}},
	}
	d.SetBlacklist(cfg.Blacklist)
	return d
}

// SetBlacklist 替换禁止下发的命令前缀
func (d *Dispatcher) SetBlacklist(prefixes []string) {
	list := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			list = append(list, p)
		}
	}
	d.blmu.Lock()
	d.blacklist = list
	d.blmu.Unlock()
}

func (d *Dispatcher) denied(mmc string) string {
	cmd := strings.ToUpper(strings.TrimSpace(mmc))
	d.blmu.RLock()
	defer d.blmu.RUnlock()
	for _, p := range d.blacklist {
		if strings.HasPrefix(cmd, p) {
			return p
		}
	}
	return ""
}

// Depth 指定队列的当前深度
func (d *Dispatcher) Depth(queue int) int {
	return d.queues[queue].len()
}

func queueIndex(m *wire.MMCRequest) int {
	if m.ResponseMode == wire.NoResponse {
		return QueueNoResponse
	}
	return QueueResponse
}

// Submit 准入检查后按 NE 绑定 Connector 并入队；被拒绝时同步回送 Error 结果
func (d *Dispatcher) Submit(req *wire.MMCRequest) error {
	port, err := d.ports.Lookup(req.NE)
	switch {
	case errors.Is(err, ErrNeNotFound):
		d.reject(req, "not_found", fmt.Sprintf("The NE(%s) is not found.", req.NE))
		return err
	case errors.Is(err, ErrNoCommandPort):
		d.reject(req, "no_command_port", fmt.Sprintf("The NE(%s) is found, but has no command port.", req.NE))
		return err
	}
	if prefix := d.denied(req.MMC); prefix != "" {
		d.reject(req, "policy", fmt.Sprintf("The MMC(%s) is denied by policy.", strings.TrimSpace(req.MMC)))
		return fmt.Errorf("%w: %s", ErrPolicyDenied, prefix)
	}

	req.ConnectorID = port.ConnectorID
	idx := queueIndex(req)
	before, stop, err := d.queues[idx].push(req, d.cfg.QueueLimit, d.cfg.QueueMax)
	if err != nil {
		d.reject(req, "queue_full", fmt.Sprintf("The NE(%s) command queue is full.", req.NE))
		return err
	}
	metrics.MMCQueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(before + 1))
	logger.Debugf("MMC %d queued to %s (queue %d, depth %d)", req.ID, req.ConnectorID, idx, before+1)
	if stop {
		logger.Warnf("MMC queue %d depth %d exceeds %d, flow stop", idx, before, d.cfg.QueueLimit)
		metrics.FlowControl.WithLabelValues(wire.FlowStop.String()).Inc()
		d.out.Upstream(&wire.FlowControl{
			Mode:   wire.FlowStop,
			ReqID:  req.ID,
			Reason: fmt.Sprintf("queue %d depth %d exceeds %d", idx, before, d.cfg.QueueLimit),
		})
	}
	return nil
}

func (d *Dispatcher) reject(req *wire.MMCRequest, reason, msg string) {
	logger.Warnf("MMC %d rejected: %s", req.ID, msg)
	metrics.MMCRejected.WithLabelValues(reason).Inc()
	d.out.Upstream(&wire.MMCResult{ID: req.ID, NE: req.NE, ResultMode: wire.ResultError, Result: msg})
}

// next 优先取 0 号队列
func (d *Dispatcher) next() (*wire.MMCRequest, int) {
	for i, q := range d.queues {
		if m := q.pop(); m != nil {
			metrics.MMCQueueDepth.WithLabelValues(strconv.Itoa(i)).Set(float64(q.len()))
			return m, i
		}
	}
	return nil, 0
}

// Run 派发线程：队列非空时逐条派发，都为空时休眠 idle_sleep
func (d *Dispatcher) Run(ctx context.Context) error {
	idle := d.cfg.IdleSleep
	if idle <= 0 {
		idle = 70 * time.Millisecond
	}
	go d.flowLoop(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		req, idx := d.next()
		if req == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idle):
			}
			continue
		}
		d.dispatch(req, idx)
	}
}

func (d *Dispatcher) dispatch(req *wire.MMCRequest, idx int) {
	pub := &wire.MMCPublish{
		ID:           req.ID,
		NE:           req.NE,
		MMC:          req.MMC,
		ResponseMode: req.ResponseMode,
		LogMode:      req.LogMode,
	}
	if err := d.out.Publish(req.ConnectorID, pub); err != nil {
		name := session.BareName(wire.ProcConnector, req.ConnectorID)
		logger.Errorf("MMC %d publish to %s: %v", req.ID, req.ConnectorID, err)
		d.reject(req, "connector_down", fmt.Sprintf("The Connector(%s) is not connected.", name))
		return
	}
	metrics.MMCDispatched.WithLabelValues(strconv.Itoa(idx)).Inc()
	logger.Infof("MMC %d dispatched to %s: %s", req.ID, req.ConnectorID, req.MMC)
}

func (d *Dispatcher) flowLoop(ctx context.Context) {
	interval := d.cfg.FlowCheckInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkFlow()
		}
	}
}

// checkFlow 深度回落后对每个已停止的队列发出一次 Restart
func (d *Dispatcher) checkFlow() {
	for i, q := range d.queues {
		depth, ok := q.restart(d.cfg.QueueLimit)
		if !ok {
			continue
		}
		logger.Infof("MMC queue %d depth %d, flow restart", i, depth)
		metrics.FlowControl.WithLabelValues(wire.FlowRestart.String()).Inc()
		d.out.Upstream(&wire.FlowControl{
			Mode:   wire.FlowRestart,
			Reason: fmt.Sprintf("queue %d depth %d", i, depth),
		})
	}
}
