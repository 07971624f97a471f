package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nafabric/nafabric/pkg/logger"
)

const namespace = "nafabric"

var registry = prometheus.NewRegistry()

var (
	// MMCQueueDepth 各优先级 MMC 队列当前深度
	MMCQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mmc",
		Name:      "queue_depth",
		Help:      "Current depth of the MMC dispatch queues",
	}, []string{"queue"})

	// MMCDispatched 已派发给 Connector 的 MMC
	MMCDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mmc",
		Name:      "dispatched_total",
		Help:      "MMC requests handed to a connector",
	}, []string{"queue"})

	// MMCRejected 被拒绝的 MMC，按原因
	MMCRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mmc",
		Name:      "rejected_total",
		Help:      "MMC requests answered with a synthetic error result",
	}, []string{"reason"})

	// FlowControl 发出的流控报文
	FlowControl = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mmc",
		Name:      "flow_control_total",
		Help:      "MMC_FLOW_CONTROL frames emitted",
	}, []string{"mode"})

	// ChildRestarts 子进程非正常退出后的重启
	ChildRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "child_restarts_total",
		Help:      "Children relaunched after an unordered exit",
	}, []string{"role"})

	// Sessions 已登记的会话数
	Sessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "registered",
		Help:      "Identified sessions per connection manager",
	}, []string{"role"})

	// MMCResults Server 收到的 MMC 结果
	MMCResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "mmc_results_total",
		Help:      "MMC results received from managers",
	}, []string{"result"})

	// RuleCopyDuration RuleCopy 外部命令耗时
	RuleCopyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "rule_copy_seconds",
		Help:      "Duration of the external rule copy helper",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		MMCQueueDepth,
		MMCDispatched,
		MMCRejected,
		FlowControl,
		ChildRestarts,
		Sessions,
		MMCResults,
		RuleCopyDuration,
	)
}

// Registry 进程内的 prometheus 注册表
func Registry() *prometheus.Registry {
	return registry
}

// Handler /metrics 处理器
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve 在 addr 上暴露 /metrics，直到 ctx 取消；addr 为空时直接返回
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
