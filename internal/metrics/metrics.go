// Package metrics 提供监控指标收集功能
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once           sync.Once
	registry       *prometheus.Registry
	defaultMetrics *Metrics
)

// Metrics 封装所有监控指标
type Metrics struct {
	// 连接指标
	ActiveSessions *prometheus.GaugeVec
	Connections    *prometheus.CounterVec
	Disconnections *prometheus.CounterVec

	// 调用指标
	MethodLatency    *prometheus.HistogramVec
	MethodErrors     *prometheus.CounterVec
	UnknownMethods   *prometheus.CounterVec
	ClientResults    *prometheus.CounterVec
	FramesDropped    prometheus.Counter
	BroadcastsSent   prometheus.Counter
	BroadcastTargets prometheus.Histogram

	// 分组指标
	ActiveGroups prometheus.Gauge
	GroupJoins   prometheus.Counter
	GroupLeaves  prometheus.Counter

	// 心跳指标
	HeartbeatTimeouts *prometheus.CounterVec
	HeartbeatLatency  prometheus.Histogram

	// 集群指标
	BackplanePublished prometheus.Counter
	BackplaneReceived  prometheus.Counter

	// 错误指标
	ErrorsTotal         prometheus.Counter
	CriticalErrorsTotal prometheus.Counter

	// 认证指标
	AuthSuccess prometheus.Counter
	AuthFailure prometheus.Counter
}

// NewMetrics 在 reg 上注册一组指标
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "当前活跃的会话数",
		}, []string{"hub"}),
		Connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "建立的会话总数",
		}, []string{"hub"}),
		Disconnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "按原因统计的断开次数",
		}, []string{"hub", "reason"}),

		MethodLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "method_duration_seconds",
			Help:      "hub 方法处理耗时",
			Buckets:   prometheus.DefBuckets,
		}, []string{"hub", "method"}),
		MethodErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "method_errors_total",
			Help:      "hub 方法返回错误的次数",
		}, []string{"hub", "method", "code"}),
		UnknownMethods: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_methods_total",
			Help:      "请求了未注册方法的次数",
		}, []string{"hub"}),
		ClientResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_results_total",
			Help:      "服务端调用客户端的结果",
		}, []string{"code"}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "因发送队列已满而丢弃的帧数",
		}),
		BroadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "广播次数",
		}),
		BroadcastTargets: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_targets",
			Help:      "每次广播投递的成员数",
			Buckets:   []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000},
		}),

		ActiveGroups: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_groups",
			Help:      "当前存在的分组数",
		}),
		GroupJoins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_joins_total",
			Help:      "加入分组操作计数",
		}),
		GroupLeaves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_leaves_total",
			Help:      "离开分组操作计数",
		}),

		HeartbeatTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "心跳超时次数",
		}, []string{"hub"}),
		HeartbeatLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "心跳往返时延",
			Buckets:   prometheus.DefBuckets,
		}),

		BackplanePublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backplane_published_total",
			Help:      "发布到集群总线的广播数",
		}),
		BackplaneReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backplane_received_total",
			Help:      "从集群总线收到并投递的广播数",
		}),

		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "错误总数",
		}),
		CriticalErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_errors_total",
			Help:      "严重错误总数",
		}),

		AuthSuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_success",
			Help:      "认证成功计数",
		}),
		AuthFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failure",
			Help:      "认证失败计数",
		}),
	}
}

// GetRegistry 获取Prometheus注册表
func GetRegistry() *prometheus.Registry {
	Default()
	return registry
}

// Default 获取默认指标实例
func Default() *Metrics {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		defaultMetrics = NewMetrics("streamhub", registry)
	})
	return defaultMetrics
}

// 便捷方法，用于快速记录指标

// SessionConnected 记录会话建立
func SessionConnected(hub string) {
	m := Default()
	m.ActiveSessions.WithLabelValues(hub).Inc()
	m.Connections.WithLabelValues(hub).Inc()
}

// SessionDisconnected 记录会话结束及原因
func SessionDisconnected(hub, reason string) {
	m := Default()
	m.ActiveSessions.WithLabelValues(hub).Dec()
	m.Disconnections.WithLabelValues(hub, reason).Inc()
}

// RecordMethod 记录一次方法调用的耗时
func RecordMethod(hub, method string, d time.Duration) {
	Default().MethodLatency.WithLabelValues(hub, method).Observe(d.Seconds())
}

// RecordMethodError 记录方法错误
func RecordMethodError(hub, method, code string) {
	Default().MethodErrors.WithLabelValues(hub, method, code).Inc()
}

// RecordUnknownMethod 记录未注册的方法调用
func RecordUnknownMethod(hub string) {
	Default().UnknownMethods.WithLabelValues(hub).Inc()
}

// RecordClientResult 记录客户端调用结果
func RecordClientResult(code string) {
	Default().ClientResults.WithLabelValues(code).Inc()
}

// FrameDropped 记录丢弃的帧
func FrameDropped() {
	Default().FramesDropped.Inc()
}

// BroadcastSent 记录一次广播及投递人数
func BroadcastSent(targets int) {
	m := Default()
	m.BroadcastsSent.Inc()
	m.BroadcastTargets.Observe(float64(targets))
}

// GroupCreated 记录创建分组
func GroupCreated() {
	Default().ActiveGroups.Inc()
}

// GroupDeleted 记录删除分组
func GroupDeleted() {
	Default().ActiveGroups.Dec()
}

// GroupJoined 记录加入分组
func GroupJoined() {
	Default().GroupJoins.Inc()
}

// GroupLeft 记录离开分组
func GroupLeft() {
	Default().GroupLeaves.Inc()
}

// HeartbeatTimedOut 记录心跳超时
func HeartbeatTimedOut(hub string) {
	Default().HeartbeatTimeouts.WithLabelValues(hub).Inc()
}

// RecordHeartbeatLatency 记录心跳往返时延
func RecordHeartbeatLatency(d time.Duration) {
	Default().HeartbeatLatency.Observe(d.Seconds())
}

// BackplanePublished 记录发布到总线
func BackplanePublished() {
	Default().BackplanePublished.Inc()
}

// BackplaneReceived 记录从总线收到
func BackplaneReceived() {
	Default().BackplaneReceived.Inc()
}

// RecordError 记录错误
func RecordError() {
	Default().ErrorsTotal.Inc()
}

// RecordAuthSuccess 记录认证成功
func RecordAuthSuccess() {
	Default().AuthSuccess.Inc()
}

// RecordAuthFailure 记录认证失败
func RecordAuthFailure() {
	Default().AuthFailure.Inc()
}

// RecordCriticalError 记录严重错误
func RecordCriticalError(errorType string) {
	Default().CriticalErrorsTotal.Inc()

	// 记录在日志中，便于排查
	slog.Error("critical error encountered", "type", errorType)
}
