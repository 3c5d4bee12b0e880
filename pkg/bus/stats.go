package bus

import (
	"sync/atomic"
	"time"

	"github.com/chenxilol/streamhub/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	publishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamhub_bus_publish_errors_total",
		Help: "消息总线发布错误总数",
	}, []string{"bus"})

	subscribeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamhub_bus_subscribe_errors_total",
		Help: "消息总线订阅错误总数（解包失败、投递超时、订阅确认失败）",
	}, []string{"bus"})

	reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamhub_bus_reconnects_total",
		Help: "消息总线重连或重新订阅次数",
	}, []string{"bus"})

	deliveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamhub_bus_latency_seconds",
		Help:    "消息从发布到被订阅方收到的延迟(秒)",
		Buckets: prometheus.DefBuckets,
	}, []string{"bus"})
)

func init() {
	metrics.GetRegistry().MustRegister(publishErrors, subscribeErrors, reconnects, deliveryLatency)
}

// Stats 一个总线实现的计数器，name 作为 bus 标签
type Stats struct {
	name       string
	reconnects atomic.Uint64
}

func NewStats(name string) *Stats {
	return &Stats{name: name}
}

func (s *Stats) PublishError()   { publishErrors.WithLabelValues(s.name).Inc() }
func (s *Stats) SubscribeError() { subscribeErrors.WithLabelValues(s.name).Inc() }

func (s *Stats) Reconnected() {
	reconnects.WithLabelValues(s.name).Inc()
	s.reconnects.Add(1)
}

// Reconnects 本实例的重连次数
func (s *Stats) Reconnects() uint64 { return s.reconnects.Load() }

func (s *Stats) ObserveLatency(d time.Duration) {
	deliveryLatency.WithLabelValues(s.name).Observe(d.Seconds())
}
