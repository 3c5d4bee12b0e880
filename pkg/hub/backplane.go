package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenxilol/streamhub/internal/metrics"
	"github.com/chenxilol/streamhub/internal/utils"
	"github.com/chenxilol/streamhub/pkg/bus"
)

// BackplaneTopic 集群内分组广播使用的主题
func BackplaneTopic(hubName string) string {
	return "hub/" + hubName + "/groups"
}

// messageID 集群消息唯一标识
type messageID struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
	Sequence  uint64 `json:"sequence"`
}

func (m messageID) String() string {
	return fmt.Sprintf("%s-%d-%d", m.NodeID, m.Timestamp, m.Sequence)
}

// backplaneMessage 经消息总线转发的分组广播，Frame 为已编码的广播帧
type backplaneMessage struct {
	ID     messageID  `json:"id"`
	Target targetSpec `json:"target"`
	Frame  []byte     `json:"frame"`
	SentAt time.Time  `json:"sent_at"`
}

// backplaneOutboxCap 等待发布的广播上限，满时丢弃
const backplaneOutboxCap = 1024

// Backplane 把本节点的分组广播转发给其他节点，并把其他节点的广播投递给本地成员
type Backplane struct {
	bus      bus.MessageBus
	topic    string
	nodeID   string
	registry *GroupRegistry
	timeout  time.Duration

	sequence atomic.Uint64
	seen     *deduplicator
	outbox   chan []byte // 由 publishLoop 按顺序发布

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBackplane(mb bus.MessageBus, hubName string, registry *GroupRegistry, timeout time.Duration) *Backplane {
	return &Backplane{
		bus:      mb,
		topic:    BackplaneTopic(hubName),
		nodeID:   generateNodeID(),
		registry: registry,
		timeout:  timeout,
		seen:     newDeduplicator(30 * time.Second),
		outbox:   make(chan []byte, backplaneOutboxCap),
	}
}

func generateNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%x", hostname, os.Getpid(), time.Now().UnixNano())
}

// NodeID 本节点标识
func (b *Backplane) NodeID() string { return b.nodeID }

func (b *Backplane) start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(2)
	go b.subscribeRoutine(ctx)
	go b.publishLoop(ctx)
}

func (b *Backplane) stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
	if err := b.bus.Unsubscribe(b.topic); err != nil {
		slog.Debug("backplane unsubscribe failed", "topic", b.topic, "error", err)
	}
}

func (b *Backplane) subscribeRoutine(ctx context.Context) {
	defer b.wg.Done()

	var ch <-chan []byte
	subscribe := func() error {
		var err error
		ch, err = b.bus.Subscribe(ctx, b.topic)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("context done, stopping backplane subscription", "topic", b.topic)
			return
		default:
		}

		if err := utils.RetryWithBackoff(ctx, "backplane_subscribe", 5, time.Second, time.Minute, subscribe); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("failed to subscribe backplane topic after multiple retries, remote broadcasts won't be received", "topic", b.topic, "error", err)
			metrics.RecordCriticalError("backplane_subscribe_failed")
			return
		}

		if err := b.consume(ctx, ch); errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}

		slog.Info("backplane subscription ended, will attempt to resubscribe", "topic", b.topic)
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (b *Backplane) consume(ctx context.Context, ch <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return errors.New("backplane channel closed")
			}
			b.receive(data)
		}
	}
}

func (b *Backplane) receive(data []byte) {
	var msg backplaneMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid backplane message", "topic", b.topic, "error", err)
		return
	}
	// 自己发出的消息已在本地投递过
	if msg.ID.NodeID == b.nodeID {
		return
	}
	id := msg.ID.String()
	if b.seen.IsDuplicate(id) {
		slog.Debug("ignoring duplicate backplane message", "id", id)
		return
	}
	b.seen.MarkProcessed(id)

	delivered := b.registry.deliverLocal(msg.Target, msg.Frame)
	metrics.BackplaneReceived()
	slog.Debug("backplane broadcast delivered", "group", msg.Target.Group, "recipients", delivered, "latency", time.Since(msg.SentAt))
}

// publish 只把消息放入发件箱，广播方不等待总线
func (b *Backplane) publish(spec targetSpec, frame []byte) {
	msg := backplaneMessage{
		ID: messageID{
			NodeID:    b.nodeID,
			Timestamp: time.Now().UnixNano(),
			Sequence:  b.sequence.Add(1),
		},
		Target: spec,
		Frame:  frame,
		SentAt: time.Now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal backplane message", "error", err)
		return
	}

	select {
	case b.outbox <- data:
	default:
		slog.Warn("backplane outbox full, dropping broadcast", "topic", b.topic, "group", spec.Group)
		metrics.RecordError()
	}
}

func (b *Backplane) publishLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-b.outbox:
			b.send(ctx, data)
		}
	}
}

func (b *Backplane) send(ctx context.Context, data []byte) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.bus.Publish(ctx, b.topic, data); err != nil {
		slog.Warn("failed to publish broadcast via bus", "topic", b.topic, "error", err)
		metrics.RecordError()
		return
	}
	metrics.BackplanePublished()
}

// deduplicator 记录最近处理过的消息ID，总线重投时只投递一次
type deduplicator struct {
	cache       sync.Map // key=messageID.String(), value=time.Time
	count       atomic.Uint64
	cleanupMu   sync.Mutex
	lastCleanup time.Time
	ttl         time.Duration
}

func newDeduplicator(ttl time.Duration) *deduplicator {
	return &deduplicator{ttl: ttl, lastCleanup: time.Now()}
}

func (d *deduplicator) IsDuplicate(id string) bool {
	_, exists := d.cache.Load(id)
	return exists
}

func (d *deduplicator) MarkProcessed(id string) {
	d.cache.Store(id, time.Now())
	if d.count.Add(1)%100 == 0 {
		d.cleanExpired()
	}
}

func (d *deduplicator) cleanExpired() {
	if !d.cleanupMu.TryLock() {
		return
	}
	defer d.cleanupMu.Unlock()

	if time.Since(d.lastCleanup) < time.Minute {
		return
	}
	now := time.Now()
	d.lastCleanup = now

	d.cache.Range(func(key, value any) bool {
		if processed, ok := value.(time.Time); !ok || now.Sub(processed) > d.ttl {
			d.cache.Delete(key)
		}
		return true
	})
}
