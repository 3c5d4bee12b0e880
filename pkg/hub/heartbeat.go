package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chenxilol/streamhub/internal/metrics"
	"github.com/chenxilol/streamhub/pkg/protocol"
)

// HeartbeatManager 每个 hub 共享一个定时器：第一个连接注册时启动，最后一个注销时停止
type HeartbeatManager struct {
	hubName  string
	cfg      HeartbeatConfig
	metadata func() []byte

	mu      sync.Mutex
	handles map[string]*HeartbeatHandle
	stop    chan struct{} // 非 nil 表示定时器正在运行
	seq     uint32
}

func newHeartbeatManager(hubName string, cfg HeartbeatConfig, metadata func() []byte) *HeartbeatManager {
	return &HeartbeatManager{
		hubName:  hubName,
		cfg:      cfg,
		metadata: metadata,
		handles:  make(map[string]*HeartbeatHandle),
	}
}

// Register 为连接登记心跳。push 投递探测帧，onTimeout 在超时时最多调用一次。
func (m *HeartbeatManager) Register(id string, push func([]byte) error, onTimeout func()) *HeartbeatHandle {
	h := &HeartbeatHandle{
		id:        id,
		timeout:   m.cfg.Timeout,
		push:      push,
		onTimeout: onTimeout,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[id] = h
	if m.stop == nil {
		m.stop = make(chan struct{})
		go m.run(m.stop)
		slog.Debug("heartbeat timer started", "hub", m.hubName)
	}
	return h
}

// Unregister 注销连接；之后到达的确认不再有任何效果
func (m *HeartbeatManager) Unregister(h *HeartbeatHandle) {
	if h == nil {
		return
	}
	h.close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.handles[h.id]; ok && current == h {
		delete(m.handles, h.id)
	}
	if len(m.handles) == 0 && m.stop != nil {
		close(m.stop)
		m.stop = nil
		slog.Debug("heartbeat timer stopped", "hub", m.hubName)
	}
}

// Running 定时器是否在运行
func (m *HeartbeatManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

func (m *HeartbeatManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *HeartbeatManager) run(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *HeartbeatManager) tick() {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	handles := make([]*HeartbeatHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var meta []byte
	if m.metadata != nil {
		meta = m.metadata()
	}
	now := time.Now()
	data, err := protocol.Encode(protocol.NewHeartbeatProbe(seq, now.UnixMilli(), meta))
	if err != nil {
		slog.Error("failed to encode heartbeat probe", "hub", m.hubName, "error", err)
		return
	}

	for _, h := range handles {
		h.arm(seq, now)
		if err := h.push(data); err != nil {
			slog.Debug("failed to send heartbeat probe", "hub", m.hubName, "session", h.id, "error", err)
		}
	}
}

// HeartbeatHandle 单个连接的心跳状态
type HeartbeatHandle struct {
	id        string
	timeout   time.Duration
	push      func([]byte) error
	onTimeout func()

	mu         sync.Mutex
	timer      *time.Timer // 非 nil 表示超时倒计时已启动
	generation uint64
	waitingSeq uint32
	sentAt     time.Time
	latency    time.Duration
	closed     bool
	fired      bool
}

// arm 记录等待的序号；倒计时仅在尚未启动时启动
func (h *HeartbeatHandle) arm(seq uint32, sentAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.fired {
		return
	}
	h.waitingSeq = seq
	h.sentAt = sentAt
	if h.timer == nil {
		h.generation++
		gen := h.generation
		h.timer = time.AfterFunc(h.timeout, func() { h.expire(gen) })
	}
}

// Ack 处理心跳确认，序号匹配时解除倒计时并记录往返时延
func (h *HeartbeatHandle) Ack(seq uint32) {
	h.mu.Lock()
	if h.closed || h.timer == nil || seq != h.waitingSeq {
		h.mu.Unlock()
		return
	}
	h.disarmLocked()
	h.latency = time.Since(h.sentAt)
	latency := h.latency
	h.mu.Unlock()

	metrics.RecordHeartbeatLatency(latency)
}

// Touch 任意入站帧视为存活时调用
func (h *HeartbeatHandle) Touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.disarmLocked()
	}
}

// Latency 最近一次心跳往返时延
func (h *HeartbeatHandle) Latency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latency
}

func (h *HeartbeatHandle) disarmLocked() {
	h.timer.Stop()
	h.timer = nil
	h.generation++
}

func (h *HeartbeatHandle) expire(gen uint64) {
	h.mu.Lock()
	if h.closed || h.fired || gen != h.generation {
		h.mu.Unlock()
		return
	}
	h.fired = true
	h.timer = nil
	h.mu.Unlock()

	h.onTimeout()
}

func (h *HeartbeatHandle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.timer != nil {
		h.disarmLocked()
	}
}
