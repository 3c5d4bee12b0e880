package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chenxilol/streamhub/pkg/protocol"
)

// heartbeat 客户端主动探测：定期发送探测并等待确认，超时则断开
type heartbeat struct {
	c        *Client
	interval time.Duration
	timeout  time.Duration

	mu         sync.Mutex
	seq        uint32
	timer      *time.Timer // 非 nil 表示正在等待确认
	generation uint64
	waitingSeq uint32
	sentAt     time.Time
	stopped    bool
}

func newHeartbeat(c *Client, cfg HeartbeatConfig) *heartbeat {
	return &heartbeat{c: c, interval: cfg.Interval, timeout: cfg.Timeout}
}

func (h *heartbeat) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.probe(ctx); err != nil {
				slog.Debug("failed to send heartbeat probe", "error", err)
			}
		}
	}
}

func (h *heartbeat) probe(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.seq++
	seq := h.seq
	now := time.Now()
	h.waitingSeq = seq
	h.sentAt = now
	if h.timer == nil {
		h.generation++
		gen := h.generation
		h.timer = time.AfterFunc(h.timeout, func() { h.expire(gen) })
	}
	h.mu.Unlock()

	return h.c.writeFrame(ctx, protocol.NewHeartbeatProbe(seq, now.UnixMilli(), nil))
}

func (h *heartbeat) ack(seq uint32) {
	h.mu.Lock()
	if h.stopped || h.timer == nil || seq != h.waitingSeq {
		h.mu.Unlock()
		return
	}
	h.timer.Stop()
	h.timer = nil
	h.generation++
	rtt := time.Since(h.sentAt)
	h.mu.Unlock()

	if h.c.onHeartbeatAck != nil {
		h.c.onHeartbeatAck(rtt)
	}
}

func (h *heartbeat) expire(gen uint64) {
	h.mu.Lock()
	if h.stopped || gen != h.generation {
		h.mu.Unlock()
		return
	}
	h.timer = nil
	h.mu.Unlock()

	slog.Warn("server heartbeat ack timed out", "timeout", h.timeout)
	h.c.finish(protocol.DisconnectReason{Type: protocol.TimedOut, Err: protocol.ErrHeartbeatTimeout})
}

func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
