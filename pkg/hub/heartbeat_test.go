package hub

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chenxilol/streamhub/pkg/protocol"
)

func testHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Enabled: true, Interval: 20 * time.Millisecond, Timeout: 60 * time.Millisecond}
}

func TestHeartbeatTimeoutFiresOnce(t *testing.T) {
	m := newHeartbeatManager("test", testHeartbeatConfig(), nil)
	var fired atomic.Int32
	h := m.Register("s1", func([]byte) error { return nil }, func() { fired.Add(1) })
	defer m.Unregister(h)

	time.Sleep(300 * time.Millisecond)
	if fired.Load() != 1 {
		t.Fatalf("超时回调应恰好调用一次，实际 %d", fired.Load())
	}

	// 超时后到达的确认不产生效果
	h.Ack(1)
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("迟到的确认不应影响结果: %d", fired.Load())
	}
}

func TestHeartbeatAckDisarms(t *testing.T) {
	m := newHeartbeatManager("test", testHeartbeatConfig(), func() []byte { return []byte("node-1") })
	var (
		fired  atomic.Int32
		handle atomic.Pointer[HeartbeatHandle]
		probes atomic.Int32
	)
	h := m.Register("s1", func(data []byte) error {
		f, err := protocol.Decode(data)
		if err != nil {
			return err
		}
		if string(f.Payload) != "node-1" {
			t.Errorf("探测帧元数据不正确: %q", f.Payload)
		}
		probes.Add(1)
		if hh := handle.Load(); hh != nil {
			hh.Ack(f.Sequence)
		}
		return nil
	}, func() { fired.Add(1) })
	handle.Store(h)
	defer m.Unregister(h)

	time.Sleep(300 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("有确认时不应超时")
	}
	if probes.Load() < 3 {
		t.Errorf("探测次数过少: %d", probes.Load())
	}
}

func TestHeartbeatStaleSequenceIgnored(t *testing.T) {
	m := newHeartbeatManager("test", testHeartbeatConfig(), nil)
	var fired atomic.Int32
	h := m.Register("s1", func([]byte) error { return nil }, func() { fired.Add(1) })
	defer m.Unregister(h)

	h.arm(5, time.Now())
	h.Ack(4)
	time.Sleep(150 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("序号不匹配的确认不应解除超时")
	}
}

func TestHeartbeatTouch(t *testing.T) {
	m := newHeartbeatManager("test", testHeartbeatConfig(), nil)
	var fired atomic.Int32
	var handle atomic.Pointer[HeartbeatHandle]
	h := m.Register("s1", func([]byte) error {
		if hh := handle.Load(); hh != nil {
			hh.Touch()
		}
		return nil
	}, func() { fired.Add(1) })
	handle.Store(h)
	defer m.Unregister(h)

	time.Sleep(200 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("任意帧视为存活时不应超时")
	}
}

func TestHeartbeatTimerLifecycle(t *testing.T) {
	m := newHeartbeatManager("test", testHeartbeatConfig(), nil)
	if m.Running() {
		t.Fatal("没有连接时定时器不应运行")
	}
	a := m.Register("a", func([]byte) error { return nil }, func() {})
	b := m.Register("b", func([]byte) error { return nil }, func() {})
	if !m.Running() || m.Count() != 2 {
		t.Fatal("注册后定时器应运行")
	}
	m.Unregister(a)
	if !m.Running() {
		t.Fatal("仍有连接时定时器应继续运行")
	}
	m.Unregister(b)
	if m.Running() || m.Count() != 0 {
		t.Fatal("最后一个连接注销后定时器应停止")
	}
	// 重复注销无副作用
	m.Unregister(b)
}

func TestServeHeartbeatTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat = testHeartbeatConfig()
	h := New("chat", MustHandlerTable(echoHandler()), WithConfig(cfg))
	defer h.Close()

	p := connect(t, h)
	// 不回复心跳
	err := p.waitServed()
	if !errors.Is(err, protocol.ErrHeartbeatTimeout) {
		t.Fatalf("期望心跳超时，得到 %v", err)
	}
	if h.Heartbeat().Running() {
		t.Error("会话结束后心跳定时器应停止")
	}
}

func TestServeHeartbeatAcked(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat = testHeartbeatConfig()
	sessions := make(chan *Session, 1)
	h := New("chat", MustHandlerTable(echoHandler()), WithConfig(cfg), WithHooks(Hooks{
		OnConnected: func(_ context.Context, s *Session) { sessions <- s },
	}))
	defer h.Close()

	p := connect(t, h)
	s := <-sessions
	for i := 0; i < 5; i++ {
		probe := p.readKind(protocol.KindHeartbeatProbe)
		p.send(protocol.NewHeartbeatAck(probe))
	}
	if s.State() != StateActive {
		t.Fatalf("有确认时会话应保持活跃，状态 %v", s.State())
	}
	if s.Latency() <= 0 {
		t.Errorf("应记录心跳往返时延")
	}
}
