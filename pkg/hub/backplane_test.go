package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chenxilol/streamhub/pkg/protocol"
)

// memoryBus 进程内的消息总线，所有订阅者都能收到每条消息
type memoryBus struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	copies int
}

func newMemoryBus() *memoryBus {
	return &memoryBus{subs: make(map[string][]chan []byte), copies: 1}
}

func (b *memoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[topic] {
		for i := 0; i < b.copies; i++ {
			select {
			case ch <- data:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 64)
	b.subs[topic] = append(b.subs[topic], ch)
	return ch, nil
}

func (b *memoryBus) subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (b *memoryBus) Unsubscribe(topic string) error { return nil }
func (b *memoryBus) Close() error                   { return nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("等待条件超时")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBackplaneDeliversAcrossNodes(t *testing.T) {
	mb := newMemoryBus()
	mb.copies = 2 // 模拟总线重复投递
	node1 := New("chat", MustHandlerTable(echoHandler()), WithBus(mb))
	defer node1.Close()
	node2 := New("chat", MustHandlerTable(echoHandler()), WithBus(mb))
	defer node2.Close()
	waitFor(t, func() bool { return mb.subscribers(BackplaneTopic("chat")) == 2 })

	local, remote, excluded := newFakeMember("local"), newFakeMember("remote"), newFakeMember("excluded")
	_, _ = node1.Groups().Join("room1", local)
	_, _ = node2.Groups().Join("room1", remote)
	_, _ = node2.Groups().Join("room1", excluded)

	n, err := node1.Groups().To("room1").Except("excluded").BroadcastMethod("Ping", "hi")
	if err != nil {
		t.Fatalf("广播失败: %v", err)
	}
	if n != 1 {
		t.Errorf("本地投递数应为 1，得到 %d", n)
	}

	waitFor(t, func() bool { return len(remote.received()) > 0 })
	time.Sleep(50 * time.Millisecond)

	if got := len(remote.received()); got != 1 {
		t.Errorf("远端成员应恰好收到一次，实际 %d", got)
	}
	if got := len(local.received()); got != 1 {
		t.Errorf("本地成员不应收到自己节点的回环消息，实际 %d", got)
	}
	if got := len(excluded.received()); got != 0 {
		t.Errorf("被排除的成员不应收到消息，实际 %d", got)
	}
	if f := remote.received()[0]; f.Kind != protocol.KindBroadcast || string(f.Payload) != `"hi"` {
		t.Errorf("远端收到的帧不正确: %+v", f)
	}
}

func TestDeduplicator(t *testing.T) {
	d := newDeduplicator(time.Minute)
	if d.IsDuplicate("a") {
		t.Fatal("新消息不应被视为重复")
	}
	d.MarkProcessed("a")
	if !d.IsDuplicate("a") {
		t.Fatal("已处理的消息应被视为重复")
	}
}

// slowBus 发布一直阻塞到 ctx 结束
type slowBus struct {
	*memoryBus
	attempts chan struct{}
}

func (b *slowBus) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case b.attempts <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestBroadcastDoesNotWaitForBus(t *testing.T) {
	mb := &slowBus{memoryBus: newMemoryBus(), attempts: make(chan struct{}, 1)}
	cfg := DefaultConfig()
	cfg.BackplanePublishTimeout = 2 * time.Second
	h := New("chat", MustHandlerTable(echoHandler()), WithConfig(cfg), WithBus(mb))
	defer h.Close()

	m := newFakeMember("local")
	_, _ = h.Groups().Join("room1", m)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := h.Groups().To("room1").All().BroadcastMethod("Ping", i); err != nil {
			t.Fatalf("广播失败: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("广播被总线阻塞: %v", elapsed)
	}
	if got := len(m.received()); got != 3 {
		t.Errorf("本地成员应收到 3 条，实际 %d", got)
	}

	select {
	case <-mb.attempts:
	case <-time.After(time.Second):
		t.Fatal("广播没有转发到总线")
	}
}
