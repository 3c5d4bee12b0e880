package hub

import (
	"testing"
	"time"

	redisbus "github.com/chenxilol/streamhub/pkg/bus/redis"

	"github.com/alicebob/miniredis/v2"
)

func TestBackplaneOverRedis(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("无法启动miniredis: %v", err)
	}
	defer s.Close()

	newNode := func() *Hub {
		cfg := redisbus.DefaultConfig()
		cfg.Addrs = []string{s.Addr()}
		rb, err := redisbus.New(cfg)
		if err != nil {
			t.Fatalf("无法创建RedisBus: %v", err)
		}
		t.Cleanup(func() { _ = rb.Close() })
		h := New("chat", MustHandlerTable(echoHandler()), WithBus(rb))
		t.Cleanup(func() { _ = h.Close() })
		return h
	}
	node1, node2 := newNode(), newNode()

	channel := "streamhub:" + BackplaneTopic("chat")
	waitFor(t, func() bool { return s.PubSubNumSub(channel)[channel] == 2 })

	alice, bob := newFakeMember("alice"), newFakeMember("bob")
	_, _ = node1.Groups().Join("room1", alice)
	_, _ = node2.Groups().Join("room1", bob)

	if _, err := node2.Groups().To("room1").All().BroadcastMethod("Ping", "from node2"); err != nil {
		t.Fatalf("广播失败: %v", err)
	}
	waitFor(t, func() bool { return len(alice.received()) == 1 })
	time.Sleep(50 * time.Millisecond)

	if got := len(bob.received()); got != 1 {
		t.Errorf("发送节点的成员应只收到一次，实际 %d", got)
	}
	if f := alice.received()[0]; string(f.Payload) != `"from node2"` {
		t.Errorf("远端收到的内容不正确: %q", f.Payload)
	}
}
