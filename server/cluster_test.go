package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chenxilol/streamhub/configs"
	"github.com/chenxilol/streamhub/internal/handlers"
	"github.com/chenxilol/streamhub/pkg/client"
	"github.com/chenxilol/streamhub/pkg/hub"
	"github.com/chenxilol/streamhub/pkg/transport/websocket"

	"github.com/alicebob/miniredis/v2"
)

// startNode 启动一个使用 Redis 总线的节点
func startNode(t *testing.T, redisAddr string) *httptest.Server {
	t.Helper()
	cfg := configs.NewDefaultConfig()
	cfg.Log.Level = "error"
	cfg.Cluster.Enabled = true
	cfg.Cluster.BusType = "redis"
	cfg.Cluster.Redis.Addrs = []string{redisAddr}

	s, err := NewServer(&Options{Config: &cfg})
	if err != nil {
		t.Fatalf("创建节点失败: %v", err)
	}
	chat := handlers.New(nil)
	if _, err := s.MapHub("chat", chat.Handlers(), chat.Hooks()); err != nil {
		t.Fatalf("注册 hub 失败: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return ts
}

func TestClusterBroadcastOverRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("无法启动miniredis: %v", err)
	}
	defer mr.Close()

	node1 := startNode(t, mr.Addr())
	node2 := startNode(t, mr.Addr())

	channel := "streamhub:" + hub.BackplaneTopic("chat")
	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub(channel)[channel] < 2 {
		if time.Now().After(deadline) {
			t.Fatal("节点未完成订阅")
		}
		time.Sleep(10 * time.Millisecond)
	}

	received := make(chan handlers.Message, 4)
	receivers := client.MustReceiverTable(
		client.On(handlers.ReceiveMessage, func(ctx context.Context, msg handlers.Message) error {
			received <- msg
			return nil
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	connect := func(ts *httptest.Server, name string, receivers *client.ReceiverTable) *client.Client {
		conn, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/hub/chat", nil, websocket.DefaultConfig())
		if err != nil {
			t.Fatalf("连接失败: %v", err)
		}
		c, err := client.Connect(ctx, conn, receivers)
		if err != nil {
			t.Fatalf("握手失败: %v", err)
		}
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = c.Close(ctx)
		})
		if err := c.Send(ctx, "SetName", name); err != nil {
			t.Fatalf("SetName 失败: %v", err)
		}
		if _, err := client.Call[int](ctx, c, "Join", "lobby"); err != nil {
			t.Fatalf("Join 失败: %v", err)
		}
		return c
	}

	_ = connect(node1, "alice", receivers)
	bob := connect(node2, "bob", nil)

	// bob 所在节点没有其他成员，本地送达数为 0，消息经 Redis 到达 node1
	delivered, err := client.Call[int](ctx, bob, "Say", handlers.SayRequest{Room: "lobby", Text: "across nodes"})
	if err != nil || delivered != 0 {
		t.Fatalf("Say 返回 %d, %v", delivered, err)
	}

	select {
	case msg := <-received:
		if msg.From != "bob" || msg.Text != "across nodes" {
			t.Errorf("消息内容不正确: %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("alice 未收到跨节点消息")
	}
	select {
	case msg := <-received:
		t.Fatalf("消息应只送达一次，又收到 %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
