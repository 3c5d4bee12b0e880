package noop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chenxilol/streamhub/pkg/bus"
)

func TestNoopBus(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Publish(ctx, "topic", []byte("hello")); err != nil {
		t.Errorf("发布失败: %v", err)
	}
	if err := b.Publish(ctx, "", nil); !errors.Is(err, bus.ErrTopicEmpty) {
		t.Errorf("空主题应返回 ErrTopicEmpty，得到 %v", err)
	}

	ch, err := b.Subscribe(ctx, "topic")
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("不应收到任何消息")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("不应收到任何消息")
		}
	case <-time.After(time.Second):
		t.Fatal("ctx 结束后通道应关闭")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if err := b.Publish(context.Background(), "topic", nil); !errors.Is(err, bus.ErrBusClosed) {
		t.Errorf("关闭后发布应返回 ErrBusClosed，得到 %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "topic"); !errors.Is(err, bus.ErrBusClosed) {
		t.Errorf("关闭后订阅应返回 ErrBusClosed，得到 %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("重复关闭应返回 nil: %v", err)
	}
}

func TestNoopUnsubscribeAndClose(t *testing.T) {
	b := New()
	a, err := b.Subscribe(context.Background(), "a")
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	c, err := b.Subscribe(context.Background(), "c")
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}

	waitClosed := func(ch <-chan []byte, what string) {
		t.Helper()
		select {
		case _, ok := <-ch:
			if ok {
				t.Fatalf("%s: 不应收到任何消息", what)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: 通道应关闭", what)
		}
	}

	if err := b.Unsubscribe("a"); err != nil {
		t.Fatalf("取消订阅失败: %v", err)
	}
	waitClosed(a, "Unsubscribe")

	if err := b.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	waitClosed(c, "Close")
}
