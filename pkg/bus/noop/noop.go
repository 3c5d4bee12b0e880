// Package noop 单节点使用的总线：发布的消息不会离开本进程，也不会回送给订阅者
package noop

import (
	"context"
	"sync"

	"github.com/chenxilol/streamhub/pkg/bus"
)

type NoopBus struct {
	mu     sync.Mutex
	closed bool
	subs   map[string][]chan struct{} // 每个订阅的停止信号
}

func New() *NoopBus {
	return &NoopBus{subs: make(map[string][]chan struct{})}
}

func (n *NoopBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := bus.CheckTopic(topic); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return bus.ErrBusClosed
	}
	return nil
}

func (n *NoopBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	if err := bus.CheckTopic(topic); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, bus.ErrBusClosed
	}

	ch := make(chan []byte)
	stop := make(chan struct{})
	n.subs[topic] = append(n.subs[topic], stop)
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
		case <-stop:
		}
	}()
	return ch, nil
}

// Unsubscribe 关闭 topic 上的所有订阅通道
func (n *NoopBus) Unsubscribe(topic string) error {
	if err := bus.CheckTopic(topic); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, stop := range n.subs[topic] {
		close(stop)
	}
	delete(n.subs, topic)
	return nil
}

func (n *NoopBus) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for topic, stops := range n.subs {
		for _, stop := range stops {
			close(stop)
		}
		delete(n.subs, topic)
	}
	return nil
}

var _ bus.MessageBus = (*NoopBus)(nil)
