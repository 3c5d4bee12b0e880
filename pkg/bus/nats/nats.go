// Package nats 提供基于NATS核心发布订阅的消息总线实现
package nats

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chenxilol/streamhub/pkg/bus"

	"github.com/nats-io/nats.go"
)

var ErrPublishTimeout = errors.New("publish timeout")

// Config NATS连接配置选项
type Config struct {
	// 连接地址，例如 nats://localhost:4222
	URLs []string `mapstructure:"urls" json:"urls"`
	// 连接名称，用于标识客户端
	Name          string        `mapstructure:"name" json:"name"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" json:"reconnect_wait"`
	// 最大重连次数，-1表示无限重连
	MaxReconnects  int           `mapstructure:"max_reconnects" json:"max_reconnects"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
	// 发布超时
	OpTimeout     time.Duration `mapstructure:"op_timeout" json:"op_timeout"`
	SubjectPrefix string        `mapstructure:"subject_prefix" json:"subject_prefix"`
}

func DefaultConfig() Config {
	return Config{
		URLs:           []string{nats.DefaultURL},
		Name:           "streamhub",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		OpTimeout:      500 * time.Millisecond,
		SubjectPrefix:  "streamhub.",
	}
}

// NatsBus 基于NATS的消息总线实现
type NatsBus struct {
	conn   *nats.Conn
	cfg    Config
	mu     sync.RWMutex
	closed bool
	subs   map[string]*nats.Subscription
	stats  *bus.Stats
}

func New(cfg Config) (*NatsBus, error) {
	nb := &NatsBus{
		cfg:   cfg,
		subs:  make(map[string]*nats.Subscription),
		stats: bus.NewStats("nats"),
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
			nb.stats.Reconnected()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("nats connection closed")
		}),
	}

	serverURL := nats.DefaultURL
	if len(cfg.URLs) > 0 {
		serverURL = strings.Join(cfg.URLs, ",")
	}
	nc, err := nats.Connect(serverURL, opts...)
	if err != nil {
		return nil, err
	}
	nb.conn = nc

	slog.Info("connected to nats", "urls", cfg.URLs)
	return nb, nil
}

// subject 把主题转换为 NATS 主题，"/" 作为层级分隔符映射为 "."
func (n *NatsBus) subject(topic string) string {
	return n.cfg.SubjectPrefix + strings.ReplaceAll(topic, "/", ".")
}

func (n *NatsBus) GetReconnectCount() uint64 {
	return n.stats.Reconnects()
}

func (n *NatsBus) Publish(ctx context.Context, topic string, data []byte) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return bus.ErrBusClosed
	}
	if err := bus.CheckTopic(topic); err != nil {
		return err
	}

	msg, err := bus.Wrap(data)
	if err != nil {
		n.stats.PublishError()
		return bus.ErrPublishFailed
	}

	publishCtx, cancel := context.WithTimeout(ctx, n.cfg.OpTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.conn.Publish(n.subject(topic), msg)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Debug("nats publish failed", "topic", topic, "error", err)
			n.stats.PublishError()
			return bus.ErrPublishFailed
		}
		return nil
	case <-publishCtx.Done():
		n.stats.PublishError()
		return ErrPublishTimeout
	}
}

func (n *NatsBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, bus.ErrBusClosed
	}
	if err := bus.CheckTopic(topic); err != nil {
		return nil, err
	}

	msgCh := make(chan *nats.Msg, 100)
	sub, err := n.conn.ChanSubscribe(n.subject(topic), msgCh)
	if err != nil {
		return nil, err
	}
	if old, exists := n.subs[topic]; exists {
		_ = old.Unsubscribe()
	}
	n.subs[topic] = sub

	outCh := make(chan []byte, 100)
	go n.forward(ctx, topic, sub, msgCh, outCh)

	slog.Info("subscribed to nats topic", "topic", topic, "subject", n.subject(topic))
	return outCh, nil
}

// forward 解包消息并转发，订阅失效或 ctx 结束后关闭输出通道
func (n *NatsBus) forward(ctx context.Context, topic string, sub *nats.Subscription, msgCh <-chan *nats.Msg, outCh chan<- []byte) {
	defer close(outCh)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = n.unsubscribe(topic, sub)
			return
		case <-ticker.C:
			if !sub.IsValid() {
				return
			}
		case msg := <-msgCh:
			env, err := bus.Unwrap(msg.Data)
			if err != nil {
				slog.Error("failed to unwrap bus message", "topic", topic, "error", err)
				n.stats.SubscribeError()
				continue
			}
			n.stats.ObserveLatency(env.Latency())

			select {
			case outCh <- env.Data:
			case <-ctx.Done():
				_ = n.unsubscribe(topic, sub)
				return
			case <-time.After(n.cfg.OpTimeout):
				slog.Warn("timeout sending message to subscriber channel", "topic", topic)
				n.stats.SubscribeError()
			}
		}
	}
}

func (n *NatsBus) Unsubscribe(topic string) error {
	if err := bus.CheckTopic(topic); err != nil {
		return err
	}
	n.mu.RLock()
	sub, exists := n.subs[topic]
	n.mu.RUnlock()
	if !exists {
		return nil
	}
	return n.unsubscribe(topic, sub)
}

func (n *NatsBus) unsubscribe(topic string, sub *nats.Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	if current, exists := n.subs[topic]; exists && current == sub {
		delete(n.subs, topic)
	}
	if !sub.IsValid() {
		return nil
	}
	return sub.Unsubscribe()
}

// Close 取消所有订阅并关闭连接
func (n *NatsBus) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	for topic, sub := range n.subs {
		_ = sub.Unsubscribe()
		delete(n.subs, topic)
	}
	n.conn.Close()
	return nil
}

var _ bus.MessageBus = (*NatsBus)(nil)
