package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/chenxilol/streamhub/pkg/bus"

	"github.com/redis/go-redis/v9"
)

// Publish 通过 PUBLISH 发布消息，没有订阅者不视为错误
func (r *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return bus.ErrBusClosed
	}
	if err := bus.CheckTopic(topic); err != nil {
		return err
	}

	msg, err := bus.Wrap(data)
	if err != nil {
		r.stats.PublishError()
		return bus.ErrPublishFailed
	}

	publishCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()

	if err := r.client.Publish(publishCtx, r.formatKey(topic), msg).Err(); err != nil {
		slog.Debug("redis publish failed", "topic", topic, "error", err)
		r.stats.PublishError()
		return bus.ErrPublishFailed
	}
	return nil
}

// Subscribe 订阅 Redis 频道，连接断开后自动重新订阅
func (r *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, bus.ErrBusClosed
	}
	if err := bus.CheckTopic(topic); err != nil {
		return nil, err
	}

	if cancel, exists := r.subs[topic]; exists {
		cancel()
	}

	outCh := make(chan []byte, 100)
	subCtx, cancel := context.WithCancel(ctx)
	r.subs[topic] = cancel

	ready := make(chan struct{})
	go r.subscribeRoutine(subCtx, r.formatKey(topic), outCh, ready)

	// 等待首次订阅确认，避免紧随其后的发布丢失
	select {
	case <-ready:
	case <-time.After(r.cfg.DialTimeout):
		slog.Warn("redis subscription not confirmed in time", "topic", topic)
	}
	return outCh, nil
}

// Unsubscribe 取消订阅，订阅 goroutine 会自行退出并关闭通道
func (r *RedisBus) Unsubscribe(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := bus.CheckTopic(topic); err != nil {
		return err
	}
	if r.closed {
		return nil
	}
	if cancel, exists := r.subs[topic]; exists {
		cancel()
		delete(r.subs, topic)
	}
	return nil
}

func (r *RedisBus) subscribeRoutine(ctx context.Context, channel string, outCh chan<- []byte, ready chan struct{}) {
	defer close(outCh)
	var retryCount int
	signalled := false

	for {
		select {
		case <-ctx.Done():
			slog.Debug("subscription context canceled, exiting", "channel", channel)
			return
		default:
		}

		pubsub := r.client.Subscribe(ctx, channel)
		func() {
			defer pubsub.Close()

			if _, err := pubsub.Receive(ctx); err != nil {
				slog.Error("failed to receive subscription confirmation", "channel", channel, "error", err)
				r.stats.SubscribeError()
				retryCount++
				return
			}
			if !signalled {
				close(ready)
				signalled = true
			}
			if retryCount > 0 {
				slog.Info("redis subscription recovered", "channel", channel, "after_retries", retryCount)
				retryCount = 0
			}

			msgCh := pubsub.Channel()
			for {
				var msg *redis.Message
				var ok bool
				select {
				case <-ctx.Done():
					return
				case msg, ok = <-msgCh:
					if !ok {
						return
					}
				}

				env, err := bus.Unwrap([]byte(msg.Payload))
				if err != nil {
					slog.Error("failed to unwrap bus message", "channel", channel, "error", err)
					r.stats.SubscribeError()
					continue
				}
				r.stats.ObserveLatency(env.Latency())

				select {
				case outCh <- env.Data:
				case <-ctx.Done():
					return
				case <-time.After(r.cfg.OpTimeout):
					slog.Warn("timeout sending message to subscriber channel", "channel", channel)
					r.stats.SubscribeError()
				}
			}
		}()

		if ctx.Err() != nil {
			return
		}
		slog.Info("redis subscription disconnected, reconnecting", "channel", channel, "retry_count", retryCount)
		r.stats.Reconnected()
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.RetryInterval):
		}
	}
}
