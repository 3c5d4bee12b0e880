// Package bus 在节点间传播 hub 的分组广播
package bus

import (
	"context"
	"errors"
)

var (
	ErrTopicEmpty    = errors.New("bus: empty topic")
	ErrBusClosed     = errors.New("bus: closed")
	ErrPublishFailed = errors.New("bus: publish failed")
)

// MessageBus 所有订阅者都会收到每条消息，投递至少一次，接收方自行去重
type MessageBus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe 返回的通道在 ctx 结束、Unsubscribe 或 Close 后关闭
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Unsubscribe(topic string) error
	Close() error
}

// CheckTopic 供实现方校验主题
func CheckTopic(topic string) error {
	if topic == "" {
		return ErrTopicEmpty
	}
	return nil
}
