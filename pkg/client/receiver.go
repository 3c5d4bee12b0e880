package client

import (
	"context"
	"fmt"

	"github.com/chenxilol/streamhub/pkg/protocol"
)

// ReceiverFunc 处理服务端推送或调用。返回值仅在服务端等待结果时发回。
type ReceiverFunc func(ctx context.Context, c *Client, payload []byte) ([]byte, error)

// Receiver 客户端本地可被服务端调用的方法
type Receiver struct {
	Name string
	ID   int32
	Fn   ReceiverFunc
}

// On 注册没有返回值的接收方法，用于广播
func On[A any](name string, fn func(ctx context.Context, arg A) error) Receiver {
	return Receiver{
		Name: name,
		ID:   protocol.MethodID(name),
		Fn: func(ctx context.Context, c *Client, payload []byte) ([]byte, error) {
			var arg A
			if err := c.decode(payload, &arg); err != nil {
				return nil, fmt.Errorf("decode arguments of %s: %w", name, err)
			}
			return nil, fn(ctx, arg)
		},
	}
}

// OnCall 注册带返回值的接收方法，服务端通过客户端结果调用
func OnCall[A, R any](name string, fn func(ctx context.Context, arg A) (R, error)) Receiver {
	return Receiver{
		Name: name,
		ID:   protocol.MethodID(name),
		Fn: func(ctx context.Context, c *Client, payload []byte) ([]byte, error) {
			var arg A
			if err := c.decode(payload, &arg); err != nil {
				return nil, fmt.Errorf("decode arguments of %s: %w", name, err)
			}
			res, err := fn(ctx, arg)
			if err != nil {
				return nil, err
			}
			return c.serializer.Marshal(res)
		},
	}
}

// ReceiverTable 方法ID到接收方法的只读映射
type ReceiverTable struct {
	byID map[int32]Receiver
}

func NewReceiverTable(receivers ...Receiver) (*ReceiverTable, error) {
	t := &ReceiverTable{byID: make(map[int32]Receiver, len(receivers))}
	for _, r := range receivers {
		if r.Fn == nil {
			return nil, fmt.Errorf("client: receiver %q has no function", r.Name)
		}
		if existing, ok := t.byID[r.ID]; ok {
			return nil, fmt.Errorf("%w: %d used by %q and %q", ErrDuplicateReceiver, r.ID, existing.Name, r.Name)
		}
		t.byID[r.ID] = r
	}
	return t, nil
}

func MustReceiverTable(receivers ...Receiver) *ReceiverTable {
	t, err := NewReceiverTable(receivers...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *ReceiverTable) Lookup(id int32) (Receiver, bool) {
	if t == nil {
		return Receiver{}, false
	}
	r, ok := t.byID[id]
	return r, ok
}
