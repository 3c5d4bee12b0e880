package hub

import (
	"context"
	"fmt"

	"github.com/chenxilol/streamhub/pkg/protocol"
)

// HandlerFunc 处理一次请求。payload 与返回值都是序列化后的字节。
type HandlerFunc func(ctx context.Context, s *Session, payload []byte) ([]byte, error)

// Handler 一个可被客户端调用的 hub 方法
type Handler struct {
	Name string
	ID   int32
	Fn   HandlerFunc
}

// WithID 为方法显式指定ID，替代按名称计算的默认值
func (h Handler) WithID(id int32) Handler {
	h.ID = id
	return h
}

// Method 创建一个带参数和返回值的方法，参数与结果通过会话的序列化器转换
func Method[A, R any](name string, fn func(ctx context.Context, s *Session, arg A) (R, error)) Handler {
	return Handler{
		Name: name,
		ID:   protocol.MethodID(name),
		Fn: func(ctx context.Context, s *Session, payload []byte) ([]byte, error) {
			var arg A
			if err := s.decode(payload, &arg); err != nil {
				return nil, fmt.Errorf("decode arguments of %s: %w", name, err)
			}
			res, err := fn(ctx, s, arg)
			if err != nil {
				return nil, err
			}
			return s.hub.serializer.Marshal(res)
		},
	}
}

// MethodNoResult 创建一个没有返回值的方法，客户端收到空结果
func MethodNoResult[A any](name string, fn func(ctx context.Context, s *Session, arg A) error) Handler {
	return Handler{
		Name: name,
		ID:   protocol.MethodID(name),
		Fn: func(ctx context.Context, s *Session, payload []byte) ([]byte, error) {
			var arg A
			if err := s.decode(payload, &arg); err != nil {
				return nil, fmt.Errorf("decode arguments of %s: %w", name, err)
			}
			return nil, fn(ctx, s, arg)
		},
	}
}

// HandlerTable 方法ID到处理函数的只读映射
type HandlerTable struct {
	byID map[int32]Handler
}

// NewHandlerTable 构建处理表，ID 冲突属于启动期配置错误
func NewHandlerTable(handlers ...Handler) (*HandlerTable, error) {
	t := &HandlerTable{byID: make(map[int32]Handler, len(handlers))}
	for _, h := range handlers {
		if h.Fn == nil {
			return nil, fmt.Errorf("hub: method %q has no handler function", h.Name)
		}
		if existing, ok := t.byID[h.ID]; ok {
			return nil, fmt.Errorf("%w: %d used by %q and %q", ErrDuplicateMethodID, h.ID, existing.Name, h.Name)
		}
		t.byID[h.ID] = h
	}
	return t, nil
}

// MustHandlerTable 与 NewHandlerTable 相同，出错时 panic
func MustHandlerTable(handlers ...Handler) *HandlerTable {
	t, err := NewHandlerTable(handlers...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *HandlerTable) Lookup(id int32) (Handler, bool) {
	h, ok := t.byID[id]
	return h, ok
}

func (t *HandlerTable) Len() int {
	return len(t.byID)
}
