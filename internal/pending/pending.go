// Package pending 保存等待对端回复的调用，按关联键恰好完成一次
package pending

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed       = errors.New("pending: table closed")
	ErrDuplicateKey = errors.New("pending: duplicate key")
)

// Result 对端的回复：成功时为负载，失败时为错误
type Result struct {
	Payload []byte
	Err     error
}

// Table 关联键到等待者的映射
type Table[K comparable] struct {
	mu       sync.Mutex
	entries  map[K]chan Result
	closed   bool
	closeErr error
}

func New[K comparable]() *Table[K] {
	return &Table[K]{entries: make(map[K]chan Result)}
}

// Register 注册一个等待者。表已关闭时返回关闭原因。
func (t *Table[K]) Register(key K) (<-chan Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, t.closeErr
	}
	if _, exists := t.entries[key]; exists {
		return nil, ErrDuplicateKey
	}
	ch := make(chan Result, 1)
	t.entries[key] = ch
	return ch, nil
}

// Resolve 完成并移除等待者，未知的键返回 false
func (t *Table[K]) Resolve(key K, r Result) bool {
	t.mu.Lock()
	ch, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- r
	return true
}

// Remove 放弃等待（调用方取消时使用）
func (t *Table[K]) Remove(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[key]
	delete(t.entries, key)
	return ok
}

// FaultAll 以 err 完成所有等待者并关闭表，之后的 Register 都返回 err
func (t *Table[K]) FaultAll(err error) int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true
	if err == nil {
		err = ErrClosed
	}
	t.closeErr = err
	entries := t.entries
	t.entries = make(map[K]chan Result)
	t.mu.Unlock()

	for _, ch := range entries {
		ch <- Result{Err: err}
	}
	return len(entries)
}

func (t *Table[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Wait 等待 key 的结果；ctx 结束时注销等待者并返回 ctx 的错误
func (t *Table[K]) Wait(ctx context.Context, key K, ch <-chan Result) ([]byte, error) {
	select {
	case r := <-ch:
		return r.Payload, r.Err
	case <-ctx.Done():
		if !t.Remove(key) {
			// 已经被完成，结果优先
			r := <-ch
			return r.Payload, r.Err
		}
		return nil, ctx.Err()
	}
}
