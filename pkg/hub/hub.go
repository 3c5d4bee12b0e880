package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chenxilol/streamhub/internal/metrics"
	"github.com/chenxilol/streamhub/pkg/bus"
	"github.com/chenxilol/streamhub/pkg/protocol"
	"github.com/chenxilol/streamhub/pkg/serializer"
	"github.com/chenxilol/streamhub/pkg/transport"
)

// Hooks 连接生命周期回调，均可为空
type Hooks struct {
	// OnConnecting 在握手前调用，返回错误则拒绝连接
	OnConnecting func(ctx context.Context, s *Session) error
	// OnConnected 在会话进入 Active 后调用
	OnConnected func(ctx context.Context, s *Session)
	// OnDisconnected 在处理器停止后、离开分组前调用，每个会话恰好一次
	OnDisconnected func(ctx context.Context, s *Session, reason protocol.DisconnectReason)
}

// Option hub 选项
type Option func(*Hub)

func WithConfig(cfg Config) Option {
	return func(h *Hub) { h.cfg = cfg }
}

func WithSerializer(s serializer.Serializer) Option {
	return func(h *Hub) { h.serializer = s }
}

func WithHooks(hooks Hooks) Option {
	return func(h *Hub) { h.hooks = hooks }
}

// WithBus 启用集群转发，分组广播经消息总线送达其他节点
func WithBus(mb bus.MessageBus) Option {
	return func(h *Hub) { h.bus = mb }
}

// WithHeartbeatMetadata 每次心跳探测附带的数据
func WithHeartbeatMetadata(fn func() []byte) Option {
	return func(h *Hub) { h.heartbeatMetadata = fn }
}

// Hub 一组方法和它的所有连接
type Hub struct {
	name       string
	handlers   *HandlerTable
	cfg        Config
	serializer serializer.Serializer
	hooks      Hooks

	bus               bus.MessageBus
	backplane         *Backplane
	heartbeatMetadata func() []byte

	groups    *GroupRegistry
	heartbeat *HeartbeatManager

	sessions sync.Map // key=id, value=*Session
	count    atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

// New 创建 hub。handlers 在创建后只读。
func New(name string, handlers *HandlerTable, opts ...Option) *Hub {
	if handlers == nil {
		handlers = MustHandlerTable()
	}
	h := &Hub{
		name:     name,
		handlers: handlers,
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.cfg.fillDefaults()
	if h.serializer == nil {
		h.serializer = serializer.Default()
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.groups = NewGroupRegistry(h.serializer)
	h.heartbeat = newHeartbeatManager(name, h.cfg.Heartbeat, h.heartbeatMetadata)

	if h.bus != nil {
		h.backplane = newBackplane(h.bus, name, h.groups, h.cfg.BackplanePublishTimeout)
		h.groups.backplane = h.backplane
		h.backplane.start(h.ctx)
		slog.Info("hub backplane enabled", "hub", name, "node_id", h.backplane.NodeID(), "topic", h.backplane.topic)
	}

	slog.Info("hub initialized", "hub", name, "methods", handlers.Len(), "serializer", h.serializer.Name())
	return h
}

func (h *Hub) Name() string                      { return h.name }
func (h *Hub) Config() Config                    { return h.cfg }
func (h *Hub) Serializer() serializer.Serializer { return h.serializer }

// Groups 分组注册表
func (h *Hub) Groups() *GroupRegistry { return h.groups }

// Heartbeat 心跳管理器
func (h *Hub) Heartbeat() *HeartbeatManager { return h.heartbeat }

// Session 按ID查找本节点上的会话
func (h *Hub) Session(id string) (*Session, bool) {
	v, ok := h.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Sessions 当前所有会话的快照
func (h *Hub) Sessions() []*Session {
	var out []*Session
	h.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

func (h *Hub) SessionCount() int {
	return int(h.count.Load())
}

// Serve 在一个已建立的传输连接上运行会话，直到连接结束。
// 正常结束返回 nil，否则返回导致断开的错误。
func (h *Hub) Serve(ctx context.Context, conn transport.ServerConn) error {
	if h.closed.Load() {
		_ = conn.Close()
		return ErrHubClosed
	}

	s := newSession(ctx, h, conn)
	if h.hooks.OnConnecting != nil {
		if err := h.hooks.OnConnecting(s.ctx, s); err != nil {
			slog.Info("connection rejected", "hub", h.name, "session", s.id, "error", err)
			s.abort()
			return fmt.Errorf("connection rejected: %w", err)
		}
	}

	if err := s.handshake(); err != nil {
		s.abort()
		return fmt.Errorf("%w: %v", protocol.ErrHandshakeFailed, err)
	}

	h.sessions.Store(s.id, s)
	h.count.Add(1)
	metrics.SessionConnected(h.name)

	if h.cfg.Heartbeat.Enabled {
		s.heartbeat = h.heartbeat.Register(s.id, s.Push, func() {
			metrics.HeartbeatTimedOut(h.name)
			slog.Warn("heartbeat timed out", "hub", h.name, "session", s.id)
			s.closeWith(protocol.DisconnectReason{Type: protocol.TimedOut, Err: protocol.ErrHeartbeatTimeout})
		})
	}

	go s.writeLoop()
	go s.processLoop()
	s.setState(StateActive)
	slog.Info("session connected", "hub", h.name, "session", s.id, "total", h.SessionCount())

	if h.hooks.OnConnected != nil {
		h.safeHook("OnConnected", func() { h.hooks.OnConnected(s.ctx, s) })
	}

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop() }()

	select {
	case err := <-readErr:
		s.closeWith(reasonFromReadError(err))
	case <-s.closing:
	case <-ctx.Done():
		s.closeWith(protocol.DisconnectReason{Type: protocol.CompletedNormally})
	case <-h.ctx.Done():
		s.closeWith(protocol.DisconnectReason{Type: protocol.CompletedNormally})
	}

	s.teardown()
	if s.reason.Type == protocol.CompletedNormally {
		return nil
	}
	return s.reason.Err
}

func (h *Hub) unregister(s *Session) {
	if _, ok := h.sessions.LoadAndDelete(s.id); ok {
		h.count.Add(-1)
		metrics.SessionDisconnected(h.name, s.reason.Type.String())
	}
}

func (h *Hub) runOnDisconnected(s *Session, reason protocol.DisconnectReason) {
	if h.hooks.OnDisconnected == nil {
		return
	}
	// 会话 ctx 已取消，回调使用独立的 ctx
	ctx := context.WithoutCancel(s.ctx)
	h.safeHook("OnDisconnected", func() { h.hooks.OnDisconnected(ctx, s, reason) })
}

func (h *Hub) safeHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("hub hook panicked", "hub", h.name, "hook", name, "panic", r)
			metrics.RecordCriticalError("hook_panic")
		}
	}()
	fn()
}

// Close 关闭所有会话并停止集群转发
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.cancel()
		for _, s := range h.Sessions() {
			<-s.Done()
		}
		if h.backplane != nil {
			h.backplane.stop()
		}
		slog.Info("hub closed", "hub", h.name)
	})
	return nil
}
