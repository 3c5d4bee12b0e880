package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenxilol/streamhub/internal/metrics"
	"github.com/chenxilol/streamhub/internal/pending"
	"github.com/chenxilol/streamhub/pkg/protocol"
	"github.com/chenxilol/streamhub/pkg/transport"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// SessionState 会话生命周期状态
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type sessionKey struct{}

// SessionFromContext 取出处理函数所属的会话
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// Session 服务端的一个连接
type Session struct {
	id     string
	hub    *Hub
	conn   transport.ServerConn
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	requests      chan protocol.Frame
	outbound      chan []byte
	writeMu       sync.Mutex
	writeCtx      context.Context
	writeCancel   context.CancelFunc
	stopWriter    chan struct{}
	writerDone    chan struct{}
	processorDone chan struct{}

	results   *pending.Table[uuid.UUID]
	heartbeat *HeartbeatHandle

	groupsMu     sync.Mutex
	groups       map[string]struct{}
	groupsClosed bool

	metadata sync.Map

	closing      chan struct{}
	reasonOnce   sync.Once
	reason       protocol.DisconnectReason
	teardownOnce sync.Once
	done         chan struct{}
}

func newSession(ctx context.Context, h *Hub, conn transport.ServerConn) *Session {
	s := &Session{
		id:            uuid.New().String(),
		hub:           h,
		conn:          conn,
		requests:      make(chan protocol.Frame, h.cfg.RequestQueueCap),
		outbound:      make(chan []byte, h.cfg.OutboundQueueCap),
		stopWriter:    make(chan struct{}),
		writerDone:    make(chan struct{}),
		processorDone: make(chan struct{}),
		results:       pending.New[uuid.UUID](),
		groups:        make(map[string]struct{}),
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.WithValue(ctx, sessionKey{}, s))
	s.writeCtx, s.writeCancel = context.WithCancel(context.WithoutCancel(ctx))
	return s
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Hub() *Hub                { return s.hub }
func (s *Session) Context() context.Context { return s.ctx }

// RequestHeader 连接建立时客户端携带的请求头
func (s *Session) RequestHeader() transport.Header { return s.conn.RequestHeader() }

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Done 在会话完全关闭后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason 会话结束原因，仅在 Done 关闭后有意义
func (s *Session) Reason() protocol.DisconnectReason {
	<-s.done
	return s.reason
}

// SetMetadata 设置会话元数据
func (s *Session) SetMetadata(key string, value any) {
	s.metadata.Store(key, value)
}

// GetMetadata 获取会话元数据
func (s *Session) GetMetadata(key string) (any, bool) {
	return s.metadata.Load(key)
}

// Latency 最近一次服务端心跳的往返时延，未启用心跳时为 0
func (s *Session) Latency() time.Duration {
	if s.heartbeat == nil {
		return 0
	}
	return s.heartbeat.Latency()
}

// Disconnect 请求服务端主动断开此会话
func (s *Session) Disconnect() {
	s.closeWith(protocol.DisconnectReason{Type: protocol.CompletedNormally})
}

// Join 加入分组，会话结束时自动离开
func (s *Session) Join(name string) (*Group, error) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	if s.groupsClosed {
		return nil, ErrSessionClosed
	}
	g, err := s.hub.groups.Join(name, s)
	if err != nil {
		return nil, err
	}
	s.groups[name] = struct{}{}
	return g, nil
}

// Leave 离开分组
func (s *Session) Leave(name string) bool {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	if _, ok := s.groups[name]; !ok {
		return false
	}
	delete(s.groups, name)
	return s.hub.groups.Leave(name, s.id)
}

// Groups 已加入的分组
func (s *Session) Groups() []string {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	return names
}

// leaveAllGroups 在关闭时调用，每个分组恰好离开一次
func (s *Session) leaveAllGroups() {
	s.groupsMu.Lock()
	s.groupsClosed = true
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	s.groups = make(map[string]struct{})
	s.groupsMu.Unlock()

	for _, name := range names {
		s.hub.groups.Leave(name, s.id)
	}
}

// abort 结束未进入 Active 的会话，OnConnecting 中加入的分组同样退出
func (s *Session) abort() {
	s.cancel()
	s.writeCancel()
	s.leaveAllGroups()
	_ = s.conn.Close()
}

// Push 非阻塞地放入发送队列，队列满时丢弃
func (s *Session) Push(data []byte) error {
	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
		metrics.FrameDropped()
		slog.Warn("outbound queue full, frame dropped", "hub", s.hub.name, "session", s.id)
		return ErrSendBufferFull
	}
}

// enqueue 阻塞地放入发送队列
func (s *Session) enqueue(ctx context.Context, data []byte) error {
	select {
	case s.outbound <- data:
		return nil
	case <-s.ctx.Done():
		return protocol.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send 向本会话的客户端推送一条广播
func (s *Session) Send(methodID int32, arg any) error {
	payload, err := s.hub.serializer.Marshal(arg)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(protocol.NewBroadcast(methodID, payload))
	if err != nil {
		return err
	}
	return s.Push(data)
}

// Invoke 调用客户端的方法并等待它的返回值。连接断开时以 protocol.ErrConnectionClosed 结束。
func (s *Session) Invoke(ctx context.Context, methodID int32, arg any, result any) error {
	payload, err := s.hub.serializer.Marshal(arg)
	if err != nil {
		return err
	}

	id := uuid.New()
	ch, err := s.results.Register(id)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(protocol.NewClientCallRequest(methodID, id, payload))
	if err != nil {
		s.results.Remove(id)
		return err
	}

	if timeout := s.hub.cfg.ClientResultTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := s.enqueue(ctx, data); err != nil {
		s.results.Remove(id)
		return err
	}

	resp, err := s.results.Wait(ctx, id, ch)
	metrics.RecordClientResult(protocol.Code(err).String())
	if err != nil {
		return err
	}
	if result != nil && len(resp) > 0 {
		return s.hub.serializer.Unmarshal(resp, result)
	}
	return nil
}

// InvokeClient 按方法名调用客户端并返回类型化的结果
func InvokeClient[R any](ctx context.Context, m Member, method string, arg any) (R, error) {
	var res R
	err := m.Invoke(ctx, protocol.MethodID(method), arg, &res)
	return res, err
}

// closeWith 记录结束原因（先到者生效）并通知 Serve 开始关闭
func (s *Session) closeWith(reason protocol.DisconnectReason) {
	s.reasonOnce.Do(func() {
		s.reason = reason
		close(s.closing)
	})
}

func (s *Session) handshake() error {
	if err := s.conn.SendHeader(transport.Header{protocol.VersionHeader: protocol.Version}); err != nil {
		return fmt.Errorf("send header: %w", err)
	}
	data, err := protocol.Encode(protocol.MarkerFrame())
	if err != nil {
		return err
	}
	if err := s.write(s.writeCtx, data); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

func (s *Session) write(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteFrame(ctx, data)
}

func (s *Session) readLoop() error {
	resetOnAny := s.hub.cfg.Heartbeat.ResetOnAnyFrame
	for {
		data, err := s.conn.ReadFrame(s.ctx)
		if err != nil {
			return err
		}
		f, err := protocol.Decode(data)
		if err != nil {
			return err
		}
		if resetOnAny && s.heartbeat != nil {
			s.heartbeat.Touch()
		}

		switch f.Kind {
		case protocol.KindRequest, protocol.KindRequestNoReply:
			select {
			case s.requests <- f:
			case <-s.ctx.Done():
				return s.ctx.Err()
			}
		case protocol.KindClientCallResponse:
			if !s.results.Resolve(f.CorrelationID, pending.Result{Payload: f.Payload}) {
				slog.Debug("client result for unknown correlation id", "session", s.id, "correlation_id", f.CorrelationID)
			}
		case protocol.KindClientCallResponseError:
			remote := &protocol.RemoteError{Status: f.Status, Detail: f.Detail, Message: f.Message}
			if !s.results.Resolve(f.CorrelationID, pending.Result{Err: remote}) {
				slog.Debug("client result error for unknown correlation id", "session", s.id, "correlation_id", f.CorrelationID)
			}
		case protocol.KindHeartbeatAck:
			if s.heartbeat != nil {
				s.heartbeat.Ack(f.Sequence)
			}
		case protocol.KindHeartbeatProbe:
			ack, err := protocol.Encode(protocol.NewHeartbeatAck(f))
			if err != nil {
				return err
			}
			_ = s.Push(ack)
		default:
			return fmt.Errorf("%w: %v from client", protocol.ErrUnexpectedKind, f.Kind)
		}
	}
}

func (s *Session) processLoop() {
	defer close(s.processorDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.requests:
			s.process(f)
		}
	}
}

func (s *Session) process(f protocol.Frame) {
	expectReply := f.Kind == protocol.KindRequest
	h, ok := s.hub.handlers.Lookup(f.MethodID)
	if !ok {
		metrics.RecordUnknownMethod(s.hub.name)
		slog.Warn("hub method not found", "hub", s.hub.name, "method_id", f.MethodID, "session", s.id)
		if expectReply {
			detail := fmt.Sprintf("Method '%d' is not found in hub '%s'.", f.MethodID, s.hub.name)
			s.reply(protocol.NewResponseError(f.MessageID, codes.Unimplemented, detail, ""))
		}
		return
	}

	start := time.Now()
	result, err := s.invokeHandler(h, f.Payload)
	metrics.RecordMethod(s.hub.name, h.Name, time.Since(start))

	if err == nil {
		if expectReply {
			s.reply(protocol.NewResponse(f.MessageID, f.MethodID, result))
		}
		return
	}

	var se *protocol.StatusError
	if errors.As(err, &se) {
		metrics.RecordMethodError(s.hub.name, h.Name, se.Code.String())
		if expectReply {
			s.reply(protocol.NewResponseError(f.MessageID, se.Code, se.Detail, ""))
		}
		return
	}

	metrics.RecordMethodError(s.hub.name, h.Name, codes.Internal.String())
	slog.Error("hub method failed", "hub", s.hub.name, "method", h.Name, "session", s.id, "error", err)
	if expectReply {
		detail := fmt.Sprintf("An error occurred while processing handler '%s'.", h.Name)
		message := ""
		if s.hub.cfg.ReturnErrorDetail {
			message = err.Error()
		}
		s.reply(protocol.NewResponseError(f.MessageID, codes.Internal, detail, message))
	}
}

func (s *Session) invokeHandler(h Handler, payload []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", h.Name, r, debug.Stack())
		}
	}()
	return h.Fn(s.ctx, s, payload)
}

func (s *Session) reply(f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		slog.Error("failed to encode response", "hub", s.hub.name, "session", s.id, "error", err)
		return
	}
	if err := s.enqueue(s.ctx, data); err != nil {
		slog.Debug("response dropped, session closing", "hub", s.hub.name, "session", s.id, "message_id", f.MessageID)
	}
}

func (s *Session) decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	return s.hub.serializer.Unmarshal(payload, v)
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case data := <-s.outbound:
			if err := s.write(s.writeCtx, data); err != nil {
				slog.Info("write failed", "hub", s.hub.name, "session", s.id, "error", err)
				s.closeWith(protocol.DisconnectReason{Type: protocol.Faulted, Err: err})
				return
			}
		case <-s.stopWriter:
			s.flush()
			return
		}
	}
}

// flush 写出关闭前已经排队的帧
func (s *Session) flush() {
	for {
		select {
		case data := <-s.outbound:
			if err := s.write(s.writeCtx, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// teardown 只执行一次：停止处理、运行断开回调、离开分组、注销心跳、使未完成调用失败、关闭发送方向
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.setState(StateDraining)
		s.cancel()

		select {
		case <-s.processorDone:
		case <-time.After(s.hub.cfg.ProcessorStopTimeout):
			slog.Warn("request processor did not stop in time", "hub", s.hub.name, "session", s.id)
		}

		s.hub.runOnDisconnected(s, s.reason)
		s.leaveAllGroups()
		s.hub.heartbeat.Unregister(s.heartbeat)
		if n := s.results.FaultAll(protocol.ErrConnectionClosed); n > 0 {
			slog.Debug("pending client results canceled", "session", s.id, "count", n)
		}

		close(s.stopWriter)
		select {
		case <-s.writerDone:
		case <-time.After(s.hub.cfg.ProcessorStopTimeout):
		}
		s.writeCancel()
		if err := s.conn.CloseSend(); err != nil {
			slog.Debug("close send failed", "session", s.id, "error", err)
		}
		_ = s.conn.Close()

		s.hub.unregister(s)
		s.setState(StateClosed)
		close(s.done)
		slog.Info("session closed", "hub", s.hub.name, "session", s.id, "reason", s.reason.Type.String())
	})
}

func reasonFromReadError(err error) protocol.DisconnectReason {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return protocol.DisconnectReason{Type: protocol.CompletedNormally}
	}
	return protocol.DisconnectReason{Type: protocol.Faulted, Err: err}
}
