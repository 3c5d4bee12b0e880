// Package client 连接 hub 的客户端会话
package client

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

	"github.com/chenxilol/streamhub/internal/pending"
	"github.com/chenxilol/streamhub/pkg/protocol"
	"github.com/chenxilol/streamhub/pkg/serializer"
	"github.com/chenxilol/streamhub/pkg/transport"

	"google.golang.org/grpc/codes"
)

// Client 一条到 hub 的连接
type Client struct {
	conn       transport.ClientConn
	receivers  *ReceiverTable
	cfg        Config
	serializer serializer.Serializer

	onHeartbeatAck    func(rtt time.Duration)
	onServerHeartbeat func(metadata []byte)

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	nextID  atomic.Int32
	pending *pending.Table[int32]
	hb      *heartbeat

	// 广播在独立 goroutine 中按到达顺序执行，接收器内可以再调用服务端
	broadcasts chan protocol.Frame

	finishOnce sync.Once
	reason     protocol.DisconnectReason
	done       chan struct{}
}

// Connect 完成握手并启动接收循环。握手失败时关闭连接。
func Connect(ctx context.Context, conn transport.ClientConn, receivers *ReceiverTable, opts ...Option) (*Client, error) {
	c := &Client{
		conn:      conn,
		receivers: receivers,
		cfg:       DefaultConfig(),
		pending:   pending.New[int32](),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.serializer == nil {
		c.serializer = serializer.Default()
	}
	if c.cfg.BroadcastQueueCap <= 0 {
		c.cfg.BroadcastQueueCap = DefaultConfig().BroadcastQueueCap
	}
	c.broadcasts = make(chan protocol.Frame, c.cfg.BroadcastQueueCap)

	if err := c.handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if c.cfg.Heartbeat.Enabled {
		c.hb = newHeartbeat(c, c.cfg.Heartbeat)
		go c.hb.run(c.ctx)
	}
	go c.broadcastLoop()
	go c.receiveLoop()

	slog.Debug("client connected", "serializer", c.serializer.Name())
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	header, err := c.conn.ResponseHeader(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrHandshakeFailed, err)
	}
	if v := header.Get(protocol.VersionHeader); v != protocol.Version {
		return fmt.Errorf("%w: server %q, client %q", protocol.ErrProtocolVersionMismatch, v, protocol.Version)
	}

	data, err := c.conn.ReadFrame(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", protocol.ErrHandshakeFailed, protocol.ErrMarkerNotReceived, err)
	}
	f, err := protocol.Decode(data)
	if err != nil || !f.IsMarker() {
		return fmt.Errorf("%w: %w", protocol.ErrHandshakeFailed, protocol.ErrMarkerNotReceived)
	}
	return nil
}

// Done 连接结束后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

// WaitForDisconnect 等待连接结束并返回原因
func (c *Client) WaitForDisconnect(ctx context.Context) (protocol.DisconnectReason, error) {
	select {
	case <-c.done:
		return c.reason, nil
	case <-ctx.Done():
		return protocol.DisconnectReason{}, ctx.Err()
	}
}

// Send 调用服务端方法，不等待结果
func (c *Client) Send(ctx context.Context, method string, arg any) error {
	if c.disconnected() {
		return ErrDisconnected
	}
	payload, err := c.serializer.Marshal(arg)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, protocol.NewRequestNoReply(protocol.MethodID(method), payload))
}

// Invoke 调用服务端方法并把结果解码到 result（可为 nil）
func (c *Client) Invoke(ctx context.Context, method string, arg any, result any) error {
	if c.disconnected() {
		return ErrDisconnected
	}
	payload, err := c.serializer.Marshal(arg)
	if err != nil {
		return err
	}

	id := c.nextID.Add(1)
	ch, err := c.pending.Register(id)
	if err != nil {
		return ErrDisconnected
	}
	if err := c.writeFrame(ctx, protocol.NewRequest(id, protocol.MethodID(method), payload)); err != nil {
		c.pending.Remove(id)
		return err
	}

	resp, err := c.pending.Wait(ctx, id, ch)
	if err != nil {
		return err
	}
	if result != nil && len(resp) > 0 {
		return c.serializer.Unmarshal(resp, result)
	}
	return nil
}

// Call 调用服务端方法并返回类型化的结果
func Call[R any](ctx context.Context, c *Client, method string, arg any) (R, error) {
	var res R
	err := c.Invoke(ctx, method, arg, &res)
	return res, err
}

// Close 关闭发送方向并等待服务端结束会话，ctx 结束时强制关闭
func (c *Client) Close(ctx context.Context) error {
	c.writeMu.Lock()
	err := c.conn.CloseSend()
	c.writeMu.Unlock()
	if err != nil {
		slog.Debug("close send failed", "error", err)
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		c.finish(protocol.DisconnectReason{Type: protocol.CompletedNormally})
	}
	return nil
}

func (c *Client) disconnected() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) writeFrame(ctx context.Context, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.disconnected() {
		return ErrDisconnected
	}
	return c.conn.WriteFrame(ctx, data)
}

func (c *Client) decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	return c.serializer.Unmarshal(payload, v)
}

func (c *Client) receiveLoop() {
	for {
		data, err := c.conn.ReadFrame(c.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || c.ctx.Err() != nil {
				c.finish(protocol.DisconnectReason{Type: protocol.CompletedNormally})
			} else {
				c.finish(protocol.DisconnectReason{Type: protocol.Faulted, Err: err})
			}
			return
		}
		f, err := protocol.Decode(data)
		if err == nil {
			err = c.dispatch(f)
		}
		if err != nil {
			slog.Warn("client protocol error", "error", err)
			c.finish(protocol.DisconnectReason{Type: protocol.Faulted, Err: err})
			return
		}
	}
}

func (c *Client) dispatch(f protocol.Frame) error {
	switch f.Kind {
	case protocol.KindBroadcast:
		select {
		case c.broadcasts <- f:
		case <-c.ctx.Done():
		}
	case protocol.KindResponse:
		if f.IsMarker() {
			return nil
		}
		c.pending.Resolve(f.MessageID, pending.Result{Payload: f.Payload})
	case protocol.KindResponseError:
		c.pending.Resolve(f.MessageID, pending.Result{Err: &protocol.RemoteError{Status: f.Status, Detail: f.Detail, Message: f.Message}})
	case protocol.KindClientCallRequest:
		go c.answerClientCall(f)
	case protocol.KindHeartbeatProbe:
		if c.onServerHeartbeat != nil {
			c.onServerHeartbeat(f.Payload)
		}
		return c.writeFrame(c.ctx, protocol.NewHeartbeatAck(f))
	case protocol.KindHeartbeatAck:
		if c.hb != nil {
			c.hb.ack(f.Sequence)
		}
	default:
		return fmt.Errorf("%w: %v from server", protocol.ErrUnexpectedKind, f.Kind)
	}
	return nil
}

func (c *Client) broadcastLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.broadcasts:
			r, ok := c.receivers.Lookup(f.MethodID)
			if !ok {
				slog.Warn("no receiver for broadcast", "method_id", f.MethodID)
				continue
			}
			if _, err := c.runReceiver(r, f.Payload); err != nil {
				slog.Error("receiver failed", "method", r.Name, "error", err)
			}
		}
	}
}

// answerClientCall 无论结果如何都回复，服务端的等待方不会悬挂
func (c *Client) answerClientCall(f protocol.Frame) {
	var reply protocol.Frame
	r, ok := c.receivers.Lookup(f.MethodID)
	if !ok {
		detail := fmt.Sprintf("Method '%d' has no receiver on the client.", f.MethodID)
		reply = protocol.NewClientCallResponseError(f.CorrelationID, f.MethodID, codes.Unimplemented, detail, "")
	} else if result, err := c.runReceiver(r, f.Payload); err != nil {
		var se *protocol.StatusError
		if errors.As(err, &se) {
			reply = protocol.NewClientCallResponseError(f.CorrelationID, f.MethodID, se.Code, se.Detail, "")
		} else {
			detail := fmt.Sprintf("An error occurred while processing receiver '%s'.", r.Name)
			reply = protocol.NewClientCallResponseError(f.CorrelationID, f.MethodID, codes.Internal, detail, err.Error())
		}
	} else {
		reply = protocol.NewClientCallResponse(f.CorrelationID, f.MethodID, result)
	}

	if err := c.writeFrame(c.ctx, reply); err != nil {
		slog.Debug("failed to send client result", "correlation_id", f.CorrelationID, "error", err)
	}
}

func (c *Client) runReceiver(r Receiver, payload []byte) (result []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in receiver %s: %v\n%s", r.Name, p, debug.Stack())
		}
	}()
	return r.Fn(c.ctx, c, payload)
}

// finish 只执行一次
func (c *Client) finish(reason protocol.DisconnectReason) {
	c.finishOnce.Do(func() {
		c.reason = reason
		c.cancel()
		if c.hb != nil {
			c.hb.stop()
		}
		c.pending.FaultAll(protocol.ErrConnectionClosed)

		// Close 同时结束发送方向，并唤醒阻塞在写入上的调用方
		_ = c.conn.Close()
		close(c.done)

		slog.Info("client disconnected", "reason", reason.String())
	})
}
