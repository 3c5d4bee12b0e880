// Package grpcstream 通过 gRPC 双向流承载 hub 会话。
// 每个 gRPC 消息即一帧原始字节，握手头通过 gRPC 元数据交换。
package grpcstream

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/chenxilol/streamhub/pkg/transport"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

const (
	ServiceName = "streamhub.StreamingHub"
	connectPath = "/" + ServiceName + "/Connect"
	codecName   = "streamhub-raw"
)

// Handler 处理一条新建立的 hub 流，返回时流结束
type Handler interface {
	ServeStream(ctx context.Context, conn transport.ServerConn) error
}

// HandlerFunc 函数形式的 Handler
type HandlerFunc func(ctx context.Context, conn transport.ServerConn) error

func (f HandlerFunc) ServeStream(ctx context.Context, conn transport.ServerConn) error {
	return f(ctx, conn)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "streamhub.proto",
}

// Register 在 gRPC 服务器上注册 hub 服务
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(Handler).ServeStream(stream.Context(), newServerConn(stream))
}

// rawFrame 是 rawCodec 唯一接受的消息类型
type rawFrame struct {
	data []byte
}

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("streamhub codec: unexpected message type %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("streamhub codec: unexpected message type %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// ServerConn 服务端流。gRPC 服务端无法半关闭，CloseSend 与 Close 在处理函数返回时生效。
type ServerConn struct {
	stream  grpc.ServerStream
	request transport.Header

	headerMu   sync.Mutex
	headerSent bool
}

func newServerConn(stream grpc.ServerStream) *ServerConn {
	request := transport.Header{}
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		for key, values := range md {
			if len(values) > 0 {
				request[key] = values[0]
			}
		}
	}
	return &ServerConn{stream: stream, request: request}
}

func (s *ServerConn) RequestHeader() transport.Header { return s.request }

func (s *ServerConn) SendHeader(h transport.Header) error {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	if s.headerSent {
		return transport.ErrHeaderAlreadySent
	}
	if err := s.stream.SendHeader(metadata.New(h)); err != nil {
		return err
	}
	s.headerSent = true
	return nil
}

func (s *ServerConn) ReadFrame(ctx context.Context) ([]byte, error) {
	var f rawFrame
	if err := s.stream.RecvMsg(&f); err != nil {
		return nil, err
	}
	return f.data, nil
}

func (s *ServerConn) WriteFrame(ctx context.Context, data []byte) error {
	return s.stream.SendMsg(&rawFrame{data: data})
}

func (s *ServerConn) CloseSend() error { return nil }
func (s *ServerConn) Close() error     { return nil }

// ClientConn 客户端流
type ClientConn struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	owned  *grpc.ClientConn

	sendMu sync.Mutex

	headerMu sync.Mutex
	header   transport.Header
}

// Dial 建立到 target 的非加密 gRPC 连接并打开一条 hub 流
func Dial(ctx context.Context, target string, header transport.Header, opts ...grpc.DialOption) (*ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", target, err)
	}
	conn, err := Open(ctx, cc, header)
	if err != nil {
		cc.Close()
		return nil, err
	}
	conn.owned = cc
	return conn, nil
}

// Open 在已有的 gRPC 连接上打开一条 hub 流。流的生命周期不受 ctx 的截止时间约束。
func Open(ctx context.Context, cc grpc.ClientConnInterface, header transport.Header) (*ClientConn, error) {
	md := metadata.New(header)
	streamCtx, cancel := context.WithCancel(metadata.NewOutgoingContext(context.WithoutCancel(ctx), md))

	type result struct {
		stream grpc.ClientStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], connectPath, grpc.CallContentSubtype(codecName))
		done <- result{stream, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			cancel()
			return nil, fmt.Errorf("open hub stream: %w", r.err)
		}
		return &ClientConn{stream: r.stream, cancel: cancel}, nil
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

func (c *ClientConn) ResponseHeader(ctx context.Context) (transport.Header, error) {
	c.headerMu.Lock()
	defer c.headerMu.Unlock()
	if c.header != nil {
		return c.header, nil
	}

	md, err := c.stream.Header()
	if err != nil {
		return nil, err
	}
	if md == nil {
		return nil, transport.ErrHeaderNotSent
	}
	h := transport.Header{}
	for key, values := range md {
		if len(values) > 0 {
			h[key] = values[0]
		}
	}
	c.header = h
	return h, nil
}

func (c *ClientConn) ReadFrame(ctx context.Context) ([]byte, error) {
	var f rawFrame
	if err := c.stream.RecvMsg(&f); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return f.data, nil
}

func (c *ClientConn) WriteFrame(ctx context.Context, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(&rawFrame{data: data})
}

func (c *ClientConn) CloseSend() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.CloseSend()
}

func (c *ClientConn) Close() error {
	c.cancel()
	if c.owned != nil {
		return c.owned.Close()
	}
	return nil
}

var (
	_ transport.ServerConn = (*ServerConn)(nil)
	_ transport.ClientConn = (*ClientConn)(nil)
)
