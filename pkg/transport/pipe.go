package transport

import (
	"context"
	"io"
	"sync"
)

const pipeBufferSize = 64

type pipeStream struct {
	frames   chan []byte
	eof      chan struct{} // 写端调用了 CloseSend
	gone     chan struct{} // 读端已关闭
	eofOnce  sync.Once
	goneOnce sync.Once
}

func newPipeStream() *pipeStream {
	return &pipeStream{
		frames: make(chan []byte, pipeBufferSize),
		eof:    make(chan struct{}),
		gone:   make(chan struct{}),
	}
}

func (p *pipeStream) closeWrite() { p.eofOnce.Do(func() { close(p.eof) }) }
func (p *pipeStream) closeRead()  { p.goneOnce.Do(func() { close(p.gone) }) }

type pipeConn struct {
	in, out   *pipeStream
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *pipeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in.frames:
		return data, nil
	default:
	}

	select {
	case data := <-c.in.frames:
		return data, nil
	case <-c.in.eof:
		select {
		case data := <-c.in.frames:
			return data, nil
		default:
			return nil, io.EOF
		}
	case <-c.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) WriteFrame(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case <-c.out.eof:
		return io.ErrClosedPipe
	case <-c.out.gone:
		return io.ErrClosedPipe
	default:
	}

	select {
	case c.out.frames <- data:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	case <-c.out.gone:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) CloseSend() error {
	c.out.closeWrite()
	return nil
}

// Close 同时结束发送方向，对端读到 io.EOF
func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() {
		c.out.closeWrite()
		c.in.closeRead()
		close(c.closed)
	})
	return nil
}

type pipeHeader struct {
	ch   chan Header
	once sync.Once
}

// PipeServer 内存管道的服务端
type PipeServer struct {
	pipeConn
	request Header
	header  *pipeHeader
}

func (s *PipeServer) RequestHeader() Header { return s.request }

func (s *PipeServer) SendHeader(h Header) error {
	err := ErrHeaderAlreadySent
	s.header.once.Do(func() {
		s.header.ch <- h
		err = nil
	})
	return err
}

// PipeClient 内存管道的客户端
type PipeClient struct {
	pipeConn
	header *pipeHeader

	mu       sync.Mutex
	received Header
}

func (c *PipeClient) ResponseHeader(ctx context.Context) (Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.received != nil {
		return c.received, nil
	}

	select {
	case h := <-c.header.ch:
		return c.keep(h), nil
	default:
	}

	select {
	case h := <-c.header.ch:
		return c.keep(h), nil
	case <-c.in.eof:
		return nil, ErrHeaderNotSent
	case <-c.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pipe 创建一对相连的内存连接，用于测试和进程内嵌入
func Pipe(request Header) (*PipeServer, *PipeClient) {
	c2s := newPipeStream()
	s2c := newPipeStream()
	hdr := &pipeHeader{ch: make(chan Header, 1)}

	server := &PipeServer{
		pipeConn: pipeConn{in: c2s, out: s2c, closed: make(chan struct{})},
		request:  request,
		header:   hdr,
	}
	client := &PipeClient{
		pipeConn: pipeConn{in: s2c, out: c2s, closed: make(chan struct{})},
		header:   hdr,
	}
	return server, client
}

var (
	_ ServerConn = (*PipeServer)(nil)
	_ ClientConn = (*PipeClient)(nil)
)

func (c *PipeClient) keep(h Header) Header {
	if h == nil {
		h = Header{}
	}
	c.received = h
	return h
}
