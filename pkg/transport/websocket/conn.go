package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chenxilol/streamhub/pkg/transport"

	"github.com/gorilla/websocket"
)

// WSConn 是 gorilla 连接上本包使用的方法集合，便于测试替换
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	WriteControl(int, []byte, time.Time) error
	SetReadLimit(int64)
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	Close() error
}

var _ WSConn = (*websocket.Conn)(nil)

type conn struct {
	ws  WSConn
	cfg Config

	closeOnce sync.Once
}

func newConn(ws WSConn, cfg Config) *conn {
	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}
	return &conn{ws: ws, cfg: cfg}
}

// readMessage 读取下一条消息，正常关闭映射为 io.EOF
func (c *conn) readMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if c.cfg.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		if IsNormalCloseError(err) {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	return msgType, data, nil
}

func (c *conn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.readMessage(ctx)
		if err != nil {
			return nil, err
		}
		if msgType != websocket.BinaryMessage {
			slog.Warn("ignoring non-binary websocket message", "type", msgType)
			continue
		}
		return data, nil
	}
}

func (c *conn) WriteFrame(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.setWriteDeadline(ctx)
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *conn) setWriteDeadline(ctx context.Context) {
	deadline := time.Time{}
	if c.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
}

// CloseSend 发送正常关闭控制帧，对端读到 io.EOF
func (c *conn) CloseSend() error {
	err := c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}

// IsNormalCloseError 判断错误是否为正常的关闭
func IsNormalCloseError(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}

// ServerConn 服务端 WebSocket 连接
type ServerConn struct {
	*conn
	request transport.Header

	headerMu   sync.Mutex
	headerSent bool
}

// Accept 升级 HTTP 请求并返回服务端连接
func Accept(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, cfg Config) (*ServerConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewServerConn(ws, requestHeader(r), cfg), nil
}

// NewServerConn 包装一个已经升级的连接
func NewServerConn(ws WSConn, request transport.Header, cfg Config) *ServerConn {
	return &ServerConn{conn: newConn(ws, cfg), request: request}
}

func (s *ServerConn) RequestHeader() transport.Header { return s.request }

func (s *ServerConn) SendHeader(h transport.Header) error {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	if s.headerSent {
		return transport.ErrHeaderAlreadySent
	}

	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	s.setWriteDeadline(context.Background())
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.headerSent = true
	return nil
}

// requestHeader 将 HTTP 请求头与查询参数转换为握手头，键统一为小写
func requestHeader(r *http.Request) transport.Header {
	h := make(transport.Header, len(r.Header))
	for key, values := range r.Header {
		if len(values) > 0 {
			h[strings.ToLower(key)] = values[0]
		}
	}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			if _, exists := h[key]; !exists {
				h[key] = values[0]
			}
		}
	}
	return h
}

// ClientConn 客户端 WebSocket 连接
type ClientConn struct {
	*conn

	headerMu sync.Mutex
	header   transport.Header
}

// Dial 连接到 hub 的 WebSocket 端点
func Dial(ctx context.Context, url string, header transport.Header, cfg Config) (*ClientConn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	httpHeader := http.Header{}
	for k, v := range header {
		httpHeader.Set(k, v)
	}

	ws, resp, err := dialer.DialContext(ctx, url, httpHeader)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return NewClientConn(ws, cfg), nil
}

// NewClientConn 包装一个已经建立的客户端连接
func NewClientConn(ws WSConn, cfg Config) *ClientConn {
	return &ClientConn{conn: newConn(ws, cfg)}
}

func (c *ClientConn) ResponseHeader(ctx context.Context) (transport.Header, error) {
	c.headerMu.Lock()
	defer c.headerMu.Unlock()
	if c.header != nil {
		return c.header, nil
	}

	msgType, data, err := c.readMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, transport.ErrHeaderNotSent
		}
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: first message is not a header", transport.ErrHeaderNotSent)
	}

	h := transport.Header{}
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode response header: %w", err)
	}
	c.header = h
	return h, nil
}

var (
	_ transport.ServerConn = (*ServerConn)(nil)
	_ transport.ClientConn = (*ClientConn)(nil)
)
