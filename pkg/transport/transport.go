// Package transport 定义承载 hub 会话的有序双工流
package transport

import (
	"context"
	"errors"
)

var (
	// ErrHeaderNotSent 对端在发送响应头之前结束了流
	ErrHeaderNotSent = errors.New("transport: response header not sent")
	// ErrHeaderAlreadySent 响应头只能发送一次
	ErrHeaderAlreadySent = errors.New("transport: header already sent")
)

// Header 握手时交换的键值对
type Header map[string]string

func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Conn 有序、可靠的双工帧流
type Conn interface {
	// ReadFrame 读取下一帧；对端正常结束发送时返回 io.EOF
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame 写出一帧
	WriteFrame(ctx context.Context, data []byte) error
	// CloseSend 结束本端的发送方向
	CloseSend() error
	Close() error
}

// ServerConn 服务端视角的连接
type ServerConn interface {
	Conn
	// RequestHeader 客户端建立连接时携带的请求头
	RequestHeader() Header
	// SendHeader 发送响应头，必须在第一帧之前调用
	SendHeader(Header) error
}

// ClientConn 客户端视角的连接
type ClientConn interface {
	Conn
	// ResponseHeader 等待并返回服务端的响应头
	ResponseHeader(ctx context.Context) (Header, error)
}
