package protocol

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// 定义错误类型
var (
	ErrUnknownKind             = errors.New("protocol: unknown frame kind")
	ErrMalformedFrame          = errors.New("protocol: malformed frame")
	ErrUnexpectedKind          = errors.New("protocol: unexpected frame kind")
	ErrHeartbeatTimeout        = errors.New("protocol: heartbeat timed out")
	ErrHandshakeFailed         = errors.New("protocol: handshake failed")
	ErrProtocolVersionMismatch = errors.New("protocol: version mismatch")
	ErrMarkerNotReceived       = errors.New("protocol: connection marker not received")

	// ErrConnectionClosed 连接关闭时所有未完成的调用都以此错误结束，可用 errors.Is(err, context.Canceled) 判断
	ErrConnectionClosed = fmt.Errorf("connection closed: %w", context.Canceled)
)

// StatusError 由处理函数返回，表示需要原样回传给对端的状态
type StatusError struct {
	Code   codes.Code
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %s: %s", e.Code, e.Detail)
}

// ReturnStatus 构造一个显式状态错误，处理函数返回它时对端收到的状态与详情保持不变
func ReturnStatus(code codes.Code, detail string) error {
	return &StatusError{Code: code, Detail: detail}
}

// RemoteError 是调用方观察到的远端失败
type RemoteError struct {
	Status  codes.Code
	Detail  string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote error %s: %s (%s)", e.Status, e.Detail, e.Message)
	}
	return fmt.Sprintf("remote error %s: %s", e.Status, e.Detail)
}

// Code 返回错误对应的状态码，无法识别的错误归为 Unknown
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Unknown
}
