package client

import (
	"errors"

	"github.com/chenxilol/streamhub/pkg/protocol"

	"google.golang.org/grpc/codes"
)

var (
	// ErrDisconnected 连接已结束后发起的调用
	ErrDisconnected error = &protocol.StatusError{Code: codes.Unavailable, Detail: "client disconnected"}

	ErrDuplicateReceiver = errors.New("client: duplicate receiver method id")
)
