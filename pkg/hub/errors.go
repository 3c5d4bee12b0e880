package hub

import "errors"

// 定义错误
var (
	ErrDuplicateMethodID     = errors.New("hub: duplicate method id")
	ErrUnsupportedAddressing = errors.New("hub: client result requires a single target")
	ErrGroupDisposed         = errors.New("hub: group disposed")
	ErrStoreTypeMismatch     = errors.New("hub: group store already attached with a different type")
	ErrSendBufferFull        = errors.New("hub: send buffer full")
	ErrSessionClosed         = errors.New("hub: session closed")
	ErrMemberNotFound        = errors.New("hub: member not found")
	ErrHubClosed             = errors.New("hub: closed")
)
