// Package protocol 定义 hub 会话在单条双工流上传输的帧、状态码与握手常量
package protocol

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// Kind 帧类型
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindRequestNoReply
	KindResponse
	KindResponseError
	KindBroadcast
	KindClientCallRequest
	KindClientCallResponse
	KindClientCallResponseError
	KindHeartbeatProbe
	KindHeartbeatAck
)

var kindNames = map[Kind]string{
	KindRequest:                 "Request",
	KindRequestNoReply:          "RequestNoReply",
	KindResponse:                "Response",
	KindResponseError:           "ResponseError",
	KindBroadcast:               "Broadcast",
	KindClientCallRequest:       "ClientCallRequest",
	KindClientCallResponse:      "ClientCallResponse",
	KindClientCallResponseError: "ClientCallResponseError",
	KindHeartbeatProbe:          "HeartbeatProbe",
	KindHeartbeatAck:            "HeartbeatAck",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// MarkerMessageID 连接建立后服务端发送的标记帧所使用的消息ID，客户端收到后不做关联
const MarkerMessageID int32 = -1

// Frame 是所有帧类型的并集，由 Kind 决定哪些字段有效。
// Payload 对编解码器是不透明的，由上层 Serializer 解释。
type Frame struct {
	Kind          Kind
	MessageID     int32
	MethodID      int32
	CorrelationID uuid.UUID
	Status        codes.Code
	Detail        string
	Message       string
	Payload       []byte
	Sequence      uint32
	SentAt        int64
}

// IsMarker 判断是否为连接标记帧
func (f Frame) IsMarker() bool {
	return f.Kind == KindResponse && f.MessageID == MarkerMessageID
}

// MarkerFrame 返回握手完成后服务端写出的第一帧
func MarkerFrame() Frame {
	return Frame{Kind: KindResponse, MessageID: MarkerMessageID, MethodID: 0}
}

func NewRequest(messageID, methodID int32, payload []byte) Frame {
	return Frame{Kind: KindRequest, MessageID: messageID, MethodID: methodID, Payload: payload}
}

func NewRequestNoReply(methodID int32, payload []byte) Frame {
	return Frame{Kind: KindRequestNoReply, MethodID: methodID, Payload: payload}
}

func NewResponse(messageID, methodID int32, payload []byte) Frame {
	return Frame{Kind: KindResponse, MessageID: messageID, MethodID: methodID, Payload: payload}
}

func NewResponseError(messageID int32, status codes.Code, detail, message string) Frame {
	return Frame{Kind: KindResponseError, MessageID: messageID, Status: status, Detail: detail, Message: message}
}

func NewBroadcast(methodID int32, payload []byte) Frame {
	return Frame{Kind: KindBroadcast, MethodID: methodID, Payload: payload}
}

func NewClientCallRequest(methodID int32, correlationID uuid.UUID, payload []byte) Frame {
	return Frame{Kind: KindClientCallRequest, MethodID: methodID, CorrelationID: correlationID, Payload: payload}
}

func NewClientCallResponse(correlationID uuid.UUID, methodID int32, payload []byte) Frame {
	return Frame{Kind: KindClientCallResponse, CorrelationID: correlationID, MethodID: methodID, Payload: payload}
}

func NewClientCallResponseError(correlationID uuid.UUID, methodID int32, status codes.Code, detail, message string) Frame {
	return Frame{
		Kind:          KindClientCallResponseError,
		CorrelationID: correlationID,
		MethodID:      methodID,
		Status:        status,
		Detail:        detail,
		Message:       message,
	}
}

func NewHeartbeatProbe(sequence uint32, sentAt int64, metadata []byte) Frame {
	return Frame{Kind: KindHeartbeatProbe, Sequence: sequence, SentAt: sentAt, Payload: metadata}
}

// NewHeartbeatAck 回显探测帧的序号、发送时间和负载
func NewHeartbeatAck(probe Frame) Frame {
	return Frame{Kind: KindHeartbeatAck, Sequence: probe.Sequence, SentAt: probe.SentAt, Payload: probe.Payload}
}
