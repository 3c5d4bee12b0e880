package protocol

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// 每种帧在线路上都是一个 CBOR 数组，第0个元素为 Kind
type (
	wireRequest struct {
		_         struct{} `cbor:",toarray"`
		Kind      Kind
		MessageID int32
		MethodID  int32
		Payload   []byte
	}
	wireRequestNoReply struct {
		_        struct{} `cbor:",toarray"`
		Kind     Kind
		MethodID int32
		Payload  []byte
	}
	wireResponseError struct {
		_         struct{} `cbor:",toarray"`
		Kind      Kind
		MessageID int32
		Status    uint32
		Detail    string
		Message   string
	}
	wireClientCall struct {
		_             struct{} `cbor:",toarray"`
		Kind          Kind
		MethodID      int32
		CorrelationID []byte
		Payload       []byte
	}
	wireClientCallError struct {
		_             struct{} `cbor:",toarray"`
		Kind          Kind
		CorrelationID []byte
		MethodID      int32
		Status        uint32
		Detail        string
		Message       string
	}
	wireHeartbeat struct {
		_        struct{} `cbor:",toarray"`
		Kind     Kind
		Sequence uint32
		SentAt   int64
		Payload  []byte
	}
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Encode 将帧编码为一个完整的线路消息
func Encode(f Frame) ([]byte, error) {
	var v any
	switch f.Kind {
	case KindRequest, KindResponse:
		v = wireRequest{Kind: f.Kind, MessageID: f.MessageID, MethodID: f.MethodID, Payload: f.Payload}
	case KindRequestNoReply, KindBroadcast:
		v = wireRequestNoReply{Kind: f.Kind, MethodID: f.MethodID, Payload: f.Payload}
	case KindResponseError:
		v = wireResponseError{Kind: f.Kind, MessageID: f.MessageID, Status: uint32(f.Status), Detail: f.Detail, Message: f.Message}
	case KindClientCallRequest, KindClientCallResponse:
		v = wireClientCall{Kind: f.Kind, MethodID: f.MethodID, CorrelationID: f.CorrelationID[:], Payload: f.Payload}
	case KindClientCallResponseError:
		v = wireClientCallError{
			Kind:          f.Kind,
			CorrelationID: f.CorrelationID[:],
			MethodID:      f.MethodID,
			Status:        uint32(f.Status),
			Detail:        f.Detail,
			Message:       f.Message,
		}
	case KindHeartbeatProbe, KindHeartbeatAck:
		v = wireHeartbeat{Kind: f.Kind, Sequence: f.Sequence, SentAt: f.SentAt, Payload: f.Payload}
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownKind, f.Kind)
	}
	return encMode.Marshal(v)
}

// Decode 解析一个线路消息。未知类型和结构错误对会话是致命的。
func Decode(data []byte) (Frame, error) {
	var head []cbor.RawMessage
	if err := decMode.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(head) == 0 {
		return Frame{}, fmt.Errorf("%w: empty array", ErrMalformedFrame)
	}
	var kind Kind
	if err := decMode.Unmarshal(head[0], &kind); err != nil {
		return Frame{}, fmt.Errorf("%w: kind: %v", ErrMalformedFrame, err)
	}

	switch kind {
	case KindRequest, KindResponse:
		var w wireRequest
		if err := unmarshalWire(data, &w); err != nil {
			return Frame{}, err
		}
		return Frame{Kind: kind, MessageID: w.MessageID, MethodID: w.MethodID, Payload: w.Payload}, nil
	case KindRequestNoReply, KindBroadcast:
		var w wireRequestNoReply
		if err := unmarshalWire(data, &w); err != nil {
			return Frame{}, err
		}
		return Frame{Kind: kind, MethodID: w.MethodID, Payload: w.Payload}, nil
	case KindResponseError:
		var w wireResponseError
		if err := unmarshalWire(data, &w); err != nil {
			return Frame{}, err
		}
		return NewResponseError(w.MessageID, codes.Code(w.Status), w.Detail, w.Message), nil
	case KindClientCallRequest, KindClientCallResponse:
		var w wireClientCall
		if err := unmarshalWire(data, &w); err != nil {
			return Frame{}, err
		}
		id, err := uuid.FromBytes(w.CorrelationID)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: correlation id: %v", ErrMalformedFrame, err)
		}
		return Frame{Kind: kind, MethodID: w.MethodID, CorrelationID: id, Payload: w.Payload}, nil
	case KindClientCallResponseError:
		var w wireClientCallError
		if err := unmarshalWire(data, &w); err != nil {
			return Frame{}, err
		}
		id, err := uuid.FromBytes(w.CorrelationID)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: correlation id: %v", ErrMalformedFrame, err)
		}
		return NewClientCallResponseError(id, w.MethodID, codes.Code(w.Status), w.Detail, w.Message), nil
	case KindHeartbeatProbe, KindHeartbeatAck:
		var w wireHeartbeat
		if err := unmarshalWire(data, &w); err != nil {
			return Frame{}, err
		}
		return Frame{Kind: kind, Sequence: w.Sequence, SentAt: w.SentAt, Payload: w.Payload}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
}

func unmarshalWire(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
