package bus

import (
	"encoding/json"
	"time"
)

// Envelope 总线上传输的消息，附带发布时间用于统计延迟
type Envelope struct {
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"data"`
}

// Wrap 打包待发布的数据
func Wrap(data []byte) ([]byte, error) {
	return json.Marshal(Envelope{Timestamp: time.Now(), Data: data})
}

// Unwrap 解析收到的消息
func Unwrap(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Latency 自发布以来经过的时间
func (e *Envelope) Latency() time.Duration {
	return time.Since(e.Timestamp)
}
