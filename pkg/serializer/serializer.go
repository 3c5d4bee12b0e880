// Package serializer 负责方法参数与返回值的序列化
package serializer

import (
	"encoding/json"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// Serializer 将任意值与负载字节相互转换
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSON 基于 encoding/json 的实现
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) Name() string                       { return "json" }

// CBOR 基于 fxamacker/cbor 的确定性编码实现
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR 创建 CBOR 序列化器
func NewCBOR() (*CBOR, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBOR{enc: em, dec: dm}, nil
}

func (c *CBOR) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c *CBOR) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
func (c *CBOR) Name() string                       { return "cbor" }

// Default 默认序列化器
func Default() Serializer {
	return JSON{}
}

// ByName 根据配置名称创建序列化器
func ByName(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return NewCBOR()
	default:
		return nil, fmt.Errorf("unsupported serializer: %s", name)
	}
}
