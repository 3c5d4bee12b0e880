// Package websocket 基于 gorilla/websocket 的 hub 传输实现。
// 握手完成后服务端先发送一条文本消息（JSON 编码的响应头），之后每个二进制消息承载一帧。
package websocket

import "time"

// Config 定义WebSocket连接的配置选项
type Config struct {
	ReadTimeout      time.Duration `mapstructure:"read_timeout" json:"read_timeout"`           // 读取超时时间，0 表示不限
	WriteTimeout     time.Duration `mapstructure:"write_timeout" json:"write_timeout"`         // 写入超时时间
	ReadBufferSize   int           `mapstructure:"read_buffer_size" json:"read_buffer_size"`   // 读取缓冲区大小
	WriteBufferSize  int           `mapstructure:"write_buffer_size" json:"write_buffer_size"` // 写入缓冲区大小
	MaxMessageSize   int64         `mapstructure:"max_message_size" json:"max_message_size"`   // 单帧最大字节数
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout"` // 拨号握手超时
}

// DefaultConfig 返回默认的WebSocket配置
func DefaultConfig() Config {
	return Config{
		ReadTimeout:      3 * time.Minute,
		WriteTimeout:     10 * time.Second,
		ReadBufferSize:   4 << 10, // 4KB
		WriteBufferSize:  4 << 10, // 4KB
		MaxMessageSize:   1 << 20, // 1MB
		HandshakeTimeout: 10 * time.Second,
	}
}
