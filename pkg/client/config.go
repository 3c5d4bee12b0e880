package client

import (
	"time"

	"github.com/chenxilol/streamhub/pkg/serializer"
)

// HeartbeatConfig 客户端主动心跳配置
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled" json:"enabled"`
	Interval time.Duration `mapstructure:"interval" json:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" json:"timeout"`
}

type Config struct {
	// HandshakeTimeout 等待响应头和标记帧的最长时间
	HandshakeTimeout  time.Duration   `mapstructure:"handshake_timeout" json:"handshake_timeout"`
	// BroadcastQueueCap 待处理广播的缓冲，满时接收循环等待
	BroadcastQueueCap int             `mapstructure:"broadcast_queue_cap" json:"broadcast_queue_cap"`
	Heartbeat         HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat"`
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		BroadcastQueueCap: 256,
		Heartbeat: HeartbeatConfig{
			Enabled:  false,
			Interval: 15 * time.Second,
			Timeout:  5 * time.Second,
		},
	}
}

type Option func(*Client)

func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

func WithSerializer(s serializer.Serializer) Option {
	return func(c *Client) { c.serializer = s }
}

// OnHeartbeatAck 客户端心跳得到确认时回调往返时延
func OnHeartbeatAck(fn func(rtt time.Duration)) Option {
	return func(c *Client) { c.onHeartbeatAck = fn }
}

// OnServerHeartbeat 收到服务端探测时回调其附带的数据
func OnServerHeartbeat(fn func(metadata []byte)) Option {
	return func(c *Client) { c.onServerHeartbeat = fn }
}
