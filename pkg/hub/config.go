package hub

import "time"

// HeartbeatConfig 服务端心跳配置
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled" json:"enabled"`
	Interval time.Duration `mapstructure:"interval" json:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" json:"timeout"`
	// ResetOnAnyFrame 为 true 时任意入站帧都视为存活信号，否则只认心跳确认
	ResetOnAnyFrame bool `mapstructure:"reset_on_any_frame" json:"reset_on_any_frame"`
}

// Config hub 会话配置
type Config struct {
	RequestQueueCap  int `mapstructure:"request_queue_cap" json:"request_queue_cap"`   // 请求队列容量，满时阻塞读取
	OutboundQueueCap int `mapstructure:"outbound_queue_cap" json:"outbound_queue_cap"` // 发送队列容量
	// ReturnErrorDetail 为 true 时把处理函数的错误信息返回给客户端
	ReturnErrorDetail       bool            `mapstructure:"return_error_detail" json:"return_error_detail"`
	ProcessorStopTimeout    time.Duration   `mapstructure:"processor_stop_timeout" json:"processor_stop_timeout"`
	ClientResultTimeout     time.Duration   `mapstructure:"client_result_timeout" json:"client_result_timeout"`
	Heartbeat               HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat"`
	BackplanePublishTimeout time.Duration   `mapstructure:"backplane_publish_timeout" json:"backplane_publish_timeout"`
}

func DefaultConfig() Config {
	return Config{
		RequestQueueCap:      10,
		OutboundQueueCap:     256,
		ReturnErrorDetail:    false,
		ProcessorStopTimeout: time.Second,
		ClientResultTimeout:  0, // 0 表示只受调用方 ctx 约束
		Heartbeat: HeartbeatConfig{
			Enabled:  false,
			Interval: 15 * time.Second,
			Timeout:  5 * time.Second,
		},
		BackplanePublishTimeout: time.Second,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.RequestQueueCap <= 0 {
		c.RequestQueueCap = d.RequestQueueCap
	}
	if c.OutboundQueueCap <= 0 {
		c.OutboundQueueCap = d.OutboundQueueCap
	}
	if c.ProcessorStopTimeout <= 0 {
		c.ProcessorStopTimeout = d.ProcessorStopTimeout
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = d.Heartbeat.Interval
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = d.Heartbeat.Timeout
	}
	if c.BackplanePublishTimeout <= 0 {
		c.BackplanePublishTimeout = d.BackplanePublishTimeout
	}
}
