// Package redis 提供基于Redis Pub/Sub的消息总线实现
package redis

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chenxilol/streamhub/pkg/bus"

	"github.com/redis/go-redis/v9"
)

// Config Redis连接配置选项
type Config struct {
	// 连接地址 (单机模式、集群模式或哨兵模式)
	Addrs    []string `mapstructure:"addrs" json:"addrs"`
	Password string   `mapstructure:"password" json:"password"`
	// 数据库编号 (仅单机模式和哨兵模式有效)
	DB           int           `mapstructure:"db" json:"db"`
	MasterName   string        `mapstructure:"master_name" json:"master_name"`
	PoolSize     int           `mapstructure:"pool_size" json:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" json:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	// 订阅断开后重新订阅的间隔
	RetryInterval time.Duration `mapstructure:"retry_interval" json:"retry_interval"`
	MaxRetries    int           `mapstructure:"max_retries" json:"max_retries"`
	// 发布超时
	OpTimeout time.Duration `mapstructure:"op_timeout" json:"op_timeout"`
	KeyPrefix string        `mapstructure:"key_prefix" json:"key_prefix"`
	// 模式: single(单机), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode" json:"mode"`
}

func DefaultConfig() Config {
	return Config{
		Addrs:         []string{"localhost:6379"},
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		RetryInterval: 200 * time.Millisecond,
		MaxRetries:    3,
		OpTimeout:     500 * time.Millisecond,
		KeyPrefix:     "streamhub:",
		Mode:          "single",
	}
}

type RedisBus struct {
	client redis.UniversalClient // 兼容单机、哨兵和集群模式
	cfg    Config
	mu     sync.RWMutex
	closed bool
	subs   map[string]context.CancelFunc // 活跃订阅的取消函数
	stats  *bus.Stats
}

// dialLogHook 记录拨号失败
type dialLogHook struct{}

func (dialLogHook) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.Warn("redis dial failed", "addr", addr, "error", err)
		}
		return conn, err
	}
}

func (dialLogHook) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return hook
}

func (dialLogHook) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return hook
}

func New(cfg Config) (*RedisBus, error) {
	if len(cfg.Addrs) == 0 {
		cfg.Addrs = []string{"localhost:6379"}
	}
	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
	var client redis.UniversalClient
	switch cfg.Mode {
	case "cluster":
		client = redis.NewClusterClient(opts.Cluster())
	case "sentinel":
		opts.MasterName = cfg.MasterName
		client = redis.NewUniversalClient(opts)
	default:
		client = redis.NewUniversalClient(opts)
	}
	rb := &RedisBus{
		client: client,
		cfg:    cfg,
		subs:   make(map[string]context.CancelFunc),
		stats:  bus.NewStats("redis"),
	}
	client.AddHook(dialLogHook{})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		_ = client.Close()
		return nil, err
	}

	slog.Info("connected to redis", "addrs", cfg.Addrs, "mode", cfg.Mode)
	return rb, nil
}

func (r *RedisBus) formatKey(topic string) string {
	return r.cfg.KeyPrefix + topic
}

// GetReconnectCount 获取重新订阅次数
func (r *RedisBus) GetReconnectCount() uint64 {
	return r.stats.Reconnects()
}

// Close 取消所有订阅并关闭连接
func (r *RedisBus) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for topic, cancel := range r.subs {
		cancel()
		delete(r.subs, topic)
	}
	return r.client.Close()
}

var _ bus.MessageBus = (*RedisBus)(nil)
