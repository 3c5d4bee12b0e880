package configs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chenxilol/streamhub/pkg/bus/nats"
	"github.com/chenxilol/streamhub/pkg/bus/redis"
	"github.com/chenxilol/streamhub/pkg/hub"
	"github.com/chenxilol/streamhub/pkg/transport/websocket"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "STREAMHUB"

type Server struct {
	Addr       string           `mapstructure:"addr"`
	GRPCAddr   string           `mapstructure:"grpc_addr"`  // 为空时不启动 gRPC 监听
	Serializer string           `mapstructure:"serializer"` // json 或 cbor
	WebSocket  websocket.Config `mapstructure:"websocket"`
	Hub        hub.Config       `mapstructure:"hub"`
}

type Cluster struct {
	Enabled bool         `mapstructure:"enabled"`
	BusType string       `mapstructure:"bus_type"` // 消息总线类型: "nats", "redis", "noop"
	NATS    nats.Config  `mapstructure:"nats"`
	Redis   redis.Config `mapstructure:"redis"`
}

type Auth struct {
	Enabled        bool   `mapstructure:"enabled"`
	SecretKey      string `mapstructure:"secret_key"`
	Issuer         string `mapstructure:"issuer"`
	AllowAnonymous bool   `mapstructure:"allow_anonymous"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server  `mapstructure:"server"`
	Cluster `mapstructure:"cluster"`
	Auth    `mapstructure:"auth"`
	Log     `mapstructure:"log"`
	Version string `mapstructure:"version"`
}

// NewDefaultConfig 返回单机、无认证的默认配置
func NewDefaultConfig() Config {
	config := Config{}

	config.Server.Addr = ":8080"
	config.Server.Serializer = "json"
	config.Server.WebSocket = websocket.DefaultConfig()
	config.Server.Hub = hub.DefaultConfig()

	config.Cluster.Enabled = false
	config.Cluster.BusType = "noop"
	config.Cluster.NATS = nats.DefaultConfig()
	config.Cluster.Redis = redis.DefaultConfig()

	config.Auth.Enabled = false
	config.Auth.SecretKey = "changeme"
	config.Auth.Issuer = "streamhub"
	config.Auth.AllowAnonymous = true

	config.Log.Level = "info"
	config.Version = "dev"

	return config
}

// envKeys 允许仅通过环境变量设置的键，例如 STREAMHUB_CLUSTER_BUS_TYPE
var envKeys = []string{
	"server.addr",
	"server.grpc_addr",
	"server.serializer",
	"server.hub.return_error_detail",
	"server.hub.client_result_timeout",
	"server.hub.heartbeat.enabled",
	"server.hub.heartbeat.interval",
	"server.hub.heartbeat.timeout",
	"cluster.enabled",
	"cluster.bus_type",
	"cluster.nats.urls",
	"cluster.redis.addrs",
	"cluster.redis.password",
	"cluster.redis.mode",
	"auth.enabled",
	"auth.secret_key",
	"auth.issuer",
	"auth.allow_anonymous",
	"log.level",
	"version",
}

// newViper 返回的 loaded 表示配置文件是否被成功读取
func newViper(configFile string) (v *viper.Viper, loaded bool, err error) {
	v = viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, false, err
		}
	}

	if configFile == "" {
		return v, false, nil
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			slog.Warn("config file not found, using defaults and environment", "file", configFile)
			return v, false, nil
		}
		return nil, false, fmt.Errorf("read config %s: %w", configFile, err)
	}
	return v, true, nil
}

func decode(v *viper.Viper) (Config, error) {
	config := NewDefaultConfig()
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return config, nil
}

// LoadConfig 按 默认值 < 配置文件 < 环境变量 的优先级加载配置；configFile 可为空
func LoadConfig(configFile string) (Config, error) {
	v, _, err := newViper(configFile)
	if err != nil {
		return Config{}, err
	}
	return decode(v)
}

// LoadAndWatch 加载配置并在文件变化时以新配置回调 onChange，解析失败的修改被忽略
func LoadAndWatch(configFile string, onChange func(Config)) (Config, error) {
	v, loaded, err := newViper(configFile)
	if err != nil {
		return Config{}, err
	}
	config, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if loaded {
		SetupConfigHotReload(v, onChange)
	}
	return config, nil
}

// SetupConfigHotReload 监听配置文件变化
func SetupConfigHotReload(v *viper.Viper, onChange func(Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("Config file changed", "file", e.Name, "op", e.Op.String())

		config, err := decode(v)
		if err != nil {
			slog.Error("Failed to unmarshal updated config", "error", err)
			return
		}
		if onChange != nil {
			onChange(config)
		}
		slog.Info("Config reloaded successfully")
	})
	v.WatchConfig()
}

// ParseLogLevel parses a string log level to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ShutdownTimeout 返回 WebSocket 写超时与 hub 处理器停止超时中较大的一个再加 5 秒，作为优雅关闭的等待上限
func (c Config) ShutdownTimeout() time.Duration {
	d := c.Server.WebSocket.WriteTimeout
	if p := c.Server.Hub.ProcessorStopTimeout; p > d {
		d = p
	}
	return d + 5*time.Second
}
