package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chenxilol/streamhub/configs"
	"github.com/chenxilol/streamhub/internal/handlers"
	"github.com/chenxilol/streamhub/pkg/auth"
	"github.com/chenxilol/streamhub/pkg/hub"
	"github.com/chenxilol/streamhub/server"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "配置文件路径")
	addr       = flag.String("addr", "", "HTTP 监听地址，覆盖配置文件")
	grpcAddr   = flag.String("grpc", "", "gRPC 监听地址，覆盖配置文件")
)

func main() {
	flag.Parse()

	cfg, err := configs.LoadAndWatch(*configFile, func(updated configs.Config) {
		// 只有日志级别支持热更新，其余配置需要重启
		server.SetLogLevel(updated.Log.Level)
	})
	if err != nil {
		slog.Error("加载配置失败", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}

	srv, err := server.NewServer(&server.Options{Config: &cfg})
	if err != nil {
		slog.Error("创建服务器失败", "error", err)
		os.Exit(1)
	}

	var authorize handlers.Authorizer
	if cfg.Auth.Enabled {
		authorize = func(s *hub.Session, perm auth.Permission) error {
			return auth.Require(auth.ClaimsFrom(s), perm)
		}
	}
	chat := handlers.New(authorize)

	nodeMeta := []byte(cfg.Version)
	if _, err := srv.MapHub("chat", chat.Handlers(), chat.Hooks(),
		hub.WithHeartbeatMetadata(func() []byte { return nodeMeta }),
	); err != nil {
		slog.Error("注册 chat hub 失败", "error", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		slog.Error("启动服务器失败", "error", err)
		os.Exit(1)
	}
	slog.Info("streamhub 已启动", "addr", cfg.Server.Addr, "grpc", cfg.Server.GRPCAddr, "cluster", cfg.Cluster.Enabled)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("关闭服务器失败", "error", err)
	}
	slog.Info("streamhub 已退出")
}
