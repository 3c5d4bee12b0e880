// Package server 通过 HTTP(WebSocket) 与 gRPC 承载多个 hub
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/chenxilol/streamhub/configs"
	"github.com/chenxilol/streamhub/internal/metrics"
	"github.com/chenxilol/streamhub/pkg/auth"
	"github.com/chenxilol/streamhub/pkg/bus"
	hubnats "github.com/chenxilol/streamhub/pkg/bus/nats"
	"github.com/chenxilol/streamhub/pkg/bus/noop"
	hubredis "github.com/chenxilol/streamhub/pkg/bus/redis"
	"github.com/chenxilol/streamhub/pkg/hub"
	"github.com/chenxilol/streamhub/pkg/protocol"
	"github.com/chenxilol/streamhub/pkg/serializer"
	"github.com/chenxilol/streamhub/pkg/transport"
	"github.com/chenxilol/streamhub/pkg/transport/grpcstream"
	"github.com/chenxilol/streamhub/pkg/transport/websocket"

	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Options 服务器配置选项
type Options struct {
	// Config 为空时使用 configs.NewDefaultConfig()
	Config *configs.Config

	// Authenticator 为空且启用认证时使用 JWT
	Authenticator auth.Authenticator

	// MessageBus 为空且启用集群时按 Config.Cluster 创建
	MessageBus bus.MessageBus

	Upgrader *gorilla.Upgrader
}

type Server struct {
	config        configs.Config
	authenticator auth.Authenticator
	messageBus    bus.MessageBus
	ownsBus       bool
	serializer    serializer.Serializer
	upgrader      *gorilla.Upgrader

	mu   sync.RWMutex
	hubs map[string]*hub.Hub

	customMux  *http.ServeMux // 允许用户添加自定义路由
	httpServer *http.Server
	grpcServer *grpc.Server
	started    time.Time
}

// NewServer 创建服务器，随后通过 MapHub 注册 hub
func NewServer(opts *Options) (*Server, error) {
	if opts == nil {
		opts = &Options{}
	}
	config := configs.NewDefaultConfig()
	if opts.Config != nil {
		config = *opts.Config
	}
	fillDefaults(&config)
	setupLogging(config.Log.Level)

	ser, err := serializer.ByName(config.Server.Serializer)
	if err != nil {
		return nil, fmt.Errorf("invalid serializer: %w", err)
	}

	s := &Server{
		config:        config,
		authenticator: opts.Authenticator,
		messageBus:    opts.MessageBus,
		serializer:    ser,
		upgrader:      opts.Upgrader,
		hubs:          make(map[string]*hub.Hub),
		customMux:     http.NewServeMux(),
	}

	if s.upgrader == nil {
		s.upgrader = &gorilla.Upgrader{
			ReadBufferSize:  config.Server.WebSocket.ReadBufferSize,
			WriteBufferSize: config.Server.WebSocket.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		}
	}

	if s.messageBus == nil && config.Cluster.Enabled {
		messageBus, err := createMessageBus(config.Cluster)
		if err != nil {
			return nil, fmt.Errorf("failed to create message bus: %w", err)
		}
		s.messageBus = messageBus
		s.ownsBus = true
	}

	if s.authenticator == nil && config.Auth.Enabled {
		s.authenticator = auth.NewJWTService(config.Auth.SecretKey, config.Auth.Issuer)
	}

	return s, nil
}

// MapHub 注册一个 hub，WebSocket 路径为 /hub/{name}，gRPC 通过 x-streamhub-hub 元数据选择
func (s *Server) MapHub(name string, handlers *hub.HandlerTable, hooks hub.Hooks, opts ...hub.Option) (*hub.Hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.hubs[name]; exists {
		return nil, fmt.Errorf("hub %q already mapped", name)
	}

	base := []hub.Option{
		hub.WithConfig(s.config.Server.Hub),
		hub.WithSerializer(s.serializer),
		hub.WithHooks(s.wrapHooks(hooks)),
	}
	if s.messageBus != nil {
		base = append(base, hub.WithBus(s.messageBus))
	}
	h := hub.New(name, handlers, append(base, opts...)...)
	s.hubs[name] = h
	slog.Info("hub mapped", "hub", name, "methods", handlers.Len())
	return h, nil
}

// Hub 按名称查找已注册的 hub
func (s *Server) Hub(name string) (*hub.Hub, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hubs[name]
	return h, ok
}

// Handle 添加自定义HTTP路由
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.customMux.Handle(pattern, handler)
}

// HandleFunc 添加自定义HTTP处理函数
func (s *Server) HandleFunc(pattern string, handler http.HandlerFunc) {
	s.customMux.HandleFunc(pattern, handler)
}

// Handler 返回包含核心路由的 HTTP 处理器
func (s *Server) Handler() http.Handler {
	mainMux := http.NewServeMux()
	mainMux.HandleFunc("GET /hub/{name}", s.handleWebSocket)
	mainMux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	mainMux.HandleFunc("/health", s.handleHealth)
	mainMux.Handle("/", s.customMux)
	return mainMux
}

// Start 启动 HTTP 与（可选的）gRPC 监听，立即返回
func (s *Server) Start() error {
	slog.Info("Starting streamhub server", "address", s.config.Server.Addr, "grpc", s.config.Server.GRPCAddr)

	metrics.Default()
	s.started = time.Now()

	ln, err := net.Listen("tcp", s.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Server.Addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	if s.config.Server.GRPCAddr == "" {
		return nil
	}
	gln, err := net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		_ = s.httpServer.Close()
		return fmt.Errorf("listen %s: %w", s.config.Server.GRPCAddr, err)
	}
	s.grpcServer = grpc.NewServer()
	grpcstream.Register(s.grpcServer, grpcstream.HandlerFunc(s.serveStream))
	go func() {
		if err := s.grpcServer.Serve(gln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("gRPC server error", "error", err)
		}
	}()
	return nil
}

// Shutdown 断开所有会话，然后停止监听和消息总线
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down streamhub server...")

	s.mu.RLock()
	hubs := make([]*hub.Hub, 0, len(s.hubs))
	for _, h := range s.hubs {
		hubs = append(hubs, h)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range hubs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Close(); err != nil {
				slog.Error("Failed to close hub", "hub", h.Name(), "error", err)
			}
		}()
	}
	wg.Wait()

	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	if s.messageBus != nil && s.ownsBus {
		if cerr := s.messageBus.Close(); cerr != nil {
			slog.Error("Failed to close message bus", "error", cerr)
		}
	}
	return err
}

// handleWebSocket 升级连接并在其上运行会话，直到会话结束
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	h, ok := s.Hub(name)
	if !ok {
		http.Error(w, "hub not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, s.upgrader, s.config.Server.WebSocket)
	if err != nil {
		slog.Error("Failed to upgrade WebSocket", "error", err, "remoteAddr", r.RemoteAddr)
		metrics.RecordError()
		return
	}

	if err := h.Serve(r.Context(), conn); err != nil {
		slog.Info("websocket session ended", "hub", name, "remoteAddr", r.RemoteAddr, "error", err)
	}
}

// serveStream 处理 gRPC 流，hub 由请求元数据选择
func (s *Server) serveStream(ctx context.Context, conn transport.ServerConn) error {
	name := conn.RequestHeader().Get(protocol.HubHeader)
	h, ok := s.Hub(name)
	if !ok {
		return status.Errorf(codes.NotFound, "hub %q not found", name)
	}
	if err := h.Serve(ctx, conn); err != nil {
		slog.Info("grpc session ended", "hub", name, "error", err)
	}
	return nil
}

// wrapHooks 在用户的 OnConnecting 之前完成认证
func (s *Server) wrapHooks(hooks hub.Hooks) hub.Hooks {
	if s.authenticator == nil {
		return hooks
	}
	userConnecting := hooks.OnConnecting
	hooks.OnConnecting = func(ctx context.Context, sess *hub.Session) error {
		if err := s.authenticate(ctx, sess); err != nil {
			return err
		}
		if userConnecting != nil {
			return userConnecting(ctx, sess)
		}
		return nil
	}
	return hooks
}

func (s *Server) authenticate(ctx context.Context, sess *hub.Session) error {
	token := auth.ExtractToken(sess.RequestHeader())
	if token == "" {
		if !s.config.Auth.AllowAnonymous {
			slog.Warn("connection attempt without token", "hub", sess.Hub().Name(), "session", sess.ID())
			metrics.RecordAuthFailure()
			return auth.ErrMissingToken
		}
		return nil
	}

	claims, err := s.authenticator.Authenticate(ctx, token)
	if err != nil {
		slog.Warn("authentication failed", "hub", sess.Hub().Name(), "session", sess.ID(), "error", err)
		metrics.RecordAuthFailure()
		return err
	}
	sess.SetMetadata(auth.MetadataKey, claims)
	metrics.RecordAuthSuccess()
	return nil
}

// handleHealth 处理健康检查
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	sessions := make(map[string]int, len(s.hubs))
	for name, h := range s.hubs {
		sessions[name] = h.SessionCount()
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	response := map[string]any{
		"status":   "ok",
		"version":  s.config.Version,
		"time":     time.Now().Format(time.RFC3339),
		"sessions": sessions,
	}
	if !s.started.IsZero() {
		response["uptime"] = time.Since(s.started).Round(time.Second).String()
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to write health check response", "error", err)
	}
}

func fillDefaults(config *configs.Config) {
	def := configs.NewDefaultConfig()
	if config.Server.Addr == "" {
		config.Server.Addr = def.Server.Addr
	}
	if config.Cluster.BusType == "" {
		config.Cluster.BusType = def.Cluster.BusType
	}
	if config.Server.WebSocket.WriteTimeout == 0 {
		config.Server.WebSocket = def.Server.WebSocket
	}
	if config.Log.Level == "" {
		config.Log.Level = def.Log.Level
	}
	if config.Auth.Issuer == "" {
		config.Auth.Issuer = def.Auth.Issuer
	}
}

var logLevel slog.LevelVar

func setupLogging(level string) {
	logLevel.Set(configs.ParseLogLevel(level))
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel 运行时调整日志级别，用于配置热更新
func SetLogLevel(level string) {
	logLevel.Set(configs.ParseLogLevel(level))
}

func createMessageBus(cluster configs.Cluster) (bus.MessageBus, error) {
	switch cluster.BusType {
	case "nats":
		return hubnats.New(cluster.NATS)
	case "redis":
		return hubredis.New(cluster.Redis)
	case "noop", "":
		return noop.New(), nil
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", cluster.BusType)
	}
}
