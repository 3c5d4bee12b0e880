package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chenxilol/streamhub/configs"
	"github.com/chenxilol/streamhub/pkg/auth"
	"github.com/chenxilol/streamhub/pkg/client"
	"github.com/chenxilol/streamhub/pkg/hub"
	"github.com/chenxilol/streamhub/pkg/protocol"
	"github.com/chenxilol/streamhub/pkg/transport"
	"github.com/chenxilol/streamhub/pkg/transport/grpcstream"
	"github.com/chenxilol/streamhub/pkg/transport/websocket"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

func newTestServer(t *testing.T, mutate func(*configs.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := configs.NewDefaultConfig()
	cfg.Log.Level = "error"
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewServer(&Options{Config: &cfg})
	if err != nil {
		t.Fatalf("创建服务器失败: %v", err)
	}

	handlers := hub.MustHandlerTable(
		hub.Method("Echo", func(ctx context.Context, sess *hub.Session, msg string) (string, error) {
			return msg, nil
		}),
		hub.Method("WhoAmI", func(ctx context.Context, sess *hub.Session, _ string) (string, error) {
			claims := auth.ClaimsFrom(sess)
			if err := auth.Require(claims, auth.PermInvoke); err != nil {
				return "", err
			}
			return claims.Username, nil
		}),
	)
	if _, err := s.MapHub("chat", handlers, hub.Hooks{}); err != nil {
		t.Fatalf("注册 hub 失败: %v", err)
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server, path string, header transport.Header) (*client.Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, err := websocket.Dial(ctx, url, header, websocket.DefaultConfig())
	if err != nil {
		return nil, err
	}
	c, err := client.Connect(ctx, conn, nil)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, nil
}

func TestWebSocketEcho(t *testing.T) {
	s, ts := newTestServer(t, nil)

	c, err := dialWS(t, ts, "/hub/chat", nil)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := client.Call[string](ctx, c, "Echo", "hello")
	if err != nil || got != "hello" {
		t.Fatalf("Echo 返回 %q, %v", got, err)
	}

	h, _ := s.Hub("chat")
	if h.SessionCount() != 1 {
		t.Errorf("会话数应为 1，得到 %d", h.SessionCount())
	}
}

func TestUnknownHubPath(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/hub/missing")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("未注册的 hub 应返回 404，得到 %d", resp.StatusCode)
	}
}

func TestAuthentication(t *testing.T) {
	const secret = "test-secret"
	_, ts := newTestServer(t, func(cfg *configs.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.SecretKey = secret
		cfg.Auth.AllowAnonymous = false
	})

	if _, err := dialWS(t, ts, "/hub/chat", nil); err == nil {
		t.Fatal("缺少令牌时应拒绝连接")
	}
	if _, err := dialWS(t, ts, "/hub/chat?token=garbage", nil); err == nil {
		t.Fatal("无效令牌应拒绝连接")
	}

	token, err := auth.NewJWTService(secret, "streamhub").GenerateToken(
		context.Background(), "u1", "alice", []auth.Permission{auth.PermInvoke}, time.Hour)
	if err != nil {
		t.Fatalf("生成令牌失败: %v", err)
	}
	c, err := dialWS(t, ts, "/hub/chat", transport.Header{"Authorization": "Bearer " + token})
	if err != nil {
		t.Fatalf("有效令牌应允许连接: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	name, err := client.Call[string](ctx, c, "WhoAmI", "")
	if err != nil || name != "alice" {
		t.Fatalf("WhoAmI 返回 %q, %v", name, err)
	}
}

func TestAnonymousSession(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *configs.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.AllowAnonymous = true
	})

	c, err := dialWS(t, ts, "/hub/chat", nil)
	if err != nil {
		t.Fatalf("允许匿名时应接受连接: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.Call[string](ctx, c, "WhoAmI", "")
	if protocol.Code(err) != codes.Unauthenticated {
		t.Fatalf("匿名调用应返回 Unauthenticated，得到 %v", err)
	}
}

func TestGRPCTransport(t *testing.T) {
	s, _ := newTestServer(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	gs := grpc.NewServer()
	grpcstream.Register(gs, grpcstream.HandlerFunc(s.serveStream))
	go gs.Serve(ln)
	t.Cleanup(gs.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := grpcstream.Dial(ctx, ln.Addr().String(), transport.Header{protocol.HubHeader: "chat"})
	if err != nil {
		t.Fatalf("gRPC 连接失败: %v", err)
	}
	c, err := client.Connect(ctx, conn, nil)
	if err != nil {
		t.Fatalf("握手失败: %v", err)
	}
	defer c.Close(ctx)

	got, err := client.Call[string](ctx, c, "Echo", "over grpc")
	if err != nil || got != "over grpc" {
		t.Fatalf("Echo 返回 %q, %v", got, err)
	}

	missing, err := grpcstream.Dial(ctx, ln.Addr().String(), transport.Header{protocol.HubHeader: "missing"})
	if err == nil {
		if _, err := client.Connect(ctx, missing, nil); err == nil {
			t.Fatal("未注册的 hub 应握手失败")
		}
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)
	c, err := dialWS(t, ts, "/hub/chat", nil)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Call[string](ctx, c, "Echo", "ready"); err != nil {
		t.Fatalf("Echo 失败: %v", err)
	}

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status   string         `json:"status"`
		Sessions map[string]int `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if body.Status != "ok" || body.Sessions["chat"] != 1 {
		t.Errorf("健康检查结果不正确: %+v", body)
	}

	metricsResp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("请求 /metrics 失败: %v", err)
	}
	metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Errorf("/metrics 应返回 200，得到 %d", metricsResp.StatusCode)
	}
}

func TestMapHubDuplicate(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if _, err := s.MapHub("chat", hub.MustHandlerTable(), hub.Hooks{}); err == nil {
		t.Fatal("重复注册 hub 应返回错误")
	}
}
