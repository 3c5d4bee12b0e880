package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chenxilol/streamhub/pkg/transport"

	"github.com/gorilla/websocket"
)

// echoServer 发送响应头后回显每一帧，收到关闭后结束发送
func echoServer(t *testing.T, gotHeader chan<- transport.Header) *httptest.Server {
	upgrader := &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, err := Accept(w, r, upgrader, DefaultConfig())
		if err != nil {
			t.Errorf("升级失败: %v", err)
			return
		}
		defer sc.Close()
		gotHeader <- sc.RequestHeader()

		if err := sc.SendHeader(transport.Header{"x-streamhub-version": "2"}); err != nil {
			t.Errorf("发送响应头失败: %v", err)
			return
		}
		ctx := context.Background()
		for {
			data, err := sc.ReadFrame(ctx)
			if err != nil {
				sc.CloseSend()
				return
			}
			if err := sc.WriteFrame(ctx, data); err != nil {
				return
			}
		}
	}))
}

func TestWebSocketRoundTrip(t *testing.T) {
	headers := make(chan transport.Header, 1)
	srv := echoServer(t, headers)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/hub?hub=chat"
	cc, err := Dial(ctx, url, transport.Header{"X-Streamhub-Hub": "chat"}, DefaultConfig())
	if err != nil {
		t.Fatalf("拨号失败: %v", err)
	}
	defer cc.Close()

	h, err := cc.ResponseHeader(ctx)
	if err != nil {
		t.Fatalf("读取响应头失败: %v", err)
	}
	if h.Get("x-streamhub-version") != "2" {
		t.Errorf("响应头不正确: %v", h)
	}
	req := <-headers
	if req.Get("x-streamhub-hub") != "chat" || req.Get("hub") != "chat" {
		t.Errorf("请求头不正确: %v", req)
	}

	if err := cc.WriteFrame(ctx, []byte{1, 2, 3}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	data, err := cc.ReadFrame(ctx)
	if err != nil || len(data) != 3 || data[2] != 3 {
		t.Fatalf("回显失败: %v %v", data, err)
	}

	if err := cc.CloseSend(); err != nil {
		t.Fatalf("CloseSend 失败: %v", err)
	}
	if _, err := cc.ReadFrame(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("期望 io.EOF，得到 %v", err)
	}
}

func TestServerHeaderOnlyOnce(t *testing.T) {
	headers := make(chan transport.Header, 1)
	upgrader := &websocket.Upgrader{}
	errs := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, err := Accept(w, r, upgrader, DefaultConfig())
		if err != nil {
			errs <- err
			return
		}
		defer sc.Close()
		headers <- sc.RequestHeader()
		sc.SendHeader(transport.Header{})
		errs <- sc.SendHeader(transport.Header{})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cc, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil, DefaultConfig())
	if err != nil {
		t.Fatalf("拨号失败: %v", err)
	}
	defer cc.Close()

	if err := <-errs; !errors.Is(err, transport.ErrHeaderAlreadySent) {
		t.Errorf("期望 ErrHeaderAlreadySent，得到 %v", err)
	}
}
