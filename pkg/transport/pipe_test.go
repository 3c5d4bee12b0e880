package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestPipeHeaderAndFrames(t *testing.T) {
	server, client := Pipe(Header{"x-streamhub-hub": "chat"})
	ctx := context.Background()

	if got := server.RequestHeader().Get("x-streamhub-hub"); got != "chat" {
		t.Errorf("请求头不正确: %q", got)
	}
	if err := server.SendHeader(Header{"v": "2"}); err != nil {
		t.Fatalf("发送响应头失败: %v", err)
	}
	if err := server.SendHeader(Header{}); !errors.Is(err, ErrHeaderAlreadySent) {
		t.Errorf("期望 ErrHeaderAlreadySent，得到 %v", err)
	}
	h, err := client.ResponseHeader(ctx)
	if err != nil || h.Get("v") != "2" {
		t.Fatalf("读取响应头失败: %v %v", h, err)
	}

	if err := client.WriteFrame(ctx, []byte("ping")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	data, err := server.ReadFrame(ctx)
	if err != nil || string(data) != "ping" {
		t.Fatalf("读取失败: %q %v", data, err)
	}
}

func TestPipeCloseSendDrainsThenEOF(t *testing.T) {
	server, client := Pipe(nil)
	ctx := context.Background()

	server.WriteFrame(ctx, []byte("a"))
	server.WriteFrame(ctx, []byte("b"))
	server.CloseSend()

	for _, want := range []string{"a", "b"} {
		data, err := client.ReadFrame(ctx)
		if err != nil || string(data) != want {
			t.Fatalf("期望 %q，得到 %q %v", want, data, err)
		}
	}
	if _, err := client.ReadFrame(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("期望 io.EOF，得到 %v", err)
	}
	if err := server.WriteFrame(ctx, []byte("c")); err == nil {
		t.Error("CloseSend 之后写入应失败")
	}
}

func TestPipeHeaderNotSent(t *testing.T) {
	server, client := Pipe(nil)
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.ResponseHeader(ctx); !errors.Is(err, ErrHeaderNotSent) {
		t.Errorf("期望 ErrHeaderNotSent，得到 %v", err)
	}
}

func TestPipeWriteAfterPeerClose(t *testing.T) {
	server, client := Pipe(nil)
	client.Close()
	if err := server.WriteFrame(context.Background(), []byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("期望 io.ErrClosedPipe，得到 %v", err)
	}
}
