// Package handlers 示例聊天 hub 的方法与生命周期回调
package handlers

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chenxilol/streamhub/pkg/auth"
	"github.com/chenxilol/streamhub/pkg/hub"
	"github.com/chenxilol/streamhub/pkg/protocol"

	"google.golang.org/grpc/codes"
)

// 客户端需要实现的接收方法
const (
	ReceiveMessage = "Message"
	ReceivePing    = "Ping"
	ReceiveGetName = "GetName"
)

// nicknameKey 会话元数据中昵称的键
const nicknameKey = "chat.nickname"

// Authorizer 检查会话是否拥有权限，返回的错误直接作为调用结果
type Authorizer func(s *hub.Session, perm auth.Permission) error

// Message 推送给房间成员的聊天消息
type Message struct {
	Room string    `json:"room" cbor:"room"`
	From string    `json:"from" cbor:"from"`
	Text string    `json:"text" cbor:"text"`
	At   time.Time `json:"at" cbor:"at"`
}

// SayRequest 向房间发送消息
type SayRequest struct {
	Room string `json:"room" cbor:"room"`
	Text string `json:"text" cbor:"text"`
}

// Chat 聊天 hub 的状态
type Chat struct {
	authorize     Authorizer
	notifications atomic.Int64

	// OnSessionClosed 会话结束时回调，可为空
	OnSessionClosed func(s *hub.Session, reason protocol.DisconnectReason)
}

// New 创建聊天 hub；authorize 为空时不做权限检查
func New(authorize Authorizer) *Chat {
	if authorize == nil {
		authorize = func(*hub.Session, auth.Permission) error { return nil }
	}
	return &Chat{authorize: authorize}
}

// Notifications 已收到的 Notify 次数
func (c *Chat) Notifications() int64 { return c.notifications.Load() }

// Handlers 返回所有可被客户端调用的方法
func (c *Chat) Handlers() *hub.HandlerTable {
	return hub.MustHandlerTable(
		hub.Method("Echo", c.echo),
		hub.MethodNoResult("Notify", c.notify),
		hub.MethodNoResult("SetName", c.setName),
		hub.Method("Join", c.join),
		hub.Method("Leave", c.leave),
		hub.Method("Say", c.say),
		hub.Method("Ping", c.ping),
		hub.Method("Members", c.members),
		hub.Method("WhoIs", c.whoIs),
	)
}

// Hooks 返回生命周期回调
func (c *Chat) Hooks() hub.Hooks {
	return hub.Hooks{
		OnConnected: func(ctx context.Context, s *hub.Session) {
			slog.Info("chat member connected", "session", s.ID())
		},
		OnDisconnected: func(ctx context.Context, s *hub.Session, reason protocol.DisconnectReason) {
			slog.Info("chat member disconnected", "session", s.ID(), "reason", reason.Type.String(), "groups", s.Groups())
			if c.OnSessionClosed != nil {
				c.OnSessionClosed(s, reason)
			}
		},
	}
}

func (c *Chat) echo(ctx context.Context, s *hub.Session, msg string) (string, error) {
	return msg, nil
}

func (c *Chat) notify(ctx context.Context, s *hub.Session, text string) error {
	c.notifications.Add(1)
	slog.Debug("notification received", "session", s.ID(), "text", text)
	return nil
}

func (c *Chat) setName(ctx context.Context, s *hub.Session, name string) error {
	if name == "" {
		return protocol.ReturnStatus(codes.InvalidArgument, "name must not be empty")
	}
	s.SetMetadata(nicknameKey, name)
	return nil
}

// nickname 优先使用 SetName 设置的昵称，其次是令牌中的用户名
func nickname(s *hub.Session) string {
	if v, ok := s.GetMetadata(nicknameKey); ok {
		return v.(string)
	}
	if claims := auth.ClaimsFrom(s); claims != nil && claims.Username != "" {
		return claims.Username
	}
	return s.ID()
}

// join 加入房间，返回加入后的房间人数
func (c *Chat) join(ctx context.Context, s *hub.Session, room string) (int, error) {
	if room == "" {
		return 0, protocol.ReturnStatus(codes.InvalidArgument, "room must not be empty")
	}
	if err := c.authorize(s, auth.PermJoinGroup); err != nil {
		return 0, err
	}
	g, err := s.Join(room)
	if err != nil {
		return 0, err
	}
	names, err := hub.Store[string](g)
	if err != nil {
		return 0, err
	}
	names.Set(s.ID(), nickname(s))
	return g.Count(), nil
}

func (c *Chat) leave(ctx context.Context, s *hub.Session, room string) (bool, error) {
	return s.Leave(room), nil
}

// say 向房间其他成员推送消息，返回本节点送达数
func (c *Chat) say(ctx context.Context, s *hub.Session, req SayRequest) (int, error) {
	if err := c.authorize(s, auth.PermBroadcast); err != nil {
		return 0, err
	}
	g, ok := s.Hub().Groups().TryGet(req.Room)
	if !ok || !g.Has(s.ID()) {
		return 0, protocol.ReturnStatus(codes.FailedPrecondition, "not a member of room "+req.Room)
	}
	return g.Except(s.ID()).BroadcastMethod(ReceiveMessage, Message{
		Room: req.Room,
		From: nickname(s),
		Text: req.Text,
		At:   time.Now().UTC(),
	})
}

// ping 向房间所有成员广播 Ping
func (c *Chat) ping(ctx context.Context, s *hub.Session, room string) (int, error) {
	if err := c.authorize(s, auth.PermBroadcast); err != nil {
		return 0, err
	}
	return s.Hub().Groups().To(room).All().BroadcastMethod(ReceivePing, room)
}

func (c *Chat) members(ctx context.Context, s *hub.Session, room string) ([]string, error) {
	g, ok := s.Hub().Groups().TryGet(room)
	if !ok {
		return []string{}, nil
	}
	names, err := hub.Store[string](g)
	if err != nil {
		return nil, err
	}
	return names.Values(), nil
}

// whoIs 询问另一个连接的客户端它的名字
func (c *Chat) whoIs(ctx context.Context, s *hub.Session, sessionID string) (string, error) {
	target, ok := s.Hub().Session(sessionID)
	if !ok {
		return "", protocol.ReturnStatus(codes.NotFound, "session "+sessionID+" not found")
	}
	return hub.InvokeClient[string](ctx, target, ReceiveGetName, s.ID())
}
