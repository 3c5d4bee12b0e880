package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chenxilol/streamhub/pkg/protocol"
	"github.com/chenxilol/streamhub/pkg/transport"

	"google.golang.org/grpc/codes"
)

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("secret", "streamhub")
	ctx := context.Background()

	token, err := svc.GenerateToken(ctx, "u1", "alice", []Permission{PermInvoke, PermJoinGroup}, time.Hour)
	if err != nil {
		t.Fatalf("生成令牌失败: %v", err)
	}
	claims, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("验证令牌失败: %v", err)
	}
	if claims.UserID != "u1" || claims.Username != "alice" || claims.Issuer != "streamhub" {
		t.Errorf("声明不正确: %+v", claims)
	}
	if !HasPermission(claims, PermJoinGroup) || HasPermission(claims, PermBroadcast) {
		t.Errorf("权限判断不正确: %v", claims.Permissions)
	}
}

func TestJWTRejects(t *testing.T) {
	svc := NewJWTService("secret", "streamhub")
	ctx := context.Background()

	expired, _ := svc.GenerateToken(ctx, "u1", "alice", nil, -time.Minute)
	if _, err := svc.Authenticate(ctx, expired); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("过期令牌应返回 ErrTokenExpired，得到 %v", err)
	}

	other, _ := NewJWTService("other", "streamhub").GenerateToken(ctx, "u1", "alice", nil, time.Hour)
	if _, err := svc.Authenticate(ctx, other); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("签名错误应返回 ErrInvalidToken，得到 %v", err)
	}

	wrongIssuer, _ := NewJWTService("secret", "someone-else").GenerateToken(ctx, "u1", "alice", nil, time.Hour)
	if _, err := svc.Authenticate(ctx, wrongIssuer); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("签发者不匹配应返回 ErrInvalidToken，得到 %v", err)
	}

	if _, err := svc.Authenticate(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("空令牌应返回 ErrMissingToken，得到 %v", err)
	}
	if _, err := svc.Authenticate(ctx, "not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("格式错误应返回 ErrInvalidToken，得到 %v", err)
	}
}

func TestRequire(t *testing.T) {
	if got := protocol.Code(Require(nil, PermInvoke)); got != codes.Unauthenticated {
		t.Errorf("未认证应返回 Unauthenticated，得到 %v", got)
	}
	user := &TokenClaims{Permissions: []Permission{PermInvoke}}
	if err := Require(user, PermInvoke); err != nil {
		t.Errorf("拥有权限时应返回 nil: %v", err)
	}
	if got := protocol.Code(Require(user, PermBroadcast)); got != codes.PermissionDenied {
		t.Errorf("缺少权限应返回 PermissionDenied，得到 %v", got)
	}
	admin := &TokenClaims{Permissions: []Permission{PermAdmin}}
	if err := Require(admin, PermBroadcast); err != nil {
		t.Errorf("管理员应拥有全部权限: %v", err)
	}
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header transport.Header
		want   string
	}{
		{transport.Header{"authorization": "Bearer abc"}, "abc"},
		{transport.Header{"authorization": "raw"}, "raw"},
		{transport.Header{"token": "q"}, "q"},
		{transport.Header{}, ""},
	}
	for _, tt := range tests {
		if got := ExtractToken(tt.header); got != tt.want {
			t.Errorf("ExtractToken(%v) = %q，期望 %q", tt.header, got, tt.want)
		}
	}
}

type metadata map[string]any

func (m metadata) GetMetadata(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

func TestClaimsFrom(t *testing.T) {
	if ClaimsFrom(metadata{}) != nil {
		t.Error("匿名会话应返回 nil")
	}
	claims := &TokenClaims{UserID: "u1"}
	if got := ClaimsFrom(metadata{MetadataKey: claims}); got != claims {
		t.Errorf("ClaimsFrom 返回 %+v", got)
	}
}
