// Package auth 连接认证与方法级授权
package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/chenxilol/streamhub/pkg/protocol"
	"github.com/chenxilol/streamhub/pkg/transport"

	"google.golang.org/grpc/codes"
)

var (
	ErrInvalidToken = errors.New("无效的令牌")
	ErrTokenExpired = errors.New("令牌已过期")
	ErrMissingToken = errors.New("缺少令牌")
)

type Permission string

const (
	PermInvoke    Permission = "invoke:method"   // 调用 hub 方法
	PermJoinGroup Permission = "join:group"      // 加入分组
	PermBroadcast Permission = "broadcast:group" // 向分组广播
	PermAdmin     Permission = "admin:system"    // 拥有全部权限
)

// TokenClaims 认证成功后保存在会话元数据中的声明
type TokenClaims struct {
	UserID      string       `json:"user_id"`
	Username    string       `json:"username"`
	Permissions []Permission `json:"permissions"`
	ExpiresAt   int64        `json:"exp"`
	IssuedAt    int64        `json:"iat"`
	Issuer      string       `json:"iss"`
}

// MetadataKey 会话元数据中保存 *TokenClaims 的键
const MetadataKey = "auth.claims"

// MetadataGetter 由 hub 会话实现
type MetadataGetter interface {
	GetMetadata(key string) (any, bool)
}

// ClaimsFrom 取出会话的认证声明，匿名会话返回 nil
func ClaimsFrom(md MetadataGetter) *TokenClaims {
	v, ok := md.GetMetadata(MetadataKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*TokenClaims)
	return claims
}

// Authenticator 解析并验证令牌
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*TokenClaims, error)
	GenerateToken(ctx context.Context, userID, username string, permissions []Permission, expiration time.Duration) (string, error)
}

// HasPermission 声明中是否包含任一权限；PermAdmin 视为拥有所有权限
func HasPermission(claims *TokenClaims, permissions ...Permission) bool {
	if claims == nil {
		return false
	}
	if slices.Contains(claims.Permissions, PermAdmin) {
		return true
	}
	for _, p := range permissions {
		if slices.Contains(claims.Permissions, p) {
			return true
		}
	}
	return false
}

// Require 缺少权限时返回 PermissionDenied 状态错误，可直接作为处理函数的返回值
func Require(claims *TokenClaims, permission Permission) error {
	if claims == nil {
		return protocol.ReturnStatus(codes.Unauthenticated, "authentication required")
	}
	if !HasPermission(claims, permission) {
		return protocol.ReturnStatus(codes.PermissionDenied, "missing permission "+string(permission))
	}
	return nil
}

// ExtractToken 依次从 authorization 头（Bearer）和 token 参数中取令牌
func ExtractToken(h transport.Header) string {
	if v := h.Get("authorization"); v != "" {
		if token, ok := strings.CutPrefix(v, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return strings.TrimSpace(v)
	}
	return h.Get("token")
}
