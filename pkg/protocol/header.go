package protocol

import "hash/fnv"

const (
	// VersionHeader 服务端在响应头中携带的协议版本键
	VersionHeader = "x-streamhub-version"
	// Version 当前协议版本
	Version = "2"
	// HubHeader 客户端请求头中携带的目标 hub 名称
	HubHeader = "x-streamhub-hub"
)

// MethodID 按方法名计算默认的方法ID（FNV-1a 32位）
func MethodID(name string) int32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int32(h.Sum32())
}
