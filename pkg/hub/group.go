package hub

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/chenxilol/streamhub/internal/metrics"
	"github.com/chenxilol/streamhub/pkg/protocol"
	"github.com/chenxilol/streamhub/pkg/serializer"
)

// Member 分组中的一个连接
type Member interface {
	ID() string
	// Push 非阻塞地把已编码的帧放入成员的发送队列
	Push(data []byte) error
	// Invoke 调用客户端方法并等待结果
	Invoke(ctx context.Context, methodID int32, arg any, result any) error
}

// GroupRegistry 管理同一 hub 下的所有分组；成员为零的分组不会留在注册表中
type GroupRegistry struct {
	mu         sync.Mutex
	groups     map[string]*Group
	serializer serializer.Serializer
	backplane  *Backplane
}

func NewGroupRegistry(s serializer.Serializer) *GroupRegistry {
	if s == nil {
		s = serializer.Default()
	}
	return &GroupRegistry{
		groups:     make(map[string]*Group),
		serializer: s,
	}
}

// GetOrAdd 获取或创建分组；并发首次创建时只有一个实例可见
func (r *GroupRegistry) GetOrAdd(name string) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.groups[name]; ok {
		return g
	}
	g := &Group{
		name:     name,
		registry: r,
		members:  make(map[string]Member),
	}
	r.groups[name] = g
	metrics.GroupCreated()
	slog.Debug("group created", "group", name)
	return g
}

// TryGet 获取已存在的分组
func (r *GroupRegistry) TryGet(name string) (*Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[name]
	return g, ok
}

// Join 将成员加入分组；若取到的分组恰好被释放则在新实例上重试
func (r *GroupRegistry) Join(name string, m Member) (*Group, error) {
	for {
		g := r.GetOrAdd(name)
		err := g.Add(m)
		if errors.Is(err, ErrGroupDisposed) {
			continue
		}
		return g, err
	}
}

// Leave 将成员移出分组，分组不存在时什么也不做
func (r *GroupRegistry) Leave(name, id string) bool {
	g, ok := r.TryGet(name)
	if !ok {
		return false
	}
	return g.Remove(id)
}

func (r *GroupRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

func (r *GroupRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// To 返回指向分组 name 的地址，不会创建分组
func (r *GroupRegistry) To(name string) Addressable {
	return Addressable{registry: r, name: name}
}

func (r *GroupRegistry) remove(g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.groups[g.name]; ok && current == g {
		delete(r.groups, g.name)
		metrics.GroupDeleted()
		slog.Debug("group removed", "group", g.name)
	}
}

// deliverLocal 将已编码的帧投递给本节点上符合条件的成员，返回成功数
func (r *GroupRegistry) deliverLocal(spec targetSpec, data []byte) int {
	g, ok := r.TryGet(spec.Group)
	if !ok {
		return 0
	}
	delivered := 0
	for _, m := range g.selectMembers(spec) {
		if err := m.Push(data); err != nil {
			slog.Debug("failed to push broadcast", "group", spec.Group, "member", m.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Group 命名的成员集合
type Group struct {
	name     string
	registry *GroupRegistry

	mu       sync.RWMutex
	members  map[string]Member
	disposed bool
	store    groupStore
}

func (g *Group) Name() string { return g.name }

// Add 加入成员，重复加入是幂等的
func (g *Group) Add(m Member) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disposed {
		return ErrGroupDisposed
	}
	if _, exists := g.members[m.ID()]; exists {
		return nil
	}
	g.members[m.ID()] = m
	metrics.GroupJoined()
	slog.Debug("member joined group", "group", g.name, "member", m.ID(), "total", len(g.members))
	return nil
}

// Remove 移除成员，重复移除是幂等的。移除最后一个成员时分组从注册表删除。
func (g *Group) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.members[id]; !exists {
		return false
	}
	delete(g.members, id)
	if g.store != nil {
		g.store.remove(id)
	}
	metrics.GroupLeft()
	slog.Debug("member left group", "group", g.name, "member", id, "remaining", len(g.members))

	if len(g.members) == 0 {
		g.disposed = true
		g.registry.remove(g)
	}
	return true
}

func (g *Group) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

func (g *Group) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.members[id]
	return ok
}

// MemberIDs 当前成员ID（已排序）
func (g *Group) MemberIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (g *Group) All() Target                 { return g.registry.To(g.name).All() }
func (g *Group) Except(ids ...string) Target { return g.registry.To(g.name).Except(ids...) }
func (g *Group) Only(ids ...string) Target   { return g.registry.To(g.name).Only(ids...) }
func (g *Group) Single(id string) Target     { return g.registry.To(g.name).Single(id) }

func (g *Group) selectMembers(spec targetSpec) []Member {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Member, 0, len(g.members))
	switch spec.Mode {
	case modeAll:
		for _, m := range g.members {
			out = append(out, m)
		}
	case modeExcept:
		for id, m := range g.members {
			if !slices.Contains(spec.IDs, id) {
				out = append(out, m)
			}
		}
	case modeOnly, modeSingle:
		for _, id := range spec.IDs {
			if m, ok := g.members[id]; ok {
				out = append(out, m)
			}
		}
	}
	return out
}

type targetMode int

const (
	modeAll targetMode = iota
	modeExcept
	modeOnly
	modeSingle
)

// targetSpec 可序列化的寻址描述，本地投递与集群转发共用
type targetSpec struct {
	Group string     `json:"group"`
	Mode  targetMode `json:"mode"`
	IDs   []string   `json:"ids,omitempty"`
}

// Addressable 按名称引用的分组，用于构造寻址
type Addressable struct {
	registry *GroupRegistry
	name     string
}

func (a Addressable) All() Target {
	return Target{registry: a.registry, spec: targetSpec{Group: a.name, Mode: modeAll}}
}

func (a Addressable) Except(ids ...string) Target {
	return Target{registry: a.registry, spec: targetSpec{Group: a.name, Mode: modeExcept, IDs: ids}}
}

func (a Addressable) Only(ids ...string) Target {
	return Target{registry: a.registry, spec: targetSpec{Group: a.name, Mode: modeOnly, IDs: ids}}
}

func (a Addressable) Single(id string) Target {
	return Target{registry: a.registry, spec: targetSpec{Group: a.name, Mode: modeSingle, IDs: []string{id}}}
}

// Target 分组的一个寻址投影
type Target struct {
	registry *GroupRegistry
	spec     targetSpec
}

// Broadcast 序列化一次、编码一次，然后推入每个目标成员的发送队列。
// 成员队列已满时该成员丢弃此帧，不会阻塞调用方。返回本节点上成功投递的数量。
func (t Target) Broadcast(methodID int32, arg any) (int, error) {
	payload, err := t.registry.serializer.Marshal(arg)
	if err != nil {
		return 0, err
	}
	data, err := protocol.Encode(protocol.NewBroadcast(methodID, payload))
	if err != nil {
		return 0, err
	}

	delivered := t.registry.deliverLocal(t.spec, data)
	if t.registry.backplane != nil {
		t.registry.backplane.publish(t.spec, data)
	}
	metrics.BroadcastSent(delivered)
	return delivered, nil
}

// BroadcastMethod 按方法名广播
func (t Target) BroadcastMethod(method string, arg any) (int, error) {
	return t.Broadcast(protocol.MethodID(method), arg)
}

// Invoke 调用单个成员的客户端方法并等待结果。只支持 Single 寻址。
func (t Target) Invoke(ctx context.Context, methodID int32, arg any, result any) error {
	if t.spec.Mode != modeSingle {
		return ErrUnsupportedAddressing
	}
	g, ok := t.registry.TryGet(t.spec.Group)
	if !ok {
		return ErrMemberNotFound
	}
	members := g.selectMembers(t.spec)
	if len(members) == 0 {
		return ErrMemberNotFound
	}
	return members[0].Invoke(ctx, methodID, arg, result)
}

// groupStore 由 MemoryStore[T] 实现，成员移除时同步清理
type groupStore interface {
	remove(id string)
}

// MemoryStore 按连接ID保存任意状态的分组附属存储
type MemoryStore[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// Store 获取分组的附属存储；同一分组只能附加一种类型
func Store[T any](g *Group) (*MemoryStore[T], error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.store == nil {
		s := &MemoryStore[T]{items: make(map[string]T)}
		g.store = s
		return s, nil
	}
	s, ok := g.store.(*MemoryStore[T])
	if !ok {
		return nil, ErrStoreTypeMismatch
	}
	return s, nil
}

func (s *MemoryStore[T]) Set(id string, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = v
}

func (s *MemoryStore[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	return v, ok
}

func (s *MemoryStore[T]) Values() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	return out
}

func (s *MemoryStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *MemoryStore[T]) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
}
