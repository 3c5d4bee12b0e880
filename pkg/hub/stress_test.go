package hub

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chenxilol/streamhub/pkg/serializer"
)

// countingMember 只计数，不解码
type countingMember struct {
	id    string
	count atomic.Int64
}

func (m *countingMember) ID() string { return m.id }

func (m *countingMember) Push(data []byte) error {
	m.count.Add(1)
	return nil
}

func (m *countingMember) Invoke(ctx context.Context, methodID int32, arg any, result any) error {
	return errors.New("not supported")
}

// 大量分组并发加入、广播、离开
func TestMassiveGroupOperations(t *testing.T) {
	if testing.Short() {
		t.Skip("跳过压力测试 (使用 -short 标志)")
	}

	const (
		groups  = 200
		members = 50
		workers = 32
	)
	r := NewGroupRegistry(serializer.JSON{})

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	all := make([]*countingMember, groups*members)
	for i := range all {
		all[i] = &countingMember{id: fmt.Sprintf("m-%d", i)}
	}

	var wg sync.WaitGroup
	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if _, err := r.Join(fmt.Sprintf("g-%d", i%groups), all[i]); err != nil {
					t.Errorf("加入分组失败: %v", err)
				}
			}
		}()
	}
	for i := range all {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if r.Count() != groups {
		t.Fatalf("分组数应为 %d，得到 %d", groups, r.Count())
	}

	var sent atomic.Int64
	for g := 0; g < groups; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := r.To(fmt.Sprintf("g-%d", g)).All().BroadcastMethod("Tick", g)
			if err != nil {
				t.Errorf("广播失败: %v", err)
			}
			sent.Add(int64(n))
		}()
	}
	wg.Wait()
	if sent.Load() != groups*members {
		t.Errorf("送达数应为 %d，得到 %d", groups*members, sent.Load())
	}
	for _, m := range all {
		if m.count.Load() != 1 {
			t.Fatalf("成员 %s 应收到 1 帧，得到 %d", m.id, m.count.Load())
		}
	}

	for i, m := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Leave(fmt.Sprintf("g-%d", i%groups), m.id)
		}()
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Errorf("所有成员离开后不应有剩余分组，得到 %d", r.Count())
	}

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	t.Logf("%d 个分组 × %d 个成员，用时 %v，分配 %d KB",
		groups, members, time.Since(start), (after.TotalAlloc-before.TotalAlloc)/1024)
}

func BenchmarkBroadcast(b *testing.B) {
	r := NewGroupRegistry(serializer.JSON{})
	for i := 0; i < 100; i++ {
		_, _ = r.Join("bench", &countingMember{id: fmt.Sprintf("m-%d", i)})
	}
	target := r.To("bench").All()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := target.BroadcastMethod("Tick", i); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkConcurrentJoinLeave(b *testing.B) {
	r := NewGroupRegistry(serializer.JSON{})
	var seq atomic.Int64

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			n := seq.Add(1)
			m := &countingMember{id: fmt.Sprintf("m-%d", n)}
			name := fmt.Sprintf("g-%d", n%16)
			_, _ = r.Join(name, m)
			r.Leave(name, m.id)
		}
	})
}
