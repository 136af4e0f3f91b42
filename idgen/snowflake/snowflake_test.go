package snowflake

import (
	"sync"
	"testing"
)

// TestUniqueIDs 测试并发生成的ID全局唯一且递增趋势
func TestUniqueIDs(t *testing.T) {
	gen, err := NewGenerator(3)
	if err != nil {
		t.Fatal(err)
	}

	const workers = 8
	const perWorker = 1000

	var mu sync.Mutex
	seen := make(map[int64]bool, workers*perWorker)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				local = append(local, gen.Generate())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if seen[id] {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("got %d unique ids, want %d", len(seen), workers*perWorker)
	}
}

// TestWorkerIDRange 测试非法 worker ID 被拒绝
func TestWorkerIDRange(t *testing.T) {
	if _, err := NewGenerator(-1); err == nil {
		t.Fatal("negative worker ID should fail")
	}
	if _, err := NewGenerator(1024); err == nil {
		t.Fatal("worker ID above max should fail")
	}
}

// TestDefaultGenerator 测试默认生成器可用
func TestDefaultGenerator(t *testing.T) {
	a := Generate()
	b := Generate()
	if a == 0 || b == 0 || a == b {
		t.Fatalf("default generator produced %d, %d", a, b)
	}
}
