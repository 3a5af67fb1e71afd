package workerpool

import (
	"sync/atomic"
	"testing"
)

func TestMapPreservesOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	results := Map(3, items, func(i int) int { return i * i })
	want := []int{1, 4, 9, 16, 25, 36, 49, 64}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("index %d: got %d, want %d", i, results[i], want[i])
		}
	}
}

func TestMapBoundsConcurrency(t *testing.T) {
	var active, maxActive int64
	items := make([]int, 50)

	Map(4, items, func(int) struct{} {
		n := atomic.AddInt64(&active, 1)
		for {
			cur := atomic.LoadInt64(&maxActive)
			if n <= cur || atomic.CompareAndSwapInt64(&maxActive, cur, n) {
				break
			}
		}
		atomic.AddInt64(&active, -1)
		return struct{}{}
	})

	if maxActive > 4 {
		t.Fatalf("expected at most 4 concurrent workers, observed %d", maxActive)
	}
}

func TestMapHandlesEmptyAndSingleWorker(t *testing.T) {
	if out := Map(4, nil, func(int) int { return 0 }); out != nil {
		t.Fatalf("expected nil result for empty input, got %v", out)
	}
	out := Map(0, []int{1, 2, 3}, func(i int) int { return i + 1 })
	if len(out) != 3 || out[0] != 2 || out[2] != 4 {
		t.Fatalf("unexpected result for workers<=0 fallback: %v", out)
	}
}
