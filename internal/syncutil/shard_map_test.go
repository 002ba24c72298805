package syncutil_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/openvoip/siptx/internal/syncutil"
)

type testKey struct {
	branch, method string
}

func set[K comparable, V any](tb testing.TB, m *syncutil.ShardMap[K, V], k K, v V) {
	tb.Helper()

	if _, loaded, err := m.GetOrCreate(k, func() (V, error) { return v, nil }); err != nil || loaded {
		tb.Fatalf("m.GetOrCreate(%v) = (loaded %v, err %v), want (false, nil)", k, loaded, err)
	}
}

func count[K comparable, V any](m *syncutil.ShardMap[K, V]) int {
	n := 0
	for range m.Items() {
		n++
	}
	return n
}

func TestShardMap_GetDelFunc(t *testing.T) {
	t.Parallel()

	m := syncutil.NewShardMap[testKey, int](syncutil.ShardsNum(4))
	k := testKey{"z9hG4bK1", "INVITE"}

	if _, ok := m.Get(k); ok {
		t.Fatalf("m.Get(k) ok = true, want false")
	}

	set(t, m, k, 1)
	if v, ok := m.Get(k); !ok || v != 1 {
		t.Fatalf("m.Get(k) = (%d, %v), want (1, true)", v, ok)
	}
	if got := count(m); got != 1 {
		t.Fatalf("items = %d, want 1", got)
	}

	if m.DelFunc(k, func(v int) bool { return v == 2 }) {
		t.Fatalf("m.DelFunc(k, v == 2) = true, want false")
	}
	if !m.DelFunc(k, func(v int) bool { return v == 1 }) {
		t.Fatalf("m.DelFunc(k, v == 1) = false, want true")
	}
	if _, ok := m.Get(k); ok {
		t.Fatalf("m.Get(k) ok = true after DelFunc, want false")
	}
}

func TestShardMap_GetOrCreate(t *testing.T) {
	t.Parallel()

	m := syncutil.NewShardMap[testKey, *int]()
	k := testKey{"z9hG4bK2", "OPTIONS"}

	var created atomic.Int32
	var wg sync.WaitGroup
	results := make([]*int, 32)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := m.GetOrCreate(k, func() (*int, error) {
				created.Add(1)
				return new(int), nil
			})
			if err != nil {
				t.Errorf("m.GetOrCreate() error = %v, want nil", err)
			}
			results[i] = v
		}()
	}
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Fatalf("create called %d times, want 1", got)
	}
	for i, v := range results {
		if v != results[0] {
			t.Fatalf("results[%d] = %p, want %p", i, v, results[0])
		}
	}

	errBoom := errors.New("boom")
	_, loaded, err := m.GetOrCreate(testKey{"z9hG4bK3", "BYE"}, func() (*int, error) { return nil, errBoom })
	if !errors.Is(err, errBoom) || loaded {
		t.Fatalf("m.GetOrCreate() = (loaded %v, err %v), want (false, %v)", loaded, err, errBoom)
	}
	if _, ok := m.Get(testKey{"z9hG4bK3", "BYE"}); ok {
		t.Fatalf("m.Get() ok = true after failed create, want false")
	}
}

func TestShardMap_Items(t *testing.T) {
	t.Parallel()

	m := syncutil.NewShardMap[string, int]()
	for i, k := range []string{"a", "b", "c"} {
		set(t, m, k, i)
	}

	sum := 0
	for _, v := range m.Items() {
		sum += v
	}
	if sum != 3 {
		t.Fatalf("sum of items = %d, want 3", sum)
	}

	m.Clear()
	if got := count(m); got != 0 {
		t.Fatalf("items after Clear = %d, want 0", got)
	}
}
