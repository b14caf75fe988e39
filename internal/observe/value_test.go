package observe

import (
	"sync"
	"testing"
)

func TestSetNotifiesInOrder(t *testing.T) {
	v := NewValue(0)
	var got []int
	unsubscribe := v.Subscribe(func(n int) { got = append(got, n) })

	for i := 1; i <= 3; i++ {
		if ver := v.Set(i); ver != uint64(i) {
			t.Fatalf("expected version %d, got %d", i, ver)
		}
	}
	unsubscribe()
	v.Set(4)

	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("unexpected notifications %v", got)
	}
	if v.Get() != 4 || v.Version() != 4 {
		t.Fatalf("unexpected state %d@%d", v.Get(), v.Version())
	}
}

func TestUpdateSkipsWhenRejected(t *testing.T) {
	v := NewValue("a")
	calls := 0
	v.Subscribe(func(string) { calls++ })

	cur, ver, ok := v.Update(func(cur string) (string, bool) { return "ignored", false })
	if ok || cur != "a" || ver != 0 {
		t.Fatalf("rejected update wrote: %q %d %v", cur, ver, ok)
	}
	cur, ver, ok = v.Update(func(cur string) (string, bool) { return cur + "b", true })
	if !ok || cur != "ab" || ver != 1 {
		t.Fatalf("update failed: %q %d %v", cur, ver, ok)
	}
	if calls != 1 {
		t.Fatalf("expected one notification, got %d", calls)
	}
}

func TestCompareAndSet(t *testing.T) {
	v := NewValue(1)
	ver := v.Set(2)
	v.Set(3)
	if _, ok := v.CompareAndSet(ver, 10); ok {
		t.Fatalf("stale compare-and-set should fail")
	}
	if _, ok := v.CompareAndSet(v.Version(), 10); !ok || v.Get() != 10 {
		t.Fatalf("current compare-and-set should succeed")
	}
}

func TestSubscriberMayRead(t *testing.T) {
	v := NewValue(0)
	var seen int
	v.Subscribe(func(n int) { seen = v.Get() + n })
	v.Set(5)
	if seen != 10 {
		t.Fatalf("expected subscriber to read the new value, got %d", seen)
	}
}

func TestConcurrentWritesAreSerialized(t *testing.T) {
	v := NewValue(0)
	var mu sync.Mutex
	var last int
	ordered := true
	v.Subscribe(func(n int) {
		mu.Lock()
		if n != last+1 {
			ordered = false
		}
		last = n
		mu.Unlock()
	})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Update(func(cur int) (int, bool) { return cur + 1, true })
		}()
	}
	wg.Wait()
	if v.Get() != 50 || !ordered {
		t.Fatalf("expected 50 ordered increments, got %d ordered=%v", v.Get(), ordered)
	}
}
