package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestResourceLockManager_AcquireRelease(t *testing.T) {
	mgr := NewResourceLockManager()

	if !mgr.TryAcquire("t1", []string{"main.go", "go.mod"}) {
		t.Fatal("first acquire should succeed")
	}
	if holder, ok := mgr.Holder("go.mod"); !ok || holder != "t1" {
		t.Errorf("Holder(go.mod) = %q, %v; want t1, true", holder, ok)
	}

	mgr.ReleaseAll("t1")
	if _, ok := mgr.Holder("main.go"); ok {
		t.Error("main.go still held after ReleaseAll")
	}
	if !mgr.TryAcquire("t2", []string{"main.go"}) {
		t.Error("acquire after release should succeed")
	}
}

func TestResourceLockManager_AllOrNothing(t *testing.T) {
	mgr := NewResourceLockManager()
	mgr.TryAcquire("t1", []string{"b"})

	if mgr.TryAcquire("t2", []string{"a", "b", "c"}) {
		t.Fatal("acquire overlapping a held key should fail")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok := mgr.Holder(key); ok {
			t.Errorf("failed acquire left %q held", key)
		}
	}
	if mgr.Available("t2", []string{"b"}) {
		t.Error("b should not be available to t2")
	}
	if !mgr.Available("t1", []string{"b"}) {
		t.Error("a holder should see its own keys as available")
	}
}

func TestResourceLockManager_EmptyKeys(t *testing.T) {
	mgr := NewResourceLockManager()
	mgr.TryAcquire("t1", []string{"x"})

	if !mgr.TryAcquire("t2", nil) {
		t.Error("tasks without resources always acquire")
	}
	mgr.ReleaseAll("unknown")
	if holder, _ := mgr.Holder("x"); holder != "t1" {
		t.Errorf("releasing an unknown task freed x (holder %q)", holder)
	}
}

func TestResourceLockManager_Reacquire(t *testing.T) {
	mgr := NewResourceLockManager()
	if !mgr.TryAcquire("t1", []string{"x"}) {
		t.Fatal("acquire failed")
	}
	if !mgr.TryAcquire("t1", []string{"x", "y"}) {
		t.Fatal("re-acquire by the same task should succeed")
	}
	mgr.ReleaseAll("t1")
	if _, ok := mgr.Holder("x"); ok {
		t.Error("x still held")
	}
}

func TestResourceLockManager_ConcurrentExclusion(t *testing.T) {
	mgr := NewResourceLockManager()
	var winners atomic.Int32
	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			if mgr.TryAcquire(id, []string{"shared", id}) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("%d tasks acquired the shared key, want exactly 1", got)
	}
}
