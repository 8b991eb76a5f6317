package bridge

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xcawolfe-amzn/ccbridge/internal/store"
)

func openCoordStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestConcurrentThreadForCreatesOnce(t *testing.T) {
	st := openCoordStore(t)
	if err := st.Create(&store.Session{ID: "s1", ChatID: 1}); err != nil {
		t.Fatal(err)
	}

	var creations atomic.Int64
	c := newCoordinator(st, func(sess *store.Session) (int64, error) {
		creations.Add(1)
		time.Sleep(50 * time.Millisecond) // widen the race window
		return 42, nil
	}, 2*time.Second)

	sess, _ := st.Get("s1")
	var wg sync.WaitGroup
	ids := make([]int64, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := c.threadFor(sess)
			if err != nil {
				t.Errorf("threadFor: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	if got := creations.Load(); got != 1 {
		t.Errorf("topic created %d times, want 1", got)
	}
	for i, id := range ids {
		if id != 42 {
			t.Errorf("waiter %d got thread %d, want 42", i, id)
		}
	}

	stored, _ := st.Get("s1")
	if stored.ThreadID != 42 {
		t.Errorf("persisted thread = %d", stored.ThreadID)
	}
}

func TestThreadForTimesOut(t *testing.T) {
	st := openCoordStore(t)
	_ = st.Create(&store.Session{ID: "s1", ChatID: 1})

	c := newCoordinator(st, func(sess *store.Session) (int64, error) {
		time.Sleep(500 * time.Millisecond)
		return 1, nil
	}, 30*time.Millisecond)

	sess, _ := st.Get("s1")
	if _, err := c.threadFor(sess); !errors.Is(err, ErrThreadTimeout) {
		t.Errorf("threadFor() = %v, want ErrThreadTimeout", err)
	}
}

func TestThreadForUsesExistingBinding(t *testing.T) {
	st := openCoordStore(t)
	_ = st.Create(&store.Session{ID: "s1", ChatID: 1})
	_ = st.SetThreadID("s1", 7)

	c := newCoordinator(st, func(sess *store.Session) (int64, error) {
		t.Error("creator invoked for already-bound session")
		return 0, nil
	}, time.Second)

	sess, _ := st.Get("s1")
	id, err := c.threadFor(sess)
	if err != nil || id != 7 {
		t.Errorf("threadFor() = %d, %v, want 7", id, err)
	}
}

func TestThreadForRechecksStoreInsideGate(t *testing.T) {
	st := openCoordStore(t)
	_ = st.Create(&store.Session{ID: "s1", ChatID: 1})

	// The caller holds a stale snapshot without a thread id, but the store
	// was bound meanwhile (restart recovery path).
	stale, _ := st.Get("s1")
	_ = st.SetThreadID("s1", 9)

	c := newCoordinator(st, func(sess *store.Session) (int64, error) {
		t.Error("creator invoked despite existing binding in store")
		return 0, nil
	}, time.Second)

	id, err := c.threadFor(stale)
	if err != nil || id != 9 {
		t.Errorf("threadFor() = %d, %v, want 9", id, err)
	}
}

func TestForgetDropsCacheOnly(t *testing.T) {
	st := openCoordStore(t)
	_ = st.Create(&store.Session{ID: "s1", ChatID: 1})
	_ = st.SetThreadID("s1", 5)

	c := newCoordinator(st, nil, time.Second)
	sess, _ := st.Get("s1")
	if _, err := c.threadFor(sess); err != nil {
		t.Fatal(err)
	}
	c.forget("s1")

	// Store binding survives; next call rebuilds the cache from it.
	id, err := c.threadFor(sess)
	if err != nil || id != 5 {
		t.Errorf("threadFor() after forget = %d, %v, want 5", id, err)
	}
}
