package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xcawolfe-amzn/ccbridge/internal/store"
)

// ErrThreadTimeout means a thread was not available within the bounded
// wait. The caller drops the message; posting to the channel general would
// mis-route it, which is worse than losing it.
var ErrThreadTimeout = errors.New("timed out waiting for session thread")

// topicCreator makes the forum topic for a session and returns its thread
// id. Wired to the chat adapter; replaced in tests.
type topicCreator func(sess *store.Session) (int64, error)

// coordinator guarantees at most one forum topic per session id under
// concurrent first events. The store is the source of truth; the local map
// is a rebuild-on-miss cache. The single-flight group is the atomic
// check-and-install gate: every concurrent caller for one id shares the
// same in-flight creation.
type coordinator struct {
	store  *store.Store
	create topicCreator
	wait   time.Duration

	group singleflight.Group

	mu      sync.Mutex
	threads map[string]int64
}

func newCoordinator(st *store.Store, create topicCreator, wait time.Duration) *coordinator {
	return &coordinator{
		store:   st,
		create:  create,
		wait:    wait,
		threads: make(map[string]int64),
	}
}

// threadFor returns the thread id for a session, creating the topic on
// first need. Bounded by the configured wait; ErrThreadTimeout means drop.
func (c *coordinator) threadFor(sess *store.Session) (int64, error) {
	c.mu.Lock()
	id, ok := c.threads[sess.ID]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	if sess.ThreadID != 0 {
		c.remember(sess.ID, sess.ThreadID)
		return sess.ThreadID, nil
	}

	ch := c.group.DoChan(sess.ID, func() (any, error) {
		return c.createOnce(sess)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		id := res.Val.(int64)
		c.remember(sess.ID, id)
		return id, nil
	case <-time.After(c.wait):
		return 0, ErrThreadTimeout
	}
}

// createOnce runs inside the single-flight gate. It re-reads the store
// first: a previous flight (or a restart) may already have bound a thread.
func (c *coordinator) createOnce(sess *store.Session) (any, error) {
	cur, err := c.store.Get(sess.ID)
	if err == nil && cur.ThreadID != 0 {
		return cur.ThreadID, nil
	}

	id, err := c.create(sess)
	if err != nil {
		return nil, fmt.Errorf("creating topic for %s: %w", sess.ID, err)
	}
	if err := c.store.SetThreadID(sess.ID, id); err != nil {
		return nil, err
	}

	// SetThreadID is first-bind-wins; read back in case we lost the bind.
	cur, err = c.store.Get(sess.ID)
	if err != nil {
		return nil, err
	}
	return cur.ThreadID, nil
}

func (c *coordinator) remember(sessionID string, threadID int64) {
	c.mu.Lock()
	c.threads[sessionID] = threadID
	c.mu.Unlock()
}

// forget drops the cache entry when a session ends.
func (c *coordinator) forget(sessionID string) {
	c.mu.Lock()
	delete(c.threads, sessionID)
	c.mu.Unlock()
}
