package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/theodi/learning-orchestrator-sub000/internal/moodle"
)

type mockLister struct {
	mu    sync.Mutex
	calls int32
	delay time.Duration
	users map[int64][]moodle.EnrolledUser
	err   error
}

func (m *mockLister) ListCourseEnrollments(ctx context.Context, courseID int64) ([]moodle.EnrolledUser, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[courseID], nil
}

func (m *mockLister) callCount() int32 {
	return atomic.LoadInt32(&m.calls)
}

func TestGet_CoalescesConcurrentFetches(t *testing.T) {
	lister := &mockLister{
		delay: 50 * time.Millisecond,
		users: map[int64][]moodle.EnrolledUser{
			10: {{ID: 1, Email: "a@x.com"}},
		},
	}
	c := New(lister, time.Minute)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			users, err := c.Get(context.Background(), 10)
			if err == nil && len(users) != 1 {
				err = errors.New("unexpected user list")
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := lister.callCount(); got != 1 {
		t.Errorf("expected exactly 1 remote call, got %d", got)
	}
}

func TestGet_ServesFromCacheWithinTTL(t *testing.T) {
	lister := &mockLister{users: map[int64][]moodle.EnrolledUser{10: {{ID: 1}}}}
	c := New(lister, time.Minute)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })

	if _, err := c.Get(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	now = now.Add(30 * time.Second)
	if _, err := c.Get(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	if got := lister.callCount(); got != 1 {
		t.Errorf("expected 1 remote call within TTL, got %d", got)
	}
}

func TestGet_RefetchesAfterTTL(t *testing.T) {
	lister := &mockLister{users: map[int64][]moodle.EnrolledUser{10: {{ID: 1}}}}
	c := New(lister, time.Minute)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })

	if _, err := c.Get(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	if _, err := c.Get(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	if got := lister.callCount(); got != 2 {
		t.Errorf("expected refetch after TTL, got %d calls", got)
	}
}

func TestGet_FailuresAreNotCached(t *testing.T) {
	lister := &mockLister{err: errors.New("moodle down")}
	c := New(lister, time.Minute)

	if _, err := c.Get(context.Background(), 10); err == nil {
		t.Fatal("expected error from failed fetch")
	}

	lister.err = nil
	lister.mu.Lock()
	lister.users = map[int64][]moodle.EnrolledUser{10: {{ID: 1}}}
	lister.mu.Unlock()

	users, err := c.Get(context.Background(), 10)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(users) != 1 {
		t.Errorf("expected 1 user, got %d", len(users))
	}
}

func TestInvalidate(t *testing.T) {
	lister := &mockLister{users: map[int64][]moodle.EnrolledUser{10: {{ID: 1}}}}
	c := New(lister, time.Minute)

	if _, err := c.Get(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	c.Invalidate(10)
	if _, err := c.Get(context.Background(), 10); err != nil {
		t.Fatal(err)
	}

	if got := lister.callCount(); got != 2 {
		t.Errorf("expected refetch after invalidate, got %d calls", got)
	}
}

func TestRefresh_WarmsManyCourses(t *testing.T) {
	lister := &mockLister{users: map[int64][]moodle.EnrolledUser{
		1: {{ID: 1}}, 2: {{ID: 2}}, 3: {{ID: 3}},
	}}
	c := New(lister, time.Minute)

	if err := c.Refresh(context.Background(), []int64{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if got := lister.callCount(); got != 3 {
		t.Fatalf("expected 3 fetches, got %d", got)
	}

	// All three now served from cache
	for _, id := range []int64{1, 2, 3} {
		if _, err := c.Get(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}
	if got := lister.callCount(); got != 3 {
		t.Errorf("expected no extra fetches after refresh, got %d", got)
	}
}
