package cache

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/theodi/learning-orchestrator-sub000/internal/moodle"
)

const (
	// DefaultTTL is how long a fetched enrolled-user list stays fresh.
	DefaultTTL = 5 * time.Minute

	// refreshWorkers bounds concurrent course fetches during a batch refresh.
	refreshWorkers = 5
)

// EnrollmentLister is the slice of the Moodle gateway the cache depends on.
type EnrollmentLister interface {
	ListCourseEnrollments(ctx context.Context, courseID int64) ([]moodle.EnrolledUser, error)
}

type entry struct {
	users     []moodle.EnrolledUser
	fetchedAt time.Time
}

// CourseEnrollments caches per-course enrolled-user lists with a short TTL.
// Concurrent callers for the same course while a fetch is in flight share
// that single fetch, so N overlapping lookups cost one remote call.
type CourseEnrollments struct {
	lister EnrollmentLister
	ttl    time.Duration
	now    func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	entries map[int64]entry
}

func New(lister EnrollmentLister, ttl time.Duration) *CourseEnrollments {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CourseEnrollments{
		lister:  lister,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[int64]entry),
	}
}

// SetClock overrides the cache's clock. Test hook.
func (c *CourseEnrollments) SetClock(now func() time.Time) {
	c.now = now
}

// Get returns the enrolled-user list for a course, from cache when fresh.
// Fetch failures are not cached; the next caller retries.
func (c *CourseEnrollments) Get(ctx context.Context, courseID int64) ([]moodle.EnrolledUser, error) {
	if users, ok := c.lookup(courseID); ok {
		return users, nil
	}

	v, err, _ := c.group.Do(strconv.FormatInt(courseID, 10), func() (interface{}, error) {
		// A fetch that completed while this caller queued counts as fresh.
		if users, ok := c.lookup(courseID); ok {
			return users, nil
		}
		users, err := c.lister.ListCourseEnrollments(ctx, courseID)
		if err != nil {
			return nil, err
		}
		c.store(courseID, users)
		return users, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]moodle.EnrolledUser), nil
}

// Invalidate drops the cached list for a course.
func (c *CourseEnrollments) Invalidate(courseID int64) {
	c.mu.Lock()
	delete(c.entries, courseID)
	c.mu.Unlock()
}

// Refresh warms the cache for many courses at once with a bounded number of
// concurrent fetches. A failed course is logged and skipped; the rest warm.
func (c *CourseEnrollments) Refresh(ctx context.Context, courseIDs []int64) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshWorkers)

	for _, id := range courseIDs {
		g.Go(func() error {
			users, err := c.lister.ListCourseEnrollments(ctx, id)
			if err != nil {
				log.Printf("Warning: refresh of course %d failed: %v", id, err)
				return nil
			}
			c.store(id, users)
			return nil
		})
	}
	return g.Wait()
}

func (c *CourseEnrollments) lookup(courseID int64) ([]moodle.EnrolledUser, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[courseID]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	return e.users, true
}

func (c *CourseEnrollments) store(courseID int64, users []moodle.EnrolledUser) {
	c.mu.Lock()
	c.entries[courseID] = entry{users: users, fetchedAt: c.now()}
	c.mu.Unlock()
}
