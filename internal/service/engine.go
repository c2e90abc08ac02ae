package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/theodi/learning-orchestrator-sub000/internal/models"
	"github.com/theodi/learning-orchestrator-sub000/internal/moodle"
)

// MoodleGateway is the slice of the LMS client the services depend on.
type MoodleGateway interface {
	LookupUserByEmail(ctx context.Context, email string) (*moodle.User, error)
	CreateUser(ctx context.Context, email, firstName, lastName string) (*moodle.User, error)
	EnrollUser(ctx context.Context, userID, courseID int64, durationMonths int) error
	GetUserEnrollmentDetail(ctx context.Context, userID, courseID int64) (*moodle.CourseDetail, error)
}

// EnrollmentCache serves course enrolled-user lists; the engine never calls
// ListCourseEnrollments on the gateway directly.
type EnrollmentCache interface {
	Get(ctx context.Context, courseID int64) ([]moodle.EnrolledUser, error)
	Invalidate(courseID int64)
}

// EnrollmentStore is the persistence collaborator for the local ledger.
type EnrollmentStore interface {
	Create(ctx context.Context, enrollment *models.Enrollment) error
	FindByEmailAndCourse(ctx context.Context, email string, courseID int64) (*models.Enrollment, error)
	FindByToken(ctx context.Context, token string) (*models.Enrollment, error)
	FindByEmail(ctx context.Context, email string) ([]models.Enrollment, error)
	MarkEnrolled(ctx context.Context, id string, moodleUserID int64, lastAccess *time.Time) error
	UpdateSyncState(ctx context.Context, id string, moodleUserID *int64, lastAccess *time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

// StatusResult is the reconciled (course, learner) fact.
type StatusResult struct {
	Enrolled          bool       `json:"enrolled"`
	Accessed          bool       `json:"accessed"`
	LastAccess        *time.Time `json:"last_access,omitempty"`
	VerificationToken string     `json:"verification_token,omitempty"`
}

// CourseStatus pairs a course with its reconciled status for scan results.
type CourseStatus struct {
	CourseID   int64        `json:"course_id"`
	CourseName string       `json:"course_name"`
	Status     StatusResult `json:"status"`
}

// Engine reconciles the local enrollment ledger against Moodle. GetStatus is
// a pure read; Reconcile additionally performs opportunistic repair, enrolling
// a learner whose account exists but whose enrolment went missing.
type Engine struct {
	gateway MoodleGateway
	cache   EnrollmentCache
	store   EnrollmentStore
}

func NewEngine(gateway MoodleGateway, cache EnrollmentCache, store EnrollmentStore) *Engine {
	return &Engine{gateway: gateway, cache: cache, store: store}
}

// memo caches per-user gateway lookups for one logical invocation, so
// scanning many courses for one learner repeats no remote calls.
type memo struct {
	users   map[string]*moodle.User
	details map[string]*moodle.CourseDetail
}

func newMemo() *memo {
	return &memo{
		users:   make(map[string]*moodle.User),
		details: make(map[string]*moodle.CourseDetail),
	}
}

func detailKey(userID, courseID int64) string {
	return fmt.Sprintf("%d:%d", userID, courseID)
}

// GetStatus answers "is this learner enrolled and have they used the course"
// without mutating remote state. Gateway errors propagate.
func (e *Engine) GetStatus(ctx context.Context, courseID int64, email string) (StatusResult, error) {
	res, _, err := e.getStatus(ctx, newMemo(), courseID, email)
	return res, err
}

// StatusScan computes the reconciled status for one learner across many
// courses, sharing a single lookup memo across the whole scan.
func (e *Engine) StatusScan(ctx context.Context, email string, courses []models.Enrollment) ([]CourseStatus, error) {
	m := newMemo()
	results := make([]CourseStatus, 0, len(courses))
	for _, c := range courses {
		res, _, err := e.getStatus(ctx, m, c.CourseID, email)
		if err != nil {
			return nil, fmt.Errorf("status for course %d: %w", c.CourseID, err)
		}
		results = append(results, CourseStatus{CourseID: c.CourseID, CourseName: c.CourseName, Status: res})
	}
	return results, nil
}

// Reconcile is GetStatus plus opportunistic repair: when a Moodle account
// exists but the enrolment is missing, enrol for durationMonths and re-check.
// Repair failures are swallowed and the learner reads as not yet enrolled,
// so callers can poll safely.
//
// NOTE: this is a side-effecting read. Callers that must not touch remote
// state use GetStatus instead.
func (e *Engine) Reconcile(ctx context.Context, courseID int64, email string, durationMonths int) (StatusResult, error) {
	m := newMemo()
	res, user, err := e.getStatus(ctx, m, courseID, email)
	if err != nil || res.Enrolled || user == nil {
		return res, err
	}

	email = NormalizeEmail(email)
	log.Printf("Repairing enrolment: user %d (%s) missing from course %d", user.ID, email, courseID)

	if err := e.gateway.EnrollUser(ctx, user.ID, courseID, durationMonths); err != nil {
		log.Printf("Warning: repair enrolment failed for %s on course %d: %v", email, courseID, err)
		return res, nil
	}

	delete(m.details, detailKey(user.ID, courseID))
	detail, err := e.gateway.GetUserEnrollmentDetail(ctx, user.ID, courseID)
	if err != nil || detail == nil {
		log.Printf("Warning: repair enrolment unconfirmed for %s on course %d: %v", email, courseID, err)
		return res, nil
	}

	res.Enrolled = true
	res.VerificationToken = ""
	if detail.LastAccess > 0 {
		t := time.Unix(detail.LastAccess, 0)
		res.Accessed = true
		res.LastAccess = &t
	}

	e.cache.Invalidate(courseID)
	e.syncLocal(ctx, email, courseID, user.ID, res.LastAccess)
	return res, nil
}

func (e *Engine) getStatus(ctx context.Context, m *memo, courseID int64, email string) (StatusResult, *moodle.User, error) {
	var res StatusResult

	email = NormalizeEmail(email)
	if email == "" {
		return res, nil, fmt.Errorf("%w: email is required", ErrValidation)
	}
	if courseID <= 0 {
		return res, nil, fmt.Errorf("%w: course id is required", ErrValidation)
	}

	enrolled, err := e.cache.Get(ctx, courseID)
	if err != nil {
		return res, nil, err
	}

	for _, u := range enrolled {
		if NormalizeEmail(u.Email) != email {
			continue
		}
		res.Enrolled = true
		user := &moodle.User{ID: u.ID, Email: u.Email, FullName: u.FullName}

		// Fast path: the list entry itself carries the access signal.
		if u.LastCourseAccess > 0 {
			t := time.Unix(u.LastCourseAccess, 0)
			res.Accessed = true
			res.LastAccess = &t
			e.syncLocal(ctx, email, courseID, u.ID, &t)
			return res, user, nil
		}

		// Authoritative per-user detail; accessed only on a course-specific
		// timestamp.
		detail, err := e.detail(ctx, m, u.ID, courseID)
		if err != nil {
			return res, nil, err
		}
		if detail != nil && detail.LastAccess > 0 {
			t := time.Unix(detail.LastAccess, 0)
			res.Accessed = true
			res.LastAccess = &t
		}
		e.syncLocal(ctx, email, courseID, u.ID, res.LastAccess)
		return res, user, nil
	}

	// Not on the enrolled list: resolve an account by email.
	user, err := e.userByEmail(ctx, m, email)
	if err != nil {
		return res, nil, err
	}
	if user == nil {
		// No account at all. Surface any local pending record's token as the
		// verification handle.
		if rec, err := e.store.FindByEmailAndCourse(ctx, email, courseID); err == nil &&
			rec.Status == models.StatusPendingAccountCreation {
			res.VerificationToken = rec.SecretToken
		}
		return res, nil, nil
	}

	// Account exists. The cached list can lag a fresh enrolment, so confirm
	// against the per-user detail before reporting not-enrolled.
	detail, err := e.detail(ctx, m, user.ID, courseID)
	if err != nil {
		return res, user, err
	}
	if detail != nil {
		res.Enrolled = true
		if detail.LastAccess > 0 {
			t := time.Unix(detail.LastAccess, 0)
			res.Accessed = true
			res.LastAccess = &t
		}
		e.syncLocal(ctx, email, courseID, user.ID, res.LastAccess)
	}
	return res, user, nil
}

func (e *Engine) userByEmail(ctx context.Context, m *memo, email string) (*moodle.User, error) {
	if u, ok := m.users[email]; ok {
		return u, nil
	}
	u, err := e.gateway.LookupUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	m.users[email] = u
	return u, nil
}

func (e *Engine) detail(ctx context.Context, m *memo, userID, courseID int64) (*moodle.CourseDetail, error) {
	key := detailKey(userID, courseID)
	if d, ok := m.details[key]; ok {
		return d, nil
	}
	d, err := e.gateway.GetUserEnrollmentDetail(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	m.details[key] = d
	return d, nil
}

// syncLocal repairs the local ledger from confirmed remote facts. Moodle
// already reported the learner enrolled here, so promoting a pending record
// keeps the never-enrolled-before-confirmation invariant. Best effort: a
// ledger write failure must not fail the read.
func (e *Engine) syncLocal(ctx context.Context, email string, courseID, moodleUserID int64, lastAccess *time.Time) {
	rec, err := e.store.FindByEmailAndCourse(ctx, email, courseID)
	if err != nil {
		return
	}
	if rec.Status == models.StatusEnrolled {
		if err := e.store.UpdateSyncState(ctx, rec.ID, &moodleUserID, lastAccess); err != nil {
			log.Printf("Warning: failed to update sync state for %s: %v", rec.ID, err)
		}
		return
	}
	if err := e.store.MarkEnrolled(ctx, rec.ID, moodleUserID, lastAccess); err != nil {
		log.Printf("Warning: failed to promote enrollment %s: %v", rec.ID, err)
	}
}
