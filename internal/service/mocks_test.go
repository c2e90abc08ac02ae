package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/theodi/learning-orchestrator-sub000/internal/models"
	"github.com/theodi/learning-orchestrator-sub000/internal/moodle"
	"github.com/theodi/learning-orchestrator-sub000/internal/repository"
)

type mockGateway struct {
	lookupFunc func(ctx context.Context, email string) (*moodle.User, error)
	createFunc func(ctx context.Context, email, firstName, lastName string) (*moodle.User, error)
	enrollFunc func(ctx context.Context, userID, courseID int64, durationMonths int) error
	detailFunc func(ctx context.Context, userID, courseID int64) (*moodle.CourseDetail, error)

	mu          sync.Mutex
	lookupCalls int
	detailCalls int
	enrollCalls int
}

func (m *mockGateway) LookupUserByEmail(ctx context.Context, email string) (*moodle.User, error) {
	m.mu.Lock()
	m.lookupCalls++
	m.mu.Unlock()
	if m.lookupFunc != nil {
		return m.lookupFunc(ctx, email)
	}
	return nil, nil
}

func (m *mockGateway) CreateUser(ctx context.Context, email, firstName, lastName string) (*moodle.User, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, email, firstName, lastName)
	}
	return &moodle.User{ID: 999, Email: email}, nil
}

func (m *mockGateway) EnrollUser(ctx context.Context, userID, courseID int64, durationMonths int) error {
	m.mu.Lock()
	m.enrollCalls++
	m.mu.Unlock()
	if m.enrollFunc != nil {
		return m.enrollFunc(ctx, userID, courseID, durationMonths)
	}
	return nil
}

func (m *mockGateway) GetUserEnrollmentDetail(ctx context.Context, userID, courseID int64) (*moodle.CourseDetail, error) {
	m.mu.Lock()
	m.detailCalls++
	m.mu.Unlock()
	if m.detailFunc != nil {
		return m.detailFunc(ctx, userID, courseID)
	}
	return nil, nil
}

type mockCache struct {
	getFunc     func(ctx context.Context, courseID int64) ([]moodle.EnrolledUser, error)
	invalidated []int64
}

func (m *mockCache) Get(ctx context.Context, courseID int64) ([]moodle.EnrolledUser, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, courseID)
	}
	return nil, nil
}

func (m *mockCache) Invalidate(courseID int64) {
	m.invalidated = append(m.invalidated, courseID)
}

// mockStore is an in-memory EnrollmentStore keyed the way the real table is.
type mockStore struct {
	mu      sync.Mutex
	records map[string]*models.Enrollment // key: email|courseID

	createErr error
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[string]*models.Enrollment)}
}

func storeKey(email string, courseID int64) string {
	return email + "|" + strconv.FormatInt(courseID, 10)
}

func (m *mockStore) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storeKey(enrollment.UserEmail, enrollment.CourseID)
	if _, exists := m.records[key]; exists {
		return repository.ErrDuplicateEnrollment
	}
	cp := *enrollment
	m.records[key] = &cp
	return nil
}

func (m *mockStore) FindByEmailAndCourse(ctx context.Context, email string, courseID int64) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[storeKey(email, courseID)]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, repository.ErrEnrollmentNotFound
}

func (m *mockStore) FindByToken(ctx context.Context, token string) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.SecretToken == token {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, repository.ErrEnrollmentNotFound
}

func (m *mockStore) FindByEmail(ctx context.Context, email string) ([]models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Enrollment
	for _, rec := range m.records {
		if rec.UserEmail == email {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *mockStore) MarkEnrolled(ctx context.Context, id string, moodleUserID int64, lastAccess *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == id {
			now := time.Now()
			rec.Status = models.StatusEnrolled
			rec.MoodleUserID = &moodleUserID
			rec.LastMoodleSync = &now
			rec.MoodleLastAccess = lastAccess
			return nil
		}
	}
	return repository.ErrEnrollmentNotFound
}

func (m *mockStore) UpdateSyncState(ctx context.Context, id string, moodleUserID *int64, lastAccess *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == id {
			now := time.Now()
			rec.MoodleUserID = moodleUserID
			rec.LastMoodleSync = &now
			rec.MoodleLastAccess = lastAccess
			return nil
		}
	}
	return repository.ErrEnrollmentNotFound
}

func (m *mockStore) MarkFailed(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == id {
			rec.Status = models.StatusFailed
			rec.Notes = &reason
			return nil
		}
	}
	return repository.ErrEnrollmentNotFound
}

func (m *mockStore) get(email string, courseID int64) *models.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[storeKey(email, courseID)]
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
