package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/theodi/learning-orchestrator-sub000/internal/models"
)

var (
	ErrEnrollmentNotFound  = errors.New("enrollment not found")
	ErrDuplicateEnrollment = errors.New("enrollment already exists for this email and course")
)

type EnrollmentRepository struct {
	db *gorm.DB
}

func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Create inserts a new enrollment record. The unique (user_email, course_id)
// constraint is the idempotency guard for concurrent enrollment attempts;
// a violation surfaces as ErrDuplicateEnrollment.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	result := r.db.WithContext(ctx).Create(enrollment)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEnrollment
		}
		return fmt.Errorf("failed to create enrollment: %w", result.Error)
	}
	return nil
}

// FindByEmailAndCourse retrieves the single record for a (email, course) pair.
func (r *EnrollmentRepository) FindByEmailAndCourse(ctx context.Context, email string, courseID int64) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	result := r.db.WithContext(ctx).
		First(&enrollment, "user_email = ? AND course_id = ?", email, courseID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("failed to find enrollment: %w", result.Error)
	}
	return &enrollment, nil
}

// FindByToken retrieves an enrollment by its secret verification token.
func (r *EnrollmentRepository) FindByToken(ctx context.Context, token string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	result := r.db.WithContext(ctx).First(&enrollment, "secret_token = ?", token)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("failed to find enrollment by token: %w", result.Error)
	}
	return &enrollment, nil
}

// FindByEmail retrieves every enrollment record for a learner.
func (r *EnrollmentRepository) FindByEmail(ctx context.Context, email string) ([]models.Enrollment, error) {
	var enrollments []models.Enrollment
	result := r.db.WithContext(ctx).
		Where("user_email = ?", email).
		Order("created_at ASC").
		Find(&enrollments)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find enrollments: %w", result.Error)
	}
	return enrollments, nil
}

// FindPending retrieves records still waiting for a Moodle account,
// oldest first.
func (r *EnrollmentRepository) FindPending(ctx context.Context, limit int) ([]models.Enrollment, error) {
	var enrollments []models.Enrollment
	result := r.db.WithContext(ctx).
		Where("status = ?", models.StatusPendingAccountCreation).
		Order("created_at ASC").
		Limit(limit).
		Find(&enrollments)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find pending enrollments: %w", result.Error)
	}
	return enrollments, nil
}

// MarkEnrolled transitions a record to enrolled with its confirmed Moodle
// user id. Only called after the remote enrolment reported success.
func (r *EnrollmentRepository) MarkEnrolled(ctx context.Context, id string, moodleUserID int64, lastAccess *time.Time) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":             models.StatusEnrolled,
			"moodle_user_id":     moodleUserID,
			"last_moodle_sync":   now,
			"moodle_last_access": lastAccess,
			"updated_at":         now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark enrollment enrolled: %w", result.Error)
	}
	return nil
}

// UpdateSyncState records the latest reconciliation result for a record.
func (r *EnrollmentRepository) UpdateSyncState(ctx context.Context, id string, moodleUserID *int64, lastAccess *time.Time) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"moodle_user_id":     moodleUserID,
			"last_moodle_sync":   now,
			"moodle_last_access": lastAccess,
			"updated_at":         now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update sync state: %w", result.Error)
	}
	return nil
}

// MarkFailed transitions a record to failed with a reason.
func (r *EnrollmentRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	result := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.StatusFailed,
			"notes":      reason,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark enrollment failed: %w", result.Error)
	}
	return nil
}

// IncrementRetry increments the retry counter for a pending record.
func (r *EnrollmentRepository) IncrementRetry(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to increment retry count: %w", result.Error)
	}
	return nil
}

// DeleteOrphaned purges failed records older than the cutoff that exhausted
// their retries. This is the only path that removes enrollment records.
func (r *EnrollmentRepository) DeleteOrphaned(ctx context.Context, before time.Time, maxRetries int) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ? AND retry_count >= ?", models.StatusFailed, before, maxRetries).
		Delete(&models.Enrollment{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete orphaned enrollments: %w", result.Error)
	}
	return result.RowsAffected, nil
}
