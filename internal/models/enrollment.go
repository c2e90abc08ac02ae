package models

import "time"

// Enrollment status constants
const (
	StatusPendingAccountCreation = "pending_account_creation"
	StatusEnrolled               = "enrolled"
	StatusFailed                 = "failed"
)

// Effective status values derived from a record plus the clock.
// "expired" is never stored; it is computed from ExpiryDate on read.
const (
	EffectiveExpired = "expired"
)

// Enrollment represents a locally-tracked intent to grant bounded-duration
// course access. The authoritative access state lives in Moodle; this record
// is the local ledger the reconciliation engine keeps in sync with it.
type Enrollment struct {
	ID               string     `gorm:"column:id;primaryKey"`
	UserEmail        string     `gorm:"column:user_email;uniqueIndex:idx_enrollments_email_course"`
	CourseID         int64      `gorm:"column:course_id;uniqueIndex:idx_enrollments_email_course"`
	CourseName       string     `gorm:"column:course_name"`
	Status           string     `gorm:"column:status;index"`
	EnrollmentDate   time.Time  `gorm:"column:enrollment_date"`
	ExpiryDate       time.Time  `gorm:"column:expiry_date"`
	SecretToken      string     `gorm:"column:secret_token;uniqueIndex"`
	MoodleUserID     *int64     `gorm:"column:moodle_user_id"`
	LastMoodleSync   *time.Time `gorm:"column:last_moodle_sync"`
	MoodleLastAccess *time.Time `gorm:"column:moodle_last_access"`
	RetryCount       int        `gorm:"column:retry_count"`
	Notes            *string    `gorm:"column:notes"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (Enrollment) TableName() string {
	return "enrollments"
}

// ExpiryFromDuration computes the expiry for an enrollment starting at
// enrolledAt and lasting durationMonths calendar months. Month-end dates
// normalize forward per time.AddDate (Jan 31 + 1 month = Mar 2/3).
func ExpiryFromDuration(enrolledAt time.Time, durationMonths int) time.Time {
	return enrolledAt.AddDate(0, durationMonths, 0)
}

// DurationMonths recovers the whole-month duration between an enrollment
// date and its expiry.
func DurationMonths(start, end time.Time) int {
	months := int(end.Year()-start.Year())*12 + int(end.Month()-start.Month())
	if months < 1 {
		months = 1
	}
	return months
}

// IsExpired reports whether the access window has closed at the given instant.
func (e *Enrollment) IsExpired(now time.Time) bool {
	return now.After(e.ExpiryDate)
}

// EffectiveStatus folds expiry into the stored status without mutating it.
// An enrolled record past its expiry date reads as "expired".
func (e *Enrollment) EffectiveStatus(now time.Time) string {
	if e.Status == StatusEnrolled && e.IsExpired(now) {
		return EffectiveExpired
	}
	return e.Status
}
