package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/theodi/learning-orchestrator-sub000/internal/models"
	"github.com/theodi/learning-orchestrator-sub000/internal/repository"
)

// EnrolledResult is one successfully enrolled learner in a bulk run.
type EnrolledResult struct {
	Email        string `json:"email"`
	MoodleUserID int64  `json:"moodle_user_id"`
}

// PendingResult is a learner without a Moodle account yet; the token is the
// out-of-band verification handle.
type PendingResult struct {
	Email             string `json:"email"`
	VerificationToken string `json:"verification_token"`
}

// FailedResult is a learner that could not be processed, with a reason.
type FailedResult struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

// BulkResult enumerates every input email in exactly one bucket.
type BulkResult struct {
	Successful []EnrolledResult `json:"successful"`
	Pending    []PendingResult  `json:"pending"`
	Failed     []FailedResult   `json:"failed"`
}

// BulkProcessor drives enrollment across many learners for one course.
// Learners are processed independently and sequentially; one failure never
// aborts the batch.
type BulkProcessor struct {
	gateway MoodleGateway
	store   EnrollmentStore
}

func NewBulkProcessor(gateway MoodleGateway, store EnrollmentStore) *BulkProcessor {
	return &BulkProcessor{gateway: gateway, store: store}
}

// ProcessBulkEnrollment enrols each email on the course for durationMonths.
// A record is persisted as enrolled only after Moodle confirms the enrolment;
// a learner with no Moodle account gets a pending record plus token instead.
func (p *BulkProcessor) ProcessBulkEnrollment(ctx context.Context, courseID int64, courseName string, emails []string, durationMonths int) (BulkResult, error) {
	var result BulkResult

	if courseID <= 0 {
		return result, fmt.Errorf("%w: course id is required", ErrValidation)
	}
	if len(emails) == 0 {
		return result, fmt.Errorf("%w: at least one email is required", ErrValidation)
	}
	if durationMonths <= 0 {
		return result, fmt.Errorf("%w: duration must be positive", ErrValidation)
	}

	result.Successful = []EnrolledResult{}
	result.Pending = []PendingResult{}
	result.Failed = []FailedResult{}

	for _, raw := range emails {
		email := NormalizeEmail(raw)
		if email == "" {
			result.Failed = append(result.Failed, FailedResult{Email: raw, Reason: "email is required"})
			continue
		}
		p.processOne(ctx, &result, email, courseID, courseName, durationMonths)
	}

	log.Printf("Bulk enrollment for course %d: %d enrolled, %d pending, %d failed",
		courseID, len(result.Successful), len(result.Pending), len(result.Failed))
	return result, nil
}

func (p *BulkProcessor) processOne(ctx context.Context, result *BulkResult, email string, courseID int64, courseName string, durationMonths int) {
	if _, err := p.store.FindByEmailAndCourse(ctx, email, courseID); err == nil {
		result.Failed = append(result.Failed, FailedResult{
			Email:  email,
			Reason: "an enrollment already exists for this email and course",
		})
		return
	} else if !errors.Is(err, repository.ErrEnrollmentNotFound) {
		result.Failed = append(result.Failed, FailedResult{Email: email, Reason: err.Error()})
		return
	}

	token, err := GenerateSecretToken()
	if err != nil {
		result.Failed = append(result.Failed, FailedResult{Email: email, Reason: err.Error()})
		return
	}

	now := time.Now()
	record := &models.Enrollment{
		ID:             uuid.New().String(),
		UserEmail:      email,
		CourseID:       courseID,
		CourseName:     courseName,
		EnrollmentDate: now,
		ExpiryDate:     models.ExpiryFromDuration(now, durationMonths),
		SecretToken:    token,
	}

	user, err := p.gateway.LookupUserByEmail(ctx, email)
	if err != nil {
		result.Failed = append(result.Failed, FailedResult{Email: email, Reason: err.Error()})
		return
	}

	if user == nil {
		// No Moodle account: promise the seat locally and hand back a token.
		record.Status = models.StatusPendingAccountCreation
		if err := p.store.Create(ctx, record); err != nil {
			result.Failed = append(result.Failed, FailedResult{Email: email, Reason: err.Error()})
			return
		}
		result.Pending = append(result.Pending, PendingResult{Email: email, VerificationToken: token})
		return
	}

	if err := p.gateway.EnrollUser(ctx, user.ID, courseID, durationMonths); err != nil {
		// Remote enrolment failed: persist nothing for this learner.
		result.Failed = append(result.Failed, FailedResult{Email: email, Reason: err.Error()})
		return
	}

	record.Status = models.StatusEnrolled
	record.MoodleUserID = &user.ID
	record.LastMoodleSync = &now
	if err := p.store.Create(ctx, record); err != nil {
		result.Failed = append(result.Failed, FailedResult{Email: email, Reason: err.Error()})
		return
	}

	result.Successful = append(result.Successful, EnrolledResult{Email: email, MoodleUserID: user.ID})
}
