package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/theodi/learning-orchestrator-sub000/internal/models"
	"github.com/theodi/learning-orchestrator-sub000/internal/repository"
)

// Verifier completes pending enrollments through the secret-token flow:
// a learner promised a seat before having a Moodle account proves ownership
// of the token, gets an account created if needed, and is enrolled.
type Verifier struct {
	gateway MoodleGateway
	cache   EnrollmentCache
	store   EnrollmentStore
}

func NewVerifier(gateway MoodleGateway, cache EnrollmentCache, store EnrollmentStore) *Verifier {
	return &Verifier{gateway: gateway, cache: cache, store: store}
}

// GetEnrollmentByToken resolves a verification token to its record.
func (v *Verifier) GetEnrollmentByToken(ctx context.Context, token string) (*models.Enrollment, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrValidation)
	}
	rec, err := v.store.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrEnrollmentNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return rec, nil
}

// VerifyAndComplete finishes a pending enrollment: create the Moodle account
// if it still does not exist, enrol the learner for the record's original
// duration, and promote the record to enrolled. Re-running it against an
// already-enrolled record is a state error, never a double enrolment.
func (v *Verifier) VerifyAndComplete(ctx context.Context, token string) (*models.Enrollment, error) {
	rec, err := v.GetEnrollmentByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.StatusEnrolled {
		return nil, ErrAlreadyEnrolled
	}

	user, err := v.gateway.LookupUserByEmail(ctx, rec.UserEmail)
	if err != nil {
		return nil, err
	}
	if user == nil {
		first, last := nameFromEmail(rec.UserEmail)
		user, err = v.gateway.CreateUser(ctx, rec.UserEmail, first, last)
		if err != nil {
			return nil, err
		}
		log.Printf("Created Moodle account %d for %s", user.ID, rec.UserEmail)
	}

	months := models.DurationMonths(rec.EnrollmentDate, rec.ExpiryDate)
	if err := v.gateway.EnrollUser(ctx, user.ID, rec.CourseID, months); err != nil {
		return nil, err
	}

	if err := v.store.MarkEnrolled(ctx, rec.ID, user.ID, nil); err != nil {
		return nil, err
	}
	v.cache.Invalidate(rec.CourseID)

	now := time.Now()
	rec.Status = models.StatusEnrolled
	rec.MoodleUserID = &user.ID
	rec.LastMoodleSync = &now
	log.Printf("Verified and enrolled %s on course %d (moodle user %d)", rec.UserEmail, rec.CourseID, user.ID)
	return rec, nil
}

func nameFromEmail(email string) (string, string) {
	local := email
	if at := strings.Index(email, "@"); at > 0 {
		local = email[:at]
	}
	parts := strings.FieldsFunc(local, func(r rune) bool { return r == '.' || r == '_' || r == '-' })
	if len(parts) >= 2 {
		return capitalize(parts[0]), capitalize(parts[len(parts)-1])
	}
	return capitalize(local), "Learner"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
