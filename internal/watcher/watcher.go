package watcher

import (
	"context"
	"log"
	"time"

	"github.com/theodi/learning-orchestrator-sub000/internal/config"
	"github.com/theodi/learning-orchestrator-sub000/internal/models"
	"github.com/theodi/learning-orchestrator-sub000/internal/repository"
	"github.com/theodi/learning-orchestrator-sub000/internal/service"
)

const (
	pendingBatchSize = 25

	// orphanAge is how long a failed record that exhausted its retries
	// lingers before cleanup purges it.
	orphanAge = 30 * 24 * time.Hour
)

// Watcher periodically retries pending_account_creation records: a learner's
// Moodle account may appear at any time (self-registration, the verification
// flow on another course, manual admin work), at which point the promised
// enrolment can complete without the learner doing anything. It also runs the
// explicit cleanup pass that purges orphaned failed records.
type Watcher struct {
	cfg     *config.Config
	repo    *repository.EnrollmentRepository
	gateway service.MoodleGateway
	cache   service.EnrollmentCache
}

func New(cfg *config.Config, repo *repository.EnrollmentRepository, gateway service.MoodleGateway, cache service.EnrollmentCache) *Watcher {
	return &Watcher{cfg: cfg, repo: repo, gateway: gateway, cache: cache}
}

// Start begins watching for pending enrollments
func (w *Watcher) Start(ctx context.Context) error {
	log.Println("Starting watcher for pending enrollments...")

	// Process any pending records from previous runs
	if err := w.sweep(ctx); err != nil {
		log.Printf("Warning: failed to process pending enrollments on startup: %v", err)
	}

	// Start polling loop
	ticker := time.NewTicker(time.Duration(w.cfg.PollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Watcher shutting down...")
			return ctx.Err()
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				log.Printf("Error processing pending enrollments: %v", err)
			}
		}
	}
}

// sweep retries pending records and then cleans up orphans.
func (w *Watcher) sweep(ctx context.Context) error {
	pending, err := w.repo.FindPending(ctx, pendingBatchSize)
	if err != nil {
		return err
	}

	if len(pending) > 0 {
		log.Printf("Found %d pending enrollment(s) to retry", len(pending))
	}

	for _, rec := range pending {
		if err := w.retryPending(ctx, rec); err != nil {
			log.Printf("Failed to retry pending enrollment %s: %v", rec.ID, err)
		}
	}

	purged, err := w.repo.DeleteOrphaned(ctx, time.Now().Add(-orphanAge), w.cfg.MaxRetries)
	if err != nil {
		return err
	}
	if purged > 0 {
		log.Printf("Purged %d orphaned enrollment record(s)", purged)
	}
	return nil
}

// retryPending completes one pending record if its Moodle account has since
// appeared. The watcher never creates accounts; that stays with the
// learner-driven verification flow.
func (w *Watcher) retryPending(ctx context.Context, rec models.Enrollment) error {
	user, err := w.gateway.LookupUserByEmail(ctx, rec.UserEmail)
	if err != nil {
		return err
	}

	if user == nil {
		if rec.RetryCount+1 >= w.cfg.MaxRetries {
			log.Printf("Pending enrollment %s (%s) exhausted retries, marking failed", rec.ID, rec.UserEmail)
			return w.repo.MarkFailed(ctx, rec.ID, "no moodle account appeared within retry budget")
		}
		return w.repo.IncrementRetry(ctx, rec.ID)
	}

	months := models.DurationMonths(rec.EnrollmentDate, rec.ExpiryDate)
	if err := w.gateway.EnrollUser(ctx, user.ID, rec.CourseID, months); err != nil {
		if incErr := w.repo.IncrementRetry(ctx, rec.ID); incErr != nil {
			log.Printf("Warning: failed to increment retry count for %s: %v", rec.ID, incErr)
		}
		return err
	}

	if err := w.repo.MarkEnrolled(ctx, rec.ID, user.ID, nil); err != nil {
		return err
	}
	w.cache.Invalidate(rec.CourseID)
	log.Printf("Completed pending enrollment %s: %s on course %d (moodle user %d)",
		rec.ID, rec.UserEmail, rec.CourseID, user.ID)
	return nil
}
