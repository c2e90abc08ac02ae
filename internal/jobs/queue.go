package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theodi/learning-orchestrator-sub000/internal/models"
	"github.com/theodi/learning-orchestrator-sub000/internal/service"
)

// Job status constants
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Contact is a learner attached to a CRM deal.
type Contact struct {
	Email string
	Name  string
}

// CRMGateway lists the learners on a deal.
type CRMGateway interface {
	ListDealContacts(ctx context.Context, dealID string) ([]Contact, error)
}

// Reconciler computes per-course reconciled status for one learner.
type Reconciler interface {
	StatusScan(ctx context.Context, email string, courses []models.Enrollment) ([]service.CourseStatus, error)
}

// EnrollmentFinder lists a learner's enrollment records.
type EnrollmentFinder interface {
	FindByEmail(ctx context.Context, email string) ([]models.Enrollment, error)
}

// NotificationLogStore persists sends and answers whether a learner on a
// deal was already written to.
type NotificationLogStore interface {
	Create(ctx context.Context, entry *models.NotificationLog) error
	HasPrior(ctx context.Context, dealID, email string) (bool, error)
}

// Mailer renders and sends one templated course-access email.
type Mailer interface {
	Send(ctx context.Context, to, name, template string, courses []service.CourseStatus) error
}

// Summary is the terminal accounting of one job run.
type Summary struct {
	TotalLearners int `json:"total_learners"`
	Attempted     int `json:"attempted"`
	Sent          int `json:"sent"`
	Skipped       int `json:"skipped"`
}

// Snapshot is the caller-visible view of a job.
type Snapshot struct {
	DealID     string     `json:"deal_id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Summary    *Summary   `json:"summary,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type job struct {
	snapshot Snapshot
}

// Queue runs at most one notification job per deal at a time. Enqueueing a
// deal with an active job returns that job's snapshot unchanged, so repeated
// requests collapse into observing one in-flight execution.
//
// Job state is in-memory only and vanishes on restart; the notification log
// is persisted, so a restarted process still picks reminder over welcome.
type Queue struct {
	crm    CRMGateway
	engine Reconciler
	store  EnrollmentFinder
	logs   NotificationLogStore
	mailer Mailer

	mu   sync.Mutex
	jobs map[string]*job
}

func NewQueue(crm CRMGateway, engine Reconciler, store EnrollmentFinder, logs NotificationLogStore, mailer Mailer) *Queue {
	return &Queue{
		crm:    crm,
		engine: engine,
		store:  store,
		logs:   logs,
		mailer: mailer,
		jobs:   make(map[string]*job),
	}
}

// Enqueue registers a notification job for the deal, or returns the existing
// snapshot when one is already queued or running. The check-and-set is atomic
// under the queue mutex.
func (q *Queue) Enqueue(dealID string) Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j, ok := q.jobs[dealID]; ok &&
		(j.snapshot.Status == StatusQueued || j.snapshot.Status == StatusRunning) {
		return j.snapshot
	}

	j := &job{snapshot: Snapshot{
		DealID:    dealID,
		Status:    StatusQueued,
		StartedAt: time.Now(),
	}}
	q.jobs[dealID] = j

	go q.run(dealID)
	return j.snapshot
}

// Status returns the snapshot of the most recent job for a deal.
func (q *Queue) Status(dealID string) (Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[dealID]
	if !ok {
		return Snapshot{}, false
	}
	return j.snapshot, true
}

func (q *Queue) run(dealID string) {
	ctx := context.Background()
	q.transition(dealID, func(s *Snapshot) { s.Status = StatusRunning })

	summary, err := q.notifyDeal(ctx, dealID)
	now := time.Now()
	if err != nil {
		log.Printf("Notification job for deal %s failed: %v", dealID, err)
		q.transition(dealID, func(s *Snapshot) {
			s.Status = StatusFailed
			s.FinishedAt = &now
			s.Error = err.Error()
		})
		return
	}

	log.Printf("Notification job for deal %s completed: %d learners, %d attempted, %d sent, %d skipped",
		dealID, summary.TotalLearners, summary.Attempted, summary.Sent, summary.Skipped)
	q.transition(dealID, func(s *Snapshot) {
		s.Status = StatusCompleted
		s.FinishedAt = &now
		s.Summary = &summary
	})
}

// notifyDeal walks every learner on the deal sequentially, reconciles their
// course statuses, and mails the ones who still have setup left to do.
func (q *Queue) notifyDeal(ctx context.Context, dealID string) (Summary, error) {
	var summary Summary

	contacts, err := q.crm.ListDealContacts(ctx, dealID)
	if err != nil {
		return summary, fmt.Errorf("failed to list deal contacts: %w", err)
	}
	summary.TotalLearners = len(contacts)

	for _, contact := range contacts {
		email := service.NormalizeEmail(contact.Email)
		if email == "" {
			summary.Skipped++
			continue
		}

		courses, err := q.store.FindByEmail(ctx, email)
		if err != nil {
			return summary, fmt.Errorf("failed to load enrollments for %s: %w", email, err)
		}
		if len(courses) == 0 {
			summary.Skipped++
			continue
		}

		statuses, err := q.engine.StatusScan(ctx, email, courses)
		if err != nil {
			return summary, fmt.Errorf("failed to reconcile %s: %w", email, err)
		}

		if allComplete(statuses) {
			summary.Skipped++
			continue
		}
		summary.Attempted++

		template := models.TemplateWelcome
		prior, err := q.logs.HasPrior(ctx, dealID, email)
		if err != nil {
			return summary, fmt.Errorf("failed to check notification history for %s: %w", email, err)
		}
		if prior {
			template = models.TemplateReminder
		}

		if err := q.mailer.Send(ctx, email, contact.Name, template, statuses); err != nil {
			log.Printf("Warning: failed to send %s email to %s: %v", template, email, err)
			continue
		}
		summary.Sent++

		entry := &models.NotificationLog{
			ID:        uuid.New().String(),
			DealID:    dealID,
			UserEmail: email,
			Template:  template,
			SentAt:    time.Now(),
		}
		if err := q.logs.Create(ctx, entry); err != nil {
			log.Printf("Warning: failed to log notification for %s: %v", email, err)
		}
	}

	return summary, nil
}

func (q *Queue) transition(dealID string, apply func(*Snapshot)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[dealID]; ok {
		apply(&j.snapshot)
	}
}

// allComplete reports whether every course is both enrolled and accessed.
func allComplete(statuses []service.CourseStatus) bool {
	for _, s := range statuses {
		if !s.Status.Enrolled || !s.Status.Accessed {
			return false
		}
	}
	return true
}
