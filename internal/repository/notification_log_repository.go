package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/theodi/learning-orchestrator-sub000/internal/models"
)

type NotificationLogRepository struct {
	db *gorm.DB
}

func NewNotificationLogRepository(db *gorm.DB) *NotificationLogRepository {
	return &NotificationLogRepository{db: db}
}

// Create records a sent notification.
func (r *NotificationLogRepository) Create(ctx context.Context, entry *models.NotificationLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create notification log: %w", err)
	}
	return nil
}

// HasPrior reports whether any notification was already sent to the learner
// for this deal. Drives the welcome-vs-reminder template choice.
func (r *NotificationLogRepository) HasPrior(ctx context.Context, dealID, email string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.NotificationLog{}).
		Where("deal_id = ? AND user_email = ?", dealID, email).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to count notification logs: %w", result.Error)
	}
	return count > 0, nil
}
