package models

import "time"

// Notification template constants
const (
	TemplateWelcome  = "welcome"
	TemplateReminder = "reminder"
)

// NotificationLog records a single email sent by the notification job queue.
// Prior sends to a learner on a deal drive the welcome-vs-reminder choice,
// so the log must be persisted rather than kept with the in-memory job map.
type NotificationLog struct {
	ID        string    `gorm:"column:id;primaryKey"`
	DealID    string    `gorm:"column:deal_id;index"`
	UserEmail string    `gorm:"column:user_email;index"`
	Template  string    `gorm:"column:template"`
	SentAt    time.Time `gorm:"column:sent_at"`
}

// TableName specifies the table name for GORM
func (NotificationLog) TableName() string {
	return "notification_logs"
}
