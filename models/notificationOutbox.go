package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/banking_backend/config"
	"bitbucket.org/mmdatafocus/banking_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Outbox publish statuses for NotificationRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// NotificationRecord is the transactional outbox row for run lifecycle
// events. It is written inside the same DB transaction that finishes the
// run; the dispatcher publishes to Pub/Sub after commit.
type NotificationRecord struct {
	ID            int                   `gorm:"primary_key;index:idx_notif_dispatch,priority:3" json:"id"`
	CompanyId     string                `gorm:"size:64;not null;index" json:"company_id"`
	EventType     NotificationEventType `gorm:"size:30;not null;type:enum('RunCompleted','RunFailed')" json:"event_type"`
	OccurredAt    time.Time             `gorm:"index;not null" json:"occurred_at"`
	ReferenceId   int                   `json:"reference_id"`
	ReferenceType string                `gorm:"size:30;not null" json:"reference_type"`
	Payload       []byte                `gorm:"type:blob" json:"payload"`
	// Publish happens after commit via the dispatcher.
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_notif_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_notif_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToNotificationMessage(record NotificationRecord) config.NotificationMessage {
	return config.NotificationMessage{
		ID:            record.ID,
		CompanyId:     record.CompanyId,
		EventType:     string(record.EventType),
		OccurredAt:    record.OccurredAt,
		ReferenceId:   record.ReferenceId,
		ReferenceType: record.ReferenceType,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}

// PublishRunNotification writes a RunCompleted/RunFailed outbox row inside
// the caller's DB transaction. It does NOT publish; the outbox dispatcher
// publishes asynchronously after commit.
func PublishRunNotification(ctx context.Context, db *gorm.DB, companyId string, event NotificationEventType, runId int, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	record := NotificationRecord{
		CompanyId:     companyId,
		EventType:     event,
		OccurredAt:    time.Now().UTC(),
		ReferenceId:   runId,
		ReferenceType: "MatchRun",
		Payload:       payloadBytes,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return db.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
