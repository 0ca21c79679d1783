package store

import (
	"context"
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxKindSMSSegment is the kind of outbox rows carrying one reply segment.
const OutboxKindSMSSegment = "sms_segment"

// OutboxMessage represents a durable outgoing message record.
type OutboxMessage struct {
	ID            string       `json:"id"`
	MemberID      string       `json:"member_id"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// SegmentPayload is the payload of an OutboxKindSMSSegment row.
type SegmentPayload struct {
	To        string `json:"to"`
	Body      string `json:"body"`
	MessageID string `json:"message_id"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
}

// OutboxRepo defines the interface for durable outbox message persistence.
// Messages of one member are delivered in enqueue order.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new outbox message. If dedupeKey is non-empty
	// and a non-terminal message with that key exists, returns the existing ID.
	EnqueueOutboxMessage(ctx context.Context, memberID, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit due queued messages as sending and
	// returns them in enqueue order. A message is not claimed while an earlier
	// message of the same member is sending or waiting for a retry.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	// PendingOutboxCount returns how many of the member's messages are queued or sending.
	PendingOutboxCount(ctx context.Context, memberID string) (int, error)

	// MarkOutboxMessageSent marks a message as successfully sent.
	MarkOutboxMessageSent(ctx context.Context, id string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// DeferOutboxMessage returns a claimed message to the queue without counting an attempt.
	DeferOutboxMessage(ctx context.Context, id string, nextAttemptAt time.Time) error

	// AbandonOutboxMessage marks a message as permanently failed.
	AbandonOutboxMessage(ctx context.Context, id string, errMsg string) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
}
