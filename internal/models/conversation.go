package models

import (
	"errors"
	"time"
)

// Channel discriminates where a conversation takes place.
type Channel string

const (
	ChannelWeb Channel = "web"
	ChannelSMS Channel = "sms"
)

// MessageStatus tracks processing and delivery of a single message row.
type MessageStatus string

const (
	// MessageStatusReceived marks an inbound message that was processed normally.
	MessageStatusReceived MessageStatus = "received"
	// MessageStatusAIFailed marks an inbound message whose reply could not be generated.
	MessageStatusAIFailed MessageStatus = "ai_failed"
	// MessageStatusPending marks an outbound segment stored but not yet handed to the provider.
	MessageStatusPending MessageStatus = "pending"
	// MessageStatusQueued marks an outbound segment waiting in the outbox for a retry.
	MessageStatusQueued MessageStatus = "queued"
	// MessageStatusSent indicates the provider accepted the segment.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the provider reported handset delivery.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusUndelivered indicates the carrier could not deliver the segment.
	MessageStatusUndelivered MessageStatus = "undelivered"
	// MessageStatusFailed indicates the segment could not be sent.
	MessageStatusFailed MessageStatus = "failed"
)

var (
	ErrConversationOwner = errors.New("conversation must reference exactly one of member or web user")
	ErrInvalidBatch      = errors.New("batch index and total must both be set with 1 <= index <= total, or both be empty")
)

// Conversation is one threaded sequence of messages for one counterparty on one channel.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Channel        Channel   `json:"channel"`
	MemberID       string    `json:"member_id,omitempty"`
	WebUserID      string    `json:"web_user_id,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the single-owner invariant.
func (c *Conversation) Validate() error {
	if (c.MemberID == "") == (c.WebUserID == "") {
		return ErrConversationOwner
	}
	return nil
}

// Message belongs to exactly one conversation. Bot segments of a split reply carry
// a 1-based BatchIndex and BatchTotal.
type Message struct {
	ID                string        `json:"id"`
	ConversationID    string        `json:"conversation_id"`
	IsBot             bool          `json:"is_bot"`
	Content           string        `json:"content"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	BatchIndex        *int          `json:"batch_index,omitempty"`
	BatchTotal        *int          `json:"batch_total,omitempty"`
	Status            MessageStatus `json:"status"`
	Error             string        `json:"error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Validate checks the batch metadata invariant.
func (m *Message) Validate() error {
	if (m.BatchIndex == nil) != (m.BatchTotal == nil) {
		return ErrInvalidBatch
	}
	if m.BatchIndex != nil && (*m.BatchIndex < 1 || *m.BatchIndex > *m.BatchTotal) {
		return ErrInvalidBatch
	}
	return nil
}
