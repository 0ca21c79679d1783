// Package messaging defines the outbound SMS send interface and its Twilio implementation.
package messaging

import (
	"context"
	"errors"
	"strings"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
)

var (
	// ErrNotConfigured is returned when SMS provider credentials are missing.
	ErrNotConfigured = errors.New("SMS provider not configured")
	// ErrInvalidRecipient is returned for a destination that is not a valid phone number.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrRejected is returned when the provider accepted the request but reported the message failed.
	ErrRejected = errors.New("message rejected by provider")
	// ErrOutcomeUnknown is returned when the provider may have created the message
	// without confirming it. Resending risks a duplicate on the handset.
	ErrOutcomeUnknown = errors.New("send outcome unknown")
)

// SendResult describes a message accepted by the provider.
type SendResult struct {
	ProviderMessageID string
	Status            models.MessageStatus
}

// Sender delivers one SMS body to one recipient.
type Sender interface {
	Send(ctx context.Context, to string, body string) (SendResult, error)
}

// CreateStatus maps the status Twilio returns when a message is created.
// Anything short of failure means the provider accepted the message.
func CreateStatus(providerStatus string) models.MessageStatus {
	switch strings.ToLower(providerStatus) {
	case "failed":
		return models.MessageStatusFailed
	case "undelivered":
		return models.MessageStatusUndelivered
	case "delivered":
		return models.MessageStatusDelivered
	default:
		return models.MessageStatusSent
	}
}

// CallbackStatus maps a Twilio status callback value. Intermediate states
// (queued, accepted, sending) report false so stored progress never regresses.
func CallbackStatus(providerStatus string) (models.MessageStatus, bool) {
	switch strings.ToLower(providerStatus) {
	case "sent":
		return models.MessageStatusSent, true
	case "delivered", "read":
		return models.MessageStatusDelivered, true
	case "undelivered":
		return models.MessageStatusUndelivered, true
	case "failed", "canceled":
		return models.MessageStatusFailed, true
	default:
		return "", false
	}
}
