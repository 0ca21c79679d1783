package models

import "time"

// InboundSMS is a parsed inbound webhook call from the SMS provider.
type InboundSMS struct {
	From              string    `json:"from"`
	To                string    `json:"to"`
	Body              string    `json:"body"`
	ProviderMessageID string    `json:"provider_message_id"`
	MediaCount        int       `json:"media_count"`
	ReceivedAt        time.Time `json:"received_at"`
}

// DeliveryReceipt is a provider status callback for an outbound message.
type DeliveryReceipt struct {
	ProviderMessageID string        `json:"provider_message_id"`
	Status            MessageStatus `json:"status"`
	ErrorCode         string        `json:"error_code,omitempty"`
}
