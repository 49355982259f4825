package models

import "time"

// DeliveryState tracks a locally authored message through the send pipeline.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// InboundMessage is a validated chat frame received from the wire.
type InboundMessage struct {
	ID         string
	SenderID   string
	ReceiverID string
	Content    string
	SentAt     time.Time
}

// OutboundMessage is a chat frame authored by the local user.
type OutboundMessage struct {
	ID         string
	SenderID   string
	ReceiverID string
	Content    string
	SentAt     time.Time
}

// Message is one entry of a conversation thread.
type Message struct {
	ID            string        `json:"id"`
	AuthorIsLocal bool          `json:"author_is_local"`
	Body          string        `json:"body"`
	SentAt        time.Time     `json:"sent_at"`
	DeliveryState DeliveryState `json:"delivery_state,omitempty"`
}
