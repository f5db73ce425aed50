package domain

import "time"

// Message is the business entity exposed through the REST API.
type Message struct {
	ID        int64     `json:"message_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageFilter narrows list and count queries. Nil fields are not applied.
type MessageFilter struct {
	Username *string
	IsRead   *bool
}

// MessageEvent is published after a message has been stored.
type MessageEvent struct {
	EventID       string    `json:"event_id"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Message       Message   `json:"message"`
	OccurredAt    time.Time `json:"occurred_at"`
}

const EventMessageCreated = "message.created"
