package models

import "time"

// InboundMessage is a text message received from a messaging platform.
type InboundMessage struct {
	// MessageID is the platform message id, used to drop redeliveries.
	MessageID   string    `json:"message_id,omitempty"`
	Platform    Platform  `json:"platform"`
	Provider    string    `json:"provider"`     // meta, twilio, whatsmeow
	SenderID    string    `json:"sender_id"`    // platform user id or phone number
	PageID      string    `json:"page_id"`      // page / phone-number id that received the message
	AccountName string    `json:"account_name"` // resolved from the account registry
	Text        string    `json:"text"`
	Time        time.Time `json:"time"`
}

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
