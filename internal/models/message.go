package models

import "time"

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message written by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message generated by an LLM provider.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a system prompt message.
	RoleSystem Role = "system"
)

// Message represents an individual entry within a chat. Assistant messages
// carry the model and provider that produced them. A message with IsPartial
// set is still being streamed (or was interrupted) and may be resumed later;
// once IsPartial is false the text is final. Deleted messages stay in place
// to preserve the tree structure but are excluded from conversation history.
type Message struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	IsPartial bool   `json:"is_partial"`
	ErrorText string `json:"error,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`

	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}
