package models

import "time"

// Chat represents a conversation container owned by a single user. Messages
// belonging to a chat form a tree through their ParentID references, which is
// how alternative branches of a conversation are stored.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
