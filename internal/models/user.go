package models

import "time"

// User represents a registered account. Either PasswordHash or SSOID is set,
// depending on how the account was created. PasswordHash is never serialized.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	SSOID        string    `json:"sso_id,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProviderKey holds a user's API key for one LLM provider. The key is
// encrypted at rest; EncryptedKey is the base64 form produced by the auth
// package's cipher.
type ProviderKey struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	EncryptedKey string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
