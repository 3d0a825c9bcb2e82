package model

import "time"

// Credential holds the encrypted short-lived access token for an account plus what is
// needed to mint the next one. Tokens are never serialized in API responses.
type Credential struct {
	AccountID             string    `json:"account_id"`
	Provider              Provider  `json:"provider"`
	EncryptedToken        string    `json:"-"`
	EncryptedRefreshToken *string   `json:"-"`
	InstallationID        *int64    `json:"installation_id,omitempty"`
	ExpiresAt             time.Time `json:"expires_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}
