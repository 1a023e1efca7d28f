package models

import "time"

// Provider represents a storage provider under test. ServiceURL is the
// provider's public retrieval endpoint; Active tracks whether the provider
// remains eligible for testing.
type Provider struct {
	Address     string     `json:"address" db:"address"`
	Name        string     `json:"name" db:"name"`
	ServiceURL  string     `json:"serviceUrl" db:"service_url"`
	PayeeWallet string     `json:"payeeWallet" db:"payee_wallet"`
	Active      bool       `json:"active" db:"active"`
	FirstSeenAt time.Time  `json:"firstSeenAt" db:"first_seen_at"`
	LastSeenAt  time.Time  `json:"lastSeenAt" db:"last_seen_at"`
	RemovedAt   *time.Time `json:"removedAt,omitempty" db:"removed_at"`
}
