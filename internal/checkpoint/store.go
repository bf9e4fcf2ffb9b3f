package checkpoint

import (
	"time"
)

// Record is one row of the key/value progress table. Value holds the JSON
// encoding of the stored value so numbers and strings round-trip.
type Record struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the interface for checkpoint persistence. It matches the
// progress ledger's storage contract plus Close.
type Store interface {
	Load() (map[string]any, error)
	Save(data map[string]any) error
	Delete() error

	// Cleanup
	Close() error
}
