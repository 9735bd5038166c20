package store

import (
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Run history
	GetRun(script string) (*RunRecord, error)
	ListRuns() ([]*RunRecord, error)

	// UpdateRun atomically reads, modifies, and saves the run record of a
	// script in a single transaction. A missing record starts empty.
	UpdateRun(script string, fn func(rec *RunRecord) error) error

	// Per-script data. Values are JSON documents.
	GetData(script, key string) (json.RawMessage, error)
	SetData(script, key string, value json.RawMessage) error
	DeleteData(script, key string) error
	DataKeys(script string) ([]string, error)

	// Close the store
	Close() error
}
