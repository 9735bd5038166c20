package store

import "time"

// RunRecord is the persisted history of one script across restarts.
type RunRecord struct {
	Script       string    `json:"script"`
	Loads        int       `json:"loads"`
	Unloads      int       `json:"unloads"`
	Faults       int       `json:"faults"`
	Instance     string    `json:"instance,omitempty"`
	LastResult   string    `json:"last_result,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastLoaded   time.Time `json:"last_loaded,omitempty"`
	LastUnloaded time.Time `json:"last_unloaded,omitempty"`
}
