package client

import "time"

// UnitStatus is one unit as reported by GET /units and GET /units/:id.
type UnitStatus struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Load        string    `json:"load"`
	LoadError   string    `json:"load_error,omitempty"`
	Active      string    `json:"active"`
	Sub         string    `json:"sub"`
	Since       time.Time `json:"since"`
	Invocation  string    `json:"invocation,omitempty"`
	Pids        []int     `json:"pids,omitempty"`
	Job         string    `json:"job,omitempty"`
	// Deps maps relation names such as "Wants" or "After" to unit ids.
	Deps map[string][]string `json:"deps,omitempty"`
}

// ReliabilityStatus summarizes the daemon's reliability store.
type ReliabilityStatus struct {
	Home       string   `json:"home"`
	Generation string   `json:"generation"`
	Enable     bool     `json:"enable"`
	LastUnit   string   `json:"last_unit,omitempty"`
	LastFrame  string   `json:"last_frame,omitempty"`
	Tables     []string `json:"tables"`
	Stations   []string `json:"stations"`
}

// UnitQuery filters GET /units; empty fields match everything.
type UnitQuery struct {
	Type   string
	Active string
}

// ErrorResponse is the body of every non-200 answer.
type ErrorResponse struct {
	Error string `json:"error"`
}
