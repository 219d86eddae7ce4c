package domain

import (
	"encoding/json"
	"time"
)

// Job is one persisted unit of work: a raw inbound submission waiting to be
// transformed and delivered to the opposite system.
type Job struct {
	ID            string
	Origin        string
	ExternalID    string
	JobType       string
	Payload       json.RawMessage
	Status        Status
	RunRetries    int
	Error         string
	LastRetriedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewJob is the producer contract for the job store.
type NewJob struct {
	Origin     string
	ExternalID string
	JobType    string
	Payload    json.RawMessage
}

// Update carries the optional fields merged alongside a status write.
// Nil fields are left untouched.
type Update struct {
	Error         *string
	RunRetries    *int
	LastRetriedAt *time.Time
}

// String returns a pointer to s, for building an Update.
func String(s string) *string { return &s }

// Int returns a pointer to n, for building an Update.
func Int(n int) *int { return &n }

// Time returns a pointer to t, for building an Update.
func Time(t time.Time) *time.Time { return &t }
