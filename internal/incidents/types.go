// Package incidents stores deduplicated server failures. Repeated
// occurrences of the same failure fingerprint within a rolling window
// merge into one incident instead of creating a row per occurrence.
package incidents

import (
	"fmt"
	"time"
)

// Status is the triage state of an incident.
type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
	StatusSuppressed   Status = "SUPPRESSED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusResolved, StatusSuppressed:
		return true
	}
	return false
}

// Incident is one deduplicated failure class.
type Incident struct {
	ID              string            `json:"id"`
	RequestID       string            `json:"request_id"`
	IncidentID      string            `json:"incident_id"`
	Status          Status            `json:"status"`
	HTTPStatus      int               `json:"http_status"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	QueryString     string            `json:"query_string"`
	UserID          string            `json:"user_id,omitempty"`
	IPAddress       string            `json:"ip_address,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	Headers         map[string]string `json:"headers"`
	BodyPreview     string            `json:"body_preview,omitempty"`
	ContentType     string            `json:"content_type,omitempty"`
	ErrorKind       string            `json:"error_kind,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Stacktrace      string            `json:"stacktrace,omitempty"`
	OccurredAt      time.Time         `json:"occurred_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	DedupHash       string            `json:"dedup_hash"`
	OccurrenceCount int               `json:"occurrence_count"`

	// Synthetic marks an in-memory stand-in produced when the store was
	// unavailable. It is never persisted.
	Synthetic bool `json:"-"`
}

func (i *Incident) String() string {
	return fmt.Sprintf("Incident %s (%s) - %s", i.IncidentID, i.Path, i.Status)
}

// Candidate carries the occurrence detail used to create an incident,
// or to refresh selected fields of an existing one on a dedup match.
type Candidate struct {
	RequestID    string
	HTTPStatus   int
	Method       string
	Path         string
	QueryString  string
	UserID       string
	IPAddress    string
	UserAgent    string
	Headers      map[string]string
	BodyPreview  string
	ContentType  string
	ErrorKind    string
	ErrorMessage string
	Stacktrace   string
}
