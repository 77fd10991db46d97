package activity

import (
	"time"

	"github.com/blackbox-obs/blackbox/internal/tracking"
)

// Action labels what a request did, at the granularity an auditor
// cares about.
const (
	ActionView   = "VIEW"
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
	ActionCustom = "CUSTOM"
)

// Record is the activity trail entry produced once per observed
// request.
type Record struct {
	ID              string            `json:"id"`
	RequestID       string            `json:"request_id"`
	IncidentID      string            `json:"incident_id,omitempty"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	FullPath        string            `json:"full_path"`
	ViewName        string            `json:"view_name,omitempty"`
	HTTPStatus      int               `json:"http_status"`
	ResponseTimeMS  float64           `json:"response_time_ms"`
	UserID          string            `json:"user_id,omitempty"`
	IsAuthenticated bool              `json:"is_authenticated"`
	IPAddress       string            `json:"ip_address,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
	EntityKind      string            `json:"entity_kind,omitempty"`
	EntityID        string            `json:"entity_id,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	RequestBody     string            `json:"request_body,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	Action          string            `json:"action,omitempty"`
	CustomAction    string            `json:"custom_action,omitempty"`
	CustomPayload   map[string]any    `json:"custom_payload,omitempty"`
	EntityBefore    tracking.Snapshot `json:"entity_before,omitempty"`
	EntityAfter     tracking.Snapshot `json:"entity_after,omitempty"`
	EntityDiff      tracking.Diff     `json:"entity_diff,omitempty"`
	Extra           map[string]any    `json:"extra,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}
