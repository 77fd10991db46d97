package activity

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blackbox-obs/blackbox/internal/incidents"
	"github.com/blackbox-obs/blackbox/internal/tracking"
)

// RequestInfo carries everything the correlator needs from the HTTP
// layer to assemble a record.
type RequestInfo struct {
	RequestID       string
	Method          string
	Path            string
	FullPath        string
	ViewName        string
	HTTPStatus      int
	Duration        time.Duration
	UserID          string
	IsAuthenticated bool
	IPAddress       string
	UserAgent       string
	RequestHeaders  map[string]string
	RequestBody     string
	ResponseHeaders map[string]string
	ResponseBody    string
}

// BuildRecord assembles the single activity record for a finished
// request, reconciling the automatic change tracker with whatever the
// handler declared through the setters. An explicitly declared
// snapshot replaces the tracked one wholesale, never merged; the diff
// is recomputed from the selected pair unless one was supplied.
func BuildRecord(ctx context.Context, info RequestInfo, incident *incidents.Incident) *Record {
	decl := changeFromContext(ctx).snapshot()

	rec := &Record{
		ID:              uuid.New().String(),
		RequestID:       info.RequestID,
		Method:          info.Method,
		Path:            info.Path,
		FullPath:        info.FullPath,
		ViewName:        info.ViewName,
		HTTPStatus:      info.HTTPStatus,
		ResponseTimeMS:  float64(info.Duration) / float64(time.Millisecond),
		UserID:          info.UserID,
		IsAuthenticated: info.IsAuthenticated,
		IPAddress:       info.IPAddress,
		UserAgent:       info.UserAgent,
		RequestHeaders:  info.RequestHeaders,
		RequestBody:     info.RequestBody,
		ResponseHeaders: info.ResponseHeaders,
		ResponseBody:    info.ResponseBody,
		CustomAction:    decl.customAction,
		CustomPayload:   decl.customPayload,
		Extra:           decl.extra,
		CreatedAt:       time.Now().UTC(),
	}

	// Link an incident only when it belongs to this very request.
	if incident != nil && incident.RequestID == info.RequestID {
		rec.IncidentID = incident.IncidentID
	}

	tracker := tracking.FromContext(ctx)

	kind, id := decl.entityKind, decl.entityID
	if kind == "" && id == "" {
		if k, i, ok := tracker.Only(); ok {
			kind, id = k, i
		}
	}
	rec.EntityKind = kind
	rec.EntityID = id

	before, after, diff := tracker.Change(kind, id)
	if len(decl.before) > 0 {
		before = decl.before
	}
	if len(decl.after) > 0 {
		after = decl.after
	}
	switch {
	case decl.hasDiff:
		diff = decl.diff
	case len(decl.before) > 0 || len(decl.after) > 0:
		diff = tracking.ComputeDiff(before, after)
	}

	if len(before) > 0 {
		rec.EntityBefore = before
	}
	if len(after) > 0 {
		rec.EntityAfter = after
	}
	if len(diff) > 0 {
		rec.EntityDiff = diff
	}

	rec.Action = resolveAction(info.Method, decl, id, before)
	return rec
}

// resolveAction picks the action label: an explicit action wins, then a
// custom label resolves to CUSTOM, then the HTTP method decides.
func resolveAction(method string, decl declared, entityID string, before tracking.Snapshot) string {
	if decl.action != "" {
		return decl.action
	}
	if decl.customAction != "" {
		return ActionCustom
	}

	switch strings.ToUpper(method) {
	case "GET":
		return ActionView
	case "POST":
		// A known entity identity or prior state means the POST touched
		// something that already existed.
		if entityID != "" || len(before) > 0 {
			return ActionUpdate
		}
		return ActionCreate
	case "PUT", "PATCH":
		return ActionUpdate
	case "DELETE":
		return ActionDelete
	case "":
		return ""
	default:
		return strings.ToUpper(method)
	}
}
