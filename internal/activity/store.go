package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blackbox-obs/blackbox/internal/db"
)

// Store persists activity records.
type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Insert writes one record.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	requestHeaders, err := jsonColumn(rec.RequestHeaders)
	if err != nil {
		return fmt.Errorf("marshalling request headers: %w", err)
	}
	responseHeaders, err := jsonColumn(rec.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshalling response headers: %w", err)
	}
	customPayload, err := jsonColumn(rec.CustomPayload)
	if err != nil {
		return fmt.Errorf("marshalling custom payload: %w", err)
	}
	entityBefore, err := jsonColumn(rec.EntityBefore)
	if err != nil {
		return fmt.Errorf("marshalling entity before: %w", err)
	}
	entityAfter, err := jsonColumn(rec.EntityAfter)
	if err != nil {
		return fmt.Errorf("marshalling entity after: %w", err)
	}
	entityDiff, err := jsonColumn(rec.EntityDiff)
	if err != nil {
		return fmt.Errorf("marshalling entity diff: %w", err)
	}
	extra, err := jsonColumn(rec.Extra)
	if err != nil {
		return fmt.Errorf("marshalling extra: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO request_activities (
			id, request_id, incident_id, method, path, full_path, view_name,
			http_status, response_time_ms, user_id, is_authenticated,
			ip_address, user_agent, entity_kind, entity_id,
			request_headers, request_body, response_headers, response_body,
			action, custom_action, custom_payload,
			entity_before, entity_after, entity_diff, extra, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, nullString(rec.IncidentID), rec.Method, rec.Path,
		rec.FullPath, nullString(rec.ViewName),
		rec.HTTPStatus, rec.ResponseTimeMS, nullString(rec.UserID), rec.IsAuthenticated,
		nullString(rec.IPAddress), nullString(rec.UserAgent),
		nullString(rec.EntityKind), nullString(rec.EntityID),
		requestHeaders, nullString(rec.RequestBody), responseHeaders, nullString(rec.ResponseBody),
		nullString(rec.Action), nullString(rec.CustomAction), customPayload,
		entityBefore, entityAfter, entityDiff, extra,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}
	return nil
}

// Filter controls which activity records List returns.
type Filter struct {
	RequestID  string
	IncidentID string
	Action     string
	Path       string
	UserID     string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// List returns activity records matching the filter, most recent
// first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.RequestID != "" {
		clauses = append(clauses, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.IncidentID != "" {
		clauses = append(clauses, "incident_id = ?")
		args = append(args, filter.IncidentID)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Path != "" {
		clauses = append(clauses, "path = ?")
		args = append(args, filter.Path)
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Since != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(filter.Since.UTC()))
	}
	if filter.Until != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(filter.Until.UTC()))
	}

	query := selectActivity
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetByRequestID retrieves the activity record for one request.
func (s *Store) GetByRequestID(ctx context.Context, requestID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectActivity+` WHERE request_id = ? ORDER BY created_at DESC LIMIT 1`, requestID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("getting activity for request %s: %w", requestID, err)
	}
	return rec, nil
}

// DeleteOlderThan removes records created before the cutoff and
// reports how many were deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_activities WHERE created_at < ?`, formatTime(cutoff.UTC()))
	if err != nil {
		return 0, fmt.Errorf("pruning activities: %w", err)
	}
	return res.RowsAffected()
}

const selectActivity = `
	SELECT id, request_id, incident_id, method, path, full_path, view_name,
	       http_status, response_time_ms, user_id, is_authenticated,
	       ip_address, user_agent, entity_kind, entity_id,
	       request_headers, request_body, response_headers, response_body,
	       action, custom_action, custom_payload,
	       entity_before, entity_after, entity_diff, extra, created_at
	FROM request_activities`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec                                      Record
		incidentID, viewName, userID             sql.NullString
		ipAddress, userAgent                     sql.NullString
		entityKind, entityID                     sql.NullString
		requestHeaders, requestBody              sql.NullString
		responseHeaders, responseBody            sql.NullString
		action, customAction, customPayload      sql.NullString
		entityBefore, entityAfter, entityDiff    sql.NullString
		extra                                    sql.NullString
		createdAt                                string
	)

	err := sc.Scan(
		&rec.ID, &rec.RequestID, &incidentID, &rec.Method, &rec.Path,
		&rec.FullPath, &viewName,
		&rec.HTTPStatus, &rec.ResponseTimeMS, &userID, &rec.IsAuthenticated,
		&ipAddress, &userAgent, &entityKind, &entityID,
		&requestHeaders, &requestBody, &responseHeaders, &responseBody,
		&action, &customAction, &customPayload,
		&entityBefore, &entityAfter, &entityDiff, &extra, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.IncidentID = incidentID.String
	rec.ViewName = viewName.String
	rec.UserID = userID.String
	rec.IPAddress = ipAddress.String
	rec.UserAgent = userAgent.String
	rec.EntityKind = entityKind.String
	rec.EntityID = entityID.String
	rec.RequestBody = requestBody.String
	rec.ResponseBody = responseBody.String
	rec.Action = action.String
	rec.CustomAction = customAction.String
	rec.CreatedAt = parseTime(createdAt)

	unmarshalColumn(requestHeaders, &rec.RequestHeaders)
	unmarshalColumn(responseHeaders, &rec.ResponseHeaders)
	unmarshalColumn(customPayload, &rec.CustomPayload)
	unmarshalColumn(entityBefore, &rec.EntityBefore)
	unmarshalColumn(entityAfter, &rec.EntityAfter)
	unmarshalColumn(entityDiff, &rec.EntityDiff)
	unmarshalColumn(extra, &rec.Extra)

	return &rec, nil
}

// jsonColumn serializes a map-like value, storing NULL when empty so
// the column stays queryable for absence.
func jsonColumn(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	s := string(data)
	if s == "null" || s == "{}" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func unmarshalColumn[T any](col sql.NullString, dest *T) {
	if !col.Valid {
		return
	}
	_ = json.Unmarshal([]byte(col.String), dest)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.DateTime)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.DateTime, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
