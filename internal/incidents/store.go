package incidents

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackbox-obs/blackbox/internal/db"
)

// createAttempts bounds retries when concurrent creators race on the
// public incident id or the write lock.
const createAttempts = 3

// Store provides dedup-aware persistence for incidents.
type Store struct {
	db       *db.DB
	prefix   string
	fallback *FallbackLog
	log      zerolog.Logger
}

// NewStore creates a Store backed by the given database. fallback may
// be nil to disable the local append log.
func NewStore(database *db.DB, prefix string, fallback *FallbackLog, log zerolog.Logger) *Store {
	if prefix == "" {
		prefix = "INCIDENT"
	}
	return &Store{db: database, prefix: prefix, fallback: fallback, log: log}
}

// CreateOrIncrement either merges the occurrence into an open incident
// with the same fingerprint seen within the window, or creates a new
// one. The search-and-write runs inside a single write transaction so
// two concurrent occurrences never both create, and increments are
// never lost. Creation retries a bounded number of times when the
// sequential public id collides with a concurrent creator.
func (s *Store) CreateOrIncrement(ctx context.Context, signature string, cand Candidate, window time.Duration) (*Incident, bool, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		inc, created, err := s.createOrIncrementOnce(ctx, signature, cand, window)
		if err == nil {
			return inc, created, nil
		}
		if !isUniqueViolation(err) && !isBusy(err) {
			return nil, false, err
		}
		lastErr = err
		// isBusy means the driver's busy_timeout already expired, so
		// back off a little before taking the lock again.
		if isBusy(err) {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
		}
	}
	return nil, false, fmt.Errorf("persisting incident after %d attempts: %w", createAttempts, lastErr)
}

func (s *Store) createOrIncrementOnce(ctx context.Context, signature string, cand Candidate, window time.Duration) (*Incident, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Truncate(time.Second)
	since := now.Add(-window)

	row := tx.QueryRowContext(ctx, selectIncident+`
		WHERE dedup_hash = ? AND status = ? AND occurred_at >= ?
		ORDER BY occurred_at DESC LIMIT 1`,
		signature, string(StatusOpen), formatTime(since))

	existing, err := scanIncident(row)
	switch {
	case err == nil:
		// Dedup match: bump the count and refresh only the allow-listed
		// fields (message, path, client IP) so the record shows the
		// latest occurrence's detail without losing creation context.
		existing.OccurrenceCount++
		existing.OccurredAt = now
		existing.ErrorMessage = cand.ErrorMessage
		existing.Path = cand.Path
		existing.IPAddress = cand.IPAddress

		_, err = tx.ExecContext(ctx, `
			UPDATE incidents
			SET occurrence_count = ?, occurred_at = ?, error_message = ?, path = ?, ip_address = ?
			WHERE id = ?`,
			existing.OccurrenceCount,
			formatTime(now),
			nullString(existing.ErrorMessage),
			existing.Path,
			nullString(existing.IPAddress),
			existing.ID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("incrementing incident: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("committing increment: %w", err)
		}
		return existing, false, nil

	case errors.Is(err, sql.ErrNoRows):
		incidentID, err := s.nextIncidentID(ctx, tx)
		if err != nil {
			return nil, false, err
		}

		inc := &Incident{
			ID:              uuid.New().String(),
			RequestID:       cand.RequestID,
			IncidentID:      incidentID,
			Status:          StatusOpen,
			HTTPStatus:      cand.HTTPStatus,
			Method:          cand.Method,
			Path:            cand.Path,
			QueryString:     cand.QueryString,
			UserID:          cand.UserID,
			IPAddress:       cand.IPAddress,
			UserAgent:       cand.UserAgent,
			Headers:         cand.Headers,
			BodyPreview:     cand.BodyPreview,
			ContentType:     cand.ContentType,
			ErrorKind:       cand.ErrorKind,
			ErrorMessage:    cand.ErrorMessage,
			Stacktrace:      cand.Stacktrace,
			OccurredAt:      now,
			DedupHash:       signature,
			OccurrenceCount: 1,
		}
		if inc.Headers == nil {
			inc.Headers = map[string]string{}
		}

		headersJSON, err := json.Marshal(inc.Headers)
		if err != nil {
			return nil, false, fmt.Errorf("marshalling headers: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO incidents (
				id, request_id, incident_id, status, http_status, method, path,
				query_string, user_id, ip_address, user_agent, headers,
				body_preview, content_type, error_kind, error_message,
				stacktrace, occurred_at, dedup_hash, occurrence_count
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inc.ID, inc.RequestID, inc.IncidentID, string(inc.Status), inc.HTTPStatus,
			inc.Method, inc.Path, inc.QueryString,
			nullString(inc.UserID), nullString(inc.IPAddress), nullString(inc.UserAgent),
			string(headersJSON),
			nullString(inc.BodyPreview), nullString(inc.ContentType),
			nullString(inc.ErrorKind), nullString(inc.ErrorMessage), nullString(inc.Stacktrace),
			formatTime(now), signature, inc.OccurrenceCount,
		)
		if err != nil {
			return nil, false, fmt.Errorf("inserting incident: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("committing incident: %w", err)
		}
		return inc, true, nil

	default:
		return nil, false, fmt.Errorf("querying incidents: %w", err)
	}
}

// SafePersist never fails: on a store error it appends the occurrence
// to the fallback log and returns a synthetic in-memory stand-in that
// carries at least the generated public id and the correlation id, so
// the rest of the pipeline proceeds without crashing the request.
func (s *Store) SafePersist(ctx context.Context, signature string, cand Candidate, window time.Duration) *Incident {
	inc, _, err := s.CreateOrIncrement(ctx, signature, cand, window)
	if err == nil {
		return inc
	}

	s.log.Error().Err(err).Str("path", cand.Path).Msg("failed to persist incident")

	syntheticID := s.randomIncidentID()
	if s.fallback != nil {
		if ferr := s.fallback.Append(map[string]any{
			"request_id":    cand.RequestID,
			"incident_id":   syntheticID,
			"path":          cand.Path,
			"http_status":   cand.HTTPStatus,
			"error_kind":    cand.ErrorKind,
			"error_message": cand.ErrorMessage,
			"persist_error": err.Error(),
		}); ferr != nil {
			s.log.Error().Err(ferr).Msg("failed to write fallback log")
		}
	}

	return &Incident{
		ID:              uuid.New().String(),
		RequestID:       cand.RequestID,
		IncidentID:      syntheticID,
		Status:          StatusOpen,
		HTTPStatus:      cand.HTTPStatus,
		Method:          cand.Method,
		Path:            cand.Path,
		ErrorKind:       cand.ErrorKind,
		ErrorMessage:    cand.ErrorMessage,
		OccurredAt:      time.Now().UTC(),
		DedupHash:       signature,
		OccurrenceCount: 1,
		Synthetic:       true,
	}
}

// nextIncidentID allocates the next PREFIX-NNNN id from the highest
// existing numeric suffix. Any parse failure falls back to a random
// suffix so incident creation makes forward progress instead of
// blocking.
func (s *Store) nextIncidentID(ctx context.Context, tx *sql.Tx) (string, error) {
	// substr is 1-based; skip "PREFIX-".
	var last string
	err := tx.QueryRowContext(ctx, `
		SELECT incident_id FROM incidents
		WHERE incident_id LIKE ?
		ORDER BY CAST(substr(incident_id, ?) AS INTEGER) DESC
		LIMIT 1`,
		s.prefix+"-%", len(s.prefix)+2).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Sprintf("%s-%04d", s.prefix, 1), nil
	case err != nil:
		return s.randomIncidentID(), nil
	}

	n, convErr := strconv.Atoi(strings.TrimPrefix(last, s.prefix+"-"))
	if convErr != nil {
		return s.randomIncidentID(), nil
	}
	// %04d grows digit width naturally past 9999.
	return fmt.Sprintf("%s-%04d", s.prefix, n+1), nil
}

func (s *Store) randomIncidentID() string {
	u := uuid.New()
	return fmt.Sprintf("%s-%s", s.prefix, strings.ToUpper(hex.EncodeToString(u[:2])))
}

// GetByIncidentID retrieves an incident by its public identifier.
func (s *Store) GetByIncidentID(ctx context.Context, incidentID string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, selectIncident+` WHERE incident_id = ?`, incidentID)
	inc, err := scanIncident(row)
	if err != nil {
		return nil, fmt.Errorf("getting incident %s: %w", incidentID, err)
	}
	return inc, nil
}

// SetStatus transitions an incident. Entering RESOLVED sets the
// resolution timestamp if unset; leaving RESOLVED clears it. No other
// fields change.
func (s *Store) SetStatus(ctx context.Context, incidentID string, status Status) (*Incident, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectIncident+` WHERE incident_id = ?`, incidentID)
	inc, err := scanIncident(row)
	if err != nil {
		return nil, fmt.Errorf("getting incident %s: %w", incidentID, err)
	}

	inc.Status = status
	switch {
	case status == StatusResolved && inc.ResolvedAt == nil:
		now := time.Now().UTC().Truncate(time.Second)
		inc.ResolvedAt = &now
	case status != StatusResolved:
		inc.ResolvedAt = nil
	}

	var resolvedAt sql.NullString
	if inc.ResolvedAt != nil {
		resolvedAt = sql.NullString{String: formatTime(*inc.ResolvedAt), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE incidents SET status = ?, resolved_at = ? WHERE incident_id = ?`,
		string(status), resolvedAt, incidentID)
	if err != nil {
		return nil, fmt.Errorf("updating status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing status change: %w", err)
	}
	return inc, nil
}

// Filter controls which incidents List returns.
type Filter struct {
	Status      Status
	Fingerprint string
	Path        string
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// List returns incidents matching the filter, most recent first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Incident, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Fingerprint != "" {
		clauses = append(clauses, "dedup_hash = ?")
		args = append(args, filter.Fingerprint)
	}
	if filter.Path != "" {
		clauses = append(clauses, "path = ?")
		args = append(args, filter.Path)
	}
	if filter.Since != nil {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, formatTime(filter.Since.UTC()))
	}
	if filter.Until != nil {
		clauses = append(clauses, "occurred_at <= ?")
		args = append(args, formatTime(filter.Until.UTC()))
	}

	query := selectIncident
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

// PruneResult reports what a retention pruning pass deleted (or would
// delete, on a dry run).
type PruneResult struct {
	Total    int64            `json:"total"`
	ByStatus map[Status]int64 `json:"by_status"`
	Cutoff   time.Time        `json:"cutoff"`
}

// Prune deletes incidents whose most recent occurrence is older than
// olderThanDays. With dryRun it only reports what would be deleted.
func (s *Store) Prune(ctx context.Context, olderThanDays int, dryRun bool) (PruneResult, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	result := PruneResult{ByStatus: map[Status]int64{}, Cutoff: cutoff}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM incidents WHERE occurred_at < ? GROUP BY status`,
		formatTime(cutoff))
	if err != nil {
		return result, fmt.Errorf("counting prunable incidents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return result, fmt.Errorf("scanning prune counts: %w", err)
		}
		result.ByStatus[Status(status)] = count
		result.Total += count
	}
	if err := rows.Err(); err != nil {
		return result, err
	}

	if dryRun || result.Total == 0 {
		return result, nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM incidents WHERE occurred_at < ?`, formatTime(cutoff))
	if err != nil {
		return result, fmt.Errorf("pruning incidents: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err == nil {
		result.Total = deleted
	}
	return result, nil
}

const selectIncident = `
	SELECT id, request_id, incident_id, status, http_status, method, path,
	       query_string, user_id, ip_address, user_agent, headers,
	       body_preview, content_type, error_kind, error_message,
	       stacktrace, occurred_at, resolved_at, dedup_hash, occurrence_count
	FROM incidents`

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(sc scanner) (*Incident, error) {
	var (
		inc                                           Incident
		status, occurredAt, headersJSON               string
		userID, ipAddress, userAgent                  sql.NullString
		bodyPreview, contentType                      sql.NullString
		errorKind, errorMessage, stacktrace           sql.NullString
		resolvedAt                                    sql.NullString
	)

	err := sc.Scan(
		&inc.ID, &inc.RequestID, &inc.IncidentID, &status, &inc.HTTPStatus,
		&inc.Method, &inc.Path, &inc.QueryString,
		&userID, &ipAddress, &userAgent, &headersJSON,
		&bodyPreview, &contentType,
		&errorKind, &errorMessage, &stacktrace,
		&occurredAt, &resolvedAt, &inc.DedupHash, &inc.OccurrenceCount,
	)
	if err != nil {
		return nil, err
	}

	inc.Status = Status(status)
	inc.UserID = userID.String
	inc.IPAddress = ipAddress.String
	inc.UserAgent = userAgent.String
	inc.BodyPreview = bodyPreview.String
	inc.ContentType = contentType.String
	inc.ErrorKind = errorKind.String
	inc.ErrorMessage = errorMessage.String
	inc.Stacktrace = stacktrace.String
	inc.OccurredAt = parseTime(occurredAt)
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		inc.ResolvedAt = &t
	}

	if err := json.Unmarshal([]byte(headersJSON), &inc.Headers); err != nil {
		inc.Headers = map[string]string{}
	}

	return &inc, nil
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

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusy(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked"))
}
