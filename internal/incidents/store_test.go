package incidents

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackbox-obs/blackbox/internal/db"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return NewStore(database, "INCIDENT", nil, zerolog.Nop())
}

func sampleCandidate() Candidate {
	return Candidate{
		RequestID:    "req-1",
		HTTPStatus:   500,
		Method:       "POST",
		Path:         "/api/orders",
		QueryString:  "page=1",
		IPAddress:    "203.0.113.9",
		UserAgent:    "test-agent",
		Headers:      map[string]string{"Authorization": "[REDACTED]"},
		BodyPreview:  `{"item":"widget"}`,
		ContentType:  "application/json",
		ErrorKind:    "ValueError",
		ErrorMessage: "boom",
	}
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first, created, err := store.CreateOrIncrement(ctx, "sig-a", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating first incident: %v", err)
	}
	if !created {
		t.Error("expected first occurrence to create an incident")
	}
	if first.IncidentID != "INCIDENT-0001" {
		t.Errorf("expected INCIDENT-0001, got %s", first.IncidentID)
	}

	second, created, err := store.CreateOrIncrement(ctx, "sig-b", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating second incident: %v", err)
	}
	if !created {
		t.Error("expected distinct fingerprint to create a new incident")
	}
	if second.IncidentID != "INCIDENT-0002" {
		t.Errorf("expected INCIDENT-0002, got %s", second.IncidentID)
	}
}

func TestDedupWithinWindow(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first, _, err := store.CreateOrIncrement(ctx, "sig-a", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating incident: %v", err)
	}

	repeat := sampleCandidate()
	repeat.ErrorMessage = "boom again"
	repeat.Path = "/api/orders/42"
	repeat.IPAddress = "198.51.100.7"
	repeat.Method = "DELETE"

	merged, created, err := store.CreateOrIncrement(ctx, "sig-a", repeat, 5*time.Minute)
	if err != nil {
		t.Fatalf("merging occurrence: %v", err)
	}
	if created {
		t.Error("expected repeat occurrence to merge, not create")
	}
	if merged.IncidentID != first.IncidentID {
		t.Errorf("expected same incident id, got %s and %s", first.IncidentID, merged.IncidentID)
	}
	if merged.OccurrenceCount != 2 {
		t.Errorf("expected occurrence count 2, got %d", merged.OccurrenceCount)
	}

	// Only message, path and client IP refresh on merge.
	if merged.ErrorMessage != "boom again" {
		t.Errorf("expected refreshed message, got %q", merged.ErrorMessage)
	}
	if merged.Path != "/api/orders/42" {
		t.Errorf("expected refreshed path, got %q", merged.Path)
	}
	if merged.IPAddress != "198.51.100.7" {
		t.Errorf("expected refreshed ip, got %q", merged.IPAddress)
	}
	if merged.Method != "POST" {
		t.Errorf("expected method to keep creation value, got %q", merged.Method)
	}
}

func TestDedupWindowExpiry(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first, _, err := store.CreateOrIncrement(ctx, "sig-a", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating incident: %v", err)
	}

	// Backdate the incident past the window.
	old := time.Now().UTC().Add(-10 * time.Minute)
	if _, err := store.db.Exec(`UPDATE incidents SET occurred_at = ? WHERE id = ?`, formatTime(old), first.ID); err != nil {
		t.Fatalf("backdating incident: %v", err)
	}

	second, created, err := store.CreateOrIncrement(ctx, "sig-a", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating incident after window: %v", err)
	}
	if !created {
		t.Error("expected occurrence outside the window to create a new incident")
	}
	if second.IncidentID == first.IncidentID {
		t.Error("expected a fresh incident id after the window expired")
	}
	if second.OccurrenceCount != 1 {
		t.Errorf("expected fresh count 1, got %d", second.OccurrenceCount)
	}
}

func TestConcurrentOccurrencesMergeIntoOne(t *testing.T) {
	// A file-backed database allows real connection-level contention,
	// which the single-connection in-memory database never produces.
	database, err := db.Open(filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	store := NewStore(database, "INCIDENT", nil, zerolog.Nop())

	ctx := context.Background()
	const workers = 16

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.CreateOrIncrement(ctx, "sig-race", sampleCandidate(), time.Hour)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent CreateOrIncrement: %v", err)
		}
	}

	list, err := store.List(ctx, Filter{Fingerprint: "sig-race"})
	if err != nil {
		t.Fatalf("listing incidents: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one incident for the shared fingerprint, got %d", len(list))
	}
	if list[0].OccurrenceCount != workers {
		t.Errorf("expected occurrence count %d, got %d", workers, list[0].OccurrenceCount)
	}
}

func TestDedupSkipsNonOpenIncidents(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first, _, err := store.CreateOrIncrement(ctx, "sig-a", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating incident: %v", err)
	}
	if _, err := store.SetStatus(ctx, first.IncidentID, StatusResolved); err != nil {
		t.Fatalf("resolving incident: %v", err)
	}

	second, created, err := store.CreateOrIncrement(ctx, "sig-a", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating incident: %v", err)
	}
	if !created {
		t.Error("expected a resolved incident not to absorb new occurrences")
	}
	if second.IncidentID == first.IncidentID {
		t.Error("expected a new incident id after resolution")
	}
}

func TestSetStatusResolvedTimestamps(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	inc, _, err := store.CreateOrIncrement(ctx, "sig-a", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating incident: %v", err)
	}

	resolved, err := store.SetStatus(ctx, inc.IncidentID, StatusResolved)
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if resolved.ResolvedAt == nil {
		t.Fatal("expected resolved_at to be set on resolution")
	}

	reopened, err := store.SetStatus(ctx, inc.IncidentID, StatusOpen)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	if reopened.ResolvedAt != nil {
		t.Error("expected resolved_at cleared on reopen")
	}

	if _, err := store.SetStatus(ctx, inc.IncidentID, Status("BROKEN")); err == nil {
		t.Error("expected invalid status to be rejected")
	}
}

func TestGetByIncidentID(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	created, _, err := store.CreateOrIncrement(ctx, "sig-a", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating incident: %v", err)
	}

	got, err := store.GetByIncidentID(ctx, created.IncidentID)
	if err != nil {
		t.Fatalf("getting incident: %v", err)
	}
	if got.ErrorMessage != "boom" {
		t.Errorf("expected stored message, got %q", got.ErrorMessage)
	}
	if got.Headers["Authorization"] != "[REDACTED]" {
		t.Errorf("expected headers to round-trip, got %v", got.Headers)
	}

	if _, err := store.GetByIncidentID(ctx, "INCIDENT-9999"); err == nil {
		t.Error("expected error for unknown incident")
	}
}

func TestListFilters(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if _, _, err := store.CreateOrIncrement(ctx, "sig-a", sampleCandidate(), 5*time.Minute); err != nil {
		t.Fatalf("creating incident: %v", err)
	}
	other := sampleCandidate()
	other.Path = "/api/users"
	second, _, err := store.CreateOrIncrement(ctx, "sig-b", other, 5*time.Minute)
	if err != nil {
		t.Fatalf("creating incident: %v", err)
	}
	if _, err := store.SetStatus(ctx, second.IncidentID, StatusAcknowledged); err != nil {
		t.Fatalf("acknowledging: %v", err)
	}

	all, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(all))
	}

	open, err := store.List(ctx, Filter{Status: StatusOpen})
	if err != nil {
		t.Fatalf("listing open: %v", err)
	}
	if len(open) != 1 || open[0].Path != "/api/orders" {
		t.Errorf("unexpected open incidents: %+v", open)
	}

	byFingerprint, err := store.List(ctx, Filter{Fingerprint: "sig-b"})
	if err != nil {
		t.Fatalf("listing by fingerprint: %v", err)
	}
	if len(byFingerprint) != 1 || byFingerprint[0].Path != "/api/users" {
		t.Errorf("unexpected fingerprint incidents: %+v", byFingerprint)
	}
}

func TestPrune(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	fresh, _, err := store.CreateOrIncrement(ctx, "sig-a", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating incident: %v", err)
	}
	stale, _, err := store.CreateOrIncrement(ctx, "sig-b", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating incident: %v", err)
	}
	if _, err := store.SetStatus(ctx, stale.IncidentID, StatusResolved); err != nil {
		t.Fatalf("resolving: %v", err)
	}

	old := time.Now().UTC().AddDate(0, 0, -120)
	if _, err := store.db.Exec(`UPDATE incidents SET occurred_at = ? WHERE id = ?`, formatTime(old), stale.ID); err != nil {
		t.Fatalf("backdating incident: %v", err)
	}

	dry, err := store.Prune(ctx, 90, true)
	if err != nil {
		t.Fatalf("dry-run prune: %v", err)
	}
	if dry.Total != 1 {
		t.Errorf("expected dry run to count 1 incident, got %d", dry.Total)
	}
	if dry.ByStatus[StatusResolved] != 1 {
		t.Errorf("expected breakdown to count 1 resolved, got %v", dry.ByStatus)
	}
	if _, err := store.GetByIncidentID(ctx, stale.IncidentID); err != nil {
		t.Error("expected dry run to keep the stale incident")
	}

	result, err := store.Prune(ctx, 90, false)
	if err != nil {
		t.Fatalf("pruning: %v", err)
	}
	if result.Total != 1 {
		t.Errorf("expected 1 deletion, got %d", result.Total)
	}
	if _, err := store.GetByIncidentID(ctx, stale.IncidentID); err == nil {
		t.Error("expected stale incident deleted")
	}
	if _, err := store.GetByIncidentID(ctx, fresh.IncidentID); err != nil {
		t.Error("expected fresh incident kept")
	}
}

func TestSafePersistFallsBack(t *testing.T) {
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}

	fallbackPath := filepath.Join(t.TempDir(), "fallback.log")
	store := NewStore(database, "INCIDENT", NewFallbackLog(fallbackPath), zerolog.Nop())

	// Close the database so persistence fails.
	database.Close()

	inc := store.SafePersist(context.Background(), "sig-a", sampleCandidate(), 5*time.Minute)
	if inc == nil {
		t.Fatal("expected a synthetic incident")
	}
	if !inc.Synthetic {
		t.Error("expected incident to be marked synthetic")
	}
	if !strings.HasPrefix(inc.IncidentID, "INCIDENT-") {
		t.Errorf("expected a prefixed id, got %s", inc.IncidentID)
	}
	if inc.RequestID != "req-1" {
		t.Errorf("expected correlation id carried over, got %q", inc.RequestID)
	}

	data, err := os.ReadFile(fallbackPath)
	if err != nil {
		t.Fatalf("reading fallback log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one fallback line, got %d", len(lines))
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("parsing fallback line: %v", err)
	}
	if entry["incident_id"] != inc.IncidentID {
		t.Errorf("expected fallback to record the synthetic id, got %v", entry["incident_id"])
	}
	if entry["timestamp"] == nil {
		t.Error("expected fallback entry to carry a timestamp")
	}
}

func TestRandomIDFallbackOnParseFailure(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first, _, err := store.CreateOrIncrement(ctx, "sig-a", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating incident: %v", err)
	}
	// Corrupt the numeric suffix so the allocator cannot parse it.
	if _, err := store.db.Exec(`UPDATE incidents SET incident_id = 'INCIDENT-XYZ' WHERE id = ?`, first.ID); err != nil {
		t.Fatalf("corrupting id: %v", err)
	}

	second, created, err := store.CreateOrIncrement(ctx, "sig-b", sampleCandidate(), 5*time.Minute)
	if err != nil {
		t.Fatalf("creating incident: %v", err)
	}
	if !created {
		t.Fatal("expected a new incident")
	}
	if !strings.HasPrefix(second.IncidentID, "INCIDENT-") {
		t.Errorf("expected prefixed fallback id, got %s", second.IncidentID)
	}
	if second.IncidentID == "INCIDENT-XYZ" {
		t.Error("expected a distinct fallback id")
	}
}
