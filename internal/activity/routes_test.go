package activity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestActivityEndpoints(t *testing.T) {
	store := setupStore(t)
	r := chi.NewRouter()
	RegisterRoutes(r, store)

	if err := store.Insert(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("seeding record: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/activities?action=CREATE", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var records []Record
	if err := json.NewDecoder(w.Body).Decode(&records); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(records) != 1 || records[0].RequestID != "req-1" {
		t.Errorf("unexpected records: %+v", records)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/activities/req-1", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rec Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if rec.IncidentID != "INCIDENT-0001" {
		t.Errorf("expected incident link, got %q", rec.IncidentID)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/activities/req-unknown", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
