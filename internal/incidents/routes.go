package incidents

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts incident endpoints under /api/incidents on the
// given router.
func RegisterRoutes(r chi.Router, store *Store) {
	r.Route("/api/incidents", func(r chi.Router) {
		r.Get("/", handleList(store))
		r.Get("/{incidentID}", handleGet(store))
		r.Post("/{incidentID}/status", handleSetStatus(store))
		r.Get("/{incidentID}/curl", handleCurl(store))
	})
}

func handleList(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filter := Filter{
			Fingerprint: q.Get("fingerprint"),
			Path:        q.Get("path"),
			Limit:       50,
		}

		if v := q.Get("status"); v != "" {
			status := Status(strings.ToUpper(v))
			if !status.Valid() {
				http.Error(w, "invalid status", http.StatusBadRequest)
				return
			}
			filter.Status = status
		}
		if v := q.Get("since"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				filter.Since = &t
			}
		}
		if v := q.Get("until"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				filter.Until = &t
			}
		}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}
		if v := q.Get("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Offset = n
			}
		}

		incidents, err := store.List(r.Context(), filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if incidents == nil {
			incidents = []Incident{}
		}

		writeJSON(w, http.StatusOK, incidents)
	}
}

func handleGet(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inc, err := store.GetByIncidentID(r.Context(), chi.URLParam(r, "incidentID"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, inc)
	}
}

func handleSetStatus(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		status := Status(strings.ToUpper(req.Status))
		if !status.Valid() {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}

		inc, err := store.SetStatus(r.Context(), chi.URLParam(r, "incidentID"), status)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, inc)
	}
}

// handleCurl renders a copy-pasteable curl command that reproduces the
// failing request. Sensitive header values are already masked at
// capture time, so the command carries placeholders where credentials
// would go.
func handleCurl(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inc, err := store.GetByIncidentID(r.Context(), chi.URLParam(r, "incidentID"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"incident_id": inc.IncidentID,
			"curl":        buildCurl(inc),
		})
	}
}

func buildCurl(inc *Incident) string {
	var b strings.Builder

	b.WriteString("curl -X ")
	b.WriteString(inc.Method)

	url := inc.Path
	if inc.QueryString != "" {
		url += "?" + inc.QueryString
	}
	fmt.Fprintf(&b, " %s", shellQuote(url))

	names := make([]string, 0, len(inc.Headers))
	for name := range inc.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, " \\\n  -H %s", shellQuote(name+": "+inc.Headers[name]))
	}

	if inc.BodyPreview != "" && !strings.HasPrefix(inc.BodyPreview, "[Binary content") {
		fmt.Fprintf(&b, " \\\n  -d %s", shellQuote(inc.BodyPreview))
	}

	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
