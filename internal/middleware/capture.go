package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackbox-obs/blackbox/internal/config"
	"github.com/blackbox-obs/blackbox/internal/fingerprint"
	"github.com/blackbox-obs/blackbox/internal/incidents"
	"github.com/blackbox-obs/blackbox/internal/redact"
)

// HeaderIncidentID exposes the human-readable incident id on failure
// responses.
const HeaderIncidentID = "X-Incident-ID"

// maxBodyPeek caps how much of a request body is read for the
// incident's body preview.
const maxBodyPeek = 64 << 10

// Capture converts server failures into deduplicated incidents. It
// buffers the response so a failing one can be decorated with
// correlation headers or replaced by the configured JSON error body.
// Client errors pass through untouched.
func Capture(cfg *config.Config, store *incidents.Store, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || cfg.CaptureIgnoresPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ctx, sc := withScope(r.Context())
			r = r.WithContext(ctx)

			var reqBody []byte
			if r.Body != nil {
				reqBody, _ = io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
				r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(reqBody), r.Body))
			}

			bw := newBufferedWriter(w)

			var (
				panicked bool
				panicVal any
				stack    string
			)
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						panicked = true
						panicVal = rec
						stack = string(debug.Stack())
					}
				}()
				next.ServeHTTP(bw, r)
			}()

			if panicked && !cfg.Capture.Panics {
				// Not ours to handle; let an outer recoverer decide.
				panic(panicVal)
			}

			status := bw.status
			if panicked {
				status = http.StatusInternalServerError
			}

			if !shouldCapture(cfg, status, panicked) {
				bw.flush()
				return
			}

			kind, message := sc.errorInfo()
			if panicked {
				if kind == "" {
					kind = panicKind(panicVal)
				}
				if message == "" {
					message = fmt.Sprint(panicVal)
				}
			}
			if message == "" {
				message = messageFromBody(bw.body.Bytes())
			}

			if kind != "" && cfg.IgnoresErrorKind(kind) {
				bw.flush()
				return
			}
			if cfg.Capture.SampleRate < 1 && rand.Float64() >= cfg.Capture.SampleRate {
				bw.flush()
				return
			}

			var stacktrace string
			if cfg.Capture.Stacktrace {
				stacktrace = stack
			}

			requestID := GetRequestID(ctx)
			actor := GetActor(ctx)

			headers := flattenHeaders(r.Header)
			if cfg.Redaction.Enabled {
				headers = redact.Headers(headers, cfg.Redaction.Headers, cfg.Redaction.Mask)
			}

			bodyPreview := ""
			contentType := r.Header.Get("Content-Type")
			if len(reqBody) > 0 && cfg.StoresBodyContentType(contentType) {
				fields := cfg.Redaction.Fields
				if !cfg.Redaction.Enabled {
					fields = nil
				}
				bodyPreview = redact.Body(reqBody, fields, cfg.Redaction.Mask, cfg.Redaction.MaxBodyBytes, contentType)
			}

			cand := incidents.Candidate{
				RequestID:    requestID,
				HTTPStatus:   status,
				Method:       r.Method,
				Path:         r.URL.Path,
				QueryString:  r.URL.RawQuery,
				UserID:       actor.ID,
				IPAddress:    ClientIP(r),
				UserAgent:    r.UserAgent(),
				Headers:      headers,
				BodyPreview:  bodyPreview,
				ContentType:  contentType,
				ErrorKind:    kind,
				ErrorMessage: message,
				Stacktrace:   stacktrace,
			}

			signature := fingerprint.Signature(kind, r.URL.Path, message)
			window := time.Duration(cfg.Capture.WindowSeconds) * time.Second
			inc := store.SafePersist(ctx, signature, cand, window)
			sc.setIncident(inc)

			log.Warn().
				Str("incident_id", inc.IncidentID).
				Str("request_id", requestID).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("occurrences", inc.OccurrenceCount).
				Msg("incident captured")

			if cfg.Response.AddRequestIDHeader && requestID != "" {
				bw.Header().Set(HeaderRequestID, requestID)
			}
			if cfg.Response.AddIncidentIDHeader {
				bw.Header().Set(HeaderIncidentID, inc.IncidentID)
			}

			// The downgrade override always replaces the response, even
			// for clients that did not ask for JSON.
			forced := cfg.Response.Return400Instead && status >= 500

			switch {
			case forced || (cfg.Response.ExposeJSONErrorBody && acceptsJSON(r)):
				respStatus := status
				if forced {
					respStatus = http.StatusBadRequest
				}
				body := map[string]any{"detail": cfg.Response.GenericErrorMessage}
				if cfg.Response.IncludeIncidentIDInBody {
					body["incident_id"] = inc.IncidentID
				}
				if sc.stackExposed() && stacktrace != "" {
					body["stacktrace"] = stacktrace
				}
				bw.replaceJSON(respStatus, body)
			case panicked:
				// The handler never produced a response; give the
				// non-JSON client a bare error rather than an empty 200.
				bw.status = status
				bw.wroteHeader = true
				bw.body.Reset()
				bw.Header().Set("Content-Type", "text/plain; charset=utf-8")
				bw.body.WriteString(http.StatusText(status))
			}

			bw.flush()
		})
	}
}

func shouldCapture(cfg *config.Config, status int, panicked bool) bool {
	if panicked {
		return cfg.Capture.Panics
	}
	if status >= 500 && cfg.Capture.Responses5xx {
		return true
	}
	return cfg.CapturesStatus(status)
}

func panicKind(v any) string {
	if err, ok := v.(error); ok {
		return errorKind(err)
	}
	return "panic"
}

// messageFromBody pulls a human-readable message out of a JSON error
// response, trying the conventional keys in order.
func messageFromBody(body []byte) string {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	for _, key := range []string{"detail", "error", "message"} {
		if s, ok := parsed[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// acceptsJSON reports whether the client can take a JSON substitute
// body. A missing Accept header and a */* wildcard both count as yes:
// API clients rarely send Accept, and replying JSON to a wildcard is
// within what the client asked for.
func acceptsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	return strings.Contains(accept, "application/json") || strings.Contains(accept, "*/*")
}
