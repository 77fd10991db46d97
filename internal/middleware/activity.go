package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/blackbox-obs/blackbox/internal/activity"
	"github.com/blackbox-obs/blackbox/internal/config"
	"github.com/blackbox-obs/blackbox/internal/incidents"
	"github.com/blackbox-obs/blackbox/internal/redact"
	"github.com/blackbox-obs/blackbox/internal/tracking"
)

// Activity writes one activity record per observed request. It is the
// outer middleware of the pair, so it owns the change-tracking
// scratchpad and the incident hand-off scope for the request. Any
// failure while building or storing the record is logged and never
// alters the response already produced.
func Activity(cfg *config.Config, store *activity.Store, fallback *incidents.FallbackLog, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || !cfg.Activity.Enabled || cfg.ActivityIgnoresPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.Activity.SampleRate < 1 && rand.Float64() >= cfg.Activity.SampleRate {
				next.ServeHTTP(w, r)
				return
			}

			ctx := tracking.NewContext(r.Context())
			ctx = activity.WithChange(ctx)
			ctx, sc := withScope(ctx)
			r = r.WithContext(ctx)

			var reqBody []byte
			if r.Body != nil {
				reqBody, _ = io.ReadAll(io.LimitReader(r.Body, maxBodyPeek))
				r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(reqBody), r.Body))
			}

			rec := &responseRecorder{ResponseWriter: w, limit: cfg.Activity.MaxResponseBytes}
			start := time.Now()

			// Deferred so the record is written even while a panic from
			// a disabled-capture path is unwinding through us.
			completed := false
			defer func() {
				logActivity(r, cfg, store, fallback, log, rec, reqBody, time.Since(start), sc, completed)
			}()

			next.ServeHTTP(rec, r)
			completed = true
		})
	}
}

func logActivity(r *http.Request, cfg *config.Config, store *activity.Store, fallback *incidents.FallbackLog, log zerolog.Logger, rec *responseRecorder, reqBody []byte, duration time.Duration, sc *scope, completed bool) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("activity logging panicked")
		}
	}()

	ctx := r.Context()
	incident := sc.getIncident()

	status := rec.status
	if status == 0 {
		// Nothing was written: either a panic is propagating past us or
		// the handler relied on the implicit 200.
		switch {
		case incident != nil:
			status = incident.HTTPStatus
		case !completed:
			status = http.StatusInternalServerError
		default:
			status = http.StatusOK
		}
	}

	actor := GetActor(ctx)

	viewName := ""
	if rctx := chi.RouteContext(ctx); rctx != nil {
		viewName = rctx.RoutePattern()
	}

	info := activity.RequestInfo{
		RequestID:       GetRequestID(ctx),
		Method:          r.Method,
		Path:            r.URL.Path,
		FullPath:        r.URL.RequestURI(),
		ViewName:        viewName,
		HTTPStatus:      status,
		Duration:        duration,
		UserID:          actor.ID,
		IsAuthenticated: actor.Authenticated,
		IPAddress:       ClientIP(r),
		UserAgent:       r.UserAgent(),
		RequestHeaders:  redactedHeaders(cfg, r.Header),
		RequestBody:     requestBodyJSON(cfg, r, reqBody),
		ResponseHeaders: redactedHeaders(cfg, rec.Header()),
		ResponseBody:    responseBody(cfg, rec),
	}

	record := activity.BuildRecord(ctx, info, incident)
	if err := store.Insert(ctx, record); err != nil {
		log.Error().Err(err).Str("request_id", record.RequestID).Msg("failed to persist activity")
		if fallback != nil {
			if ferr := fallback.Append(map[string]any{
				"request_id":     record.RequestID,
				"path":           record.Path,
				"http_status":    record.HTTPStatus,
				"activity_error": err.Error(),
			}); ferr != nil {
				log.Error().Err(ferr).Msg("failed to write fallback log")
			}
		}
	}
}

func redactedHeaders(cfg *config.Config, h http.Header) map[string]string {
	flat := flattenHeaders(h)
	if !cfg.Redaction.Enabled {
		return flat
	}
	return redact.Headers(flat, cfg.Redaction.Headers, cfg.Redaction.Mask)
}

// requestBodyJSON combines query parameters and the request body into
// one redacted JSON document.
func requestBodyJSON(cfg *config.Config, r *http.Request, reqBody []byte) string {
	payload := map[string]any{
		"query_params": queryMap(r),
		"body":         bodyValue(reqBody),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}

	fields := cfg.Redaction.Fields
	if !cfg.Redaction.Enabled {
		fields = nil
	}
	return redact.Body(raw, fields, cfg.Redaction.Mask, cfg.Redaction.MaxBodyBytes, "application/json")
}

func queryMap(r *http.Request) map[string]any {
	out := map[string]any{}
	for name, values := range r.URL.Query() {
		if len(values) == 1 {
			out[name] = values[0]
		} else {
			out[name] = values
		}
	}
	return out
}

func bodyValue(reqBody []byte) any {
	if len(reqBody) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(reqBody, &parsed); err == nil {
		return parsed
	}
	return string(reqBody)
}

func responseBody(cfg *config.Config, rec *responseRecorder) string {
	if rec.body.Len() == 0 {
		return ""
	}
	fields := cfg.Redaction.Fields
	if !cfg.Redaction.Enabled {
		fields = nil
	}
	contentType := rec.Header().Get("Content-Type")
	return redact.Body(rec.body.Bytes(), fields, cfg.Redaction.Mask, cfg.Activity.MaxResponseBytes, contentType)
}
