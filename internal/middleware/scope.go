package middleware

import (
	"context"
	"fmt"
	"sync"

	"github.com/blackbox-obs/blackbox/internal/incidents"
)

// scope is the per-request hand-off slot shared by the capture and
// activity middlewares. Capture stores the incident it persisted so the
// activity record can link to it; handlers store the error that caused
// a failure response so the incident carries its kind and message.
type scope struct {
	mu           sync.Mutex
	incident     *incidents.Incident
	errorKind    string
	errorMessage string
	exposeStack  bool
}

type scopeKey struct{}

// withScope returns a context carrying a scope, reusing one already
// installed by an outer middleware.
func withScope(ctx context.Context) (context.Context, *scope) {
	if sc, ok := ctx.Value(scopeKey{}).(*scope); ok {
		return ctx, sc
	}
	sc := &scope{}
	return context.WithValue(ctx, scopeKey{}, sc), sc
}

func scopeFromContext(ctx context.Context) *scope {
	sc, _ := ctx.Value(scopeKey{}).(*scope)
	return sc
}

// RecordError notes the error behind a failure response so the
// resulting incident is fingerprinted by the error's type and message
// instead of the generic status bucket. No-op outside a request.
func RecordError(ctx context.Context, err error) {
	sc := scopeFromContext(ctx)
	if sc == nil || err == nil {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.errorKind = errorKind(err)
	sc.errorMessage = err.Error()
}

// ExposeStacktrace opts this request into carrying the stack trace in
// the error response body. Meant for debugging endpoints only; without
// it clients never see a raw stack trace.
func ExposeStacktrace(ctx context.Context) {
	sc := scopeFromContext(ctx)
	if sc == nil {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.exposeStack = true
}

func (s *scope) stackExposed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exposeStack
}

func errorKind(err error) string {
	kind := fmt.Sprintf("%T", err)
	for len(kind) > 0 && kind[0] == '*' {
		kind = kind[1:]
	}
	return kind
}

func (s *scope) errorInfo() (kind, message string) {
	if s == nil {
		return "", ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorKind, s.errorMessage
}

func (s *scope) setIncident(inc *incidents.Incident) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incident = inc
}

func (s *scope) getIncident() *incidents.Incident {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incident
}
