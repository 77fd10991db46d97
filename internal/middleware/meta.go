package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Actor identifies the authenticated caller, supplied by whatever auth
// layer the host application runs.
type Actor struct {
	ID            string
	Authenticated bool
}

type actorKey struct{}

// WithActor attaches the authenticated caller to the request context.
// The host application's auth middleware calls this.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// GetActor returns the authenticated caller, zero outside a request or
// for anonymous traffic.
func GetActor(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey{}).(Actor)
	return actor
}

// ClientIP resolves the originating client address, preferring proxy
// headers over the socket peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		first = strings.TrimSpace(first)
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		if net.ParseIP(rip) != nil {
			return rip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// flattenHeaders collapses multi-valued headers into the single-value
// form stored on records.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}
