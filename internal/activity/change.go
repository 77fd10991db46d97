package activity

import (
	"context"
	"sync"

	"github.com/blackbox-obs/blackbox/internal/tracking"
)

// Change accumulates developer-declared activity detail for one
// request. Application code mutates it through the package-level
// setters; the correlator reads it once when the request finishes.
type Change struct {
	mu            sync.Mutex
	action        string
	customAction  string
	customPayload map[string]any
	entityKind    string
	entityID      string
	before        tracking.Snapshot
	after         tracking.Snapshot
	diff          tracking.Diff
	hasDiff       bool
	extra         map[string]any
}

type changeKey struct{}

// WithChange returns a child context carrying a fresh Change holder.
// Call it once at request entry.
func WithChange(ctx context.Context) context.Context {
	return context.WithValue(ctx, changeKey{}, &Change{})
}

func changeFromContext(ctx context.Context) *Change {
	c, _ := ctx.Value(changeKey{}).(*Change)
	return c
}

// SetAction declares the high-level action for the current request,
// overriding any derived or custom label. No-op outside a request.
func SetAction(ctx context.Context, action string) {
	c := changeFromContext(ctx)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.action = action
}

// SetCustomAction records a free-form action label with an optional
// payload. Unless an explicit action is also set, the resolved action
// becomes CUSTOM.
func SetCustomAction(ctx context.Context, label string, payload map[string]any) {
	c := changeFromContext(ctx)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customAction = label
	c.customPayload = payload
}

// SetRelatedEntity names the entity this request primarily acted on.
func SetRelatedEntity(ctx context.Context, kind, id string) {
	c := changeFromContext(ctx)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entityKind = kind
	c.entityID = id
}

// SetBefore declares the entity's pre-request state explicitly. A
// non-empty explicit snapshot replaces the automatically tracked one
// wholesale.
func SetBefore(ctx context.Context, state map[string]any) {
	c := changeFromContext(ctx)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.before = tracking.Normalize(state)
}

// SetAfter declares the entity's post-request state explicitly.
func SetAfter(ctx context.Context, state map[string]any) {
	c := changeFromContext(ctx)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.after = tracking.Normalize(state)
}

// SetDiff supplies a precomputed diff, suppressing recomputation.
func SetDiff(ctx context.Context, diff tracking.Diff) {
	c := changeFromContext(ctx)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diff = diff
	c.hasDiff = true
}

// AddExtra attaches an arbitrary key to the activity record's extra
// payload.
func AddExtra(ctx context.Context, key string, value any) {
	c := changeFromContext(ctx)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.extra == nil {
		c.extra = map[string]any{}
	}
	c.extra[key] = value
}

// declared is a consistent copy of the holder's state.
type declared struct {
	action        string
	customAction  string
	customPayload map[string]any
	entityKind    string
	entityID      string
	before        tracking.Snapshot
	after         tracking.Snapshot
	diff          tracking.Diff
	hasDiff       bool
	extra         map[string]any
}

func (c *Change) snapshot() declared {
	if c == nil {
		return declared{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return declared{
		action:        c.action,
		customAction:  c.customAction,
		customPayload: c.customPayload,
		entityKind:    c.entityKind,
		entityID:      c.entityID,
		before:        c.before,
		after:         c.after,
		diff:          c.diff,
		hasDiff:       c.hasDiff,
		extra:         c.extra,
	}
}
