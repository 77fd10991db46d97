// Package tracking reconstructs before/after snapshots of entities
// mutated during a request. The persistence layer calls BeforeWrite and
// AfterWrite around each entity write; the scratchpad they populate is
// carried on the request context, read once when the activity record is
// assembled, and discarded with the request. It never leaks across
// requests.
package tracking

import (
	"context"
	"strings"
	"sync"
)

// Entity is the serialization capability an entity type implements so
// its persisted state can be tracked.
type Entity interface {
	// EntityKind names the entity type, e.g. "widget".
	EntityKind() string
	// EntityID returns the persisted identity, empty for a brand-new
	// entity that has none yet.
	EntityID() string
	// EntityState returns the persisted fields as a flat mapping.
	EntityState() map[string]any
}

type change struct {
	before    Snapshot
	after     Snapshot
	hasBefore bool
}

// Tracker is the per-request scratchpad, keyed by entity kind+id.
type Tracker struct {
	mu      sync.Mutex
	changes map[string]*change
}

type ctxKey struct{}

// NewContext returns a child context carrying a fresh, empty Tracker.
// Call it once at request entry.
func NewContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, &Tracker{changes: make(map[string]*change)})
}

// FromContext returns the request's Tracker, or nil outside a request.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(ctxKey{}).(*Tracker)
	return t
}

// BeforeWrite captures the entity's state ahead of a persistence write.
// The first capture per entity identity wins; later writes in the same
// request do not overwrite it, so the stored "before" reflects the
// state as of request start. Without a Tracker on the context (e.g. a
// background job) it is a no-op.
func BeforeWrite(ctx context.Context, e Entity) {
	t := FromContext(ctx)
	if t == nil || e == nil {
		return
	}
	id := e.EntityID()
	if id == "" {
		// Brand-new entity: before state is implicitly empty.
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.entry(e.EntityKind(), id)
	if !entry.hasBefore {
		entry.before = Normalize(e.EntityState())
		entry.hasBefore = true
	}
}

// AfterWrite captures the entity's state after a persistence write has
// committed. Every call overwrites the previous "after", so the final
// value reflects the entity's state at request end. Without a Tracker
// on the context it is a no-op.
func AfterWrite(ctx context.Context, e Entity) {
	t := FromContext(ctx)
	if t == nil || e == nil {
		return
	}
	id := e.EntityID()
	if id == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(e.EntityKind(), id).after = Normalize(e.EntityState())
}

// Change returns the tracked before/after snapshots and their diff for
// one entity identity. Untracked identities yield empty snapshots.
func (t *Tracker) Change(kind, id string) (before, after Snapshot, diff Diff) {
	if t == nil || kind == "" || id == "" {
		return Snapshot{}, Snapshot{}, Diff{}
	}

	t.mu.Lock()
	entry, ok := t.changes[key(kind, id)]
	t.mu.Unlock()
	if !ok {
		return Snapshot{}, Snapshot{}, Diff{}
	}

	before = entry.before
	if before == nil {
		before = Snapshot{}
	}
	after = entry.after
	if after == nil {
		after = Snapshot{}
	}
	return before, after, ComputeDiff(before, after)
}

// Only returns the tracked entity identity when exactly one entity was
// written during the request, which is the common case for CRUD
// endpoints.
func (t *Tracker) Only() (kind, id string, ok bool) {
	if t == nil {
		return "", "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.changes) != 1 {
		return "", "", false
	}
	for k := range t.changes {
		kind, id, _ = strings.Cut(k, ":")
	}
	return kind, id, true
}

// entry returns the change record for kind+id, creating it if needed.
// Callers hold t.mu.
func (t *Tracker) entry(kind, id string) *change {
	k := key(kind, id)
	entry, ok := t.changes[k]
	if !ok {
		entry = &change{}
		t.changes[k] = entry
	}
	return entry
}

func key(kind, id string) string { return kind + ":" + id }
