// Package actionstate implements the per-resource busy-flag locks: one
// mutex-guarded flag set per resource id, so two concurrent operations on
// the same resource can't stomp on each other.
package actionstate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Will-Luck/fleetd/internal/metrics"
)

// ErrBusy is returned by Update when the resource's relevant flag is
// already set.
var ErrBusy = errors.New("actionstate: resource is busy")

// Flags is the set of in-flight operations tracked for one resource,
// shared across every resource kind.
type Flags struct {
	Deleting   bool
	Updating   bool
	Renaming   bool
	Recloning  bool
	BuildingAt bool
}

func (f *Flags) busy() bool {
	return f.Deleting || f.Updating || f.Renaming || f.Recloning || f.BuildingAt
}

// Guard is returned by Update; its Done method runs the cleanup exactly
// once, however Update's caller's closure exits (including via panic
// recovery upstream). Guard values must not be copied after first use.
type Guard struct {
	done func()
	once sync.Once
}

// Done clears the flag this Update call set. Safe to call multiple times
// or via defer.
func (g *Guard) Done() {
	g.once.Do(g.done)
}

// entry pairs one resource's flags with the mutex protecting them.
type entry struct {
	mu    sync.Mutex
	flags Flags
}

// Table is a per-resource-kind map of id -> lock-guarded Flags. A Table is
// created once per resource kind (Server, Stack, Deployment, ...) and
// shared across all callers operating on that kind.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable builds an empty Table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

func (t *Table) entryFor(id string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	return e
}

// Update acquires the lock for id, checks busy(), applies set (which
// should flip exactly one flag true), and returns a Guard whose Done
// method runs clear (which should flip that same flag back to false).
// Returns ErrBusy without applying set if another flag is already set.
func (t *Table) Update(id string, set func(*Flags), clear func(*Flags)) (*Guard, error) {
	e := t.entryFor(id)

	e.mu.Lock()
	if e.flags.busy() {
		e.mu.Unlock()
		metrics.ActionBusyRejectionsTotal.Inc()
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	set(&e.flags)
	e.mu.Unlock()

	return &Guard{done: func() {
		e.mu.Lock()
		clear(&e.flags)
		e.mu.Unlock()
	}}, nil
}

// UpdateCustom is the escape hatch for callers that want to opt out of
// the busy check (e.g. a flag that can legitimately be set twice) or
// need a cleanup that isn't a simple clear of the flag set just set.
func (t *Table) UpdateCustom(id string, skipBusyCheck bool, set func(*Flags), cleanup func(*Flags)) (*Guard, error) {
	e := t.entryFor(id)

	e.mu.Lock()
	if !skipBusyCheck && e.flags.busy() {
		e.mu.Unlock()
		metrics.ActionBusyRejectionsTotal.Inc()
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	set(&e.flags)
	e.mu.Unlock()

	return &Guard{done: func() {
		e.mu.Lock()
		cleanup(&e.flags)
		e.mu.Unlock()
	}}, nil
}

// Snapshot returns a copy of id's current flags, for status reporting.
// A resource with no entry yet reads as all-false.
func (t *Table) Snapshot(id string) Flags {
	e := t.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags
}

// Remove drops id's entry entirely, e.g. once the resource itself is
// deleted. Safe to call while nobody holds a Guard for id.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}
