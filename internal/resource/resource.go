// Package resource implements a capability record per resource kind: a
// uniform create/update/delete/rename/list surface over the ten managed
// kinds, with mutating operations guarded by internal/actionstate so two
// callers can never stomp on the same resource concurrently. It is
// deliberately thin: kind-specific fields live in an opaque JSON Config
// blob rather than ten bespoke Go structs.
package resource

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Will-Luck/fleetd/internal/actionstate"
)

// Kind is one of the ten managed resource kinds.
type Kind string

const (
	KindSwarm        Kind = "Swarm"
	KindStack        Kind = "Stack"
	KindDeployment   Kind = "Deployment"
	KindBuild        Kind = "Build"
	KindRepo         Kind = "Repo"
	KindAction       Kind = "Action"
	KindAlerter      Kind = "Alerter"
	KindProcedure    Kind = "Procedure"
	KindResourceSync Kind = "ResourceSync"
	KindServer       Kind = "Server"
)

// AllKinds lists every supported resource kind.
func AllKinds() []Kind {
	return []Kind{
		KindSwarm, KindStack, KindDeployment, KindBuild, KindRepo,
		KindAction, KindAlerter, KindProcedure, KindResourceSync, KindServer,
	}
}

// Record is one resource instance. Config carries whatever fields are
// specific to Kind; this package never inspects it.
type Record struct {
	ID     string          `json:"id"`
	Kind   Kind            `json:"kind"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
}

// ErrNotFound is returned by Get/Update/Rename/Delete for an unknown id.
var ErrNotFound = fmt.Errorf("resource: not found")

// ErrNameTaken is returned by Create/Rename when another record of the
// same kind already owns the requested name.
var ErrNameTaken = fmt.Errorf("resource: name already in use")

// Table is the kind-scoped record store plus its action-state locks.
type Table struct {
	kind Kind

	mu      sync.RWMutex
	records map[string]*Record

	locks *actionstate.Table
}

// NewTable builds an empty Table for kind.
func NewTable(kind Kind) *Table {
	return &Table{
		kind:    kind,
		records: make(map[string]*Record),
		locks:   actionstate.NewTable(),
	}
}

// List returns a snapshot of every record currently in the table.
func (t *Table) List() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	return out
}

// Get returns the named-by-id record, if present.
func (t *Table) Get(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (t *Table) nameTaken(name, excludeID string) bool {
	for id, r := range t.records {
		if id != excludeID && r.Name == name {
			return true
		}
	}
	return false
}

// Create adds a new record of this table's kind under id, failing if id
// or name is already taken.
func (t *Table) Create(id, name string, config json.RawMessage) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.records[id]; exists {
		return Record{}, fmt.Errorf("%w: id %q", ErrNameTaken, id)
	}
	if t.nameTaken(name, "") {
		return Record{}, fmt.Errorf("%w: name %q", ErrNameTaken, name)
	}

	r := &Record{ID: id, Kind: t.kind, Name: name, Config: config}
	t.records[id] = r
	return *r, nil
}

// Update replaces id's Config under the busy-flag guard, so a concurrent
// delete or another update on the same id fails fast with
// actionstate.ErrBusy instead of racing.
func (t *Table) Update(id string, config json.RawMessage) error {
	guard, err := t.locks.Update(id, func(f *actionstate.Flags) { f.Updating = true }, func(f *actionstate.Flags) { f.Updating = false })
	if err != nil {
		return err
	}
	defer guard.Done()

	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.Config = config
	return nil
}

// Rename changes id's Name under the busy-flag guard.
func (t *Table) Rename(id, newName string) error {
	guard, err := t.locks.Update(id, func(f *actionstate.Flags) { f.Renaming = true }, func(f *actionstate.Flags) { f.Renaming = false })
	if err != nil {
		return err
	}
	defer guard.Done()

	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.nameTaken(newName, id) {
		return fmt.Errorf("%w: name %q", ErrNameTaken, newName)
	}
	r.Name = newName
	return nil
}

// Delete removes id under the busy-flag guard, then drops its lock entry
// entirely so the table doesn't accumulate stale locks for deleted ids.
func (t *Table) Delete(id string) error {
	guard, err := t.locks.Update(id, func(f *actionstate.Flags) { f.Deleting = true }, func(f *actionstate.Flags) { f.Deleting = false })
	if err != nil {
		return err
	}
	defer guard.Done()

	t.mu.Lock()
	_, ok := t.records[id]
	delete(t.records, id)
	t.mu.Unlock()

	t.locks.Remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Busy reports id's current in-flight operations, for status reporting.
func (t *Table) Busy(id string) actionstate.Flags {
	return t.locks.Snapshot(id)
}

// Registry aggregates one Table per resource kind.
type Registry struct {
	tables map[Kind]*Table
}

// NewRegistry builds a Registry with an empty Table for every kind in
// AllKinds.
func NewRegistry() *Registry {
	r := &Registry{tables: make(map[Kind]*Table, len(AllKinds()))}
	for _, k := range AllKinds() {
		r.tables[k] = NewTable(k)
	}
	return r
}

// Table returns the Table for kind. Panics on an unknown kind, since
// AllKinds is the closed set this package supports.
func (r *Registry) Table(kind Kind) *Table {
	t, ok := r.tables[kind]
	if !ok {
		panic(fmt.Sprintf("resource: unknown kind %q", kind))
	}
	return t
}
