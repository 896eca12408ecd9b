package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Record is the state kept for one peer.
type Record struct {
	ID             ID
	Status         Status
	LastTransition time.Time
	// Order is the discovery sequence number of the peer.
	Order uint64
}

// Transition describes the outcome of a Set call.
type Transition struct {
	ID        ID
	From      Status
	Requested Status
	// To is the status actually stored: Requested, or Unknown when the
	// requested transition was not allowed.
	To      Status
	Coerced bool
	At      time.Time
}

// Table maps peer identities to their connection status.
//
// Writes are expected from a single serialized path; reads may happen
// concurrently and always see a consistent copy.
type Table struct {
	mu        sync.RWMutex
	records   map[ID]*Record
	nextOrder uint64
	clock     clock.Clock
}

// NewTable creates an empty table. A nil clock uses the wall clock.
func NewTable(clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	return &Table{
		records: make(map[ID]*Record),
		clock:   clk,
	}
}

// Track creates a Disconnected record for id if none exists. It reports
// whether a record was created. Tracking is not a transition and is never
// notified.
func (t *Table) Track(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[id]; ok {
		return false
	}
	t.insertLocked(id)
	return true
}

func (t *Table) insertLocked(id ID) *Record {
	t.nextOrder++
	rec := &Record{
		ID:             id,
		Status:         StatusDisconnected,
		LastTransition: t.clock.Now(),
		Order:          t.nextOrder,
	}
	t.records[id] = rec
	return rec
}

// Set moves id to status, applying the transition rules. A disallowed
// transition stores Unknown instead and is marked Coerced. Every call yields
// exactly one Transition, including re-entering the current status.
func (t *Table) Set(id ID, status Status) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		rec = t.insertLocked(id)
	}

	tr := Transition{
		ID:        id,
		From:      rec.Status,
		Requested: status,
		To:        status,
		At:        t.clock.Now(),
	}
	if !CanTransition(rec.Status, status) {
		tr.To = StatusUnknown
		tr.Coerced = true
		logrus.WithFields(logrus.Fields{
			"function":  "Table.Set",
			"peer":      id.Short(),
			"from":      rec.Status.String(),
			"requested": status.String(),
		}).Warn("Invalid peer status transition, coercing to Unknown")
	}

	rec.Status = tr.To
	rec.LastTransition = tr.At
	return tr
}

// Reset forces id to Disconnected regardless of the transition rules. It is
// the teardown path and returns the transition that was applied; ok is false
// when the peer was not tracked.
func (t *Table) Reset(id ID) (Transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return Transition{}, false
	}
	tr := Transition{
		ID:        id,
		From:      rec.Status,
		Requested: StatusDisconnected,
		To:        StatusDisconnected,
		At:        t.clock.Now(),
	}
	rec.Status = StatusDisconnected
	rec.LastTransition = tr.At
	return tr, true
}

// Remove forgets id. Subsequent lookups report Disconnected.
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// Clear forgets every peer.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[ID]*Record)
}

// Status returns the status of id, Disconnected when unknown.
func (t *Table) Status(id ID) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if rec, ok := t.records[id]; ok {
		return rec.Status
	}
	return StatusDisconnected
}

// Get returns a copy of the record for id.
func (t *Table) Get(id ID) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records in discovery order.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Connected returns the identities of Connected peers in discovery order.
func (t *Table) Connected() []ID {
	return t.WithStatus(StatusConnected)
}

// WithStatus returns the identities of peers in status s, in discovery order.
func (t *Table) WithStatus(s Status) []ID {
	var ids []ID
	for _, rec := range t.Snapshot() {
		if rec.Status == s {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

// Len returns the number of tracked peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
