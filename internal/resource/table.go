// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package resource implements the central table owning device resources.
//
// Command builders look resources up under a read lock while creation and
// destruction take the write lock. Once the discard of a destroying entry
// has been submitted, command builders can no longer resolve it. Ids pack a slot index with a generation
// so a stale id never resolves to a resource created later in the same slot.
package resource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/framesched/device"
	"github.com/gogpu/framesched/internal/fault"
)

// Table errors.
var (
	// ErrNotFound is returned when an id does not name a resource in the
	// table. For command builders this is a recoverable build failure.
	ErrNotFound = errors.New("resource: not found")

	// ErrTableClosed is returned when operating on a closed table.
	ErrTableClosed = errors.New("resource: table closed")
)

// ID identifies a resource. The low 32 bits hold the slot index, the high
// 32 bits its generation. The zero ID is never issued.
type ID uint64

func makeID(index, gen uint32) ID {
	return ID(uint64(gen)<<32 | uint64(index))
}

// Index returns the slot index.
func (id ID) Index() uint32 { return uint32(id) }

// Generation returns the slot generation.
func (id ID) Generation() uint32 { return uint32(id >> 32) }

// String returns the id as index:generation.
func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Index(), id.Generation())
}

// State is the lifecycle state of a table entry.
type State uint8

// Entry states. Removed entries no longer exist.
const (
	StateLive State = iota + 1
	StateDestroying
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateDestroying:
		return "destroying"
	default:
		return "removed"
	}
}

// Entry is a snapshot of a table entry.
type Entry struct {
	ID       ID
	Kind     device.Kind
	Resource device.Resource
	State    State

	// Discarded is set once the discard command of a destroying entry has
	// been submitted.
	Discarded bool
}

// Stats contains resource table statistics.
type Stats struct {
	// Live is the number of entries usable by new work.
	Live int

	// Destroying is the number of entries waiting for their discard
	// command to complete.
	Destroying int

	// Removed is the total number of entries removed.
	Removed uint64
}

// String returns a human-readable string of table stats.
func (s Stats) String() string {
	return fmt.Sprintf("Resources[%d live, %d destroying, %d removed]", s.Live, s.Destroying, s.Removed)
}

type slot struct {
	gen       uint32
	state     State // zero when the slot is free
	discarded bool
	kind      device.Kind
	res       device.Resource
}

// Table owns device resources by id.
//
// Table is safe for concurrent use.
type Table struct {
	mu sync.RWMutex

	faults *fault.Supervisor

	slots []slot
	free  []uint32

	live       int
	destroying int
	removed    uint64

	closed bool
}

// NewTable creates an empty table. Contract violations are reported to
// faults.
func NewTable(faults *fault.Supervisor) *Table {
	return &Table{faults: faults}
}

// Insert adds res as a live entry and returns its id.
func (t *Table) Insert(kind device.Kind, res device.Resource) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrTableClosed
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		//nolint:gosec // G115: table size stays far below 2^32 entries
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}

	s := &t.slots[idx]
	s.gen++
	s.state = StateLive
	s.discarded = false
	s.kind = kind
	s.res = res
	t.live++
	return makeID(idx, s.gen), nil
}

// slotLocked returns the slot named by id, or nil. The caller holds t.mu.
func (t *Table) slotLocked(id ID) *slot {
	idx := id.Index()
	if int(idx) >= len(t.slots) {
		return nil
	}
	s := &t.slots[idx]
	if s.state == 0 || s.gen != id.Generation() {
		return nil
	}
	return s
}

// Lookup returns the entry for id in any state until its removal.
func (t *Table) Lookup(id ID) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.slotLocked(id)
	if s == nil {
		return Entry{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return Entry{ID: id, Kind: s.kind, Resource: s.res, State: s.state, Discarded: s.discarded}, nil
}

// Resolve returns the device resource for id to a command builder. A
// destroying entry resolves until its discard has been submitted; after
// that no later list may reference it.
func (t *Table) Resolve(id ID) (device.Resource, error) {
	e, err := t.Lookup(id)
	if err != nil {
		return nil, err
	}
	if e.Discarded {
		return nil, fmt.Errorf("%w: id %s already discarded", ErrNotFound, id)
	}
	return e.Resource, nil
}

// MarkDiscarded records that the discard command of a destroying entry was
// submitted. Lists recorded from then on run in later frames, after the
// discard, and must not resolve the entry.
func (t *Table) MarkDiscarded(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.slotLocked(id)
	if s == nil || s.state != StateDestroying {
		err := fault.Contractf("resource: discard of %s that is not being destroyed", id)
		t.faults.Report(err)
		return err
	}
	s.discarded = true
	return nil
}

// MarkDestroying moves a live entry of the given kind to the destroying
// state. Destroying an id that is not live, or naming the wrong kind, is a
// contract violation.
func (t *Table) MarkDestroying(kind device.Kind, id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTableClosed
	}

	s := t.slotLocked(id)
	var err error
	switch {
	case s == nil:
		err = fault.Contractf("resource: destroy of unknown %s %s", kind, id)
	case s.state != StateLive:
		err = fault.Contractf("resource: destroy of %s %s already %s", kind, id, s.state)
	case s.kind != kind:
		err = fault.Contractf("resource: destroy of %s as %s", id, kind)
	}
	if err != nil {
		t.faults.Report(err)
		return err
	}

	s.state = StateDestroying
	t.live--
	t.destroying++
	return nil
}

// Remove deletes a destroying entry and returns its resource for the caller
// to destroy on the device. An entry is removed at most once.
func (t *Table) Remove(id ID) (device.Resource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.slotLocked(id)
	if s == nil || s.state != StateDestroying {
		err := fault.Contractf("resource: remove of %s that is not being destroyed", id)
		t.faults.Report(err)
		return nil, err
	}

	res := s.res
	s.state = 0
	s.discarded = false
	s.res = nil
	t.destroying--
	t.removed++
	t.free = append(t.free, id.Index())
	return res, nil
}

// Stats returns current table statistics.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{Live: t.live, Destroying: t.destroying, Removed: t.removed}
}

// Close empties the table and returns every resource it still owned, live
// or destroying, for the caller to destroy after the device is idle.
func (t *Table) Close() []device.Resource {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var out []device.Resource
	for i := range t.slots {
		if t.slots[i].state != 0 {
			out = append(out, t.slots[i].res)
		}
	}
	t.slots = nil
	t.free = nil
	t.live, t.destroying = 0, 0
	return out
}
