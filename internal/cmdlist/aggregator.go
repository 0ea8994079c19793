// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package cmdlist

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gogpu/framesched/device"
)

// Entry describes one list of a submitted batch.
type Entry struct {
	Label    string
	Priority int
	Commands int
}

// Batch describes one frame submission.
type Batch struct {
	// Value is the fence value the submission signals.
	Value   uint64
	Entries []Entry
}

// Labels returns the labels of the batch in submission order.
func (b Batch) Labels() []string {
	out := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = e.Label
	}
	return out
}

// Aggregator collects the command lists produced during a frame.
//
// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu    sync.Mutex
	lists []*List
	log   *slog.Logger
}

// NewAggregator creates an empty aggregator.
func NewAggregator(log *slog.Logger) *Aggregator {
	return &Aggregator{log: log}
}

// Add appends lists to the current frame.
func (a *Aggregator) Add(lists ...*List) {
	if len(lists) == 0 {
		return
	}
	a.mu.Lock()
	a.lists = append(a.lists, lists...)
	a.mu.Unlock()
}

// Len returns the number of lists collected for the current frame.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.lists)
}

// Flush sorts the collected lists by ascending priority, keeping the
// arrival order of equal priorities, and submits them to dev in one batch
// signaling fence to value. Submit hooks run after a successful submission.
// The aggregator is empty afterwards, whatever the outcome.
func (a *Aggregator) Flush(dev device.Device, fence device.Fence, value uint64) (Batch, error) {
	a.mu.Lock()
	lists := a.lists
	a.lists = nil
	a.mu.Unlock()

	slices.SortStableFunc(lists, func(x, y *List) int {
		return cmp.Compare(x.Priority, y.Priority)
	})

	batch := Batch{Value: value, Entries: make([]Entry, len(lists))}
	natives := make([]device.CommandList, len(lists))
	for i, l := range lists {
		natives[i] = l.native
		batch.Entries[i] = Entry{Label: l.Label, Priority: l.Priority, Commands: l.native.Len()}
	}

	if err := dev.Submit(natives, fence, value); err != nil {
		return batch, fmt.Errorf("cmdlist: submit %d lists: %w", len(lists), err)
	}
	for _, l := range lists {
		l.markSubmitted(value)
	}

	a.log.Debug("cmdlist: frame submitted", "value", value, "lists", len(lists))
	return batch, nil
}
