// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package parallel

import (
	"fmt"

	"github.com/gogpu/framesched/internal/cmdlist"
)

// Role is the specialization of a worker and of the queue an item lands in.
type Role uint8

// Worker roles.
const (
	RoleGeneric Role = iota
	RoleGPU
	RoleCopy

	numRoles
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleGeneric:
		return "generic"
	case RoleGPU:
		return "gpu"
	case RoleCopy:
		return "copy"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// GenericFunc is a background task without GPU output.
type GenericFunc func() error

// RecordFunc records GPU commands into the recorder it is handed. The
// worker finishes the recorder after the function returns nil.
type RecordFunc func(*cmdlist.Recorder) error

// ItemOptions tune one submission.
type ItemOptions struct {
	// Label names the produced command list.
	Label string

	// Priority orders the command list in its frame batch. Lower first.
	Priority int

	// Offset selects the queue slot relative to the accepting one.
	// 0 is the current frame, 1 the next frame.
	Offset int
}

// item is a work item. It is owned by its queue until popped by exactly one
// worker, then invoked once.
type item struct {
	role     Role
	generic  GenericFunc
	record   RecordFunc
	pipeline string
	label    string
	priority int
	slot     int
}

// fifo is an unbounded FIFO of items.
type fifo struct {
	items []*item
	head  int
}

func (q *fifo) push(it *item) {
	q.items = append(q.items, it)
}

func (q *fifo) pop() *item {
	if q.head == len(q.items) {
		return nil
	}
	it := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head > len(q.items)/2 {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return it
}

func (q *fifo) len() int {
	return len(q.items) - q.head
}

// slot is one rotating queue slot: a FIFO per role plus the number of its
// items that are queued or executing.
type slot struct {
	queues  [numRoles]fifo
	pending int
}
