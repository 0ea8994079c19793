// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package destroy defers the release of device resources until the device
// has executed a discard command for them.
//
// A request moves through three steps: it is pushed when the application
// releases the resource, marked discarded when the list carrying its discard
// command is submitted, and reclaimed once the fence passed the value of
// that submission. Only reclaimed requests may be removed from the resource
// table.
package destroy

import (
	"fmt"
	"sync"

	"github.com/gogpu/framesched/device"
	"github.com/gogpu/framesched/internal/resource"
)

// Request asks for the destruction of one resource.
type Request struct {
	Kind device.Kind
	ID   resource.ID
}

// String returns the request as kind/id.
func (r Request) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

type pending struct {
	req       Request
	discarded bool
	value     uint64
}

// Stats contains destruction queue statistics.
type Stats struct {
	// Waiting is the number of requests whose discard was not submitted.
	Waiting int

	// InFlight is the number of requests whose discard was submitted but
	// not yet confirmed.
	InFlight int

	// Reclaimed is the total number of requests reclaimed.
	Reclaimed uint64
}

// Queue holds destroy requests in one FIFO per resource kind.
//
// Queue is safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	fifo      [device.NumKinds][]*pending
	reclaimed uint64
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends req to the FIFO of its kind.
func (q *Queue) Push(req Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fifo[req.Kind] = append(q.fifo[req.Kind], &pending{req: req})
}

// Discarded records that the discard command of req was submitted with the
// given fence value. It reports false if req is not queued.
func (q *Queue) Discarded(req Request, value uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.fifo[req.Kind] {
		if p.req == req && !p.discarded {
			p.discarded = true
			p.value = value
			return true
		}
	}
	return false
}

// Reclaim pops, kind by kind and in FIFO order, the requests whose discard
// was submitted with a value not above completed. A request still waiting
// for its discard blocks the requests queued behind it.
func (q *Queue) Reclaim(completed uint64) []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Request
	for k := range q.fifo {
		list := q.fifo[k]
		n := 0
		for n < len(list) && list[n].discarded && list[n].value <= completed {
			out = append(out, list[n].req)
			list[n] = nil
			n++
		}
		q.fifo[k] = list[n:]
	}
	q.reclaimed += uint64(len(out))
	return out
}

// Undiscarded returns the queued requests whose discard command has not
// been submitted, in FIFO order per kind.
func (q *Queue) Undiscarded() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Request
	for k := range q.fifo {
		for _, p := range q.fifo[k] {
			if !p.discarded {
				out = append(out, p.req)
			}
		}
	}
	return out
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for k := range q.fifo {
		n += len(q.fifo[k])
	}
	return n
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Reclaimed: q.reclaimed}
	for k := range q.fifo {
		for _, p := range q.fifo[k] {
			if p.discarded {
				s.InFlight++
			} else {
				s.Waiting++
			}
		}
	}
	return s
}
