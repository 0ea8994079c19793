// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package parallel runs work items on a fixed pool of role-specialized
// workers and implements the frame barrier.
//
// Items are queued into one of several rotating queue slots. The accepting
// slot holds the work of the frame being built; higher offsets hold work
// for later frames. A barrier rotates the accepting slot, waits until every
// worker drained the previous one and flushed its command lists to the
// aggregator, then parks the workers until Resume.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/framesched/device"
	"github.com/gogpu/framesched/internal/cmdlist"
	"github.com/gogpu/framesched/internal/fault"
)

// Coordinator errors.
var (
	// ErrNotRunning is returned by TriggerBarrier and Resume in the
	// wrong state.
	ErrNotRunning = errors.New("parallel: coordinator not running")

	// ErrClosed is returned when operating on a closed coordinator.
	ErrClosed = errors.New("parallel: coordinator closed")

	// ErrInvalidOffset is returned for a queue slot offset outside
	// [0, Slots).
	ErrInvalidOffset = errors.New("parallel: queue slot offset out of range")

	// ErrNilTask is returned when submitting a nil function.
	ErrNilTask = errors.New("parallel: nil task")
)

// Limits.
const (
	MinWorkers     = 3
	DefaultWorkers = 4
	MinSlots       = 2
	DefaultSlots   = 2
)

// State is the coordinator state.
//
//	Uninitialized -> Running -> Barrier -> Running ... -> Done
type State uint8

const (
	StateUninitialized State = iota
	StateRunning
	StateBarrier
	StateDone
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateBarrier:
		return "barrier"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// PipelineSource resolves named pipelines, blocking until they are ready.
type PipelineSource interface {
	Wait(ctx context.Context, name string) (device.Shader, error)
}

// Config holds configuration for Start.
type Config struct {
	// Workers is the total number of workers, at least MinWorkers: one GPU
	// worker, one copy worker and the rest generic.
	Workers int

	// Slots is the number of rotating queue slots, at least MinSlots.
	Slots int

	// Frames is the number of in-flight frame slots. Each recording
	// worker owns one command allocator per frame slot.
	Frames int

	Device     device.Device
	Resolver   cmdlist.Resolver
	Pipelines  PipelineSource
	Aggregator *cmdlist.Aggregator
	Faults     *fault.Supervisor
	Logger     *slog.Logger

	// Recoverable reports whether a build failure should discard the
	// item with a warning instead of raising a fault.
	Recoverable func(error) bool
}

// Coordinator owns the workers and the queue slots.
//
// Coordinator is safe for concurrent use.
type Coordinator struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg     Config
	log     *slog.Logger
	workers []*worker
	slots   []slot

	state    State
	current  int // accepting slot
	draining int // slot drained by the running barrier
	frame    int // frame slot recorders encode into

	barrierGen uint64
	resumeGen  uint64
	arrivals   int

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Start creates the workers and their command allocators, then starts them.
// Any creation failure aborts startup: allocators created so far are
// destroyed and no worker is left running.
func Start(ctx context.Context, cfg Config) (*Coordinator, error) {
	cfg.Workers = max(cfg.Workers, MinWorkers)
	cfg.Slots = max(cfg.Slots, MinSlots)
	cfg.Frames = max(cfg.Frames, 1)
	if cfg.Recoverable == nil {
		cfg.Recoverable = func(error) bool { return false }
	}

	c := &Coordinator{
		cfg:   cfg,
		log:   cfg.Logger,
		slots: make([]slot, cfg.Slots),
	}
	c.cond = sync.NewCond(&c.mu)

	c.workers = append(c.workers,
		newWorker(c, RoleGPU, "gpu-0"),
		newWorker(c, RoleCopy, "copy-0"),
	)
	for i := 0; len(c.workers) < cfg.Workers; i++ {
		c.workers = append(c.workers, newWorker(c, RoleGeneric, fmt.Sprintf("generic-%d", i)))
	}

	var init errgroup.Group
	for _, w := range c.workers {
		init.Go(w.createAllocators)
	}
	if err := init.Wait(); err != nil {
		for _, w := range c.workers {
			w.destroyAllocators()
		}
		return nil, fmt.Errorf("parallel: start workers: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.group, _ = errgroup.WithContext(c.ctx)
	c.state = StateRunning
	for _, w := range c.workers {
		c.group.Go(w.run)
	}

	c.log.Info("parallel: workers started", "workers", len(c.workers), "slots", cfg.Slots)
	return c, nil
}

// =============================================================================
// Submission
// =============================================================================

// SubmitGeneric queues a background task.
func (c *Coordinator) SubmitGeneric(fn GenericFunc, opts ItemOptions) error {
	if fn == nil {
		return ErrNilTask
	}
	return c.enqueue(&item{role: RoleGeneric, generic: fn, label: opts.Label, priority: opts.Priority}, opts.Offset)
}

// SubmitGPU queues a command-building task for the GPU worker. When
// pipeline is not empty the worker waits for it and binds it first.
func (c *Coordinator) SubmitGPU(fn RecordFunc, pipeline string, opts ItemOptions) error {
	if fn == nil {
		return ErrNilTask
	}
	return c.enqueue(&item{
		role:     RoleGPU,
		record:   fn,
		pipeline: pipeline,
		label:    opts.Label,
		priority: opts.Priority,
	}, opts.Offset)
}

// SubmitCopy queues an upload or copy task for the copy worker.
func (c *Coordinator) SubmitCopy(fn RecordFunc, opts ItemOptions) error {
	if fn == nil {
		return ErrNilTask
	}
	return c.enqueue(&item{role: RoleCopy, record: fn, label: opts.Label, priority: opts.Priority}, opts.Offset)
}

func (c *Coordinator) enqueue(it *item, offset int) error {
	if offset < 0 || offset >= c.cfg.Slots {
		return fmt.Errorf("%w: %d", ErrInvalidOffset, offset)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDone {
		return ErrClosed
	}
	it.slot = (c.current + offset) % len(c.slots)
	s := &c.slots[it.slot]
	s.queues[it.role].push(it)
	s.pending++
	c.cond.Broadcast()
	return nil
}

// =============================================================================
// Barrier
// =============================================================================

// TriggerBarrier rotates the accepting slot and blocks until every worker
// drained the previous slot, flushed its command lists to the aggregator and
// parked. Work submitted afterwards lands in the next frame.
func (c *Coordinator) TriggerBarrier() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRunning:
	case StateDone:
		return ErrClosed
	default:
		return fmt.Errorf("%w: %s", ErrNotRunning, c.state)
	}

	c.draining = c.current
	c.current = (c.current + 1) % len(c.slots)
	c.state = StateBarrier
	c.barrierGen++
	c.arrivals = 0
	c.cond.Broadcast()

	for c.arrivals < len(c.workers) && c.state == StateBarrier {
		c.cond.Wait()
	}
	if c.state == StateDone {
		return ErrClosed
	}
	return nil
}

// Resume releases the parked workers. Recording workers reset their command
// allocator for frame before taking new work; the caller guarantees that
// the frame's previous submission completed.
func (c *Coordinator) Resume(frame int) error {
	if frame < 0 || frame >= c.cfg.Frames {
		return fmt.Errorf("parallel: resume with frame slot %d of %d", frame, c.cfg.Frames)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateBarrier:
	case StateDone:
		return ErrClosed
	default:
		return fmt.Errorf("%w: resume in state %s", ErrNotRunning, c.state)
	}
	if c.arrivals < len(c.workers) {
		return fmt.Errorf("%w: resume before every worker arrived", ErrNotRunning)
	}

	c.frame = frame
	c.state = StateRunning
	c.resumeGen++
	c.cond.Broadcast()
	return nil
}

// =============================================================================
// Worker side
// =============================================================================

// next returns the next item for w, blocking as needed. A nil item with ok
// set asks the worker to reset its allocator for frame. ok is false once
// the coordinator is done.
func (c *Coordinator) next(w *worker) (it *item, frame int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	yielded := false
	for {
		if c.state == StateDone {
			return nil, 0, false
		}
		if w.resumed != c.resumeGen {
			w.resumed = c.resumeGen
			return nil, c.frame, true
		}

		switch c.state {
		case StateBarrier:
			if w.arrived == c.barrierGen {
				c.cond.Wait()
				continue
			}
			if it := c.popLocked(w.role, c.draining); it != nil {
				return it, c.frame, true
			}
			if c.slots[c.draining].pending > 0 {
				// Items of this slot still execute on other workers.
				c.cond.Wait()
				continue
			}
			c.cfg.Aggregator.Add(w.local...)
			clear(w.local)
			w.local = w.local[:0]
			w.arrived = c.barrierGen
			c.arrivals++
			c.cond.Broadcast()

		case StateRunning:
			if it := c.popLocked(w.role, c.current); it != nil {
				return it, c.frame, true
			}
			if !yielded {
				yielded = true
				c.mu.Unlock()
				runtime.Gosched()
				c.mu.Lock()
				continue
			}
			c.cond.Wait()
			yielded = false

		default:
			c.cond.Wait()
		}
	}
}

// popLocked pops from the role's own queue, falling back to the generic
// queue. The caller holds c.mu.
func (c *Coordinator) popLocked(role Role, slotIdx int) *item {
	s := &c.slots[slotIdx]
	if it := s.queues[role].pop(); it != nil {
		return it
	}
	if role != RoleGeneric {
		return s.queues[RoleGeneric].pop()
	}
	return nil
}

// done marks it as no longer pending.
func (c *Coordinator) done(it *item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.slots[it.slot]
	s.pending--
	if s.pending == 0 && c.state == StateBarrier {
		c.cond.Broadcast()
	}
}

// =============================================================================
// Inspection and teardown
// =============================================================================

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Frame returns the frame slot workers currently encode into.
func (c *Coordinator) Frame() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// Pending returns the number of queued or executing items across slots.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for i := range c.slots {
		n += c.slots[i].pending
	}
	return n
}

// Workers returns the worker names.
func (c *Coordinator) Workers() []string {
	names := make([]string, len(c.workers))
	for i, w := range c.workers {
		names[i] = w.name
	}
	return names
}

// RoleStats contains per-role execution counters.
type RoleStats struct {
	Executed  uint64
	Discarded uint64
	Faults    uint64
}

// Stats returns execution counters per role.
func (c *Coordinator) Stats() map[Role]RoleStats {
	out := make(map[Role]RoleStats, numRoles)
	for _, w := range c.workers {
		s := out[w.role]
		s.Executed += w.executed.Load()
		s.Discarded += w.discarded.Load()
		s.Faults += w.faults.Load()
		out[w.role] = s
	}
	return out
}

// Close stops the workers, waits for them and destroys their allocators.
// Queued items that never started are dropped. Close is safe to call
// multiple times.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.state == StateDone {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDone
	dropped := 0
	for i := range c.slots {
		for r := range c.slots[i].queues {
			dropped += c.slots[i].queues[r].len()
		}
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	c.cancel()
	err := c.group.Wait()
	for _, w := range c.workers {
		w.destroyAllocators()
	}

	if dropped > 0 {
		c.log.Warn("parallel: dropped queued items on close", "items", dropped)
	}
	c.log.Info("parallel: workers stopped")
	return err
}
