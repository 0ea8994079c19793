// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/framesched/device"
	"github.com/gogpu/framesched/internal/cmdlist"
)

// worker is one goroutine of the pool. Recording workers (GPU and copy)
// own one command allocator per frame slot; their finished lists stay in
// local until the next barrier.
type worker struct {
	c    *Coordinator
	role Role
	name string

	allocs []device.CommandAllocator
	frame  int
	local  []*cmdlist.List

	// Guarded by c.mu.
	arrived uint64
	resumed uint64

	executed  atomic.Uint64
	discarded atomic.Uint64
	faults    atomic.Uint64
}

func newWorker(c *Coordinator, role Role, name string) *worker {
	return &worker{c: c, role: role, name: name}
}

func (w *worker) records() bool {
	return w.role == RoleGPU || w.role == RoleCopy
}

// createAllocators creates one allocator per frame slot.
func (w *worker) createAllocators() error {
	if !w.records() {
		return nil
	}
	for f := 0; f < w.c.cfg.Frames; f++ {
		alloc, err := w.c.cfg.Device.CreateCommandAllocator(fmt.Sprintf("%s/frame-%d", w.name, f))
		if err != nil {
			return fmt.Errorf("worker %s: %w", w.name, err)
		}
		w.allocs = append(w.allocs, alloc)
	}
	return nil
}

func (w *worker) destroyAllocators() {
	for _, a := range w.allocs {
		a.Destroy()
	}
	w.allocs = nil
}

// run is the worker loop. It returns when the coordinator is done.
func (w *worker) run() error {
	for {
		it, frame, ok := w.c.next(w)
		if !ok {
			return nil
		}
		if it == nil {
			w.reset(frame)
			continue
		}
		w.execute(it, frame)
		w.c.done(it)
	}
}

// reset recycles the allocator of frame after the frame's previous
// submission completed.
func (w *worker) reset(frame int) {
	w.frame = frame
	if !w.records() {
		return
	}
	if err := w.allocs[frame].Reset(); err != nil {
		w.faults.Add(1)
		w.c.cfg.Faults.Report(fmt.Errorf("worker %s: reset frame %d: %w", w.name, frame, err))
	}
}

func (w *worker) execute(it *item, frame int) {
	defer func() {
		if r := recover(); r != nil {
			w.faults.Add(1)
			w.c.cfg.Faults.Panicked(w.name, r)
		}
	}()

	switch it.role {
	case RoleGeneric:
		w.fail(it, it.generic())
	default:
		w.record(it, frame)
	}
}

// record runs a command-building item. The recorder is abandoned on any
// failure; only finished lists reach the aggregator.
func (w *worker) record(it *item, frame int) {
	label := it.label
	if label == "" {
		label = fmt.Sprintf("%s-item", w.name)
	}
	rec := cmdlist.NewRecorder(w.allocs[frame], w.c.cfg.Resolver, label, frame)
	rec.SetPriority(it.priority)

	completed := false
	defer func() {
		if !completed {
			rec.Abandon()
		}
	}()

	if it.pipeline != "" {
		shader, err := w.c.cfg.Pipelines.Wait(w.c.ctx, it.pipeline)
		if err != nil {
			// Compile failures are reported by the registry itself.
			w.discarded.Add(1)
			w.c.log.Warn("parallel: pipeline unavailable, item discarded",
				"worker", w.name, "item", label, "pipeline", it.pipeline, "error", err)
			return
		}
		if err := rec.SetPipeline(it.pipeline, shader); err != nil {
			w.fail(it, err)
			return
		}
	}

	if err := it.record(rec); err != nil {
		w.fail(it, err)
		return
	}

	list, err := rec.Finish()
	switch {
	case errors.Is(err, cmdlist.ErrEmpty):
		completed = true
		w.executed.Add(1)
	case err != nil:
		w.fail(it, err)
	default:
		completed = true
		w.local = append(w.local, list)
		w.executed.Add(1)
	}
}

// fail classifies the outcome of an item. A nil err counts as executed.
func (w *worker) fail(it *item, err error) {
	switch {
	case err == nil:
		w.executed.Add(1)
	case errors.Is(err, context.Canceled):
		w.discarded.Add(1)
	case w.c.cfg.Recoverable(err):
		w.discarded.Add(1)
		w.c.log.Warn("parallel: build failed, item discarded",
			"worker", w.name, "item", it.label, "error", err)
	default:
		w.faults.Add(1)
		w.c.cfg.Faults.Report(fmt.Errorf("worker %s: item %q: %w", w.name, it.label, err))
	}
}
