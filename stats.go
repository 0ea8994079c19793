// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package framesched

import (
	"fmt"
	"time"

	"github.com/gogpu/framesched/internal/descriptor"
	"github.com/gogpu/framesched/internal/destroy"
	"github.com/gogpu/framesched/internal/parallel"
	"github.com/gogpu/framesched/internal/pipeline"
	"github.com/gogpu/framesched/internal/resource"
)

// FrameStats describes one PresentFrame call.
type FrameStats struct {
	// Frame is the number of frames presented so far, this one included.
	Frame uint64

	// Value is the fence value signaled by the frame's submission.
	Value uint64

	// Slot is the frame slot the workers encode into next.
	Slot int

	// Lists and Commands count what the frame submitted.
	Lists    int
	Commands int

	// Reclaimed is the number of destroyed resources released.
	Reclaimed int

	// Barrier is the time spent draining the frame's work, Submit the
	// time of the submission and FenceWait the time spent waiting for
	// the reused frame slot.
	Barrier   time.Duration
	Submit    time.Duration
	FenceWait time.Duration
	Total     time.Duration
}

// String returns a one-line summary.
func (s FrameStats) String() string {
	return fmt.Sprintf("frame %d: value=%d lists=%d commands=%d reclaimed=%d total=%v (barrier %v, submit %v, wait %v)",
		s.Frame, s.Value, s.Lists, s.Commands, s.Reclaimed, s.Total, s.Barrier, s.Submit, s.FenceWait)
}

// WorkerStats contains execution counters of one worker role.
type WorkerStats = parallel.RoleStats

// Stats is a snapshot of the scheduler state.
type Stats struct {
	Frames      uint64
	Pending     int
	Generic     WorkerStats
	GPU         WorkerStats
	Copy        WorkerStats
	Resources   resource.Stats
	Descriptors descriptor.Stats
	Destruction destroy.Stats
	Pipelines   pipeline.Stats
	Faults      uint64
	Dropped     uint64
}

// Stats returns a snapshot of the scheduler state.
func (s *Scheduler) Stats() Stats {
	roles := s.coord.Stats()
	return Stats{
		Frames:      s.frames.Load(),
		Pending:     s.coord.Pending(),
		Generic:     roles[parallel.RoleGeneric],
		GPU:         roles[parallel.RoleGPU],
		Copy:        roles[parallel.RoleCopy],
		Resources:   s.table.Stats(),
		Descriptors: s.pool.Stats(),
		Destruction: s.destroyQ.Stats(),
		Pipelines:   s.pipes.Stats(),
		Faults:      s.faults.Count(),
		Dropped:     s.faults.Dropped(),
	}
}
