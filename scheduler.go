// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package framesched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/loov/hrtime"

	"github.com/gogpu/framesched/device"
	"github.com/gogpu/framesched/internal/cmdlist"
	"github.com/gogpu/framesched/internal/descriptor"
	"github.com/gogpu/framesched/internal/destroy"
	"github.com/gogpu/framesched/internal/fault"
	"github.com/gogpu/framesched/internal/fence"
	"github.com/gogpu/framesched/internal/parallel"
	"github.com/gogpu/framesched/internal/pipeline"
	"github.com/gogpu/framesched/internal/resource"
)

// Re-exported types of the internal packages.
type (
	// Recorder records the commands of one GPU or copy work item.
	Recorder = cmdlist.Recorder

	// ResourceID identifies a resource in the scheduler's resource table.
	ResourceID = resource.ID

	// DescriptorHandle is a descriptor slot handed out by AcquireDescriptor.
	DescriptorHandle = descriptor.Handle

	// Kind identifies the class of a resource.
	Kind = device.Kind
)

// Resource kinds.
const (
	KindBuffer         = device.KindBuffer
	KindConstantBuffer = device.KindConstantBuffer
	KindTexture        = device.KindTexture
	KindRenderTarget   = device.KindRenderTarget
)

// Priorities of command lists within a frame batch. Lower submits first.
const (
	PriorityDefault = cmdlist.PriorityDefault
	PriorityLast    = cmdlist.PriorityDiscard
)

// maxDiscardAttempts bounds how often a failed discard is rescheduled.
const maxDiscardAttempts = 3

// TaskOptions tune one submission.
type TaskOptions struct {
	// Label names the work item in logs and, for GPU and copy items, the
	// produced command list.
	Label string

	// Priority orders the command list in its frame batch. Lower first.
	Priority int

	// FrameOffset submits into a later frame: 0 is the frame being built,
	// 1 the next one. It must be below the number of queue slots.
	FrameOffset int
}

func (o TaskOptions) item() parallel.ItemOptions {
	return parallel.ItemOptions{Label: o.Label, Priority: o.Priority, Offset: o.FrameOffset}
}

// discardAttempt tracks the discard work item of one destroy request.
type discardAttempt struct {
	ran      bool
	attempts int
}

// Scheduler is the frame scheduler. It owns the worker pool, the resource
// table, the descriptor pool, the destruction queue, the pipeline registry
// and the frame ring. The device is borrowed and must outlive the
// scheduler.
//
// Scheduler is safe for concurrent use. PresentFrame and Close are
// serialized against each other.
type Scheduler struct {
	id  uuid.UUID
	log *slog.Logger
	dev device.Device

	faults   *fault.Supervisor
	table    *resource.Table
	pool     *descriptor.Pool
	destroyQ *destroy.Queue
	pipes    *pipeline.Registry
	ring     *fence.Ring
	agg      *cmdlist.Aggregator
	coord    *parallel.Coordinator

	// present serializes frame boundaries and teardown.
	present sync.Mutex
	frames  atomic.Uint64

	mu       sync.Mutex
	discards map[destroy.Request]*discardAttempt

	lost   atomic.Bool
	failed atomic.Bool
	closed atomic.Bool
}

// New creates a scheduler on dev and starts its workers.
func New(dev device.Device, opts ...Option) (*Scheduler, error) {
	if dev == nil {
		return nil, errors.New("framesched: nil device")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.clamp()

	s := &Scheduler{
		id:       uuid.New(),
		dev:      dev,
		discards: make(map[destroy.Request]*discardAttempt),
	}
	s.log = o.logger.With("scheduler", s.id.String())

	s.faults = fault.NewSupervisor(s.log, o.faultBuffer)
	s.table = resource.NewTable(s.faults)
	s.destroyQ = destroy.NewQueue()
	s.agg = cmdlist.NewAggregator(s.log)
	s.pool = descriptor.NewPool(dev, descriptor.Config{
		Label:     "descriptors",
		BlockSize: o.blockSize,
		Logger:    s.log,
		Faults:    s.faults,
	})
	s.pipes = pipeline.NewRegistry(dev, pipeline.Config{
		Logger: s.log,
		Faults: s.faults,
		Loader: o.loader,
	})

	ring, err := fence.NewRing(dev, o.frames, s.log)
	if err != nil {
		s.pipes.Close()
		s.pool.Close()
		return nil, fmt.Errorf("framesched: %w", err)
	}
	s.ring = ring

	s.coord, err = parallel.Start(context.Background(), parallel.Config{
		Workers:     o.workers,
		Slots:       o.slots,
		Frames:      ring.Frames(),
		Device:      dev,
		Resolver:    s.table,
		Pipelines:   s.pipes,
		Aggregator:  s.agg,
		Faults:      s.faults,
		Logger:      s.log,
		Recoverable: recoverable,
	})
	if err != nil {
		ring.Close()
		s.pipes.Close()
		s.pool.Close()
		return nil, fmt.Errorf("framesched: %w", err)
	}

	s.log.Info("framesched: scheduler started",
		"frames", ring.Frames(), "workers", o.workers, "slots", o.slots)
	return s, nil
}

// recoverable reports build failures that discard an item without a fault.
func recoverable(err error) bool {
	return errors.Is(err, resource.ErrNotFound)
}

// ID returns the session id of the scheduler, also attached to its logs.
func (s *Scheduler) ID() uuid.UUID { return s.id }

// Device returns the device the scheduler submits to.
func (s *Scheduler) Device() device.Device { return s.dev }

// Frames returns the number of frames in flight.
func (s *Scheduler) Frames() int { return s.ring.Frames() }

// usable returns the terminal error of the scheduler, if any.
func (s *Scheduler) usable() error {
	switch {
	case s.closed.Load():
		return ErrClosed
	case s.lost.Load():
		return ErrDeviceLost
	case s.failed.Load():
		return ErrFrameFailed
	}
	return nil
}

// =============================================================================
// Submission
// =============================================================================

// SubmitGeneric queues a background task for the current frame.
func (s *Scheduler) SubmitGeneric(fn func() error) error {
	return s.SubmitGenericOpts(fn, TaskOptions{})
}

// SubmitGenericOpts queues a background task.
func (s *Scheduler) SubmitGenericOpts(fn func() error, opts TaskOptions) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.submitErr(s.coord.SubmitGeneric(fn, opts.item()))
}

// SubmitGPU queues a command-building task for the current frame. When
// pipeline is not empty the task runs after that pipeline is ready, with
// the pipeline already bound on the recorder.
func (s *Scheduler) SubmitGPU(fn func(*Recorder) error, pipeline string) error {
	return s.SubmitGPUOpts(fn, pipeline, TaskOptions{})
}

// SubmitGPUOpts queues a command-building task.
func (s *Scheduler) SubmitGPUOpts(fn func(*Recorder) error, pipeline string, opts TaskOptions) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.submitErr(s.coord.SubmitGPU(fn, pipeline, opts.item()))
}

// SubmitCopy queues an upload or copy task for the current frame.
func (s *Scheduler) SubmitCopy(fn func(*Recorder) error) error {
	return s.SubmitCopyOpts(fn, TaskOptions{})
}

// SubmitCopyOpts queues an upload or copy task.
func (s *Scheduler) SubmitCopyOpts(fn func(*Recorder) error, opts TaskOptions) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.submitErr(s.coord.SubmitCopy(fn, opts.item()))
}

func (s *Scheduler) submitErr(err error) error {
	if errors.Is(err, parallel.ErrClosed) {
		return ErrClosed
	}
	return err
}

// =============================================================================
// Resources
// =============================================================================

// CreateResource creates a device resource and registers it in the
// resource table. Non-empty data is uploaded by a copy task of the current
// frame.
func (s *Scheduler) CreateResource(kind Kind, desc device.ResourceDesc, data []byte) (ResourceID, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	res, err := s.dev.CreateResource(kind, desc)
	if err != nil {
		return 0, s.deviceErr(fmt.Errorf("framesched: create %s %q: %w", kind, desc.Label, err))
	}
	id, err := s.table.Insert(kind, res)
	if err != nil {
		s.dev.DestroyResource(res)
		return 0, err
	}

	if len(data) > 0 {
		upload := append([]byte(nil), data...)
		err := s.SubmitCopyOpts(func(r *Recorder) error {
			return r.Write(id, 0, upload)
		}, TaskOptions{Label: "upload:" + desc.Label})
		if err != nil {
			// Not yet visible to anyone: undo without a discard.
			if s.table.MarkDestroying(kind, id) == nil {
				if _, rErr := s.table.Remove(id); rErr == nil {
					s.dev.DestroyResource(res)
				}
			}
			return 0, err
		}
	}
	return id, nil
}

// Resource returns the device object behind id. A destroyed id keeps
// resolving until its discard has been submitted.
func (s *Scheduler) Resource(id ResourceID) (device.Resource, error) {
	return s.table.Resolve(id)
}

// DestroyResource schedules the destruction of id. The entry is marked as
// destroying immediately; a discard command is recorded on the GPU worker
// as the last list of the current frame, and the device object is released
// only after the fence confirmed that the discard executed. Work of the
// current frame may still use id. Work of later frames fails to resolve it
// and is discarded.
//
// Destroying an id twice or with the wrong kind is a contract violation.
func (s *Scheduler) DestroyResource(kind Kind, id ResourceID) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.table.MarkDestroying(kind, id); err != nil {
		return err
	}
	req := destroy.Request{Kind: kind, ID: id}
	s.destroyQ.Push(req)

	s.mu.Lock()
	s.discards[req] = &discardAttempt{}
	s.mu.Unlock()

	return s.scheduleDiscard(req)
}

func (s *Scheduler) scheduleDiscard(req destroy.Request) error {
	return s.SubmitGPUOpts(func(r *Recorder) error {
		s.mu.Lock()
		if a := s.discards[req]; a != nil {
			a.ran = true
			a.attempts++
		}
		s.mu.Unlock()

		if err := r.Discard(req.ID); err != nil {
			return err
		}
		r.OnSubmit(func(value uint64) {
			s.mu.Lock()
			delete(s.discards, req)
			s.mu.Unlock()

			// Lists recorded after this run in later frames.
			if s.table.MarkDiscarded(req.ID) == nil {
				s.destroyQ.Discarded(req, value)
			}
		})
		return nil
	}, "", TaskOptions{Label: "discard:" + req.String(), Priority: PriorityLast})
}

// retryDiscards reschedules discards that ran without being submitted.
// It runs between flush and resume, when no discard item executes.
func (s *Scheduler) retryDiscards() {
	s.mu.Lock()
	var retry []destroy.Request
	for req, a := range s.discards {
		if !a.ran {
			continue
		}
		if a.attempts >= maxDiscardAttempts {
			delete(s.discards, req)
			s.faults.Report(fmt.Errorf("framesched: discard of %s failed %d times, resource leaked",
				req, a.attempts))
			continue
		}
		a.ran = false
		retry = append(retry, req)
	}
	s.mu.Unlock()

	for _, req := range retry {
		s.log.Warn("framesched: rescheduling discard", "request", req.String())
		if err := s.scheduleDiscard(req); err != nil {
			s.log.Warn("framesched: reschedule discard failed", "request", req.String(), "error", err)
		}
	}
}

// scheduleRemoval removes reclaimed entries from the table and destroys
// their device objects on a generic worker.
func (s *Scheduler) scheduleRemoval(reqs []destroy.Request) {
	err := s.coord.SubmitGeneric(func() error {
		var errs []error
		for _, req := range reqs {
			res, err := s.table.Remove(req.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			s.dev.DestroyResource(res)
		}
		return errors.Join(errs...)
	}, parallel.ItemOptions{Label: fmt.Sprintf("reclaim:%d", len(reqs))})
	if err != nil {
		s.log.Warn("framesched: reclaim not scheduled", "requests", len(reqs), "error", err)
	}
}

// ResourceStats returns resource table statistics.
func (s *Scheduler) ResourceStats() resource.Stats {
	return s.table.Stats()
}

// =============================================================================
// Descriptors
// =============================================================================

// AcquireDescriptor allocates a descriptor slot, growing the descriptor
// pool by one block when every block is full.
func (s *Scheduler) AcquireDescriptor() (DescriptorHandle, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	h, err := s.pool.Allocate()
	if err != nil {
		return 0, s.deviceErr(err)
	}
	return h, nil
}

// ReleaseDescriptor returns a slot to its block. Releasing a handle that
// was never acquired, or twice, is a contract violation.
func (s *Scheduler) ReleaseDescriptor(h DescriptorHandle) error {
	return s.pool.Release(h)
}

// DescriptorStats returns descriptor pool statistics.
func (s *Scheduler) DescriptorStats() descriptor.Stats {
	return s.pool.Stats()
}

// =============================================================================
// Pipelines
// =============================================================================

// CompilePipeline compiles WGSL source asynchronously and publishes the
// result under name. GPU tasks naming the pipeline wait until it is ready.
func (s *Scheduler) CompilePipeline(name, wgsl string) error {
	return s.pipes.Compile(name, wgsl)
}

// CompilePipelineFile loads and compiles a WGSL file asynchronously.
func (s *Scheduler) CompilePipelineFile(name, path string) error {
	return s.pipes.CompileFile(name, path)
}

// PublishPipeline publishes a shader created elsewhere. The scheduler takes
// ownership and destroys it on Close.
func (s *Scheduler) PublishPipeline(name string, shader device.Shader) error {
	return s.pipes.Publish(name, shader)
}

// WaitPipeline blocks until the pipeline name is ready or failed.
func (s *Scheduler) WaitPipeline(ctx context.Context, name string) (device.Shader, error) {
	return s.pipes.Wait(ctx, name)
}

// =============================================================================
// Frames
// =============================================================================

// PresentFrame ends the current frame. It waits until every work item of
// the frame executed, submits the frame's command lists in priority order,
// waits until the frame slot about to be reused is no longer in flight,
// schedules the release of resources whose discard completed and resumes
// the workers on the next frame.
//
// A failure at the frame boundary is terminal: the frame's lists are lost
// and every later call returns ErrDeviceLost or ErrFrameFailed.
func (s *Scheduler) PresentFrame() (FrameStats, error) {
	s.present.Lock()
	defer s.present.Unlock()

	if err := s.usable(); err != nil {
		return FrameStats{}, err
	}

	start := hrtime.Now()
	if err := s.coord.TriggerBarrier(); err != nil {
		return FrameStats{}, s.submitErr(err)
	}
	barrier := hrtime.Since(start)

	mark := hrtime.Now()
	value := s.ring.NextValue()
	batch, err := s.agg.Flush(s.dev, s.ring.Fence(), value)
	if err != nil {
		s.ring.Cancel(value)
		return FrameStats{}, s.frameErr(err)
	}
	submit := hrtime.Since(mark)

	s.retryDiscards()

	mark = hrtime.Now()
	slot, err := s.ring.Advance()
	if err != nil {
		return FrameStats{}, s.frameErr(err)
	}
	wait := hrtime.Since(mark)

	completed, err := s.ring.Completed()
	if err != nil {
		return FrameStats{}, s.frameErr(err)
	}
	reclaimed := s.destroyQ.Reclaim(completed)
	if len(reclaimed) > 0 {
		s.scheduleRemoval(reclaimed)
	}

	if err := s.coord.Resume(slot); err != nil {
		if errors.Is(err, parallel.ErrClosed) {
			return FrameStats{}, ErrClosed
		}
		return FrameStats{}, s.frameErr(err)
	}

	stats := FrameStats{
		Frame:     s.frames.Add(1),
		Value:     value,
		Slot:      slot,
		Lists:     len(batch.Entries),
		Reclaimed: len(reclaimed),
		Barrier:   barrier,
		Submit:    submit,
		FenceWait: wait,
		Total:     hrtime.Since(start),
	}
	for _, e := range batch.Entries {
		stats.Commands += e.Commands
	}
	s.log.Debug("framesched: frame presented",
		"frame", stats.Frame, "value", value, "lists", stats.Lists,
		"reclaimed", stats.Reclaimed, "total", stats.Total)
	return stats, nil
}

// deviceErr enters the lost state when err signals device loss.
func (s *Scheduler) deviceErr(err error) error {
	if !errors.Is(err, device.ErrDeviceLost) {
		return err
	}
	if !s.lost.Swap(true) {
		s.log.Error("framesched: device lost", "error", err)
		s.faults.Report(err)
	}
	return err
}

// frameErr handles a failure at the frame boundary. The workers stay parked
// at the barrier, so the scheduler enters a terminal state: lost when the
// device is gone, failed otherwise.
func (s *Scheduler) frameErr(err error) error {
	if err = s.deviceErr(err); s.lost.Load() {
		return err
	}
	if !s.failed.Swap(true) {
		s.log.Error("framesched: frame failed", "error", err)
		s.faults.Report(err)
	}
	return fmt.Errorf("%w: %w", ErrFrameFailed, err)
}

// =============================================================================
// Faults and teardown
// =============================================================================

// Faults returns the channel faults are delivered on. It is closed by
// Close. Faults that do not fit in the buffer are dropped and counted.
func (s *Scheduler) Faults() <-chan error { return s.faults.Faults() }

// Err returns the first fault, or nil.
func (s *Scheduler) Err() error { return s.faults.Err() }

// Lost reports whether the device was lost.
func (s *Scheduler) Lost() bool { return s.lost.Load() }

// Failed reports whether a frame failed without a device loss.
func (s *Scheduler) Failed() bool { return s.failed.Load() }

// Close stops the workers and releases everything the scheduler owns. Work
// that never started is dropped. Unless the device was lost, Close waits
// for the device to finish all submitted frames before destroying
// resources. Close is safe to call multiple times.
func (s *Scheduler) Close() error {
	s.present.Lock()
	defer s.present.Unlock()

	if s.closed.Swap(true) {
		return nil
	}

	var errs []error
	if err := s.coord.Close(); err != nil {
		errs = append(errs, err)
	}
	s.pipes.Close()

	if !s.lost.Load() {
		if err := s.ring.WaitIdle(); err != nil {
			errs = append(errs, s.deviceErr(err))
		}
	}

	resources := s.table.Close()
	for _, res := range resources {
		s.dev.DestroyResource(res)
	}
	s.pool.Close()
	s.ring.Close()

	s.log.Info("framesched: scheduler closed",
		"frames", s.frames.Load(), "resources", len(resources), "faults", s.faults.Count())
	s.faults.Close()
	return errors.Join(errs...)
}
