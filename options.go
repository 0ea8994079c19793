// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package framesched

import (
	"log/slog"

	"github.com/gogpu/framesched/internal/descriptor"
	"github.com/gogpu/framesched/internal/fence"
	"github.com/gogpu/framesched/internal/parallel"
	"github.com/gogpu/framesched/internal/pipeline"
)

// DefaultFaultBuffer is the default capacity of the Faults channel.
const DefaultFaultBuffer = 64

// Option configures a Scheduler during creation.
//
// Example:
//
//	s, err := framesched.New(dev,
//	    framesched.WithFrames(3),
//	    framesched.WithLogger(slog.Default()),
//	)
type Option func(*options)

// options holds the configuration of New.
type options struct {
	frames      int
	workers     int
	slots       int
	blockSize   int
	faultBuffer int
	logger      *slog.Logger
	loader      pipeline.Loader
}

// defaultOptions returns the default scheduler options.
func defaultOptions() options {
	return options{
		frames:      fence.DefaultFrames,
		workers:     parallel.DefaultWorkers,
		slots:       parallel.DefaultSlots,
		blockSize:   descriptor.DefaultBlockSize,
		faultBuffer: DefaultFaultBuffer,
	}
}

// clamp brings every value into its documented range.
func (o *options) clamp() {
	o.frames = min(max(o.frames, fence.MinFrames), fence.MaxFrames)
	o.workers = max(o.workers, parallel.MinWorkers)
	o.slots = max(o.slots, parallel.MinSlots)
	if o.blockSize <= 0 {
		o.blockSize = descriptor.DefaultBlockSize
	}
	if o.faultBuffer <= 0 {
		o.faultBuffer = DefaultFaultBuffer
	}
	if o.logger == nil {
		o.logger = newNopLogger()
	}
}

// WithFrames sets the number of frames in flight, between 2 and 4.
// The default is 2.
func WithFrames(n int) Option {
	return func(o *options) {
		o.frames = n
	}
}

// WithWorkers sets the total number of workers. One GPU worker and one
// copy worker are always created; the remainder run generic work. Values
// below 3 are raised to 3. The default is 4.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithQueueSlots sets the number of rotating queue slots, which bounds how
// many frames ahead work can be submitted. The default is 2.
func WithQueueSlots(n int) Option {
	return func(o *options) {
		o.slots = n
	}
}

// WithDescriptorBlockSize sets the number of descriptors per heap block.
// The default is 128.
func WithDescriptorBlockSize(n int) Option {
	return func(o *options) {
		o.blockSize = n
	}
}

// WithFaultBuffer sets the capacity of the channel returned by Faults.
func WithFaultBuffer(n int) Option {
	return func(o *options) {
		o.faultBuffer = n
	}
}

// WithShaderLoader sets the function CompilePipelineFile reads shader files
// with. It is called on a separate goroutine. The default memory-maps the
// file.
func WithShaderLoader(load func(path string) ([]byte, error)) Option {
	return func(o *options) {
		o.loader = load
	}
}

// WithLogger sets the logger. By default the scheduler logs nothing.
//
// Log levels used:
//   - [slog.LevelDebug]: per-frame statistics
//   - [slog.LevelInfo]: lifecycle events
//   - [slog.LevelWarn]: discarded work items
//   - [slog.LevelError]: faults and device loss
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
