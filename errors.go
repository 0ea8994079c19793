// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package framesched

import (
	"errors"

	"github.com/gogpu/framesched/device"
	"github.com/gogpu/framesched/internal/fault"
	"github.com/gogpu/framesched/internal/parallel"
	"github.com/gogpu/framesched/internal/pipeline"
	"github.com/gogpu/framesched/internal/resource"
)

// Scheduler errors.
var (
	// ErrClosed is returned when operating on a closed scheduler.
	ErrClosed = errors.New("framesched: scheduler closed")

	// ErrDeviceLost is returned once the device was lost.
	ErrDeviceLost = device.ErrDeviceLost

	// ErrFrameFailed is returned once a frame could not be submitted or
	// its slot could not be recycled. Like device loss it is terminal: the
	// scheduler only accepts Close afterwards.
	ErrFrameFailed = errors.New("framesched: frame failed")

	// ErrResourceNotFound is returned for ids that are not in the resource
	// table. Work items failing with it are discarded, not faulted.
	ErrResourceNotFound = resource.ErrNotFound

	// ErrPipelineCompile wraps shader compilation failures.
	ErrPipelineCompile = pipeline.ErrCompile

	// ErrPanic wraps panics recovered from work items.
	ErrPanic = fault.ErrPanic

	// ErrInvalidOffset is returned for a frame offset beyond the
	// configured queue slots.
	ErrInvalidOffset = parallel.ErrInvalidOffset

	// ErrInvalidImage is returned by CreateTexture for empty images.
	ErrInvalidImage = errors.New("framesched: empty image")

	// ErrHandleReleased is returned when retaining a handle whose last
	// reference is gone.
	ErrHandleReleased = errors.New("framesched: handle already released")
)

// IsContractViolation reports whether err signals API misuse, such as
// releasing a descriptor twice or destroying a resource with the wrong
// kind.
func IsContractViolation(err error) bool {
	return fault.IsContract(err)
}
