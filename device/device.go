// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package device defines the narrow GPU device surface consumed by the
// frame scheduler, and a gogpu/wgpu HAL implementation of it.
//
// The scheduler never talks to a graphics API directly. It creates command
// allocators, descriptor heaps, fences, resources and shader objects through
// a Device, encodes recorded command streams through a CommandAllocator, and
// submits the resulting command lists as one batch per frame.
//
// Thread safety: implementations must be safe for concurrent use. Queue-level
// operations (heap creation, submission, fence signaling and waiting, resource
// creation and destruction) are serialized behind a single device lock.
// Encoding on one CommandAllocator is not synchronized and must only happen
// from the goroutine that owns the allocator.
package device

import (
	"errors"

	"github.com/gogpu/gputypes"
)

// Device errors.
var (
	// ErrDeviceLost is returned when the device was removed, reset or hung.
	// Device loss is fatal: there is no recovery path.
	ErrDeviceLost = errors.New("device: GPU device lost")

	// ErrDeviceClosed is returned when operating on a destroyed device.
	ErrDeviceClosed = errors.New("device: device is closed")

	// ErrForeignObject is returned when an object created by another
	// device implementation is passed in.
	ErrForeignObject = errors.New("device: object does not belong to this device")

	// ErrInvalidDescriptor is returned for malformed creation parameters.
	ErrInvalidDescriptor = errors.New("device: invalid descriptor")

	// ErrNotSubmitted is returned when waiting for a fence value no
	// submission signals.
	ErrNotSubmitted = errors.New("device: fence value not submitted")
)

// Kind identifies the class of a GPU resource.
type Kind uint8

// Resource kinds.
const (
	KindBuffer Kind = iota
	KindConstantBuffer
	KindTexture
	KindRenderTarget

	numKinds
)

// NumKinds is the number of distinct resource kinds.
const NumKinds = int(numKinds)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindConstantBuffer:
		return "constant-buffer"
	case KindTexture:
		return "texture"
	case KindRenderTarget:
		return "render-target"
	default:
		return "unknown"
	}
}

// IsTexture reports whether resources of this kind are images rather than
// linear buffers.
func (k Kind) IsTexture() bool {
	return k == KindTexture || k == KindRenderTarget
}

// ResourceDesc describes a resource to create.
type ResourceDesc struct {
	Label string

	// Size is the byte size of buffer kinds. Ignored for textures.
	Size uint64

	// Width and Height are the texel extent of texture kinds.
	Width  uint32
	Height uint32

	// Format defaults to RGBA8Unorm for textures.
	Format gputypes.TextureFormat
}

// Resource is a device-side object owned by the resource table.
type Resource interface {
	Kind() Kind
	Label() string

	// Size returns the byte size of the resource.
	Size() uint64
}

// Fence is a monotonically increasing counter signaled by the device.
type Fence interface {
	// Label returns the debug label.
	Label() string
}

// DescriptorHeap is a fixed-capacity block of GPU-visible descriptor slots.
type DescriptorHeap interface {
	// Capacity returns the number of slots in the heap.
	Capacity() int

	// Base returns the handle address of slot 0.
	Base() uint64

	// Stride returns the distance between two consecutive slot handles.
	Stride() uint64
}

// Shader is a compiled shader or pipeline object.
type Shader interface {
	Label() string
}

// CommandList is an encoded, submittable sequence of GPU commands.
type CommandList interface {
	Label() string

	// Len returns the number of commands encoded in the list.
	Len() int
}

// CommandAllocator owns the native storage command lists are encoded into.
// One allocator exists per worker per in-flight frame.
type CommandAllocator interface {
	// Encode records cmds into a new command list. On error nothing
	// is left half-recorded.
	Encode(label string, cmds []Command) (CommandList, error)

	// Reset recycles every command list encoded since the previous Reset.
	// The caller guarantees that none of them is still in flight.
	Reset() error

	// Destroy releases the allocator.
	Destroy()
}

// Device is the GPU device abstraction consumed by the scheduler.
type Device interface {
	CreateCommandAllocator(label string) (CommandAllocator, error)
	CreateDescriptorHeap(label string, capacity int) (DescriptorHeap, error)
	DestroyDescriptorHeap(heap DescriptorHeap)

	CreateFence(label string) (Fence, error)
	DestroyFence(fence Fence)

	CreateResource(kind Kind, desc ResourceDesc) (Resource, error)
	DestroyResource(res Resource)

	CreateShader(label string, spirv []uint32) (Shader, error)
	DestroyShader(shader Shader)

	// Submit submits lists in order and signals fence to value once the
	// device finished executing them.
	Submit(lists []CommandList, fence Fence, value uint64) error

	// Wait blocks until fence reaches value. There is no timeout: a hung
	// device is reported as ErrDeviceLost by implementations that detect it.
	Wait(fence Fence, value uint64) error

	// Completed returns the last value fence reached.
	Completed(fence Fence) (uint64, error)

	Destroy()
}
