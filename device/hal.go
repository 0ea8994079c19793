// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

const (
	// descriptorStride is the size of one descriptor slot. Constant buffer
	// views must be 256-byte aligned on every backend.
	descriptorStride = 256

	// descriptorBase is the handle address of the first heap. Zero is never
	// a valid handle.
	descriptorBase = 0x10000

	// pollInterval is the pause between two completion polls in Wait.
	pollInterval = 200 * time.Microsecond
)

// HALOption configures a HAL device.
type HALOption func(*HAL)

// WithHungTimeout reports the device as lost when a single fence wait lasts
// longer than d. Zero (the default) waits forever.
func WithHungTimeout(d time.Duration) HALOption {
	return func(h *HAL) {
		h.hungTimeout = d
	}
}

// HAL implements Device on top of a gogpu/wgpu hal.Device and hal.Queue.
//
// All queue-level operations run under one device lock. HAL is safe for
// concurrent use; each CommandAllocator must stay on one goroutine.
type HAL struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	// external is true when the device came from a provider and must not
	// be destroyed by us.
	external bool

	hungTimeout time.Duration
	nextBase    uint64
	closed      bool
	lost        atomic.Bool
}

var _ Device = (*HAL)(nil)

// NewHAL wraps an existing device and queue. The caller keeps ownership:
// Destroy does not destroy them.
func NewHAL(device hal.Device, queue hal.Queue, opts ...HALOption) *HAL {
	return newHAL(nil, device, queue, true, opts...)
}

func newHAL(instance hal.Instance, device hal.Device, queue hal.Queue, external bool, opts ...HALOption) *HAL {
	h := &HAL{
		instance: instance,
		device:   device,
		queue:    queue,
		external: external,
		nextBase: descriptorBase,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Lost reports whether the device has been lost.
func (h *HAL) Lost() bool {
	return h.lost.Load()
}

func (h *HAL) markLost(op string, err error) error {
	h.lost.Store(true)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDeviceLost, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrDeviceLost, op, err)
}

// lock acquires the device lock and checks the device is usable.
func (h *HAL) lock() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrDeviceClosed
	}
	if h.lost.Load() {
		h.mu.Unlock()
		return ErrDeviceLost
	}
	return nil
}

// =============================================================================
// Command allocators
// =============================================================================

type halAllocator struct {
	h       *HAL
	label   string
	encoder hal.CommandEncoder
	pending []hal.CommandBuffer
}

type halList struct {
	label  string
	buf    hal.CommandBuffer
	n      int
	writes []Command
}

func (l *halList) Label() string { return l.label }
func (l *halList) Len() int      { return l.n }

// CreateCommandAllocator creates an allocator backed by one hal.CommandEncoder.
func (h *HAL) CreateCommandAllocator(label string) (CommandAllocator, error) {
	if err := h.lock(); err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	encoder, err := h.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: label,
	})
	if err != nil {
		return nil, fmt.Errorf("create command encoder %q: %w", label, err)
	}
	return &halAllocator{h: h, label: label, encoder: encoder}, nil
}

// Encode translates cmds into hal encoder calls. Writes are queue operations
// in wgpu; they are carried on the list and performed at submission, before
// the list executes.
func (a *halAllocator) Encode(label string, cmds []Command) (CommandList, error) {
	for i := range cmds {
		if err := cmds[i].Validate(); err != nil {
			return nil, fmt.Errorf("encode %q command %d: %w", label, i, err)
		}
	}

	if err := a.encoder.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("begin encoding %q: %w", label, err)
	}

	list := &halList{label: label, n: len(cmds)}
	for i := range cmds {
		if err := a.encodeOne(&cmds[i], list); err != nil {
			a.encoder.DiscardEncoding()
			return nil, fmt.Errorf("encode %q command %d: %w", label, i, err)
		}
	}

	buf, err := a.encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("end encoding %q: %w", label, err)
	}
	list.buf = buf
	a.pending = append(a.pending, buf)
	return list, nil
}

func (a *halAllocator) encodeOne(c *Command, list *halList) error {
	switch c.Op {
	case OpSetPipeline, OpUse, OpDiscard:
		// Binding and lifetime markers have no encoder call outside a pass.
		// They order the list against the fence the scheduler tracks.
		return nil
	case OpWrite:
		if _, err := nativeOf(c.Dst); err != nil {
			return err
		}
		list.writes = append(list.writes, *c)
		return nil
	case OpCopy:
		src, err := nativeOf(c.Src)
		if err != nil {
			return err
		}
		dst, err := nativeOf(c.Dst)
		if err != nil {
			return err
		}
		a.encoder.CopyBufferToBuffer(src.buf, dst.buf, []hal.BufferCopy{
			{SrcOffset: c.Offset, DstOffset: c.DstOffset, Size: c.Size},
		})
		return nil
	case OpTransition:
		dst, err := nativeOf(c.Dst)
		if err != nil {
			return err
		}
		a.encoder.TransitionTextures([]hal.TextureBarrier{{
			Texture: dst.tex,
			Usage: hal.TextureUsageTransition{
				OldUsage: c.From,
				NewUsage: c.To,
			},
		}})
		return nil
	default:
		return fmt.Errorf("%w: unknown %s", ErrInvalidDescriptor, c.Op)
	}
}

// Reset frees every command buffer encoded since the last Reset.
func (a *halAllocator) Reset() error {
	if err := a.h.lock(); err != nil {
		return err
	}
	defer a.h.mu.Unlock()

	for _, buf := range a.pending {
		a.h.device.FreeCommandBuffer(buf)
	}
	a.pending = a.pending[:0]
	return nil
}

func (a *halAllocator) Destroy() {
	a.h.mu.Lock()
	defer a.h.mu.Unlock()
	if !a.h.closed {
		for _, buf := range a.pending {
			a.h.device.FreeCommandBuffer(buf)
		}
	}
	a.pending = nil
	a.encoder = nil
}

// =============================================================================
// Descriptor heaps
// =============================================================================

type halHeap struct {
	label    string
	buf      hal.Buffer
	capacity int
	base     uint64
}

func (hp *halHeap) Capacity() int  { return hp.capacity }
func (hp *halHeap) Base() uint64   { return hp.base }
func (hp *halHeap) Stride() uint64 { return descriptorStride }

// CreateDescriptorHeap allocates a uniform buffer holding capacity
// 256-byte descriptor slots.
func (h *HAL) CreateDescriptorHeap(label string, capacity int) (DescriptorHeap, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: heap capacity %d", ErrInvalidDescriptor, capacity)
	}
	if err := h.lock(); err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	size := uint64(capacity) * descriptorStride
	buf, err := h.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create descriptor heap %q: %w", label, err)
	}
	heap := &halHeap{label: label, buf: buf, capacity: capacity, base: h.nextBase}
	h.nextBase += size
	return heap, nil
}

func (h *HAL) DestroyDescriptorHeap(heap DescriptorHeap) {
	hp, ok := heap.(*halHeap)
	if !ok || hp.buf == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.device.DestroyBuffer(hp.buf)
	}
	hp.buf = nil
}

// =============================================================================
// Fences
// =============================================================================

// halFence is a timeline over queue submission indices. The hal queue
// tracks completion per submission; each signaled value remembers the
// index of the submission that carried it.
type halFence struct {
	label string

	mu      sync.Mutex
	pending []fenceSignal // ascending by value and index

	submitted atomic.Uint64
	completed atomic.Uint64
}

type fenceSignal struct {
	value uint64
	index uint64
}

func (f *halFence) Label() string { return f.label }

// signal records that value completes with submission index.
func (f *halFence) signal(value, index uint64) {
	f.mu.Lock()
	f.pending = append(f.pending, fenceSignal{value: value, index: index})
	f.mu.Unlock()
	storeMax(&f.submitted, value)
}

// retire advances the completed value past every signal whose submission
// index is at most done.
func (f *halFence) retire(done uint64) uint64 {
	f.mu.Lock()
	n := 0
	for n < len(f.pending) && f.pending[n].index <= done {
		storeMax(&f.completed, f.pending[n].value)
		n++
	}
	f.pending = f.pending[n:]
	f.mu.Unlock()
	return f.completed.Load()
}

func (h *HAL) CreateFence(label string) (Fence, error) {
	if err := h.lock(); err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	return &halFence{label: label}, nil
}

func (h *HAL) DestroyFence(fence Fence) {
	f, ok := fence.(*halFence)
	if !ok {
		return
	}
	f.mu.Lock()
	f.pending = nil
	f.mu.Unlock()
}

// Wait blocks until fence reaches value, polling the queue. The device lock
// is held only while polling.
func (h *HAL) Wait(fence Fence, value uint64) error {
	f, ok := fence.(*halFence)
	if !ok {
		return ErrForeignObject
	}
	if f.completed.Load() >= value {
		return nil
	}
	if f.submitted.Load() < value {
		return fmt.Errorf("%w: fence %q waits for %d, last submitted %d",
			ErrNotSubmitted, f.label, value, f.submitted.Load())
	}

	start := time.Now()
	for {
		completed, err := h.Completed(f)
		if err != nil {
			return err
		}
		if completed >= value {
			return nil
		}
		if h.hungTimeout > 0 && time.Since(start) > h.hungTimeout {
			return h.markLost(fmt.Sprintf("fence %q stuck below %d", f.label, value), nil)
		}
		time.Sleep(pollInterval)
	}
}

// Completed polls the queue for the last completed value.
func (h *HAL) Completed(fence Fence) (uint64, error) {
	f, ok := fence.(*halFence)
	if !ok {
		return 0, ErrForeignObject
	}
	if f.completed.Load() >= f.submitted.Load() {
		return f.completed.Load(), nil
	}

	if err := h.lock(); err != nil {
		return f.completed.Load(), err
	}
	done := h.queue.PollCompleted()
	h.mu.Unlock()
	return f.retire(done), nil
}

func storeMax(v *atomic.Uint64, n uint64) {
	for {
		cur := v.Load()
		if cur >= n || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// =============================================================================
// Submission
// =============================================================================

// Submit performs pending writes of every list, then submits all command
// buffers in one queue submission. fence reaches value once the queue
// reports that submission as completed.
func (h *HAL) Submit(lists []CommandList, fence Fence, value uint64) error {
	f, ok := fence.(*halFence)
	if !ok {
		return ErrForeignObject
	}
	native := make([]*halList, 0, len(lists))
	bufs := make([]hal.CommandBuffer, 0, len(lists))
	for _, l := range lists {
		hl, ok := l.(*halList)
		if !ok {
			return ErrForeignObject
		}
		native = append(native, hl)
		bufs = append(bufs, hl.buf)
	}

	if err := h.lock(); err != nil {
		return err
	}
	defer h.mu.Unlock()

	for _, hl := range native {
		for i := range hl.writes {
			if err := h.writeLocked(&hl.writes[i]); err != nil {
				return fmt.Errorf("submit %q: %w", hl.label, err)
			}
		}
	}
	index, err := h.queue.Submit(bufs)
	if err != nil {
		return h.markLost("submit", err)
	}
	f.signal(value, index)
	return nil
}

func (h *HAL) writeLocked(c *Command) error {
	r := c.Dst.(*halResource)
	switch {
	case r.tex != nil:
		err := h.queue.WriteTexture(
			&hal.ImageCopyTexture{Texture: r.tex, MipLevel: 0},
			c.Data,
			&hal.ImageDataLayout{Offset: 0, BytesPerRow: r.width * 4, RowsPerImage: r.height},
			&hal.Extent3D{Width: r.width, Height: r.height, DepthOrArrayLayers: 1},
		)
		if err != nil {
			return fmt.Errorf("write texture %q: %w", r.label, err)
		}
	case r.buf != nil:
		if err := h.queue.WriteBuffer(r.buf, c.Offset, c.Data); err != nil {
			return fmt.Errorf("write buffer %q: %w", r.label, err)
		}
	}
	return nil
}

// =============================================================================
// Resources and shaders
// =============================================================================

type halResource struct {
	kind   Kind
	label  string
	size   uint64
	width  uint32
	height uint32
	buf    hal.Buffer
	tex    hal.Texture
}

func (r *halResource) Kind() Kind    { return r.kind }
func (r *halResource) Label() string { return r.label }
func (r *halResource) Size() uint64  { return r.size }

func nativeOf(r Resource) (*halResource, error) {
	hr, ok := r.(*halResource)
	if !ok {
		return nil, ErrForeignObject
	}
	if hr.buf == nil && hr.tex == nil {
		return nil, fmt.Errorf("%w: resource %q already destroyed", ErrInvalidDescriptor, hr.label)
	}
	return hr, nil
}

func bufferUsage(kind Kind) gputypes.BufferUsage {
	usage := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if kind == KindConstantBuffer {
		return usage | gputypes.BufferUsageUniform
	}
	return usage | gputypes.BufferUsageStorage | gputypes.BufferUsageVertex
}

func textureUsage(kind Kind) gputypes.TextureUsage {
	usage := gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc
	if kind == KindRenderTarget {
		return usage | gputypes.TextureUsageRenderAttachment
	}
	return usage
}

// CreateResource creates a buffer or a 2D texture.
func (h *HAL) CreateResource(kind Kind, desc ResourceDesc) (Resource, error) {
	if err := h.lock(); err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	r := &halResource{kind: kind, label: desc.Label}
	switch kind {
	case KindBuffer, KindConstantBuffer:
		if desc.Size == 0 {
			return nil, fmt.Errorf("%w: %s %q with zero size", ErrInvalidDescriptor, kind, desc.Label)
		}
		buf, err := h.device.CreateBuffer(&hal.BufferDescriptor{
			Label: desc.Label,
			Size:  desc.Size,
			Usage: bufferUsage(kind),
		})
		if err != nil {
			return nil, fmt.Errorf("create %s %q: %w", kind, desc.Label, err)
		}
		r.buf = buf
		r.size = desc.Size
	case KindTexture, KindRenderTarget:
		if desc.Width == 0 || desc.Height == 0 {
			return nil, fmt.Errorf("%w: %s %q with empty extent", ErrInvalidDescriptor, kind, desc.Label)
		}
		format := desc.Format
		if format == gputypes.TextureFormatUndefined {
			format = gputypes.TextureFormatRGBA8Unorm
		}
		tex, err := h.device.CreateTexture(&hal.TextureDescriptor{
			Label:         desc.Label,
			Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     gputypes.TextureDimension2D,
			Format:        format,
			Usage:         textureUsage(kind),
		})
		if err != nil {
			return nil, fmt.Errorf("create %s %q: %w", kind, desc.Label, err)
		}
		r.tex = tex
		r.width, r.height = desc.Width, desc.Height
		r.size = uint64(desc.Width) * uint64(desc.Height) * 4
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidDescriptor, kind)
	}
	return r, nil
}

func (h *HAL) DestroyResource(res Resource) {
	r, ok := res.(*halResource)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		if r.buf != nil {
			h.device.DestroyBuffer(r.buf)
		}
		if r.tex != nil {
			h.device.DestroyTexture(r.tex)
		}
	}
	r.buf, r.tex = nil, nil
}

type halShader struct {
	label  string
	module hal.ShaderModule
}

func (s *halShader) Label() string { return s.label }

// CreateShader creates a shader module from SPIR-V words.
func (h *HAL) CreateShader(label string, spirv []uint32) (Shader, error) {
	if len(spirv) == 0 {
		return nil, fmt.Errorf("%w: empty SPIR-V for %q", ErrInvalidDescriptor, label)
	}
	if err := h.lock(); err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	module, err := h.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: label,
		Source: hal.ShaderSource{
			SPIRV: spirv,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create shader module %q: %w", label, err)
	}
	return &halShader{label: label, module: module}, nil
}

func (h *HAL) DestroyShader(shader Shader) {
	s, ok := shader.(*halShader)
	if !ok || s.module == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.device.DestroyShaderModule(s.module)
	}
	s.module = nil
}

// Destroy destroys the device and instance unless they were provided
// externally. Destroy is safe to call multiple times.
func (h *HAL) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.external {
		h.device = nil
		h.queue = nil
		return
	}
	if h.device != nil {
		h.device.Destroy()
		h.device = nil
	}
	if h.instance != nil {
		h.instance.Destroy()
		h.instance = nil
	}
	h.queue = nil
}
