// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package devicetest provides a deterministic in-memory device.Device for
// tests. It records every submission and allocator reset, lets tests decide
// when fences complete, and detects resources destroyed while a submission
// that references them is still in flight.
package devicetest

import (
	"fmt"
	"sync"

	"github.com/gogpu/framesched/device"
)

// Submission is one recorded call to Device.Submit.
type Submission struct {
	Value uint64
	Lists []*List
}

// Labels returns the labels of the submitted lists in submission order.
func (s Submission) Labels() []string {
	labels := make([]string, len(s.Lists))
	for i, l := range s.Lists {
		labels[i] = l.label
	}
	return labels
}

// Device is a fake device.Device. The zero value is not usable; use New.
type Device struct {
	mu   sync.Mutex
	cond *sync.Cond

	manual bool
	lost   bool
	closed bool

	nextBase    uint64
	submissions []Submission
	resets      map[string]int
	failAlloc   map[string]bool

	live      map[*Resource]bool
	violation []string
	shaders   int
}

// Option configures a Device.
type Option func(*Device)

// Manual makes fences complete only through Complete. By default a fence
// reaches its value as soon as Submit returns.
func Manual() Option {
	return func(d *Device) {
		d.manual = true
	}
}

// FailAllocator makes CreateCommandAllocator fail for label.
func FailAllocator(label string) Option {
	return func(d *Device) {
		d.failAlloc[label] = true
	}
}

// New returns a fake device.
func New(opts ...Option) *Device {
	d := &Device{
		nextBase:  0x1000,
		resets:    make(map[string]int),
		failAlloc: make(map[string]bool),
		live:      make(map[*Resource]bool),
	}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ device.Device = (*Device)(nil)

// =============================================================================
// Objects
// =============================================================================

// Fence is a fake fence.
type Fence struct {
	label     string
	submitted uint64
	completed uint64
}

func (f *Fence) Label() string { return f.label }

// Heap is a fake descriptor heap.
type Heap struct {
	label    string
	capacity int
	base     uint64
}

func (h *Heap) Capacity() int  { return h.capacity }
func (h *Heap) Base() uint64   { return h.base }
func (h *Heap) Stride() uint64 { return 32 }

// Resource is a fake resource.
type Resource struct {
	kind  device.Kind
	label string
	size  uint64

	// lastUse is the highest fence value of a submission referencing
	// the resource.
	lastUse uint64
	fence   *Fence
}

func (r *Resource) Kind() device.Kind { return r.kind }
func (r *Resource) Label() string     { return r.label }
func (r *Resource) Size() uint64      { return r.size }

// Shader is a fake shader.
type Shader struct {
	label string
	spirv []uint32
}

func (s *Shader) Label() string { return s.label }

// List is a fake command list. It keeps a copy of the encoded commands.
type List struct {
	label string
	cmds  []device.Command
}

func (l *List) Label() string { return l.label }
func (l *List) Len() int      { return len(l.cmds) }

// Commands returns the encoded commands.
func (l *List) Commands() []device.Command { return l.cmds }

// Allocator is a fake command allocator.
type Allocator struct {
	d     *Device
	label string
}

// Encode validates and copies cmds.
func (a *Allocator) Encode(label string, cmds []device.Command) (device.CommandList, error) {
	for i := range cmds {
		if err := cmds[i].Validate(); err != nil {
			return nil, fmt.Errorf("encode %q command %d: %w", label, i, err)
		}
	}
	return &List{label: label, cmds: append([]device.Command(nil), cmds...)}, nil
}

// Reset records the reset.
func (a *Allocator) Reset() error {
	a.d.mu.Lock()
	defer a.d.mu.Unlock()
	if a.d.lost {
		return device.ErrDeviceLost
	}
	a.d.resets[a.label]++
	return nil
}

func (a *Allocator) Destroy() {}

// =============================================================================
// device.Device
// =============================================================================

func (d *Device) check() error {
	if d.closed {
		return device.ErrDeviceClosed
	}
	if d.lost {
		return device.ErrDeviceLost
	}
	return nil
}

func (d *Device) CreateCommandAllocator(label string) (device.CommandAllocator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	if d.failAlloc[label] {
		return nil, fmt.Errorf("devicetest: allocator %q refused", label)
	}
	return &Allocator{d: d, label: label}, nil
}

func (d *Device) CreateDescriptorHeap(label string, capacity int) (device.DescriptorHeap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, device.ErrInvalidDescriptor
	}
	h := &Heap{label: label, capacity: capacity, base: d.nextBase}
	d.nextBase += uint64(capacity) * h.Stride()
	return h, nil
}

func (d *Device) DestroyDescriptorHeap(device.DescriptorHeap) {}

func (d *Device) CreateFence(label string) (device.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	return &Fence{label: label}, nil
}

func (d *Device) DestroyFence(device.Fence) {}

func (d *Device) CreateResource(kind device.Kind, desc device.ResourceDesc) (device.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	size := desc.Size
	if kind.IsTexture() {
		size = uint64(desc.Width) * uint64(desc.Height) * 4
	}
	if size == 0 {
		return nil, device.ErrInvalidDescriptor
	}
	r := &Resource{kind: kind, label: desc.Label, size: size}
	d.live[r] = true
	return r, nil
}

// DestroyResource records a violation when a submission referencing res
// has not completed yet.
func (d *Device) DestroyResource(res device.Resource) {
	r, ok := res.(*Resource)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.live[r] {
		d.violation = append(d.violation, fmt.Sprintf("%q destroyed twice", r.label))
		return
	}
	if r.fence != nil && r.fence.completed < r.lastUse {
		d.violation = append(d.violation, fmt.Sprintf(
			"%q destroyed at fence %d while in use until %d", r.label, r.fence.completed, r.lastUse))
	}
	delete(d.live, r)
}

func (d *Device) CreateShader(label string, spirv []uint32) (device.Shader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	if len(spirv) == 0 {
		return nil, device.ErrInvalidDescriptor
	}
	d.shaders++
	return &Shader{label: label, spirv: spirv}, nil
}

func (d *Device) DestroyShader(device.Shader) {
	d.mu.Lock()
	d.shaders--
	d.mu.Unlock()
}

// Submit records the batch and, unless the device is manual, completes the
// fence immediately.
func (d *Device) Submit(lists []device.CommandList, fence device.Fence, value uint64) error {
	f, ok := fence.(*Fence)
	if !ok {
		return device.ErrForeignObject
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}

	sub := Submission{Value: value, Lists: make([]*List, 0, len(lists))}
	for _, l := range lists {
		fl, ok := l.(*List)
		if !ok {
			return device.ErrForeignObject
		}
		sub.Lists = append(sub.Lists, fl)
		for _, c := range fl.cmds {
			d.touch(c.Dst, f, value)
			d.touch(c.Src, f, value)
		}
	}
	d.submissions = append(d.submissions, sub)
	f.submitted = value
	if !d.manual {
		f.completed = value
		d.cond.Broadcast()
	}
	return nil
}

func (d *Device) touch(res device.Resource, f *Fence, value uint64) {
	r, ok := res.(*Resource)
	if !ok {
		return
	}
	if !d.live[r] {
		d.violation = append(d.violation, fmt.Sprintf("%q submitted after destruction", r.label))
	}
	r.fence = f
	if value > r.lastUse {
		r.lastUse = value
	}
}

// Wait blocks until the fence reaches value or the device is lost.
func (d *Device) Wait(fence device.Fence, value uint64) error {
	f, ok := fence.(*Fence)
	if !ok {
		return device.ErrForeignObject
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for f.completed < value {
		if d.lost {
			return device.ErrDeviceLost
		}
		if d.closed {
			return device.ErrDeviceClosed
		}
		d.cond.Wait()
	}
	return nil
}

func (d *Device) Completed(fence device.Fence) (uint64, error) {
	f, ok := fence.(*Fence)
	if !ok {
		return 0, device.ErrForeignObject
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return f.completed, device.ErrDeviceLost
	}
	return f.completed, nil
}

func (d *Device) Destroy() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// =============================================================================
// Test controls
// =============================================================================

// Complete advances fence to value, capped at the last submitted value.
func (d *Device) Complete(fence device.Fence, value uint64) {
	f := fence.(*Fence)
	d.mu.Lock()
	defer d.mu.Unlock()
	if value > f.submitted {
		value = f.submitted
	}
	if value > f.completed {
		f.completed = value
		d.cond.Broadcast()
	}
}

// CompleteAll completes every submission made on fence so far.
func (d *Device) CompleteAll(fence device.Fence) {
	f := fence.(*Fence)
	d.mu.Lock()
	value := f.submitted
	d.mu.Unlock()
	d.Complete(fence, value)
}

// Lose simulates device removal. Blocked waits return device.ErrDeviceLost.
func (d *Device) Lose() {
	d.mu.Lock()
	d.lost = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Submissions returns a copy of the recorded submissions.
func (d *Device) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Submission(nil), d.submissions...)
}

// Resets returns how many times the allocator with label was reset.
func (d *Device) Resets(label string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets[label]
}

// LiveResources returns the number of resources not yet destroyed.
func (d *Device) LiveResources() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Violations returns every lifetime violation observed.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violation...)
}

// Shaders returns the number of shader objects alive.
func (d *Device) Shaders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shaders
}
