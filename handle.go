// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package framesched

import (
	"sync/atomic"

	"github.com/gogpu/framesched/device"
	"github.com/gogpu/framesched/internal/fault"
	"github.com/gogpu/framesched/internal/resource"
)

// Handle is a reference-counted resource. It starts with one reference;
// the release of the last reference schedules the resource's destruction
// exactly like DestroyResource.
//
// Handle is safe for concurrent use.
type Handle struct {
	s    *Scheduler
	kind Kind
	id   ResourceID
	refs atomic.Int64
}

// NewHandle creates a resource and wraps it in a handle.
func (s *Scheduler) NewHandle(kind Kind, desc device.ResourceDesc, data []byte) (*Handle, error) {
	id, err := s.CreateResource(kind, desc, data)
	if err != nil {
		return nil, err
	}
	h := &Handle{s: s, kind: kind, id: id}
	h.refs.Store(1)
	return h, nil
}

// ID returns the resource id, usable with a Recorder.
func (h *Handle) ID() ResourceID { return h.id }

// Kind returns the resource kind.
func (h *Handle) Kind() Kind { return h.kind }

// Refs returns the current reference count.
func (h *Handle) Refs() int64 { return h.refs.Load() }

// Retain adds a reference. Retaining a handle whose last reference was
// released fails with ErrHandleReleased.
func (h *Handle) Retain() error {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return ErrHandleReleased
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference.
func (h *Handle) Release() error {
	switch n := h.refs.Add(-1); {
	case n > 0:
		return nil
	case n == 0:
		return h.s.DestroyResource(h.kind, h.id)
	default:
		err := fault.Contractf("framesched: release of %s %s without reference", h.kind, h.id)
		h.s.faults.Report(err)
		return err
	}
}

// Resolve returns the device object while the handle holds a reference.
// It does not extend the lifetime of the resource.
func (h *Handle) Resolve() (device.Resource, error) {
	if h.refs.Load() <= 0 {
		return nil, ErrResourceNotFound
	}
	e, err := h.s.table.Lookup(h.id)
	if err != nil {
		return nil, err
	}
	if e.State != resource.StateLive {
		return nil, ErrResourceNotFound
	}
	return e.Resource, nil
}
