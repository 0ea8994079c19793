// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package fence tracks in-flight frames against a single device fence.
//
// Every submission signals the fence to a new, strictly increasing value.
// The ring remembers, per frame slot, the value of the last submission made
// while that slot was current. Before a slot is reused its value must have
// been reached, so the slot's allocators and constant-buffer regions are no
// longer referenced by the device.
package fence

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/framesched/device"
)

// Frame count limits.
const (
	MinFrames     = 2
	MaxFrames     = 4
	DefaultFrames = 2
)

// Ring is a fixed ring of frame slots sharing one fence.
//
// NextValue and Advance are called from the presenting goroutine only;
// the accessors are safe for concurrent use.
type Ring struct {
	dev   device.Device
	fence device.Fence
	log   *slog.Logger

	mu       sync.Mutex
	slots    []uint64
	current  int
	last     uint64
	reserved uint64 // slot value replaced by the open reservation
}

// NewRing creates a ring of frames slots and its fence. frames is clamped
// to [MinFrames, MaxFrames].
func NewRing(dev device.Device, frames int, log *slog.Logger) (*Ring, error) {
	frames = min(max(frames, MinFrames), MaxFrames)

	f, err := dev.CreateFence("frame-fence")
	if err != nil {
		return nil, fmt.Errorf("fence: create frame fence: %w", err)
	}
	return &Ring{
		dev:   dev,
		fence: f,
		log:   log,
		slots: make([]uint64, frames),
	}, nil
}

// Fence returns the device fence.
func (r *Ring) Fence() device.Fence {
	return r.fence
}

// Frames returns the number of slots.
func (r *Ring) Frames() int {
	return len(r.slots)
}

// Current returns the index of the current frame slot.
func (r *Ring) Current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Last returns the last value handed out by NextValue.
func (r *Ring) Last() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// SlotValue returns the fence value of the last submission made in slot k.
func (r *Ring) SlotValue(k int) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[k]
}

// NextValue reserves the signal value of the next submission and stamps it
// on the current slot.
func (r *Ring) NextValue() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last++
	r.reserved = r.slots[r.current]
	r.slots[r.current] = r.last
	return r.last
}

// Cancel returns value, the last reservation of NextValue, after its
// submission failed. Neither Advance nor WaitIdle waits for it afterwards.
func (r *Ring) Cancel(value uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if value == 0 || value != r.last || r.slots[r.current] != value {
		return
	}
	r.slots[r.current] = r.reserved
	r.last--
}

// Advance moves to the next slot and blocks until the device completed the
// last submission previously made in it. It returns the new slot index.
func (r *Ring) Advance() (int, error) {
	r.mu.Lock()
	next := (r.current + 1) % len(r.slots)
	value := r.slots[next]
	r.mu.Unlock()

	if value > 0 {
		if err := r.dev.Wait(r.fence, value); err != nil {
			return 0, fmt.Errorf("fence: wait for frame slot %d (value %d): %w", next, value, err)
		}
	}

	r.mu.Lock()
	r.current = next
	r.mu.Unlock()

	r.log.Debug("fence: frame slot reusable", "slot", next, "value", value)
	return next, nil
}

// Completed returns the last value the device reached.
func (r *Ring) Completed() (uint64, error) {
	return r.dev.Completed(r.fence)
}

// WaitIdle blocks until every submission completed.
func (r *Ring) WaitIdle() error {
	last := r.Last()
	if last == 0 {
		return nil
	}
	if err := r.dev.Wait(r.fence, last); err != nil {
		return fmt.Errorf("fence: wait idle (value %d): %w", last, err)
	}
	return nil
}

// Close destroys the fence. Call WaitIdle first.
func (r *Ring) Close() {
	r.dev.DestroyFence(r.fence)
}
