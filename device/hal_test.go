// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

func openNoop(t *testing.T) *HAL {
	t.Helper()
	h, err := OpenNoop()
	if err != nil {
		t.Fatalf("OpenNoop failed: %v", err)
	}
	t.Cleanup(h.Destroy)
	return h
}

// =============================================================================
// Resources
// =============================================================================

func TestHALCreateResource(t *testing.T) {
	h := openNoop(t)

	tests := []struct {
		name     string
		kind     Kind
		desc     ResourceDesc
		wantSize uint64
		wantErr  bool
	}{
		{"buffer", KindBuffer, ResourceDesc{Label: "vb", Size: 1024}, 1024, false},
		{"constant buffer", KindConstantBuffer, ResourceDesc{Label: "cb", Size: 256}, 256, false},
		{"texture", KindTexture, ResourceDesc{Label: "tex", Width: 4, Height: 2}, 32, false},
		{"render target", KindRenderTarget, ResourceDesc{
			Label: "rt", Width: 8, Height: 8, Format: gputypes.TextureFormatBGRA8Unorm,
		}, 256, false},
		{"empty buffer", KindBuffer, ResourceDesc{Label: "empty"}, 0, true},
		{"empty texture", KindTexture, ResourceDesc{Label: "empty", Width: 4}, 0, true},
		{"unknown kind", Kind(200), ResourceDesc{Label: "bad", Size: 4}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.CreateResource(tt.kind, tt.desc)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDescriptor) {
					t.Fatalf("CreateResource error = %v, want ErrInvalidDescriptor", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateResource failed: %v", err)
			}
			defer h.DestroyResource(res)

			if res.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", res.Kind(), tt.kind)
			}
			if res.Label() != tt.desc.Label {
				t.Errorf("Label() = %q, want %q", res.Label(), tt.desc.Label)
			}
			if res.Size() != tt.wantSize {
				t.Errorf("Size() = %d, want %d", res.Size(), tt.wantSize)
			}
		})
	}
}

func TestHALDescriptorHeapsDoNotOverlap(t *testing.T) {
	h := openNoop(t)

	a, err := h.CreateDescriptorHeap("a", 16)
	if err != nil {
		t.Fatalf("CreateDescriptorHeap failed: %v", err)
	}
	defer h.DestroyDescriptorHeap(a)
	b, err := h.CreateDescriptorHeap("b", 16)
	if err != nil {
		t.Fatalf("CreateDescriptorHeap failed: %v", err)
	}
	defer h.DestroyDescriptorHeap(b)

	if a.Base() == 0 {
		t.Error("heap base must not be the zero handle")
	}
	endA := a.Base() + uint64(a.Capacity())*a.Stride()
	if b.Base() < endA {
		t.Errorf("heap b base %#x overlaps heap a ending at %#x", b.Base(), endA)
	}

	if _, err := h.CreateDescriptorHeap("zero", 0); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("zero capacity heap error = %v, want ErrInvalidDescriptor", err)
	}
}

// =============================================================================
// Encoding and submission
// =============================================================================

func TestHALEncodeSubmitWait(t *testing.T) {
	h := openNoop(t)

	src, err := h.CreateResource(KindBuffer, ResourceDesc{Label: "src", Size: 64})
	if err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}
	defer h.DestroyResource(src)
	dst, err := h.CreateResource(KindBuffer, ResourceDesc{Label: "dst", Size: 64})
	if err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}
	defer h.DestroyResource(dst)

	alloc, err := h.CreateCommandAllocator("worker-0")
	if err != nil {
		t.Fatalf("CreateCommandAllocator failed: %v", err)
	}
	defer alloc.Destroy()

	list, err := alloc.Encode("upload", []Command{
		{Op: OpWrite, Dst: src, Data: make([]byte, 64)},
		{Op: OpCopy, Src: src, Dst: dst, Size: 64},
		{Op: OpDiscard, Dst: src},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if list.Len() != 3 {
		t.Errorf("Len() = %d, want 3", list.Len())
	}

	fence, err := h.CreateFence("frame")
	if err != nil {
		t.Fatalf("CreateFence failed: %v", err)
	}
	defer h.DestroyFence(fence)

	if err := h.Submit([]CommandList{list}, fence, 1); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := h.Wait(fence, 1); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	completed, err := h.Completed(fence)
	if err != nil {
		t.Fatalf("Completed failed: %v", err)
	}
	if completed < 1 {
		t.Errorf("Completed() = %d, want >= 1", completed)
	}

	if err := alloc.Reset(); err != nil {
		t.Errorf("Reset failed: %v", err)
	}
}

// lazyQueue completes submissions only when told to.
type lazyQueue struct {
	hal.Queue

	mu       sync.Mutex
	next     uint64
	done     uint64
	writeErr error
}

func (q *lazyQueue) Submit([]hal.CommandBuffer) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	return q.next, nil
}

func (q *lazyQueue) PollCompleted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

func (q *lazyQueue) WriteBuffer(buf hal.Buffer, offset uint64, data []byte) error {
	q.mu.Lock()
	err := q.writeErr
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.Queue.WriteBuffer(buf, offset, data)
}

func (q *lazyQueue) complete(index uint64) {
	q.mu.Lock()
	q.done = index
	q.mu.Unlock()
}

func newLazyHAL(t *testing.T, opts ...HALOption) (*HAL, *lazyQueue) {
	t.Helper()
	base := openNoop(t)
	q := &lazyQueue{Queue: base.queue}
	return NewHAL(base.device, q, opts...), q
}

func encodeUse(t *testing.T, h *HAL, label string, cmds ...Command) CommandList {
	t.Helper()
	alloc, err := h.CreateCommandAllocator(label)
	if err != nil {
		t.Fatalf("CreateCommandAllocator failed: %v", err)
	}
	t.Cleanup(alloc.Destroy)
	list, err := alloc.Encode(label, cmds)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return list
}

func TestHALFenceFollowsQueueCompletion(t *testing.T) {
	h, q := newLazyHAL(t)

	buf, err := h.CreateResource(KindBuffer, ResourceDesc{Label: "buf", Size: 16})
	if err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}
	defer h.DestroyResource(buf)
	fence, err := h.CreateFence("frame")
	if err != nil {
		t.Fatalf("CreateFence failed: %v", err)
	}
	defer h.DestroyFence(fence)

	for v := uint64(1); v <= 2; v++ {
		list := encodeUse(t, h, "use", Command{Op: OpUse, Dst: buf})
		if err := h.Submit([]CommandList{list}, fence, v); err != nil {
			t.Fatalf("Submit(%d) failed: %v", v, err)
		}
	}
	if got, err := h.Completed(fence); err != nil || got != 0 {
		t.Fatalf("Completed() = %d, %v, want 0 before the queue finished", got, err)
	}

	done := make(chan error, 1)
	go func() { done <- h.Wait(fence, 2) }()

	q.complete(1)
	select {
	case err := <-done:
		t.Fatalf("Wait(2) returned after only value 1 completed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if got, _ := h.Completed(fence); got != 1 {
		t.Errorf("Completed() = %d, want 1", got)
	}

	q.complete(2)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait(2) failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait(2) did not return after the queue completed")
	}

	if err := h.Wait(fence, 3); !errors.Is(err, ErrNotSubmitted) {
		t.Errorf("Wait(3) error = %v, want ErrNotSubmitted", err)
	}
}

func TestHALHungTimeout(t *testing.T) {
	h, _ := newLazyHAL(t, WithHungTimeout(10*time.Millisecond))

	buf, err := h.CreateResource(KindBuffer, ResourceDesc{Label: "buf", Size: 16})
	if err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}
	defer h.DestroyResource(buf)
	fence, err := h.CreateFence("frame")
	if err != nil {
		t.Fatalf("CreateFence failed: %v", err)
	}
	list := encodeUse(t, h, "use", Command{Op: OpUse, Dst: buf})
	if err := h.Submit([]CommandList{list}, fence, 1); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := h.Wait(fence, 1); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("Wait error = %v, want ErrDeviceLost", err)
	}
	if !h.Lost() {
		t.Error("Lost() = false after a hung wait")
	}
}

func TestHALSubmitReportsFailedWrite(t *testing.T) {
	h, q := newLazyHAL(t)

	buf, err := h.CreateResource(KindBuffer, ResourceDesc{Label: "buf", Size: 16})
	if err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}
	defer h.DestroyResource(buf)
	fence, err := h.CreateFence("frame")
	if err != nil {
		t.Fatalf("CreateFence failed: %v", err)
	}

	errStaging := errors.New("staging belt exhausted")
	q.writeErr = errStaging
	list := encodeUse(t, h, "upload", Command{Op: OpWrite, Dst: buf, Data: make([]byte, 16)})

	if err := h.Submit([]CommandList{list}, fence, 1); !errors.Is(err, errStaging) {
		t.Fatalf("Submit error = %v, want the write error", err)
	}
	if q.next != 0 {
		t.Errorf("queue submissions = %d, want 0 after a failed write", q.next)
	}
	if h.Lost() {
		t.Error("a failed write marked the device lost")
	}
}

func TestHALEncodeRejectsInvalidCommands(t *testing.T) {
	h := openNoop(t)

	buf, err := h.CreateResource(KindBuffer, ResourceDesc{Label: "buf", Size: 16})
	if err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}
	defer h.DestroyResource(buf)

	alloc, err := h.CreateCommandAllocator("worker")
	if err != nil {
		t.Fatalf("CreateCommandAllocator failed: %v", err)
	}
	defer alloc.Destroy()

	_, err = alloc.Encode("bad", []Command{
		{Op: OpTransition, Dst: buf},
	})
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("Encode error = %v, want ErrInvalidDescriptor", err)
	}

	// The allocator stays usable after a rejected stream.
	if _, err := alloc.Encode("good", []Command{{Op: OpUse, Dst: buf}}); err != nil {
		t.Fatalf("Encode after rejection failed: %v", err)
	}
}

func TestHALForeignObjects(t *testing.T) {
	h := openNoop(t)

	var foreign struct{ Fence }
	if err := h.Wait(&foreign, 1); !errors.Is(err, ErrForeignObject) {
		t.Errorf("Wait(foreign) error = %v, want ErrForeignObject", err)
	}
	if _, err := h.Completed(&foreign); !errors.Is(err, ErrForeignObject) {
		t.Errorf("Completed(foreign) error = %v, want ErrForeignObject", err)
	}
}

func TestHALClosed(t *testing.T) {
	h, err := OpenNoop()
	if err != nil {
		t.Fatalf("OpenNoop failed: %v", err)
	}
	h.Destroy()
	h.Destroy() // idempotent

	if _, err := h.CreateFence("late"); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("CreateFence after Destroy error = %v, want ErrDeviceClosed", err)
	}
	if _, err := h.CreateResource(KindBuffer, ResourceDesc{Size: 4}); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("CreateResource after Destroy error = %v, want ErrDeviceClosed", err)
	}
}

func TestHALMarkLost(t *testing.T) {
	h := openNoop(t)

	err := h.markLost("submit", errors.New("VK_ERROR_DEVICE_LOST"))
	if !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("markLost error = %v, want ErrDeviceLost", err)
	}
	if !h.Lost() {
		t.Error("Lost() = false after markLost")
	}
	if _, err := h.CreateFence("after-loss"); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("CreateFence after loss error = %v, want ErrDeviceLost", err)
	}
}
