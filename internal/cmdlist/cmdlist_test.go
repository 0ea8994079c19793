// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package cmdlist

import (
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/framesched/device"
	"github.com/gogpu/framesched/internal/devicetest"
	"github.com/gogpu/framesched/internal/fault"
	"github.com/gogpu/framesched/internal/resource"
)

type fixture struct {
	dev   *devicetest.Device
	alloc device.CommandAllocator
	table *resource.Table
	fence device.Fence
	log   *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dev := devicetest.New()
	alloc, err := dev.CreateCommandAllocator("test")
	if err != nil {
		t.Fatalf("CreateCommandAllocator failed: %v", err)
	}
	fence, err := dev.CreateFence("test")
	if err != nil {
		t.Fatalf("CreateFence failed: %v", err)
	}
	return &fixture{
		dev:   dev,
		alloc: alloc,
		table: resource.NewTable(fault.NewSupervisor(log, 4)),
		fence: fence,
		log:   log,
	}
}

func (f *fixture) create(t *testing.T, kind device.Kind) resource.ID {
	t.Helper()
	res, err := f.dev.CreateResource(kind, device.ResourceDesc{Size: 64, Width: 4, Height: 4})
	if err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}
	id, err := f.table.Insert(kind, res)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return id
}

func (f *fixture) finished(t *testing.T, label string, priority int) *List {
	t.Helper()
	buf := f.create(t, device.KindBuffer)
	r := NewRecorder(f.alloc, f.table, label, 0)
	r.SetPriority(priority)
	if err := r.Use(buf); err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	l, err := r.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	return l
}

// =============================================================================
// Recorder state machine
// =============================================================================

func TestRecorderRecordsAllOps(t *testing.T) {
	f := newFixture(t)
	src := f.create(t, device.KindBuffer)
	dst := f.create(t, device.KindBuffer)
	tex := f.create(t, device.KindTexture)
	shader, err := f.dev.CreateShader("fill", []uint32{0x07230203})
	if err != nil {
		t.Fatalf("CreateShader failed: %v", err)
	}

	r := NewRecorder(f.alloc, f.table, "all-ops", 1)
	steps := []struct {
		name string
		run  func() error
	}{
		{"set pipeline", func() error { return r.SetPipeline("fill", shader) }},
		{"use", func() error { return r.Use(tex) }},
		{"write", func() error { return r.Write(src, 0, make([]byte, 16)) }},
		{"copy", func() error { return r.Copy(dst, src, 0, 0, 16) }},
		{"transition", func() error {
			return r.Transition(tex, gputypes.TextureUsageCopyDst, gputypes.TextureUsageTextureBinding)
		}},
		{"discard", func() error { return r.Discard(src) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			t.Fatalf("%s failed: %v", s.name, err)
		}
	}

	l, err := r.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if r.State() != StateFinished {
		t.Errorf("State() = %v, want finished", r.State())
	}
	if l.Native().Len() != len(steps) {
		t.Errorf("native Len() = %d, want %d", l.Native().Len(), len(steps))
	}
	if l.Frame != 1 {
		t.Errorf("Frame = %d, want 1", l.Frame)
	}

	if err := r.Use(src); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Use after Finish error = %v, want ErrNotRecording", err)
	}
	if _, err := r.Finish(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("second Finish error = %v, want ErrNotRecording", err)
	}
}

func TestRecorderMissingResource(t *testing.T) {
	f := newFixture(t)
	r := NewRecorder(f.alloc, f.table, "missing", 0)

	err := r.Use(resource.ID(0x0000000100000007))
	if !errors.Is(err, resource.ErrNotFound) {
		t.Fatalf("Use error = %v, want resource.ErrNotFound", err)
	}
	if r.State() != StateRecording {
		t.Errorf("State() = %v, want recording after a failed lookup", r.State())
	}
}

func TestRecorderSeesDestroyingResource(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, device.KindBuffer)
	if err := f.table.MarkDestroying(device.KindBuffer, id); err != nil {
		t.Fatalf("MarkDestroying failed: %v", err)
	}

	r := NewRecorder(f.alloc, f.table, "discard", 0)
	if err := r.Discard(id); err != nil {
		t.Fatalf("Discard of destroying resource failed: %v", err)
	}
}

func TestRecorderRejectsInvalidCommand(t *testing.T) {
	f := newFixture(t)
	buf := f.create(t, device.KindBuffer)

	r := NewRecorder(f.alloc, f.table, "invalid", 0)
	err := r.Transition(buf, gputypes.TextureUsageCopyDst, gputypes.TextureUsageCopySrc)
	if !errors.Is(err, device.ErrInvalidDescriptor) {
		t.Errorf("Transition on buffer error = %v, want ErrInvalidDescriptor", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRecorderAbandon(t *testing.T) {
	f := newFixture(t)
	buf := f.create(t, device.KindBuffer)

	r := NewRecorder(f.alloc, f.table, "abandon", 0)
	called := false
	r.OnSubmit(func(uint64) { called = true })
	_ = r.Use(buf)
	r.Abandon()
	r.Abandon()

	if r.State() != StateAbandoned {
		t.Errorf("State() = %v, want abandoned", r.State())
	}
	if _, err := r.Finish(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Finish after Abandon error = %v, want ErrNotRecording", err)
	}
	if called {
		t.Error("hook of an abandoned recorder ran")
	}
}

func TestRecorderFinishEmpty(t *testing.T) {
	f := newFixture(t)
	r := NewRecorder(f.alloc, f.table, "empty", 0)
	if _, err := r.Finish(); !errors.Is(err, ErrEmpty) {
		t.Errorf("Finish error = %v, want ErrEmpty", err)
	}
	if r.State() != StateAbandoned {
		t.Errorf("State() = %v, want abandoned", r.State())
	}
}

// =============================================================================
// Aggregator
// =============================================================================

func TestAggregatorPriorityOrder(t *testing.T) {
	f := newFixture(t)
	agg := NewAggregator(f.log)

	agg.Add(f.finished(t, "p5", 5))
	agg.Add(f.finished(t, "p1", 1), f.finished(t, "p3", 3))

	batch, err := agg.Flush(f.dev, f.fence, 1)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	want := []string{"p1", "p3", "p5"}
	if !slices.Equal(batch.Labels(), want) {
		t.Errorf("batch order = %v, want %v", batch.Labels(), want)
	}

	subs := f.dev.Submissions()
	if len(subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(subs))
	}
	if !slices.Equal(subs[0].Labels(), want) {
		t.Errorf("device order = %v, want %v", subs[0].Labels(), want)
	}
	if agg.Len() != 0 {
		t.Errorf("Len() after Flush = %d, want 0", agg.Len())
	}
}

func TestAggregatorStableForEqualPriorities(t *testing.T) {
	f := newFixture(t)
	agg := NewAggregator(f.log)

	agg.Add(f.finished(t, "a", 2), f.finished(t, "b", 1), f.finished(t, "c", 2), f.finished(t, "d", 1))
	batch, err := agg.Flush(f.dev, f.fence, 1)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	want := []string{"b", "d", "a", "c"}
	if !slices.Equal(batch.Labels(), want) {
		t.Errorf("batch order = %v, want %v", batch.Labels(), want)
	}
}

func TestAggregatorRunsHooksWithValue(t *testing.T) {
	f := newFixture(t)
	agg := NewAggregator(f.log)
	buf := f.create(t, device.KindBuffer)

	r := NewRecorder(f.alloc, f.table, "hooked", 0)
	var got uint64
	r.OnSubmit(func(v uint64) { got = v })
	_ = r.Discard(buf)
	l, err := r.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	agg.Add(l)

	if _, err := agg.Flush(f.dev, f.fence, 7); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got != 7 {
		t.Errorf("hook value = %d, want 7", got)
	}
	if r.State() != StateSubmitted {
		t.Errorf("State() = %v, want submitted", r.State())
	}
}

func TestAggregatorSubmitFailure(t *testing.T) {
	f := newFixture(t)
	agg := NewAggregator(f.log)

	r := NewRecorder(f.alloc, f.table, "lost", 0)
	ran := false
	r.OnSubmit(func(uint64) { ran = true })
	_ = r.Use(f.create(t, device.KindBuffer))
	l, _ := r.Finish()
	agg.Add(l)

	f.dev.Lose()
	if _, err := agg.Flush(f.dev, f.fence, 1); !errors.Is(err, device.ErrDeviceLost) {
		t.Fatalf("Flush error = %v, want ErrDeviceLost", err)
	}
	if ran {
		t.Error("hook ran for a failed submission")
	}
}

func TestAggregatorEmptyFlushSignalsFence(t *testing.T) {
	f := newFixture(t)
	agg := NewAggregator(f.log)

	if _, err := agg.Flush(f.dev, f.fence, 3); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	completed, _ := f.dev.Completed(f.fence)
	if completed != 3 {
		t.Errorf("Completed() = %d, want 3", completed)
	}
}
