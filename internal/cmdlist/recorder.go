// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package cmdlist records per-item command streams and aggregates the
// resulting command lists into one prioritized submission per frame.
package cmdlist

import (
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/framesched/device"
	"github.com/gogpu/framesched/internal/resource"
)

// Recorder errors.
var (
	// ErrNotRecording is returned when recording on a finished or
	// abandoned recorder.
	ErrNotRecording = errors.New("cmdlist: recorder not in recording state")

	// ErrEmpty is returned by Finish when nothing was recorded.
	ErrEmpty = errors.New("cmdlist: nothing recorded")
)

// Priorities. Lists are submitted in ascending priority order.
const (
	PriorityDefault = 0

	// PriorityDiscard places discard lists last in the frame batch.
	PriorityDiscard = math.MaxInt32
)

// State is the recorder state.
//
// State machine:
//
//	Recording -> Finish()  -> Finished
//	Finished  -> (flushed) -> Submitted
//	Recording -> Abandon() -> Abandoned
type State uint8

const (
	StateRecording State = iota
	StateFinished
	StateSubmitted
	StateAbandoned
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateFinished:
		return "finished"
	case StateSubmitted:
		return "submitted"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Resolver resolves resource ids for command building.
type Resolver interface {
	Resolve(id resource.ID) (device.Resource, error)
}

// SubmitHook is called with the fence value of the submission that carried
// the list.
type SubmitHook func(value uint64)

// Recorder is the command-recording context handed to one work item. It is
// bound to the allocator of the executing worker for the current frame.
//
// Recorder is NOT safe for concurrent use.
type Recorder struct {
	alloc    device.CommandAllocator
	resolver Resolver

	label    string
	priority int
	frame    int
	state    State

	cmds  []device.Command
	hooks []SubmitHook
}

// NewRecorder creates a recorder in the Recording state.
func NewRecorder(alloc device.CommandAllocator, resolver Resolver, label string, frame int) *Recorder {
	return &Recorder{
		alloc:    alloc,
		resolver: resolver,
		label:    label,
		frame:    frame,
	}
}

// Label returns the debug label.
func (r *Recorder) Label() string { return r.label }

// Frame returns the frame slot the recorder encodes into.
func (r *Recorder) Frame() int { return r.frame }

// State returns the current state.
func (r *Recorder) State() State { return r.state }

// Priority returns the submission priority.
func (r *Recorder) Priority() int { return r.priority }

// SetPriority sets the submission priority. Lower values submit first.
func (r *Recorder) SetPriority(p int) { r.priority = p }

// Len returns the number of recorded commands.
func (r *Recorder) Len() int { return len(r.cmds) }

// OnSubmit registers fn to run once the finished list has been submitted.
func (r *Recorder) OnSubmit(fn SubmitHook) {
	r.hooks = append(r.hooks, fn)
}

func (r *Recorder) record(c device.Command) error {
	if r.state != StateRecording {
		return fmt.Errorf("%w: %s", ErrNotRecording, r.state)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	r.cmds = append(r.cmds, c)
	return nil
}

func (r *Recorder) resolve(id resource.ID) (device.Resource, error) {
	res, err := r.resolver.Resolve(id)
	if err != nil {
		return nil, fmt.Errorf("cmdlist: %s: %w", r.label, err)
	}
	return res, nil
}

// SetPipeline binds the named pipeline object.
func (r *Recorder) SetPipeline(name string, pipeline device.Shader) error {
	return r.record(device.Command{Op: device.OpSetPipeline, Name: name, Pipeline: pipeline})
}

// Use declares that the list reads resource id.
func (r *Recorder) Use(id resource.ID) error {
	res, err := r.resolve(id)
	if err != nil {
		return err
	}
	return r.record(device.Command{Op: device.OpUse, Dst: res})
}

// Write uploads data into resource id at offset.
func (r *Recorder) Write(id resource.ID, offset uint64, data []byte) error {
	res, err := r.resolve(id)
	if err != nil {
		return err
	}
	return r.record(device.Command{Op: device.OpWrite, Dst: res, Offset: offset, Data: data})
}

// Copy copies size bytes from src at srcOffset to dst at dstOffset.
func (r *Recorder) Copy(dst, src resource.ID, dstOffset, srcOffset, size uint64) error {
	d, err := r.resolve(dst)
	if err != nil {
		return err
	}
	s, err := r.resolve(src)
	if err != nil {
		return err
	}
	return r.record(device.Command{
		Op:        device.OpCopy,
		Dst:       d,
		Src:       s,
		Offset:    srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	})
}

// Transition moves texture id from usage from to usage to.
func (r *Recorder) Transition(id resource.ID, from, to gputypes.TextureUsage) error {
	res, err := r.resolve(id)
	if err != nil {
		return err
	}
	return r.record(device.Command{Op: device.OpTransition, Dst: res, From: from, To: to})
}

// Discard records that resource id is not referenced by any later command.
func (r *Recorder) Discard(id resource.ID) error {
	res, err := r.resolve(id)
	if err != nil {
		return err
	}
	return r.record(device.Command{Op: device.OpDiscard, Dst: res})
}

// Finish encodes the recorded commands into a command list. On error the
// recorder is abandoned.
func (r *Recorder) Finish() (*List, error) {
	if r.state != StateRecording {
		return nil, fmt.Errorf("%w: %s", ErrNotRecording, r.state)
	}
	if len(r.cmds) == 0 {
		r.Abandon()
		return nil, fmt.Errorf("%w: %s", ErrEmpty, r.label)
	}

	native, err := r.alloc.Encode(r.label, r.cmds)
	if err != nil {
		r.Abandon()
		return nil, fmt.Errorf("cmdlist: finish %s: %w", r.label, err)
	}
	r.state = StateFinished
	list := &List{
		Label:    r.label,
		Priority: r.priority,
		Frame:    r.frame,
		native:   native,
		hooks:    r.hooks,
		owner:    r,
	}
	r.cmds = nil
	r.hooks = nil
	return list, nil
}

// Abandon drops everything recorded so far. Abandoning a recorder that is
// not recording is a no-op.
func (r *Recorder) Abandon() {
	if r.state != StateRecording {
		return
	}
	r.state = StateAbandoned
	r.cmds = nil
	r.hooks = nil
}

// List is a finished command list waiting for submission.
type List struct {
	Label    string
	Priority int
	Frame    int

	native device.CommandList
	hooks  []SubmitHook
	owner  *Recorder
}

// Native returns the encoded device command list.
func (l *List) Native() device.CommandList { return l.native }

// markSubmitted runs the submit hooks.
func (l *List) markSubmitted(value uint64) {
	if l.owner != nil {
		l.owner.state = StateSubmitted
	}
	for _, fn := range l.hooks {
		fn(value)
	}
}
