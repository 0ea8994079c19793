// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package device

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Op is the tag of a Command.
type Op uint8

// Command operations. The set is closed: encoders switch over every Op.
const (
	// OpSetPipeline binds a named pipeline object.
	OpSetPipeline Op = iota + 1

	// OpUse declares that the list reads Dst.
	OpUse

	// OpWrite uploads Data into Dst at Offset.
	OpWrite

	// OpCopy copies Size bytes from Src at Offset to Dst at DstOffset.
	OpCopy

	// OpTransition moves texture Dst from usage From to usage To.
	OpTransition

	// OpDiscard marks Dst as no longer referenced by later commands.
	OpDiscard
)

// String returns the op name.
func (o Op) String() string {
	switch o {
	case OpSetPipeline:
		return "set-pipeline"
	case OpUse:
		return "use"
	case OpWrite:
		return "write"
	case OpCopy:
		return "copy"
	case OpTransition:
		return "transition"
	case OpDiscard:
		return "discard"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Command is one entry of a command stream. Only the fields relevant to Op
// are set.
type Command struct {
	Op Op

	// Pipeline is set for OpSetPipeline.
	Pipeline Shader
	Name     string

	// Dst is the target of every op except OpSetPipeline.
	Dst Resource
	// Src is the source of OpCopy.
	Src Resource

	Offset    uint64
	DstOffset uint64
	Size      uint64
	Data      []byte

	// Texture usages of OpTransition.
	From gputypes.TextureUsage
	To   gputypes.TextureUsage
}

// Validate checks that the payload matches the tag.
func (c *Command) Validate() error {
	switch c.Op {
	case OpSetPipeline:
		if c.Pipeline == nil {
			return fmt.Errorf("%w: %s without pipeline", ErrInvalidDescriptor, c.Op)
		}
	case OpUse, OpDiscard:
		if c.Dst == nil {
			return fmt.Errorf("%w: %s without resource", ErrInvalidDescriptor, c.Op)
		}
	case OpWrite:
		if c.Dst == nil {
			return fmt.Errorf("%w: write without destination", ErrInvalidDescriptor)
		}
		if c.Dst.Kind().IsTexture() {
			if c.Offset != 0 {
				return fmt.Errorf("%w: texture write at offset %d", ErrInvalidDescriptor, c.Offset)
			}
		} else if c.Offset+uint64(len(c.Data)) > c.Dst.Size() {
			return fmt.Errorf("%w: write of %d bytes at %d exceeds %q (%d bytes)",
				ErrInvalidDescriptor, len(c.Data), c.Offset, c.Dst.Label(), c.Dst.Size())
		}
	case OpCopy:
		if c.Src == nil || c.Dst == nil {
			return fmt.Errorf("%w: copy without source or destination", ErrInvalidDescriptor)
		}
		if c.Src.Kind().IsTexture() || c.Dst.Kind().IsTexture() {
			return fmt.Errorf("%w: copy between non-buffer resources", ErrInvalidDescriptor)
		}
		if c.Offset+c.Size > c.Src.Size() || c.DstOffset+c.Size > c.Dst.Size() {
			return fmt.Errorf("%w: copy range out of bounds", ErrInvalidDescriptor)
		}
	case OpTransition:
		if c.Dst == nil || !c.Dst.Kind().IsTexture() {
			return fmt.Errorf("%w: transition of a non-texture resource", ErrInvalidDescriptor)
		}
	default:
		return fmt.Errorf("%w: unknown %s", ErrInvalidDescriptor, c.Op)
	}
	return nil
}
