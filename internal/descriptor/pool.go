// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package descriptor implements a growable free-list allocator of
// GPU-visible descriptor slots.
package descriptor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/framesched/device"
	"github.com/gogpu/framesched/internal/fault"
)

// Pool errors.
var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("descriptor: pool closed")
)

// DefaultBlockSize is the number of slots in one heap block.
const DefaultBlockSize = 128

// Handle identifies one allocated descriptor slot. Its value is the slot
// address inside the owning heap. The zero Handle is never issued.
type Handle uint64

// Stats describes pool occupancy.
type Stats struct {
	// Blocks is the number of heap blocks created so far.
	Blocks int

	// Capacity is the total number of slots across all blocks.
	Capacity int

	// Live is the number of slots currently allocated.
	Live int
}

// String returns a human-readable string of pool stats.
func (s Stats) String() string {
	return fmt.Sprintf("Descriptors[%d/%d live, %d blocks]", s.Live, s.Capacity, s.Blocks)
}

// block is one fixed-size heap with a LIFO free-list of slot indices.
type block struct {
	heap device.DescriptorHeap
	free []int
}

// Config holds configuration for creating a Pool.
type Config struct {
	// Label prefixes the debug labels of created heaps.
	Label string

	// BlockSize is the capacity of each heap block.
	// Defaults to DefaultBlockSize if <= 0.
	BlockSize int

	// Logger receives growth diagnostics. Required.
	Logger *slog.Logger

	// Faults receives contract violations. Required.
	Faults *fault.Supervisor
}

// Pool is an append-only sequence of fixed-size descriptor heaps. Allocation
// draws from the first block with a free slot and creates a new block only
// when every existing block is full. Blocks are never released before Close.
//
// Pool is safe for concurrent use. One mutex serializes allocation, release
// and growth.
type Pool struct {
	mu sync.Mutex

	dev       device.Device
	label     string
	blockSize int
	log       *slog.Logger
	faults    *fault.Supervisor

	blocks []*block

	// handles maps every live handle to the index of its block.
	handles map[Handle]int

	closed bool
}

// NewPool creates an empty pool. The first block is created by the first
// Allocate.
func NewPool(dev device.Device, cfg Config) *Pool {
	size := cfg.BlockSize
	if size <= 0 {
		size = DefaultBlockSize
	}
	label := cfg.Label
	if label == "" {
		label = "descriptors"
	}
	return &Pool{
		dev:       dev,
		label:     label,
		blockSize: size,
		log:       cfg.Logger,
		faults:    cfg.Faults,
		handles:   make(map[Handle]int),
	}
}

// Allocate returns a free slot handle, growing the pool by one block when
// all existing blocks are full.
func (p *Pool) Allocate() (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPoolClosed
	}

	for i, b := range p.blocks {
		if len(b.free) > 0 {
			return p.takeLocked(i), nil
		}
	}

	if err := p.growLocked(); err != nil {
		return 0, err
	}
	return p.takeLocked(len(p.blocks) - 1), nil
}

// growLocked creates a new block. It goes through the device, which
// serializes heap creation behind its own lock.
func (p *Pool) growLocked() error {
	label := fmt.Sprintf("%s-%d", p.label, len(p.blocks))
	heap, err := p.dev.CreateDescriptorHeap(label, p.blockSize)
	if err != nil {
		return fmt.Errorf("descriptor: grow pool: %w", err)
	}

	b := &block{heap: heap, free: make([]int, heap.Capacity())}
	// Reverse order so slot 0 is handed out first.
	for i := range b.free {
		b.free[i] = len(b.free) - 1 - i
	}
	p.blocks = append(p.blocks, b)

	p.log.Debug("descriptor: pool grown",
		"pool", p.label,
		"blocks", len(p.blocks),
		"capacity", p.capacityLocked())
	return nil
}

func (p *Pool) takeLocked(idx int) Handle {
	b := p.blocks[idx]
	n := len(b.free) - 1
	slot := b.free[n]
	b.free = b.free[:n]

	h := Handle(b.heap.Base() + uint64(slot)*b.heap.Stride())
	p.handles[h] = idx
	return h
}

// Release returns h to the free-list of its block. Releasing a handle that
// is not live is a contract violation: it is reported to the fault
// supervisor and returned.
func (p *Pool) Release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	idx, ok := p.handles[h]
	if !ok {
		err := fault.Contractf("descriptor: release of unknown handle %#x in pool %s", uint64(h), p.label)
		p.faults.Report(err)
		return err
	}
	delete(p.handles, h)

	b := p.blocks[idx]
	slot := int((uint64(h) - b.heap.Base()) / b.heap.Stride())
	b.free = append(b.free, slot)
	return nil
}

// Block returns the index of the block that produced h.
func (p *Pool) Block(h Handle) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.handles[h]
	return idx, ok
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Blocks:   len(p.blocks),
		Capacity: p.capacityLocked(),
		Live:     len(p.handles),
	}
}

func (p *Pool) capacityLocked() int {
	total := 0
	for _, b := range p.blocks {
		total += b.heap.Capacity()
	}
	return total
}

// Close destroys every heap. Outstanding handles become invalid.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, b := range p.blocks {
		p.dev.DestroyDescriptorHeap(b.heap)
	}
	p.blocks = nil
	p.handles = nil
}
