// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package pipeline tracks named pipeline objects that may still be
// compiling. Consumers block on a one-shot notification per name until the
// object is published.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gogpu/naga"

	"github.com/gogpu/framesched/device"
	"github.com/gogpu/framesched/internal/fault"
)

// Registry errors.
var (
	// ErrClosed is returned when the registry was closed before the
	// pipeline became ready.
	ErrClosed = errors.New("pipeline: registry closed")

	// ErrCompile wraps shader compilation failures.
	ErrCompile = errors.New("pipeline: compile failed")
)

// CompileWGSL compiles WGSL source to SPIR-V words.
func CompileWGSL(source string) ([]uint32, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	if len(spirv)%4 != 0 {
		return nil, fmt.Errorf("%w: SPIR-V length %d is not a multiple of 4", ErrCompile, len(spirv))
	}

	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirv[i*4:])
	}
	return words, nil
}

// entry is the readiness state of one name. ready is closed exactly once,
// by publish or Close.
type entry struct {
	ready     chan struct{}
	published bool
	shader    device.Shader
	err       error

	compiling int  // running compilations publishing this name
	warned    bool // an orphan wait was logged
}

func newEntry() *entry {
	return &entry{ready: make(chan struct{})}
}

// Stats contains registry statistics.
type Stats struct {
	Ready   int
	Failed  int
	Pending int
	Waits   uint64
}

// Registry maps names to pipeline objects.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	dev    device.Device
	log    *slog.Logger
	faults *fault.Supervisor
	loader Loader

	entries map[string]*entry
	closed  bool

	// compiles tracks asynchronous compilations.
	compiles sync.WaitGroup

	waits atomic.Uint64
}

// Config holds configuration for creating a Registry.
type Config struct {
	Logger *slog.Logger
	Faults *fault.Supervisor

	// Loader reads shader files for CompileFile.
	// Defaults to LoadFile if nil.
	Loader Loader
}

// NewRegistry creates an empty registry creating shader objects on dev.
func NewRegistry(dev device.Device, cfg Config) *Registry {
	loader := cfg.Loader
	if loader == nil {
		loader = LoadFile
	}
	return &Registry{
		dev:     dev,
		log:     cfg.Logger,
		faults:  cfg.Faults,
		loader:  loader,
		entries: make(map[string]*entry),
	}
}

// Lookup returns the pipeline if it is ready.
func (r *Registry) Lookup(name string) (device.Shader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || !e.published || e.err != nil {
		return nil, false
	}
	return e.shader, true
}

// Wait blocks until name is published and returns it. There is no timeout:
// compilation is expected to finish. ctx is only cancelled at teardown.
func (r *Registry) Wait(ctx context.Context, name string) (device.Shader, error) {
	// Fast path: read lock
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		// Slow path: write lock with double-check
		r.mu.Lock()
		e, ok = r.entries[name]
		if !ok {
			if r.closed {
				r.mu.Unlock()
				return nil, ErrClosed
			}
			e = newEntry()
			r.entries[name] = e
		}
		r.mu.Unlock()
	}

	select {
	case <-e.ready:
	default:
		r.waits.Add(1)
		r.warnOrphan(name, e)
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, fmt.Errorf("pipeline: wait for %q: %w", name, ctx.Err())
		}
	}

	// Fields are immutable once ready is closed.
	if e.err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", name, e.err)
	}
	return e.shader, nil
}

// warnOrphan logs once per name when a wait starts on a pipeline that is
// neither published nor being compiled. Such a wait only ends when a later
// Compile or Publish supplies the name.
func (r *Registry) warnOrphan(name string, e *entry) {
	r.mu.Lock()
	orphan := !e.published && e.compiling == 0 && !e.warned
	if orphan {
		e.warned = true
	}
	r.mu.Unlock()

	if orphan {
		r.log.Warn("pipeline: waiting for a pipeline no compilation provides", "name", name)
	}
}

// Publish makes a precompiled pipeline available under name. Publishing a
// name twice is a contract violation. After Close, Publish returns
// ErrClosed and the caller keeps the shader.
func (r *Registry) Publish(name string, shader device.Shader) error {
	return r.publish(name, shader, nil, false)
}

// publish stores the outcome for name. Compilations started before Close
// still publish; Close destroys their shaders once they finished.
func (r *Registry) publish(name string, shader device.Shader, err error, compiled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed && !compiled {
		return ErrClosed
	}
	e, ok := r.entries[name]
	if !ok {
		e = newEntry()
		r.entries[name] = e
	}
	if compiled {
		e.compiling--
	}
	if e.published {
		perr := fault.Contractf("pipeline: %q published twice", name)
		r.faults.Report(perr)
		if shader != nil {
			r.dev.DestroyShader(shader)
		}
		return perr
	}
	e.published = true
	e.shader = shader
	e.err = err
	close(e.ready)

	if err != nil {
		r.faults.Report(fmt.Errorf("pipeline %q: %w", name, err))
		return err
	}
	r.log.Debug("pipeline: ready", "name", name)
	return nil
}

// Compile compiles WGSL source and publishes the result under name. It
// returns immediately; failures are published to waiters and reported as
// faults.
func (r *Registry) Compile(name, source string) error {
	return r.async(name, func() ([]uint32, error) {
		return CompileWGSL(source)
	})
}

// CompileFile loads a WGSL file through the loader and compiles it like
// Compile.
func (r *Registry) CompileFile(name, path string) error {
	loaded := LoadAsync(r.loader, path)
	return r.async(name, func() ([]uint32, error) {
		res := <-loaded
		if res.Err != nil {
			return nil, fmt.Errorf("pipeline: load %s: %w", res.Path, res.Err)
		}
		return CompileWGSL(string(res.Data))
	})
}

func (r *Registry) async(name string, build func() ([]uint32, error)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e, ok := r.entries[name]
	if !ok {
		e = newEntry()
		r.entries[name] = e
	}
	e.compiling++
	r.compiles.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.compiles.Done()
		spirv, err := build()
		var shader device.Shader
		if err == nil {
			shader, err = r.dev.CreateShader(name, spirv)
		}
		_ = r.publish(name, shader, err, true)
	}()
	return nil
}

// Pending returns the names that are waited for or compiling but not yet
// published, sorted.
func (r *Registry) Pending() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, e := range r.entries {
		if !e.published {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Stats returns current registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Waits: r.waits.Load()}
	for _, e := range r.entries {
		switch {
		case !e.published:
			s.Pending++
		case e.err != nil:
			s.Failed++
		default:
			s.Ready++
		}
	}
	return s
}

// Close waits for running compilations, fails every pending name with
// ErrClosed and destroys the published shader objects.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.compiles.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if !e.published {
			e.published = true
			e.err = ErrClosed
			close(e.ready)
			continue
		}
		if e.shader != nil {
			r.dev.DestroyShader(e.shader)
		}
	}
}
