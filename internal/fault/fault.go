// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package fault routes worker faults and contract violations to a
// supervisor instead of letting them terminate goroutines silently.
package fault

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrPanic marks faults produced from a recovered panic.
var ErrPanic = errors.New("fault: worker panicked")

// Contractf returns an assertion failure describing a broken caller contract,
// such as releasing a descriptor that was never allocated. The error carries
// the stack of the call site.
func Contractf(format string, args ...any) error {
	return errors.AssertionFailedf(format, args...)
}

// IsContract reports whether err is, or wraps, a contract violation.
func IsContract(err error) bool {
	return errors.IsAssertionFailure(err)
}

// Supervisor collects faults. It keeps the first one, logs every one, and
// forwards them to a bounded channel. When the channel is full the newest
// fault is dropped and counted.
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	log *slog.Logger

	mu     sync.Mutex
	ch     chan error
	first  error
	closed bool

	count   atomic.Uint64
	dropped atomic.Uint64
}

// NewSupervisor creates a supervisor with a channel buffer of size buffer.
func NewSupervisor(log *slog.Logger, buffer int) *Supervisor {
	if buffer < 1 {
		buffer = 1
	}
	return &Supervisor{
		log: log,
		ch:  make(chan error, buffer),
	}
}

// Report records err. A nil err is ignored.
func (s *Supervisor) Report(err error) {
	if err == nil {
		return
	}
	s.count.Add(1)
	s.log.Error("framesched: fault", "error", err, "contract", IsContract(err))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.first == nil {
		s.first = err
	}
	if s.closed {
		return
	}
	select {
	case s.ch <- err:
	default:
		s.dropped.Add(1)
	}
}

// Recover converts a panic in the calling goroutine into a fault. It must be
// deferred directly:
//
//	defer sup.Recover("gpu-0")
func (s *Supervisor) Recover(worker string) {
	if r := recover(); r != nil {
		s.Panicked(worker, r)
	}
}

// Panicked reports the value r recovered from a panic in worker.
func (s *Supervisor) Panicked(worker string, r any) {
	s.Report(errors.Wrapf(ErrPanic, "worker %s: %v", worker, r))
}

// Faults returns the supervisor channel. It is closed by Close.
func (s *Supervisor) Faults() <-chan error {
	return s.ch
}

// Err returns the first fault reported, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

// Count returns the number of faults reported.
func (s *Supervisor) Count() uint64 {
	return s.count.Load()
}

// Dropped returns the number of faults that did not fit in the channel.
func (s *Supervisor) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes the fault channel. Faults reported afterwards are still
// logged and counted.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
