// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package framesched schedules CPU and GPU work across pipelined frames.
//
// # Overview
//
// A Scheduler runs work items on a fixed pool of workers. Generic items
// are plain functions. GPU and copy items record commands into a
// [Recorder]; the finished command lists of a frame are collected and
// submitted together, sorted by priority, when the application calls
// [Scheduler.PresentFrame].
//
// Up to N frames are in flight at once (2 by default). Before the command
// allocators of a frame slot are reused, PresentFrame waits for the fence
// value of that slot's previous submission.
//
// # Quick Start
//
//	dev, err := device.OpenNoop()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Destroy()
//
//	s, err := framesched.New(dev)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	buf, _ := s.CreateResource(framesched.KindBuffer,
//	    device.ResourceDesc{Label: "vertices", Size: 1024}, vertices)
//
//	s.SubmitGPU(func(r *framesched.Recorder) error {
//	    return r.Use(buf)
//	}, "fill")
//
//	stats, err := s.PresentFrame()
//
// # Resource Lifetime
//
// Resources live in a generation-checked table. DestroyResource does not
// free anything immediately: it records a discard command on the GPU
// worker and releases the device object only after the fence confirmed
// that the discard executed. Until then, command builders still resolve
// the resource.
//
// # Faults
//
// Build failures caused by missing resources discard the item with a
// warning. Every other error or panic in a work item is a fault, delivered
// on [Scheduler.Faults]. Device loss is fatal: once reported, PresentFrame
// and all submissions fail with [ErrDeviceLost].
package framesched
