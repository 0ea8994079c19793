// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Command framedemo drives the frame scheduler for a number of frames and
// prints per-frame statistics.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/gogpu/framesched"
	"github.com/gogpu/framesched/device"
)

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * 2u;
}
`

func main() {
	var (
		backend = flag.String("backend", "noop", "device backend: noop or vulkan")
		frames  = flag.Int("frames", 2, "frames in flight")
		workers = flag.Int("workers", 4, "worker goroutines")
		count   = flag.Int("count", 10, "frames to present")
		shader  = flag.String("shader", "", "WGSL file compiled as pipeline \"double\" (default: built-in)")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dev, err := openDevice(*backend, logger)
	if err != nil {
		log.Fatalf("Failed to open device: %v", err)
	}
	defer dev.Destroy()

	s, err := framesched.New(dev,
		framesched.WithFrames(*frames),
		framesched.WithWorkers(*workers),
		framesched.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	if err := run(s, *count, *shader); err != nil {
		_ = s.Close()
		log.Fatalf("Demo failed: %v", err)
	}
	if err := s.Close(); err != nil {
		log.Fatalf("Close failed: %v", err)
	}
}

func openDevice(backend string, logger *slog.Logger) (*device.HAL, error) {
	switch backend {
	case "noop":
		return device.OpenNoop()
	case "vulkan":
		dev, name, err := device.OpenVulkan()
		if err != nil {
			return nil, err
		}
		logger.Info("framedemo: adapter selected", "name", name)
		return dev, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func run(s *framesched.Scheduler, count int, shaderPath string) error {
	var err error
	if shaderPath != "" {
		err = s.CompilePipelineFile("double", shaderPath)
	} else {
		err = s.CompilePipeline("double", doubleWGSL)
	}
	if err != nil {
		return err
	}

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	src, err := s.CreateResource(framesched.KindBuffer, device.ResourceDesc{Label: "source", Size: 4096}, data)
	if err != nil {
		return err
	}
	dst, err := s.CreateResource(framesched.KindBuffer, device.ResourceDesc{Label: "target", Size: 4096}, nil)
	if err != nil {
		return err
	}
	if _, err := s.CreateTexture("checker", checker(256), 64); err != nil {
		return err
	}

	var jobs atomic.Int64
	for f := 0; f < count; f++ {
		scratch, err := s.NewHandle(framesched.KindConstantBuffer,
			device.ResourceDesc{Label: fmt.Sprintf("scratch-%d", f), Size: 256}, data[:256])
		if err != nil {
			return err
		}

		desc, err := s.AcquireDescriptor()
		if err != nil {
			return err
		}

		for i := 0; i < 8; i++ {
			if err := s.SubmitGeneric(func() error {
				jobs.Add(1)
				return nil
			}); err != nil {
				return err
			}
		}
		if err := s.SubmitCopyOpts(func(r *framesched.Recorder) error {
			return r.Copy(dst, src, 0, 0, 4096)
		}, framesched.TaskOptions{Label: "copy", Priority: 1}); err != nil {
			return err
		}
		if err := s.SubmitGPUOpts(func(r *framesched.Recorder) error {
			if err := r.Use(scratch.ID()); err != nil {
				return err
			}
			return r.Use(dst)
		}, "double", framesched.TaskOptions{Label: "compute", Priority: 2}); err != nil {
			return err
		}
		if err := scratch.Release(); err != nil {
			return err
		}

		stats, err := s.PresentFrame()
		if err != nil {
			return err
		}
		if err := s.ReleaseDescriptor(desc); err != nil {
			return err
		}
		fmt.Println(stats)
	}

	st := s.Stats()
	fmt.Printf("generic jobs: %d, resources: %s, descriptors: %s, faults: %d\n",
		jobs.Load(), st.Resources, st.Descriptors, st.Faults)
	return s.Err()
}

// checker returns a size x size checkerboard.
func checker(size int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.RGBA{R: 40, G: 40, B: 40, A: 255}
			if (x/16+y/16)%2 == 0 {
				c = color.RGBA{R: 220, G: 220, B: 220, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
