// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/framesched/internal/devicetest"
	"github.com/gogpu/framesched/internal/fault"
)

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * 2u;
}
`

func newTestRegistry(t *testing.T) (*Registry, *devicetest.Device, *fault.Supervisor) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := fault.NewSupervisor(log, 8)
	dev := devicetest.New()
	r := NewRegistry(dev, Config{Logger: log, Faults: sup})
	t.Cleanup(r.Close)
	return r, dev, sup
}

func waitTimeout(t *testing.T, r *Registry, name string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.Wait(ctx, name)
	return err
}

// =============================================================================
// Publish and wait
// =============================================================================

func TestRegistryPublishThenWait(t *testing.T) {
	r, dev, _ := newTestRegistry(t)
	shader, _ := dev.CreateShader("blit", []uint32{1})

	if err := r.Publish("blit", shader); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	got, err := r.Wait(context.Background(), "blit")
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got != shader {
		t.Error("Wait returned a different shader")
	}
	if s, ok := r.Lookup("blit"); !ok || s != shader {
		t.Error("Lookup did not find the published shader")
	}
}

func TestRegistryWaitBlocksUntilPublish(t *testing.T) {
	r, dev, _ := newTestRegistry(t)
	shader, _ := dev.CreateShader("late", []uint32{1})

	done := make(chan error, 1)
	go func() {
		done <- waitTimeout(t, r, "late")
	}()

	select {
	case err := <-done:
		t.Fatalf("Wait returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if !slices.Equal(r.Pending(), []string{"late"}) {
		t.Errorf("Pending() = %v, want [late]", r.Pending())
	}

	if err := r.Publish("late", shader); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if r.Stats().Waits == 0 {
		t.Error("blocking wait not counted")
	}
}

func TestRegistryPublishTwice(t *testing.T) {
	r, dev, sup := newTestRegistry(t)
	a, _ := dev.CreateShader("a", []uint32{1})
	b, _ := dev.CreateShader("b", []uint32{1})

	if err := r.Publish("dup", a); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	err := r.Publish("dup", b)
	if !fault.IsContract(err) {
		t.Fatalf("second Publish error = %v, want contract violation", err)
	}
	if !fault.IsContract(sup.Err()) {
		t.Errorf("supervisor fault = %v, want contract violation", sup.Err())
	}
	if dev.Shaders() != 1 {
		t.Errorf("Shaders() = %d, want 1 (rejected shader destroyed)", dev.Shaders())
	}
}

func TestRegistryWaitCancelled(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Wait(ctx, "never"); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait error = %v, want context.Canceled", err)
	}
}

func TestRegistryCloseReleasesWaiters(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dev := devicetest.New()
	r := NewRegistry(dev, Config{Logger: log, Faults: fault.NewSupervisor(log, 1)})

	done := make(chan error, 1)
	go func() {
		_, err := r.Wait(context.Background(), "orphan")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	r.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Wait error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}

	if err := r.Compile("late", doubleWGSL); !errors.Is(err, ErrClosed) {
		t.Errorf("Compile after Close error = %v, want ErrClosed", err)
	}
}

func TestRegistryPublishRacingClose(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	for i := 0; i < 50; i++ {
		dev := devicetest.New()
		r := NewRegistry(dev, Config{Logger: log, Faults: fault.NewSupervisor(log, 1)})
		shader, _ := dev.CreateShader("blit", []uint32{1})

		var wg sync.WaitGroup
		var err error
		wg.Add(2)
		go func() {
			defer wg.Done()
			err = r.Publish("blit", shader)
		}()
		go func() {
			defer wg.Done()
			r.Close()
		}()
		wg.Wait()

		switch {
		case errors.Is(err, ErrClosed):
			dev.DestroyShader(shader) // rejected: still ours
		case err != nil:
			t.Fatalf("Publish failed: %v", err)
		}
		if n := dev.Shaders(); n != 0 {
			t.Fatalf("round %d: %d shaders alive after Close", i, n)
		}
	}
}

func TestRegistryWarnsOnOrphanWait(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	log := slog.New(slog.NewTextHandler(&lockedWriter{mu: &mu, w: &buf}, nil))
	release := make(chan struct{})
	r := NewRegistry(devicetest.New(), Config{
		Logger: log,
		Faults: fault.NewSupervisor(log, 4),
		Loader: func(string) ([]byte, error) {
			<-release
			return []byte(doubleWGSL), nil
		},
	})
	t.Cleanup(r.Close)
	if err := r.CompileFile("slow", "slow.wgsl"); err != nil {
		t.Fatalf("CompileFile failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		for _, name := range []string{"typo", "slow"} {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			if _, err := r.Wait(ctx, name); !errors.Is(err, context.DeadlineExceeded) {
				t.Errorf("Wait(%s) error = %v, want deadline exceeded", name, err)
			}
			cancel()
		}
	}
	close(release)
	if err := waitTimeout(t, r, "slow"); err != nil {
		t.Fatalf("Wait(slow) failed: %v", err)
	}

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	if n := strings.Count(out, "name=typo"); n != 1 {
		t.Errorf("orphan warnings for typo = %d, want 1\n%s", n, out)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "name=slow") {
			t.Errorf("warned about a pipeline being compiled: %s", line)
		}
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// =============================================================================
// Compilation
// =============================================================================

func TestRegistryCompile(t *testing.T) {
	r, dev, _ := newTestRegistry(t)

	if err := r.Compile("double", doubleWGSL); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if err := waitTimeout(t, r, "double"); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if dev.Shaders() != 1 {
		t.Errorf("Shaders() = %d, want 1", dev.Shaders())
	}

	r.Close()
	if dev.Shaders() != 0 {
		t.Errorf("Shaders() after Close = %d, want 0", dev.Shaders())
	}
}

func TestRegistryCompileFailure(t *testing.T) {
	r, _, sup := newTestRegistry(t)

	if err := r.Compile("broken", "fn main( {"); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	err := waitTimeout(t, r, "broken")
	if !errors.Is(err, ErrCompile) {
		t.Fatalf("Wait error = %v, want ErrCompile", err)
	}
	if !errors.Is(sup.Err(), ErrCompile) {
		t.Errorf("supervisor fault = %v, want ErrCompile", sup.Err())
	}
	if r.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", r.Stats().Failed)
	}
}

func TestRegistryCompileFile(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	path := filepath.Join(t.TempDir(), "double.wgsl")
	if err := os.WriteFile(path, []byte(doubleWGSL), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := r.CompileFile("double", path); err != nil {
		t.Fatalf("CompileFile failed: %v", err)
	}
	if err := waitTimeout(t, r, "double"); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestRegistryCompileMissingFile(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	if err := r.CompileFile("missing", filepath.Join(t.TempDir(), "nope.wgsl")); err != nil {
		t.Fatalf("CompileFile failed: %v", err)
	}
	if err := waitTimeout(t, r, "missing"); err == nil {
		t.Fatal("Wait succeeded for a missing file")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content []byte
	}{
		{"text", []byte("@compute fn main() {}")},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, tt.content, 0o600); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			res := <-LoadAsync(LoadFile, path)
			if res.Err != nil {
				t.Fatalf("LoadFile failed: %v", res.Err)
			}
			if string(res.Data) != string(tt.content) {
				t.Errorf("LoadFile = %q, want %q", res.Data, tt.content)
			}
		})
	}
}
