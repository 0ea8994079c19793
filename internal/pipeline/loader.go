// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"fmt"

	"golang.org/x/exp/mmap"
)

// Loader reads the contents of a shader file.
type Loader func(path string) ([]byte, error)

// LoadFile reads path through a read-only memory mapping.
func LoadFile(path string) ([]byte, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	buf := make([]byte, r.Len())
	if _, err := r.ReadAt(buf, 0); err != nil && len(buf) > 0 {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return buf, nil
}

// LoadAsync runs loader on its own goroutine and delivers the result on the
// returned channel.
func LoadAsync(loader Loader, path string) <-chan LoadResult {
	ch := make(chan LoadResult, 1)
	go func() {
		data, err := loader(path)
		ch <- LoadResult{Path: path, Data: data, Err: err}
	}()
	return ch
}

// LoadResult is the outcome of LoadAsync.
type LoadResult struct {
	Path string
	Data []byte
	Err  error
}
