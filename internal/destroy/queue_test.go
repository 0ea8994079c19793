// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package destroy

import (
	"slices"
	"sync"
	"testing"

	"github.com/gogpu/framesched/device"
	"github.com/gogpu/framesched/internal/resource"
)

func req(kind device.Kind, id uint64) Request {
	return Request{Kind: kind, ID: resource.ID(id)}
}

func TestQueueReclaimOnlyAfterCompletion(t *testing.T) {
	q := NewQueue()
	a := req(device.KindBuffer, 1)
	q.Push(a)

	if got := q.Reclaim(100); len(got) != 0 {
		t.Fatalf("Reclaim before discard = %v, want none", got)
	}
	if !q.Discarded(a, 5) {
		t.Fatal("Discarded reported request missing")
	}
	if got := q.Reclaim(4); len(got) != 0 {
		t.Fatalf("Reclaim(4) = %v, want none", got)
	}
	got := q.Reclaim(5)
	if !slices.Equal(got, []Request{a}) {
		t.Fatalf("Reclaim(5) = %v, want [%v]", got, a)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
	if q.Stats().Reclaimed != 1 {
		t.Errorf("Reclaimed = %d, want 1", q.Stats().Reclaimed)
	}
}

func TestQueueFIFOPerKind(t *testing.T) {
	q := NewQueue()
	b1 := req(device.KindBuffer, 1)
	b2 := req(device.KindBuffer, 2)
	t1 := req(device.KindTexture, 3)
	for _, r := range []Request{b1, b2, t1} {
		q.Push(r)
	}

	// b2 and t1 are discarded, b1 is not: b1 holds b2 back but not t1.
	q.Discarded(b2, 1)
	q.Discarded(t1, 1)

	got := q.Reclaim(1)
	if !slices.Equal(got, []Request{t1}) {
		t.Fatalf("Reclaim = %v, want [%v]", got, t1)
	}
	if u := q.Undiscarded(); !slices.Equal(u, []Request{b1}) {
		t.Errorf("Undiscarded() = %v, want [%v]", u, b1)
	}

	q.Discarded(b1, 2)
	got = q.Reclaim(2)
	if !slices.Equal(got, []Request{b1, b2}) {
		t.Fatalf("Reclaim = %v, want [%v %v]", got, b1, b2)
	}
}

func TestQueueDiscardedUnknown(t *testing.T) {
	q := NewQueue()
	if q.Discarded(req(device.KindBuffer, 9), 1) {
		t.Error("Discarded reported an unknown request as queued")
	}
}

func TestQueueStats(t *testing.T) {
	q := NewQueue()
	q.Push(req(device.KindBuffer, 1))
	q.Push(req(device.KindConstantBuffer, 2))
	q.Discarded(req(device.KindBuffer, 1), 3)

	s := q.Stats()
	if s.Waiting != 1 || s.InFlight != 1 {
		t.Errorf("Stats() = %+v, want 1 waiting and 1 in flight", s)
	}
}

func TestQueueConcurrentPush(t *testing.T) {
	q := NewQueue()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r := req(device.Kind(g), uint64(g*1000+i))
				q.Push(r)
				q.Discarded(r, uint64(i))
			}
		}(g)
	}
	wg.Wait()

	got := q.Reclaim(1000)
	if len(got) != 400 {
		t.Fatalf("Reclaim returned %d requests, want 400", len(got))
	}
	for k := 0; k < 4; k++ {
		prev := -1
		for _, r := range got {
			if int(r.Kind) != k {
				continue
			}
			idx := int(r.ID) - k*1000
			if idx <= prev {
				t.Fatalf("kind %d reclaimed out of order: %d after %d", k, idx, prev)
			}
			prev = idx
		}
	}
}
