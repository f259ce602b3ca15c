// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resources

import (
	"errors"
	"slices"
	"sync"
	"testing"
)

func TestAcquireAssignsLowestFreeUnits(t *testing.T) {
	allocator := New(Capacity{CPUs: []int{3, 0, 1, 2}, GPUs: []int{0, 1}})

	assignment, err := allocator.Acquire(Request{CPUs: 2, GPUs: 1})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !slices.Equal(assignment.CPUs, []int{0, 1}) {
		t.Errorf("CPUs = %v, want [0 1]", assignment.CPUs)
	}
	if !slices.Equal(assignment.GPUs, []int{0}) {
		t.Errorf("GPUs = %v, want [0]", assignment.GPUs)
	}

	free := allocator.Free()
	if !slices.Equal(free.CPUs, []int{2, 3}) || !slices.Equal(free.GPUs, []int{1}) {
		t.Errorf("free = %+v", free)
	}
}

func TestAcquireIsAllOrNothing(t *testing.T) {
	allocator := New(Capacity{CPUs: []int{0, 1, 2, 3}, GPUs: []int{0, 1}})

	if _, err := allocator.Acquire(Request{CPUs: 2, GPUs: 1}); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	before := allocator.Free()

	_, err := allocator.Acquire(Request{CPUs: 2, GPUs: 2})
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("second Acquire error = %v, want ErrResourceUnavailable", err)
	}
	unavailable, ok := IsUnavailable(err)
	if !ok || unavailable.Resource != "gpu" || unavailable.Requested != 2 || unavailable.Free != 1 {
		t.Errorf("unavailable = %+v", unavailable)
	}

	after := allocator.Free()
	if !slices.Equal(before.CPUs, after.CPUs) || !slices.Equal(before.GPUs, after.GPUs) {
		t.Errorf("failed Acquire changed the free set: before %+v, after %+v", before, after)
	}
	if allocator.Live() != 1 {
		t.Errorf("Live() = %d, want 1", allocator.Live())
	}
}

func TestAcquireMemoryAccounting(t *testing.T) {
	allocator := New(Capacity{CPUs: []int{0, 1}, MemoryBytes: 4 << 30})

	first, err := allocator.Acquire(Request{CPUs: 1, MemoryBytes: 3 << 30})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_, err = allocator.Acquire(Request{CPUs: 1, MemoryBytes: 2 << 30})
	if unavailable, ok := IsUnavailable(err); !ok || unavailable.Resource != "memory" {
		t.Fatalf("Acquire error = %v, want memory shortage", err)
	}

	if err := allocator.Release(first); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := allocator.Acquire(Request{CPUs: 1, MemoryBytes: 2 << 30}); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestAcquireUnaccountedMemory(t *testing.T) {
	allocator := New(Capacity{CPUs: []int{0}})
	assignment, err := allocator.Acquire(Request{CPUs: 1, MemoryBytes: 1 << 40, SharedMemoryGB: 2})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if assignment.MemoryBytes != 1<<40 || assignment.SharedMemoryGB != 2 {
		t.Errorf("assignment = %+v", assignment)
	}
}

func TestReleaseRestoresCapacity(t *testing.T) {
	capacity := Capacity{CPUs: []int{0, 1, 2, 3}, GPUs: []int{0, 1}}
	allocator := New(capacity)

	a, _ := allocator.Acquire(Request{CPUs: 1, GPUs: 1})
	b, _ := allocator.Acquire(Request{CPUs: 2})
	for _, assignment := range []Assignment{b, a} {
		if err := allocator.Release(assignment); err != nil {
			t.Fatalf("Release(%d): %v", assignment.ID, err)
		}
	}

	free := allocator.Free()
	if !slices.Equal(free.CPUs, capacity.CPUs) || !slices.Equal(free.GPUs, capacity.GPUs) {
		t.Errorf("free after releasing everything = %+v, want %+v", free, capacity)
	}
}

func TestReleaseTwiceFails(t *testing.T) {
	allocator := New(Capacity{CPUs: []int{0, 1}})
	assignment, _ := allocator.Acquire(Request{CPUs: 1})
	if err := allocator.Release(assignment); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := allocator.Release(assignment); err == nil {
		t.Fatal("second Release succeeded")
	}
	if free := allocator.Free(); !slices.Equal(free.CPUs, []int{0, 1}) {
		t.Errorf("double release corrupted free set: %v", free.CPUs)
	}
}

func TestAcquireRejectsNegativeRequest(t *testing.T) {
	allocator := New(Capacity{CPUs: []int{0}})
	if _, err := allocator.Acquire(Request{CPUs: -1}); err == nil || errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("Acquire(-1) error = %v, want validation error", err)
	}
}

// TestConcurrentAcquireDisjoint hammers the allocator from many
// goroutines and checks that no unit is ever held twice.
func TestConcurrentAcquireDisjoint(t *testing.T) {
	cpus := make([]int, 16)
	for i := range cpus {
		cpus[i] = i
	}
	allocator := New(Capacity{CPUs: cpus, GPUs: []int{0, 1, 2, 3}})

	var (
		mu     sync.Mutex
		held   = map[int]bool{}
		failed bool
		wg     sync.WaitGroup
	)
	for worker := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				assignment, err := allocator.Acquire(Request{CPUs: 1 + worker%3, GPUs: worker % 2})
				if err != nil {
					continue
				}
				mu.Lock()
				for _, cpu := range assignment.CPUs {
					if held[cpu] {
						failed = true
					}
					held[cpu] = true
				}
				mu.Unlock()

				mu.Lock()
				for _, cpu := range assignment.CPUs {
					delete(held, cpu)
				}
				mu.Unlock()
				if err := allocator.Release(assignment); err != nil {
					t.Errorf("Release: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if failed {
		t.Fatal("a CPU was assigned to two live assignments")
	}
	if allocator.Live() != 0 || len(allocator.Free().CPUs) != 16 || len(allocator.Free().GPUs) != 4 {
		t.Errorf("allocator did not return to full capacity: %+v live=%d", allocator.Free(), allocator.Live())
	}
}
