// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resources

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrResourceUnavailable reports that a request could not be satisfied
// from the current free set. It is not retried by the allocator.
var ErrResourceUnavailable = errors.New("resource unavailable")

// UnavailableError describes which resource fell short.
type UnavailableError struct {
	// Resource is "cpu", "gpu", or "memory".
	Resource  string
	Requested int64
	Free      int64
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: requested %d %s, %d free",
		ErrResourceUnavailable, e.Requested, e.Resource, e.Free)
}

// Is makes errors.Is(err, ErrResourceUnavailable) match.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrResourceUnavailable
}

// IsUnavailable returns the *UnavailableError in err's chain, if any.
func IsUnavailable(err error) (*UnavailableError, bool) {
	var unavailable *UnavailableError
	ok := errors.As(err, &unavailable)
	return unavailable, ok
}

// Capacity is a set of units. MemoryBytes of zero means memory is not
// accounted.
type Capacity struct {
	CPUs        []int
	GPUs        []int
	MemoryBytes int64
}

// Request asks for a number of units.
type Request struct {
	CPUs        int
	GPUs        int
	MemoryBytes int64

	// SharedMemoryGB sizes /dev/shm. It is carried into the assignment
	// but not accounted against capacity.
	SharedMemoryGB int
}

// Assignment is the exclusive grant returned by Acquire. CPUs and GPUs
// are sorted ascending.
type Assignment struct {
	ID             uint64
	CPUs           []int
	GPUs           []int
	MemoryBytes    int64
	SharedMemoryGB int
}

// Allocator is safe for concurrent use.
type Allocator struct {
	mu          sync.Mutex
	totalMemory int64
	freeCPUs    []int
	freeGPUs    []int
	freeMemory  int64
	live        map[uint64]Assignment
	nextID      uint64
}

// New returns an allocator whose free set is the whole capacity.
// Duplicate unit indices in capacity are collapsed.
func New(capacity Capacity) *Allocator {
	return &Allocator{
		totalMemory: capacity.MemoryBytes,
		freeCPUs:    normalize(capacity.CPUs),
		freeGPUs:    normalize(capacity.GPUs),
		freeMemory:  capacity.MemoryBytes,
		live:        make(map[uint64]Assignment),
	}
}

func normalize(units []int) []int {
	sorted := slices.Clone(units)
	slices.Sort(sorted)
	return slices.Compact(sorted)
}

// Acquire assigns the lowest-numbered free units that satisfy request.
// On shortage the free set is unchanged and the error wraps
// ErrResourceUnavailable.
func (a *Allocator) Acquire(request Request) (Assignment, error) {
	if request.CPUs < 0 || request.GPUs < 0 || request.MemoryBytes < 0 || request.SharedMemoryGB < 0 {
		return Assignment{}, fmt.Errorf("invalid resource request %+v", request)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if request.CPUs > len(a.freeCPUs) {
		return Assignment{}, &UnavailableError{Resource: "cpu", Requested: int64(request.CPUs), Free: int64(len(a.freeCPUs))}
	}
	if request.GPUs > len(a.freeGPUs) {
		return Assignment{}, &UnavailableError{Resource: "gpu", Requested: int64(request.GPUs), Free: int64(len(a.freeGPUs))}
	}
	if a.totalMemory > 0 && request.MemoryBytes > a.freeMemory {
		return Assignment{}, &UnavailableError{Resource: "memory", Requested: request.MemoryBytes, Free: a.freeMemory}
	}

	a.nextID++
	assignment := Assignment{
		ID:             a.nextID,
		CPUs:           slices.Clone(a.freeCPUs[:request.CPUs]),
		GPUs:           slices.Clone(a.freeGPUs[:request.GPUs]),
		MemoryBytes:    request.MemoryBytes,
		SharedMemoryGB: request.SharedMemoryGB,
	}
	a.freeCPUs = slices.Delete(a.freeCPUs, 0, request.CPUs)
	a.freeGPUs = slices.Delete(a.freeGPUs, 0, request.GPUs)
	if a.totalMemory > 0 {
		a.freeMemory -= request.MemoryBytes
	}
	a.live[assignment.ID] = assignment
	return assignment, nil
}

// Release returns an assignment's units to the free set. Releasing an
// assignment that is not live (never acquired, or already released) is
// an error and changes nothing.
func (a *Allocator) Release(assignment Assignment) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	held, ok := a.live[assignment.ID]
	if !ok {
		return fmt.Errorf("releasing assignment %d: not live", assignment.ID)
	}
	delete(a.live, assignment.ID)

	a.freeCPUs = normalize(append(a.freeCPUs, held.CPUs...))
	a.freeGPUs = normalize(append(a.freeGPUs, held.GPUs...))
	if a.totalMemory > 0 {
		a.freeMemory += held.MemoryBytes
	}
	return nil
}

// Free returns a snapshot of the unassigned units.
func (a *Allocator) Free() Capacity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Capacity{
		CPUs:        slices.Clone(a.freeCPUs),
		GPUs:        slices.Clone(a.freeGPUs),
		MemoryBytes: a.freeMemory,
	}
}

// Live returns the number of outstanding assignments.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
