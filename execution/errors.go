// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package execution

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnreachable reports a transient failure talking to the
	// backend's control plane. The monitor retries on it; it never
	// means the unit finished.
	ErrBackendUnreachable = errors.New("execution backend unreachable")

	// ErrContainerCreateFailed reports that the backend rejected the
	// launch. Returned as a *CreateError.
	ErrContainerCreateFailed = errors.New("container create failed")

	// ErrNotFound reports that the backend has no unit for a handle.
	ErrNotFound = errors.New("execution unit not found")

	// ErrUnsupported reports an operation a backend does not
	// implement, such as resource statistics on Kubernetes.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// CreateError is returned by Runtime.Start when the backend refuses to
// create or start the execution unit. Message is human readable and is
// what the run's terminal failure message carries.
type CreateError struct {
	Backend string
	Name    string
	Message string
	Err     error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("%s: creating %s: %s", e.Backend, e.Name, e.Message)
}

func (e *CreateError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrContainerCreateFailed) hold for every
// CreateError.
func (e *CreateError) Is(target error) bool {
	return target == ErrContainerCreateFailed
}

// IsCreateError reports whether err is (or wraps) a CreateError and
// returns it.
func IsCreateError(err error) (*CreateError, bool) {
	var createErr *CreateError
	if errors.As(err, &createErr) {
		return createErr, true
	}
	return nil, false
}

// Unreachable wraps err so that errors.Is(result,
// ErrBackendUnreachable) holds while the original cause stays
// inspectable.
func Unreachable(operation string, err error) error {
	return fmt.Errorf("%s: %w: %w", operation, ErrBackendUnreachable, err)
}
