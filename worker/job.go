// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import "context"

// Job is a run executing in its own goroutine.
type Job struct {
	UUID string

	done   chan struct{}
	result RunResult
	err    error
}

// Start runs request in a new goroutine.
func (w *Worker) Start(ctx context.Context, request RunRequest) *Job {
	job := &Job{UUID: request.UUID, done: make(chan struct{})}
	go func() {
		defer close(job.done)
		job.result, job.err = w.Run(ctx, request)
	}()
	return job
}

// Done is closed when the run has finished and released everything.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result waits for the run and returns its outcome.
func (j *Job) Result() (RunResult, error) {
	<-j.done
	return j.result, j.err
}
