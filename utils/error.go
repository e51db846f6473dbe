package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// ErrQueueSaturated is returned when backpressure rejects a low-priority
// enqueue. The work is dropped, not deferred.
var ErrQueueSaturated = errors.New("job queue saturated")

var ErrJobTimeout = errors.New("detection job timed out")

// ErrDatasetUnavailable wraps upstream fetch failures; it fails the owning
// job and schedules a retry.
var ErrDatasetUnavailable = errors.New("dataset unavailable")

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
