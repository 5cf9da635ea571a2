package domain

import "fmt"

// WorkerStatus tracks where a row sits in the processing lifecycle.
// The set is closed: anything outside it is rejected at the storage boundary.
type WorkerStatus string

const (
	StatusProcessing WorkerStatus = "processing"
	StatusDone       WorkerStatus = "done"
	StatusError      WorkerStatus = "error"
	StatusRetrying   WorkerStatus = "retrying"
)

// Valid reports whether s is one of the enumerated worker statuses.
func (s WorkerStatus) Valid() bool {
	switch s {
	case StatusProcessing, StatusDone, StatusError, StatusRetrying:
		return true
	}
	return false
}

// ParseWorkerStatus validates a raw status string read from storage or a job payload.
func ParseWorkerStatus(raw string) (WorkerStatus, error) {
	s := WorkerStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown worker status %q", raw)
	}
	return s, nil
}

// JobType identifies what a queued job descriptor asks a worker to do.
type JobType string

const (
	JobProcessBlock JobType = "process_block"
	JobProcessLog   JobType = "process_log"
)

// Valid reports whether t is one of the enumerated job types.
func (t JobType) Valid() bool {
	return t == JobProcessBlock || t == JobProcessLog
}

// ParseJobType validates a raw job type string.
func ParseJobType(raw string) (JobType, error) {
	t := JobType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("unknown job type %q", raw)
	}
	return t, nil
}
