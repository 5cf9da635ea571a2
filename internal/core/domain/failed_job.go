package domain

import (
	"fmt"
	"time"
)

// FailedJob is the durable retry ledger entry for a job that threw.
// Created on first failure, updated on each subsequent one, deleted on success.
// Once retry count reaches the configured ceiling the row stays in a terminal
// error state for manual reprocessing.
type FailedJob struct {
	ID          int64
	JobID       string // deterministic fingerprint, unique per target
	JobType     JobType
	Payload     []byte // serialized job, re-enqueued verbatim
	Error       string
	Status      WorkerStatus
	RetryCount  int
	FailedAt    time.Time
	LastRetryAt *time.Time
	NextRetryAt *time.Time
	WorkerID    string
}

// BlockJobID is the ledger fingerprint for a block job.
func BlockJobID(number uint64) string {
	return fmt.Sprintf("%s:%d", JobProcessBlock, number)
}

// LogJobID is the ledger fingerprint for a log-range job.
func LogJobID(from, to uint64) string {
	return fmt.Sprintf("%s:%d-%d", JobProcessLog, from, to)
}
