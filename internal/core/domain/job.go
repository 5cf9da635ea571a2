package domain

import (
	"encoding/json"
	"fmt"
)

// BlockJob asks a reconciler to process one block number. The number alone is
// authoritative: the worker re-derives everything else from current chain state,
// which keeps redelivery and reordering safe.
type BlockJob struct {
	Type        JobType `json:"job_type"`
	BlockNumber uint64  `json:"block_number"`
	// BlockHash is advisory (the hash seen at enqueue time); reconciliation
	// always trusts the node's current view instead.
	BlockHash  string `json:"block_hash,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// LogJob asks a log processor to process all matching logs in a block range.
type LogJob struct {
	Type       JobType  `json:"job_type"`
	FromBlock  uint64   `json:"from_block"`
	ToBlock    uint64   `json:"to_block"`
	Topics     []string `json:"topics,omitempty"`
	RetryCount int      `json:"retry_count,omitempty"`
}

// EncodeBlockJob serializes a block job for the queue.
func EncodeBlockJob(j BlockJob) ([]byte, error) {
	j.Type = JobProcessBlock
	return json.Marshal(j)
}

// DecodeBlockJob deserializes and validates a block job payload.
func DecodeBlockJob(payload []byte) (BlockJob, error) {
	var j BlockJob
	if err := json.Unmarshal(payload, &j); err != nil {
		return BlockJob{}, fmt.Errorf("malformed block job: %w", err)
	}
	if j.Type != JobProcessBlock {
		return BlockJob{}, fmt.Errorf("unexpected job type %q on blocks topic", j.Type)
	}
	return j, nil
}

// EncodeLogJob serializes a log job for the queue.
func EncodeLogJob(j LogJob) ([]byte, error) {
	j.Type = JobProcessLog
	if j.FromBlock > j.ToBlock {
		return nil, fmt.Errorf("invalid log job range %d-%d", j.FromBlock, j.ToBlock)
	}
	return json.Marshal(j)
}

// DecodeLogJob deserializes and validates a log job payload.
func DecodeLogJob(payload []byte) (LogJob, error) {
	var j LogJob
	if err := json.Unmarshal(payload, &j); err != nil {
		return LogJob{}, fmt.Errorf("malformed log job: %w", err)
	}
	if j.Type != JobProcessLog {
		return LogJob{}, fmt.Errorf("unexpected job type %q on logs topic", j.Type)
	}
	if j.FromBlock > j.ToBlock {
		return LogJob{}, fmt.Errorf("invalid log job range %d-%d", j.FromBlock, j.ToBlock)
	}
	return j, nil
}
