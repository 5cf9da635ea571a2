package domain

import "time"

// Block is one version of a block at a height. Versions are immutable and keyed
// by (Number, Hash); the Canonical flag selects at most one version per number.
// A reorg never rewrites a row, it flips Canonical between versions.
type Block struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  time.Time
	Canonical  bool

	ProcessedAt  time.Time
	WorkerID     string
	WorkerStatus WorkerStatus
	Extra        map[string]any
}

// Transaction is keyed by TxHash. BlockHash must match the canonical block's
// hash at write time; stale rows are removed when their block is reprocessed.
type Transaction struct {
	TxHash         string
	BlockNumber    uint64
	BlockHash      string
	BlockTimestamp time.Time
	From           string
	To             string
	Value          string // raw wei, decimal string
	GasUsed        uint64
	GasPrice       string
	Input          string
	Status         int16
}
