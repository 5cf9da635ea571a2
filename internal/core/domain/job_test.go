package domain

import (
	"strings"
	"testing"
)

func TestBlockJobRoundTrip(t *testing.T) {
	payload, err := EncodeBlockJob(BlockJob{BlockNumber: 12345, BlockHash: "0xabc", RetryCount: 2})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := DecodeBlockJob(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Type != JobProcessBlock {
		t.Errorf("type = %s, want process_block", got.Type)
	}
	if got.BlockNumber != 12345 || got.BlockHash != "0xabc" || got.RetryCount != 2 {
		t.Errorf("round trip lost fields: %+v", got)
	}
}

func TestDecodeBlockJob_RejectsWrongType(t *testing.T) {
	payload, err := EncodeLogJob(LogJob{FromBlock: 1, ToBlock: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeBlockJob(payload); err == nil {
		t.Fatal("expected error for log job on blocks topic")
	}
}

func TestDecodeBlockJob_RejectsGarbage(t *testing.T) {
	if _, err := DecodeBlockJob([]byte("{not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestLogJobValidation(t *testing.T) {
	if _, err := EncodeLogJob(LogJob{FromBlock: 10, ToBlock: 5}); err == nil {
		t.Fatal("expected error for inverted range")
	}

	payload, err := EncodeLogJob(LogJob{FromBlock: 5, ToBlock: 5, Topics: []string{"0xdd"}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeLogJob(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.FromBlock != 5 || got.ToBlock != 5 || len(got.Topics) != 1 {
		t.Errorf("round trip lost fields: %+v", got)
	}
}

func TestJobFingerprints(t *testing.T) {
	if id := BlockJobID(100); id != "process_block:100" {
		t.Errorf("block job id = %q", id)
	}
	if id := LogJobID(10, 20); id != "process_log:10-20" {
		t.Errorf("log job id = %q", id)
	}
	// Fingerprints must be deterministic across workers.
	if BlockJobID(100) != BlockJobID(100) {
		t.Error("block job id not stable")
	}
}

func TestParseWorkerStatus(t *testing.T) {
	for _, raw := range []string{"processing", "done", "error", "retrying"} {
		if _, err := ParseWorkerStatus(raw); err != nil {
			t.Errorf("ParseWorkerStatus(%q) failed: %v", raw, err)
		}
	}
	_, err := ParseWorkerStatus("finished")
	if err == nil {
		t.Fatal("expected error for unknown status")
	}
	if !strings.Contains(err.Error(), "finished") {
		t.Errorf("error %q does not name the bad value", err)
	}
}

func TestParseJobType(t *testing.T) {
	if _, err := ParseJobType("process_block"); err != nil {
		t.Errorf("ParseJobType failed: %v", err)
	}
	if _, err := ParseJobType("process_receipt"); err == nil {
		t.Error("expected error for unknown job type")
	}
}
