package audit_test

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/bpfd-dev/bpfd/internal/audit"
	"github.com/bpfd-dev/bpfd/internal/program"
)

func TestRecordLoadSuccessAppendsEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	id := uuid.New()
	l.RecordLoad("alice", program.KindXDP, "file:///tmp/prog.o", id, nil)

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	var payload map[string]any
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["action"] != "load" || payload["caller"] != "alice" || payload["uuid"] != id.String() {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if _, hasErr := payload["error"]; hasErr {
		t.Errorf("successful load should not record an error field: %+v", payload)
	}
}

func TestRecordLoadFailureRecordsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	l.RecordLoad("bob", program.KindTC, "file:///tmp/prog.o", uuid.Nil, errors.New("boom"))

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["error"] != "boom" {
		t.Errorf("expected error field \"boom\", got %+v", payload["error"])
	}
	if _, hasUUID := payload["uuid"]; hasUUID {
		t.Errorf("failed load should omit uuid field: %+v", payload)
	}
}

func TestRecordUnloadAppendsEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	id := uuid.New()
	l.RecordUnload("alice", id, nil)

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["action"] != "unload" || payload["uuid"] != id.String() {
		t.Errorf("unexpected payload: %+v", payload)
	}
}
