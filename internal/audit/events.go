package audit

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/bpfd-dev/bpfd/internal/program"
)

// loadEvent and unloadEvent are the payload shapes recorded for every Load
// and Unload command the core processes, successful or not.
type loadEvent struct {
	Action string      `json:"action"`
	Caller string      `json:"caller"`
	Kind   program.Kind `json:"kind"`
	Origin string      `json:"origin"`
	UUID   string      `json:"uuid,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type unloadEvent struct {
	Action string `json:"action"`
	Caller string `json:"caller"`
	UUID   string `json:"uuid"`
	Error  string `json:"error,omitempty"`
}

// RecordLoad appends a hash-chained entry describing the outcome of a Load
// command. Append failures are swallowed: a broken audit trail must never
// block a privileged operation the Command Loop has already committed to.
func (l *Logger) RecordLoad(caller string, kind program.Kind, origin string, id uuid.UUID, loadErr error) {
	ev := loadEvent{Action: "load", Caller: caller, Kind: kind, Origin: origin}
	if id != uuid.Nil {
		ev.UUID = id.String()
	}
	if loadErr != nil {
		ev.Error = loadErr.Error()
	}
	l.recordBestEffort(ev)
}

// RecordUnload appends a hash-chained entry describing the outcome of an
// Unload command.
func (l *Logger) RecordUnload(caller string, id uuid.UUID, unloadErr error) {
	ev := unloadEvent{Action: "unload", Caller: caller, UUID: id.String()}
	if unloadErr != nil {
		ev.Error = unloadErr.Error()
	}
	l.recordBestEffort(ev)
}

func (l *Logger) recordBestEffort(ev any) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = l.Append(payload)
}
