package sink

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/you/nokwatch/internal/core"
)

// JSONL appends events to a per-broadcast events.jsonl file, one JSON object
// per line. Writes go straight to the file descriptor (no userspace
// buffering), so a crash loses at most the event currently being written.
type JSONL struct {
	path string

	mu     sync.Mutex
	f      *os.File
	closed bool
}

// OpenJSONL opens (creating if needed) an append-only event log at path.
func OpenJSONL(path string) (*JSONL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open event log")
	}
	return &JSONL{path: path, f: f}, nil
}

func (w *JSONL) Write(ev core.ChatEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("event log closed")
	}
	_, err = w.f.Write(line)
	return errors.Wrap(err, "append event")
}

// Path returns the event log location.
func (w *JSONL) Path() string { return w.path }

// Close releases the file. Idempotent.
func (w *JSONL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
