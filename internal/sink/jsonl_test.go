package sink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/nokwatch/internal/core"
)

func TestJSONLAppendsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := OpenJSONL(path)
	if err != nil {
		t.Fatalf("OpenJSONL: %v", err)
	}

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ev := core.ChatEvent{
			StreamID:   "1_chan",
			Type:       core.EventChat,
			TMs:        int64(i * 100),
			User:       "viewer",
			Text:       "hello",
			MessageID:  string(rune('a' + i)),
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := w.Write(ev); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []core.ChatEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev core.ChatEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line %d: %v", len(lines), err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5", len(lines))
	}
	for i, ev := range lines {
		if ev.TMs != int64(i*100) {
			t.Fatalf("line %d out of order: t_ms=%d", i, ev.TMs)
		}
	}
}

func TestJSONLOmitsEmptyDonationFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := OpenJSONL(path)
	if err != nil {
		t.Fatalf("OpenJSONL: %v", err)
	}
	if err := w.Write(core.ChatEvent{StreamID: "s", Type: core.EventChat, ReceivedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["amount"]; ok {
		t.Fatal("amount should be omitted for chat events")
	}
	if _, ok := raw["donation_type"]; ok {
		t.Fatal("donation_type should be omitted for chat events")
	}
}

func TestJSONLCloseIsIdempotentAndRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := OpenJSONL(path)
	if err != nil {
		t.Fatalf("OpenJSONL: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := w.Write(core.ChatEvent{StreamID: "s"}); err == nil {
		t.Fatal("Write after Close should fail")
	}
}

type failingWriter struct{}

func (failingWriter) Write(core.ChatEvent) error { return os.ErrClosed }

func TestMultiAttemptsAllWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := OpenJSONL(path)
	if err != nil {
		t.Fatalf("OpenJSONL: %v", err)
	}
	defer w.Close()

	m := Multi{failingWriter{}, w}
	if err := m.Write(core.ChatEvent{StreamID: "s", Type: core.EventChat, ReceivedAt: time.Now().UTC()}); err == nil {
		t.Fatal("expected joined error from failing writer")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("healthy writer should still have received the event")
	}
}
