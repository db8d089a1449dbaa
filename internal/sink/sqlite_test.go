package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/nokwatch/internal/core"
)

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func event(streamID, msgID string, tms int64) core.ChatEvent {
	return core.ChatEvent{
		StreamID:   streamID,
		Type:       core.EventChat,
		TMs:        tms,
		User:       "viewer",
		Text:       "hello",
		MessageID:  msgID,
		ReceivedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSQLiteWriteAndCount(t *testing.T) {
	idx := openTestIndex(t)

	for i := 0; i < 3; i++ {
		if err := idx.Write(event("1_chan", string(rune('a'+i)), int64(i))); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if err := idx.Write(event("2_chan", "z", 0)); err != nil {
		t.Fatalf("Write other stream: %v", err)
	}

	total, err := idx.CountEvents(context.Background(), "")
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if total != 4 {
		t.Fatalf("total = %d, want 4", total)
	}

	scoped, err := idx.CountEvents(context.Background(), "1_chan")
	if err != nil {
		t.Fatalf("CountEvents scoped: %v", err)
	}
	if scoped != 3 {
		t.Fatalf("scoped = %d, want 3", scoped)
	}
}

func TestSQLiteIgnoresDuplicateMessageIDs(t *testing.T) {
	idx := openTestIndex(t)

	ev := event("1_chan", "dup", 10)
	if err := idx.Write(ev); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := idx.Write(ev); err != nil {
		t.Fatalf("duplicate Write: %v", err)
	}

	n, err := idx.CountEvents(context.Background(), "1_chan")
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1 (duplicate should be ignored)", n)
	}
}

func TestSQLiteKeepsEventsWithoutMessageID(t *testing.T) {
	idx := openTestIndex(t)

	// System-style records without an id must not collide with each other.
	for i := 0; i < 2; i++ {
		if err := idx.Write(event("1_chan", "", int64(i))); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	n, err := idx.CountEvents(context.Background(), "1_chan")
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}
