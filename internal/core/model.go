package core

import "time"

// EventType tags persisted chat events.
type EventType string

const (
	EventChat     EventType = "chat"
	EventDonation EventType = "donation"
	EventSystem   EventType = "system"
)

// StreamStatus is the watcher-visible liveness of a channel.
type StreamStatus string

const (
	StatusOffline StreamStatus = "OFFLINE"
	StatusLive    StreamStatus = "LIVE"
)

// Channel is one watched channel: the platform channel id plus an optional
// display name used when naming output directories.
type Channel struct {
	ID   string
	Name string
}

// StreamSession identifies one collected broadcast. A new live ID under the
// same channel means a new StreamSession; the old one is closed, never reused.
type StreamSession struct {
	StreamID  string
	ChannelID string
	LiveID    int64
	Title     string
	StartTime time.Time
}

// ChatEvent is the unified structure written to events.jsonl (one JSON object
// per line) and mirrored into the SQLite index.
type ChatEvent struct {
	StreamID     string    `json:"stream_id"`
	Type         EventType `json:"type"`
	TMs          int64     `json:"t_ms"`
	User         string    `json:"user"`
	UserID       string    `json:"user_id"`
	Text         string    `json:"text"`
	Amount       int64     `json:"amount,omitempty"`
	DonationType string    `json:"donation_type,omitempty"`
	MessageID    string    `json:"message_id"`
	ReceivedAt   time.Time `json:"received_at"`
}

// CollectionReport summarizes one finished broadcast collection.
type CollectionReport struct {
	CollectionID   string    `json:"collection_id"`
	StreamID       string    `json:"stream_id"`
	ChannelID      string    `json:"channel_id"`
	EventCount     int64     `json:"event_count"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	ReconnectCount int64     `json:"reconnect_count"`
	ErrorCount     int64     `json:"error_count"`
	StopReason     string    `json:"stop_reason"`
	EventsFile     string    `json:"events_file"`
}
