// Package collector turns one live chat session into a durable per-broadcast
// event log and tracks liveness so the watcher can decide when a quiet stream
// has actually ended.
package collector

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/you/nokwatch/internal/chzzk"
	"github.com/you/nokwatch/internal/core"
	"github.com/you/nokwatch/internal/session"
	"github.com/you/nokwatch/internal/sink"
)

const DefaultIdleTimeout = 2 * time.Minute

// Stop reasons reported by CheckStreamAndConnection and carried into the
// collection report.
const (
	ReasonStreamEnded = "stream_ended"
	ReasonReconnect   = "reconnecting"
	ReasonQuiet       = "quiet_stream"
	ReasonCheckError  = "check_error"
)

// Config wires a collector to one broadcast.
type Config struct {
	Stream      core.StreamSession
	Writer      sink.Writer
	EventsFile  string
	IdleTimeout time.Duration
	Session     session.Config
	API         *chzzk.API
	// OnEvent observes every persisted event (metrics hook). May be nil.
	OnEvent func(core.ChatEvent)
	// OnReconnect observes every connection loss the session retries, as it
	// happens. May be nil.
	OnReconnect func()
}

// State is an atomically published snapshot of collection progress, readable
// from the idle monitor without touching the collector's own goroutine.
type State struct {
	EventCount    int64
	StartTime     time.Time
	LastEventTime time.Time
}

// Collector wraps exactly one chat session for the lifetime of one
// StreamSession and appends every dispatched event to the broadcast's log.
type Collector struct {
	cfg  Config
	sess *session.Session
	api  *chzzk.API

	collectionID string
	startNanos   atomic.Int64
	lastNanos    atomic.Int64
	eventCount   atomic.Int64
	writeErrors  atomic.Int64
}

// New creates a collector and registers it as the session's callback sink.
func New(cfg Config) *Collector {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.API == nil {
		cfg.API = chzzk.NewAPI(nil)
	}
	c := &Collector{cfg: cfg, api: cfg.API, collectionID: uuid.NewString()}

	c.sess = session.New(cfg.Session, session.Handlers{
		OnConnect:    c.handleConnect,
		OnDisconnect: c.handleDisconnect,
		OnReconnect:  c.handleReconnect,
		OnChat: func(msg chzzk.Message) {
			c.record(core.EventChat, msg)
		},
		OnDonation: func(msg chzzk.Message) {
			c.record(core.EventDonation, msg)
		},
	}, cfg.API)
	return c
}

func (c *Collector) handleConnect() {
	log.Printf("collector %s: chat connected", c.cfg.Stream.StreamID)
}

func (c *Collector) handleDisconnect() {
	log.Printf("collector %s: chat disconnected", c.cfg.Stream.StreamID)
}

// handleReconnect fires once per connection loss the session will retry, so
// observers see reconnects as they happen rather than summed at the end.
func (c *Collector) handleReconnect() {
	log.Printf("collector %s: session is retrying", c.cfg.Stream.StreamID)
	if c.cfg.OnReconnect != nil {
		c.cfg.OnReconnect()
	}
}

// Run drives the underlying session until Stop or a fatal session error.
// A requested Stop returns nil; fatal errors (channel gone, retry budget
// exhausted) are returned so the watcher can finalize with a report either
// way.
func (c *Collector) Run(ctx context.Context) error {
	c.startNanos.Store(time.Now().UTC().UnixNano())
	log.Printf("collector %s: starting collection (events=%s)", c.cfg.Stream.StreamID, c.cfg.EventsFile)
	err := c.sess.Run(ctx)
	log.Printf("collector %s: collection stopped (%d events)", c.cfg.Stream.StreamID, c.eventCount.Load())
	return err
}

// Stop requests shutdown of the underlying session. Idempotent.
func (c *Collector) Stop() { c.sess.Stop() }

// record persists one dispatched message. The event's t_ms is the wall-clock
// offset from the broadcast start, so values may regress slightly across a
// reconnect; that is expected and not corrected.
func (c *Collector) record(t core.EventType, msg chzzk.Message) {
	now := time.Now().UTC()
	ev := core.ChatEvent{
		StreamID:   c.cfg.Stream.StreamID,
		Type:       t,
		TMs:        now.Sub(c.cfg.Stream.StartTime).Milliseconds(),
		User:       msg.User,
		UserID:     msg.UserID,
		Text:       msg.Text,
		MessageID:  msg.ID,
		ReceivedAt: now,
	}
	if t == core.EventDonation {
		ev.Amount = msg.Amount
		ev.DonationType = msg.DonationType
	}

	if err := c.cfg.Writer.Write(ev); err != nil {
		c.writeErrors.Add(1)
		log.Printf("collector %s: write event: %v", c.cfg.Stream.StreamID, err)
	}

	c.lastNanos.Store(now.UnixNano())
	if n := c.eventCount.Add(1); n%100 == 0 {
		log.Printf("collector %s: collected %d events", c.cfg.Stream.StreamID, n)
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

// IsIdle reports whether no event has been recorded for the idle timeout
// (measured from start when nothing has arrived yet).
func (c *Collector) IsIdle() bool {
	last := c.lastNanos.Load()
	if last == 0 {
		last = c.startNanos.Load()
		if last == 0 {
			return false
		}
	}
	return time.Since(time.Unix(0, last)) >= c.cfg.IdleTimeout
}

// CheckStreamAndConnection decides, for an idle collector, whether the
// broadcast is actually over. Transient status-check failures never force a
// stop; a live stream with a dropped connection is left to the session's own
// retry loop.
func (c *Collector) CheckStreamAndConnection(ctx context.Context) (bool, string) {
	status, err := c.api.LiveStatus(ctx, c.cfg.Stream.ChannelID)
	if err != nil {
		log.Printf("collector %s: status check failed: %v", c.cfg.Stream.StreamID, err)
		return false, ReasonCheckError
	}
	if status == nil || !status.IsLive {
		return true, ReasonStreamEnded
	}
	if !c.sess.IsConnected() {
		return false, ReasonReconnect
	}
	return false, ReasonQuiet
}

// Snapshot returns the current collection state.
func (c *Collector) Snapshot() State {
	st := State{EventCount: c.eventCount.Load()}
	if n := c.startNanos.Load(); n != 0 {
		st.StartTime = time.Unix(0, n).UTC()
	}
	if n := c.lastNanos.Load(); n != 0 {
		st.LastEventTime = time.Unix(0, n).UTC()
	}
	return st
}

// EventCount returns the number of events recorded so far.
func (c *Collector) EventCount() int64 { return c.eventCount.Load() }

// Stream returns the broadcast this collector owns.
func (c *Collector) Stream() core.StreamSession { return c.cfg.Stream }

// Report builds the end-of-collection report.
func (c *Collector) Report(stopReason string) core.CollectionReport {
	st := c.Snapshot()
	return core.CollectionReport{
		CollectionID:   c.collectionID,
		StreamID:       c.cfg.Stream.StreamID,
		ChannelID:      c.cfg.Stream.ChannelID,
		EventCount:     st.EventCount,
		StartTime:      st.StartTime,
		EndTime:        time.Now().UTC(),
		ReconnectCount: c.sess.Reconnects(),
		ErrorCount:     c.sess.ErrorCount() + c.writeErrors.Load(),
		StopReason:     stopReason,
		EventsFile:     c.cfg.EventsFile,
	}
}
