// Package watcher supervises a set of channels: it polls live status on a
// fixed interval, starts a collector when a channel goes live, stops it when
// the broadcast ends, and restarts collection when the live ID changes under
// the same channel.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/you/nokwatch/internal/chzzk"
	"github.com/you/nokwatch/internal/collector"
	"github.com/you/nokwatch/internal/core"
	"github.com/you/nokwatch/internal/reconnect"
	"github.com/you/nokwatch/internal/session"
	"github.com/you/nokwatch/internal/sink"
)

const (
	defaultPollInterval  = 60 * time.Second
	defaultStatusTimeout = 30 * time.Second
	defaultStatusRetries = 3
	defaultIdleInterval  = 10 * time.Second
	// Pause between stopping the old collector and starting the new one when
	// a channel restarts under a fresh live ID.
	restartPause = time.Second
)

// Metrics receives watcher-side observations. Implemented by the status API's
// metrics bundle; a nil Metrics disables reporting.
type Metrics interface {
	IncEvent(eventType, channelID string)
	IncReconnect(channelID string)
	AddActiveCollectors(delta float64)
	IncStatusPollError(channelID string)
}

// Options configures a Watcher.
type Options struct {
	OutDir        string
	PollInterval  time.Duration
	StatusTimeout time.Duration
	StatusRetries int
	IdleInterval  time.Duration
	IdleTimeout   time.Duration
	Reconnect     reconnect.Options
	DialTimeout   time.Duration

	// Index, when non-nil, receives every event in addition to the
	// per-broadcast JSONL log.
	Index sink.Writer
	// PostProcess runs once per finished broadcast that recorded at least one
	// event. May be nil.
	PostProcess func(core.CollectionReport)
	Metrics     Metrics
}

// StreamInfo is a read-only snapshot of one active collection, served by the
// status API.
type StreamInfo struct {
	StreamID   string    `json:"stream_id"`
	ChannelID  string    `json:"channel_id"`
	Title      string    `json:"title"`
	StartTime  time.Time `json:"start_time"`
	EventCount int64     `json:"event_count"`
}

type activeCollection struct {
	stream core.StreamSession
	col    *collector.Collector
	events *sink.JSONL
	dir    string
	stop   func(reason string)
	done   chan struct{}
}

type channelState struct {
	ch     core.Channel
	live   bool
	active *activeCollection
}

// Watcher owns the per-channel state maps. Only the poll loop and the
// collector-completion path mutate them, both under mu.
type Watcher struct {
	opts Options
	api  *chzzk.API

	mu       sync.Mutex
	channels map[string]*channelState

	wg sync.WaitGroup
}

// New creates a watcher for the given channels. A nil api falls back to the
// default HTTP client.
func New(channels []core.Channel, opts Options, api *chzzk.API) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = defaultStatusTimeout
	}
	if opts.StatusRetries <= 0 {
		opts.StatusRetries = defaultStatusRetries
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = defaultIdleInterval
	}
	if api == nil {
		api = chzzk.NewAPI(nil)
	}
	w := &Watcher{opts: opts, api: api, channels: make(map[string]*channelState)}
	for _, ch := range channels {
		w.channels[ch.ID] = &channelState{ch: ch}
	}
	return w
}

// Run polls until the context is cancelled, then stops all active collectors
// and waits for them to finish.
func (w *Watcher) Run(ctx context.Context) error {
	log.Printf("watcher: polling %d channels every %s", len(w.channelList()), w.opts.PollInterval)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			w.stopAll("shutdown")
			w.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			w.pollAll(ctx)
		}
	}
}

// pollAll checks every channel concurrently. One channel's failure never
// blocks the others; the cycle ends when all checks return.
func (w *Watcher) pollAll(ctx context.Context) {
	var cycle sync.WaitGroup
	for _, ch := range w.channelList() {
		cycle.Add(1)
		go func(ch core.Channel) {
			defer cycle.Done()
			w.pollChannel(ctx, ch)
		}(ch)
	}
	cycle.Wait()
}

func (w *Watcher) channelList() []core.Channel {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]core.Channel, 0, len(w.channels))
	for _, st := range w.channels {
		out = append(out, st.ch)
	}
	return out
}

// fetchStatus queries live status with a bounded timeout, retrying with
// doubling backoff up to the attempt cap. A timeout also resets the HTTP
// client's idle connections so the next attempt dials fresh.
func (w *Watcher) fetchStatus(ctx context.Context, channelID string) (*chzzk.LiveStatus, error) {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, w.opts.StatusTimeout)
		status, err := w.api.LiveStatus(cctx, channelID)
		cancel()
		if err == nil {
			return status, nil
		}
		if w.opts.Metrics != nil {
			w.opts.Metrics.IncStatusPollError(channelID)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			w.api.ResetConnections()
		}
		if attempt >= w.opts.StatusRetries || ctx.Err() != nil {
			return nil, err
		}
		log.Printf("watcher %s: status poll failed (attempt %d/%d): %v", channelID, attempt, w.opts.StatusRetries, err)
		if !sleepContext(ctx, backoff) {
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}

func (w *Watcher) pollChannel(ctx context.Context, ch core.Channel) {
	status, err := w.fetchStatus(ctx, ch.ID)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("watcher %s: giving up on this cycle: %v", ch.ID, err)
		}
		return
	}

	w.mu.Lock()
	st, ok := w.channels[ch.ID]
	if !ok {
		w.mu.Unlock()
		return
	}
	act := st.active
	var activeLiveID int64
	if act != nil {
		activeLiveID = act.stream.LiveID
	}
	action := decide(act != nil, activeLiveID, status)
	st.live = status != nil && status.IsLive
	w.mu.Unlock()

	switch action {
	case actionStop:
		log.Printf("watcher %s: channel went offline, stopping %s", ch.ID, act.stream.StreamID)
		act.stop(collector.ReasonStreamEnded)
		<-act.done
	case actionStart:
		w.startCollection(ctx, ch, status)
	case actionRestart:
		log.Printf("watcher %s: live id changed %d -> %d, restarting", ch.ID, activeLiveID, status.LiveID)
		act.stop(collector.ReasonStreamEnded)
		<-act.done
		if !sleepContext(ctx, restartPause) {
			return
		}
		w.startCollection(ctx, ch, status)
	}
}

type action int

const (
	actionNone action = iota
	actionStart
	actionStop
	actionRestart
)

// decide maps one (active collector, live ID, polled status) observation to a
// watcher action.
func decide(active bool, activeLiveID int64, status *chzzk.LiveStatus) action {
	live := status != nil && status.IsLive
	switch {
	case !live && active:
		return actionStop
	case !live:
		return actionNone
	case !active:
		return actionStart
	case status.LiveID != activeLiveID:
		return actionRestart
	default:
		return actionNone
	}
}

// startCollection allocates the broadcast's output directory and launches the
// collector plus its idle monitor. Refuses if a collection for the same
// stream ID is already running.
func (w *Watcher) startCollection(ctx context.Context, ch core.Channel, status *chzzk.LiveStatus) {
	stream := core.StreamSession{
		StreamID:  fmt.Sprintf("%d_%s", status.LiveID, ch.ID),
		ChannelID: ch.ID,
		LiveID:    status.LiveID,
		Title:     status.Title,
		StartTime: time.Now().UTC(),
	}

	w.mu.Lock()
	st, ok := w.channels[ch.ID]
	if !ok {
		w.mu.Unlock()
		return
	}
	if st.active != nil {
		if st.active.stream.StreamID == stream.StreamID {
			w.mu.Unlock()
			return
		}
		// A collector is still winding down; let the next poll retry.
		w.mu.Unlock()
		log.Printf("watcher %s: previous collection %s still active, deferring start", ch.ID, st.active.stream.StreamID)
		return
	}
	w.mu.Unlock()

	dir, err := w.outputDir(ch, stream)
	if err != nil {
		log.Printf("watcher %s: create output dir: %v", ch.ID, err)
		return
	}
	events, err := sink.OpenJSONL(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		log.Printf("watcher %s: open event log: %v", ch.ID, err)
		return
	}

	writer := sink.Writer(events)
	if w.opts.Index != nil {
		writer = sink.Multi{events, w.opts.Index}
	}

	var (
		onEvent     func(core.ChatEvent)
		onReconnect func()
	)
	if w.opts.Metrics != nil {
		m := w.opts.Metrics
		onEvent = func(ev core.ChatEvent) { m.IncEvent(string(ev.Type), ch.ID) }
		onReconnect = func() { m.IncReconnect(ch.ID) }
	}

	col := collector.New(collector.Config{
		Stream:      stream,
		Writer:      writer,
		EventsFile:  events.Path(),
		IdleTimeout: w.opts.IdleTimeout,
		API:         w.api,
		OnEvent:     onEvent,
		OnReconnect: onReconnect,
		Session: session.Config{
			ChannelID:   ch.ID,
			Reconnect:   w.opts.Reconnect,
			DialTimeout: w.opts.DialTimeout,
		},
	})

	var (
		reasonOnce sync.Once
		stopReason string
	)
	stop := func(reason string) {
		reasonOnce.Do(func() { stopReason = reason })
		col.Stop()
	}

	ac := &activeCollection{
		stream: stream,
		col:    col,
		events: events,
		dir:    dir,
		stop:   stop,
		done:   make(chan struct{}),
	}

	w.mu.Lock()
	st.active = ac
	w.mu.Unlock()

	if w.opts.Metrics != nil {
		w.opts.Metrics.AddActiveCollectors(1)
	}
	log.Printf("watcher %s: started collection %s (%q) -> %s", ch.ID, stream.StreamID, stream.Title, dir)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(ac.done)

		monCtx, cancelMon := context.WithCancel(ctx)
		go w.idleMonitor(monCtx, ac)

		runErr := col.Run(ctx)
		cancelMon()

		reasonOnce.Do(func() { stopReason = reasonFromError(runErr) })
		w.finishCollection(ch, ac, stopReason, runErr)
	}()
}

// idleMonitor periodically asks an active collector whether its quiet stream
// has actually ended.
func (w *Watcher) idleMonitor(ctx context.Context, ac *activeCollection) {
	ticker := time.NewTicker(w.opts.IdleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !ac.col.IsIdle() {
				continue
			}
			shouldStop, reason := ac.col.CheckStreamAndConnection(ctx)
			if shouldStop {
				log.Printf("watcher: stream %s idle and no longer live, stopping (%s)", ac.stream.StreamID, reason)
				ac.stop(reason)
				return
			}
			if reason != collector.ReasonQuiet {
				log.Printf("watcher: stream %s idle (%s), continuing", ac.stream.StreamID, reason)
			}
		}
	}
}

// finishCollection closes the log, writes the report, fires the
// post-processing hook when events were recorded, and resets the channel so a
// future poll can re-detect it as live.
func (w *Watcher) finishCollection(ch core.Channel, ac *activeCollection, stopReason string, runErr error) {
	if err := ac.events.Close(); err != nil {
		log.Printf("watcher %s: close event log: %v", ch.ID, err)
	}

	report := ac.col.Report(stopReason)
	if err := writeReport(filepath.Join(ac.dir, "collection_report.json"), report); err != nil {
		log.Printf("watcher %s: write report: %v", ch.ID, err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("watcher %s: collection %s ended with error: %v", ch.ID, ac.stream.StreamID, runErr)
	}
	log.Printf("watcher %s: collection %s finished: %d events, reason=%s",
		ch.ID, ac.stream.StreamID, report.EventCount, report.StopReason)

	if report.EventCount > 0 && w.opts.PostProcess != nil {
		w.opts.PostProcess(report)
	}

	w.mu.Lock()
	if st, ok := w.channels[ch.ID]; ok && st.active == ac {
		st.active = nil
		st.live = false
	}
	w.mu.Unlock()

	if w.opts.Metrics != nil {
		w.opts.Metrics.AddActiveCollectors(-1)
	}
}

// reasonFromError maps a fatal session error to a report stop reason.
func reasonFromError(err error) string {
	switch {
	case err == nil:
		return "stopped"
	case errors.Is(err, context.Canceled):
		return "shutdown"
	case errors.Is(err, session.ErrMaxReconnectAttempts):
		return "max_reconnect_attempts"
	case errors.Is(err, chzzk.ErrChannelNotFound):
		return "channel_not_found"
	default:
		return "session_error"
	}
}

func (w *Watcher) stopAll(reason string) {
	w.mu.Lock()
	var actives []*activeCollection
	for _, st := range w.channels {
		if st.active != nil {
			actives = append(actives, st.active)
		}
	}
	w.mu.Unlock()
	for _, ac := range actives {
		ac.stop(reason)
	}
}

// outputDir builds outdir/YYYY-MM-DD/{name}_{HHMMSS}_{streamID} for a new
// broadcast and creates it.
func (w *Watcher) outputDir(ch core.Channel, stream core.StreamSession) (string, error) {
	name := ch.Name
	if name == "" {
		name = ch.ID
	}
	now := stream.StartTime
	dir := filepath.Join(w.opts.OutDir, now.Format("2006-01-02"),
		fmt.Sprintf("%s_%s_%s", sanitizeName(name), now.Format("150405"), stream.StreamID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// sanitizeName strips path separators and whitespace from display names so
// they are safe as directory components.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		case ' ':
			return '_'
		}
		return r
	}, name)
}

func writeReport(path string, report core.CollectionReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Streams returns snapshots of all active collections.
func (w *Watcher) Streams() []StreamInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []StreamInfo
	for _, st := range w.channels {
		if st.active == nil {
			continue
		}
		out = append(out, StreamInfo{
			StreamID:   st.active.stream.StreamID,
			ChannelID:  st.active.stream.ChannelID,
			Title:      st.active.stream.Title,
			StartTime:  st.active.stream.StartTime,
			EventCount: st.active.col.EventCount(),
		})
	}
	return out
}

// ChannelCount returns the number of watched channels.
func (w *Watcher) ChannelCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.channels)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
