// Package session drives the per-channel chat lifecycle: resolve the chat
// channel, fetch a fresh access token, dial, poll frames, and reconnect with
// exponential backoff when the connection drops.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/nokwatch/internal/chzzk"
	"github.com/you/nokwatch/internal/reconnect"
)

// ErrMaxReconnectAttempts is returned by Run when the reconnection budget is
// exhausted. Fatal for the session; the owner decides what happens next.
var ErrMaxReconnectAttempts = errors.New("session: max reconnect attempts exceeded")

const defaultQueueSize = 256

// Handlers carries the callbacks a session dispatches. Nil fields are
// skipped. Handler panics are recovered and logged at the dispatch boundary;
// they never abort the session loop.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func()
	// OnReconnect fires after a lost connection has been counted and a retry
	// is about to be scheduled. A disconnect during shutdown does not fire it.
	OnReconnect func()
	OnChat      func(chzzk.Message)
	OnDonation  func(chzzk.Message)
}

// Config configures a Session.
type Config struct {
	ChannelID   string
	Reconnect   reconnect.Options
	DialTimeout time.Duration
	// QueueSize bounds the reader-to-dispatcher frame channel. The reader
	// blocks when it is full so bursts apply backpressure instead of
	// growing memory.
	QueueSize int
}

// Session owns at most one live socket at a time and runs the
// connect→poll→backoff→reconnect loop until stopped or a fatal error.
type Session struct {
	cfg      Config
	handlers Handlers
	api      *chzzk.API

	mu      sync.Mutex
	sock    *chzzk.Socket
	cancel  context.CancelFunc
	running bool

	stopped    atomic.Bool
	connected  atomic.Bool
	reconnects atomic.Int64
	errorCount atomic.Int64
}

// New creates a session. A nil api falls back to the default HTTP client.
func New(cfg Config, handlers Handlers, api *chzzk.API) *Session {
	if api == nil {
		api = chzzk.NewAPI(nil)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Session{cfg: cfg, handlers: handlers, api: api}
}

// Run blocks until Stop is called, the context is cancelled, or a fatal error
// occurs. Transient connection errors are retried per the reconnection
// policy; ErrChannelNotFound and budget exhaustion are fatal.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("session: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	policy := reconnect.New(s.cfg.Reconnect)

	for {
		if done, err := s.checkDone(runCtx); done {
			return err
		}

		sock, err := s.connect(runCtx)
		if err != nil {
			if done, exitErr := s.checkDone(runCtx); done {
				return exitErr
			}
			if errors.Is(err, chzzk.ErrChannelNotFound) {
				return err
			}
			s.errorCount.Add(1)
			log.Printf("session %s: connect failed: %v", s.cfg.ChannelID, err)
			if !policy.WaitBeforeReconnect(runCtx) {
				return s.exhausted(runCtx, policy)
			}
			continue
		}

		policy.Reset()
		s.setSocket(sock)
		s.connected.Store(true)
		s.dispatch("on_connect", s.handlers.OnConnect)

		err = s.poll(runCtx, sock)

		s.connected.Store(false)
		s.dispatch("on_disconnect", s.handlers.OnDisconnect)
		sock.Close()
		s.setSocket(nil)

		if done, exitErr := s.checkDone(runCtx); done {
			return exitErr
		}

		s.reconnects.Add(1)
		s.dispatch("on_reconnect", s.handlers.OnReconnect)
		log.Printf("session %s: connection lost: %v", s.cfg.ChannelID, err)
		if !policy.WaitBeforeReconnect(runCtx) {
			return s.exhausted(runCtx, policy)
		}
	}
}

// Stop requests shutdown. Idempotent. The poll loop observes the cancellation
// immediately (the socket read unblocks) and Run returns nil.
func (s *Session) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	sock := s.sock
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sock != nil {
		sock.Close()
	}
}

// IsConnected reports whether a handshake has completed and the connection is
// currently believed healthy.
func (s *Session) IsConnected() bool { return s.connected.Load() }

// Reconnects returns the number of connection losses observed so far.
func (s *Session) Reconnects() int64 { return s.reconnects.Load() }

// ErrorCount returns the number of unexpected errors observed so far,
// including handler panics.
func (s *Session) ErrorCount() int64 { return s.errorCount.Load() }

// checkDone reports whether the loop should exit, and with what error.
// A requested Stop is a clean exit.
func (s *Session) checkDone(ctx context.Context) (bool, error) {
	if s.stopped.Load() {
		return true, nil
	}
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	return false, nil
}

func (s *Session) exhausted(ctx context.Context, policy *reconnect.Policy) error {
	if done, err := s.checkDone(ctx); done {
		return err
	}
	return fmt.Errorf("%w after %d attempts", ErrMaxReconnectAttempts, policy.Attempts())
}

// connect resolves the chat channel, fetches a fresh access token (tokens are
// short-lived, so each attempt gets its own) and dials the chat server.
func (s *Session) connect(ctx context.Context) (*chzzk.Socket, error) {
	status, err := s.api.LiveStatus(ctx, s.cfg.ChannelID)
	if err != nil {
		return nil, err
	}
	if status == nil || status.ChatChannelID == "" {
		return nil, fmt.Errorf("%w: channel %s is not live or does not exist", chzzk.ErrChannelNotFound, s.cfg.ChannelID)
	}

	token, err := s.api.AccessToken(ctx, status.ChatChannelID)
	if err != nil {
		return nil, err
	}

	return chzzk.Dial(ctx, s.cfg.ChannelID, status.ChatChannelID, token, s.cfg.DialTimeout)
}

// poll runs a dedicated reader goroutine feeding a bounded channel that the
// dispatch loop consumes. Heartbeats never reach this layer; the socket
// answers them itself. Returns the read error that ended the connection.
func (s *Session) poll(ctx context.Context, sock *chzzk.Socket) error {
	type result struct {
		fr  chzzk.Frame
		err error
	}

	queue := make(chan result, s.cfg.QueueSize)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	go func() {
		defer close(queue)
		for {
			fr, err := sock.Receive(readCtx)
			if err != nil {
				select {
				case queue <- result{err: err}:
				case <-readCtx.Done():
				}
				return
			}
			select {
			case queue <- result{fr: fr}:
			case <-readCtx.Done():
				return
			}
		}
	}()

	for res := range queue {
		if res.err != nil {
			return res.err
		}
		s.handleFrame(res.fr)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	// The reader exited without an error while still running: treat the
	// silent close as a lost connection.
	return fmt.Errorf("%w: connection closed", chzzk.ErrConnectionLost)
}

func (s *Session) handleFrame(fr chzzk.Frame) {
	switch fr.Cmd {
	case chzzk.CmdChat, chzzk.CmdSpecialChat:
		for _, msg := range chzzk.DecodeMessages(fr.Body) {
			m := msg
			switch m.Type {
			case chzzk.MessageText:
				if s.handlers.OnChat != nil {
					s.dispatch("on_chat", func() { s.handlers.OnChat(m) })
				}
			case chzzk.MessageDonation:
				if s.handlers.OnDonation != nil {
					s.dispatch("on_donation", func() { s.handlers.OnDonation(m) })
				}
			}
		}
	default:
		// Unclassified command; kept for forward compatibility, nothing to do.
		log.Printf("session %s: ignoring frame cmd=%d", s.cfg.ChannelID, fr.Cmd)
	}
}

func (s *Session) dispatch(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.errorCount.Add(1)
			log.Printf("session %s: %s handler panic: %v", s.cfg.ChannelID, name, r)
		}
	}()
	fn()
}

func (s *Session) setSocket(sock *chzzk.Socket) {
	s.mu.Lock()
	s.sock = sock
	s.mu.Unlock()
}
