package chzzk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const defaultDialTimeout = 10 * time.Second

// Heartbeat timings are a property of the wire protocol, not caller
// configuration. Overridden in tests only.
var (
	heartbeatIdle = 58 * time.Second
	heartbeatWait = 3 * time.Second
)

// serverOverride redirects dials to a local server in tests.
var serverOverride string

// SetChatServer redirects all dials to the given URL. For tests in other
// packages that run a local chat server; the returned func restores the
// previous target.
func SetChatServer(url string) func() {
	prev := serverOverride
	serverOverride = url
	return func() { serverOverride = prev }
}

// serverURL deterministically selects one of the 9 chat servers from the
// channel ID.
func serverURL(channelID string) string {
	if serverOverride != "" {
		return serverOverride
	}
	sum := 0
	for _, r := range channelID {
		sum += int(r)
	}
	return fmt.Sprintf("wss://kr-ss%d.chat.naver.com/chat", sum%9+1)
}

// Socket owns one WebSocket connection to a chat server: handshake, frame
// reads, and the idle-triggered heartbeat. It is used by exactly one session
// at a time; only Close is safe to call from other goroutines.
type Socket struct {
	conn          *websocket.Conn
	chatChannelID string
	sessionID     string
	tid           int

	mu     sync.Mutex
	closed bool
}

type connectBody struct {
	AccTkn  string  `json:"accTkn"`
	Auth    string  `json:"auth"`
	DevType int     `json:"devType"`
	UID     *string `json:"uid"`
}

type connectedBody struct {
	SID string `json:"sid"`
}

// Dial opens a connection to the chat server for channelID and performs the
// CONNECT/CONNECTED handshake. The returned socket is ready for Receive.
func Dial(ctx context.Context, channelID, chatChannelID, accessToken string, timeout time.Duration) (*Socket, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	url := serverURL(channelID)
	log.Printf("chzzk: connecting to %s", url)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	headers.Set("Origin", "https://chzzk.naver.com")
	headers.Set("Referer", "https://chzzk.naver.com/")

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, url, err)
	}
	conn.SetReadLimit(1 << 20)

	s := &Socket{conn: conn, chatChannelID: chatChannelID, tid: 1}

	body, err := json.Marshal(connectBody{AccTkn: accessToken, Auth: "READ", DevType: 2001})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: encode connect: %v", ErrConnection, err)
	}
	connect := Frame{SvcID: "game", Ver: "2", Cmd: CmdConnect, TID: s.tid, CID: chatChannelID, Body: body}
	if err := wsjson.Write(dialCtx, conn, connect); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: send connect: %v", ErrConnection, err)
	}

	var resp Frame
	if err := wsjson.Read(dialCtx, conn, &resp); err != nil {
		s.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timeout waiting for CONNECTED", ErrConnection)
		}
		return nil, fmt.Errorf("%w: read handshake response: %v", ErrConnection, err)
	}
	if resp.Cmd != CmdConnected {
		s.Close()
		return nil, fmt.Errorf("%w: unexpected handshake response cmd=%d", ErrAuthentication, resp.Cmd)
	}

	var connected connectedBody
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &connected); err != nil {
			log.Printf("chzzk: unparseable CONNECTED body: %v", err)
		}
	}
	s.sessionID = connected.SID
	log.Printf("chzzk: connected (session_id=%s)", s.sessionID)
	return s, nil
}

// Receive blocks until the next application frame arrives. Heartbeats are
// handled internally: server PINGs are answered with PONG and never surfaced,
// PONGs are consumed, and after heartbeatIdle without traffic a client PING
// is sent and ErrHeartbeatTimeout is returned if no PONG follows within
// heartbeatWait. Frames with unrecognized commands pass through unmodified.
func (s *Socket) Receive(ctx context.Context) (Frame, error) {
	for {
		fr, err := s.readTimeout(ctx, heartbeatIdle)
		if err != nil {
			if ctx.Err() != nil {
				return Frame{}, ctx.Err()
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				return Frame{}, fmt.Errorf("%w: read: %v", ErrConnectionLost, err)
			}

			// Idle too long: probe the server.
			if err := s.writePing(ctx); err != nil {
				return Frame{}, fmt.Errorf("%w: send ping: %v", ErrConnectionLost, err)
			}
			fr, err = s.readTimeout(ctx, heartbeatWait)
			if err != nil {
				if ctx.Err() != nil {
					return Frame{}, ctx.Err()
				}
				return Frame{}, ErrHeartbeatTimeout
			}
			if fr.Cmd != CmdPong {
				return Frame{}, ErrHeartbeatTimeout
			}
			continue
		}

		switch fr.Cmd {
		case CmdPing:
			if err := s.writeFrame(ctx, Frame{Cmd: CmdPong}); err != nil {
				return Frame{}, fmt.Errorf("%w: send pong: %v", ErrConnectionLost, err)
			}
		case CmdPong:
			// Ack for a probe we no longer need; swallow it.
		default:
			return fr, nil
		}
	}
}

func (s *Socket) readTimeout(ctx context.Context, d time.Duration) (Frame, error) {
	readCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	var fr Frame
	if err := wsjson.Read(readCtx, s.conn, &fr); err != nil {
		return Frame{}, err
	}
	return fr, nil
}

func (s *Socket) writePing(ctx context.Context) error {
	s.tid++
	return s.writeFrame(ctx, Frame{Cmd: CmdPing, TID: s.tid})
}

func (s *Socket) writeFrame(ctx context.Context, fr Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, s.conn, fr)
}

// Close releases the connection. Idempotent; safe after partial construction
// failure and from goroutines other than the reader.
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// SessionID returns the server-assigned session ID from the handshake.
func (s *Socket) SessionID() string { return s.sessionID }

// Closed reports whether Close has been called.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
