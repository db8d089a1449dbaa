package chzzk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// startChatServer runs a local WebSocket endpoint and points Dial at it.
// The handler owns the server side of one connection.
func startChatServer(t *testing.T, handler func(ctx context.Context, c *websocket.Conn)) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		handler(r.Context(), c)
	}))
	t.Cleanup(srv.Close)

	orig := serverOverride
	serverOverride = "ws" + strings.TrimPrefix(srv.URL, "http")
	t.Cleanup(func() { serverOverride = orig })
}

// serveHandshake consumes the CONNECT frame and answers CONNECTED.
func serveHandshake(ctx context.Context, t *testing.T, c *websocket.Conn, sid string) Frame {
	t.Helper()
	var connect Frame
	if err := wsjson.Read(ctx, c, &connect); err != nil {
		t.Errorf("read connect: %v", err)
		return Frame{}
	}
	body, _ := json.Marshal(map[string]string{"sid": sid})
	if err := wsjson.Write(ctx, c, Frame{Cmd: CmdConnected, Body: body}); err != nil {
		t.Errorf("write connected: %v", err)
	}
	return connect
}

func setHeartbeat(t *testing.T, idle, wait time.Duration) {
	t.Helper()
	origIdle, origWait := heartbeatIdle, heartbeatWait
	heartbeatIdle, heartbeatWait = idle, wait
	t.Cleanup(func() { heartbeatIdle, heartbeatWait = origIdle, origWait })
}

func TestDialHandshake(t *testing.T) {
	connectCh := make(chan Frame, 1)
	startChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		connectCh <- serveHandshake(ctx, t, c, "sid-1")
	})

	sock, err := Dial(context.Background(), "chan1", "cc1", "tok1", 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sock.Close()

	if sock.SessionID() != "sid-1" {
		t.Fatalf("session id = %q, want sid-1", sock.SessionID())
	}

	connect := <-connectCh
	if connect.Cmd != CmdConnect || connect.CID != "cc1" || connect.SvcID != "game" || connect.Ver != "2" || connect.TID != 1 {
		t.Fatalf("connect frame = %+v", connect)
	}
	var body connectBody
	if err := json.Unmarshal(connect.Body, &body); err != nil {
		t.Fatalf("connect body: %v", err)
	}
	if body.AccTkn != "tok1" || body.Auth != "READ" || body.DevType != 2001 || body.UID != nil {
		t.Fatalf("connect body = %+v", body)
	}
}

func TestDialRejectsUnexpectedHandshakeResponse(t *testing.T) {
	startChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		var connect Frame
		if err := wsjson.Read(ctx, c, &connect); err != nil {
			return
		}
		_ = wsjson.Write(ctx, c, Frame{Cmd: 10410, RetCode: 40100, RetMsg: "denied"})
	})

	_, err := Dial(context.Background(), "chan1", "cc1", "bad-token", 5*time.Second)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
}

func TestReceiveAnswersServerPing(t *testing.T) {
	pongCh := make(chan Frame, 1)
	startChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		serveHandshake(ctx, t, c, "sid")
		if err := wsjson.Write(ctx, c, Frame{Cmd: CmdPing}); err != nil {
			t.Errorf("write ping: %v", err)
			return
		}
		var pong Frame
		if err := wsjson.Read(ctx, c, &pong); err != nil {
			t.Errorf("read pong: %v", err)
			return
		}
		pongCh <- pong
		body, _ := json.Marshal([]map[string]any{{"msgId": "m1", "msg": "hi", "msgTypeCode": 1}})
		_ = wsjson.Write(ctx, c, Frame{Cmd: CmdChat, Body: body})
	})

	sock, err := Dial(context.Background(), "chan1", "cc1", "tok", 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sock.Close()

	fr, err := sock.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if fr.Cmd != CmdChat {
		t.Fatalf("frame cmd = %d, want chat; ping leaked through", fr.Cmd)
	}

	pong := <-pongCh
	if pong.Cmd != CmdPong {
		t.Fatalf("server got cmd=%d, want pong", pong.Cmd)
	}
}

func TestHeartbeatProbeThenTraffic(t *testing.T) {
	setHeartbeat(t, 40*time.Millisecond, 200*time.Millisecond)

	startChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		serveHandshake(ctx, t, c, "sid")
		// Stay silent past the idle window, then answer the client's probe.
		var ping Frame
		if err := wsjson.Read(ctx, c, &ping); err != nil {
			t.Errorf("read ping: %v", err)
			return
		}
		if ping.Cmd != CmdPing {
			t.Errorf("cmd = %d, want ping", ping.Cmd)
		}
		if err := wsjson.Write(ctx, c, Frame{Cmd: CmdPong}); err != nil {
			t.Errorf("write pong: %v", err)
			return
		}
		body, _ := json.Marshal([]map[string]any{{"msgId": "m1", "msg": "still here", "msgTypeCode": 1}})
		_ = wsjson.Write(ctx, c, Frame{Cmd: CmdChat, Body: body})
	})

	sock, err := Dial(context.Background(), "chan1", "cc1", "tok", 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sock.Close()

	fr, err := sock.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if fr.Cmd != CmdChat {
		t.Fatalf("frame cmd = %d, want chat", fr.Cmd)
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	setHeartbeat(t, 40*time.Millisecond, 40*time.Millisecond)

	hold := make(chan struct{})
	startChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		serveHandshake(ctx, t, c, "sid")
		// Swallow the probe and never answer.
		var ping Frame
		_ = wsjson.Read(ctx, c, &ping)
		<-hold
	})
	defer close(hold)

	sock, err := Dial(context.Background(), "chan1", "cc1", "tok", 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sock.Close()

	_, err = sock.Receive(context.Background())
	if !errors.Is(err, ErrHeartbeatTimeout) {
		t.Fatalf("err = %v, want ErrHeartbeatTimeout", err)
	}
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatal("heartbeat timeout should match ErrConnectionLost")
	}
}

func TestReceiveObservesCancellation(t *testing.T) {
	hold := make(chan struct{})
	startChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		serveHandshake(ctx, t, c, "sid")
		<-hold
	})
	defer close(hold)

	sock, err := Dial(context.Background(), "chan1", "cc1", "tok", 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = sock.Receive(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestServerSelectionIsDeterministic(t *testing.T) {
	a := serverURL("channelA")
	if a != serverURL("channelA") {
		t.Fatal("server selection not deterministic")
	}
	if !strings.HasPrefix(a, "wss://kr-ss") || !strings.HasSuffix(a, ".chat.naver.com/chat") {
		t.Fatalf("unexpected server url %q", a)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	startChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		serveHandshake(ctx, t, c, "sid")
	})

	sock, err := Dial(context.Background(), "chan1", "cc1", "tok", 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sock.Close()
	sock.Close()
	if !sock.Closed() {
		t.Fatal("socket should report closed")
	}
}
