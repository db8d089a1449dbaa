package chzzk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func withLiveStatusServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	orig := liveStatusEndpoint
	liveStatusEndpoint = srv.URL + "/polling/v2/channels/%s/live-status"
	t.Cleanup(func() { liveStatusEndpoint = orig })
}

func TestLiveStatusIsPublishingAuthoritative(t *testing.T) {
	// Outer status says CLOSE, but the nested publishing flag wins.
	withLiveStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"content":{
			"status":"CLOSE","liveId":42,"liveTitle":"t",
			"chatChannelId":"cc1",
			"livePollingStatusJson":"{\"isPublishing\":true}"}}`))
	})

	status, err := NewAPI(nil).LiveStatus(context.Background(), "chan1")
	if err != nil {
		t.Fatalf("LiveStatus: %v", err)
	}
	if status == nil || !status.IsLive {
		t.Fatalf("status = %+v, want live", status)
	}
	if status.LiveID != 42 || status.ChatChannelID != "cc1" {
		t.Fatalf("status = %+v", status)
	}
}

func TestLiveStatusFallsBackToOuterStatus(t *testing.T) {
	withLiveStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"content":{
			"status":"OPEN","liveId":7,"chatChannelId":"cc2"}}`))
	})

	status, err := NewAPI(nil).LiveStatus(context.Background(), "chan2")
	if err != nil {
		t.Fatalf("LiveStatus: %v", err)
	}
	if status == nil || !status.IsLive || status.LiveID != 7 {
		t.Fatalf("status = %+v", status)
	}
}

func TestLiveStatusOffline(t *testing.T) {
	withLiveStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"content":{
			"status":"CLOSE","liveId":9,
			"livePollingStatusJson":"{\"isPublishing\":false}"}}`))
	})

	status, err := NewAPI(nil).LiveStatus(context.Background(), "chan3")
	if err != nil {
		t.Fatalf("LiveStatus: %v", err)
	}
	if status == nil || status.IsLive {
		t.Fatalf("status = %+v, want offline", status)
	}
}

func TestLiveStatusEmptyContentMeansNoStatus(t *testing.T) {
	withLiveStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"content":null}`))
	})

	status, err := NewAPI(nil).LiveStatus(context.Background(), "chan4")
	if err != nil {
		t.Fatalf("LiveStatus: %v", err)
	}
	if status != nil {
		t.Fatalf("status = %+v, want nil", status)
	}
}

func TestLiveStatusErrorWrapsChannelNotFound(t *testing.T) {
	withLiveStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	_, err := NewAPI(nil).LiveStatus(context.Background(), "missing")
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("err = %v, want ErrChannelNotFound", err)
	}
}

func TestLiveStatusTimeoutKeepsCause(t *testing.T) {
	withLiveStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewAPI(nil).LiveStatus(ctx, "slow")
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("err = %v, want ErrChannelNotFound", err)
	}
	// Callers distinguish timeouts from other poll failures, so the deadline
	// cause must survive the wrap.
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded in the chain", err)
	}
}

func TestAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("channelId"); got != "cc1" {
			t.Errorf("channelId = %q, want cc1", got)
		}
		if got := r.URL.Query().Get("chatType"); got != "STREAMING" {
			t.Errorf("chatType = %q, want STREAMING", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"content":{"accessToken":"tok123"}}`))
	}))
	defer srv.Close()

	orig := accessTokenEndpoint
	accessTokenEndpoint = srv.URL
	defer func() { accessTokenEndpoint = orig }()

	token, err := NewAPI(nil).AccessToken(context.Background(), "cc1")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "tok123" {
		t.Fatalf("token = %q, want tok123", token)
	}
}

func TestAccessTokenMissingWrapsAuthentication(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"content":{}}`))
	}))
	defer srv.Close()

	orig := accessTokenEndpoint
	accessTokenEndpoint = srv.URL
	defer func() { accessTokenEndpoint = orig }()

	_, err := NewAPI(nil).AccessToken(context.Background(), "cc1")
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
}
