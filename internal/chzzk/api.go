package chzzk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Endpoint URLs are package vars so tests can point them at a local server.
var (
	liveStatusEndpoint  = "https://api.chzzk.naver.com/polling/v2/channels/%s/live-status"
	accessTokenEndpoint = "https://comm-api.game.naver.com/nng_main/v1/chats/access-token"
)

// LiveStatus is the normalized result of a live-status poll.
type LiveStatus struct {
	IsLive        bool
	LiveID        int64
	ChatChannelID string
	Title         string
}

// API is the unauthenticated HTTP client for live status and chat access
// tokens.
type API struct {
	http *http.Client
}

// NewAPI creates an API client. If client is nil a default client with a sane
// timeout is used.
func NewAPI(client *http.Client) *API {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{http: client}
}

// ResetConnections drops idle keep-alive connections so the next request
// dials fresh. Called after a status-poll timeout to shake off a wedged
// connection.
func (a *API) ResetConnections() {
	a.http.CloseIdleConnections()
}

type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Content json.RawMessage `json:"content"`
}

type liveStatusContent struct {
	Status                string `json:"status"`
	LiveID                int64  `json:"liveId"`
	LiveTitle             string `json:"liveTitle"`
	ChatChannelID         string `json:"chatChannelId"`
	LivePollingStatusJSON string `json:"livePollingStatusJson"`
}

type pollingStatus struct {
	IsPublishing bool `json:"isPublishing"`
}

// LiveStatus queries the live-status endpoint for a channel. A nil result
// with nil error means the channel exists but reported no status (offline).
// The top-level status flag can read CLOSE while actively streaming; the
// nested isPublishing flag is authoritative, with the outer flag as fallback.
func (a *API) LiveStatus(ctx context.Context, channelID string) (*LiveStatus, error) {
	var env apiEnvelope
	if err := a.getJSON(ctx, fmt.Sprintf(liveStatusEndpoint, url.PathEscape(channelID)), &env); err != nil {
		// Keep the transport cause in the chain: the watcher distinguishes
		// timeouts (context.DeadlineExceeded) to reset wedged connections.
		return nil, fmt.Errorf("%w: %w", ErrChannelNotFound, err)
	}
	if env.Code != 200 {
		return nil, fmt.Errorf("%w: api code %d: %s", ErrChannelNotFound, env.Code, env.Message)
	}
	if len(env.Content) == 0 || string(env.Content) == "null" {
		return nil, nil
	}

	var content liveStatusContent
	if err := json.Unmarshal(env.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: decode content: %v", ErrChannelNotFound, err)
	}

	live := false
	if content.LivePollingStatusJSON != "" {
		var polling pollingStatus
		if err := json.Unmarshal([]byte(content.LivePollingStatusJSON), &polling); err == nil {
			live = polling.IsPublishing
		}
	}
	if !live {
		live = content.Status == "OPEN"
	}

	return &LiveStatus{
		IsLive:        live,
		LiveID:        content.LiveID,
		ChatChannelID: content.ChatChannelID,
		Title:         content.LiveTitle,
	}, nil
}

// AccessToken fetches a short-lived bearer token for the chat channel,
// carried in the CONNECT frame.
func (a *API) AccessToken(ctx context.Context, chatChannelID string) (string, error) {
	u := accessTokenEndpoint + "?" + url.Values{
		"channelId": []string{chatChannelID},
		"chatType":  []string{"STREAMING"},
	}.Encode()

	var env apiEnvelope
	if err := a.getJSON(ctx, u, &env); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if env.Code != 200 {
		return "", fmt.Errorf("%w: api code %d: %s", ErrAuthentication, env.Code, env.Message)
	}

	var content struct {
		AccessToken string `json:"accessToken"`
	}
	if len(env.Content) > 0 {
		if err := json.Unmarshal(env.Content, &content); err != nil {
			return "", fmt.Errorf("%w: decode content: %v", ErrAuthentication, err)
		}
	}
	if content.AccessToken == "" {
		return "", fmt.Errorf("%w: no access token in response", ErrAuthentication)
	}
	return content.AccessToken, nil
}

func (a *API) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; nokwatch/1.0)")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
