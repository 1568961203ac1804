// Package logfollow follows one deployment's log stream from the
// consumer side: it prefers the websocket push channel, reconnects with
// exponential backoff, and falls back permanently to incremental polling
// when the push channel cannot be sustained.
package logfollow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ouyangCL/remote-build/internal/domain"
)

const (
	// Backoff sleeps between push attempts: one more attempt than
	// sleeps before the permanent polling fallback.
	maxReconnectDelays = 3
	baseReconnectDelay = time.Second

	pollAfterNewEntries = time.Second
	pollActive          = 2500 * time.Millisecond
	pollQueued          = 5 * time.Second
)

// Event is one observation delivered to the consumer: either a log entry
// or a status update (both fields may be set on poll responses).
type Event struct {
	Entry    *domain.LogEntry
	Status   domain.DeploymentStatus
	Progress int
	Step     string
}

type Options struct {
	// BaseURL is the server root, e.g. "http://127.0.0.1:3000".
	BaseURL string
	Token   string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

type Follower struct {
	opts   Options
	http   *http.Client
	dialer *websocket.Dialer

	// Backoff schedule between push attempts. Every delay is slept
	// through once; after the last retry the follower polls for good.
	reconnectDelays []time.Duration
}

func New(opts Options) *Follower {
	f := &Follower{opts: opts, http: opts.HTTPClient, dialer: opts.Dialer}
	if f.http == nil {
		f.http = &http.Client{Timeout: 15 * time.Second}
	}
	if f.dialer == nil {
		f.dialer = websocket.DefaultDialer
	}
	f.reconnectDelays = make([]time.Duration, maxReconnectDelays)
	for i := range f.reconnectDelays {
		f.reconnectDelays[i] = ReconnectDelay(i + 1)
	}
	return f
}

// Follow streams events for one deployment until it reaches a terminal
// status or the context is cancelled. The returned channel is closed when
// following ends.
func (f *Follower) Follow(ctx context.Context, deploymentID int64) <-chan Event {
	out := make(chan Event, 64)

	go func() {
		defer close(out)

		watermark := int64(0)

		for attempt := 0; ; attempt++ {
			if ctx.Err() != nil {
				return
			}

			terminal, _ := f.push(ctx, deploymentID, &watermark, out)
			if terminal || ctx.Err() != nil {
				return
			}

			if attempt >= len(f.reconnectDelays) {
				break
			}

			select {
			case <-time.After(f.reconnectDelays[attempt]):
			case <-ctx.Done():
				return
			}
		}

		f.poll(ctx, deploymentID, watermark, out)
	}()

	return out
}

// ReconnectDelay is the backoff before reconnect attempt n+1: 1s, 2s, 4s.
func ReconnectDelay(attempt int) time.Duration {
	return baseReconnectDelay << (attempt - 1)
}

type frame struct {
	Type         string          `json:"type"`
	DeploymentID int64           `json:"deployment_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// push consumes the websocket channel until it breaks. It reports whether
// the deployment finished while connected.
func (f *Follower) push(ctx context.Context, deploymentID int64, watermark *int64, out chan<- Event) (bool, error) {
	wsURL, err := f.wsURL(deploymentID)
	if err != nil {
		return false, err
	}

	conn, resp, err := f.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, fmt.Errorf("dial push channel: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return false, fmt.Errorf("read push channel: %w", err)
		}

		var fr frame
		if err := json.Unmarshal(message, &fr); err != nil {
			continue
		}

		switch fr.Type {
		case "keepalive":
			// Markers only prove liveness.

		case "log":
			var entry domain.LogEntry
			if err := json.Unmarshal(fr.Payload, &entry); err != nil {
				continue
			}
			if entry.ID > *watermark {
				*watermark = entry.ID
			}
			select {
			case out <- Event{Entry: &entry}:
			case <-ctx.Done():
				return false, ctx.Err()
			}

		case "status":
			var st domain.EventDeploymentStatusChanged
			if err := json.Unmarshal(fr.Payload, &st); err != nil {
				continue
			}
			select {
			case out <- Event{Status: st.Status, Progress: st.Progress, Step: st.Step}:
			case <-ctx.Done():
				return false, ctx.Err()
			}

		case "finished":
			var fin domain.EventDeploymentFinished
			if err := json.Unmarshal(fr.Payload, &fin); err != nil {
				continue
			}
			select {
			case out <- Event{Status: fin.Status, Progress: 100}:
			case <-ctx.Done():
			}
			return true, nil
		}
	}
}

type logsResponse struct {
	Data struct {
		Entries  []domain.LogEntry       `json:"entries"`
		Status   domain.DeploymentStatus `json:"status"`
		Progress int                     `json:"progress"`
		Step     string                  `json:"step"`
	} `json:"data"`
}

// poll follows the deployment with incremental reads until it turns
// terminal. The interval adapts to activity.
func (f *Follower) poll(ctx context.Context, deploymentID, watermark int64, out chan<- Event) {
	interval := pollActive

	for {
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}

		resp, err := f.getSince(ctx, deploymentID, watermark)
		if err != nil {
			interval = pollQueued
			continue
		}

		for i := range resp.Data.Entries {
			entry := resp.Data.Entries[i]
			if entry.ID > watermark {
				watermark = entry.ID
			}
			select {
			case out <- Event{Entry: &entry}:
			case <-ctx.Done():
				return
			}
		}

		select {
		case out <- Event{Status: resp.Data.Status, Progress: resp.Data.Progress, Step: resp.Data.Step}:
		case <-ctx.Done():
			return
		}

		if resp.Data.Status.Terminal() {
			return
		}

		interval = PollInterval(len(resp.Data.Entries) > 0, resp.Data.Status)
	}
}

// PollInterval adapts the next poll delay: short right after new entries
// arrived, medium during active steps, long while queued.
func PollInterval(sawEntries bool, status domain.DeploymentStatus) time.Duration {
	switch {
	case sawEntries:
		return pollAfterNewEntries
	case status == domain.DeploymentQueued || status == domain.DeploymentPending:
		return pollQueued
	default:
		return pollActive
	}
}

func (f *Follower) getSince(ctx context.Context, deploymentID, watermark int64) (*logsResponse, error) {
	endpoint := fmt.Sprintf("%s/deployments/%d/logs?after=%d",
		strings.TrimRight(f.opts.BaseURL, "/"), deploymentID, watermark)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if f.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.opts.Token)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from logs endpoint", resp.StatusCode)
	}

	var parsed logsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (f *Follower) wsURL(deploymentID int64) (string, error) {
	u, err := url.Parse(f.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/ws/deployments/%d", deploymentID)
	if f.opts.Token != "" {
		q := u.Query()
		q.Set("token", f.opts.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
