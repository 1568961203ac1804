package logfollow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouyangCL/remote-build/internal/domain"
)

func TestReconnectDelaySchedule(t *testing.T) {
	assert.Equal(t, time.Second, ReconnectDelay(1))
	assert.Equal(t, 2*time.Second, ReconnectDelay(2))
	assert.Equal(t, 4*time.Second, ReconnectDelay(3))
}

func TestPollIntervalAdapts(t *testing.T) {
	assert.Equal(t, time.Second, PollInterval(true, domain.DeploymentBuilding))
	assert.Equal(t, 2500*time.Millisecond, PollInterval(false, domain.DeploymentBuilding))
	assert.Equal(t, 5*time.Second, PollInterval(false, domain.DeploymentQueued))
	assert.Equal(t, 5*time.Second, PollInterval(false, domain.DeploymentPending))
}

func TestPushDeliversLogsAndFinished(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/ws/deployments/"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		writeFrame(t, conn, "keepalive", nil)
		writeFrame(t, conn, "log", domain.LogEntry{ID: 1, DeploymentID: 7, Content: "cloning repository"})
		writeFrame(t, conn, "log", domain.LogEntry{ID: 2, DeploymentID: 7, Content: "build finished"})
		writeFrame(t, conn, "finished", domain.EventDeploymentFinished{
			DeploymentID: 7, Status: domain.DeploymentSuccess,
		})
	}))
	defer srv.Close()

	f := New(Options{BaseURL: srv.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lines []string
	var final domain.DeploymentStatus
	for ev := range f.Follow(ctx, 7) {
		if ev.Entry != nil {
			lines = append(lines, ev.Entry.Content)
		}
		if ev.Status != "" {
			final = ev.Status
		}
	}

	assert.Equal(t, []string{"cloning repository", "build finished"}, lines)
	assert.Equal(t, domain.DeploymentSuccess, final)
}

func TestPushSendsTokenQuery(t *testing.T) {
	var gotToken atomic.Value
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		writeFrame(t, conn, "finished", domain.EventDeploymentFinished{DeploymentID: 3, Status: domain.DeploymentFailed})
	}))
	defer srv.Close()

	f := New(Options{BaseURL: srv.URL, Token: "secret-token"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range f.Follow(ctx, 3) {
	}

	assert.Equal(t, "secret-token", gotToken.Load())
}

func TestFollowFallsBackToPollingAfterReconnectsExhausted(t *testing.T) {
	var wsAttempts atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/deployments/", func(w http.ResponseWriter, r *http.Request) {
		wsAttempts.Add(1)
		http.Error(w, "push channel unavailable", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/deployments/5/logs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"entries":[],"status":"success","progress":100,"step":""}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Options{BaseURL: srv.URL})
	f.reconnectDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var final domain.DeploymentStatus
	for ev := range f.Follow(ctx, 5) {
		if ev.Status != "" {
			final = ev.Status
		}
	}

	assert.EqualValues(t, 4, wsAttempts.Load(), "one dial before each backoff sleep plus the final attempt")
	assert.Equal(t, domain.DeploymentSuccess, final)
}

func TestPollReadsUntilTerminal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")

		if n == 1 {
			assert.Equal(t, "/deployments/9/logs", r.URL.Path)
			assert.Equal(t, "0", r.URL.Query().Get("after"))
			fmt.Fprint(w, `{"data":{"entries":[{"id":1,"deployment_id":9,"level":"info","content":"uploading artifact"}],"status":"uploading","progress":60,"step":"uploading"}}`)
			return
		}

		assert.Equal(t, "1", r.URL.Query().Get("after"))
		fmt.Fprint(w, `{"data":{"entries":[{"id":2,"deployment_id":9,"level":"info","content":"done"}],"status":"success","progress":100,"step":""}}`)
	}))
	defer srv.Close()

	f := New(Options{BaseURL: srv.URL})
	out := make(chan Event, 16)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.poll(ctx, 9, 0, out)
		close(out)
		close(done)
	}()

	var lines []string
	var final domain.DeploymentStatus
	for ev := range out {
		if ev.Entry != nil {
			lines = append(lines, ev.Entry.Content)
		}
		if ev.Status != "" {
			final = ev.Status
		}
	}

	<-done
	assert.Equal(t, []string{"uploading artifact", "done"}, lines)
	assert.Equal(t, domain.DeploymentSuccess, final)
	assert.EqualValues(t, 2, calls.Load())
}

func TestPollAuthorizationHeader(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"entries":[],"status":"cancelled","progress":0,"step":""}}`)
	}))
	defer srv.Close()

	f := New(Options{BaseURL: srv.URL, Token: "tkn"})
	out := make(chan Event, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.poll(ctx, 1, 0, out)

	assert.Equal(t, "Bearer tkn", gotAuth.Load())
}

func writeFrame(t *testing.T, conn *websocket.Conn, kind string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	fr := frame{Type: kind, Payload: raw}
	require.NoError(t, conn.WriteJSON(fr))
}
