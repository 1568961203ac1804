package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouyangCL/remote-build/internal/core/remote"
	"github.com/ouyangCL/remote-build/internal/domain"
	"github.com/ouyangCL/remote-build/internal/logger"
)

type fakeRunner struct {
	host     string
	commands []string
	exitCode int
	err      error
}

func (f *fakeRunner) Execute(ctx context.Context, command string, timeout time.Duration) (*remote.ExecResult, error) {
	f.commands = append(f.commands, command)
	if f.err != nil {
		return nil, f.err
	}
	return &remote.ExecResult{ExitCode: f.exitCode}, nil
}

func (f *fakeRunner) ExecuteStream(ctx context.Context, command string, timeout time.Duration, onStdout, onStderr remote.StreamHandler) (*remote.ExecResult, error) {
	return f.Execute(ctx, command, timeout)
}

func (f *fakeRunner) Upload(ctx context.Context, localPath, remotePath string) error { return nil }
func (f *fakeRunner) FileExists(ctx context.Context, remotePath string) (bool, error) {
	return false, nil
}
func (f *fakeRunner) Host() string { return f.host }
func (f *fakeRunner) Close() error { return nil }

func TestCheckDisabledPasses(t *testing.T) {
	p := New(logger.NewNop())
	runner := &fakeRunner{host: "host-a"}

	err := p.Check(context.Background(), domain.HealthCheckConfig{Enabled: false},
		domain.Server{Host: "host-a"}, runner, nil)

	require.NoError(t, err)
	assert.Empty(t, runner.commands)
}

func TestCheckHTTPHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := New(logger.NewNop())
	cfg := domain.HealthCheckConfig{
		Enabled: true,
		Kind:    domain.HealthCheckHTTP,
		URL:     srv.URL,
		Retries: 3,
		Timeout: time.Second,
	}

	err := p.Check(context.Background(), cfg, domain.Server{Host: "host-a"}, nil, nil)
	require.NoError(t, err)
}

func TestCheckHTTPExhaustsRetries(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(logger.NewNop())
	cfg := domain.HealthCheckConfig{
		Enabled:  true,
		Kind:     domain.HealthCheckHTTP,
		URL:      srv.URL,
		Retries:  3,
		Interval: 0,
		Timeout:  time.Second,
	}

	var reported int
	err := p.Check(context.Background(), cfg, domain.Server{Host: "host-a"}, nil,
		func(attempt int, err error) { reported++ })

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHealthCheckExhausted)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, reported)
}

func TestCheckHTTPRedirectRangeIsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(logger.NewNop())
	cfg := domain.HealthCheckConfig{
		Enabled: true,
		Kind:    domain.HealthCheckHTTP,
		URL:     srv.URL,
		Retries: 1,
		Timeout: time.Second,
	}

	err := p.Check(context.Background(), cfg, domain.Server{Host: "host-a"}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrHealthCheckExhausted)
}

func TestCheckTCPRunsOnHost(t *testing.T) {
	p := New(logger.NewNop())
	runner := &fakeRunner{host: "host-a", exitCode: 0}
	cfg := domain.HealthCheckConfig{
		Enabled: true,
		Kind:    domain.HealthCheckTCP,
		Port:    8080,
		Retries: 1,
		Timeout: 2 * time.Second,
	}

	err := p.Check(context.Background(), cfg, domain.Server{Host: "host-a"}, runner, nil)

	require.NoError(t, err)
	require.Len(t, runner.commands, 1)
	assert.Contains(t, runner.commands[0], "/dev/tcp/127.0.0.1/8080")
}

func TestCheckTCPUnreachable(t *testing.T) {
	p := New(logger.NewNop())
	runner := &fakeRunner{host: "host-a", exitCode: 1}
	cfg := domain.HealthCheckConfig{
		Enabled: true,
		Kind:    domain.HealthCheckTCP,
		Port:    8080,
		Retries: 2,
		Timeout: time.Second,
	}

	err := p.Check(context.Background(), cfg, domain.Server{Host: "host-a"}, runner, nil)

	assert.ErrorIs(t, err, domain.ErrHealthCheckExhausted)
	assert.Len(t, runner.commands, 2)
}

func TestCheckCommandUsesDeployPath(t *testing.T) {
	p := New(logger.NewNop())
	runner := &fakeRunner{host: "host-a", exitCode: 0}
	cfg := domain.HealthCheckConfig{
		Enabled: true,
		Kind:    domain.HealthCheckCommand,
		Command: "systemctl is-active myapp",
		Retries: 1,
		Timeout: time.Second,
	}

	err := p.Check(context.Background(), cfg,
		domain.Server{Host: "host-a", DeployPath: "/srv/myapp"}, runner, nil)

	require.NoError(t, err)
	require.Len(t, runner.commands, 1)
	assert.Equal(t, "cd /srv/myapp && systemctl is-active myapp", runner.commands[0])
}

func TestCheckCancelledContext(t *testing.T) {
	p := New(logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := domain.HealthCheckConfig{
		Enabled: true,
		Kind:    domain.HealthCheckTCP,
		Port:    80,
		Retries: 3,
		Timeout: time.Second,
	}

	err := p.Check(ctx, cfg, domain.Server{Host: "host-a"}, &fakeRunner{host: "host-a"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRewriteLocalhost(t *testing.T) {
	cases := []struct {
		in, host, want string
	}{
		{"http://localhost:8080/health", "10.0.0.5", "http://10.0.0.5:8080/health"},
		{"http://127.0.0.1/health", "10.0.0.5", "http://10.0.0.5/health"},
		{"https://0.0.0.0:443/ping", "example.com", "https://example.com:443/ping"},
		{"http://example.org:9090/health", "10.0.0.5", "http://example.org:9090/health"},
	}

	for _, tc := range cases {
		got, err := RewriteLocalhost(tc.in, tc.host)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}
