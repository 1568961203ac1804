// Package health verifies a deployed service after restart: an HTTP
// status probe, a TCP reachability probe run from the host itself, or an
// arbitrary command probe, each retried a bounded number of times.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ouyangCL/remote-build/internal/core/remote"
	"github.com/ouyangCL/remote-build/internal/domain"
	"github.com/ouyangCL/remote-build/internal/logger"
)

// AttemptFunc is notified after each failed attempt, for the deployment
// log. The error of the last attempt is also wrapped into the final one.
type AttemptFunc func(attempt int, err error)

type Prober struct {
	log logger.Logger
}

func New(log logger.Logger) *Prober {
	return &Prober{log: log}
}

// Check runs the configured probe against one server, retrying up to
// cfg.Retries times with cfg.Interval between attempts. A disabled config
// passes without contacting anything. Exhausting all attempts returns
// ErrHealthCheckExhausted wrapping the last attempt's failure.
func (p *Prober) Check(ctx context.Context, cfg domain.HealthCheckConfig, server domain.Server, runner remote.Runner, onAttempt AttemptFunc) error {
	if !cfg.Enabled {
		return nil
	}

	retries := cfg.Retries
	if retries < 1 {
		retries = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = p.attempt(ctx, cfg, server, runner, timeout)
		if lastErr == nil {
			return nil
		}

		if onAttempt != nil {
			onAttempt(attempt, lastErr)
		}
		p.log.Debug("health check attempt failed",
			"host", server.Host,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt < retries && cfg.Interval > 0 {
			select {
			case <-time.After(cfg.Interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("%w after %d attempts on %s: %v",
		domain.ErrHealthCheckExhausted, retries, server.Host, lastErr)
}

func (p *Prober) attempt(ctx context.Context, cfg domain.HealthCheckConfig, server domain.Server, runner remote.Runner, timeout time.Duration) error {
	switch cfg.Kind {
	case domain.HealthCheckHTTP:
		return p.checkHTTP(ctx, cfg.URL, server.Host, timeout)
	case domain.HealthCheckTCP:
		return p.checkTCP(ctx, runner, cfg.Port, timeout)
	case domain.HealthCheckCommand:
		return p.checkCommand(ctx, runner, server.DeployPath, cfg.Command, timeout)
	default:
		return &domain.ConfigurationError{Reason: fmt.Sprintf("unknown health check kind %q", cfg.Kind)}
	}
}

func (p *Prober) checkHTTP(ctx context.Context, rawURL, host string, timeout time.Duration) error {
	target, err := RewriteLocalhost(rawURL, host)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, target)
	}
	return nil
}

// checkTCP tests reachability of the port from the host's own network
// vantage point rather than from the orchestrator.
func (p *Prober) checkTCP(ctx context.Context, runner remote.Runner, port int, timeout time.Duration) error {
	probe := fmt.Sprintf("< /dev/null > /dev/tcp/127.0.0.1/%d", port)
	command := fmt.Sprintf("timeout %d bash -c %s", int(timeout.Seconds()), remote.Quote(probe))

	result, err := runner.Execute(ctx, command, timeout+5*time.Second)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("port %d not reachable on %s", port, runner.Host())
	}
	return nil
}

func (p *Prober) checkCommand(ctx context.Context, runner remote.Runner, workingDir, command string, timeout time.Duration) error {
	full := command
	if workingDir != "" {
		full = "cd " + remote.Quote(workingDir) + " && " + command
	}

	result, err := runner.Execute(ctx, full, timeout)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return &domain.CommandFailedError{
			Host:     runner.Host(),
			Command:  command,
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
		}
	}
	return nil
}

// RewriteLocalhost points a health-check URL configured against localhost
// at the actual target host, keeping scheme, port and path.
func RewriteLocalhost(rawURL, host string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse health check url: %w", err)
	}

	switch u.Hostname() {
	case "localhost", "127.0.0.1", "0.0.0.0":
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort(host, port)
		} else {
			u.Host = host
		}
	}

	return u.String(), nil
}
