package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for step-level failures. These abort the deployment
// immediately; host-level failures (the typed errors below) are collected
// per host and only fail the deployment after every host was attempted.
var (
	ErrArtifactMissing      = errors.New("artifact file missing")
	ErrHealthCheckExhausted = errors.New("health check retries exhausted")
	ErrBuildFailed          = errors.New("build failed")
)

// ConfigurationError reports an invalid deployment request, such as an
// environment mismatch or a restart-only deployment without a configured
// restart-only script.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}

// ConnectionError means a host could not be reached or authenticated.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandTimeoutError means a remote command exceeded its execution ceiling.
type CommandTimeoutError struct {
	Host    string
	Command string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command on %s timed out after %s", e.Host, e.Timeout)
}

// CommandFailedError means a remote command exited non-zero.
type CommandFailedError struct {
	Host     string
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command on %s exited with code %d: %s", e.Host, e.ExitCode, e.Stderr)
}
