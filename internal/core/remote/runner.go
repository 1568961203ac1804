// Package remote is the command channel to deploy targets: it opens an
// authenticated SSH connection to one host, executes commands with
// optional line streaming, and transfers artifact files over SFTP.
package remote

import (
	"context"
	"time"
)

// DefaultCommandTimeout bounds any single remote command that does not
// carry its own timeout.
const DefaultCommandTimeout = 300 * time.Second

// StreamHandler receives one output line as it arrives.
type StreamHandler func(line string)

// ExecResult carries the outcome of one remote command. A non-zero exit
// code is not an error at this layer; callers decide what it means.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes commands and transfers files on one connected host.
type Runner interface {
	// Execute runs a command and returns its exit code and captured
	// output. A timeout of zero applies DefaultCommandTimeout.
	Execute(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)

	// ExecuteStream is Execute with per-line callbacks for stdout and
	// stderr, invoked as output arrives. The full output is still
	// captured in the result.
	ExecuteStream(ctx context.Context, command string, timeout time.Duration, onStdout, onStderr StreamHandler) (*ExecResult, error)

	// Upload copies a local file to the host.
	Upload(ctx context.Context, localPath, remotePath string) error

	// FileExists reports whether a path exists on the host.
	FileExists(ctx context.Context, remotePath string) (bool, error)

	Host() string
	Close() error
}

// Dialer opens a Runner to a host. The orchestrator depends on this
// interface; tests substitute fakes for it.
type Dialer interface {
	Dial(ctx context.Context, host string, port int, username string, auth AuthConfig) (Runner, error)
}

// AuthConfig is the resolved credential material for one connection.
type AuthConfig struct {
	Method string // "password" or "ssh_key"
	Secret string // password or PEM-encoded private key
}
