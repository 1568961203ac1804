package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/ouyangCL/remote-build/internal/domain"
)

const (
	dialTimeout = 30 * time.Second

	initialScannerBufferSize = 4096
	maxScannerBufferSize     = 10 * 1024 * 1024
)

// SSHDialer opens SSH runners using credentials resolved through the
// configured provider.
type SSHDialer struct {
	defaultTimeout time.Duration
}

func NewSSHDialer(defaultTimeout time.Duration) *SSHDialer {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCommandTimeout
	}
	return &SSHDialer{defaultTimeout: defaultTimeout}
}

func (d *SSHDialer) Dial(ctx context.Context, host string, port int, username string, auth AuthConfig) (Runner, error) {
	var methods []ssh.AuthMethod

	switch auth.Method {
	case string(domain.AuthSSHKey):
		signer, err := ssh.ParsePrivateKey([]byte(auth.Secret))
		if err != nil {
			return nil, &domain.ConnectionError{Host: host, Err: fmt.Errorf("parse private key: %w", err)}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	case string(domain.AuthPassword):
		methods = append(methods, ssh.Password(auth.Secret))
	default:
		return nil, &domain.ConnectionError{Host: host, Err: fmt.Errorf("unsupported auth method %q", auth.Method)}
	}

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, &domain.ConnectionError{Host: host, Err: err}
	}

	return &sshRunner{
		client:         client,
		host:           host,
		defaultTimeout: d.defaultTimeout,
	}, nil
}

type sshRunner struct {
	client         *ssh.Client
	host           string
	defaultTimeout time.Duration

	mu   sync.Mutex
	sftp *sftp.Client
}

func (r *sshRunner) Host() string { return r.host }

func (r *sshRunner) Execute(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	return r.ExecuteStream(ctx, command, timeout, nil, nil)
}

func (r *sshRunner) ExecuteStream(ctx context.Context, command string, timeout time.Duration, onStdout, onStderr StreamHandler) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	session, err := r.client.NewSession()
	if err != nil {
		return nil, &domain.ConnectionError{Host: r.host, Err: fmt.Errorf("new session: %w", err)}
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, &domain.ConnectionError{Host: r.host, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, &domain.ConnectionError{Host: r.host, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := session.Start(command); err != nil {
		return nil, &domain.ConnectionError{Host: r.host, Err: fmt.Errorf("start command: %w", err)}
	}

	var outBuf, errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		streamLines(stdout, &outBuf, onStdout)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, &errBuf, onStderr)
	}()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- session.Wait()
	}()

	result := &ExecResult{}

	select {
	case waitErr := <-done:
		result.Stdout = strings.TrimRight(outBuf.String(), "\n")
		result.Stderr = strings.TrimRight(errBuf.String(), "\n")
		if waitErr != nil {
			var exitErr *ssh.ExitError
			if errors.As(waitErr, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return nil, &domain.ConnectionError{Host: r.host, Err: waitErr}
		}
		return result, nil

	case <-time.After(timeout):
		_ = session.Signal(ssh.SIGTERM)
		return nil, &domain.CommandTimeoutError{Host: r.host, Command: command, Timeout: timeout}

	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return nil, ctx.Err()
	}
}

// streamLines captures output while relaying each normalized line to the
// handler. Carriage returns from progress-style output are treated as
// line breaks.
func streamLines(r io.Reader, capture *strings.Builder, handler StreamHandler) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialScannerBufferSize), maxScannerBufferSize)

	for scanner.Scan() {
		text := scanner.Text()
		text = strings.ReplaceAll(text, "\r\n", "\n")
		text = strings.ReplaceAll(text, "\r", "\n")

		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimRight(line, " \t")
			capture.WriteString(line)
			capture.WriteString("\n")
			if handler != nil && line != "" {
				handler(line)
			}
		}
	}
}

func (r *sshRunner) sftpClient() (*sftp.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sftp != nil {
		return r.sftp, nil
	}

	client, err := sftp.NewClient(r.client)
	if err != nil {
		return nil, &domain.ConnectionError{Host: r.host, Err: fmt.Errorf("open sftp: %w", err)}
	}
	r.sftp = client
	return client, nil
}

func (r *sshRunner) Upload(ctx context.Context, localPath, remotePath string) error {
	client, err := r.sftpClient()
	if err != nil {
		return err
	}

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local artifact: %w", err)
	}
	defer local.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return &domain.ConnectionError{Host: r.host, Err: fmt.Errorf("mkdir %s: %w", dir, err)}
		}
	}

	remote, err := client.Create(remotePath)
	if err != nil {
		return &domain.ConnectionError{Host: r.host, Err: fmt.Errorf("create %s: %w", remotePath, err)}
	}
	defer remote.Close()

	if _, err := io.Copy(remote, local); err != nil {
		return &domain.ConnectionError{Host: r.host, Err: fmt.Errorf("upload %s: %w", remotePath, err)}
	}

	return nil
}

func (r *sshRunner) FileExists(ctx context.Context, remotePath string) (bool, error) {
	client, err := r.sftpClient()
	if err != nil {
		return false, err
	}

	if _, err := client.Stat(remotePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &domain.ConnectionError{Host: r.host, Err: err}
	}
	return true, nil
}

func (r *sshRunner) Close() error {
	r.mu.Lock()
	if r.sftp != nil {
		_ = r.sftp.Close()
		r.sftp = nil
	}
	r.mu.Unlock()

	return r.client.Close()
}
