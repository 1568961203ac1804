// Package build turns a project's working tree into a deployable
// artifact: it fetches the source, runs the optional install command and
// the build command locally with line streaming, and packages the output
// directory into a checksummed zip.
package build

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const (
	initialScannerBufferSize = 4096
	maxScannerBufferSize     = 10 * 1024 * 1024
)

type StreamHandler = func(line string, isErr bool)

// Command is one local shell command bound to a working directory.
type Command struct {
	workDir string
	script  string
	env     []string
}

func NewShell(workDir, script string) *Command {
	return &Command{
		workDir: workDir,
		script:  script,
	}
}

// WithEnv adds variables on top of the parent process environment.
func (c *Command) WithEnv(env ...string) *Command {
	c.env = append(c.env, env...)
	return c
}

// Run executes the command, relaying each output line to the handlers as
// it arrives. The full output is returned together with the exit code; a
// non-zero exit is reported through the code, not the error.
func (c *Command) Run(ctx context.Context, handlers ...StreamHandler) (string, int, error) {
	var buf bytes.Buffer

	exitCode, err := c.execute(ctx, func(line string, isErr bool) {
		buf.WriteString(line)
		buf.WriteString("\n")

		for _, h := range handlers {
			if h != nil {
				h(line, isErr)
			}
		}
	})

	return buf.String(), exitCode, err
}

func (c *Command) execute(ctx context.Context, onStream StreamHandler) (int, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", c.script)
	cmd.Dir = c.workDir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start command: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.streamOutput(stdout, onStream, false)
	}()

	go func() {
		defer wg.Done()
		c.streamOutput(stderr, onStream, true)
	}()

	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("command failed: %w", err)
	}

	return 0, nil
}

func (c *Command) streamOutput(r io.Reader, handler StreamHandler, isErr bool) {
	if handler == nil {
		handler = func(string, bool) {}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialScannerBufferSize), maxScannerBufferSize)

	for scanner.Scan() {
		for _, line := range normalizeAndSplitLines(scanner.Text()) {
			line = strings.TrimSpace(line)
			if line != "" {
				handler(line, isErr)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		handler(fmt.Sprintf("scanner error: %v", err), true)
	}
}

func normalizeAndSplitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	return strings.Split(text, "\n")
}
