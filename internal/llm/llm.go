// Package llm runs the external LLM CLI. The contract is deliberately thin:
// a prompt goes in, an exit code plus captured stdout/stderr come out.
// Timeouts and a missing binary surface as conventional exit codes (124 and
// 127) so callers route every non-zero outcome the same way.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Exit codes for outcomes that never reach the child process.
const (
	ExitTimeout       = 124
	ExitMissingBinary = 127
)

// Result is the outcome of one LLM invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Invoker executes one prompt against an LLM. A zero timeout means no
// bound.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, timeout time.Duration) Result
}

// CLI invokes a codex-style command line: <path> exec <prompt>.
type CLI struct {
	Path    string
	Verbose bool
}

// Invoke runs the CLI with the prompt as a single argv element, bounded by
// timeout when non-zero. The child runs in its own session so it cannot
// reach the controlling terminal.
func (c *CLI) Invoke(ctx context.Context, prompt string, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Path, "exec", prompt)
	cmd.SysProcAttr = sessionAttr()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if c.Verbose {
		fmt.Fprintf(os.Stderr, "[llm] running: %s exec <%d byte prompt>\n", c.Path, len(prompt))
	}

	err := cmd.Run()
	res := Result{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = ExitTimeout
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("timed out after %s", timeout))
		return res
	}
	if errors.Is(err, exec.ErrNotFound) {
		res.ExitCode = ExitMissingBinary
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("%s not found: %v", c.Path, err))
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res
	}
	res.ExitCode = 1
	res.Stderr = appendLine(res.Stderr, fmt.Sprintf("invocation error: %v", err))
	return res
}

// Validate checks that the CLI binary resolves on PATH.
func (c *CLI) Validate() error {
	if _, err := exec.LookPath(c.Path); err != nil {
		return fmt.Errorf("llm CLI not found at %q: %w", c.Path, err)
	}
	return nil
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return strings.TrimRight(s, "\n") + "\n" + line
}
