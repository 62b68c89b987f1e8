// Package gh wraps the gh CLI as the transport for the server-fields
// backend. Every call shells out to gh with bounded retries; secondary rate
// limit responses back off longer than ordinary failures.
package gh

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/avast/retry-go"
)

// Runner executes one gh invocation. Split out so tests can fake the CLI.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Client is a gh CLI wrapper scoped to an optional repository override.
type Client struct {
	Repo    string // optional owner/name override for issue commands
	Retries uint

	runner Runner
}

// NewClient builds a client using the real gh binary.
func NewClient(repo string) *Client {
	return &Client{Repo: repo, Retries: 3, runner: execRunner{}}
}

// NewClientWithRunner builds a client over a custom runner.
func NewClientWithRunner(repo string, r Runner) *Client {
	return &Client{Repo: repo, Retries: 3, runner: r}
}

// isSecondaryRateLimit matches GitHub's abuse-detection responses, which
// need a longer pause than transient failures.
func isSecondaryRateLimit(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "secondary rate limit")
}

type runError struct {
	args      []string
	stderr    string
	rateLimit bool
	cause     error
}

func (e *runError) Error() string {
	return fmt.Sprintf("gh %s: %v: %s", strings.Join(e.args, " "), e.cause, strings.TrimSpace(e.stderr))
}

func (e *runError) Unwrap() error { return e.cause }

// run executes gh with retries and returns stdout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	var out string
	err := retry.Do(
		func() error {
			stdout, stderr, err := c.runner.Run(ctx, args...)
			if err != nil {
				return &runError{args: args, stderr: stderr, rateLimit: isSecondaryRateLimit(stderr), cause: err}
			}
			out = stdout
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.Retries),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, err error, cfg *retry.Config) time.Duration {
			if re, ok := err.(*runError); ok && re.rateLimit {
				return 800 * time.Millisecond
			}
			return retry.BackOffDelay(n, err, cfg)
		}),
	)
	return out, err
}

// issueArgs prefixes issue subcommands with the repo override when set.
func (c *Client) issueArgs(args ...string) []string {
	if c.Repo != "" {
		return append([]string{"-R", c.Repo}, args...)
	}
	return args
}

// AuthStatus verifies the CLI is authenticated. Project field edits also
// need the 'project' token scope, which auth status cannot confirm.
func (c *Client) AuthStatus(ctx context.Context) error {
	_, err := c.run(ctx, "auth", "status")
	return err
}

// RepoOwner returns the owner login of the current repository.
func (c *Client) RepoOwner(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "repo", "view", "--json", "owner", "--jq", ".owner.login")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RepoName returns the name of the current repository.
func (c *Client) RepoName(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "repo", "view", "--json", "name", "--jq", ".name")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
