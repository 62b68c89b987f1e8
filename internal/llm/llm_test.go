package llm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInvokeSuccess(t *testing.T) {
	t.Parallel()

	c := &CLI{Path: "/bin/echo"}
	res := c.Invoke(context.Background(), "hello", 0)
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, stderr: %s", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "exec hello") {
		t.Errorf("stdout = %q, want argv echoed", res.Stdout)
	}
}

func TestInvokeMissingBinaryIs127(t *testing.T) {
	t.Parallel()

	c := &CLI{Path: "definitely-not-a-real-binary-4a1b"}
	res := c.Invoke(context.Background(), "hi", 0)
	if res.ExitCode != ExitMissingBinary {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, ExitMissingBinary)
	}
	if !strings.Contains(res.Stderr, "not found") {
		t.Errorf("stderr = %q, want not-found note", res.Stderr)
	}
}

func TestInvokeTimeoutIs124(t *testing.T) {
	t.Parallel()

	script := filepath.Join(t.TempDir(), "slow-llm")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	c := &CLI{Path: script}
	res := c.Invoke(context.Background(), "work", 50*time.Millisecond)
	if res.ExitCode != ExitTimeout {
		t.Errorf("ExitCode = %d, want %d", res.ExitCode, ExitTimeout)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Errorf("stderr = %q, want timeout note", res.Stderr)
	}
}

func TestInvokeNonZeroExit(t *testing.T) {
	t.Parallel()

	c := &CLI{Path: "/bin/false"}
	res := c.Invoke(context.Background(), "x", 0)
	if res.ExitCode == 0 {
		t.Errorf("ExitCode = 0, want non-zero")
	}
	if res.OK() {
		t.Errorf("OK() true for non-zero exit")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := (&CLI{Path: "sh"}).Validate(); err != nil {
		t.Errorf("Validate(sh): %v", err)
	}
	if err := (&CLI{Path: "definitely-not-a-real-binary-4a1b"}).Validate(); err == nil {
		t.Errorf("Validate on missing binary succeeded")
	}
}
