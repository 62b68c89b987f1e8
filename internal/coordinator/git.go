package coordinator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitOps is the repository side of the wave loop: a credentials preflight
// before a wave's swarm starts and a push of the guardian's commits after.
type GitOps interface {
	Preflight(ctx context.Context) error
	Push(ctx context.Context) error
}

// Git runs the git and make binaries found on PATH against the repository
// in the working directory.
type Git struct{}

// Preflight verifies the containerized toolchain and remote credentials. A
// dry-run push exercises authentication without mutating the remote.
func (Git) Preflight(ctx context.Context) error {
	for _, bin := range []string{"git", "make"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("coordinator: preflight: %w", err)
		}
	}
	out, err := exec.CommandContext(ctx, "git", "push", "--dry-run").CombinedOutput()
	if err != nil {
		return fmt.Errorf("coordinator: preflight push: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Push publishes the commits the guardian made for this wave.
func (Git) Push(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "git", "push").CombinedOutput()
	if err != nil {
		return fmt.Errorf("coordinator: push: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
