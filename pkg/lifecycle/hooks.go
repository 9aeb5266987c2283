package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/sindri-dev/sindri/pkg/backends"
)

// hookTimeout bounds one capability hook, matching script installs.
const hookTimeout = backends.DefaultOperationTimeout

// execHook runs a capability hook as a shell command.
func (o *Orchestrator) execHook(ctx context.Context, command string, env []string) error {
	runCtx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", command)
	cmd.Env = env
	cmd.Dir = o.paths.Home

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("hook timed out after %s", time.Since(start).Round(time.Second))
	}
	if err != nil {
		return fmt.Errorf("hook failed: %w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
