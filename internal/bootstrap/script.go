package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// scriptRunner executes a custom bootstrap script and returns its stdout.
// Factored out so tests can substitute a fake without spawning a shell.
type scriptRunner func(ctx context.Context, dir, script string, env map[string]string, maxOutput int) (string, error)

// runScript executes the script through sh in the agent's working
// directory. Stdout is capped at maxOutput bytes; exceeding the cap fails
// the run rather than silently truncating the context.
func runScript(ctx context.Context, dir, script string, env map[string]string, maxOutput int) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = dir

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", err
	}

	// Read one byte past the cap to detect overflow.
	output, readErr := io.ReadAll(io.LimitReader(stdout, int64(maxOutput)+1))
	waitErr := cmd.Wait()

	if readErr != nil {
		return "", readErr
	}
	if len(output) > maxOutput {
		return "", fmt.Errorf("script output exceeds %d bytes", maxOutput)
	}
	if waitErr != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return "", fmt.Errorf("%s: %w", msg, waitErr)
		}
		return "", waitErr
	}
	return string(output), nil
}
