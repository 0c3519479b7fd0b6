package executor

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	apperrors "github.com/kokino/kokino/internal/common/errors"
)

// commandRunner runs a CLI and returns its trimmed stdout. Factored out so
// tests can substitute a fake without spawning processes.
type commandRunner func(ctx context.Context, dir, name string, args []string) (string, error)

// commandFor maps a headless agent type to its one-shot invocation. The
// prompt is always passed as an argument, never through a shell, so ticket
// payloads cannot inject commands.
func commandFor(agentType, prompt string) (string, []string, error) {
	switch agentType {
	case "claude-code":
		return "claude", []string{"-p", prompt, "--output-format", "text"}, nil
	case "codex":
		return "codex", []string{"exec", prompt}, nil
	case "gemini":
		return "gemini", []string{"-p", prompt}, nil
	case "amp":
		return "amp", []string{"-x", prompt}, nil
	case "auggie":
		return "auggie", []string{"--print", prompt}, nil
	}
	return "", nil, apperrors.BadRequest("agent type has no headless invocation: " + agentType)
}

func runCommand(ctx context.Context, dir, name string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", apperrors.ExecutorFailed(msg, err)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}
