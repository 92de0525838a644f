package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecConfig configures the exec tool.
type ExecConfig struct {
	Enabled        bool
	WorkingDir     string
	DeniedPatterns []string
	Timeout        time.Duration
	MaxOutputBytes int
}

// DefaultDeniedPatterns block the obviously destructive commands.
var DefaultDeniedPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -R 777 /",
	":(){ :|:& };:",
}

const maxExecTimeout = 5 * time.Minute

// Shell runs commands for the exec tool.
type Shell struct {
	cfg ExecConfig
}

// NewShell applies defaults to cfg.
func NewShell(cfg ExecConfig) *Shell {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	if cfg.DeniedPatterns == nil {
		cfg.DeniedPatterns = DefaultDeniedPatterns
	}
	return &Shell{cfg: cfg}
}

// ExecResult is the outcome of one command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Run executes command with sh -c. timeout overrides the default when
// positive and is capped at five minutes.
func (s *Shell) Run(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if !s.cfg.Enabled {
		return nil, fmt.Errorf("shell execution is disabled")
	}
	lower := strings.ToLower(command)
	for _, p := range s.cfg.DeniedPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return nil, fmt.Errorf("command blocked by policy: matches %q", p)
		}
	}

	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	timeout = min(timeout, maxExecTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.cfg.WorkingDir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ExecResult{
		Stdout: truncate(stdout.String(), s.cfg.MaxOutputBytes),
		Stderr: truncate(stderr.String(), s.cfg.MaxOutputBytes),
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case err != nil:
		return nil, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n\n[... output truncated ...]"
}

// Format renders a result for the model.
func (r *ExecResult) Format() string {
	var b strings.Builder
	if r.Stdout != "" {
		b.WriteString(r.Stdout)
	}
	if r.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("STDERR:\n")
		b.WriteString(r.Stderr)
	}
	switch {
	case r.TimedOut:
		fmt.Fprintf(&b, "\n[timed out]")
	case r.ExitCode != 0:
		fmt.Fprintf(&b, "\n[exit code %d]", r.ExitCode)
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}

// SetShell registers the exec tool when shell execution is enabled.
func (r *Registry) SetShell(s *Shell) {
	if s == nil || !s.cfg.Enabled {
		return
	}
	r.Register(&Tool{
		Name:        "exec",
		Description: "Run a shell command in the workspace and return its output.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":         map[string]any{"type": "string"},
				"timeout_seconds": map[string]any{"type": "integer", "description": "Override the default timeout (max 300)"},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command := stringArg(args, "command")
			if command == "" {
				return "", fmt.Errorf("command is required")
			}
			res, err := s.Run(ctx, command, time.Duration(intArg(args, "timeout_seconds", 0))*time.Second)
			if err != nil {
				return "", err
			}
			return res.Format(), nil
		},
	})
}
