package cmdutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// pipeGrace bounds how long Run waits for a killed process's inherited
// pipes to close before giving up on them.
const pipeGrace = 5 * time.Second

// ExecOptions configures command execution.
type ExecOptions struct {
	// Dir is the working directory for the command.
	Dir string

	// Timeout is the maximum execution time.
	// If zero, no timeout is applied.
	Timeout time.Duration

	// Env contains environment variables for the command.
	// Each entry should be in the form "KEY=value". Nil inherits the
	// current process environment.
	Env []string
}

// Result contains the result of a command execution.
type Result struct {
	// Stdout is everything the command wrote to standard output.
	Stdout []byte

	// Stderr is everything the command wrote to standard error.
	Stderr []byte

	// ExitCode is the exit code of the command, or -1 if it never started
	// or was terminated by a signal.
	ExitCode int

	// Duration is how long the command took to execute.
	Duration time.Duration
}

// OK reports whether the command exited with status zero.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Run executes a command with the given options.
// The command is provided as a slice of arguments (command and its arguments)
// and is never passed through a shell. Both output streams are drained into
// memory before Run returns. A non-nil Result is returned whenever cmdParts
// is non-empty, even on error.
func Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	if len(cmdParts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = pipeGrace

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
			return result, fmt.Errorf("command timed out after %s: %w", opts.Timeout, err)
		}
		return result, fmt.Errorf("command failed: %w", err)
	}

	return result, nil
}

// ParseCommandString splits a step written as one string into argv using
// POSIX shell quoting rules. Nothing is expanded or interpreted: `&&`, `|`
// and `$VAR` come back as literal arguments.
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("invalid quoting in %q: %w", cmdStr, err)
	}
	if len(parts) == 0 {
		return nil, errors.New("empty command string")
	}
	return parts, nil
}

// ParseCommandList converts one decoded YAML step into argv. A step is
// either a string ("npm ci") or a sequence (["npm", "ci"]); sequence items
// must all be strings.
func ParseCommandList(step interface{}) ([]string, error) {
	var parts []string

	switch v := step.(type) {
	case string:
		return ParseCommandString(v)
	case []string:
		parts = append(parts, v...)
	case []interface{}:
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("argument %d is %T, want string", i, item)
			}
			parts = append(parts, str)
		}
	default:
		return nil, fmt.Errorf("step must be a string or a list of strings, got %T", step)
	}

	if len(parts) == 0 {
		return nil, errors.New("empty command list")
	}
	return parts, nil
}

// FormatCommand renders argv for logs, quoting only the arguments that need
// it, so that ParseCommandString(FormatCommand(x)) gives back x.
func FormatCommand(cmdParts []string) string {
	if len(cmdParts) == 0 {
		return "<empty command>"
	}

	var b strings.Builder
	for i, part := range cmdParts {
		if i > 0 {
			b.WriteByte(' ')
		}
		if part == "" || strings.ContainsAny(part, " \t\n\"'\\$`&|;<>()*?") {
			b.WriteString(shellquote.Join(part))
			continue
		}
		b.WriteString(part)
	}
	return b.String()
}

// Redacted replaces secret values in command output.
const Redacted = "***REDACTED***"

// SanitizeOutput returns output with every non-empty secret replaced by
// Redacted. Longer secrets are replaced first so that a secret containing
// another is not left half-visible.
func SanitizeOutput(output []byte, secrets []string) []byte {
	var pairs []string
	for _, secret := range sortedByLength(secrets) {
		if secret != "" {
			pairs = append(pairs, secret, Redacted)
		}
	}
	if len(pairs) == 0 {
		return output
	}
	return []byte(strings.NewReplacer(pairs...).Replace(string(output)))
}

func sortedByLength(secrets []string) []string {
	sorted := append([]string(nil), secrets...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	return sorted
}
