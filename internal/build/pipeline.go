// Package build runs the site build pipeline, one build at a time.
package build

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"hookbuild/internal/security"
	"hookbuild/pkg/cmdutil"
)

// Runner executes a build for a request. Implementations must be safe to
// call from the queue worker; the queue never calls Run concurrently.
type Runner interface {
	Run(ctx context.Context, req Request) *Result
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context, req Request) *Result

func (f RunnerFunc) Run(ctx context.Context, req Request) *Result {
	return f(ctx, req)
}

// StepResult is the outcome of a single pipeline step.
type StepResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// Result is the outcome of a whole build.
type Result struct {
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Steps    []StepResult  `json:"steps"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// Output returns the diagnostic text for the result: standard output on
// success, otherwise standard error, falling back to the failure reason.
func (r *Result) Output() string {
	if r.Success {
		return r.Stdout
	}
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Err
}

// Pipeline runs a fixed list of steps in WorkDir, stopping at the first
// step that fails. Steps are argument lists and never pass through a shell.
type Pipeline struct {
	WorkDir     string
	Steps       [][]string
	StepTimeout time.Duration // zero means no limit

	// Secrets are redacted from all captured output.
	Secrets []string
}

// NewPipeline creates a pipeline. The steps are copied.
func NewPipeline(workDir string, steps [][]string, stepTimeout time.Duration, secrets ...string) *Pipeline {
	copied := make([][]string, len(steps))
	for i, s := range steps {
		copied[i] = append([]string(nil), s...)
	}
	return &Pipeline{
		WorkDir:     workDir,
		Steps:       copied,
		StepTimeout: stepTimeout,
		Secrets:     secrets,
	}
}

// Run executes every step in order. The request's ref, commit and delivery
// id are exported to the steps as HOOKBUILD_* environment variables.
func (p *Pipeline) Run(ctx context.Context, req Request) *Result {
	start := time.Now()
	result := &Result{Success: true, Steps: make([]StepResult, 0, len(p.Steps))}

	if len(p.Steps) == 0 {
		return p.fail(result, start, -1, "no build steps configured")
	}

	var stdout, stderr strings.Builder
	env := p.environ(req)

	for i, step := range p.Steps {
		if err := security.ValidateCommand(step); err != nil {
			return p.fail(result, start, -1, fmt.Sprintf("step %d rejected: %v", i+1, err))
		}

		res, err := cmdutil.Run(ctx, cmdutil.ExecOptions{
			Dir:     p.WorkDir,
			Timeout: p.StepTimeout,
			Env:     env,
		}, step)

		sr := StepResult{
			Command:  cmdutil.FormatCommand(step),
			ExitCode: -1,
		}
		if res != nil {
			sr.ExitCode = res.ExitCode
			sr.Stdout = p.redact(res.Stdout)
			sr.Stderr = p.redact(res.Stderr)
			sr.Duration = res.Duration
		}
		if err != nil {
			sr.Err = p.redact([]byte(err.Error()))
		}
		result.Steps = append(result.Steps, sr)

		stdout.WriteString(sr.Stdout)
		stderr.WriteString(sr.Stderr)
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()

		if err != nil || sr.ExitCode != 0 {
			reason := fmt.Sprintf("step %d (%s) exited with code %d", i+1, sr.Command, sr.ExitCode)
			if sr.Err != "" {
				reason = fmt.Sprintf("step %d (%s): %s", i+1, sr.Command, sr.Err)
			}
			return p.fail(result, start, sr.ExitCode, reason)
		}
	}

	result.Duration = time.Since(start)
	return result
}

func (p *Pipeline) fail(result *Result, start time.Time, exitCode int, reason string) *Result {
	result.Success = false
	result.ExitCode = exitCode
	result.Err = reason
	result.Duration = time.Since(start)
	return result
}

func (p *Pipeline) redact(b []byte) string {
	return string(cmdutil.SanitizeOutput(b, p.Secrets))
}

func (p *Pipeline) environ(req Request) []string {
	env := os.Environ()
	// The webhook secret must not reach build steps.
	filtered := env[:0]
	for _, kv := range env {
		if p.isSecretVar(kv) || strings.HasPrefix(kv, "PWD=") {
			continue
		}
		filtered = append(filtered, kv)
	}
	if p.WorkDir != "" {
		filtered = append(filtered, "PWD="+p.WorkDir)
	}
	return append(filtered,
		"HOOKBUILD_DELIVERY="+req.DeliveryID,
		"HOOKBUILD_EVENT="+req.Event,
		"HOOKBUILD_REF="+req.Ref,
		"HOOKBUILD_COMMIT="+req.Commit,
	)
}

func (p *Pipeline) isSecretVar(kv string) bool {
	_, value, ok := strings.Cut(kv, "=")
	if !ok {
		return false
	}
	for _, s := range p.Secrets {
		if s != "" && value == s {
			return true
		}
	}
	return false
}
