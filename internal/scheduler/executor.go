package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gateline/internal/domain"
)

// ShellExecutor is the default Executor: it runs a job's run and post-run
// references as shell scripts and writes combined output under LogDir. The
// post-run step always runs, but only the run step decides the status.
type ShellExecutor struct {
	LogDir string
	Shell  string
}

// NewShellExecutor returns an executor writing logs under dir.
func NewShellExecutor(dir string) *ShellExecutor {
	return &ShellExecutor{LogDir: dir, Shell: "sh"}
}

func (e *ShellExecutor) Run(ctx context.Context, job domain.EffectiveJob, change domain.Change) (Outcome, error) {
	var buf bytes.Buffer
	status := domain.StatusPassed
	if job.Run != "" {
		if err := e.step(ctx, job.Run, change, &buf); err != nil {
			fmt.Fprintf(&buf, "run step failed: %v\n", err)
			status = domain.StatusFailed
		}
	}
	if job.PostRun != "" {
		if err := e.step(ctx, job.PostRun, change, &buf); err != nil {
			fmt.Fprintf(&buf, "post-run step failed: %v\n", err)
		}
	}
	logURL, err := e.writeLog(job.Name, change, buf.Bytes())
	if err != nil {
		return Outcome{Status: status}, fmt.Errorf("write log: %w", err)
	}
	return Outcome{Status: status, LogURL: logURL}, nil
}

func (e *ShellExecutor) step(ctx context.Context, script string, change domain.Change, out *bytes.Buffer) error {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", script)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(),
		"GATELINE_CHANGE="+change.ID,
		"GATELINE_PROJECT="+change.Project,
		"GATELINE_REF="+change.Ref,
	)
	return cmd.Run()
}

func (e *ShellExecutor) writeLog(jobName string, change domain.Change, data []byte) (string, error) {
	if e.LogDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(e.LogDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.log", sanitize(change.ID), sanitize(jobName))
	path := filepath.Join(e.LogDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
