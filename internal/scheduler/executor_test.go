package scheduler_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"gateline/internal/domain"
	"gateline/internal/scheduler"
)

func TestShellExecutorPassAndLog(t *testing.T) {
	dir := t.TempDir()
	e := scheduler.NewShellExecutor(dir)
	job := domain.EffectiveJob{Name: "unit", Run: "echo change=$GATELINE_CHANGE project=$GATELINE_PROJECT"}
	out, err := e.Run(context.Background(), job, domain.Change{ID: "42", Project: "widget"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != domain.StatusPassed {
		t.Fatalf("status = %s", out.Status)
	}
	data, err := os.ReadFile(out.LogURL)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "change=42 project=widget") {
		t.Fatalf("log missing change env: %q", string(data))
	}
}

func TestShellExecutorFailure(t *testing.T) {
	e := scheduler.NewShellExecutor(t.TempDir())
	job := domain.EffectiveJob{Name: "bad", Run: "exit 3"}
	out, err := e.Run(context.Background(), job, domain.Change{ID: "42", Project: "widget"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != domain.StatusFailed {
		t.Fatalf("status = %s", out.Status)
	}
}

func TestShellExecutorPostRunAlwaysRuns(t *testing.T) {
	dir := t.TempDir()
	e := scheduler.NewShellExecutor(dir)
	job := domain.EffectiveJob{
		Name:    "collect",
		Run:     "exit 1",
		PostRun: "echo post-run-ran",
	}
	out, err := e.Run(context.Background(), job, domain.Change{ID: "7", Project: "widget"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != domain.StatusFailed {
		t.Fatalf("post-run must not rescue a failed run, status = %s", out.Status)
	}
	data, err := os.ReadFile(out.LogURL)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "post-run-ran") {
		t.Fatalf("post-run did not run: %q", string(data))
	}
}
