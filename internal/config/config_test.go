package config_test

import (
	"strings"
	"testing"
	"time"

	"gateline/internal/config"
)

const sampleYAML = `
- job:
    name: base
    timeout: 30
- job:
    name: cloudkitty-install
    parent: base
    run: playbooks/install.yaml
    post-run: playbooks/collect-logs.yaml
- job:
    name: cloudkitty-tempest-full
    parent: cloudkitty-install
    timeout: 3600
    required-projects:
      - cloudkitty
      - python-cloudkittyclient
- project-template:
    name: cloudkitty-jobs
    check:
      jobs:
        - cloudkitty-install
    gate:
      queue: cloudkitty
      jobs:
        - cloudkitty-install
- project:
    name: cloudkitty
    templates:
      - cloudkitty-jobs
    check:
      jobs:
        - cloudkitty-tempest-full:
            voting: false
`

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Jobs) != 3 || len(cfg.Templates) != 1 || len(cfg.Projects) != 1 {
		t.Fatalf("got %d jobs, %d templates, %d projects", len(cfg.Jobs), len(cfg.Templates), len(cfg.Projects))
	}

	tempest := cfg.Jobs[2]
	if tempest.Name != "cloudkitty-tempest-full" || tempest.Parent != "cloudkitty-install" {
		t.Fatalf("unexpected job record: %+v", tempest)
	}
	if tempest.Timeout != 3600*time.Second {
		t.Fatalf("timeout = %v, want 1h", tempest.Timeout)
	}
	if len(tempest.RequiredProjects) != 2 {
		t.Fatalf("required projects = %v", tempest.RequiredProjects)
	}

	tmpl := cfg.Templates[0]
	if tmpl.Pipelines["gate"] == nil {
		t.Fatalf("template gate pipeline missing: %+v", tmpl.Pipelines)
	}

	proj := cfg.Projects[0]
	check := proj.Pipelines["check"]
	if len(check.Jobs) != 1 {
		t.Fatalf("project check jobs = %+v", check.Jobs)
	}
	ref := check.Jobs[0]
	if ref.Name != "cloudkitty-tempest-full" {
		t.Fatalf("ref name = %s", ref.Name)
	}
	if ref.Voting == nil || *ref.Voting {
		t.Fatalf("voting override not parsed: %+v", ref)
	}
	if ref.IsVoting() {
		t.Fatalf("IsVoting should honor the override")
	}
}

func TestVotingDefaultsTrue(t *testing.T) {
	cfg, err := config.FromYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ref := cfg.Templates[0].Pipelines["check"][0]
	if ref.Voting != nil {
		t.Fatalf("bare name should leave the override unset")
	}
	if !ref.IsVoting() {
		t.Fatalf("bare job ref must default to voting")
	}
}

func TestQueueOnlyOnGate(t *testing.T) {
	cfg, err := config.FromYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// Queue names ride on pipeline records, not templates as a whole.
	tmplProj := cfg.Projects[0]
	if q := tmplProj.Pipelines["check"].Queue; q != "" {
		t.Fatalf("check queue = %q, want none", q)
	}
}

func TestRejectsUnknownRecord(t *testing.T) {
	_, err := config.FromYAML([]byte("- pipeline:\n    name: check\n"))
	if err == nil {
		t.Fatalf("expected unknown record error")
	}
	if !strings.Contains(err.Error(), "expected job, project-template or project") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRejectsNamelessJob(t *testing.T) {
	_, err := config.FromYAML([]byte("- job:\n    run: x.sh\n"))
	if err == nil || !strings.Contains(err.Error(), "missing name") {
		t.Fatalf("expected missing name error, got %v", err)
	}
}

func TestRejectsMultiKeyJobRef(t *testing.T) {
	doc := `
- job:
    name: a
- project:
    name: p
    check:
      jobs:
        - a:
            voting: false
          b:
            voting: true
`
	if _, err := config.FromYAML([]byte(doc)); err == nil {
		t.Fatalf("expected single-key mapping error")
	}
}
