package registry_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/registry"
)

func loaded(t *testing.T, jobs ...domain.JobDefinition) *registry.Snapshot {
	t.Helper()
	r := registry.New()
	if err := r.ReloadAll(&config.Config{Jobs: jobs}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return r.Snapshot()
}

func TestChildOverridesParentScalars(t *testing.T) {
	snap := loaded(t,
		domain.JobDefinition{Name: "base", Run: "base.sh", PostRun: "logs.sh", Timeout: 30 * time.Minute},
		domain.JobDefinition{Name: "mid", Parent: "base", Timeout: 20 * time.Minute},
		domain.JobDefinition{Name: "leaf", Parent: "mid", Run: "leaf.sh"},
	)
	eff, err := snap.Resolve("leaf")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eff.Run != "leaf.sh" {
		t.Fatalf("run = %q, child must win", eff.Run)
	}
	if eff.PostRun != "logs.sh" {
		t.Fatalf("post-run = %q, unset child must inherit", eff.PostRun)
	}
	// Nearest ancestor that sets the field wins.
	if eff.Timeout != 20*time.Minute {
		t.Fatalf("timeout = %v, want mid's 20m", eff.Timeout)
	}
}

func TestRequiredProjectsMergeRootFirst(t *testing.T) {
	snap := loaded(t,
		domain.JobDefinition{Name: "parent", Run: "p.sh", RequiredProjects: []string{"X", "Y"}},
		domain.JobDefinition{Name: "child", Parent: "parent", RequiredProjects: []string{"Y", "Z"}},
	)
	eff, err := snap.Resolve("child")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(eff.RequiredProjects, []string{"X", "Y", "Z"}) {
		t.Fatalf("required projects = %v, want [X Y Z]", eff.RequiredProjects)
	}
}

func TestCycleDetection(t *testing.T) {
	r := registry.New()
	err := r.ReloadAll(&config.Config{Jobs: []domain.JobDefinition{
		{Name: "a", Parent: "b"},
		{Name: "b", Parent: "a"},
	}})
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if registry.Code(err) != "cyclic_inheritance" {
		t.Fatalf("code = %s", registry.Code(err))
	}
	var cyc *registry.CyclicInheritanceError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CyclicInheritanceError, got %T", err)
	}
	if len(cyc.Cycle) < 3 {
		t.Fatalf("cycle should name the repeated job: %v", cyc.Cycle)
	}
}

func TestSelfCycle(t *testing.T) {
	r := registry.New()
	err := r.ReloadAll(&config.Config{Jobs: []domain.JobDefinition{{Name: "a", Parent: "a"}}})
	if registry.Code(err) != "cyclic_inheritance" {
		t.Fatalf("expected cyclic_inheritance, got %v", err)
	}
}

func TestDanglingParent(t *testing.T) {
	r := registry.New()
	err := r.ReloadAll(&config.Config{Jobs: []domain.JobDefinition{{Name: "a", Parent: "ghost"}}})
	if registry.Code(err) != "unknown_job" {
		t.Fatalf("expected unknown_job, got %v", err)
	}
}

func TestResolveIsCached(t *testing.T) {
	snap := loaded(t,
		domain.JobDefinition{Name: "base", Run: "b.sh"},
		domain.JobDefinition{Name: "leaf", Parent: "base"},
	)
	first, err := snap.Resolve("leaf")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := snap.Resolve("leaf")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("cached resolve differs: %+v vs %+v", first, second)
	}
}
