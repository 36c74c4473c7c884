package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gateline/internal/config"
	"gateline/internal/domain"
)

// Snapshot is one immutable, fully validated view of the tenant config.
// Template expansion is already flattened into each project's pipeline job
// lists, so no template lookups happen during planning or execution.
type Snapshot struct {
	jobs      map[string]domain.JobDefinition
	templates map[string]domain.Template
	projects  map[string]domain.ProjectConfig

	mu        sync.Mutex
	effective map[string]domain.EffectiveJob
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		jobs:      map[string]domain.JobDefinition{},
		templates: map[string]domain.Template{},
		projects:  map[string]domain.ProjectConfig{},
		effective: map[string]domain.EffectiveJob{},
	}
}

// Register adds a job definition to the snapshot.
func (s *Snapshot) Register(j domain.JobDefinition) error {
	if _, ok := s.jobs[j.Name]; ok {
		return &DuplicateJobError{Name: j.Name}
	}
	s.jobs[j.Name] = j
	return nil
}

// Lookup returns the named job definition.
func (s *Snapshot) Lookup(name string) (domain.JobDefinition, error) {
	j, ok := s.jobs[name]
	if !ok {
		return domain.JobDefinition{}, &UnknownJobError{Name: name}
	}
	return j, nil
}

// Jobs returns all registered job names in no particular order.
func (s *Snapshot) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Expand returns the named template's per-pipeline job refs.
func (s *Snapshot) Expand(name string) (domain.Template, error) {
	t, ok := s.templates[name]
	if !ok {
		return domain.Template{}, &UnknownTemplateError{Name: name}
	}
	return t, nil
}

// Project returns the flattened pipeline config for a project.
func (s *Snapshot) Project(name string) (domain.ProjectConfig, error) {
	p, ok := s.projects[name]
	if !ok {
		return domain.ProjectConfig{}, &UnknownProjectError{Name: name}
	}
	return p, nil
}

// Projects returns all configured project names.
func (s *Snapshot) Projects() []string {
	names := make([]string, 0, len(s.projects))
	for name := range s.projects {
		names = append(names, name)
	}
	return names
}

// Registry holds the active snapshot behind an atomic pointer. Readers always
// see a consistent snapshot; reload builds a replacement aside and swaps it in
// only when fully valid.
type Registry struct {
	snap atomic.Pointer[Snapshot]
}

// New returns a registry with an empty snapshot.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(newSnapshot())
	return r
}

// Snapshot returns the active snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// ReloadAll atomically replaces the registry contents. All-or-nothing: any
// invalid definition fails the reload with InvalidConfigError and the prior
// snapshot stays active.
func (r *Registry) ReloadAll(cfg *config.Config) error {
	next, err := build(cfg)
	if err != nil {
		return &InvalidConfigError{Err: err}
	}
	r.snap.Store(next)
	return nil
}

func build(cfg *config.Config) (*Snapshot, error) {
	s := newSnapshot()
	for _, j := range cfg.Jobs {
		if err := s.Register(j); err != nil {
			return nil, err
		}
	}
	for _, t := range cfg.Templates {
		if _, ok := s.templates[t.Name]; ok {
			return nil, fmt.Errorf("duplicate template %s", t.Name)
		}
		s.templates[t.Name] = t
	}
	for _, p := range cfg.Projects {
		if _, ok := s.projects[p.Name]; ok {
			return nil, fmt.Errorf("duplicate project %s", p.Name)
		}
		flat, err := s.flatten(p)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", p.Name, err)
		}
		s.projects[p.Name] = flat
	}
	// Resolve every job once so dangling parents and inheritance cycles are
	// load-time errors, and the cache is warm.
	for name := range s.jobs {
		if _, err := s.Resolve(name); err != nil {
			return nil, err
		}
	}
	for _, p := range s.projects {
		for pipeline, pc := range p.Pipelines {
			for _, ref := range pc.Jobs {
				if _, err := s.Lookup(ref.Name); err != nil {
					return nil, fmt.Errorf("project %s pipeline %s: %w", p.Name, pipeline, err)
				}
			}
		}
	}
	return s, nil
}

// flatten merges template job lists into the project's own pipelines,
// template order first, project entries last. A pipeline lists each job at
// most once: re-listing a job replaces the earlier ref, so a project-level
// override (voting: false) supersedes the template's entry.
func (s *Snapshot) flatten(p domain.ProjectConfig) (domain.ProjectConfig, error) {
	flat := domain.ProjectConfig{
		Name:      p.Name,
		Templates: p.Templates,
		Pipelines: map[string]domain.PipelineConfig{},
	}
	for _, name := range p.Templates {
		t, err := s.Expand(name)
		if err != nil {
			return domain.ProjectConfig{}, err
		}
		for pipeline, refs := range t.Pipelines {
			pc := flat.Pipelines[pipeline]
			pc.Jobs = mergeRefs(pc.Jobs, refs)
			flat.Pipelines[pipeline] = pc
		}
	}
	for pipeline, own := range p.Pipelines {
		pc := flat.Pipelines[pipeline]
		if own.Queue != "" {
			pc.Queue = own.Queue
		}
		pc.Jobs = mergeRefs(pc.Jobs, own.Jobs)
		flat.Pipelines[pipeline] = pc
	}
	return flat, nil
}

// mergeRefs appends src refs to dst, replacing an existing ref of the same
// name in place so the later entry's overrides win.
func mergeRefs(dst, src []domain.JobRef) []domain.JobRef {
	for _, ref := range src {
		replaced := false
		for i := range dst {
			if dst[i].Name == ref.Name {
				dst[i] = ref
				replaced = true
				break
			}
		}
		if !replaced {
			dst = append(dst, ref)
		}
	}
	return dst
}
