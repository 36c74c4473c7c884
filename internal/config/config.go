package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gateline/internal/domain"
)

// Config models a tenant config file: a sequence of job, project-template and
// project records.
type Config struct {
	Jobs      []domain.JobDefinition
	Templates []domain.Template
	Projects  []domain.ProjectConfig
}

type record struct {
	Job      *jobRecord      `yaml:"job"`
	Template *templateRecord `yaml:"project-template"`
	Project  *projectRecord  `yaml:"project"`
}

type jobRecord struct {
	Name             string   `yaml:"name"`
	Parent           string   `yaml:"parent"`
	Run              string   `yaml:"run"`
	PostRun          string   `yaml:"post-run"`
	Timeout          int      `yaml:"timeout"` // seconds
	RequiredProjects []string `yaml:"required-projects"`
}

type pipelineRecord struct {
	Queue string   `yaml:"queue"`
	Jobs  []jobRef `yaml:"jobs"`
}

// jobRef decodes either a bare job name or a single-key mapping carrying
// pipeline-local overrides:
//
//	- cloudkitty-install
//	- cloudkitty-tempest-full:
//	    voting: false
type jobRef struct {
	Name   string
	Voting *bool
}

type jobOverrides struct {
	Voting *bool `yaml:"voting"`
}

func (r *jobRef) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&r.Name)
	case yaml.MappingNode:
		if len(value.Content) != 2 {
			return fmt.Errorf("job entry must be a name or a single name-to-overrides mapping")
		}
		if err := value.Content[0].Decode(&r.Name); err != nil {
			return err
		}
		var o jobOverrides
		if err := value.Content[1].Decode(&o); err != nil {
			return fmt.Errorf("job %s overrides: %w", r.Name, err)
		}
		r.Voting = o.Voting
		return nil
	default:
		return fmt.Errorf("job entry must be a scalar or mapping")
	}
}

// templateRecord and projectRecord accept arbitrary pipeline names next to
// their fixed keys, so decoding walks the mapping by hand.
type templateRecord struct {
	Name      string
	Pipelines map[string]pipelineRecord
}

func (t *templateRecord) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("project-template must be a mapping")
	}
	t.Pipelines = map[string]pipelineRecord{}
	for i := 0; i+1 < len(value.Content); i += 2 {
		var key string
		if err := value.Content[i].Decode(&key); err != nil {
			return err
		}
		switch key {
		case "name":
			if err := value.Content[i+1].Decode(&t.Name); err != nil {
				return err
			}
		default:
			var p pipelineRecord
			if err := value.Content[i+1].Decode(&p); err != nil {
				return fmt.Errorf("template pipeline %s: %w", key, err)
			}
			t.Pipelines[key] = p
		}
	}
	return nil
}

type projectRecord struct {
	Name      string
	Templates []string
	Pipelines map[string]pipelineRecord
}

func (p *projectRecord) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("project must be a mapping")
	}
	p.Pipelines = map[string]pipelineRecord{}
	for i := 0; i+1 < len(value.Content); i += 2 {
		var key string
		if err := value.Content[i].Decode(&key); err != nil {
			return err
		}
		switch key {
		case "name":
			if err := value.Content[i+1].Decode(&p.Name); err != nil {
				return err
			}
		case "templates":
			if err := value.Content[i+1].Decode(&p.Templates); err != nil {
				return err
			}
		default:
			var pr pipelineRecord
			if err := value.Content[i+1].Decode(&pr); err != nil {
				return fmt.Errorf("project pipeline %s: %w", key, err)
			}
			p.Pipelines[key] = pr
		}
	}
	return nil
}

// FromYAML parses and structurally validates a tenant config.
func FromYAML(data []byte) (*Config, error) {
	var records []record
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg := &Config{}
	for i, rec := range records {
		switch {
		case rec.Job != nil:
			cfg.Jobs = append(cfg.Jobs, jobDefinition(*rec.Job))
		case rec.Template != nil:
			cfg.Templates = append(cfg.Templates, template(*rec.Template))
		case rec.Project != nil:
			cfg.Projects = append(cfg.Projects, project(*rec.Project))
		default:
			return nil, fmt.Errorf("record %d: expected job, project-template or project", i)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads a tenant config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func jobDefinition(j jobRecord) domain.JobDefinition {
	return domain.JobDefinition{
		Name:             j.Name,
		Parent:           j.Parent,
		Run:              j.Run,
		PostRun:          j.PostRun,
		Timeout:          time.Duration(j.Timeout) * time.Second,
		RequiredProjects: j.RequiredProjects,
	}
}

func template(t templateRecord) domain.Template {
	out := domain.Template{Name: t.Name, Pipelines: map[string][]domain.JobRef{}}
	for name, p := range t.Pipelines {
		out.Pipelines[name] = jobRefs(p.Jobs)
	}
	return out
}

func project(p projectRecord) domain.ProjectConfig {
	out := domain.ProjectConfig{
		Name:      p.Name,
		Templates: p.Templates,
		Pipelines: map[string]domain.PipelineConfig{},
	}
	for name, pr := range p.Pipelines {
		out.Pipelines[name] = domain.PipelineConfig{Queue: pr.Queue, Jobs: jobRefs(pr.Jobs)}
	}
	return out
}

func jobRefs(refs []jobRef) []domain.JobRef {
	var out []domain.JobRef
	for _, r := range refs {
		out = append(out, domain.JobRef{Name: r.Name, Voting: r.Voting})
	}
	return out
}

// Validate ensures records are structurally sound. Cross-record checks
// (dangling refs, duplicates, cycles) are the registry's job at reload.
func (c *Config) Validate() error {
	for _, j := range c.Jobs {
		if j.Name == "" {
			return fmt.Errorf("job record missing name")
		}
		if j.Timeout < 0 {
			return fmt.Errorf("job %s: timeout must be positive", j.Name)
		}
	}
	for _, t := range c.Templates {
		if t.Name == "" {
			return fmt.Errorf("project-template record missing name")
		}
		for pipeline, refs := range t.Pipelines {
			for _, ref := range refs {
				if ref.Name == "" {
					return fmt.Errorf("template %s pipeline %s: empty job reference", t.Name, pipeline)
				}
			}
		}
	}
	for _, p := range c.Projects {
		if p.Name == "" {
			return fmt.Errorf("project record missing name")
		}
		for pipeline, pc := range p.Pipelines {
			for _, ref := range pc.Jobs {
				if ref.Name == "" {
					return fmt.Errorf("project %s pipeline %s: empty job reference", p.Name, pipeline)
				}
			}
		}
	}
	return nil
}
