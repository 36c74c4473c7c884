package registry

import "gateline/internal/domain"

// Resolve merges the named job's parent chain into an EffectiveJob: scalar
// fields use child-overrides-parent precedence, required-projects merge
// root-first with de-duplication. Results are cached per snapshot, so a
// registry reload invalidates wholesale by swapping the snapshot.
func (s *Snapshot) Resolve(name string) (domain.EffectiveJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eff, ok := s.effective[name]; ok {
		return eff, nil
	}
	chain, err := s.parentChain(name)
	if err != nil {
		return domain.EffectiveJob{}, err
	}
	eff := merge(name, chain)
	s.effective[name] = eff
	return eff, nil
}

// parentChain walks from the named job to its root, child first.
func (s *Snapshot) parentChain(name string) ([]domain.JobDefinition, error) {
	var chain []domain.JobDefinition
	visited := map[string]bool{}
	var walked []string
	cur := name
	for cur != "" {
		if visited[cur] {
			return nil, &CyclicInheritanceError{Cycle: append(walked, cur)}
		}
		def, ok := s.jobs[cur]
		if !ok {
			return nil, &UnknownJobError{Name: cur}
		}
		visited[cur] = true
		walked = append(walked, cur)
		chain = append(chain, def)
		cur = def.Parent
	}
	return chain, nil
}

func merge(name string, chain []domain.JobDefinition) domain.EffectiveJob {
	eff := domain.EffectiveJob{Name: name}
	seen := map[string]bool{}
	// Root first, so child values written last win and required-projects keep
	// first-seen (parent before child) order.
	for i := len(chain) - 1; i >= 0; i-- {
		def := chain[i]
		if def.Run != "" {
			eff.Run = def.Run
		}
		if def.PostRun != "" {
			eff.PostRun = def.PostRun
		}
		if def.Timeout > 0 {
			eff.Timeout = def.Timeout
		}
		for _, p := range def.RequiredProjects {
			if !seen[p] {
				seen[p] = true
				eff.RequiredProjects = append(eff.RequiredProjects, p)
			}
		}
	}
	return eff
}
