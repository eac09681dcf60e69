package engine

import (
	"fmt"
	"sort"
	"strings"

	"credit-risk-engine/internal/common/errors"
)

// validateGraph checks the stage graph once, at construction: every
// dependency must name a registered stage and the graph must be acyclic.
// Returns a topological order used for deterministic scheduling.
func validateGraph(stages map[string]Stage) ([]string, error) {
	indegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))

	for name, stage := range stages {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range stage.DependsOn() {
			if dep == name {
				return nil, errors.NewConfigurationError(
					fmt.Sprintf("stage %q depends on itself", name))
			}
			if _, ok := stages[dep]; !ok {
				return nil, errors.NewConfigurationError(
					fmt.Sprintf("stage %q depends on unknown stage %q", name, dep))
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	// Kahn's algorithm, smallest name first for a stable order.
	ready := make([]string, 0, len(stages))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(stages))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(stages) {
		var cyclic []string
		for name, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, errors.NewConfigurationError(
			"stage graph contains a cycle through: " + strings.Join(cyclic, ", "))
	}
	return order, nil
}
