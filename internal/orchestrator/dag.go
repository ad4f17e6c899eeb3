package orchestrator

import (
	"fmt"
	"strings"

	taskererrors "github.com/tasker-run/tasker/internal/errors"
)

// stepNode is the minimal shape validateDAG needs: a name and the names
// of the steps it depends on.
type stepNode struct {
	Name string
	Deps []string
}

// validateDAG checks that every dependency name exists, there are no
// duplicate step names, and the dependency graph is acyclic, returning a
// topological order. Called by Initializer.Initialize (C4) on every task
// creation, so no task is ever created from a cyclic or malformed template;
// templates themselves are stored without this check.
func validateDAG(nodes []stepNode) ([]string, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	for _, n := range nodes {
		name := strings.TrimSpace(n.Name)
		if name == "" {
			return nil, fmt.Errorf("step missing name")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate step name %q", name)
		}
		seen[name] = true
	}
	for _, n := range nodes {
		for _, dep := range n.Deps {
			if !seen[dep] {
				return nil, fmt.Errorf("step %q depends on unknown step %q", n.Name, dep)
			}
		}
	}

	// Kahn topological sort, stable by input order.
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for _, n := range nodes {
		indegree[n.Name] = 0
	}
	for _, n := range nodes {
		for _, dep := range n.Deps {
			indegree[n.Name]++
			dependents[dep] = append(dependents[dep], n.Name)
		}
	}

	order := make([]string, 0, len(nodes))
	added := map[string]bool{}
	for {
		progressed := false
		for _, n := range nodes {
			if added[n.Name] {
				continue
			}
			if indegree[n.Name] == 0 {
				added[n.Name] = true
				order = append(order, n.Name)
				for _, dependent := range dependents[n.Name] {
					indegree[dependent]--
				}
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	if len(order) != len(nodes) {
		return nil, taskererrors.ErrCyclicDependencies
	}
	return order, nil
}
