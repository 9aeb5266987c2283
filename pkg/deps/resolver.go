// Package deps resolves extension install order with a depth-first
// topological sort and detects cycles, conflicts, and missing entries.
package deps

import (
	"fmt"
	"sort"
	"strings"
)

// Source supplies the dependency graph of a registry snapshot.
type Source interface {
	// Dependencies returns the direct dependencies of an extension and
	// whether the extension is known at all.
	Dependencies(name string) ([]string, bool)

	// Conflicts returns the declared conflicts of an extension.
	Conflicts(name string) []string
}

// Conflict is a detected pair of mutually exclusive extensions.
type Conflict struct {
	A      string
	B      string
	Reason string
}

// Plan is the resolved install order for a set of roots.
type Plan struct {
	// Ordered lists extensions dependencies-first; every dependency
	// precedes its dependents.
	Ordered []string

	// Dependencies is the adjacency of the resolved subgraph.
	Dependencies map[string][]string

	// Conflicts are pairs detected across the transitive closure.
	Conflicts []Conflict

	// Missing are names required by the graph but absent from the
	// registry snapshot.
	Missing []string
}

// CycleError reports a circular dependency with the offending path.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// Resolver performs topological resolution over a dependency source.
type Resolver struct {
	src Source
}

// NewResolver creates a resolver over the given source.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve produces the install plan for the roots. Shared transitive
// dependencies are visited exactly once. A cycle anywhere in the
// reachable subgraph fails with CycleError.
func (r *Resolver) Resolve(roots ...string) (*Plan, error) {
	plan := &Plan{
		Dependencies: make(map[string][]string),
	}
	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	missing := make(map[string]bool)
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return &CycleError{Path: cyclePath(path, name)}
		}

		deps, known := r.src.Dependencies(name)
		if !known {
			missing[name] = true
			return nil
		}

		visiting[name] = true
		path = append(path, name)

		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		delete(visiting, name)
		visited[name] = true

		plan.Dependencies[name] = deps
		plan.Ordered = append(plan.Ordered, name)
		return nil
	}

	for _, root := range roots {
		if err := visit(root); err != nil {
			return nil, err
		}
	}

	for name := range missing {
		plan.Missing = append(plan.Missing, name)
	}
	sort.Strings(plan.Missing)

	plan.Conflicts = r.detectConflicts(plan.Ordered)
	return plan, nil
}

// cyclePath trims the DFS path to the segment forming the cycle and
// closes it on the re-entered node.
func cyclePath(path []string, reentered string) []string {
	start := 0
	for i, n := range path {
		if n == reentered {
			start = i
			break
		}
	}
	cycle := append([]string{}, path[start:]...)
	return append(cycle, reentered)
}

// detectConflicts reports declared conflicts between any two members of
// the resolved set.
func (r *Resolver) detectConflicts(resolved []string) []Conflict {
	inSet := make(map[string]bool, len(resolved))
	for _, name := range resolved {
		inSet[name] = true
	}

	seen := make(map[string]bool)
	var out []Conflict
	for _, name := range resolved {
		for _, other := range r.src.Conflicts(name) {
			if !inSet[other] {
				continue
			}
			a, b := name, other
			if b < a {
				a, b = b, a
			}
			key := a + "\x00" + b
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Conflict{
				A:      a,
				B:      b,
				Reason: fmt.Sprintf("%s declares a conflict with %s", name, other),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// CheckDependencies returns the transitive dependencies of name that
// are not present in the installed set, in install order.
func (r *Resolver) CheckDependencies(name string, installed map[string]bool) ([]string, error) {
	plan, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, dep := range plan.Ordered {
		if dep == name {
			continue
		}
		if !installed[dep] {
			missing = append(missing, dep)
		}
	}
	missing = append(missing, plan.Missing...)
	return missing, nil
}
