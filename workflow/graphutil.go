package workflow

import (
	"fmt"
	"sort"
)

// topologicalOrder sorts node ids so that every node appears after all
// of its dependencies. dependencies maps a node id to its upstream node
// ids; edges to unknown nodes are ignored. Ties break alphabetically so
// the order is fully deterministic.
func topologicalOrder(dependencies map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(dependencies))
	dependants := make(map[string][]string, len(dependencies))

	for id := range dependencies {
		indegree[id] = 0
	}
	for id, upstream := range dependencies {
		seen := make(map[string]bool, len(upstream))
		for _, dependency := range upstream {
			if _, known := indegree[dependency]; !known || seen[dependency] {
				continue
			}
			seen[dependency] = true
			indegree[id]++
			dependants[dependency] = append(dependants[dependency], id)
		}
	}

	var ready []string
	for id, degree := range indegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(dependencies))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := false
		for _, dependant := range dependants[id] {
			indegree[dependant]--
			if indegree[dependant] == 0 {
				ready = append(ready, dependant)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != len(dependencies) {
		var stuck []string
		for id, degree := range indegree {
			if degree > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle involving %v", stuck)
	}
	return order, nil
}

// reachable reports whether target can be reached from start by
// following dependency edges.
func reachable(dependencies map[string][]string, start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{start: true}
	frontier := []string{start}
	for len(frontier) > 0 {
		current := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for _, dependency := range dependencies[current] {
			if dependency == target {
				return true
			}
			if !visited[dependency] {
				visited[dependency] = true
				frontier = append(frontier, dependency)
			}
		}
	}
	return false
}

// reduceParents removes every parent which is already an ancestor of
// another parent, leaving only the direct ones. The graph stays
// semantically identical while insertion and directory layout follow
// the transitive reduction.
func reduceParents(parents []string, dependencies map[string][]string) []string {
	var reduced []string
	for _, parent := range parents {
		redundant := false
		for _, other := range parents {
			if other == parent {
				continue
			}
			if reachable(dependencies, other, parent) {
				redundant = true
				break
			}
		}
		if !redundant {
			reduced = append(reduced, parent)
		}
	}
	sort.Strings(reduced)
	return reduced
}
