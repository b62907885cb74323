package syncengine

import (
	"log/slog"
	"sort"

	"github.com/hyperengineering/outpost/internal/model"
)

// TopologicalOrdering orders model types so that a model comes after every
// model it belongs to. Merging remote records in this order keeps parents
// ahead of the children that reference them.
type TopologicalOrdering struct {
	order []string
	index map[string]int
}

// NewTopologicalOrdering sorts the registry's models with Kahn's algorithm.
// Ties keep declaration order. Models caught in a dependency cycle are
// appended at the end in declaration order.
func NewTopologicalOrdering(reg *model.Registry) *TopologicalOrdering {
	schemas := reg.Schemas()

	inDegree := make(map[string]int, len(schemas))
	dependents := make(map[string][]string)
	for _, s := range schemas {
		if _, ok := inDegree[s.Name]; !ok {
			inDegree[s.Name] = 0
		}
		for _, dep := range s.Dependencies() {
			inDegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	declared := make(map[string]int, len(schemas))
	for i, s := range schemas {
		declared[s.Name] = i
	}

	var ready []string
	for _, s := range schemas {
		if inDegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}

	order := make([]string, 0, len(schemas))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		var released []string
		for _, child := range dependents[name] {
			inDegree[child]--
			if inDegree[child] == 0 {
				released = append(released, child)
			}
		}
		ready = append(ready, released...)
		sort.SliceStable(ready, func(i, j int) bool {
			return declared[ready[i]] < declared[ready[j]]
		})
	}

	if len(order) < len(schemas) {
		placed := make(map[string]bool, len(order))
		for _, n := range order {
			placed[n] = true
		}
		var cyclic []string
		for _, s := range schemas {
			if !placed[s.Name] {
				cyclic = append(cyclic, s.Name)
				order = append(order, s.Name)
			}
		}
		slog.Warn("model dependency cycle, ordering cyclic models by declaration",
			"component", "ordering",
			"models", cyclic,
		)
	}

	index := make(map[string]int, len(order))
	for i, n := range order {
		index[n] = i
	}
	return &TopologicalOrdering{order: order, index: index}
}

// Order returns model names, parents first.
func (t *TopologicalOrdering) Order() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Compare orders two model names: negative if a comes first. Unknown models
// sort after known ones.
func (t *TopologicalOrdering) Compare(a, b string) int {
	return t.position(a) - t.position(b)
}

func (t *TopologicalOrdering) position(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	return len(t.order)
}

// Sort orders items by model, parents first, keeping arrival order within
// a model.
func (t *TopologicalOrdering) Sort(items []model.RecordWithMetadata) {
	sort.SliceStable(items, func(i, j int) bool {
		return t.Compare(items[i].Record.Model, items[j].Record.Model) < 0
	})
}
