package analyzer

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/pkg/models"
	"github.com/yourbasic/graph"
)

// SorterConfig configures a DependencySorter.
type SorterConfig struct {
	// FailOnCycle turns cycles into a *CycleError instead of breaking them.
	FailOnCycle bool
}

// CycleError is returned when a cycle is found and breaking is disabled.
type CycleError struct {
	Tables []models.TableID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency between %d tables: %v", len(e.Tables), e.Tables)
}

// SortResult is an ordered table list plus the warnings raised producing it.
type SortResult struct {
	Tables   []models.TableID
	Warnings []models.Warning
}

// DependencySorter orders tables so foreign keys are satisfied.
type DependencySorter struct {
	Provider MetadataProvider
	Config   SorterConfig
	Logger   *logrus.Logger
}

// NewDependencySorter creates a sorter over provider.
func NewDependencySorter(provider MetadataProvider, cfg SorterConfig, logger *logrus.Logger) *DependencySorter {
	return &DependencySorter{Provider: provider, Config: cfg, Logger: logger}
}

// SortForInsert orders tables so every parent precedes its children.
func (s *DependencySorter) SortForInsert(ctx context.Context, tables []models.TableID) (SortResult, error) {
	g, _, err := NewGraphBuilder(s.Provider, s.Logger).Build(ctx, tables, false)
	if err != nil {
		return SortResult{}, err
	}
	return s.Sort(g, true)
}

// SortForDelete orders tables so every child precedes its parents. With
// addMissing, tables referencing the requested ones are included, since they
// have to be emptied first.
func (s *DependencySorter) SortForDelete(ctx context.Context, tables []models.TableID, addMissing bool) (SortResult, error) {
	b := NewGraphBuilder(s.Provider, s.Logger)
	b.Expand = ExpandReferencing
	g, _, err := b.Build(ctx, tables, addMissing)
	if err != nil {
		return SortResult{}, err
	}
	return s.Sort(g, false)
}

type sortEdge struct {
	fk       models.ForeignKey
	child    int
	parent   int
	resolved bool
}

// Sort runs Kahn's algorithm over g. For insert order a table waits for its
// parents, for delete order it waits for its children. Ready tables are
// emitted first-in first-out, and tables released together enter the queue in
// node order, so the result only depends on the graph.
func (s *DependencySorter) Sort(g *Graph, forInsert bool) (SortResult, error) {
	n := g.Len()
	pending := make([]int, n)
	release := make([][]int, n)
	edges := make([]*sortEdge, 0, len(g.edges))

	waiter := func(e *sortEdge) int {
		if forInsert {
			return e.child
		}
		return e.parent
	}

	for _, fk := range g.edges {
		if fk.IsSelfReference() {
			continue
		}
		e := &sortEdge{fk: fk, child: g.index[fk.Table], parent: g.index[fk.ReferencedTable]}
		edges = append(edges, e)
		pending[waiter(e)]++
		if forInsert {
			release[e.parent] = append(release[e.parent], len(edges)-1)
		} else {
			release[e.child] = append(release[e.child], len(edges)-1)
		}
	}

	var result SortResult
	emitted := make([]bool, n)
	queue := make([]int, 0, n)
	for v := 0; v < n; v++ {
		if pending[v] == 0 {
			queue = append(queue, v)
		}
	}

	for len(result.Tables) < n {
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			emitted[v] = true
			result.Tables = append(result.Tables, g.nodes[v].ID)

			var freed []int
			for _, ei := range release[v] {
				e := edges[ei]
				if e.resolved {
					continue
				}
				e.resolved = true
				w := waiter(e)
				pending[w]--
				if pending[w] == 0 {
					freed = append(freed, w)
				}
			}
			sort.Ints(freed)
			queue = append(queue, freed...)
		}

		if len(result.Tables) == n {
			break
		}

		if s.Config.FailOnCycle {
			var left []models.TableID
			for v := 0; v < n; v++ {
				if !emitted[v] {
					left = append(left, g.nodes[v].ID)
				}
			}
			return SortResult{}, &CycleError{Tables: left}
		}

		e := pickCycleEdge(edges, emitted)
		if e == nil {
			// unreachable: unemitted nodes always have an unresolved edge
			return SortResult{}, fmt.Errorf("dependency sort stalled with %d tables left", n-len(result.Tables))
		}
		e.resolved = true
		w := waiter(e)
		pending[w]--
		if pending[w] == 0 {
			queue = append(queue, w)
		}

		warning := models.Warning{
			Kind:  models.WarningCyclicDependency,
			Table: e.fk.Table,
			Text: fmt.Sprintf("circular dependency: ignoring foreign key %s from %s.%s to %s (nullable=%t)",
				e.fk.ConstraintName, e.fk.Table, e.fk.Column, e.fk.ReferencedTable, e.fk.IsNullable),
		}
		result.Warnings = append(result.Warnings, warning)
		if s.Logger != nil {
			s.Logger.Warning(warning.Text)
		}
	}

	return result, nil
}

// pickCycleEdge chooses the edge to drop among unresolved edges that lie on a
// cycle of the unemitted tables: nullable keys first, then lowest child
// index, then lowest parent index, then constraint name.
func pickCycleEdge(edges []*sortEdge, emitted []bool) *sortEdge {
	component := cycleComponents(edges, emitted)
	var best *sortEdge
	for _, e := range edges {
		if e.resolved || emitted[e.child] || emitted[e.parent] {
			continue
		}
		if component[e.child] < 0 || component[e.child] != component[e.parent] {
			continue
		}
		if best == nil || lessCycleEdge(e, best) {
			best = e
		}
	}
	return best
}

// cycleComponents numbers the strongly connected components of two or more
// tables in the graph of unresolved edges between unemitted tables. Tables
// outside such a component get -1.
func cycleComponents(edges []*sortEdge, emitted []bool) []int {
	remaining := graph.New(len(emitted))
	for _, e := range edges {
		if !e.resolved && !emitted[e.child] && !emitted[e.parent] {
			remaining.Add(e.child, e.parent)
		}
	}
	component := make([]int, len(emitted))
	for i := range component {
		component[i] = -1
	}
	for id, members := range graph.StrongComponents(remaining) {
		if len(members) < 2 {
			continue
		}
		for _, v := range members {
			component[v] = id
		}
	}
	return component
}

func lessCycleEdge(a, b *sortEdge) bool {
	if a.fk.IsNullable != b.fk.IsNullable {
		return a.fk.IsNullable
	}
	if a.child != b.child {
		return a.child < b.child
	}
	if a.parent != b.parent {
		return a.parent < b.parent
	}
	return a.fk.ConstraintName < b.fk.ConstraintName
}
