package analyzer

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/pkg/models"
	"github.com/yourbasic/graph"
)

// TableNode is one table of a dependency graph.
type TableNode struct {
	ID    models.TableID
	Index int
	// Outgoing holds the foreign keys this table declares (its parents).
	Outgoing []models.ForeignKey
	// Incoming holds the foreign keys declared against this table (its children).
	Incoming []models.ForeignKey
}

// SelfReferencing reports whether the table has a foreign key to itself.
func (n *TableNode) SelfReferencing() bool {
	for _, fk := range n.Outgoing {
		if fk.IsSelfReference() {
			return true
		}
	}
	return false
}

type edgeKey struct {
	child, parent models.TableID
	constraint    string
}

// Graph maps tables to nodes. Edges point from child to parent. Node order
// is the order tables entered the graph and drives every tie-break.
type Graph struct {
	nodes []*TableNode
	index map[models.TableID]int
	edges []models.ForeignKey
	seen  map[edgeKey]bool
}

func newGraph() *Graph {
	return &Graph{
		index: make(map[models.TableID]int),
		seen:  make(map[edgeKey]bool),
	}
}

// addNode returns false if the table was already tracked.
func (g *Graph) addNode(id models.TableID) bool {
	if _, ok := g.index[id]; ok {
		return false
	}
	g.index[id] = len(g.nodes)
	g.nodes = append(g.nodes, &TableNode{ID: id, Index: len(g.nodes)})
	return true
}

func (g *Graph) addEdge(fk models.ForeignKey) {
	key := edgeKey{child: fk.Table, parent: fk.ReferencedTable, constraint: fk.ConstraintName}
	if g.seen[key] {
		return
	}
	child, okChild := g.index[fk.Table]
	parent, okParent := g.index[fk.ReferencedTable]
	if !okChild || !okParent {
		return
	}
	g.seen[key] = true
	g.edges = append(g.edges, fk)
	g.nodes[child].Outgoing = append(g.nodes[child].Outgoing, fk)
	g.nodes[parent].Incoming = append(g.nodes[parent].Incoming, fk)
}

// Node returns the node of a table, or nil.
func (g *Graph) Node(id models.TableID) *TableNode {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.nodes[i]
}

// Has reports whether the table is tracked.
func (g *Graph) Has(id models.TableID) bool {
	_, ok := g.index[id]
	return ok
}

// Len returns the number of tables.
func (g *Graph) Len() int { return len(g.nodes) }

// Tables returns the tracked tables in node order.
func (g *Graph) Tables() []models.TableID {
	out := make([]models.TableID, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.ID
	}
	return out
}

// Edges returns all edges in discovery order.
func (g *Graph) Edges() []models.ForeignKey {
	return append([]models.ForeignKey(nil), g.edges...)
}

// Dependencies converts the graph into a yourbasic graph over node indices.
// Mandatory foreign keys cost 1, nullable ones cost 2. Self references are
// left out.
func (g *Graph) Dependencies() *graph.Mutable {
	m := graph.New(len(g.nodes))
	for _, fk := range g.edges {
		if fk.IsSelfReference() {
			continue
		}
		child, parent := g.index[fk.Table], g.index[fk.ReferencedTable]
		cost := int64(2)
		if !fk.IsNullable {
			cost = 1
		}
		// keep the mandatory cost when a nullable and a mandatory key
		// connect the same pair
		if m.Edge(child, parent) && m.Cost(child, parent) < cost {
			continue
		}
		m.AddCost(child, parent, cost)
	}
	return m
}

// Acyclic reports whether the graph has no cycles other than self references.
func (g *Graph) Acyclic() bool {
	return graph.Acyclic(g.Dependencies())
}

// CircularTables returns the tables that take part in a cycle of two or more
// tables.
func (g *Graph) CircularTables() map[models.TableID]bool {
	circular := make(map[models.TableID]bool)
	for _, component := range graph.StrongComponents(g.Dependencies()) {
		if len(component) < 2 {
			continue
		}
		for _, v := range component {
			circular[g.nodes[v].ID] = true
		}
	}
	return circular
}

// ExpandMode selects which relationships pull extra tables into a graph.
type ExpandMode int

const (
	// ExpandAll follows parents and children.
	ExpandAll ExpandMode = iota
	// ExpandReferencing follows only tables that reference a tracked table.
	ExpandReferencing
	// ExpandReferenced follows only tables a tracked table references.
	ExpandReferenced
)

// GraphBuilder turns a table set into a dependency graph using a metadata
// provider.
type GraphBuilder struct {
	Provider MetadataProvider
	Expand   ExpandMode
	Logger   *logrus.Logger
}

// NewGraphBuilder creates a builder that expands in both directions.
func NewGraphBuilder(provider MetadataProvider, logger *logrus.Logger) *GraphBuilder {
	return &GraphBuilder{Provider: provider, Expand: ExpandAll, Logger: logger}
}

func (b *GraphBuilder) normalize(t models.TableID) models.TableID {
	if n, ok := b.Provider.(Normalizer); ok {
		return n.Normalize(t)
	}
	return t
}

// Build creates the graph for tables. With addMissing, related tables that
// were not requested are added and explored as well. The returned table set
// is the requested tables followed by any added ones in discovery order.
func (b *GraphBuilder) Build(ctx context.Context, tables []models.TableID, addMissing bool) (*Graph, []models.TableID, error) {
	g := newGraph()
	var queue []models.TableID
	for _, t := range tables {
		t = b.normalize(t)
		if g.addNode(t) {
			queue = append(queue, t)
		}
	}

	followParents := addMissing && b.Expand != ExpandReferencing
	followChildren := addMissing && b.Expand != ExpandReferenced

	for i := 0; i < len(queue); i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		table := queue[i]

		parents, err := b.Provider.Referenced(ctx, table)
		if err != nil {
			return nil, nil, &SchemaResolutionError{Table: table, Err: err}
		}
		children, err := b.Provider.Referencing(ctx, table)
		if err != nil {
			return nil, nil, &SchemaResolutionError{Table: table, Err: err}
		}

		for _, fk := range parents {
			fk.Table, fk.ReferencedTable = b.normalize(fk.Table), b.normalize(fk.ReferencedTable)
			if followParents && g.addNode(fk.ReferencedTable) {
				b.debugf("Adding referenced table %s required by %s", fk.ReferencedTable, table)
				queue = append(queue, fk.ReferencedTable)
			}
			g.addEdge(fk)
		}
		for _, fk := range children {
			fk.Table, fk.ReferencedTable = b.normalize(fk.Table), b.normalize(fk.ReferencedTable)
			if followChildren && g.addNode(fk.Table) {
				b.debugf("Adding referencing table %s of %s", fk.Table, table)
				queue = append(queue, fk.Table)
			}
			g.addEdge(fk)
		}
	}

	return g, g.Tables(), nil
}

func (b *GraphBuilder) debugf(format string, args ...interface{}) {
	if b.Logger != nil {
		b.Logger.Debugf(format, args...)
	}
}
