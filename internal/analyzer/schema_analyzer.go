package analyzer

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/pkg/models"
)

// SchemaAnalyzer analyzes a table set, detects dependencies, and sorts tables for population
type SchemaAnalyzer struct {
	Provider        MetadataProvider
	Sorter          *DependencySorter
	Graph           *Graph
	Tables          []models.TableID
	OrderedTables   []models.TableID
	DeleteOrder     []models.TableID
	CircularTables  map[models.TableID]bool
	SelfReferencing map[models.TableID]bool
	Warnings        []models.Warning
	Logger          *logrus.Logger
}

// NewSchemaAnalyzer creates a new schema analyzer
func NewSchemaAnalyzer(provider MetadataProvider, logger *logrus.Logger) *SchemaAnalyzer {
	return &SchemaAnalyzer{
		Provider:        provider,
		Sorter:          NewDependencySorter(provider, SorterConfig{}, logger),
		CircularTables:  make(map[models.TableID]bool),
		SelfReferencing: make(map[models.TableID]bool),
		Logger:          logger,
	}
}

// AnalyzeSchema builds the dependency graph of tables and computes insert and
// delete order. With addMissing, related tables outside the set are analyzed too.
func (sa *SchemaAnalyzer) AnalyzeSchema(ctx context.Context, tables []models.TableID, addMissing bool) error {
	g, expanded, err := NewGraphBuilder(sa.Provider, sa.Logger).Build(ctx, tables, addMissing)
	if err != nil {
		sa.Logger.Errorf("Error building dependency graph: %v", err)
		return err
	}
	sa.Graph = g
	sa.Tables = expanded

	sa.CircularTables = g.CircularTables()
	for _, t := range expanded {
		if g.Node(t).SelfReferencing() {
			sa.SelfReferencing[t] = true
		}
	}

	insert, err := sa.Sorter.Sort(g, true)
	if err != nil {
		return err
	}
	remove, err := sa.Sorter.Sort(g, false)
	if err != nil {
		return err
	}
	sa.OrderedTables = insert.Tables
	sa.DeleteOrder = remove.Tables
	sa.Warnings = insert.Warnings

	sa.Logger.Infof("Analyzed %d tables, %d foreign keys, %d in circular dependencies",
		len(expanded), len(g.Edges()), len(sa.CircularTables))
	return nil
}

// Category classifies a table of the analyzed graph.
func (sa *SchemaAnalyzer) Category(t models.TableID) models.TableCategory {
	if sa.CircularTables[t] {
		return models.Circular
	}
	if n := sa.Graph.Node(t); n != nil {
		for _, fk := range n.Outgoing {
			if !fk.IsSelfReference() {
				return models.Dependent
			}
		}
	}
	return models.Standalone
}

// ForeignKeys returns the foreign keys declared by t within the graph.
func (sa *SchemaAnalyzer) ForeignKeys(t models.TableID) []models.ForeignKey {
	if n := sa.Graph.Node(t); n != nil {
		return n.Outgoing
	}
	return nil
}
