// Package generator produces synthetic rows for target tables from their
// column metadata. Foreign key columns are filled with keys that already
// exist in the referenced tables.
package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/internal/analyzer"
	"github.com/vitebski/dbimporter/internal/importer"
	"github.com/vitebski/dbimporter/pkg/models"
)

// ColumnSource reads column metadata; *analyzer.CatalogProvider implements it.
type ColumnSource interface {
	Columns(ctx context.Context, table models.TableID) ([]models.Column, error)
}

// KeySource reads existing key tuples; *connector.DatabaseConnector
// implements it.
type KeySource interface {
	KeyValues(ctx context.Context, table models.TableID, columns []string, limit int) ([][]interface{}, error)
}

// DefaultSampleSize caps the parent keys read per foreign key.
const DefaultSampleSize = 1000

// Producer generates Rows rows per table (TableRows overrides per table).
type Producer struct {
	Catalog    ColumnSource
	Relations  analyzer.MetadataProvider
	Keys       KeySource
	Values     *ValueGenerator
	Rows       int
	TableRows  map[models.TableID]int
	SampleSize int
	Logger     *logrus.Logger

	columns map[models.TableID][]models.Column
}

var _ importer.Producer = (*Producer)(nil)

// NewProducer creates a producer generating rows rows per table.
func NewProducer(catalog ColumnSource, relations analyzer.MetadataProvider, keys KeySource, rows int, seed int64, logger *logrus.Logger) *Producer {
	return &Producer{
		Catalog:    catalog,
		Relations:  relations,
		Keys:       keys,
		Values:     NewValueGenerator(seed, logger),
		Rows:       rows,
		TableRows:  make(map[models.TableID]int),
		SampleSize: DefaultSampleSize,
		Logger:     logger,
		columns:    make(map[models.TableID][]models.Column),
	}
}

// insertable returns the columns that get a value; auto-increment columns are
// left to the database.
func (p *Producer) insertable(ctx context.Context, table models.TableID) ([]models.Column, error) {
	if cols, ok := p.columns[table]; ok {
		return cols, nil
	}
	all, err := p.Catalog.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	var cols []models.Column
	for _, c := range all {
		if strings.Contains(strings.ToLower(c.Extra), "auto_increment") {
			continue
		}
		cols = append(cols, c)
	}
	p.columns[table] = cols
	return cols, nil
}

// Columns implements importer.Producer.
func (p *Producer) Columns(ctx context.Context, table models.TableID) ([]string, error) {
	cols, err := p.insertable(ctx, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names, nil
}

// keyGroup fills the columns of one foreign key from a tuple of parent keys.
type keyGroup struct {
	fk       models.ForeignKey
	columns  []int
	tuples   [][]interface{}
	nullable bool
}

func (p *Producer) keyGroups(ctx context.Context, table models.TableID, cols []models.Column) ([]keyGroup, error) {
	fks, err := p.Relations.Referenced(ctx, table)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[strings.ToLower(c.Name)] = i
	}

	taken := make(map[int]bool)
	var groups []keyGroup
	for _, fk := range fks {
		children := strings.Split(fk.Column, ",")
		parents := strings.Split(fk.ReferencedColumn, ",")
		g := keyGroup{fk: fk, nullable: fk.IsNullable}
		for _, name := range children {
			i, ok := index[strings.ToLower(strings.TrimSpace(name))]
			if !ok || taken[i] {
				g.columns = nil
				break
			}
			g.columns = append(g.columns, i)
		}
		if len(g.columns) == 0 || len(g.columns) != len(parents) {
			p.Logger.Debugf("Skipping foreign key %s: columns are not generated", fk)
			continue
		}

		g.tuples, err = p.Keys.KeyValues(ctx, fk.ReferencedTable, parents, p.SampleSize)
		if err != nil {
			return nil, fmt.Errorf("reading keys of %s: %w", fk.ReferencedTable, err)
		}
		if len(g.tuples) == 0 && !g.nullable {
			return nil, fmt.Errorf("foreign key %s: no rows in %s to reference", fk.ConstraintName, fk.ReferencedTable)
		}
		for _, i := range g.columns {
			taken[i] = true
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// Produce implements importer.Producer. Integer primary keys are numbered
// with the row number.
func (p *Producer) Produce(ctx context.Context, table models.TableID, emit importer.Receiver) error {
	cols, err := p.insertable(ctx, table)
	if err != nil {
		return err
	}
	groups, err := p.keyGroups(ctx, table, cols)
	if err != nil {
		return err
	}
	filled := make(map[int]bool)
	for _, g := range groups {
		for _, i := range g.columns {
			filled[i] = true
		}
	}

	n := p.Rows
	if v, ok := p.TableRows[table]; ok {
		n = v
	}
	p.Logger.Infof("Generating %d rows for %s", n, table)

	for num := int64(1); num <= int64(n); num++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		values := make([]any, len(cols))
		for i, c := range cols {
			if !filled[i] {
				values[i] = p.value(c, num)
			}
		}
		for _, g := range groups {
			var tuple []interface{}
			if len(g.tuples) > 0 && !(g.nullable && p.Values.Rand.Intn(10) == 0) {
				tuple = g.tuples[p.Values.Rand.Intn(len(g.tuples))]
			}
			for j, i := range g.columns {
				if tuple != nil {
					values[i] = tuple[j]
				}
			}
		}
		if err := emit(models.Row{Num: num, Values: values}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Producer) value(c models.Column, num int64) interface{} {
	if c.ColumnKey == "PRI" && isInteger(c.DataType) {
		return num
	}
	if c.IsNullable && strings.Contains(strings.ToLower(c.Name), "deleted_at") && p.Values.Rand.Float32() < 0.7 {
		return nil
	}
	return p.Values.Value(c)
}

func isInteger(dataType string) bool {
	switch strings.ToLower(dataType) {
	case "int", "integer", "tinyint", "smallint", "mediumint", "bigint":
		return true
	}
	return false
}
