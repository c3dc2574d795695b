package source

import (
	"context"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/internal/connector"
	"github.com/vitebski/dbimporter/internal/importer"
	"github.com/vitebski/dbimporter/pkg/models"
)

// QueryProducer copies rows from a source database. Each table is read with
// its own query, or SELECT * FROM table when none is configured.
type QueryProducer struct {
	Source  *connector.DatabaseConnector
	Queries map[models.TableID]string
	Logger  *logrus.Logger
}

var _ importer.Producer = (*QueryProducer)(nil)

// NewQueryProducer creates a producer reading from src.
func NewQueryProducer(src *connector.DatabaseConnector, logger *logrus.Logger) *QueryProducer {
	return &QueryProducer{
		Source:  src,
		Queries: make(map[models.TableID]string),
		Logger:  logger,
	}
}

// Query returns the statement used for table.
func (p *QueryProducer) Query(table models.TableID) string {
	if q, ok := p.Queries[table]; ok && q != "" {
		return q
	}
	return "SELECT * FROM " + p.Source.QualifiedName(table)
}

// Columns returns the result columns of the table's query.
func (p *QueryProducer) Columns(ctx context.Context, table models.TableID) ([]string, error) {
	cols, err := p.Source.QueryColumns(ctx, p.Query(table))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", table, err)
	}
	return cols, nil
}

// Produce streams the query result; the source cursor follows backpressure
// from emit.
func (p *QueryProducer) Produce(ctx context.Context, table models.TableID, emit importer.Receiver) error {
	var num int64
	err := p.Source.StreamQuery(ctx, p.Query(table), func(values []interface{}) error {
		num++
		return emit(models.Row{Num: num, Values: slices.Clone(values)})
	})
	if err != nil {
		return err
	}
	p.Logger.Debugf("Read %d rows for %s from source %s", num, table, p.Source.Driver)
	return nil
}
