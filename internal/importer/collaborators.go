package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/vitebski/dbimporter/internal/analyzer"
	"github.com/vitebski/dbimporter/pkg/models"
)

// Writer executes prepared batch writes against one target table. A Writer
// is owned by a single worker and never shared.
type Writer interface {
	Prepare(ctx context.Context, table models.TableID, columns []string) error
	AddToBatch(row models.Row) error
	ExecuteBatch(ctx context.Context) (int64, error)
	Commit() error
	Rollback() error
	Close() error
}

// WriterFactory opens a new Writer for table, typically on its own
// connection.
type WriterFactory func(ctx context.Context, table models.TableID) (Writer, error)

// Receiver accepts one row from a producer. A non-nil error means the import
// is stopping and the producer must return it.
type Receiver func(row models.Row) error

// Producer is a row source. Produce calls emit once per row and returns when
// the source is exhausted, failed or emit returned an error.
type Producer interface {
	Columns(ctx context.Context, table models.TableID) ([]string, error)
	Produce(ctx context.Context, table models.TableID, emit Receiver) error
}

// Deleter empties a target table.
type Deleter interface {
	DeleteAll(ctx context.Context, table models.TableID) (int64, error)
}

// Sorter supplies table orders; *analyzer.DependencySorter implements it.
type Sorter interface {
	SortForInsert(ctx context.Context, tables []models.TableID) (analyzer.SortResult, error)
	SortForDelete(ctx context.Context, tables []models.TableID, addMissing bool) (analyzer.SortResult, error)
}

var (
	// ErrCancelled is returned to producers once Cancel was called.
	ErrCancelled = errors.New("import cancelled by user")
	// ErrAlreadyStarted is returned by StartImport on a used coordinator.
	ErrAlreadyStarted = errors.New("import already started")

	errStopped = errors.New("batch writer stopped")
)

// BatchExecutionError reports a failed batch write.
type BatchExecutionError struct {
	Table    models.TableID
	FirstRow int64
	LastRow  int64
	Rows     int
	Err      error
}

func (e *BatchExecutionError) Error() string {
	return fmt.Sprintf("batch of %d rows (%d-%d) into %s failed: %v", e.Rows, e.FirstRow, e.LastRow, e.Table, e.Err)
}

func (e *BatchExecutionError) Unwrap() error { return e.Err }

// ProducerError reports a failing row source.
type ProducerError struct {
	Table models.TableID
	Err   error
}

func (e *ProducerError) Error() string {
	return fmt.Sprintf("reading rows for %s: %v", e.Table, e.Err)
}

func (e *ProducerError) Unwrap() error { return e.Err }
