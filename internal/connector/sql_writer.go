package connector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vitebski/dbimporter/pkg/models"
	"go.uber.org/multierr"
)

// SQLWriter writes batches of rows into one table over a connection it owns
// exclusively. A batch is executed inside a transaction that stays open until
// Commit or Rollback.
type SQLWriter struct {
	dc        *DatabaseConnector
	conn      *sql.Conn
	table     models.TableID
	columns   []string
	insertSQL string
	pending   [][]interface{}
	tx        *sql.Tx

	// StatementTimeout bounds one ExecuteBatch call; zero means no limit.
	StatementTimeout time.Duration
}

// NewWriter checks out a dedicated connection and returns a writer on it.
func (dc *DatabaseConnector) NewWriter(ctx context.Context) (*SQLWriter, error) {
	conn, err := dc.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("writer: acquire connection: %w", err)
	}
	return &SQLWriter{dc: dc, conn: conn}, nil
}

// Prepare binds the writer to a target table and column list.
func (w *SQLWriter) Prepare(ctx context.Context, table models.TableID, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("writer: %s: columns must not be empty", table)
	}
	w.table = table
	w.columns = append([]string(nil), columns...)
	w.insertSQL = w.dc.InsertStatement(table, columns)
	w.pending = w.pending[:0]
	return nil
}

// AddToBatch queues a row for the next ExecuteBatch.
func (w *SQLWriter) AddToBatch(row models.Row) error {
	if w.insertSQL == "" {
		return fmt.Errorf("writer: AddToBatch before Prepare")
	}
	if len(row.Values) != len(w.columns) {
		return fmt.Errorf("writer: %s: row %d has %d values, want %d", w.table, row.Num, len(row.Values), len(w.columns))
	}
	w.pending = append(w.pending, row.Values)
	return nil
}

// ExecuteBatch runs all queued rows inside the current transaction, starting
// one if needed. On error the caller is expected to Rollback.
func (w *SQLWriter) ExecuteBatch(ctx context.Context) (int64, error) {
	if len(w.pending) == 0 {
		return 0, nil
	}
	if w.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.StatementTimeout)
		defer cancel()
	}

	if w.tx == nil {
		tx, err := w.conn.BeginTx(ctx, nil)
		if err != nil {
			return 0, fmt.Errorf("writer: begin tx: %w", err)
		}
		w.tx = tx
	}

	stmt, err := w.tx.PrepareContext(ctx, w.insertSQL)
	if err != nil {
		return 0, fmt.Errorf("writer: prepare insert into %s: %w", w.table, err)
	}
	defer stmt.Close()

	var inserted int64
	for _, params := range w.pending {
		if _, err := stmt.ExecContext(ctx, params...); err != nil {
			return inserted, fmt.Errorf("writer: insert into %s: %w", w.table, err)
		}
		inserted++
	}
	w.pending = w.pending[:0]
	return inserted, nil
}

// Commit commits the open transaction, if any.
func (w *SQLWriter) Commit() error {
	if w.tx == nil {
		return nil
	}
	tx := w.tx
	w.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("writer: commit %s: %w", w.table, err)
	}
	return nil
}

// Rollback discards queued rows and the open transaction.
func (w *SQLWriter) Rollback() error {
	w.pending = w.pending[:0]
	if w.tx == nil {
		return nil
	}
	tx := w.tx
	w.tx = nil
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("writer: rollback %s: %w", w.table, err)
	}
	return nil
}

// Close rolls back anything uncommitted and returns the connection.
func (w *SQLWriter) Close() error {
	err := w.Rollback()
	if w.conn != nil {
		err = multierr.Append(err, w.conn.Close())
		w.conn = nil
	}
	return err
}
