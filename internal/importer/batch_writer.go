package importer

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/pkg/models"
	"go.uber.org/multierr"
)

// WorkerState is the lifecycle of a BatchWriter.
type WorkerState int

const (
	WorkerActive WorkerState = iota
	WorkerDraining
	WorkerDone
)

func (s WorkerState) String() string {
	switch s {
	case WorkerDraining:
		return "draining"
	case WorkerDone:
		return "done"
	default:
		return "active"
	}
}

// BatchOptions configures a BatchWriter.
type BatchOptions struct {
	BatchSize       int
	ContinueOnError bool
	// Stopped is checked before every batch; once it reports true no batch
	// is started.
	Stopped func() bool
	// OnFatal is called as soon as a batch fails and the failure will not be
	// recovered.
	OnFatal func()
}

// BatchWriter buffers rows for one table and writes them through its own
// Writer in batches.
type BatchWriter struct {
	ID     int
	table  models.TableID
	writer Writer
	opts   BatchOptions
	logger *logrus.Entry

	batch     []models.Row
	state     WorkerState
	processed int64
	failures  int
	rejected  []models.RejectedRow
}

// NewBatchWriter wraps a prepared writer.
func NewBatchWriter(id int, table models.TableID, w Writer, opts BatchOptions, logger *logrus.Logger) *BatchWriter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Stopped == nil {
		opts.Stopped = func() bool { return false }
	}
	return &BatchWriter{
		ID:     id,
		table:  table,
		writer: w,
		opts:   opts,
		logger: logger.WithFields(logrus.Fields{"table": table.String(), "worker": id}),
		batch:  make([]models.Row, 0, opts.BatchSize),
	}
}

// Accept adds a row and executes the batch once it is full.
func (bw *BatchWriter) Accept(ctx context.Context, row models.Row) error {
	bw.batch = append(bw.batch, row)
	if len(bw.batch) >= bw.opts.BatchSize {
		return bw.Execute(ctx)
	}
	return nil
}

// Execute writes and commits the current batch. With continue-on-error a
// failed batch is replayed row by row and failing rows are rejected.
func (bw *BatchWriter) Execute(ctx context.Context) error {
	if len(bw.batch) == 0 {
		return nil
	}
	if bw.opts.Stopped() {
		return errStopped
	}

	err := bw.write(ctx, bw.batch)
	if err == nil {
		bw.processed += int64(len(bw.batch))
		bw.batch = bw.batch[:0]
		return nil
	}
	bw.failures++

	if !bw.opts.ContinueOnError {
		if bw.opts.OnFatal != nil {
			bw.opts.OnFatal()
		}
		batchErr := &BatchExecutionError{
			Table:    bw.table,
			FirstRow: bw.batch[0].Num,
			LastRow:  bw.batch[len(bw.batch)-1].Num,
			Rows:     len(bw.batch),
			Err:      multierr.Append(err, bw.writer.Rollback()),
		}
		bw.batch = bw.batch[:0]
		return batchErr
	}

	if rbErr := bw.writer.Rollback(); rbErr != nil {
		bw.logger.Warningf("Rollback after failed batch: %v", rbErr)
	}
	bw.logger.Debugf("Batch of %d rows failed (%v), retrying row by row", len(bw.batch), err)

	for _, row := range bw.batch {
		if err := bw.write(ctx, []models.Row{row}); err != nil {
			bw.failures++
			if rbErr := bw.writer.Rollback(); rbErr != nil {
				bw.logger.Warningf("Rollback after rejected row %d: %v", row.Num, rbErr)
			}
			bw.rejected = append(bw.rejected, models.RejectedRow{
				Table:  bw.table,
				RowNum: row.Num,
				Values: row.Values,
				Cause:  err,
			})
			continue
		}
		bw.processed++
	}
	bw.batch = bw.batch[:0]
	return nil
}

func (bw *BatchWriter) write(ctx context.Context, rows []models.Row) error {
	for _, row := range rows {
		if err := bw.writer.AddToBatch(row); err != nil {
			return err
		}
	}
	if _, err := bw.writer.ExecuteBatch(ctx); err != nil {
		return err
	}
	return bw.writer.Commit()
}

// Finish flushes the remaining rows, commits and closes the writer.
func (bw *BatchWriter) Finish(ctx context.Context) error {
	bw.state = WorkerDraining
	err := bw.Execute(ctx)
	if errors.Is(err, errStopped) {
		bw.batch = bw.batch[:0]
		err = nil
	}
	if err == nil {
		err = bw.writer.Commit()
	}
	err = multierr.Append(err, bw.writer.Close())
	bw.state = WorkerDone
	return err
}

// Abort discards the unwritten batch and closes the writer.
func (bw *BatchWriter) Abort() error {
	bw.batch = bw.batch[:0]
	err := multierr.Append(bw.writer.Rollback(), bw.writer.Close())
	bw.state = WorkerDone
	return err
}

// Processed returns the number of committed rows.
func (bw *BatchWriter) Processed() int64 { return bw.processed }

// Rejected returns the rows that failed on their own.
func (bw *BatchWriter) Rejected() []models.RejectedRow { return bw.rejected }

// Errors returns the number of failed writes, batches and single-row retries
// alike.
func (bw *BatchWriter) Errors() int { return bw.failures }

// State returns the lifecycle state.
func (bw *BatchWriter) State() WorkerState { return bw.state }
