package importer

import (
	"context"
	"errors"
	"testing"
)

func newTestBatchWriter(t *testing.T, target *memTarget, opts BatchOptions) *BatchWriter {
	t.Helper()
	w, err := target.factory(context.Background(), tbl("items"))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if err := w.Prepare(context.Background(), tbl("items"), []string{"id"}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return NewBatchWriter(1, tbl("items"), w, opts, testLogger())
}

func TestBatchWriterFlushesFullBatches(t *testing.T) {
	ctx := context.Background()
	target := newMemTarget()
	bw := newTestBatchWriter(t, target, BatchOptions{BatchSize: 3})

	for _, row := range numbered(7) {
		if err := bw.Accept(ctx, row); err != nil {
			t.Fatalf("Accept(%d): %v", row.Num, err)
		}
	}
	if got := len(target.calls); got != 2 {
		t.Errorf("Expected 2 batches before Finish, got %d", got)
	}
	if got := target.rows(tbl("items")); got != 6 {
		t.Errorf("Expected 6 committed rows before Finish, got %d", got)
	}

	if err := bw.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if bw.Processed() != 7 {
		t.Errorf("Expected 7 processed rows, got %d", bw.Processed())
	}
	if bw.State() != WorkerDone {
		t.Errorf("Expected state done, got %s", bw.State())
	}
	if target.closed != 1 {
		t.Errorf("Expected writer to be closed once, got %d", target.closed)
	}
}

func TestBatchWriterRetriesRowsOnFailure(t *testing.T) {
	ctx := context.Background()
	target := newMemTarget()
	bw := newTestBatchWriter(t, target, BatchOptions{BatchSize: 5, ContinueOnError: true})

	for _, row := range numbered(5, 3) {
		if err := bw.Accept(ctx, row); err != nil {
			t.Fatalf("Accept(%d): %v", row.Num, err)
		}
	}
	if err := bw.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if bw.Processed() != 4 {
		t.Errorf("Expected 4 processed rows, got %d", bw.Processed())
	}
	rejected := bw.Rejected()
	if len(rejected) != 1 {
		t.Fatalf("Expected 1 rejected row, got %d", len(rejected))
	}
	if rejected[0].RowNum != 3 || !errors.Is(rejected[0].Cause, errCheck) {
		t.Errorf("unexpected rejected row %+v", rejected[0])
	}
	// one failed batch plus five single-row attempts
	if got := len(target.calls); got != 6 {
		t.Errorf("Expected 6 executions, got %d", got)
	}
	// the batch and the offending row
	if bw.Errors() != 2 {
		t.Errorf("Expected 2 errors, got %d", bw.Errors())
	}
}

func TestBatchWriterFatalFailure(t *testing.T) {
	ctx := context.Background()
	target := newMemTarget()
	fatal := false
	bw := newTestBatchWriter(t, target, BatchOptions{BatchSize: 4, OnFatal: func() { fatal = true }})

	var err error
	for _, row := range numbered(4, 2) {
		if err = bw.Accept(ctx, row); err != nil {
			break
		}
	}
	var batchErr *BatchExecutionError
	if !errors.As(err, &batchErr) {
		t.Fatalf("Expected *BatchExecutionError, got %v", err)
	}
	if batchErr.FirstRow != 1 || batchErr.LastRow != 4 || batchErr.Rows != 4 {
		t.Errorf("unexpected batch bounds %+v", batchErr)
	}
	if !errors.Is(err, errCheck) {
		t.Errorf("Expected the write error to be wrapped, got %v", err)
	}
	if !fatal {
		t.Error("Expected OnFatal to be called")
	}
	if bw.Errors() != 1 {
		t.Errorf("Expected 1 error, got %d", bw.Errors())
	}
	if bw.Processed() != 0 || target.rows(tbl("items")) != 0 {
		t.Error("Expected nothing to be committed")
	}
}

func TestBatchWriterStopped(t *testing.T) {
	ctx := context.Background()
	target := newMemTarget()
	stopped := false
	bw := newTestBatchWriter(t, target, BatchOptions{BatchSize: 2, Stopped: func() bool { return stopped }})

	rows := numbered(4)
	for _, row := range rows[:2] {
		if err := bw.Accept(ctx, row); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}
	stopped = true
	if err := bw.Accept(ctx, rows[2]); err != nil {
		t.Fatalf("Accept below batch size: %v", err)
	}
	if err := bw.Accept(ctx, rows[3]); !errors.Is(err, errStopped) {
		t.Fatalf("Expected errStopped, got %v", err)
	}
	if err := bw.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if bw.Processed() != 2 {
		t.Errorf("Expected 2 processed rows, got %d", bw.Processed())
	}
	if len(target.calls) != 1 {
		t.Errorf("Expected no batch after the stop, got %d executions", len(target.calls))
	}
}

func TestBatchWriterFinishAfterStop(t *testing.T) {
	target := newMemTarget()
	bw := newTestBatchWriter(t, target, BatchOptions{BatchSize: 10, Stopped: func() bool { return true }})
	if err := bw.Accept(context.Background(), numbered(1)[0]); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := bw.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(target.calls) != 0 || bw.Processed() != 0 {
		t.Error("Expected the partial batch to be discarded")
	}
}
