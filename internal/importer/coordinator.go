package importer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/pkg/models"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle of an import run.
type State int

const (
	Idle State = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

const (
	DefaultBatchSize = 100
	DefaultWorkers   = 4
)

// Config holds the settings of one import run.
type Config struct {
	Tables    []models.TableID
	BatchSize int
	Workers   int
	// QueueSize bounds the rows buffered between producer and workers.
	QueueSize         int
	ContinueOnError   bool
	DeleteTarget      bool
	CheckDependencies bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BatchSize:         DefaultBatchSize,
		Workers:           DefaultWorkers,
		CheckDependencies: true,
	}
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * c.BatchSize * 2
	}
	c.Tables = slices.Clone(c.Tables)
	return c
}

// Coordinator imports a set of tables one at a time in dependency order,
// each with a producer feeding a pool of batch writers.
type Coordinator struct {
	sorter  Sorter
	writers WriterFactory
	logger  *logrus.Logger

	mu        sync.Mutex
	cfg       Config
	producer  Producer
	deleter   Deleter
	state     State
	result    models.ImportResult
	messages  []models.Message
	cancelRun context.CancelFunc

	cancelled atomic.Bool
}

// NewCoordinator creates an idle coordinator. sorter may be nil when
// CheckDependencies is off.
func NewCoordinator(cfg Config, sorter Sorter, writers WriterFactory, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		sorter:  sorter,
		writers: writers,
		logger:  logger,
		result:  models.NewImportResult(),
	}
}

func (c *Coordinator) SetTables(tables []models.TableID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Tables = slices.Clone(tables)
}

func (c *Coordinator) SetBatchSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.BatchSize = n
}

func (c *Coordinator) SetWorkerCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Workers = n
}

func (c *Coordinator) SetContinueOnError(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ContinueOnError = v
}

func (c *Coordinator) SetDeleteTarget(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.DeleteTarget = v
}

func (c *Coordinator) SetProducer(p Producer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producer = p
}

func (c *Coordinator) SetDeleter(d Deleter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleter = d
}

// StartImport runs the import and blocks until it completes, fails or is
// cancelled. A cancelled run returns nil. A coordinator runs only once.
func (c *Coordinator) StartImport(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	cfg := c.cfg.normalized()
	producer, deleter := c.producer, c.deleter
	if err := c.validate(cfg, producer, deleter); err != nil {
		c.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelRun = cancel
	c.state = Running
	c.mu.Unlock()

	start := time.Now()
	err := c.run(runCtx, cfg, producer, deleter)
	return c.finish(err, time.Since(start))
}

func (c *Coordinator) validate(cfg Config, producer Producer, deleter Deleter) error {
	switch {
	case len(cfg.Tables) == 0:
		return errors.New("no tables to import")
	case producer == nil:
		return errors.New("no row producer configured")
	case c.writers == nil:
		return errors.New("no writer factory configured")
	case cfg.CheckDependencies && c.sorter == nil:
		return errors.New("dependency check requested without a sorter")
	case cfg.DeleteTarget && deleter == nil:
		return errors.New("delete target requested without a deleter")
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context, cfg Config, producer Producer, deleter Deleter) error {
	if c.cancelled.Load() {
		return nil
	}

	order := cfg.Tables
	if cfg.CheckDependencies {
		c.logf(logrus.InfoLevel, models.TableID{}, "Determining import order for %d tables", len(cfg.Tables))
		res, err := c.sorter.SortForInsert(ctx, cfg.Tables)
		if err != nil {
			return fmt.Errorf("sorting tables for import: %w", err)
		}
		order = res.Tables
		c.addWarnings(res.Warnings)
	}

	if cfg.DeleteTarget {
		if err := c.deleteTargets(ctx, cfg, order, deleter); err != nil {
			return err
		}
	}

	for _, table := range order {
		if c.cancelled.Load() {
			break
		}
		if err := c.importTable(ctx, cfg, producer, table); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) deleteTargets(ctx context.Context, cfg Config, insertOrder []models.TableID, deleter Deleter) error {
	order := slices.Clone(insertOrder)
	slices.Reverse(order)
	if cfg.CheckDependencies {
		res, err := c.sorter.SortForDelete(ctx, cfg.Tables, false)
		if err != nil {
			return fmt.Errorf("sorting tables for delete: %w", err)
		}
		order = res.Tables
	}

	// An issued delete is allowed to finish after a cancel.
	deleteCtx := context.WithoutCancel(ctx)
	for _, table := range order {
		if c.cancelled.Load() {
			return nil
		}
		n, err := deleter.DeleteAll(deleteCtx, table)
		if err != nil {
			return fmt.Errorf("deleting rows from %s: %w", table, err)
		}
		c.logf(logrus.InfoLevel, table, "Deleted %d rows from %s", n, table)
	}
	return nil
}

func (c *Coordinator) importTable(ctx context.Context, cfg Config, producer Producer, table models.TableID) error {
	columns, err := producer.Columns(ctx, table)
	if err != nil {
		return &ProducerError{Table: table, Err: err}
	}
	if len(columns) == 0 {
		return &ProducerError{Table: table, Err: errors.New("source has no columns")}
	}
	c.logf(logrus.InfoLevel, table, "Importing %s with %d workers, batch size %d", table, cfg.Workers, cfg.BatchSize)

	rows := make(chan models.Row, cfg.QueueSize)
	g, gctx := errgroup.WithContext(ctx)
	// Started writes complete even when the run is cancelled.
	writeCtx := context.WithoutCancel(gctx)

	var failed atomic.Bool
	opts := BatchOptions{
		BatchSize:       cfg.BatchSize,
		ContinueOnError: cfg.ContinueOnError,
		Stopped: func() bool {
			return c.cancelled.Load() || failed.Load() || gctx.Err() != nil
		},
		OnFatal: func() { failed.Store(true) },
	}

	workers := make([]*BatchWriter, cfg.Workers)
	for i := range workers {
		i := i
		g.Go(func() error {
			bw, err := c.startWorker(writeCtx, i, table, columns, opts)
			if err != nil {
				return err
			}
			workers[i] = bw
			return c.work(gctx, writeCtx, bw, rows)
		})
	}

	var produced int64
	g.Go(func() error {
		defer close(rows)
		err := producer.Produce(gctx, table, func(row models.Row) error {
			if c.cancelled.Load() {
				return ErrCancelled
			}
			select {
			case rows <- row:
				produced++
				return nil
			case <-gctx.Done():
				if c.cancelled.Load() {
					return ErrCancelled
				}
				return gctx.Err()
			}
		})
		if err == nil || c.cancelled.Load() || gctx.Err() != nil {
			// Either finished, stopped by the user, or stopped because a
			// writer failed and that writer's error is reported instead.
			return nil
		}
		return &ProducerError{Table: table, Err: err}
	})

	err = g.Wait()
	c.collect(table, workers, produced)
	if err != nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !c.cancelled.Load() {
		return ctxErr
	}
	return nil
}

func (c *Coordinator) startWorker(ctx context.Context, id int, table models.TableID, columns []string, opts BatchOptions) (*BatchWriter, error) {
	w, err := c.writers(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("opening writer %d for %s: %w", id, table, err)
	}
	if err := w.Prepare(ctx, table, columns); err != nil {
		return nil, multierr.Append(fmt.Errorf("preparing writer %d for %s: %w", id, table, err), w.Close())
	}
	return NewBatchWriter(id, table, w, opts, c.logger), nil
}

func (c *Coordinator) work(ctx, writeCtx context.Context, bw *BatchWriter, rows <-chan models.Row) error {
	for {
		select {
		case <-ctx.Done():
			c.abort(bw)
			return nil
		case row, ok := <-rows:
			if !ok {
				return bw.Finish(writeCtx)
			}
			if err := bw.Accept(writeCtx, row); err != nil {
				c.abort(bw)
				if errors.Is(err, errStopped) {
					return nil
				}
				return err
			}
		}
	}
}

func (c *Coordinator) abort(bw *BatchWriter) {
	if err := bw.Abort(); err != nil {
		c.logger.WithField("table", bw.table.String()).Warningf("Closing writer %d: %v", bw.ID, err)
	}
}

func (c *Coordinator) collect(table models.TableID, workers []*BatchWriter, produced int64) {
	var written int64
	var rejected []models.RejectedRow
	for _, bw := range workers {
		if bw == nil {
			continue
		}
		written += bw.Processed()
		rejected = append(rejected, bw.Rejected()...)
	}
	sort.Slice(rejected, func(i, j int) bool { return rejected[i].RowNum < rejected[j].RowNum })

	c.mu.Lock()
	c.result.TableRows[table.String()] += written
	c.result.TotalRows += written
	c.result.Rejected = append(c.result.Rejected, rejected...)
	c.mu.Unlock()

	for _, r := range rejected {
		c.logf(logrus.WarnLevel, table, "Row %d rejected: %v", r.RowNum, r.Cause)
	}
	if produced == 0 && !c.cancelled.Load() {
		w := models.Warning{
			Kind:  models.WarningEmptySource,
			Table: table,
			Text:  fmt.Sprintf("source for %s returned no rows", table),
		}
		c.logger.WithField("table", table.String()).Warning(w.Text)
		c.addWarnings([]models.Warning{w})
	}
	c.logf(logrus.InfoLevel, table, "Imported %d of %d rows into %s", written, produced, table)
}

func (c *Coordinator) finish(err error, elapsed time.Duration) error {
	cancelled := c.cancelled.Load()

	c.mu.Lock()
	c.result.Duration = elapsed
	switch {
	case err != nil && !(cancelled && isCancellation(err)):
		c.result.Success = false
		c.result.Errors = append(c.result.Errors, err)
		c.state = Failed
	case cancelled:
		c.result.Cancelled = true
		c.state = Cancelled
		err = nil
	default:
		c.state = Completed
	}
	state, total := c.state, c.result.TotalRows
	c.mu.Unlock()

	switch state {
	case Failed:
		c.logf(logrus.ErrorLevel, models.TableID{}, "Import failed: %v", err)
	case Cancelled:
		c.logf(logrus.InfoLevel, models.TableID{}, "Import cancelled after %d rows", total)
	default:
		c.logf(logrus.InfoLevel, models.TableID{}, "Import completed: %d rows in %v", total, elapsed.Round(time.Millisecond))
	}
	return err
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)
}

// Cancel stops the run cooperatively: no batch starts afterwards, batches
// already executing finish. It is safe to call from any goroutine.
func (c *Coordinator) Cancel() {
	if c.cancelled.Swap(true) {
		return
	}
	c.mu.Lock()
	cancel, running := c.cancelRun, c.state == Running
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if running {
		c.logf(logrus.InfoLevel, models.TableID{}, "Import cancelled by user")
	}
}

// IsSuccess reports whether the run finished without a fatal error.
func (c *Coordinator) IsSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result.Success && (c.state == Completed || c.state == Cancelled)
}

// State returns the current run state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns a snapshot of the run outcome.
func (c *Coordinator) Result() models.ImportResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.result
	r.TableRows = maps.Clone(c.result.TableRows)
	r.Rejected = slices.Clone(c.result.Rejected)
	r.Warnings = slices.Clone(c.result.Warnings)
	r.Errors = slices.Clone(c.result.Errors)
	return r
}

// Messages returns the run log in the order it was written.
func (c *Coordinator) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

func (c *Coordinator) addWarnings(warnings []models.Warning) {
	if len(warnings) == 0 {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Warnings = append(c.result.Warnings, warnings...)
	for _, w := range warnings {
		c.messages = append(c.messages, models.Message{Time: now, Level: logrus.WarnLevel, Table: w.Table, Text: w.Text})
	}
}

func (c *Coordinator) logf(level logrus.Level, table models.TableID, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	c.mu.Lock()
	c.messages = append(c.messages, models.Message{Time: time.Now(), Level: level, Table: table, Text: text})
	c.mu.Unlock()

	entry := logrus.NewEntry(c.logger)
	if table.Name != "" {
		entry = entry.WithField("table", table.String())
	}
	entry.Log(level, text)
}
