package importer

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/pkg/models"
)

var (
	errCheck  = errors.New("CHECK constraint failed: id <> -1")
	errSource = errors.New("source went away")
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func tbl(name string) models.TableID { return models.TableID{Name: name} }

// numbered returns rows 1..n with the row number as id; rows listed in bad
// carry id -1.
func numbered(n int, bad ...int64) []models.Row {
	rows := make([]models.Row, n)
	for i := range rows {
		num := int64(i + 1)
		rows[i] = models.Row{Num: num, Values: []any{num}}
		for _, b := range bad {
			if b == num {
				rows[i].Values[0] = int64(-1)
			}
		}
	}
	return rows
}

// memTarget is an in-memory table store shared by all memWriters. Rows become
// visible on Commit; any batch holding id -1 fails.
type memTarget struct {
	mu        sync.Mutex
	committed map[models.TableID][]models.Row
	calls     []models.TableID
	failSeq   int
	opened    int
	closed    int
}

func newMemTarget() *memTarget {
	return &memTarget{committed: make(map[models.TableID][]models.Row)}
}

func (m *memTarget) factory(_ context.Context, _ models.TableID) (Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	return &memWriter{target: m}, nil
}

func (m *memTarget) rows(table models.TableID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.committed[table])
}

// callsAfterFailure counts ExecuteBatch calls that started after the first
// failing one.
func (m *memTarget) callsAfterFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSeq == 0 {
		return 0
	}
	return len(m.calls) - m.failSeq
}

type memWriter struct {
	target  *memTarget
	table   models.TableID
	pending []models.Row
	tx      []models.Row
}

func (w *memWriter) Prepare(_ context.Context, table models.TableID, _ []string) error {
	w.table = table
	return nil
}

func (w *memWriter) AddToBatch(row models.Row) error {
	w.pending = append(w.pending, row)
	return nil
}

func (w *memWriter) ExecuteBatch(_ context.Context) (int64, error) {
	w.target.mu.Lock()
	w.target.calls = append(w.target.calls, w.table)
	seq := len(w.target.calls)
	w.target.mu.Unlock()

	rows := w.pending
	w.pending = nil
	for _, r := range rows {
		if r.Values[0] == int64(-1) {
			w.target.mu.Lock()
			if w.target.failSeq == 0 {
				w.target.failSeq = seq
			}
			w.target.mu.Unlock()
			return 0, errCheck
		}
	}
	w.tx = append(w.tx, rows...)
	return int64(len(rows)), nil
}

func (w *memWriter) Commit() error {
	w.target.mu.Lock()
	w.target.committed[w.table] = append(w.target.committed[w.table], w.tx...)
	w.target.mu.Unlock()
	w.tx = nil
	return nil
}

func (w *memWriter) Rollback() error {
	w.pending, w.tx = nil, nil
	return nil
}

func (w *memWriter) Close() error {
	w.target.mu.Lock()
	w.target.closed++
	w.target.mu.Unlock()
	return nil
}

// fakeProducer serves fixed rows per table.
type fakeProducer struct {
	mu        sync.Mutex
	columns   map[models.TableID][]string
	rows      map[models.TableID][]models.Row
	failAfter map[models.TableID]int
	afterEmit func(table models.TableID, n int)
	order     []models.TableID
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{
		columns:   make(map[models.TableID][]string),
		rows:      make(map[models.TableID][]models.Row),
		failAfter: make(map[models.TableID]int),
	}
}

func (p *fakeProducer) Columns(_ context.Context, table models.TableID) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cols, ok := p.columns[table]; ok {
		return cols, nil
	}
	return []string{"id"}, nil
}

func (p *fakeProducer) Produce(_ context.Context, table models.TableID, emit Receiver) error {
	p.mu.Lock()
	p.order = append(p.order, table)
	rows := p.rows[table]
	fail, hasFail := p.failAfter[table]
	hook := p.afterEmit
	p.mu.Unlock()

	for i, row := range rows {
		if hasFail && i == fail {
			return errSource
		}
		if err := emit(row); err != nil {
			return err
		}
		if hook != nil {
			hook(table, i+1)
		}
	}
	return nil
}

func (p *fakeProducer) produced() []models.TableID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.TableID(nil), p.order...)
}

type recordingDeleter struct {
	mu    sync.Mutex
	order []models.TableID
}

func (d *recordingDeleter) DeleteAll(_ context.Context, table models.TableID) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = append(d.order, table)
	return 0, nil
}
