// Package source provides row producers that read existing data: delimited
// text files and queries against another database.
package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/internal/importer"
	"github.com/vitebski/dbimporter/pkg/models"
)

// CSVOptions tune delimited-file parsing.
type CSVOptions struct {
	// Comma is the field delimiter; zero means ','.
	Comma rune
	// NullIfEmpty turns empty fields into NULL instead of "".
	NullIfEmpty bool
	TrimSpace   bool
	LazyQuotes  bool
}

// CSVProducer reads one delimited file per table. The first record is the
// header and names the target columns.
type CSVProducer struct {
	// Files maps a table to its file; tables not listed are read from
	// Dir/<table>.csv.
	Files   map[models.TableID]string
	Dir     string
	Options CSVOptions
	Logger  *logrus.Logger
}

var _ importer.Producer = (*CSVProducer)(nil)

// NewCSVProducer creates a producer reading <dir>/<table>.csv files.
func NewCSVProducer(dir string, opts CSVOptions, logger *logrus.Logger) *CSVProducer {
	return &CSVProducer{
		Files:   make(map[models.TableID]string),
		Dir:     dir,
		Options: opts,
		Logger:  logger,
	}
}

// Path returns the file read for table.
func (p *CSVProducer) Path(table models.TableID) string {
	if path, ok := p.Files[table]; ok {
		return path
	}
	return filepath.Join(p.Dir, table.Name+".csv")
}

func (p *CSVProducer) open(table models.TableID) (*os.File, *csv.Reader, []string, error) {
	f, err := os.Open(p.Path(table))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open source: %w", err)
	}

	cr := csv.NewReader(f)
	if p.Options.Comma != 0 {
		cr.Comma = p.Options.Comma
	}
	cr.LazyQuotes = p.Options.LazyQuotes
	cr.ReuseRecord = true
	// width is checked against the header below
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		f.Close()
		if err == io.EOF {
			return nil, nil, nil, fmt.Errorf("%s: missing header", p.Path(table))
		}
		return nil, nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	return f, cr, normalizeHeaders(header), nil
}

// normalizeHeaders trims names and drops a UTF-8 byte order mark.
func normalizeHeaders(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		out[i] = strings.TrimSpace(h)
	}
	return out
}

// Columns returns the header of the table's file.
func (p *CSVProducer) Columns(_ context.Context, table models.TableID) ([]string, error) {
	f, _, header, err := p.open(table)
	if err != nil {
		return nil, err
	}
	f.Close()
	return header, nil
}

// Produce emits every data record. Row numbers count data records from 1,
// the header excluded.
func (p *CSVProducer) Produce(ctx context.Context, table models.TableID, emit importer.Receiver) error {
	f, cr, header, err := p.open(table)
	if err != nil {
		return err
	}
	defer f.Close()

	var num int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		num++
		if err != nil {
			return fmt.Errorf("%s row %d: %w", p.Path(table), num, err)
		}
		if len(rec) != len(header) {
			return fmt.Errorf("%s row %d: %d fields, header has %d", p.Path(table), num, len(rec), len(header))
		}

		values := make([]any, len(rec))
		for i, field := range rec {
			if p.Options.TrimSpace {
				field = strings.TrimSpace(field)
			}
			if field == "" && p.Options.NullIfEmpty {
				values[i] = nil
				continue
			}
			values[i] = field
		}
		if err := emit(models.Row{Num: num, Values: values}); err != nil {
			return err
		}
	}

	p.Logger.Debugf("Read %d rows from %s", num, p.Path(table))
	return nil
}
