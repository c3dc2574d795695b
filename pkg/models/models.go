package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// TableID identifies a table by schema and name. An empty schema means the
// connection's default schema.
type TableID struct {
	Schema string
	Name   string
}

// ParseTableID splits "schema.table" into a TableID. A name without a dot
// yields an empty schema.
func ParseTableID(s string) TableID {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "."); i > 0 {
		return TableID{Schema: s[:i], Name: s[i+1:]}
	}
	return TableID{Name: s}
}

func (t TableID) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Column represents a database column with its properties
type Column struct {
	Name             string
	DataType         string
	ColumnType       string
	CharMaxLength    *int64
	NumericPrecision *int64
	NumericScale     *int64
	IsNullable       bool
	ColumnKey        string
	Extra            string
}

// ForeignKey is one dependency edge: Table (the child) references
// ReferencedTable (the parent), so the parent must be loaded first.
type ForeignKey struct {
	Table            TableID
	Column           string
	ReferencedTable  TableID
	ReferencedColumn string
	IsNullable       bool
	ConstraintName   string
}

// IsSelfReference reports whether the child and parent are the same table.
func (fk ForeignKey) IsSelfReference() bool {
	return fk.Table == fk.ReferencedTable
}

func (fk ForeignKey) String() string {
	return fmt.Sprintf("%s -> %s (%s)", fk.Table, fk.ReferencedTable, fk.ConstraintName)
}

// TableCategory represents the category of a table
type TableCategory int

const (
	Standalone TableCategory = iota
	Dependent
	Circular
)

func (c TableCategory) String() string {
	switch c {
	case Dependent:
		return "Dependent"
	case Circular:
		return "Circular"
	default:
		return "Standalone"
	}
}

// Row is one record for a target table. Num is the 1-based row number in the
// source; Values line up with the producer's column list.
type Row struct {
	Num    int64
	Values []any
}

// RejectedRow is a row that failed even when written on its own.
type RejectedRow struct {
	Table  TableID
	RowNum int64
	Values []any
	Cause  error
}

// WarningKind classifies non-fatal findings.
type WarningKind string

const (
	WarningCyclicDependency WarningKind = "cyclic-dependency"
	WarningEmptySource      WarningKind = "empty-source"
)

// Warning is a non-fatal finding recorded in the import result.
type Warning struct {
	Kind  WarningKind
	Table TableID
	Text  string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Text)
}

// Message is one entry of the structured run log.
type Message struct {
	Time  time.Time
	Level logrus.Level
	Table TableID
	Text  string
}

// ImportResult represents the outcome of an import run
type ImportResult struct {
	Success   bool
	Cancelled bool
	TotalRows int64
	TableRows map[string]int64
	Rejected  []RejectedRow
	Warnings  []Warning
	Errors    []error
	Duration  time.Duration
}

// NewImportResult returns an empty, successful result.
func NewImportResult() ImportResult {
	return ImportResult{Success: true, TableRows: make(map[string]int64)}
}

// Err combines all recorded errors, or returns nil.
func (r ImportResult) Err() error {
	return multierr.Combine(r.Errors...)
}
