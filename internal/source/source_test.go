package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/internal/connector"
	"github.com/vitebski/dbimporter/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func collect(t *testing.T, produce func(emit func(models.Row) error) error) []models.Row {
	t.Helper()
	var rows []models.Row
	if err := produce(func(r models.Row) error {
		rows = append(rows, r)
		return nil
	}); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	return rows
}

func TestCSVProducer(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "customers.csv", "\ufeffid; name ;email\n1;Ada;ada@example.com\n2;Linus;\n")

	p := NewCSVProducer(dir, CSVOptions{Comma: ';', NullIfEmpty: true}, testLogger())
	ctx := context.Background()
	table := models.TableID{Name: "customers"}

	cols, err := p.Columns(ctx, table)
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if want := []string{"id", "name", "email"}; !reflect.DeepEqual(cols, want) {
		t.Errorf("Columns() = %q, want %q", cols, want)
	}

	rows := collect(t, func(emit func(models.Row) error) error { return p.Produce(ctx, table, emit) })
	want := []models.Row{
		{Num: 1, Values: []any{"1", "Ada", "ada@example.com"}},
		{Num: 2, Values: []any{"2", "Linus", nil}},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("Produce() rows =\n%v\nwant\n%v", rows, want)
	}
}

func TestCSVProducerExplicitFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "export.tsv", "id\tnote\n7\t  padded  \n")

	p := NewCSVProducer("", CSVOptions{Comma: '\t', TrimSpace: true}, testLogger())
	table := models.TableID{Schema: "crm", Name: "notes"}
	p.Files[table] = filepath.Join(dir, "export.tsv")

	rows := collect(t, func(emit func(models.Row) error) error { return p.Produce(context.Background(), table, emit) })
	if len(rows) != 1 || rows[0].Values[1] != "padded" {
		t.Errorf("unexpected rows %v", rows)
	}
}

func TestCSVProducerErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ragged.csv", "a,b\n1,2\n3\n")
	writeFile(t, dir, "empty.csv", "")
	p := NewCSVProducer(dir, CSVOptions{}, testLogger())
	ctx := context.Background()
	noop := func(models.Row) error { return nil }

	if err := p.Produce(ctx, models.TableID{Name: "ragged"}, noop); err == nil {
		t.Error("Expected an error for a short record")
	}
	if _, err := p.Columns(ctx, models.TableID{Name: "empty"}); err == nil {
		t.Error("Expected an error for a file without header")
	}
	if _, err := p.Columns(ctx, models.TableID{Name: "missing"}); err == nil {
		t.Error("Expected an error for a missing file")
	}

	stop := errors.New("stop")
	calls := 0
	err := p.Produce(ctx, models.TableID{Name: "ragged"}, func(models.Row) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("Expected the receiver error after one row, got %v after %d calls", err, calls)
	}
}

func TestQueryProducer(t *testing.T) {
	ctx := context.Background()
	src := connector.NewDatabaseConnector(connector.Settings{
		Driver:   connector.SQLite,
		Database: filepath.Join(t.TempDir(), "source.db"),
	}, testLogger())
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer src.Disconnect()

	for _, stmt := range []string{
		`CREATE TABLE products (id INTEGER PRIMARY KEY, name TEXT, price REAL)`,
		`INSERT INTO products (id, name, price) VALUES (1, 'lamp', 9.5), (2, 'desk', 120), (3, NULL, 1)`,
	} {
		if _, err := src.ExecuteStatement(ctx, stmt); err != nil {
			t.Fatalf("exec: %v", err)
		}
	}

	p := NewQueryProducer(src, testLogger())
	table := models.TableID{Name: "products"}

	cols, err := p.Columns(ctx, table)
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if want := []string{"id", "name", "price"}; !reflect.DeepEqual(cols, want) {
		t.Errorf("Columns() = %v, want %v", cols, want)
	}

	rows := collect(t, func(emit func(models.Row) error) error { return p.Produce(ctx, table, emit) })
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(rows))
	}
	if rows[0].Num != 1 || rows[0].Values[1] != "lamp" {
		t.Errorf("unexpected first row %v", rows[0])
	}
	if rows[2].Values[1] != nil {
		t.Errorf("Expected NULL name, got %v", rows[2].Values[1])
	}

	p.Queries[table] = "SELECT id, name FROM products WHERE price > 5 ORDER BY id"
	cols, err = p.Columns(ctx, table)
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if len(cols) != 2 {
		t.Errorf("Expected 2 columns for custom query, got %v", cols)
	}
	rows = collect(t, func(emit func(models.Row) error) error { return p.Produce(ctx, table, emit) })
	if len(rows) != 2 || rows[1].Values[1] != "desk" {
		t.Errorf("unexpected rows for custom query %v", rows)
	}
}
