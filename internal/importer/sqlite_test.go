package importer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/vitebski/dbimporter/internal/analyzer"
	"github.com/vitebski/dbimporter/internal/connector"
	"github.com/vitebski/dbimporter/pkg/models"
)

func TestImportIntoSQLite(t *testing.T) {
	ctx := context.Background()
	dc := connector.NewDatabaseConnector(connector.Settings{
		Driver:   connector.SQLite,
		Database: filepath.Join(t.TempDir(), "target.db"),
	}, testLogger())
	if err := dc.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer dc.Disconnect()

	for _, stmt := range []string{
		`CREATE TABLE parent (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE child (
			id INTEGER PRIMARY KEY CHECK (id <> -1),
			parent_id INTEGER NOT NULL REFERENCES parent (id)
		)`,
		`INSERT INTO parent (id, name) VALUES (1000, 'stale')`,
	} {
		if _, err := dc.ExecuteStatement(ctx, stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}

	producer := newFakeProducer()
	producer.columns[tbl("parent")] = []string{"id", "name"}
	producer.columns[tbl("child")] = []string{"id", "parent_id"}
	for i := int64(1); i <= 50; i++ {
		producer.rows[tbl("parent")] = append(producer.rows[tbl("parent")],
			models.Row{Num: i, Values: []any{i, fmt.Sprintf("parent %d", i)}})
	}
	for i := int64(1); i <= 500; i++ {
		id := i
		if i == 250 {
			id = -1
		}
		producer.rows[tbl("child")] = append(producer.rows[tbl("child")],
			models.Row{Num: i, Values: []any{id, i%50 + 1}})
	}

	sorter := analyzer.NewDependencySorter(analyzer.NewCatalogProvider(dc), analyzer.SorterConfig{}, testLogger())
	writers := func(ctx context.Context, _ models.TableID) (Writer, error) {
		w, err := dc.NewWriter(ctx)
		if err != nil {
			return nil, err
		}
		return w, nil
	}

	cfg := DefaultConfig()
	cfg.Tables = []models.TableID{tbl("child"), tbl("parent")}
	cfg.BatchSize = 40
	cfg.Workers = 2
	cfg.ContinueOnError = true
	cfg.DeleteTarget = true
	c := NewCoordinator(cfg, sorter, writers, testLogger())
	c.SetProducer(producer)
	c.SetDeleter(dc)

	if err := c.StartImport(ctx); err != nil {
		t.Fatalf("StartImport: %v", err)
	}
	if !c.IsSuccess() {
		t.Fatalf("Expected success, errors: %v", c.Result().Errors)
	}

	parents, err := dc.CountRows(ctx, tbl("parent"))
	if err != nil {
		t.Fatalf("count parent: %v", err)
	}
	if parents != 50 {
		t.Errorf("Expected 50 parents after delete and import, got %d", parents)
	}
	children, err := dc.CountRows(ctx, tbl("child"))
	if err != nil {
		t.Fatalf("count child: %v", err)
	}
	if children != 499 {
		t.Errorf("Expected 499 children, got %d", children)
	}

	res := c.Result()
	if len(res.Rejected) != 1 || res.Rejected[0].RowNum != 250 {
		t.Errorf("Expected row 250 to be rejected, got %+v", res.Rejected)
	}
	if got := producer.produced(); len(got) != 2 || got[0] != tbl("parent") {
		t.Errorf("Expected parent to be imported first, got %v", got)
	}
}
