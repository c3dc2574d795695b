package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/vitebski/dbimporter/pkg/models"
	"go.uber.org/multierr"
)

const sampleJob = `
target:
  driver: postgres
  host: db.internal
  database: shop
  schema: sales
source:
  type: csv
  dir: ./data
  delimiter: ";"
  null_if_empty: true
import:
  batch_size: 250
  workers: 8
  continue_on_error: true
  check_dependencies: false
tables:
  - name: customers
  - name: sales.orders
    file: ./data/orders-2024.csv
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	if err := os.WriteFile(path, []byte(sampleJob), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	job, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := job.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if job.Target.Driver != "postgres" || job.Target.Schema != "sales" {
		t.Errorf("unexpected target %+v", job.Target)
	}
	if job.Source.Comma() != ';' || !job.Source.NullIfEmpty {
		t.Errorf("unexpected source %+v", job.Source)
	}
	want := []models.TableID{{Name: "customers"}, {Schema: "sales", Name: "orders"}}
	if got := job.TableIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("TableIDs() = %v, want %v", got, want)
	}

	cfg := job.ImporterConfig()
	if cfg.BatchSize != 250 || cfg.Workers != 8 || !cfg.ContinueOnError {
		t.Errorf("unexpected importer config %+v", cfg)
	}
	if cfg.CheckDependencies {
		t.Error("Expected check_dependencies: false to be honoured")
	}
}

func TestParseDefaults(t *testing.T) {
	job, err := Parse(strings.NewReader("tables:\n  - name: a\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if job.Source.Type != SourceCSV || job.Import.BatchSize != 100 || job.Import.Workers != 4 {
		t.Errorf("Expected defaults, got %+v", job)
	}
	if !job.ImporterConfig().CheckDependencies {
		t.Error("Expected dependency checking by default")
	}

	empty, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse empty: %v", err)
	}
	if empty.Import.BatchSize != 100 {
		t.Errorf("Expected defaults for an empty file, got %+v", empty.Import)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse(strings.NewReader("import:\n  batchsize: 10\n")); err == nil {
		t.Error("Expected an error for an unknown key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(j *Job)
		fields []string
	}{
		{
			name:   "valid",
			modify: func(j *Job) {},
		},
		{
			name:   "no tables",
			modify: func(j *Job) { j.Tables = nil },
			fields: []string{"tables"},
		},
		{
			name: "bad import settings",
			modify: func(j *Job) {
				j.Import.BatchSize = 0
				j.Import.Workers = -1
			},
			fields: []string{"import.batch_size", "import.workers"},
		},
		{
			name:   "unknown source",
			modify: func(j *Job) { j.Source.Type = "excel" },
			fields: []string{"source.type"},
		},
		{
			name: "query without database",
			modify: func(j *Job) {
				j.Source.Type = SourceQuery
			},
			fields: []string{"source.database"},
		},
		{
			name: "generate without rows",
			modify: func(j *Job) {
				j.Source.Type = SourceGenerate
			},
			fields: []string{"source.rows"},
		},
		{
			name:   "duplicate table",
			modify: func(j *Job) { j.Tables = append(j.Tables, TableConfig{Name: "a"}) },
			fields: []string{"tables[1].name"},
		},
		{
			name:   "bad driver",
			modify: func(j *Job) { j.Target.Driver = "oracle" },
			fields: []string{"target.driver"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := Default()
			job.Tables = []TableConfig{{Name: "a"}}
			tt.modify(job)

			errs := multierr.Errors(job.Validate())
			if len(errs) != len(tt.fields) {
				t.Fatalf("Expected %d errors, got %v", len(tt.fields), errs)
			}
			for i, field := range tt.fields {
				if !strings.HasPrefix(errs[i].Error(), field+":") {
					t.Errorf("Expected error %d to name %s, got %v", i, field, errs[i])
				}
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DBIMPORT_BATCH_SIZE", "500")
	t.Setenv("DBIMPORT_WORKERS", "not-a-number")
	t.Setenv("DBIMPORT_ROWS", "42")

	job := &Job{}
	job.ApplyEnv()
	if job.Import.BatchSize != 500 {
		t.Errorf("Expected batch size 500, got %d", job.Import.BatchSize)
	}
	if job.Import.Workers != 4 {
		t.Errorf("Expected default workers for an invalid value, got %d", job.Import.Workers)
	}
	if job.Source.Rows != 42 {
		t.Errorf("Expected 42 rows, got %d", job.Source.Rows)
	}

	job = Default()
	job.ApplyEnv()
	if job.Import.BatchSize != 100 {
		t.Errorf("Expected file value to win over env, got %d", job.Import.BatchSize)
	}
}

func TestSetTablesKeepsOverrides(t *testing.T) {
	job := Default()
	job.Tables = []TableConfig{{Name: "a", File: "a.csv"}, {Name: "b"}}
	job.SetTables([]string{"c", " a "})
	want := []TableConfig{{Name: "c"}, {Name: "a", File: "a.csv"}}
	if !reflect.DeepEqual(job.Tables, want) {
		t.Errorf("Tables = %+v, want %+v", job.Tables, want)
	}
}

func TestComma(t *testing.T) {
	tests := map[string]rune{"": ',', ",": ',', ";": ';', `\t`: '\t', "tab": '\t', "|": '|'}
	for in, want := range tests {
		if got := (SourceConfig{Delimiter: in}).Comma(); got != want {
			t.Errorf("Comma(%q) = %q, want %q", in, got, want)
		}
	}
}
