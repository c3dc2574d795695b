// Package config loads import jobs from YAML files.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/vitebski/dbimporter/internal/connector"
	"github.com/vitebski/dbimporter/internal/importer"
	"github.com/vitebski/dbimporter/internal/utils"
	"github.com/vitebski/dbimporter/pkg/models"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Source types
const (
	SourceCSV      = "csv"
	SourceQuery    = "query"
	SourceGenerate = "generate"
)

// Job is a complete import job.
type Job struct {
	Target DatabaseConfig `yaml:"target"`
	Source SourceConfig   `yaml:"source"`
	Import ImportConfig   `yaml:"import"`
	Tables []TableConfig  `yaml:"tables"`
}

// DatabaseConfig holds connection parameters. Empty fields fall back to
// DBIMPORT_* environment variables when the connector is created.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	DSN      string `yaml:"dsn"`
}

// SourceConfig selects and tunes the row producer.
type SourceConfig struct {
	Type string `yaml:"type"`

	// csv
	Dir         string `yaml:"dir"`
	Delimiter   string `yaml:"delimiter"`
	NullIfEmpty bool   `yaml:"null_if_empty"`
	TrimSpace   bool   `yaml:"trim_space"`

	// query
	Database DatabaseConfig `yaml:"database"`

	// generate
	Rows int   `yaml:"rows"`
	Seed int64 `yaml:"seed"`
}

// ImportConfig holds the coordinator settings.
type ImportConfig struct {
	BatchSize       int  `yaml:"batch_size"`
	Workers         int  `yaml:"workers"`
	QueueSize       int  `yaml:"queue_size"`
	ContinueOnError bool `yaml:"continue_on_error"`
	DeleteTarget    bool `yaml:"delete_target"`
	// CheckDependencies defaults to true when omitted.
	CheckDependencies *bool `yaml:"check_dependencies"`
	FailOnCycle       bool  `yaml:"fail_on_cycle"`
}

// TableConfig names a target table and its per-table source overrides.
type TableConfig struct {
	Name  string `yaml:"name"`
	File  string `yaml:"file"`
	Query string `yaml:"query"`
	Rows  int    `yaml:"rows"`
}

// Default returns a job with the built-in defaults.
func Default() *Job {
	return &Job{
		Source: SourceConfig{Type: SourceCSV, Dir: ".", Delimiter: ","},
		Import: ImportConfig{
			BatchSize: importer.DefaultBatchSize,
			Workers:   importer.DefaultWorkers,
		},
	}
}

// Load reads a job file. Unknown keys are rejected.
func Load(path string) (*Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a job from r on top of the defaults.
func Parse(r io.Reader) (*Job, error) {
	job := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(job); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return job, nil
}

// ApplyEnv fills unset import settings from DBIMPORT_BATCH_SIZE,
// DBIMPORT_WORKERS and DBIMPORT_ROWS.
func (j *Job) ApplyEnv() {
	if j.Import.BatchSize <= 0 {
		j.Import.BatchSize = utils.GetEnvInt("DBIMPORT_BATCH_SIZE", importer.DefaultBatchSize)
	}
	if j.Import.Workers <= 0 {
		j.Import.Workers = utils.GetEnvInt("DBIMPORT_WORKERS", importer.DefaultWorkers)
	}
	if j.Source.Rows <= 0 {
		j.Source.Rows = utils.GetEnvInt("DBIMPORT_ROWS", 0)
	}
}

// Validate reports every problem found, keyed by field.
func (j *Job) Validate() error {
	var err error
	fail := func(field, format string, args ...interface{}) {
		err = multierr.Append(err, fmt.Errorf("%s: %s", field, fmt.Sprintf(format, args...)))
	}

	validDriver := func(field, driver string) {
		switch strings.ToLower(driver) {
		case "", connector.MySQL, connector.Postgres, connector.SQLite:
		default:
			fail(field, "unsupported driver %q", driver)
		}
	}
	validDriver("target.driver", j.Target.Driver)

	switch j.Source.Type {
	case SourceCSV:
		if utf8.RuneCountInString(j.Source.Delimiter) > 1 {
			fail("source.delimiter", "must be a single character, got %q", j.Source.Delimiter)
		}
	case SourceQuery:
		validDriver("source.database.driver", j.Source.Database.Driver)
		if j.Source.Database.Database == "" && j.Source.Database.DSN == "" {
			fail("source.database", "database or dsn is required")
		}
	case SourceGenerate:
		if j.Source.Rows <= 0 {
			for _, t := range j.Tables {
				if t.Rows <= 0 {
					fail("source.rows", "must be positive unless every table sets rows")
					break
				}
			}
		}
	default:
		fail("source.type", "must be one of %s, %s, %s; got %q", SourceCSV, SourceQuery, SourceGenerate, j.Source.Type)
	}

	if j.Import.BatchSize <= 0 {
		fail("import.batch_size", "must be positive")
	}
	if j.Import.Workers <= 0 {
		fail("import.workers", "must be positive")
	}
	if j.Import.QueueSize < 0 {
		fail("import.queue_size", "must not be negative")
	}

	if len(j.Tables) == 0 {
		fail("tables", "at least one table is required")
	}
	seen := make(map[models.TableID]bool)
	for i, t := range j.Tables {
		id := models.ParseTableID(t.Name)
		if id.Name == "" {
			fail(fmt.Sprintf("tables[%d].name", i), "is required")
			continue
		}
		if seen[id] {
			fail(fmt.Sprintf("tables[%d].name", i), "duplicate table %s", id)
		}
		seen[id] = true
	}
	return err
}

// TableIDs returns the configured tables in file order.
func (j *Job) TableIDs() []models.TableID {
	ids := make([]models.TableID, 0, len(j.Tables))
	for _, t := range j.Tables {
		ids = append(ids, models.ParseTableID(t.Name))
	}
	return ids
}

// SetTables replaces the table list, keeping the overrides of tables that
// stay.
func (j *Job) SetTables(names []string) {
	old := make(map[models.TableID]TableConfig, len(j.Tables))
	for _, t := range j.Tables {
		old[models.ParseTableID(t.Name)] = t
	}
	j.Tables = j.Tables[:0]
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t, ok := old[models.ParseTableID(name)]
		if !ok {
			t = TableConfig{Name: name}
		}
		j.Tables = append(j.Tables, t)
	}
}

// ImporterConfig converts the job into coordinator settings.
func (j *Job) ImporterConfig() importer.Config {
	cfg := importer.DefaultConfig()
	cfg.Tables = j.TableIDs()
	cfg.BatchSize = j.Import.BatchSize
	cfg.Workers = j.Import.Workers
	cfg.QueueSize = j.Import.QueueSize
	cfg.ContinueOnError = j.Import.ContinueOnError
	cfg.DeleteTarget = j.Import.DeleteTarget
	if j.Import.CheckDependencies != nil {
		cfg.CheckDependencies = *j.Import.CheckDependencies
	}
	return cfg
}

// Settings converts to connector settings.
func (d DatabaseConfig) Settings() connector.Settings {
	return connector.Settings{
		Driver:   d.Driver,
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		Database: d.Database,
		Schema:   d.Schema,
		DSN:      d.DSN,
	}
}

// Comma returns the CSV delimiter rune; `\t` and "tab" select a tab.
func (s SourceConfig) Comma() rune {
	switch s.Delimiter {
	case "", ",":
		return ','
	case `\t`, "tab":
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(s.Delimiter)
	return r
}
