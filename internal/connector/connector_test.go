package connector

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/pkg/models"
)

func TestNewDatabaseConnector(t *testing.T) {
	// Set environment variables for testing
	t.Setenv("DBIMPORT_DRIVER", "mysql")
	t.Setenv("DBIMPORT_HOST", "test-host")
	t.Setenv("DBIMPORT_USER", "test-user")
	t.Setenv("DBIMPORT_PASSWORD", "test-password")
	t.Setenv("DBIMPORT_DATABASE", "test-database")
	t.Setenv("DBIMPORT_PORT", "3307")

	logger := createTestLogger()

	db := NewDatabaseConnector(Settings{}, logger)

	// Check that environment variables were used
	if db.Host != "test-host" {
		t.Errorf("Expected host to be 'test-host', got '%s'", db.Host)
	}
	if db.User != "test-user" {
		t.Errorf("Expected user to be 'test-user', got '%s'", db.User)
	}
	if db.Password != "test-password" {
		t.Errorf("Expected password to be 'test-password', got '%s'", db.Password)
	}
	if db.Database != "test-database" {
		t.Errorf("Expected database to be 'test-database', got '%s'", db.Database)
	}
	if db.Port != "3307" {
		t.Errorf("Expected port to be '3307', got '%s'", db.Port)
	}

	// Test with explicit parameters
	db = NewDatabaseConnector(Settings{
		Driver:   "Postgres",
		Host:     "explicit-host",
		User:     "explicit-user",
		Password: "explicit-password",
		Database: "explicit-database",
		Port:     "5433",
		Schema:   "sales",
	}, logger)

	if db.Driver != Postgres {
		t.Errorf("Expected driver to be normalised to 'postgres', got '%s'", db.Driver)
	}
	if db.Host != "explicit-host" {
		t.Errorf("Expected host to be 'explicit-host', got '%s'", db.Host)
	}
	if db.Port != "5433" {
		t.Errorf("Expected port to be '5433', got '%s'", db.Port)
	}
	if db.DefaultSchema() != "sales" {
		t.Errorf("Expected default schema 'sales', got '%s'", db.DefaultSchema())
	}
}

func TestDataSourceName(t *testing.T) {
	logger := createTestLogger()

	tests := []struct {
		name     string
		settings Settings
		want     string
	}{
		{
			name:     "mysql",
			settings: Settings{Driver: MySQL, Host: "h", User: "u", Password: "p", Database: "d", Port: "3306"},
			want:     "u:p@tcp(h:3306)/d?parseTime=true",
		},
		{
			name:     "postgres",
			settings: Settings{Driver: Postgres, Host: "h", User: "u", Password: "p@ss", Database: "d", Port: "5432"},
			want:     "postgres://u:p%40ss@h:5432/d?sslmode=disable",
		},
		{
			name:     "explicit dsn wins",
			settings: Settings{Driver: SQLite, Database: "x.db", DSN: "file:other.db"},
			want:     "file:other.db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewDatabaseConnector(tt.settings, logger).DataSourceName()
			if got != tt.want {
				t.Errorf("DataSourceName() = %q, want %q", got, tt.want)
			}
		})
	}

	sqlite := NewDatabaseConnector(Settings{Driver: SQLite, Database: "/tmp/x.db"}, logger).DataSourceName()
	if !strings.HasPrefix(sqlite, "file:/tmp/x.db?") || !strings.Contains(sqlite, "_txlock=immediate") {
		t.Errorf("unexpected sqlite DSN %q", sqlite)
	}
}

func TestDriverNameUnsupported(t *testing.T) {
	dc := NewDatabaseConnector(Settings{Driver: "oracle", Database: "d"}, createTestLogger())
	if _, err := dc.DriverName(); err == nil {
		t.Error("Expected error for unsupported driver")
	}
	if err := dc.Connect(context.Background()); err == nil {
		t.Error("Expected Connect to fail for unsupported driver")
	}
}

func TestInsertStatement(t *testing.T) {
	logger := createTestLogger()
	table := models.TableID{Schema: "shop", Name: "orders"}

	my := NewDatabaseConnector(Settings{Driver: MySQL, Database: "shop"}, logger)
	if got, want := my.InsertStatement(table, []string{"id", "note"}),
		"INSERT INTO `shop`.`orders` (`id`, `note`) VALUES (?, ?)"; got != want {
		t.Errorf("mysql insert = %q, want %q", got, want)
	}

	pg := NewDatabaseConnector(Settings{Driver: Postgres, Database: "shop"}, logger)
	if got, want := pg.InsertStatement(models.TableID{Name: "orders"}, []string{"id", "note"}),
		`INSERT INTO "orders" ("id", "note") VALUES ($1, $2)`; got != want {
		t.Errorf("postgres insert = %q, want %q", got, want)
	}

	if got := pg.QuoteIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("QuoteIdent = %q", got)
	}
}

func TestSQLWriterCommitsBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	dc := FromDB(db, Settings{Driver: MySQL, Database: "shop"}, createTestLogger())
	table := models.TableID{Name: "orders"}
	insert := regexp.QuoteMeta("INSERT INTO `orders` (`id`, `note`) VALUES (?, ?)")

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(insert)
	prep.ExpectExec().WithArgs(1, "a").WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(2, "b").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	w, err := dc.NewWriter(ctx)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Prepare(ctx, table, []string{"id", "note"}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	for i, note := range []string{"a", "b"} {
		if err := w.AddToBatch(models.Row{Num: int64(i + 1), Values: []any{i + 1, note}}); err != nil {
			t.Fatalf("AddToBatch: %v", err)
		}
	}
	n, err := w.ExecuteBatch(ctx)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 inserted rows, got %d", n)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLWriterRollbackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	dc := FromDB(db, Settings{Driver: MySQL, Database: "shop"}, createTestLogger())

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO")
	prep.ExpectExec().WithArgs(-1).WillReturnError(errors.New("check constraint violated"))
	mock.ExpectRollback()

	ctx := context.Background()
	w, err := dc.NewWriter(ctx)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Prepare(ctx, models.TableID{Name: "t"}, []string{"id"}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := w.AddToBatch(models.Row{Num: 1, Values: []any{-1}}); err != nil {
		t.Fatalf("AddToBatch: %v", err)
	}
	if _, err := w.ExecuteBatch(ctx); err == nil {
		t.Fatal("Expected ExecuteBatch to fail")
	}
	if err := w.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := w.AddToBatch(models.Row{Num: 2, Values: []any{1, 2}}); err == nil {
		t.Error("Expected column count mismatch to be rejected")
	}
	w.Close()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeleteAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	dc := FromDB(db, Settings{Driver: Postgres, Database: "shop"}, createTestLogger())
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "public"."orders"`)).WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := dc.DeleteAll(context.Background(), models.TableID{Schema: "public", Name: "orders"})
	if err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 deleted rows, got %d", n)
	}
}

// Helper function to create a test logger
func createTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}
