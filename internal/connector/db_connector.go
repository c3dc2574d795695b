package connector

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/pkg/models"
	_ "modernc.org/sqlite"
)

// Supported driver kinds
const (
	MySQL    = "mysql"
	Postgres = "postgres"
	SQLite   = "sqlite"
)

// Settings holds the connection parameters for one database
type Settings struct {
	Driver   string
	Host     string
	User     string
	Password string
	Database string
	Port     string
	// Schema is the default schema for unqualified tables (postgres only).
	Schema string
	// DSN, when set, is handed to the driver unchanged.
	DSN string
}

// DatabaseConnector handles database connection and query execution
type DatabaseConnector struct {
	Settings
	DB     *sql.DB
	Logger *logrus.Logger
}

// NewDatabaseConnector creates a new database connector. Empty settings are
// filled from DBIMPORT_* environment variables, then driver defaults.
func NewDatabaseConnector(s Settings, logger *logrus.Logger) *DatabaseConnector {
	if s.Driver == "" {
		s.Driver = getEnvOrDefault("DBIMPORT_DRIVER", MySQL)
	}
	s.Driver = strings.ToLower(s.Driver)
	if s.Host == "" {
		s.Host = getEnvOrDefault("DBIMPORT_HOST", "localhost")
	}
	if s.User == "" {
		s.User = getEnvOrDefault("DBIMPORT_USER", "root")
	}
	if s.Password == "" {
		s.Password = getEnvOrDefault("DBIMPORT_PASSWORD", "")
	}
	if s.Database == "" {
		s.Database = getEnvOrDefault("DBIMPORT_DATABASE", "")
	}
	if s.Port == "" {
		s.Port = getEnvOrDefault("DBIMPORT_PORT", defaultPort(s.Driver))
	}
	if s.Schema == "" && s.Driver == Postgres {
		s.Schema = getEnvOrDefault("DBIMPORT_SCHEMA", "public")
	}

	return &DatabaseConnector{
		Settings: s,
		Logger:   logger,
	}
}

// FromDB wraps an already opened pool, e.g. one created by sqlmock.
func FromDB(db *sql.DB, s Settings, logger *logrus.Logger) *DatabaseConnector {
	dc := NewDatabaseConnector(s, logger)
	dc.DB = db
	return dc
}

func defaultPort(driver string) string {
	switch driver {
	case Postgres:
		return "5432"
	case SQLite:
		return ""
	default:
		return "3306"
	}
}

// DriverName returns the database/sql driver registered for the kind.
func (dc *DatabaseConnector) DriverName() (string, error) {
	switch dc.Driver {
	case MySQL:
		return "mysql", nil
	case Postgres:
		return "pgx", nil
	case SQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported driver %q", dc.Driver)
	}
}

// DataSourceName builds the driver specific DSN.
func (dc *DatabaseConnector) DataSourceName() string {
	if dc.DSN != "" {
		return dc.DSN
	}
	switch dc.Driver {
	case Postgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(dc.User, dc.Password),
			Host:     dc.Host + ":" + dc.Port,
			Path:     "/" + dc.Database,
			RawQuery: "sslmode=disable",
		}
		return u.String()
	case SQLite:
		// Immediate transactions make concurrent writers wait on busy_timeout
		// instead of failing on lock upgrade.
		return "file:" + dc.Database +
			"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true", dc.User, dc.Password, dc.Host, dc.Port, dc.Database)
	}
}

// Connect establishes a connection to the database
func (dc *DatabaseConnector) Connect(ctx context.Context) error {
	if dc.Database == "" && dc.DSN == "" {
		return fmt.Errorf("database name must be provided either as an argument or as DBIMPORT_DATABASE environment variable")
	}
	driverName, err := dc.DriverName()
	if err != nil {
		return err
	}

	db, err := sql.Open(driverName, dc.DataSourceName())
	if err != nil {
		dc.Logger.Errorf("Error connecting to %s database: %v", dc.Driver, err)
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		dc.Logger.Errorf("Error pinging %s database: %v", dc.Driver, err)
		db.Close()
		return err
	}

	dc.DB = db
	dc.Logger.Infof("Connected to %s database: %s", dc.Driver, dc.Database)
	return nil
}

// Disconnect closes the database connection
func (dc *DatabaseConnector) Disconnect() {
	if dc.DB != nil {
		err := dc.DB.Close()
		if err != nil {
			dc.Logger.Errorf("Error closing database connection: %v", err)
		} else {
			dc.Logger.Infof("%s connection closed", dc.Driver)
		}
	}
}

func (dc *DatabaseConnector) ensureConnected(ctx context.Context) error {
	if dc.DB == nil {
		return dc.Connect(ctx)
	}
	return nil
}

// DefaultSchema is the schema unqualified table names resolve to.
func (dc *DatabaseConnector) DefaultSchema() string {
	switch dc.Driver {
	case MySQL:
		return dc.Database
	case Postgres:
		return dc.Schema
	default:
		return ""
	}
}

// SchemaOf returns the table's schema, falling back to the default schema.
func (dc *DatabaseConnector) SchemaOf(t models.TableID) string {
	if t.Schema != "" {
		return t.Schema
	}
	return dc.DefaultSchema()
}

// Placeholder returns the bind parameter marker for position n (1-based).
func (dc *DatabaseConnector) Placeholder(n int) string {
	if dc.Driver == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// QuoteIdent quotes a single identifier for the dialect.
func (dc *DatabaseConnector) QuoteIdent(name string) string {
	if dc.Driver == MySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedName renders a quoted, optionally schema-qualified table name.
func (dc *DatabaseConnector) QualifiedName(t models.TableID) string {
	if t.Schema == "" {
		return dc.QuoteIdent(t.Name)
	}
	return dc.QuoteIdent(t.Schema) + "." + dc.QuoteIdent(t.Name)
}

// InsertStatement builds a single-row INSERT for the given columns.
func (dc *DatabaseConnector) InsertStatement(t models.TableID, columns []string) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = dc.QuoteIdent(c)
		placeholders[i] = dc.Placeholder(i + 1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		dc.QualifiedName(t),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)
}

// ExecuteQuery executes a SQL query and returns the results
func (dc *DatabaseConnector) ExecuteQuery(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return nil, err
	}

	rows, err := dc.DB.QueryContext(ctx, query, params...)
	if err != nil {
		dc.Logger.Errorf("Error executing query: %v", err)
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		dc.Logger.Errorf("Error getting columns: %v", err)
		return nil, err
	}

	var results []map[string]interface{}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			dc.Logger.Errorf("Error scanning row: %v", err)
			return nil, err
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			// catalogs differ in the case of column labels
			row[strings.ToLower(col)] = normalizeValue(values[i])
		}

		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		dc.Logger.Errorf("Error iterating rows: %v", err)
		return nil, err
	}

	return results, nil
}

// StreamQuery executes a query and calls fn once per row, in result order,
// without buffering the result set. fn must not retain values.
func (dc *DatabaseConnector) StreamQuery(ctx context.Context, query string, fn func(values []interface{}) error, params ...interface{}) error {
	if err := dc.ensureConnected(ctx); err != nil {
		return err
	}

	rows, err := dc.DB.QueryContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("query columns: %w", err)
	}
	values := make([]interface{}, len(columns))
	valuePtrs := make([]interface{}, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		for i := range values {
			values[i] = normalizeValue(values[i])
		}
		if err := fn(values); err != nil {
			return err
		}
	}
	return rows.Err()
}

// QueryColumns returns the result column names of query without reading rows.
func (dc *DatabaseConnector) QueryColumns(ctx context.Context, query string) ([]string, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return nil, err
	}
	rows, err := dc.DB.QueryContext(ctx, fmt.Sprintf("SELECT * FROM (%s) src WHERE 1 = 0", query))
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()
	return rows.Columns()
}

// ExecuteStatement executes a SQL statement and returns the number of affected rows
func (dc *DatabaseConnector) ExecuteStatement(ctx context.Context, query string, params ...interface{}) (int64, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return 0, err
	}

	result, err := dc.DB.ExecContext(ctx, query, params...)
	if err != nil {
		dc.Logger.Errorf("Error executing statement: %v", err)
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		dc.Logger.Errorf("Error getting affected rows: %v", err)
		return 0, err
	}

	return affected, nil
}

// DeleteAll removes every row from the table.
func (dc *DatabaseConnector) DeleteAll(ctx context.Context, table models.TableID) (int64, error) {
	n, err := dc.ExecuteStatement(ctx, "DELETE FROM "+dc.QualifiedName(table))
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	dc.Logger.Infof("Deleted %d rows from %s", n, table)
	return n, nil
}

// CountRows returns the number of rows in the table.
func (dc *DatabaseConnector) CountRows(ctx context.Context, table models.TableID) (int64, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return 0, err
	}
	var n int64
	if err := dc.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+dc.QualifiedName(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// KeyValues returns distinct value tuples of the given columns where none of
// them is NULL, capped at limit when positive.
func (dc *DatabaseConnector) KeyValues(ctx context.Context, table models.TableID, columns []string, limit int) ([][]interface{}, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("key values of %s: no columns", table)
	}
	quoted := make([]string, len(columns))
	notNull := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = dc.QuoteIdent(c)
		notNull[i] = quoted[i] + " IS NOT NULL"
	}
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s",
		strings.Join(quoted, ", "), dc.QualifiedName(table), strings.Join(notNull, " AND "))
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	var tuples [][]interface{}
	err := dc.StreamQuery(ctx, query, func(values []interface{}) error {
		tuples = append(tuples, append([]interface{}(nil), values...))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("key values of %s: %w", table, err)
	}
	return tuples, nil
}

// Conn checks out a dedicated connection from the pool.
func (dc *DatabaseConnector) Conn(ctx context.Context) (*sql.Conn, error) {
	if err := dc.ensureConnected(ctx); err != nil {
		return nil, err
	}
	return dc.DB.Conn(ctx)
}

func normalizeValue(val interface{}) interface{} {
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}

// getEnvOrDefault gets an environment variable or returns a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
