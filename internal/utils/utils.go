package utils

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/internal/analyzer"
	"github.com/vitebski/dbimporter/internal/connector"
	"github.com/vitebski/dbimporter/pkg/models"
)

// SetupLogging configures the logging system
func SetupLogging(logLevel string) *logrus.Logger {
	logger := logrus.New()

	// Get log level from environment variable or parameter
	levelStr := logLevel
	if levelStr == "" {
		levelStr = os.Getenv("DBIMPORT_LOG_LEVEL")
		if levelStr == "" {
			levelStr = "info"
		}
	}

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stdout)

	logger.Debugf("Logging configured with level: %s", level)
	return logger
}

// LoadEnvironmentVariables loads environment variables from .env file and
// reports whether the connection variables of the selected driver are set.
func LoadEnvironmentVariables(envFile string, logger *logrus.Logger) bool {
	// Check if a sample .env file exists but not the actual .env file
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		sampleEnvFile := envFile + ".sample"
		if _, err := os.Stat(sampleEnvFile); err == nil {
			logger.Infof("No %s file found, but %s exists. Consider copying %s to %s and updating it.",
				envFile, sampleEnvFile, sampleEnvFile, envFile)
		}
	}

	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.Warningf("Error loading %s file: %v", envFile, err)
		} else {
			logger.Infof("Loaded environment variables from %s", envFile)
		}
	} else {
		logger.Debugf("No %s file found, using existing environment variables", envFile)
	}

	var missingVars []string
	for _, v := range RequiredVars(os.Getenv("DBIMPORT_DRIVER")) {
		if os.Getenv(v) == "" {
			missingVars = append(missingVars, v)
		}
	}

	if len(missingVars) > 0 {
		logger.Debugf("Missing environment variables: %s", strings.Join(missingVars, ", "))
		logger.Debug("These can be provided via command line arguments, a config file, environment variables, or a .env file")
		return false
	}

	// Log all available DBIMPORT_* environment variables (for debugging)
	if logger.Level == logrus.DebugLevel {
		for _, env := range os.Environ() {
			if strings.HasPrefix(env, "DBIMPORT_") {
				parts := strings.SplitN(env, "=", 2)
				if len(parts) == 2 {
					if parts[0] == "DBIMPORT_PASSWORD" {
						logger.Debugf("%s=********", parts[0])
					} else {
						logger.Debugf("%s=%s", parts[0], parts[1])
					}
				}
			}
		}
	}

	return true
}

// RequiredVars lists the environment variables a driver needs when nothing
// else provides the connection parameters.
func RequiredVars(driver string) []string {
	if strings.EqualFold(driver, connector.SQLite) {
		return []string{"DBIMPORT_DATABASE"}
	}
	return []string{"DBIMPORT_HOST", "DBIMPORT_USER", "DBIMPORT_PASSWORD", "DBIMPORT_DATABASE"}
}

// GetEnvInt gets an integer value from environment variable
func GetEnvInt(varName string, defaultValue int) int {
	value := os.Getenv(varName)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// ValidateConnectionParams validates database connection parameters
func ValidateConnectionParams(s connector.Settings, logger *logrus.Logger) bool {
	if s.DSN != "" {
		return true
	}
	if s.Database == "" {
		logger.Error("Database name is required")
		return false
	}
	if strings.EqualFold(s.Driver, connector.SQLite) {
		return true
	}

	if s.Host == "" {
		logger.Error("Database host is required")
		return false
	}

	if s.User == "" {
		logger.Error("Database user is required")
		return false
	}

	if s.Password == "" { // Empty password is allowed
		logger.Warning("Database password is empty")
	}

	if _, err := strconv.Atoi(s.Port); err != nil {
		logger.Errorf("Invalid port number: %s", s.Port)
		return false
	}

	return true
}

// PrintSummary prints a summary of an import run
func PrintSummary(w io.Writer, order []models.TableID, result models.ImportResult) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 50))
	fmt.Fprintln(w, "DATABASE IMPORT SUMMARY")
	fmt.Fprintln(w, strings.Repeat("=", 50))

	status := "completed"
	switch {
	case result.Cancelled:
		status = "cancelled"
	case !result.Success:
		status = "failed"
	}
	fmt.Fprintf(w, "Status: %s\n", status)
	fmt.Fprintf(w, "Duration: %s\n", result.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Total rows imported: %d\n", result.TotalRows)
	fmt.Fprintf(w, "Rejected rows: %d\n", len(result.Rejected))

	if len(order) > 0 {
		fmt.Fprintln(w, "\nTables:")
		for _, t := range order {
			if n, ok := result.TableRows[t.String()]; ok {
				fmt.Fprintf(w, "  - %s: %d rows\n", t, n)
			} else {
				fmt.Fprintf(w, "  - %s: not imported\n", t)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, warning := range result.Warnings {
			fmt.Fprintf(w, "  - %s\n", warning)
		}
	}

	if len(result.Rejected) > 0 {
		fmt.Fprintln(w, "\nRejected rows:")
		for _, r := range result.Rejected {
			fmt.Fprintf(w, "  - %s row %d: %v\n", r.Table, r.RowNum, r.Cause)
		}
	}

	if len(result.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, err := range result.Errors {
			fmt.Fprintf(w, "  - %v\n", err)
		}
	}

	fmt.Fprintln(w, strings.Repeat("=", 50))
}

// PrintSortOrder prints an ordered table list with its warnings.
func PrintSortOrder(w io.Writer, title string, result analyzer.SortResult) {
	fmt.Fprintln(w, title)
	for i, t := range result.Tables {
		fmt.Fprintf(w, "  %3d. %s\n", i+1, t)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

// PrintSchemaAnalysis prints a detailed analysis of the analyzed tables
func PrintSchemaAnalysis(w io.Writer, sa *analyzer.SchemaAnalyzer) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, "DATABASE SCHEMA ANALYSIS REPORT")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	counts := make(map[models.TableCategory]int)
	withFKs := 0
	for _, t := range sa.Tables {
		counts[sa.Category(t)]++
		if len(sa.ForeignKeys(t)) > 0 {
			withFKs++
		}
	}

	fmt.Fprintln(w, "\n1. BASIC STATISTICS")
	fmt.Fprintf(w, "   Total tables: %d\n", len(sa.Tables))
	fmt.Fprintf(w, "   Tables with foreign keys: %d\n", withFKs)
	fmt.Fprintf(w, "   Self-referencing tables: %d\n", len(sa.SelfReferencing))
	fmt.Fprintf(w, "   Tables in circular dependencies: %d\n", len(sa.CircularTables))

	fmt.Fprintln(w, "\n2. TABLE CATEGORIES")
	fmt.Fprintf(w, "   Standalone tables (no foreign keys): %d\n", counts[models.Standalone])
	fmt.Fprintf(w, "   Dependent tables (with foreign keys, no circular deps): %d\n", counts[models.Dependent])
	fmt.Fprintf(w, "   Tables in circular dependencies: %d\n", counts[models.Circular])

	if len(sa.CircularTables) > 0 {
		fmt.Fprintln(w, "\n3. CIRCULAR DEPENDENCIES")
		var circular []string
		for t := range sa.CircularTables {
			circular = append(circular, t.String())
		}
		sort.Strings(circular)
		fmt.Fprintf(w, "   Tables involved: %s\n", strings.Join(circular, ", "))
		for _, warning := range sa.Warnings {
			fmt.Fprintf(w, "   %s\n", warning.Text)
		}
	}

	fmt.Fprintln(w, "\n4. RECOMMENDED TABLE INSERTION ORDER")
	for i, t := range sa.OrderedTables {
		fmt.Fprintf(w, "   %3d. %s (%s)\n", i+1, t, sa.Category(t))
		for _, fk := range sa.ForeignKeys(t) {
			nullable := ""
			if fk.IsNullable {
				nullable = ", nullable"
			}
			fmt.Fprintf(w, "          %s -> %s.%s%s\n", fk.Column, fk.ReferencedTable, fk.ReferencedColumn, nullable)
		}
	}

	fmt.Fprintln(w, "\n5. TABLE DELETION ORDER")
	for i, t := range sa.DeleteOrder {
		fmt.Fprintf(w, "   %3d. %s\n", i+1, t)
	}

	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
}

// RowCounter counts the rows of a table; *connector.DatabaseConnector
// implements it.
type RowCounter interface {
	CountRows(ctx context.Context, table models.TableID) (int64, error)
}

// VerifyTablePopulation verifies that all tables have at least the minimum number of records
func VerifyTablePopulation(ctx context.Context, db RowCounter, tables []models.TableID, minRecords int, logger *logrus.Logger) (bool, []string, map[string]int) {
	logger.Infof("Verifying that all tables have at least %d record(s)...", minRecords)

	emptyTables := []string{}
	partiallyPopulatedTables := make(map[string]int)

	for _, table := range tables {
		count, err := db.CountRows(ctx, table)
		if err != nil {
			logger.Warningf("Could not verify record count for table %s: %v", table, err)
			emptyTables = append(emptyTables, table.String())
			continue
		}

		if count == 0 {
			logger.Warningf("Table %s has no records", table)
			emptyTables = append(emptyTables, table.String())
		} else if count < int64(minRecords) {
			logger.Warningf("Table %s has only %d/%d expected records", table, count, minRecords)
			partiallyPopulatedTables[table.String()] = int(count)
		}
	}

	success := len(emptyTables) == 0 && len(partiallyPopulatedTables) == 0

	if success {
		logger.Info("Verification successful: All tables have at least the minimum number of records")
	} else {
		if len(emptyTables) > 0 {
			logger.Errorf("Verification failed: %d tables have no records", len(emptyTables))
		}
		if len(partiallyPopulatedTables) > 0 {
			logger.Errorf("Verification failed: %d tables are partially populated", len(partiallyPopulatedTables))
		}
	}

	return success, emptyTables, partiallyPopulatedTables
}

// PrintVerificationResults prints the results of the table population verification
func PrintVerificationResults(w io.Writer, emptyTables []string, partiallyPopulatedTables map[string]int, minRecords int) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 50))
	fmt.Fprintln(w, "TABLE POPULATION VERIFICATION RESULTS")
	fmt.Fprintln(w, strings.Repeat("=", 50))

	if len(emptyTables) == 0 && len(partiallyPopulatedTables) == 0 {
		fmt.Fprintf(w, "✅ All tables have at least %d record(s)\n", minRecords)
		fmt.Fprintln(w, strings.Repeat("=", 50))
		return
	}

	if len(emptyTables) > 0 {
		fmt.Fprintf(w, "❌ %d tables have no records:\n", len(emptyTables))
		for _, table := range emptyTables {
			fmt.Fprintf(w, "  - %s\n", table)
		}
		fmt.Fprintln(w)
	}

	if len(partiallyPopulatedTables) > 0 {
		names := make([]string, 0, len(partiallyPopulatedTables))
		for table := range partiallyPopulatedTables {
			names = append(names, table)
		}
		sort.Strings(names)
		fmt.Fprintf(w, "⚠️  %d tables are partially populated:\n", len(partiallyPopulatedTables))
		for _, table := range names {
			fmt.Fprintf(w, "  - %s: %d/%d records\n", table, partiallyPopulatedTables[table], minRecords)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, strings.Repeat("=", 50))
}
