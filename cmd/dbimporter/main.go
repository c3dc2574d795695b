package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vitebski/dbimporter/internal/analyzer"
	"github.com/vitebski/dbimporter/internal/config"
	"github.com/vitebski/dbimporter/internal/connector"
	"github.com/vitebski/dbimporter/internal/utils"
	"github.com/vitebski/dbimporter/pkg/models"
)

// globalOptions are shared by every command.
type globalOptions struct {
	configFile string
	envFile    string
	logLevel   string
	tables     []string

	driver   string
	host     string
	port     string
	user     string
	password string
	database string
	schema   string
	dsn      string
}

func main() {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "dbimporter",
		Short: "Bulk-load rows into related tables in foreign key order",
		Long: `Database Importer

Loads rows from CSV files, a source database or a synthetic data generator
into relational tables. Tables are ordered so that referenced tables are
loaded before the tables that reference them, and every table is written by
several concurrent batch writers.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Path to a YAML job file")
	flags.StringVarP(&opts.envFile, "env-file", "e", ".env", "Path to .env file")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.StringSliceVarP(&opts.tables, "tables", "t", nil, "Comma separated target tables (default: all tables of the target)")
	flags.StringVar(&opts.driver, "driver", "", "Target driver: mysql, postgres or sqlite (default: mysql)")
	flags.StringVarP(&opts.host, "host", "H", "", "Target host (default: localhost)")
	flags.StringVarP(&opts.port, "port", "P", "", "Target port (default: driver port)")
	flags.StringVarP(&opts.user, "user", "u", "", "Target user (default: root)")
	flags.StringVarP(&opts.password, "password", "p", "", "Target password")
	flags.StringVarP(&opts.database, "database", "d", "", "Target database name, or file for sqlite")
	flags.StringVar(&opts.schema, "schema", "", "Target schema (postgres only, default: public)")
	flags.StringVar(&opts.dsn, "dsn", "", "Target DSN, used as is")

	rootCmd.AddCommand(
		newImportCmd(opts),
		newOrderCmd(opts),
		newAnalyzeCmd(opts),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadJob builds the job from the config file, then flags, then environment.
func (o *globalOptions) loadJob(cmd *cobra.Command) (*config.Job, *logrus.Logger, error) {
	logger := utils.SetupLogging(o.logLevel)
	utils.LoadEnvironmentVariables(o.envFile, logger)

	job := config.Default()
	if o.configFile != "" {
		var err error
		if job, err = config.Load(o.configFile); err != nil {
			return nil, logger, err
		}
		logger.Infof("Loaded job from %s", o.configFile)
	}

	target := &job.Target
	setString(cmd, "driver", o.driver, &target.Driver)
	setString(cmd, "host", o.host, &target.Host)
	setString(cmd, "port", o.port, &target.Port)
	setString(cmd, "user", o.user, &target.User)
	setString(cmd, "password", o.password, &target.Password)
	setString(cmd, "database", o.database, &target.Database)
	setString(cmd, "schema", o.schema, &target.Schema)
	setString(cmd, "dsn", o.dsn, &target.DSN)
	if cmd.Flags().Changed("tables") {
		job.SetTables(o.tables)
	}
	job.ApplyEnv()
	return job, logger, nil
}

// connect opens the target and fills an empty table list with all its tables.
func (o *globalOptions) connect(ctx context.Context, job *config.Job, logger *logrus.Logger) (*connector.DatabaseConnector, error) {
	dc := connector.NewDatabaseConnector(job.Target.Settings(), logger)
	if !utils.ValidateConnectionParams(dc.Settings, logger) {
		return nil, fmt.Errorf("invalid connection parameters")
	}
	if err := dc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if len(job.Tables) == 0 {
		tables, err := analyzer.NewCatalogProvider(dc).ListTables(ctx)
		if err != nil {
			dc.Disconnect()
			return nil, fmt.Errorf("listing tables: %w", err)
		}
		names := make([]string, len(tables))
		for i, t := range tables {
			names[i] = t.String()
		}
		job.SetTables(names)
		logger.Infof("No tables given, using all %d tables of the target", len(names))
	}
	return dc, nil
}

func setString(cmd *cobra.Command, flag, value string, dst *string) {
	if cmd.Flags().Changed(flag) {
		*dst = value
	}
}

func tableList(tables []models.TableID) string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.String()
	}
	return strings.Join(names, ", ")
}
