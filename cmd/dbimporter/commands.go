package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vitebski/dbimporter/internal/analyzer"
	"github.com/vitebski/dbimporter/internal/config"
	"github.com/vitebski/dbimporter/internal/connector"
	"github.com/vitebski/dbimporter/internal/generator"
	"github.com/vitebski/dbimporter/internal/importer"
	"github.com/vitebski/dbimporter/internal/source"
	"github.com/vitebski/dbimporter/internal/utils"
	"github.com/vitebski/dbimporter/pkg/models"
)

func newImportCmd(opts *globalOptions) *cobra.Command {
	var (
		sourceType       string
		dir              string
		delimiter        string
		nullIfEmpty      bool
		trimSpace        bool
		sourceDriver     string
		sourceDSN        string
		sourceDatabase   string
		rows             int
		seed             int64
		batchSize        int
		workers          int
		queueSize        int
		continueOnError  bool
		deleteTarget     bool
		checkDeps        bool
		failOnCycle      bool
		statementTimeout time.Duration
		verify           bool
		minRecords       int
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import rows into the target tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, logger, err := opts.loadJob(cmd)
			if err != nil {
				logger.Error(err)
				return err
			}

			flags := cmd.Flags()
			setString(cmd, "source", sourceType, &job.Source.Type)
			setString(cmd, "dir", dir, &job.Source.Dir)
			setString(cmd, "delimiter", delimiter, &job.Source.Delimiter)
			setString(cmd, "source-driver", sourceDriver, &job.Source.Database.Driver)
			setString(cmd, "source-dsn", sourceDSN, &job.Source.Database.DSN)
			setString(cmd, "source-database", sourceDatabase, &job.Source.Database.Database)
			if flags.Changed("null-if-empty") {
				job.Source.NullIfEmpty = nullIfEmpty
			}
			if flags.Changed("trim-space") {
				job.Source.TrimSpace = trimSpace
			}
			if flags.Changed("rows") || job.Source.Rows <= 0 {
				job.Source.Rows = rows
			}
			if flags.Changed("seed") {
				job.Source.Seed = seed
			}
			if flags.Changed("batch-size") {
				job.Import.BatchSize = batchSize
			}
			if flags.Changed("workers") {
				job.Import.Workers = workers
			}
			if flags.Changed("queue-size") {
				job.Import.QueueSize = queueSize
			}
			if flags.Changed("continue-on-error") {
				job.Import.ContinueOnError = continueOnError
			}
			if flags.Changed("delete-target") {
				job.Import.DeleteTarget = deleteTarget
			}
			if flags.Changed("check-dependencies") {
				job.Import.CheckDependencies = &checkDeps
			}
			if flags.Changed("fail-on-cycle") {
				job.Import.FailOnCycle = failOnCycle
			}

			ctx := context.Background()
			dc, err := opts.connect(ctx, job, logger)
			if err != nil {
				logger.Error(err)
				return err
			}
			defer dc.Disconnect()

			if err := job.Validate(); err != nil {
				logger.Errorf("Invalid job: %v", err)
				return err
			}

			producer, closeSource, err := newProducer(ctx, job, dc, logger)
			if err != nil {
				logger.Errorf("Failed to set up the %s source: %v", job.Source.Type, err)
				return err
			}
			defer closeSource()

			sorter := analyzer.NewDependencySorter(analyzer.NewCatalogProvider(dc),
				analyzer.SorterConfig{FailOnCycle: job.Import.FailOnCycle}, logger)
			writers := func(ctx context.Context, _ models.TableID) (importer.Writer, error) {
				w, err := dc.NewWriter(ctx)
				if err != nil {
					return nil, err
				}
				w.StatementTimeout = statementTimeout
				return w, nil
			}

			coord := importer.NewCoordinator(job.ImporterConfig(), sorter, writers, logger)
			coord.SetProducer(producer)
			coord.SetDeleter(dc)

			stop := cancelOnInterrupt(coord, logger)
			defer stop()

			logger.Infof("Starting import of %d tables from %s source...", len(job.Tables), job.Source.Type)
			runErr := coord.StartImport(ctx)
			result := coord.Result()
			utils.PrintSummary(os.Stdout, job.TableIDs(), result)
			if runErr != nil {
				return runErr
			}

			if verify && !result.Cancelled {
				ok, empty, partial := utils.VerifyTablePopulation(ctx, dc, job.TableIDs(), minRecords, logger)
				utils.PrintVerificationResults(os.Stdout, empty, partial, minRecords)
				if !ok {
					return fmt.Errorf("verification failed")
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&sourceType, "source", "s", config.SourceCSV, "Row source: csv, query or generate")
	f.StringVar(&dir, "dir", ".", "Directory holding <table>.csv files")
	f.StringVar(&delimiter, "delimiter", ",", `Field delimiter; "tab" or \t for TSV`)
	f.BoolVar(&nullIfEmpty, "null-if-empty", false, "Load empty CSV fields as NULL")
	f.BoolVar(&trimSpace, "trim-space", false, "Trim spaces around CSV fields")
	f.StringVar(&sourceDriver, "source-driver", "", "Source database driver for the query source")
	f.StringVar(&sourceDSN, "source-dsn", "", "Source database DSN for the query source")
	f.StringVar(&sourceDatabase, "source-database", "", "Source database name, or file for sqlite")
	f.IntVarP(&rows, "rows", "r", 10, "Rows to generate per table for the generate source")
	f.Int64Var(&seed, "seed", 0, "Seed for the generate source (default: time based)")
	f.IntVarP(&batchSize, "batch-size", "b", importer.DefaultBatchSize, "Rows per batch")
	f.IntVarP(&workers, "workers", "w", importer.DefaultWorkers, "Concurrent writers per table")
	f.IntVar(&queueSize, "queue-size", 0, "Row queue capacity (default: workers*batch-size*2)")
	f.BoolVar(&continueOnError, "continue-on-error", false, "Reject failing rows instead of stopping the import")
	f.BoolVar(&deleteTarget, "delete-target", false, "Empty the target tables before importing")
	f.BoolVar(&checkDeps, "check-dependencies", true, "Order tables by their foreign keys")
	f.BoolVar(&failOnCycle, "fail-on-cycle", false, "Fail instead of breaking circular dependencies")
	f.DurationVar(&statementTimeout, "statement-timeout", 0, "Timeout for one batch write (default: none)")
	f.BoolVarP(&verify, "verify", "v", false, "Verify that all tables hold at least --min-records rows afterwards")
	f.IntVarP(&minRecords, "min-records", "n", 1, "Minimum number of records each table should have for verification")
	return cmd
}

// newProducer builds the row source of the job. The returned func releases it.
func newProducer(ctx context.Context, job *config.Job, target *connector.DatabaseConnector, logger *logrus.Logger) (importer.Producer, func(), error) {
	switch job.Source.Type {
	case config.SourceQuery:
		src := connector.NewDatabaseConnector(job.Source.Database.Settings(), logger)
		if err := src.Connect(ctx); err != nil {
			return nil, nil, err
		}
		p := source.NewQueryProducer(src, logger)
		for _, t := range job.Tables {
			if t.Query != "" {
				p.Queries[models.ParseTableID(t.Name)] = t.Query
			}
		}
		return p, src.Disconnect, nil

	case config.SourceGenerate:
		seed := job.Source.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		catalog := analyzer.NewCatalogProvider(target)
		p := generator.NewProducer(catalog, catalog, target, job.Source.Rows, seed, logger)
		for _, t := range job.Tables {
			if t.Rows > 0 {
				p.TableRows[models.ParseTableID(t.Name)] = t.Rows
			}
		}
		return p, func() {}, nil

	default:
		p := source.NewCSVProducer(job.Source.Dir, source.CSVOptions{
			Comma:       job.Source.Comma(),
			NullIfEmpty: job.Source.NullIfEmpty,
			TrimSpace:   job.Source.TrimSpace,
		}, logger)
		for _, t := range job.Tables {
			if t.File != "" {
				p.Files[models.ParseTableID(t.Name)] = t.File
			}
		}
		return p, func() {}, nil
	}
}

// cancelOnInterrupt cancels the import on SIGINT or SIGTERM.
func cancelOnInterrupt(coord *importer.Coordinator, logger *logrus.Logger) func() {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			logger.Warningf("Received %s, stopping after the running batches", sig)
			coord.Cancel()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func newOrderCmd(opts *globalOptions) *cobra.Command {
	var (
		forDelete   bool
		addMissing  bool
		failOnCycle bool
	)

	cmd := &cobra.Command{
		Use:   "order",
		Short: "Print the insert or delete order of the target tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, logger, err := opts.loadJob(cmd)
			if err != nil {
				logger.Error(err)
				return err
			}
			ctx := context.Background()
			dc, err := opts.connect(ctx, job, logger)
			if err != nil {
				logger.Error(err)
				return err
			}
			defer dc.Disconnect()

			if cmd.Flags().Changed("fail-on-cycle") {
				job.Import.FailOnCycle = failOnCycle
			}
			sorter := analyzer.NewDependencySorter(analyzer.NewCatalogProvider(dc),
				analyzer.SorterConfig{FailOnCycle: job.Import.FailOnCycle}, logger)

			tables := job.TableIDs()
			logger.Debugf("Sorting %s", tableList(tables))
			if forDelete {
				res, err := sorter.SortForDelete(ctx, tables, addMissing)
				if err != nil {
					logger.Errorf("Failed to sort tables: %v", err)
					return err
				}
				utils.PrintSortOrder(os.Stdout, "Delete order:", res)
				return nil
			}
			res, err := sorter.SortForInsert(ctx, tables)
			if err != nil {
				logger.Errorf("Failed to sort tables: %v", err)
				return err
			}
			utils.PrintSortOrder(os.Stdout, "Insert order:", res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&forDelete, "delete", false, "Print the delete order instead of the insert order")
	cmd.Flags().BoolVar(&addMissing, "add-missing", false, "Include tables referencing the given ones (delete order only)")
	cmd.Flags().BoolVar(&failOnCycle, "fail-on-cycle", false, "Fail instead of breaking circular dependencies")
	return cmd
}

func newAnalyzeCmd(opts *globalOptions) *cobra.Command {
	var addMissing bool

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Print a foreign key analysis of the target tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, logger, err := opts.loadJob(cmd)
			if err != nil {
				logger.Error(err)
				return err
			}
			ctx := context.Background()
			dc, err := opts.connect(ctx, job, logger)
			if err != nil {
				logger.Error(err)
				return err
			}
			defer dc.Disconnect()

			schemaAnalyzer := analyzer.NewSchemaAnalyzer(analyzer.NewCatalogProvider(dc), logger)
			if err := schemaAnalyzer.AnalyzeSchema(ctx, job.TableIDs(), addMissing); err != nil {
				logger.Errorf("Failed to analyze schema: %v", err)
				return err
			}
			utils.PrintSchemaAnalysis(os.Stdout, schemaAnalyzer)
			return nil
		},
	}

	cmd.Flags().BoolVar(&addMissing, "add-missing", false, "Include related tables outside the given set")
	return cmd
}
