// Package main provides the planlens command: the Arrow Flight server and
// offline ingest, evaluate, report and migrate commands over the same store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/TFMV/planlens/cmd/server/config"
	"github.com/TFMV/planlens/pkg/client"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/server"
	"github.com/TFMV/planlens/pkg/services"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(viper.New(), os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Every command reads its configuration
// from v, so tests can pass a fresh instance.
func newRootCmd(v *viper.Viper, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "planlens",
		Short: "Query plan explanation and scoring service",
		Long: `planlens explains learned cost model predictions over query plans,
scores the explanations with fidelity and correlation metrics and
reports aggregates over an Arrow Flight endpoint.`,
		SilenceUsage: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("store-driver", config.DriverDuckDB, "store driver (duckdb, postgres)")
	flags.String("duckdb-dsn", "planlens.duckdb", "DuckDB database path or md: DSN")
	flags.String("postgres-dsn", "", "PostgreSQL connection string")
	mustBind(v, flags, map[string]string{
		"config":             "config",
		"log_level":          "log-level",
		"store.driver":       "store-driver",
		"store.duckdb.dsn":   "duckdb-dsn",
		"store.postgres.dsn": "postgres-dsn",
	})

	config.SetDefaults(v)
	v.SetEnvPrefix("PLANLENS")
	v.SetEnvKeyReplacer(config.EnvKeyReplacer)
	v.AutomaticEnv()

	root.AddCommand(
		newServeCmd(v),
		newMigrateCmd(v),
		newIngestCmd(v, out),
		newEvaluateCmd(v, out),
		newReportCmd(v, out),
		newWorkloadsCmd(v, out),
		newPlansCmd(v, out),
		newPlanCmd(v, out),
		newQueryCmd(out),
		newVersionCmd(out),
	)
	return root
}

func mustBind(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Errorf("failed to bind flag %s: %w", name, err))
		}
	}
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Flight server",
		Long: `Start the planlens Arrow Flight server.

Example:
  planlens serve --config ./planlens.yaml
  planlens serve --address 0.0.0.0:8815 --store-driver postgres --postgres-dsn postgres://...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), v, func(ctx context.Context, a *app) error {
				a.logger.Info().
					Str("version", version).
					Str("commit", commit).
					Str("build_date", buildDate).
					Msg("Starting planlens")
				return serve(ctx, a)
			})
		},
	}

	flags := cmd.Flags()
	flags.String("address", "0.0.0.0:8815", "server listen address")
	flags.Bool("tls", false, "enable TLS")
	flags.String("tls-cert", "", "TLS certificate file")
	flags.String("tls-key", "", "TLS key file")
	flags.Bool("auth", false, "enable authentication")
	flags.Bool("metrics", true, "enable Prometheus metrics")
	flags.String("metrics-address", ":9090", "metrics server address")
	flags.Bool("health", true, "enable health checks")
	flags.Bool("reflection", true, "enable gRPC reflection")
	flags.Int("cache-size", 256, "maximum cached plan graphs")
	flags.Duration("gate-timeout", 0, "maximum wait for the inference gate (0 waits for the request)")
	flags.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	mustBind(v, flags, map[string]string{
		"address":                   "address",
		"tls.enabled":               "tls",
		"tls.cert_file":             "tls-cert",
		"tls.key_file":              "tls-key",
		"auth.enabled":              "auth",
		"metrics.enabled":           "metrics",
		"metrics.address":           "metrics-address",
		"health.enabled":            "health",
		"reflection":                "reflection",
		"cache.max_size":            "cache-size",
		"inference.acquire_timeout": "gate-timeout",
		"shutdown_timeout":          "shutdown-timeout",
	})
	return cmd
}

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing store tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(v)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Migrate(cmd.Context())
		},
	}
}

func newIngestCmd(v *viper.Viper, out io.Writer) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Load a workload export into the store",
		Long: `Load a workload export into the store. FILE is a JSON workload export;
"-" reads standard input. The workload is named after the file unless
--name is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, workloadName, err := openExport(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer r.Close()
			if name != "" {
				workloadName = name
			}
			return withApp(cmd.Context(), v, func(ctx context.Context, a *app) error {
				res, err := a.services.Ingest.IngestWorkload(ctx, workloadName, r)
				if err != nil {
					return err
				}
				return writeJSON(out, res)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "workload name")
	return cmd
}

// openExport opens path, or stdin for "-", and derives a default workload
// name from the file name.
func openExport(path string, stdin io.Reader) (io.ReadCloser, string, error) {
	if path == "-" {
		return io.NopCloser(stdin), "stdin", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open workload export: %w", err)
	}
	base := filepath.Base(path)
	return f, strings.TrimSuffix(base, filepath.Ext(base)), nil
}

func newEvaluateCmd(v *viper.Viper, out io.Writer) *cobra.Command {
	var (
		req        services.EvaluateRequest
		explainers []string
		metricList []string
	)
	cmd := &cobra.Command{
		Use:   "evaluate WORKLOAD_ID",
		Short: "Explain and score a workload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.WorkloadID = args[0]
			for _, e := range explainers {
				variant, err := models.ParseExplainerVariant(e)
				if err != nil {
					return err
				}
				req.Explainers = append(req.Explainers, variant)
			}
			for _, m := range metricList {
				kind, err := models.ParseMetricKind(m)
				if err != nil {
					return err
				}
				req.Metrics = append(req.Metrics, kind)
			}
			return withApp(cmd.Context(), v, func(ctx context.Context, a *app) error {
				res, err := a.services.Evaluation.EvaluateWorkload(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(out, res)
			})
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&req.RunNew, "new-run", false, "start a new evaluation run instead of reusing the latest")
	flags.IntVar(&req.MaxTableCount, "max-table-count", 0, "largest table count to evaluate (0 uses the configured default)")
	flags.IntVar(&req.MaxPlansPerTableCount, "max-plans", 0, "plans sampled per table count (0 uses the configured default)")
	flags.StringSliceVar(&req.Models, "models", nil, "models to explain (default all)")
	flags.StringSliceVar(&explainers, "explainers", nil, "explainer variants")
	flags.StringSliceVar(&metricList, "metrics", nil, "metric kinds")
	return cmd
}

func newReportCmd(v *viper.Viper, out io.Writer) *cobra.Command {
	var (
		runID     string
		metric    string
		groupBy   []string
		important bool
		accuracy  bool
	)
	cmd := &cobra.Command{
		Use:   "report WORKLOAD_ID",
		Short: "Aggregate persisted scores of a workload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workloadID := args[0]
			return withApp(cmd.Context(), v, func(ctx context.Context, a *app) error {
				if important {
					res, err := a.services.Report.MostImportantNodes(ctx, services.ImportantNodesRequest{
						WorkloadID: workloadID,
						RunID:      runID,
					})
					if err != nil {
						return err
					}
					return writeJSON(out, res)
				}
				if accuracy {
					res, err := a.services.Report.CostAccuracy(ctx, services.CostAccuracyRequest{
						WorkloadID: workloadID,
						RunID:      runID,
					})
					if err != nil {
						return err
					}
					return writeJSON(out, res)
				}

				kind, err := models.ParseMetricKind(metric)
				if err != nil {
					return err
				}
				groups, err := services.ParseGroupBy(groupBy)
				if err != nil {
					return err
				}
				res, err := a.services.Report.Report(ctx, services.ReportRequest{
					WorkloadID: workloadID,
					RunID:      runID,
					Metric:     kind,
					GroupBy:    groups,
				})
				if err != nil {
					return err
				}
				return writeJSON(out, res)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&runID, "run", "", "evaluation run (default latest)")
	flags.StringVar(&metric, "metric", string(models.MetricFidelityPlus), "metric kind to aggregate")
	flags.StringSliceVar(&groupBy, "group-by", []string{"model", "explainer", "join_count"}, "grouping dimensions")
	flags.BoolVar(&important, "important-nodes", false, "report the most important node names instead of a metric")
	flags.BoolVar(&accuracy, "cost-accuracy", false, "report pairwise cost accuracy per table count instead of a metric")
	cmd.MarkFlagsMutuallyExclusive("important-nodes", "cost-accuracy")
	return cmd
}

func newWorkloadsCmd(v *viper.Viper, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "workloads",
		Short: "List stored workloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), v, func(ctx context.Context, a *app) error {
				res, err := a.services.Browse.ListWorkloads(ctx)
				if err != nil {
					return err
				}
				return writeJSON(out, res)
			})
		},
	}
}

func newPlansCmd(v *viper.Viper, out io.Writer) *cobra.Command {
	var req services.PlanListRequest
	cmd := &cobra.Command{
		Use:   "plans WORKLOAD_ID",
		Short: "Page through the plans of a workload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.WorkloadID = args[0]
			return withApp(cmd.Context(), v, func(ctx context.Context, a *app) error {
				res, err := a.services.Browse.ListPlans(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(out, res)
			})
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&req.Offset, "offset", 0, "plans to skip")
	flags.IntVar(&req.Limit, "limit", services.DefaultPlanPageLimit, "page size")
	flags.StringVar(&req.OrderBy, "order-by", string(models.PlanOrderID),
		"sort key (id, operators, tables, joins, predicates, runtime)")
	flags.BoolVar(&req.Descending, "desc", false, "sort descending")
	return cmd
}

func newPlanCmd(v *viper.Viper, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "plan PLAN_ID",
		Short: "Show a stored plan with its SQL and graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), v, func(ctx context.Context, a *app) error {
				res, err := a.services.Browse.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(out, res)
			})
		},
	}
}

func newQueryCmd(out io.Writer) *cobra.Command {
	var (
		addr      string
		token     string
		useTLS    bool
		caFile    string
		q         server.Query
		important bool
		accuracy  bool
		metric    string
	)
	cmd := &cobra.Command{
		Use:   "query WORKLOAD_ID",
		Short: "Fetch a report from a running server",
		Long: `Fetch a report from a running planlens server over Arrow Flight and
print it as a table.

Example:
  planlens query 1b4e28ba --server localhost:8815 --metric pearson_runtime --group-by explainer`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q.WorkloadID = args[0]
			q.Kind = server.QueryReport
			q.Metric = models.MetricKind(metric)
			if important {
				q.Kind = server.QueryImportantNodes
			}
			if accuracy {
				q.Kind = server.QueryCostAccuracy
			}

			opts := []client.Option{}
			if token != "" {
				opts = append(opts, client.WithBearerToken(token))
			}
			if useTLS {
				opts = append(opts, client.WithTLS(caFile))
			}
			c, err := client.Dial(addr, opts...)
			if err != nil {
				return err
			}
			defer c.Close()

			recs, err := c.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			defer func() {
				for _, r := range recs {
					r.Release()
				}
			}()
			client.RenderTable(out, recs)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&addr, "server", "localhost:8815", "server address")
	flags.StringVar(&token, "token", "", "bearer token")
	flags.BoolVar(&useTLS, "tls", false, "connect with TLS")
	flags.StringVar(&caFile, "tls-ca", "", "CA bundle for TLS (default system roots)")
	flags.StringVar(&q.RunID, "run", "", "evaluation run (default latest)")
	flags.StringVar(&metric, "metric", string(models.MetricFidelityPlus), "metric kind to aggregate")
	flags.StringSliceVar(&q.GroupBy, "group-by", nil, "grouping dimensions (default all)")
	flags.BoolVar(&important, "important-nodes", false, "fetch the most important node names instead of a metric")
	flags.BoolVar(&accuracy, "cost-accuracy", false, "fetch pairwise cost accuracy per table count instead of a metric")
	cmd.MarkFlagsMutuallyExclusive("important-nodes", "cost-accuracy")
	return cmd
}

func newVersionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(out, "planlens\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", commit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}

func loadConfig(v *viper.Viper) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, setupLogging(cfg.LogLevel, os.Stderr), nil
}

// withApp builds the app from v, runs fn and closes the app.
func withApp(ctx context.Context, v *viper.Viper, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig(v)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing store")
		}
	}()
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogging(level string, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(w).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "planlens")
	if logLevel <= zerolog.DebugLevel {
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
		logger = logger.Caller()
	}
	return logger.Logger()
}
