package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/planlens/cmd/server/config"
)

const testExport = `{
  "database_stats": {
    "column_stats": [
      {"tablename": "title", "attname": "id", "data_type": "integer", "avg_width": 4, "n_distinct": -1, "correlation": 1, "table_size": 2528312},
      {"tablename": "movie_info", "attname": "movie_id", "data_type": "integer", "avg_width": 4, "n_distinct": 1000, "correlation": 0.5, "table_size": 14835720}
    ],
    "table_stats": [
      {"relname": "title", "reltuples": 2528312, "relpages": 35998},
      {"relname": "movie_info", "reltuples": 14835720, "relpages": 161984}
    ]
  },
  "parsed_plans": [
    {
      "plan_runtime": 812.5,
      "plan_parameters": {"op_name": "Hash Join", "est_cost": 1200, "est_card": 400, "act_card": 380, "act_time": 812.5},
      "children": [
        {"plan_parameters": {"op_name": "Seq Scan", "table": 0, "act_card": 1000, "act_time": 120}},
        {"plan_parameters": {"op_name": "Seq Scan", "table": 1, "act_card": 5000, "act_time": 400}}
      ]
    },
    {
      "plan_runtime": 10,
      "plan_parameters": {"op_name": "Seq Scan", "table": 1, "act_time": 10}
    }
  ]
}`

// run executes the command tree against a DuckDB file in dir.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(viper.New(), &out)
	root.SetArgs(append(args, "--duckdb-dsn", filepath.Join(dir, "planlens.duckdb"), "--log-level", "error"))
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(viper.New(), &out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Version:    dev")
}

func TestIngestEvaluateReport(t *testing.T) {
	dir := t.TempDir()
	export := filepath.Join(dir, "job-light.json")
	require.NoError(t, os.WriteFile(export, []byte(testExport), 0o600))

	out, err := run(t, dir, "migrate")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = run(t, dir, "ingest", export)
	require.NoError(t, err)
	var ingested struct {
		WorkloadID string `json:"workload_id"`
		Name       string `json:"name"`
		Plans      int    `json:"plans"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &ingested))
	assert.Equal(t, "job-light", ingested.Name)
	assert.Equal(t, 2, ingested.Plans)

	out, err = run(t, dir, "evaluate", ingested.WorkloadID, "--metrics", "fidelity_plus")
	require.NoError(t, err)
	var evaluated struct {
		RunID      string `json:"run_id"`
		WorkloadID string `json:"workload_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &evaluated))
	assert.Equal(t, ingested.WorkloadID, evaluated.WorkloadID)
	assert.NotEmpty(t, evaluated.RunID)

	out, err = run(t, dir, "report", ingested.WorkloadID, "--metric", "fidelity_plus", "--group-by", "explainer")
	require.NoError(t, err)
	var report struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, evaluated.RunID, report.RunID)

	out, err = run(t, dir, "report", ingested.WorkloadID, "--cost-accuracy")
	require.NoError(t, err)
	var accuracy struct {
		RunID  string `json:"run_id"`
		Points []struct {
			TableCount int     `json:"table_count"`
			Score      float64 `json:"score"`
		} `json:"points"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &accuracy))
	assert.Equal(t, evaluated.RunID, accuracy.RunID)
	assert.NotEmpty(t, accuracy.Points)
}

func TestBrowseCommands(t *testing.T) {
	dir := t.TempDir()
	export := filepath.Join(dir, "job-light.json")
	require.NoError(t, os.WriteFile(export, []byte(testExport), 0o600))

	out, err := run(t, dir, "ingest", export)
	require.NoError(t, err)
	var ingested struct {
		WorkloadID string `json:"workload_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &ingested))

	out, err = run(t, dir, "workloads")
	require.NoError(t, err)
	var workloads []struct {
		ID    string `json:"id"`
		Plans int    `json:"plans"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &workloads))
	require.Len(t, workloads, 1)
	assert.Equal(t, ingested.WorkloadID, workloads[0].ID)
	assert.Equal(t, 2, workloads[0].Plans)

	out, err = run(t, dir, "plans", ingested.WorkloadID, "--order-by", "runtime", "--desc", "--limit", "1")
	require.NoError(t, err)
	var page struct {
		TotalCount int `json:"total_count"`
		Plans      []struct {
			ID        string  `json:"id"`
			Runtime   float64 `json:"plan_runtime"`
			Operators int     `json:"operators"`
		} `json:"plans"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	assert.Equal(t, 2, page.TotalCount)
	require.Len(t, page.Plans, 1)
	assert.Equal(t, 812.5, page.Plans[0].Runtime)
	assert.Equal(t, 3, page.Plans[0].Operators)

	out, err = run(t, dir, "plan", page.Plans[0].ID)
	require.NoError(t, err)
	var detail struct {
		TableCount int `json:"table_count"`
		Nodes      []struct {
			Label string `json:"label"`
		} `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	require.NotEmpty(t, detail.Nodes)
	assert.Equal(t, "Hash Join", detail.Nodes[0].Label)

	_, err = run(t, dir, "plans", ingested.WorkloadID, "--order-by", "columns")
	assert.Error(t, err)
	_, err = run(t, dir, "plan", "missing")
	assert.Error(t, err)
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "ingest", filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	_, err = run(t, dir, "evaluate", "w1", "--explainers", "lime")
	assert.Error(t, err)

	_, err = run(t, dir, "report", "w1", "--metric", "accuracy")
	assert.Error(t, err)

	_, err = run(t, dir, "report", "w1", "--group-by", "table")
	assert.Error(t, err)

	_, err = run(t, dir, "evaluate")
	assert.Error(t, err)

	_, err = run(t, dir, "report", "w1", "--important-nodes", "--cost-accuracy")
	assert.Error(t, err)

	_, err = run(t, dir, "query", "w1", "--server", "127.0.0.1:1")
	assert.Error(t, err)
}

func TestEnvironmentOverridesConfig(t *testing.T) {
	t.Setenv("PLANLENS_CACHE_MAX_SIZE", "7")
	t.Setenv("PLANLENS_STORE_DRIVER", "postgres")
	t.Setenv("PLANLENS_STORE_POSTGRES_DSN", "postgres://localhost/planlens")

	v := viper.New()
	newRootCmd(v, &bytes.Buffer{})
	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Cache.MaxSize)
	assert.Equal(t, config.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/planlens", cfg.Store.Postgres.DSN)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := openStore(context.Background(), config.StoreConfig{Driver: "sqlite"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewApp(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.DuckDB.DSN = ":memory:"
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.services.Evaluation)
	assert.NotNil(t, a.services.Report)
	assert.NotNil(t, a.services.Ingest)
	assert.NotNil(t, a.services.Inspect)
	assert.NotNil(t, a.services.Browse)
	assert.NotNil(t, a.registry)
	assert.Equal(t, 256, a.cache.MaxSize())

	srv, err := a.flightServer()
	require.NoError(t, err)
	assert.Same(t, a.allocator, srv.Allocator())
}

func TestInterceptors_BadPublicKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.Type = "jwt"
	cfg.Auth.JWTAuth.PublicKeyFile = filepath.Join(t.TempDir(), "missing.pem")

	_, err := interceptors(cfg, nil, zerolog.Nop())
	assert.Error(t, err)

	cfg.Auth.Enabled = false
	opts, err := interceptors(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, opts, 2)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Store.DuckDB.DSN = ":memory:"
	cfg.Metrics.Enabled = false
	cfg.Health.Interval = 10 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := &serviceLogger{logger: zerolog.New(&buf)}
	l.Info("Evaluated", "plans", 3, "mean", 0.5, "busy", true, "elapsed", 2*time.Millisecond, "dangling")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, float64(3), line["plans"])
	assert.Equal(t, 0.5, line["mean"])
	assert.Equal(t, true, line["busy"])
	assert.Equal(t, "Evaluated", line["message"])
	assert.NotContains(t, line, "dangling")
}

func TestSetupLogging(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, setupLogging("debug", &bytes.Buffer{}).GetLevel())
	assert.Equal(t, zerolog.WarnLevel, setupLogging("warn", &bytes.Buffer{}).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, setupLogging("loud", &bytes.Buffer{}).GetLevel())
}
