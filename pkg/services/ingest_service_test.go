package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
)

const workloadExport = `{
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
        {"plan_parameters": {"op_name": "Seq Scan", "table": 0, "act_card": 1000, "act_time": 120,
          "filter_columns": {"node_type": "filter_column", "operator": ">", "column": 0, "literal_feature": 42}}},
        {"plan_parameters": {"op_name": "Seq Scan", "table": 1, "act_card": 5000, "act_time": 400}}
      ]
    },
    {
      "plan_runtime": 10,
      "plan_parameters": {"op_name": "Seq Scan", "table": 1, "act_time": 10}
    },
    {
      "plan_runtime": 12,
      "plan_parameters": {"op_name": "Index Scan", "table": 0, "act_time": 12}
    }
  ]
}`

func TestIngestWorkload(t *testing.T) {
	store := newMemStore()
	svc := NewIngestService(store, nopLogger{})

	res, err := svc.IngestWorkload(context.Background(), "  job-light ", strings.NewReader(workloadExport))
	require.NoError(t, err)
	assert.NotEmpty(t, res.WorkloadID)
	assert.Equal(t, "job-light", res.Name)
	assert.Equal(t, 3, res.Plans)
	require.Len(t, res.TableCount, 2)
	assert.Equal(t, 1, res.TableCount[0].TableCount)
	assert.Equal(t, 2, res.TableCount[0].Plans)
	assert.Equal(t, 2, res.TableCount[1].TableCount)
	assert.Equal(t, 1, res.TableCount[1].Plans)

	w, err := store.GetWorkload(context.Background(), res.WorkloadID)
	require.NoError(t, err)
	assert.Len(t, w.Stats.Tables, 2)

	plans, err := store.ListPlans(context.Background(), res.WorkloadID, 1, 10)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, 1, plans[0].IDInRun)
	assert.Equal(t, 2, plans[1].IDInRun)
}

func TestIngestWorkload_RejectsMalformedPlan(t *testing.T) {
	store := newMemStore()
	svc := NewIngestService(store, nopLogger{})

	body := strings.Replace(workloadExport, `"column": 0, "literal_feature": 42`, `"column": 9, "literal_feature": 42`, 1)
	_, err := svc.IngestWorkload(context.Background(), "broken", strings.NewReader(body))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsMalformedPlan(err))
	assert.Contains(t, err.Error(), "plan 0")

	workloads, err := store.ListWorkloads(context.Background())
	require.NoError(t, err)
	assert.Empty(t, workloads, "nothing is stored")
}

func TestIngestWorkload_Validation(t *testing.T) {
	svc := NewIngestService(newMemStore(), nopLogger{})
	tests := []struct {
		name     string
		workload string
		body     string
	}{
		{name: "no name", workload: " ", body: workloadExport},
		{name: "not json", workload: "w", body: "{"},
		{name: "no plans", workload: "w", body: `{"database_stats": {}, "parsed_plans": []}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.IngestWorkload(context.Background(), tt.workload, strings.NewReader(tt.body))
			assert.True(t, pkgerrors.IsInvalidArgument(err))
		})
	}
}
