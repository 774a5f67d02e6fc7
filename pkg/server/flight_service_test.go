package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/infrastructure/memory"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/services"
)

type fakeServices struct {
	evaluateErr error
	lastEval    services.EvaluateRequest
	lastIngest  struct {
		name   string
		export string
	}
	reportReq services.ReportRequest
	report    *services.ReportResult
	nodes     *services.ImportantNodesResult
	accuracy  *services.CostAccuracyResult
	planReq   services.PlanListRequest
}

func (f *fakeServices) EvaluateWorkload(_ context.Context, req services.EvaluateRequest) (*services.EvaluationResult, error) {
	f.lastEval = req
	if f.evaluateErr != nil {
		return nil, f.evaluateErr
	}
	return &services.EvaluationResult{RunID: "run-1", WorkloadID: req.WorkloadID, ExplanationsCreated: 3}, nil
}

func (f *fakeServices) IngestWorkload(_ context.Context, name string, r io.Reader) (*services.IngestResult, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.lastIngest.name = name
	f.lastIngest.export = string(b)
	return &services.IngestResult{WorkloadID: "w-1", Name: name, Plans: 2}, nil
}

func (f *fakeServices) PredictPlan(_ context.Context, planID, model string) (*inference.Prediction, error) {
	if planID == "missing" {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "plan %s not found", planID)
	}
	p := inference.NewPrediction(100, 50)
	return &p, nil
}

func (f *fakeServices) ExplainPlan(_ context.Context, planID, model string, variant models.ExplainerVariant) (*services.PlanInsight, error) {
	return nil, pkgerrors.New(pkgerrors.CodeInferenceBusy, "inference capability busy")
}

func (f *fakeServices) Report(_ context.Context, req services.ReportRequest) (*services.ReportResult, error) {
	f.reportReq = req
	if f.report == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no evaluation runs")
	}
	return f.report, nil
}

func (f *fakeServices) MostImportantNodes(context.Context, services.ImportantNodesRequest) (*services.ImportantNodesResult, error) {
	return f.nodes, nil
}

func (f *fakeServices) WorkloadStats(_ context.Context, workloadID string) ([]models.TableCountStat, error) {
	if workloadID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidArgument, "workload id is required")
	}
	return []models.TableCountStat{{TableCount: 1, Plans: 4}}, nil
}

func (f *fakeServices) CostAccuracy(context.Context, services.CostAccuracyRequest) (*services.CostAccuracyResult, error) {
	return f.accuracy, nil
}

func (f *fakeServices) ListWorkloads(context.Context) ([]services.WorkloadSummary, error) {
	return []services.WorkloadSummary{{ID: "w-1", Name: "imdb", Plans: 4}}, nil
}

func (f *fakeServices) ListPlans(_ context.Context, req services.PlanListRequest) (*services.PlanList, error) {
	f.planReq = req
	return &services.PlanList{
		WorkloadID: req.WorkloadID,
		TotalCount: 4,
		Offset:     req.Offset,
		Limit:      req.Limit,
		OrderBy:    models.PlanOrder(req.OrderBy),
		Plans: []services.PlanRow{{
			PlanSummary: models.PlanSummary{ID: "p-3", IDInRun: 3, TableCount: 3, Runtime: 2400, Operators: 5},
			Nodes:       21,
		}},
	}, nil
}

func (f *fakeServices) GetPlan(_ context.Context, planID string) (*services.PlanDetail, error) {
	if planID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidArgument, "plan id is required")
	}
	return &services.PlanDetail{
		ID:        planID,
		SQL:       "SELECT 1",
		NodeKinds: map[string]int{"operator": 1},
		Nodes:     []services.GraphNode{{NodeID: 0, Kind: "operator", Label: "Seq Scan"}},
	}, nil
}

type testServer struct {
	fake   *fakeServices
	server *FlightServer
	client flight.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	fake := &fakeServices{}
	srv, err := New(Services{Evaluation: fake, Report: fake, Ingest: fake, Inspect: fake, Browse: fake},
		zerolog.New(zerolog.NewTestWriter(t)),
		WithAllocator(memory.NewTrackedAllocator(nil)))
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	srv.Register(grpcServer)
	go func() { _ = grpcServer.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
	})
	return &testServer{fake: fake, server: srv, client: flight.NewClientFromConn(conn, nil)}
}

func (ts *testServer) doAction(t *testing.T, typ string, body any) ([]byte, error) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	stream, err := ts.client.DoAction(context.Background(), &flight.Action{Type: typ, Body: raw})
	require.NoError(t, err)
	res, err := stream.Recv()
	if err != nil {
		return nil, err
	}
	return res.GetBody(), nil
}

func TestNewRequiresServices(t *testing.T) {
	_, err := New(Services{}, zerolog.Nop())
	assert.True(t, pkgerrors.IsInvalidArgument(err))
}

func TestListActions(t *testing.T) {
	ts := newTestServer(t)

	stream, err := ts.client.ListActions(context.Background(), &flight.Empty{})
	require.NoError(t, err)

	var names []string
	for {
		a, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.NotEmpty(t, a.GetDescription())
		names = append(names, a.GetType())
	}
	assert.Equal(t, []string{
		ActionEvaluateWorkload,
		ActionIngestWorkload,
		ActionPredictPlan,
		ActionExplainPlan,
		ActionWorkloadStats,
		ActionListWorkloads,
		ActionListPlans,
		ActionGetPlan,
	}, names)
}

func TestDoAction_EvaluateWorkload(t *testing.T) {
	ts := newTestServer(t)

	body, err := ts.doAction(t, ActionEvaluateWorkload, services.EvaluateRequest{
		WorkloadID: "w-1",
		RunNew:     true,
		Metrics:    []models.MetricKind{models.MetricFidelityPlus},
	})
	require.NoError(t, err)

	var res services.EvaluationResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 3, res.ExplanationsCreated)
	assert.True(t, ts.fake.lastEval.RunNew)
	assert.Equal(t, []models.MetricKind{models.MetricFidelityPlus}, ts.fake.lastEval.Metrics)
}

func TestDoAction_IngestWorkload(t *testing.T) {
	ts := newTestServer(t)

	body, err := ts.doAction(t, ActionIngestWorkload, IngestWorkloadRequest{
		Name:   "imdb",
		Export: json.RawMessage(`{"plans":[]}`),
	})
	require.NoError(t, err)

	var res services.IngestResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "w-1", res.WorkloadID)
	assert.Equal(t, "imdb", ts.fake.lastIngest.name)
	assert.JSONEq(t, `{"plans":[]}`, ts.fake.lastIngest.export)
}

func TestDoAction_PredictAndStats(t *testing.T) {
	ts := newTestServer(t)

	body, err := ts.doAction(t, ActionPredictPlan, PlanRequest{PlanID: "p-1", Model: "linear"})
	require.NoError(t, err)
	var p inference.Prediction
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, 100.0, p.Value)
	assert.Equal(t, 2.0, p.ErrorRatio)

	body, err = ts.doAction(t, ActionWorkloadStats, WorkloadStatsRequest{WorkloadID: "w-1"})
	require.NoError(t, err)
	var stats []models.TableCountStat
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Len(t, stats, 1)
}

func TestDoAction_Browse(t *testing.T) {
	ts := newTestServer(t)

	body, err := ts.doAction(t, ActionListWorkloads, nil)
	require.NoError(t, err)
	var ws []services.WorkloadSummary
	require.NoError(t, json.Unmarshal(body, &ws))
	require.Len(t, ws, 1)
	assert.Equal(t, 4, ws[0].Plans)

	body, err = ts.doAction(t, ActionListPlans, services.PlanListRequest{
		WorkloadID: "w-1", Offset: 10, Limit: 5, OrderBy: "runtime", Descending: true,
	})
	require.NoError(t, err)
	var page services.PlanList
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, 4, page.TotalCount)
	require.Len(t, page.Plans, 1)
	assert.Equal(t, "p-3", page.Plans[0].ID)
	assert.Equal(t, 21, page.Plans[0].Nodes)
	assert.Equal(t, 5, page.Plans[0].Operators)
	assert.Equal(t, services.PlanListRequest{
		WorkloadID: "w-1", Offset: 10, Limit: 5, OrderBy: "runtime", Descending: true,
	}, ts.fake.planReq)

	body, err = ts.doAction(t, ActionGetPlan, GetPlanRequest{PlanID: "p-3"})
	require.NoError(t, err)
	var d services.PlanDetail
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Equal(t, "SELECT 1", d.SQL)
	assert.Equal(t, "Seq Scan", d.Nodes[0].Label)
}

func TestDoAction_Errors(t *testing.T) {
	ts := newTestServer(t)
	ts.fake.evaluateErr = pkgerrors.New(pkgerrors.CodeUnavailable, "store unavailable")

	tests := []struct {
		name   string
		action string
		body   any
		want   codes.Code
	}{
		{"unknown action", "drop-tables", map[string]string{}, codes.InvalidArgument},
		{"empty body", ActionPredictPlan, nil, codes.InvalidArgument},
		{"not found", ActionPredictPlan, PlanRequest{PlanID: "missing", Model: "linear"}, codes.NotFound},
		{"busy", ActionExplainPlan, PlanRequest{PlanID: "p-1", Model: "linear"}, codes.ResourceExhausted},
		{"validation", ActionWorkloadStats, WorkloadStatsRequest{}, codes.InvalidArgument},
		{"get-plan without id", ActionGetPlan, GetPlanRequest{}, codes.InvalidArgument},
		{"list-plans without body", ActionListPlans, nil, codes.InvalidArgument},
		{"unavailable", ActionEvaluateWorkload, services.EvaluateRequest{WorkloadID: "w-1"}, codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.doAction(t, tt.action, tt.body)
			require.Error(t, err)
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestReportTicket(t *testing.T) {
	ts := newTestServer(t)
	ts.fake.report = &services.ReportResult{
		WorkloadID: "w-1",
		RunID:      "run-1",
		Metric:     models.MetricCharacterization,
		Points: []services.SeriesPoint{
			{GroupKey: services.GroupKey{Explainer: models.ExplainerGradient, JoinCount: 0}, Mean: 0.4, Count: 2},
			{GroupKey: services.GroupKey{Explainer: models.ExplainerGradient, JoinCount: 1}, Mean: 0.6, Count: 1},
		},
	}

	cmd, err := json.Marshal(Query{
		Kind:       QueryReport,
		WorkloadID: "w-1",
		Metric:     models.MetricCharacterization,
		GroupBy:    []string{"explainer", "join_count"},
	})
	require.NoError(t, err)

	ctx := context.Background()
	info, err := ts.client.GetFlightInfo(ctx, &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd})
	require.NoError(t, err)
	schema, err := flight.DeserializeSchema(info.GetSchema(), ts.server.Allocator())
	require.NoError(t, err)
	assert.True(t, schema.Equal(ReportSchema))
	require.Len(t, info.GetEndpoint(), 1)

	stream, err := ts.client.DoGet(ctx, info.GetEndpoint()[0].GetTicket())
	require.NoError(t, err)
	reader, err := flight.NewRecordReader(stream)
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	rec := reader.Record()
	require.EqualValues(t, 2, rec.NumRows())

	assert.Equal(t, services.GroupByExplainer|services.GroupByJoinCount, ts.fake.reportReq.GroupBy)
	modelCol := rec.Column(3).(*array.String)
	explainers := rec.Column(4).(*array.String)
	joins := rec.Column(5).(*array.Int64)
	means := rec.Column(6).(*array.Float64)
	assert.True(t, modelCol.IsNull(0))
	assert.Equal(t, "gradient", explainers.Value(0))
	assert.Equal(t, []int64{0, 1}, joins.Int64Values())
	assert.Equal(t, []float64{0.4, 0.6}, means.Float64Values())
	assert.False(t, reader.Next())
}

func TestReportTicket_NoRuns(t *testing.T) {
	ts := newTestServer(t)

	cmd, err := json.Marshal(Query{Kind: QueryReport, WorkloadID: "w-1", Metric: models.MetricFidelityPlus})
	require.NoError(t, err)

	stream, err := ts.client.DoGet(context.Background(), &flight.Ticket{Ticket: cmd})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestImportantNodesTicket(t *testing.T) {
	ts := newTestServer(t)
	ts.fake.nodes = &services.ImportantNodesResult{
		RunID: "run-1",
		Entries: []services.ImportantNodes{{
			Model:     "linear",
			Explainer: models.ExplainerGradient,
			Plans:     4,
			Explained: []services.NodeShare{{Name: "Hash Join", Count: 4, Fraction: 1}},
			Actual: []services.NodeShare{
				{Name: "Seq Scan", Count: 3, Fraction: 0.75},
				{Name: "Hash Join", Count: 1, Fraction: 0.25},
			},
		}},
	}

	cmd, err := json.Marshal(Query{Kind: QueryImportantNodes, WorkloadID: "w-1"})
	require.NoError(t, err)

	stream, err := ts.client.DoGet(context.Background(), &flight.Ticket{Ticket: cmd})
	require.NoError(t, err)
	reader, err := flight.NewRecordReader(stream)
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	rec := reader.Record()
	require.EqualValues(t, 3, rec.NumRows())

	sources := rec.Column(4).(*array.String)
	names := rec.Column(5).(*array.String)
	assert.Equal(t, "explained", sources.Value(0))
	assert.Equal(t, "Hash Join", names.Value(0))
	assert.Equal(t, "actual", sources.Value(1))
	assert.Equal(t, "Seq Scan", names.Value(1))
}

func TestCostAccuracyTicket(t *testing.T) {
	ts := newTestServer(t)
	ts.fake.accuracy = &services.CostAccuracyResult{
		RunID: "run-1",
		Points: []services.CostAccuracyPoint{
			{Model: "linear", Explainer: models.ExplainerGradient, TableCount: 2, Plans: 2, Hits: 5, Compares: 6, Score: 5.0 / 6},
			{Model: "linear", Explainer: models.ExplainerGradient, TableCount: 3, Plans: 1, Hits: 4, Compares: 10, Score: 0.4},
		},
	}

	cmd, err := json.Marshal(Query{Kind: QueryCostAccuracy, WorkloadID: "w-1"})
	require.NoError(t, err)

	ctx := context.Background()
	info, err := ts.client.GetFlightInfo(ctx, &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd})
	require.NoError(t, err)
	schema, err := flight.DeserializeSchema(info.GetSchema(), ts.server.Allocator())
	require.NoError(t, err)
	assert.True(t, schema.Equal(CostAccuracySchema))

	stream, err := ts.client.DoGet(ctx, &flight.Ticket{Ticket: cmd})
	require.NoError(t, err)
	reader, err := flight.NewRecordReader(stream)
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	rec := reader.Record()
	require.EqualValues(t, 2, rec.NumRows())
	assert.Equal(t, []int64{2, 3}, rec.Column(3).(*array.Int64).Int64Values())
	assert.Equal(t, []int64{6, 10}, rec.Column(6).(*array.Int64).Int64Values())
	assert.InDelta(t, 0.4, rec.Column(7).(*array.Float64).Value(1), 1e-12)
}

func TestGetFlightInfo_Rejects(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.client.GetFlightInfo(ctx, &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"report"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = ts.client.GetFlightInfo(ctx, &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: []byte(`{"kind":"tables"}`)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestClose(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.server.Close(context.Background()))

	_, err := ts.doAction(t, ActionWorkloadStats, WorkloadStatsRequest{WorkloadID: "w-1"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{pkgerrors.New(pkgerrors.CodeMalformedPlan, "bad"), codes.InvalidArgument},
		{pkgerrors.New(pkgerrors.CodeMissingPrerequisite, "fidelity"), codes.FailedPrecondition},
		{pkgerrors.New(pkgerrors.CodeAlreadyExists, "dup"), codes.AlreadyExists},
		{pkgerrors.New(pkgerrors.CodeStoreFailed, "write"), codes.Internal},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(toStatus(tt.err)), tt.err.Error())
	}
	assert.NoError(t, toStatus(nil))
}
