package server

import (
	"context"
	"encoding/json"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/services"
)

// Query kinds carried in command descriptors and tickets.
const (
	QueryReport         = "report"
	QueryImportantNodes = "important-nodes"
	QueryCostAccuracy   = "cost-accuracy"
)

// Query is the JSON command of a report descriptor. The same bytes are
// handed back as the ticket.
type Query struct {
	Kind       string            `json:"kind"`
	WorkloadID string            `json:"workload_id"`
	RunID      string            `json:"run_id,omitempty"`
	Metric     models.MetricKind `json:"metric,omitempty"`
	GroupBy    []string          `json:"group_by,omitempty"`
}

// ReportSchema describes report records. Dimensions that were not grouped
// on are null.
var ReportSchema = arrow.NewSchema([]arrow.Field{
	{Name: "workload_id", Type: arrow.BinaryTypes.String},
	{Name: "run_id", Type: arrow.BinaryTypes.String},
	{Name: "metric", Type: arrow.BinaryTypes.String},
	{Name: "model", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "explainer", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "join_count", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "mean", Type: arrow.PrimitiveTypes.Float64},
	{Name: "count", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// ImportantNodesSchema describes important-node records. Source is
// "explained" or "actual".
var ImportantNodesSchema = arrow.NewSchema([]arrow.Field{
	{Name: "run_id", Type: arrow.BinaryTypes.String},
	{Name: "model", Type: arrow.BinaryTypes.String},
	{Name: "explainer", Type: arrow.BinaryTypes.String},
	{Name: "plans", Type: arrow.PrimitiveTypes.Int64},
	{Name: "source", Type: arrow.BinaryTypes.String},
	{Name: "node_name", Type: arrow.BinaryTypes.String},
	{Name: "count", Type: arrow.PrimitiveTypes.Int64},
	{Name: "fraction", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// CostAccuracySchema describes cost-accuracy records, one per model,
// explainer and table count.
var CostAccuracySchema = arrow.NewSchema([]arrow.Field{
	{Name: "run_id", Type: arrow.BinaryTypes.String},
	{Name: "model", Type: arrow.BinaryTypes.String},
	{Name: "explainer", Type: arrow.BinaryTypes.String},
	{Name: "table_count", Type: arrow.PrimitiveTypes.Int64},
	{Name: "plans", Type: arrow.PrimitiveTypes.Int64},
	{Name: "hits", Type: arrow.PrimitiveTypes.Int64},
	{Name: "compare_count", Type: arrow.PrimitiveTypes.Int64},
	{Name: "score", Type: arrow.PrimitiveTypes.Float64},
}, nil)

func parseQuery(cmd []byte) (*Query, *arrow.Schema, error) {
	var q Query
	if err := json.Unmarshal(cmd, &q); err != nil {
		return nil, nil, pkgerrors.Wrap(err, pkgerrors.CodeInvalidArgument, "invalid query command")
	}
	switch q.Kind {
	case QueryReport:
		return &q, ReportSchema, nil
	case QueryImportantNodes:
		return &q, ImportantNodesSchema, nil
	case QueryCostAccuracy:
		return &q, CostAccuracySchema, nil
	default:
		return nil, nil, pkgerrors.Newf(pkgerrors.CodeInvalidArgument, "unknown query kind %q", q.Kind)
	}
}

// GetFlightInfo implements flight.FlightServer. The descriptor must be a
// command holding a Query.
func (s *FlightServer) GetFlightInfo(_ context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if desc.GetType() != flight.DescriptorCMD {
		return nil, status.Error(codes.InvalidArgument, "only command descriptors are supported")
	}
	_, schema, err := parseQuery(desc.GetCmd())
	if err != nil {
		return nil, toStatus(err)
	}
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(schema, s.allocator),
		FlightDescriptor: desc,
		Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: desc.GetCmd()}}},
		TotalRecords:     -1,
		TotalBytes:       -1,
	}, nil
}

// DoGet implements flight.FlightServer. It runs the ticket's query and
// streams the result as one record batch.
func (s *FlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	q, schema, err := parseQuery(tkt.GetTicket())
	if err != nil {
		return toStatus(err)
	}

	ctx := stream.Context()
	var rec arrow.Record
	switch q.Kind {
	case QueryReport:
		rec, err = s.reportRecord(ctx, q)
	case QueryImportantNodes:
		rec, err = s.importantNodesRecord(ctx, q)
	case QueryCostAccuracy:
		rec, err = s.costAccuracyRecord(ctx, q)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("query", q.Kind).Msg("Query failed")
		return toStatus(err)
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(s.allocator))
	defer w.Close()
	if err := w.Write(rec); err != nil {
		return status.Errorf(codes.Internal, "write %s records: %v", q.Kind, err)
	}

	s.metrics.IncrementCounter(metrics.FlightRecordsSent, "query", q.Kind)
	s.allocator.Export(s.metrics)
	s.logger.Debug().
		Str("query", q.Kind).
		Int64("rows", rec.NumRows()).
		Msg("Query streamed")
	return nil
}

func (s *FlightServer) reportRecord(ctx context.Context, q *Query) (arrow.Record, error) {
	groupBy, err := services.ParseGroupBy(q.GroupBy)
	if err != nil {
		return nil, err
	}
	res, err := s.services.Report.Report(ctx, services.ReportRequest{
		WorkloadID: q.WorkloadID,
		RunID:      q.RunID,
		Metric:     q.Metric,
		GroupBy:    groupBy,
	})
	if err != nil {
		return nil, err
	}

	b := array.NewRecordBuilder(s.allocator, ReportSchema)
	defer b.Release()

	workloads := b.Field(0).(*array.StringBuilder)
	runs := b.Field(1).(*array.StringBuilder)
	metricCol := b.Field(2).(*array.StringBuilder)
	modelCol := b.Field(3).(*array.StringBuilder)
	explainerCol := b.Field(4).(*array.StringBuilder)
	joins := b.Field(5).(*array.Int64Builder)
	means := b.Field(6).(*array.Float64Builder)
	counts := b.Field(7).(*array.Int64Builder)

	for _, p := range res.Points {
		workloads.Append(res.WorkloadID)
		runs.Append(res.RunID)
		metricCol.Append(string(res.Metric))
		if groupBy&services.GroupByModel != 0 {
			modelCol.Append(p.Model)
		} else {
			modelCol.AppendNull()
		}
		if groupBy&services.GroupByExplainer != 0 {
			explainerCol.Append(string(p.Explainer))
		} else {
			explainerCol.AppendNull()
		}
		if p.JoinCount == services.AllJoins {
			joins.AppendNull()
		} else {
			joins.Append(int64(p.JoinCount))
		}
		means.Append(p.Mean)
		counts.Append(p.Count)
	}
	return b.NewRecord(), nil
}

func (s *FlightServer) importantNodesRecord(ctx context.Context, q *Query) (arrow.Record, error) {
	res, err := s.services.Report.MostImportantNodes(ctx, services.ImportantNodesRequest{
		WorkloadID: q.WorkloadID,
		RunID:      q.RunID,
	})
	if err != nil {
		return nil, err
	}

	b := array.NewRecordBuilder(s.allocator, ImportantNodesSchema)
	defer b.Release()

	runs := b.Field(0).(*array.StringBuilder)
	modelCol := b.Field(1).(*array.StringBuilder)
	explainerCol := b.Field(2).(*array.StringBuilder)
	plans := b.Field(3).(*array.Int64Builder)
	sources := b.Field(4).(*array.StringBuilder)
	names := b.Field(5).(*array.StringBuilder)
	counts := b.Field(6).(*array.Int64Builder)
	fractions := b.Field(7).(*array.Float64Builder)

	appendShares := func(e services.ImportantNodes, source string, shares []services.NodeShare) {
		for _, sh := range shares {
			runs.Append(res.RunID)
			modelCol.Append(e.Model)
			explainerCol.Append(string(e.Explainer))
			plans.Append(int64(e.Plans))
			sources.Append(source)
			names.Append(sh.Name)
			counts.Append(int64(sh.Count))
			fractions.Append(sh.Fraction)
		}
	}
	for _, e := range res.Entries {
		appendShares(e, "explained", e.Explained)
		appendShares(e, "actual", e.Actual)
	}
	return b.NewRecord(), nil
}

func (s *FlightServer) costAccuracyRecord(ctx context.Context, q *Query) (arrow.Record, error) {
	res, err := s.services.Report.CostAccuracy(ctx, services.CostAccuracyRequest{
		WorkloadID: q.WorkloadID,
		RunID:      q.RunID,
	})
	if err != nil {
		return nil, err
	}

	b := array.NewRecordBuilder(s.allocator, CostAccuracySchema)
	defer b.Release()

	runs := b.Field(0).(*array.StringBuilder)
	modelCol := b.Field(1).(*array.StringBuilder)
	explainerCol := b.Field(2).(*array.StringBuilder)
	tables := b.Field(3).(*array.Int64Builder)
	plans := b.Field(4).(*array.Int64Builder)
	hits := b.Field(5).(*array.Int64Builder)
	compares := b.Field(6).(*array.Int64Builder)
	scores := b.Field(7).(*array.Float64Builder)

	for _, p := range res.Points {
		runs.Append(res.RunID)
		modelCol.Append(p.Model)
		explainerCol.Append(string(p.Explainer))
		tables.Append(int64(p.TableCount))
		plans.Append(int64(p.Plans))
		hits.Append(int64(p.Hits))
		compares.Append(int64(p.Compares))
		scores.Append(p.Score)
	}
	return b.NewRecord(), nil
}
