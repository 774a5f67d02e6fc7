package services

import (
	"context"
	"time"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
	"github.com/TFMV/planlens/pkg/repositories"
)

// Plan listing page sizes.
const (
	DefaultPlanPageLimit = 20
	MaxPlanPageLimit     = 100
)

// WorkloadSummary is a workload with its plan count.
type WorkloadSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Plans     int       `json:"plans"`
}

// PlanListRequest selects a page of a workload's plans. A zero Limit means
// DefaultPlanPageLimit and an empty OrderBy means plan position.
type PlanListRequest struct {
	WorkloadID string `json:"workload_id"`
	Offset     int    `json:"offset,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	OrderBy    string `json:"order_by,omitempty"`
	Descending bool   `json:"descending,omitempty"`
}

// PlanRow is one listed plan with the size of its graph.
type PlanRow struct {
	models.PlanSummary
	Nodes   int `json:"nodes"`
	Columns int `json:"columns"`
}

// PlanList is one page of plans. TotalCount counts every plan of the
// workload.
type PlanList struct {
	WorkloadID string           `json:"workload_id"`
	TotalCount int              `json:"total_count"`
	Offset     int              `json:"offset"`
	Limit      int              `json:"limit"`
	OrderBy    models.PlanOrder `json:"order_by"`
	Descending bool             `json:"descending"`
	Plans      []PlanRow        `json:"plans"`
}

// GraphNode is a node of a plan graph as shown to clients.
type GraphNode struct {
	NodeID     int     `json:"node_id"`
	Kind       string  `json:"kind"`
	Label      string  `json:"label"`
	Depth      int     `json:"depth"`
	ActualTime float64 `json:"actual_time,omitempty"`
	ActualCard float64 `json:"actual_card,omitempty"`
}

// GraphEdge is a directed edge of a plan graph.
type GraphEdge struct {
	From int    `json:"from"`
	To   int    `json:"to"`
	Kind string `json:"kind"`
}

// PlanDetail is the full view of a plan: its record fields and its graph.
type PlanDetail struct {
	ID         string         `json:"id"`
	WorkloadID string         `json:"workload_id"`
	IDInRun    int            `json:"id_in_run"`
	TableCount int            `json:"table_count"`
	Runtime    float64        `json:"plan_runtime"`
	SQL        string         `json:"sql,omitempty"`
	NodeKinds  map[string]int `json:"node_kinds"`
	Nodes      []GraphNode    `json:"nodes"`
	Edges      []GraphEdge    `json:"edges"`
}

type browseService struct {
	workloads repositories.WorkloadRepository
	plans     repositories.PlanRepository
	graphs    GraphSource
	logger    Logger
}

// NewBrowseService creates the read-only workload and plan browser.
func NewBrowseService(
	workloads repositories.WorkloadRepository,
	plans repositories.PlanRepository,
	graphs GraphSource,
	logger Logger,
) BrowseService {
	return &browseService{
		workloads: workloads,
		plans:     plans,
		graphs:    graphs,
		logger:    logger,
	}
}

// ListWorkloads returns every workload, newest first, with its plan count.
func (s *browseService) ListWorkloads(ctx context.Context) ([]WorkloadSummary, error) {
	ws, err := s.workloads.ListWorkloads(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]WorkloadSummary, 0, len(ws))
	for _, w := range ws {
		stats, err := s.plans.CountPlansByTableCount(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		sum := WorkloadSummary{ID: w.ID, Name: w.Name, CreatedAt: w.CreatedAt}
		for _, st := range stats {
			sum.Plans += st.Plans
		}
		out = append(out, sum)
	}
	return out, nil
}

// ListPlans returns one page of a workload's plans.
func (s *browseService) ListPlans(ctx context.Context, req PlanListRequest) (*PlanList, error) {
	if req.WorkloadID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidArgument, "workload id is required")
	}
	order, err := models.ParsePlanOrder(req.OrderBy)
	if err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = DefaultPlanPageLimit
	}
	if req.Offset < 0 || req.Limit < 0 || req.Limit > MaxPlanPageLimit {
		return nil, pkgerrors.Newf(pkgerrors.CodeInvalidArgument,
			"offset must be non-negative and limit within 1..%d", MaxPlanPageLimit).
			WithDetail("offset", req.Offset).
			WithDetail("limit", req.Limit)
	}
	if _, err := s.workloads.GetWorkload(ctx, req.WorkloadID); err != nil {
		return nil, err
	}

	page := models.PlanPage{Offset: req.Offset, Limit: req.Limit, OrderBy: order, Descending: req.Descending}
	summaries, total, err := s.plans.PagePlans(ctx, req.WorkloadID, page)
	if err != nil {
		return nil, err
	}

	res := &PlanList{
		WorkloadID: req.WorkloadID,
		TotalCount: total,
		Offset:     req.Offset,
		Limit:      req.Limit,
		OrderBy:    order,
		Descending: req.Descending,
		Plans:      make([]PlanRow, 0, len(summaries)),
	}
	for _, ps := range summaries {
		g, err := s.graphs.Graph(ctx, ps.ID)
		if err != nil {
			return nil, err
		}
		res.Plans = append(res.Plans, PlanRow{
			PlanSummary: ps,
			Nodes:       g.NumNodes(),
			Columns:     len(g.NodesOfKind(plangraph.KindColumn)),
		})
	}
	s.logger.Debug("Plans listed",
		"workload_id", req.WorkloadID,
		"order_by", string(order),
		"offset", req.Offset,
		"returned", len(res.Plans),
		"total", total)
	return res, nil
}

// GetPlan returns a plan with its SQL text and graph.
func (s *browseService) GetPlan(ctx context.Context, planID string) (*PlanDetail, error) {
	if planID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidArgument, "plan id is required")
	}
	p, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	g, err := s.graphs.Graph(ctx, planID)
	if err != nil {
		return nil, err
	}

	d := &PlanDetail{
		ID:         p.ID,
		WorkloadID: p.WorkloadID,
		IDInRun:    p.IDInRun,
		TableCount: p.TableCount,
		Runtime:    p.Runtime,
		SQL:        p.SQL,
		NodeKinds:  make(map[string]int),
		Nodes:      make([]GraphNode, 0, g.NumNodes()),
		Edges:      make([]GraphEdge, 0, len(g.Edges())),
	}
	for _, n := range g.Nodes() {
		d.NodeKinds[n.Kind.String()]++
		d.Nodes = append(d.Nodes, GraphNode{
			NodeID:     n.ID,
			Kind:       n.Kind.String(),
			Label:      n.Label,
			Depth:      n.Depth,
			ActualTime: n.ActualTime,
			ActualCard: n.ActualCard,
		})
	}
	for _, e := range g.Edges() {
		d.Edges = append(d.Edges, GraphEdge{From: e.From, To: e.To, Kind: e.Kind.String()})
	}
	return d, nil
}
