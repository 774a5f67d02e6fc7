package services

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/plangraph"
	"github.com/TFMV/planlens/pkg/repositories"
)

// IngestResult describes a stored workload.
type IngestResult struct {
	WorkloadID string                  `json:"workload_id"`
	Name       string                  `json:"name"`
	Plans      int                     `json:"plans"`
	TableCount []models.TableCountStat `json:"table_counts"`
}

type ingestService struct {
	workloads repositories.WorkloadRepository
	logger    Logger
	newID     func() string
}

// NewIngestService creates the workload ingest service.
func NewIngestService(workloads repositories.WorkloadRepository, logger Logger) IngestService {
	return &ingestService{
		workloads: workloads,
		logger:    logger,
		newID:     uuid.NewString,
	}
}

// IngestWorkload parses a workload export, checks that every plan builds
// into a graph against the workload's statistics, and stores the workload
// with all its plans in one transaction. Nothing is stored if any plan is
// malformed.
func (s *ingestService) IngestWorkload(ctx context.Context, name string, r io.Reader) (*IngestResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidArgument, "workload name is required")
	}

	file, err := models.ParseWorkloadFile(r)
	if err != nil {
		return nil, err
	}
	if len(file.Plans) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidArgument, "workload contains no plans")
	}

	w := &models.Workload{ID: s.newID(), Name: name, Stats: file.Stats}
	plans := make([]*models.PlanRecord, len(file.Plans))
	counts := make(map[int]int)
	for i := range file.Plans {
		p := &file.Plans[i]
		p.ID = s.newID()
		p.WorkloadID = w.ID
		if _, err := plangraph.Build(p, &w.Stats); err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.GetCode(err), "plan %d", p.IDInRun)
		}
		plans[i] = p
		counts[p.TableCount]++
	}

	if err := s.workloads.CreateWorkload(ctx, w, plans); err != nil {
		return nil, err
	}

	res := &IngestResult{WorkloadID: w.ID, Name: w.Name, Plans: len(plans)}
	for tc, n := range counts {
		res.TableCount = append(res.TableCount, models.TableCountStat{TableCount: tc, Plans: n})
	}
	sort.Slice(res.TableCount, func(i, j int) bool {
		return res.TableCount[i].TableCount < res.TableCount[j].TableCount
	})
	s.logger.Info("Workload ingested",
		"workload_id", w.ID,
		"name", w.Name,
		"plans", len(plans))
	return res, nil
}
