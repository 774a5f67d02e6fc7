// Package server exposes the planlens services over Arrow Flight.
//
// Commands travel as Flight actions with JSON bodies. Reports are fetched
// with GetFlightInfo and DoGet and arrive as Arrow record batches.
package server

import (
	"context"
	"errors"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pkgerrors "github.com/TFMV/planlens/pkg/errors"
	"github.com/TFMV/planlens/pkg/infrastructure/memory"
	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
	"github.com/TFMV/planlens/pkg/services"
)

//───────────────────────────────────
// Types
//───────────────────────────────────

// Services bundles the request-level services the Flight server dispatches to.
type Services struct {
	Evaluation services.EvaluationService
	Report     services.ReportService
	Ingest     services.IngestService
	Inspect    services.InspectService
	Browse     services.BrowseService
}

// FlightServer implements the planlens Flight service.
type FlightServer struct {
	flight.BaseFlightServer

	services  Services
	allocator *memory.TrackedAllocator
	logger    zerolog.Logger
	metrics   metrics.Collector

	mu      sync.RWMutex
	closing bool
}

// Option configures a FlightServer.
type Option func(*FlightServer)

// WithAllocator sets the allocator report records are built with.
func WithAllocator(a *memory.TrackedAllocator) Option {
	return func(s *FlightServer) { s.allocator = a }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(s *FlightServer) { s.metrics = c }
}

//───────────────────────────────────
// Lifecycle
//───────────────────────────────────

// New creates a Flight server over svc. Every service must be set.
func New(svc Services, logger zerolog.Logger, opts ...Option) (*FlightServer, error) {
	if svc.Evaluation == nil || svc.Report == nil || svc.Ingest == nil || svc.Inspect == nil || svc.Browse == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidArgument, "all services are required")
	}
	s := &FlightServer{
		services: svc,
		logger:   logger.With().Str("component", "flight").Logger(),
		metrics:  metrics.NewNoOpCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.allocator == nil {
		s.allocator = memory.NewTrackedAllocator(nil)
	}
	return s, nil
}

// Register registers the server with a gRPC server.
func (s *FlightServer) Register(grpcServer *grpc.Server) {
	flight.RegisterFlightServiceServer(grpcServer, s)
}

// Allocator returns the allocator report records are built with.
func (s *FlightServer) Allocator() *memory.TrackedAllocator {
	return s.allocator
}

// Close stops accepting new requests. In-flight requests finish normally.
func (s *FlightServer) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil
	}
	s.closing = true
	s.logger.Info().
		Int64("arrow_bytes_in_use", s.allocator.BytesUsed()).
		Int64("arrow_peak_bytes", s.allocator.PeakBytes()).
		Msg("Closing Flight server")
	return nil
}

func (s *FlightServer) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closing {
		return status.Error(codes.Unavailable, "server is shutting down")
	}
	return nil
}

//───────────────────────────────────
// Errors
//───────────────────────────────────

// toStatus maps service errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var code codes.Code
	switch pkgerrors.GetCode(err) {
	case pkgerrors.CodeNotFound:
		code = codes.NotFound
	case pkgerrors.CodeInvalidArgument, pkgerrors.CodeMalformedPlan:
		code = codes.InvalidArgument
	case pkgerrors.CodeMissingPrerequisite:
		code = codes.FailedPrecondition
	case pkgerrors.CodeInferenceBusy:
		code = codes.ResourceExhausted
	case pkgerrors.CodeUnavailable:
		code = codes.Unavailable
	case pkgerrors.CodeAlreadyExists:
		code = codes.AlreadyExists
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
