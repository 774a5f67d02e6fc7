package middleware

import (
	"context"
	"runtime/debug"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
)

// RecoveryMiddleware turns handler panics into Internal errors.
type RecoveryMiddleware struct {
	logger    zerolog.Logger
	collector metrics.Collector
}

// NewRecoveryMiddleware creates a new recovery middleware.
func NewRecoveryMiddleware(logger zerolog.Logger, collector metrics.Collector) *RecoveryMiddleware {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &RecoveryMiddleware{logger: logger, collector: collector}
}

// UnaryInterceptor returns a unary server interceptor for panic recovery.
func (m *RecoveryMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = m.handlePanic(r, info.FullMethod)
			}
		}()
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a stream server interceptor for panic recovery.
func (m *RecoveryMiddleware) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = m.handlePanic(r, info.FullMethod)
			}
		}()
		return handler(srv, ss)
	}
}

func (m *RecoveryMiddleware) handlePanic(r interface{}, method string) error {
	m.collector.IncrementCounter(metrics.RPCPanics, "method", method)
	m.logger.Error().
		Str("method", method).
		Interface("panic", r).
		Bytes("stack", debug.Stack()).
		Msg("Panic recovered")
	return status.Error(codes.Internal, "internal server error")
}
