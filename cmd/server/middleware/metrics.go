package middleware

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/TFMV/planlens/pkg/infrastructure/metrics"
)

// MetricsMiddleware records request counts and latencies per method and
// status code.
type MetricsMiddleware struct {
	collector metrics.Collector
}

// NewMetricsMiddleware creates a new metrics middleware. A nil collector
// records nothing.
func NewMetricsMiddleware(collector metrics.Collector) *MetricsMiddleware {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &MetricsMiddleware{collector: collector}
}

// UnaryInterceptor returns a unary server interceptor for metrics.
func (m *MetricsMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observe(info.FullMethod, "unary", start, err)
		return resp, err
	}
}

// StreamInterceptor returns a stream server interceptor for metrics.
func (m *MetricsMiddleware) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, &metricsServerStream{
			ServerStream: ss,
			collector:    m.collector,
			method:       info.FullMethod,
		})
		m.observe(info.FullMethod, "stream", start, err)
		return err
	}
}

func (m *MetricsMiddleware) observe(method, kind string, start time.Time, err error) {
	code := status.Code(err).String()
	m.collector.IncrementCounter(metrics.RPCRequests, "method", method, "type", kind, "code", code)
	m.collector.RecordHistogram(metrics.RPCDuration, time.Since(start).Seconds(), "method", method, "type", kind)
}

// metricsServerStream counts messages moved over a stream.
type metricsServerStream struct {
	grpc.ServerStream
	collector metrics.Collector
	method    string
}

func (s *metricsServerStream) SendMsg(m interface{}) error {
	err := s.ServerStream.SendMsg(m)
	if err == nil {
		s.collector.IncrementCounter(metrics.RPCStreamMessages, "method", s.method, "direction", "sent")
	}
	return err
}

func (s *metricsServerStream) RecvMsg(m interface{}) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil {
		s.collector.IncrementCounter(metrics.RPCStreamMessages, "method", s.method, "direction", "received")
	}
	return err
}
