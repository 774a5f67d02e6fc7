package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// LoggingMiddleware logs one line per request. It must run after
// authentication to see the caller.
type LoggingMiddleware struct {
	logger zerolog.Logger
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// UnaryInterceptor returns a unary server interceptor for logging.
func (m *LoggingMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.event(ctx, info.FullMethod, start, err).Msg("Unary request")
		return resp, err
	}
}

// StreamInterceptor returns a stream server interceptor for logging.
func (m *LoggingMiddleware) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		counted := &loggingServerStream{ServerStream: ss}
		err := handler(srv, counted)
		m.event(ss.Context(), info.FullMethod, start, err).
			Int("messages_sent", counted.sent).
			Int("messages_received", counted.received).
			Msg("Stream request")
		return err
	}
}

func (m *LoggingMiddleware) event(ctx context.Context, method string, start time.Time, err error) *zerolog.Event {
	code := status.Code(err)
	e := m.logger.WithLevel(levelFor(code))
	if err != nil {
		e = e.Err(err)
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		e = e.Str("peer", p.Addr.String())
	}
	return e.
		Str("method", method).
		Str("user", AuthenticatedUser(ctx)).
		Dur("duration", time.Since(start)).
		Str("code", code.String())
}

// levelFor logs caller mistakes at warn and server faults at error.
func levelFor(code codes.Code) zerolog.Level {
	switch code {
	case codes.OK, codes.Canceled:
		return zerolog.InfoLevel
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable, codes.Unimplemented:
		return zerolog.ErrorLevel
	default:
		return zerolog.WarnLevel
	}
}

// loggingServerStream counts messages moved over a stream.
type loggingServerStream struct {
	grpc.ServerStream
	sent     int
	received int
}

func (s *loggingServerStream) SendMsg(m interface{}) error {
	err := s.ServerStream.SendMsg(m)
	if err == nil {
		s.sent++
	}
	return err
}

func (s *loggingServerStream) RecvMsg(m interface{}) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil {
		s.received++
	}
	return err
}
