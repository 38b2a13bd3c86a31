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

// LoggingMiddleware logs every RPC served by the daemon.
type LoggingMiddleware struct {
	logger zerolog.Logger
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger: logger.With().Str("component", "grpc").Logger(),
	}
}

// UnaryInterceptor returns a unary server interceptor for logging.
func (m *LoggingMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.log(ctx, info.FullMethod, "Unary request", time.Since(start), err)
		return resp, err
	}
}

// StreamInterceptor returns a stream server interceptor for logging.
// Health Watch calls are long lived, so only their completion is logged.
func (m *LoggingMiddleware) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		m.log(ss.Context(), info.FullMethod, "Stream request", time.Since(start), err)
		return err
	}
}

func (m *LoggingMiddleware) log(ctx context.Context, method, msg string, duration time.Duration, err error) {
	code := status.Code(err)

	// Health probes hit the daemon constantly
	event := m.logger.Debug()
	if err != nil && code != codes.Canceled {
		event = m.logger.Error().Err(err)
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		event = event.Str("peer", p.Addr.String())
	}

	event.
		Str("method", method).
		Dur("duration", duration).
		Str("code", code.String()).
		Msg(msg)
}
