// Package middleware provides gRPC interceptors for the poolkeeper daemon.
package middleware

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/TFMV/poolkeeper/pkg/infrastructure/metrics"
)

// MetricsMiddleware records request counts and latencies.
type MetricsMiddleware struct {
	collector metrics.Collector
}

// NewMetricsMiddleware creates a new metrics middleware.
func NewMetricsMiddleware(collector metrics.Collector) *MetricsMiddleware {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &MetricsMiddleware{collector: collector}
}

// UnaryInterceptor returns a unary server interceptor for metrics.
func (m *MetricsMiddleware) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		timer := m.collector.StartTimer("grpc_request_duration")
		resp, err := handler(ctx, req)
		m.observe(info.FullMethod, "unary", timer.Stop(), err)
		return resp, err
	}
}

// StreamInterceptor returns a stream server interceptor for metrics.
func (m *MetricsMiddleware) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		timer := m.collector.StartTimer("grpc_request_duration")
		err := handler(srv, ss)
		m.observe(info.FullMethod, "stream", timer.Stop(), err)
		return err
	}
}

func (m *MetricsMiddleware) observe(method, kind string, seconds float64, err error) {
	m.collector.RecordHistogram("grpc_request_duration_seconds", seconds, "method", method, "type", kind)
	m.collector.IncrementCounter("grpc_requests_total", "method", method, "type", kind, "code", status.Code(err).String())
}

// ServerOptions chains the interceptors in recovery, logging, metrics order.
func ServerOptions(rec *RecoveryMiddleware, log *LoggingMiddleware, met *MetricsMiddleware) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			rec.UnaryInterceptor(),
			log.UnaryInterceptor(),
			met.UnaryInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			rec.StreamInterceptor(),
			log.StreamInterceptor(),
			met.StreamInterceptor(),
		),
	}
}
