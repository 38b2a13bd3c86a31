// Package health publishes pool reachability through the standard gRPC health service.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name the pool status is published under.
const ServiceName = "poolkeeper.Pool"

// Checker reports whether the database behind the pool is reachable.
type Checker interface {
	TestConnection(ctx context.Context) bool
}

// Reporter periodically runs a Checker and mirrors the result into a health server.
type Reporter struct {
	checker  Checker
	server   *health.Server
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	last    bool
	checked bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReporter creates a reporter. The server starts out NOT_SERVING for ServiceName.
func NewReporter(checker Checker, server *health.Server, interval time.Duration, logger zerolog.Logger) *Reporter {
	server.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return &Reporter{
		checker:  checker,
		server:   server,
		interval: interval,
		logger:   logger.With().Str("component", "health_reporter").Logger(),
	}
}

// Check runs one connectivity test and publishes the result for both the
// overall server and ServiceName.
func (r *Reporter) Check(ctx context.Context) bool {
	ok := r.checker.TestConnection(ctx)

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !ok {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(ServiceName, status)

	r.mu.Lock()
	changed := !r.checked || r.last != ok
	r.last, r.checked = ok, true
	r.mu.Unlock()

	if changed {
		r.logger.Info().Str("status", status.String()).Msg("Database health changed")
	}
	return ok
}

// Start runs an immediate check and then one per interval until Stop.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil || r.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.checkRoutine(ctx)
}

// Stop halts the periodic checks and marks the service NOT_SERVING.
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.server.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

func (r *Reporter) checkRoutine(ctx context.Context) {
	defer r.wg.Done()

	r.Check(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}
