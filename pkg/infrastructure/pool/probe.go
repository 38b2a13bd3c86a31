package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/poolkeeper/pkg/infrastructure/metrics"
)

// ConnectionProbe runs a cheap round trip against a session before it is handed out.
type ConnectionProbe struct {
	logger  zerolog.Logger
	query   string
	metrics metrics.Collector
}

// NewConnectionProbe creates a probe running query, which must yield 1 in its first column.
func NewConnectionProbe(logger zerolog.Logger, query string, collector metrics.Collector) *ConnectionProbe {
	if query == "" {
		query = defaultProbeQuery
	}
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &ConnectionProbe{
		logger:  logger,
		query:   query,
		metrics: collector,
	}
}

// Check pings the session and runs the probe query outside any transaction.
func (p *ConnectionProbe) Check(ctx context.Context, s Session) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		p.metrics.IncrementCounter("pool_probe_total", "result", result)
		p.logger.Debug().
			Dur("duration", time.Since(start)).
			Bool("success", err == nil).
			Msg("Connection probe completed")
	}()

	if s.IsClosed() {
		return fmt.Errorf("session is closed")
	}

	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	rs, err := s.Query(ctx, p.query)
	if err != nil {
		return fmt.Errorf("probe query failed: %w", err)
	}

	row := rs.First()
	if len(row) == 0 {
		return fmt.Errorf("probe query returned no rows")
	}
	if !isOne(row[0]) {
		return fmt.Errorf("probe query returned unexpected result: %v", row[0])
	}

	return nil
}

// Version fetches the server version string.
func (p *ConnectionProbe) Version(ctx context.Context, s Session, query string) (string, error) {
	rs, err := s.Query(ctx, query)
	if err != nil {
		return "", fmt.Errorf("version query failed: %w", err)
	}
	row := rs.First()
	if len(row) == 0 {
		return "", fmt.Errorf("version query returned no rows")
	}
	switch v := row[0].(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// isOne accepts whatever integer type the driver decoded the literal into.
func isOne(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 1
	case int8:
		return n == 1
	case int16:
		return n == 1
	case int32:
		return n == 1
	case int64:
		return n == 1
	case uint8:
		return n == 1
	case uint16:
		return n == 1
	case uint32:
		return n == 1
	case uint64:
		return n == 1
	case float64:
		return n == 1
	case []byte:
		return string(n) == "1"
	case string:
		return n == "1"
	default:
		return false
	}
}
