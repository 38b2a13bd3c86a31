package pool

import (
	pkgerrors "github.com/TFMV/poolkeeper/pkg/errors"
)

// NewDialer picks the session backend for cfg.Driver. cfg must already be validated.
func NewDialer(cfg Config) (Dialer, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return NewPgxDialer(cfg)
	case DriverDuckDB, DriverSQLite, DriverMySQL:
		return NewSQLDialer(cfg)
	default:
		return nil, pkgerrors.ErrInvalidConfig.WithDetail("driver", cfg.Driver)
	}
}
