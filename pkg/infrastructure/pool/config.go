package pool

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	pkgerrors "github.com/TFMV/poolkeeper/pkg/errors"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
)

const (
	defaultPoolMin    = 2
	defaultPoolMax    = 20
	defaultProbeQuery = "SELECT 1"
)

// Config holds the static connection parameters and pool bounds.
type Config struct {
	Driver   string `json:"driver" yaml:"driver" mapstructure:"driver"`
	Host     string `json:"host" yaml:"host" mapstructure:"host"`
	Port     int    `json:"port" yaml:"port" mapstructure:"port"`
	Database string `json:"database" yaml:"database" mapstructure:"database"`
	User     string `json:"user" yaml:"user" mapstructure:"user"`
	Password string `json:"-" yaml:"password" mapstructure:"password"`

	// DSN, when set, is handed to the driver as is and the fields above are ignored.
	DSN string `json:"-" yaml:"dsn" mapstructure:"dsn"`

	PoolMin int `json:"pool_min" yaml:"pool_min" mapstructure:"pool_min"`
	PoolMax int `json:"pool_max" yaml:"pool_max" mapstructure:"pool_max"`

	// ProbeQuery must return a single row whose first column is 1.
	ProbeQuery string `json:"probe_query" yaml:"probe_query" mapstructure:"probe_query"`
}

// DefaultConfig returns the configuration for a local PostgreSQL server.
func DefaultConfig() Config {
	return Config{
		Driver:     DriverPostgres,
		Host:       "localhost",
		Port:       5432,
		Database:   "postgres",
		User:       "postgres",
		PoolMin:    defaultPoolMin,
		PoolMax:    defaultPoolMax,
		ProbeQuery: defaultProbeQuery,
	}
}

// Validate fills defaults and rejects inconsistent bounds.
func (c *Config) Validate() error {
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}

	switch c.Driver {
	case DriverPostgres, DriverMySQL:
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port <= 0 {
			c.Port = 5432
			if c.Driver == DriverMySQL {
				c.Port = 3306
			}
		}
	case DriverDuckDB, DriverSQLite:
	default:
		return pkgerrors.ErrInvalidConfig.WithDetail("driver", c.Driver)
	}

	if c.PoolMax == 0 {
		c.PoolMax = defaultPoolMax
	}
	if c.PoolMax < 0 {
		return pkgerrors.New(pkgerrors.CodeInvalidConfig, "pool_max must be positive")
	}
	if c.PoolMin < 0 {
		return pkgerrors.New(pkgerrors.CodeInvalidConfig, "pool_min cannot be negative")
	}
	if c.PoolMin > c.PoolMax {
		return pkgerrors.New(pkgerrors.CodeInvalidConfig,
			fmt.Sprintf("pool_min (%d) exceeds pool_max (%d)", c.PoolMin, c.PoolMax))
	}

	if c.ProbeQuery == "" {
		c.ProbeQuery = defaultProbeQuery
	}

	return nil
}

// PostgresURL renders the connection fields as a postgres:// URL.
func (c Config) PostgresURL() string {
	if c.DSN != "" {
		return c.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	return u.String()
}

// FilePath returns the database location for embedded drivers.
func (c Config) FilePath() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Database != "" {
		return c.Database
	}
	if c.Driver == DriverSQLite {
		// plain ":memory:" would give every session its own database
		return "file::memory:?cache=shared"
	}
	return ":memory:"
}

// String describes the target with secrets masked.
func (c Config) String() string {
	var target string
	switch {
	case c.DSN != "":
		target = maskDSN(c.DSN)
	case c.Driver == DriverDuckDB || c.Driver == DriverSQLite:
		target = c.FilePath()
	default:
		target = fmt.Sprintf("%s@%s/%s", c.User, net.JoinHostPort(c.Host, strconv.Itoa(c.Port)), c.Database)
	}
	return fmt.Sprintf("%s(%s) pool=[%d,%d]", c.Driver, target, c.PoolMin, c.PoolMax)
}

// Redacted returns a copy safe to print: the password is replaced and the DSN masked.
func (c Config) Redacted() Config {
	if c.Password != "" {
		c.Password = "*****"
	}
	c.DSN = maskDSN(c.DSN)
	return c
}

// maskDSN hides sensitive information (passwords, tokens, secrets) but keeps
// enough of the string to be recognisable in logs.
//
// Behaviour:
//
//   - ":memory:" or empty → returned verbatim
//   - URL‑like DSNs       → redact user‑password and sensitive query params
//   - key=value DSNs      → redact sensitive values (libpq style)
//   - anything else       → keep first/last 3 runes, mask the middle
func maskDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}

	if strings.Contains(dsn, "://") {
		if u, err := url.Parse(dsn); err == nil {
			if ui := u.User; ui != nil {
				user := ui.Username()
				if _, hasPass := ui.Password(); hasPass {
					u.User = url.UserPassword(user, "*****")
				} else {
					u.User = url.User(user)
				}
			}

			q := u.Query()
			for k := range q {
				if isSensitiveKey(k) {
					q.Set(k, "*****")
				}
			}
			u.RawQuery = q.Encode()
			return u.String()
		}
	}

	if strings.Contains(dsn, "=") {
		fields := strings.Fields(dsn)
		for i, f := range fields {
			k, _, ok := strings.Cut(f, "=")
			if ok && isSensitiveKey(k) {
				fields[i] = k + "=*****"
			}
		}
		return strings.Join(fields, " ")
	}

	runes := []rune(dsn)
	if len(runes) <= 10 {
		return "***"
	}
	return string(runes[:3]) + "***" + string(runes[len(runes)-3:])
}

// isSensitiveKey reports whether a query key should have its value masked.
func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}
