// Package connector opens and inspects the user-provided SQL databases
// that questions are answered against. It supports PostgreSQL, MySQL,
// and SQL Server, and only ever runs read-only statements on them.
package connector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

// Supported driver names, as accepted in the db_type request field.
const (
	DriverPostgres  = "postgres"
	DriverMySQL     = "mysql"
	DriverSQLServer = "sqlserver"
)

// Aliases the original surface accepted for the same engines.
var driverAliases = map[string]string{
	"postgresql": DriverPostgres,
	"pg":         DriverPostgres,
	"mssql":      DriverSQLServer,
	"sqlserver":  DriverSQLServer,
	"mysql":      DriverMySQL,
	"postgres":   DriverPostgres,
}

// DSN shape checks per driver, applied before dialing. These catch
// obviously wrong strings early with a clear error instead of a driver
// panic or a confusing network timeout.
var dsnPatterns = map[string][]*regexp.Regexp{
	DriverPostgres: {
		regexp.MustCompile(`^postgres(ql)?://`),
		regexp.MustCompile(`(^|\s)host=`),
	},
	DriverMySQL: {
		regexp.MustCompile(`^[^/@\s]*(:[^@\s]*)?@(tcp|unix)\([^)]+\)/`),
		regexp.MustCompile(`^mysql://`),
	},
	DriverSQLServer: {
		regexp.MustCompile(`^sqlserver://`),
		regexp.MustCompile(`(?i)(^|;)\s*server\s*=`),
	},
}

// Connector wraps one connection to a user database.
type Connector struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger
}

// NormalizeDriver resolves a db_type value to a canonical driver name.
func NormalizeDriver(dbType string) (string, error) {
	driver, ok := driverAliases[strings.ToLower(strings.TrimSpace(dbType))]
	if !ok {
		return "", fmt.Errorf("unsupported database type %q (want postgres, mysql, or sqlserver)", dbType)
	}
	return driver, nil
}

// ValidateDSN checks that the connection string matches one of the known
// formats for the driver. It never dials.
func ValidateDSN(driver, dsn string) error {
	if dsn == "" {
		return fmt.Errorf("connection string is required")
	}
	patterns, ok := dsnPatterns[driver]
	if !ok {
		return fmt.Errorf("unsupported driver %q", driver)
	}
	for _, p := range patterns {
		if p.MatchString(dsn) {
			return nil
		}
	}
	return fmt.Errorf("invalid connection string format for %s", driver)
}

// New opens a connection to the user database identified by dbType and
// dsn. The DSN is validated before dialing.
func New(dbType, dsn string, logger *slog.Logger) (*Connector, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	driver, err := NormalizeDriver(dbType)
	if err != nil {
		return nil, err
	}
	if err := ValidateDSN(driver, dsn); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}

	// Conservative pool settings: connections to user databases are
	// per-request and short-lived.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	return &Connector{
		db:     db,
		driver: driver,
		logger: logger.With("component", "connector", "driver", driver),
	}, nil
}

// newWithDB wires a Connector over an existing pool. Used by tests.
func newWithDB(db *sqlx.DB, driver string, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Connector{db: db, driver: driver, logger: logger.With("component", "connector", "driver", driver)}
}

// Driver returns the canonical driver name.
func (c *Connector) Driver() string {
	return c.driver
}

// TestConnection verifies the database is reachable with a trivial query.
func (c *Connector) TestConnection(ctx context.Context) error {
	var one int
	if err := c.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		c.logger.WarnContext(ctx, "Connection test failed", "error", err)
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Connector) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
