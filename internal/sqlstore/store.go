// Package sqlstore is the relational backend. Entries are stored in the
// monitorings table of a DuckDB or SQLite database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tinytelemetry/lookout/internal/logging"
	"github.com/tinytelemetry/lookout/internal/model"
	"github.com/tinytelemetry/lookout/internal/sqlstore/migrate"
)

const (
	DriverDuckDB = "duckdb"
	DriverSQLite = "sqlite"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("sqlstore: unknown driver")

// Config selects the database and tunes query limits.
type Config struct {
	Driver       string
	Path         string // empty = in-memory
	QueryTimeout time.Duration
	MaxRows      int
	Logger       *zap.Logger
}

// Store manages the database connection and implements model.Backend.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	driver       string
	path         string
	maxRows      int
	logger       *zap.Logger
	QueryTimeout time.Duration
}

var _ model.Backend = (*Store)(nil)

// NewStore opens or creates a DuckDB database, the default driver.
// If dbPath is empty, an in-memory database is used.
func NewStore(dbPath string) (*Store, error) {
	return Open(Config{Driver: DriverDuckDB, Path: dbPath})
}

// Open connects to the configured database and applies pending migrations.
func Open(cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverDuckDB
	}

	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, err
		}
	}

	var dsn string
	switch driver {
	case DriverDuckDB:
		dsn = cfg.Path
	case DriverSQLite:
		dsn = ":memory:"
		if cfg.Path != "" {
			dsn = "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite allows one writer, and each :memory: connection would
		// otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	qt := 30 * time.Second
	if cfg.QueryTimeout > 0 {
		qt = cfg.QueryTimeout
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = model.DefaultMaxRows
	}

	ctx, cancel := context.WithTimeout(context.Background(), qt)
	defer cancel()
	if err := migrate.NewRunner(db).Run(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:           db,
		driver:       driver,
		path:         cfg.Path,
		maxRows:      maxRows,
		logger:       logging.OrNop(cfg.Logger),
		QueryTimeout: qt,
	}, nil
}

// Name returns the driver name.
func (s *Store) Name() string { return s.driver }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, s.QueryTimeout)
}
