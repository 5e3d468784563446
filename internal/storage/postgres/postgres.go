// Package postgres implements the PostgreSQL execution archive using GORM
// over the pgx driver. All GORM usage is confined to this package and to
// sqlite, which reuses its models and repository.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/runbox/internal/storage"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
	ConnMaxIdleTime time.Duration // Default: 10m
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

func (c Config) maxIdleTime() time.Duration {
	if c.ConnMaxIdleTime > 0 {
		return c.ConnMaxIdleTime
	}
	return 10 * time.Minute
}

// Store is the PostgreSQL-backed archive.
type Store struct {
	gormDB *gorm.DB
	sqlDB  *sql.DB
	logger *slog.Logger
	execs  *ExecutionRepository
}

// Open connects to PostgreSQL through pgx and configures the pool.
// Call Migrate before first use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	sqlDB := stdlib.OpenDB(*connCfg)

	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())
	sqlDB.SetConnMaxIdleTime(cfg.maxIdleTime())

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	slogger.Info("postgres connected",
		slog.String("host", connCfg.Host),
		slog.String("database", connCfg.Database),
		slog.Int("max_open_conns", cfg.maxOpen()),
		slog.Int("max_idle_conns", cfg.maxIdle()),
	)

	return &Store{
		gormDB: db,
		sqlDB:  sqlDB,
		logger: slogger,
		execs:  NewExecutionRepository(db),
	}, nil
}

// Executions returns the execution archive.
func (s *Store) Executions() storage.ExecutionStore { return s.execs }

// Migrate creates or updates the archive tables.
func (s *Store) Migrate(ctx context.Context) error {
	return AutoMigrate(s.gormDB.WithContext(ctx))
}

// Ping checks the database connection for health/readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }

// GormDB returns the underlying *gorm.DB.
func (s *Store) GormDB() *gorm.DB { return s.gormDB }

// AutoMigrate creates/updates the archive tables on db.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ExecutionModel{}); err != nil {
		return fmt.Errorf("migrating executions: %w", err)
	}
	return nil
}

// NewGormLogger routes GORM warnings and slow queries (over 200ms) to slog.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
