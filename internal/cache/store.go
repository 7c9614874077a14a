// Package cache persists the request fingerprint cache described by the
// external interface: a small (fingerprint, host) -> (batch_id, custom_id)
// table, backed by sqlite by default and optionally by Postgres or MySQL
// for deployments that already run a shared database.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/glebarez/sqlite"
)

const cachePathEnvVar = "BATCHLING_CACHE_PATH"

// Store is the request-cache contract the engine depends on.
type Store interface {
	// Get returns the live row for fingerprint+host, if any, excluding rows
	// older than retention (zero or negative retention means no cutoff).
	Get(ctx context.Context, fingerprint, host string, retention time.Duration) (*Row, bool, error)
	// UpsertMany writes or refreshes a batch of rows in one call, then
	// opportunistically sweeps rows older than retention.
	UpsertMany(ctx context.Context, rows []Row, retention time.Duration) error
	// DeleteByFingerprints invalidates specific rows, used when a resumed
	// batch turns out to be stale.
	DeleteByFingerprints(ctx context.Context, fingerprints ...string) error
	// DeleteOlderThan removes rows whose created_at predates cutoff and
	// reports how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// Close releases the underlying connection pool.
	Close() error
}

// ResolvePath applies the documented precedence: an explicit path wins,
// then BATCHLING_CACHE_PATH, then ~/.cache/batchling/cache.sqlite3. A DSN
// (postgres://..., a MySQL DSN containing "@tcp(") is returned unchanged.
func ResolvePath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if v := os.Getenv(cachePathEnvVar); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cache: resolve default path: %w", err)
	}
	return filepath.Join(home, ".cache", "batchling", "cache.sqlite3"), nil
}

func detectBackend(dsn string) backend {
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return backendPostgres
	case strings.Contains(dsn, "@tcp("):
		return backendMySQL
	default:
		return backendSQLite
	}
}

type gormStore struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
}

// NewStore opens (and migrates) the cache store named by path, which may
// be a sqlite file path or a postgres://.../mysql DSN.
func NewStore(path string, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := detectBackend(path)

	var dialector gorm.Dialector
	switch b {
	case backendPostgres:
		dialector = postgres.Open(path)
	case backendMySQL:
		dialector = mysql.Open(path)
	default:
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("cache: create cache directory: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("cache: open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("cache: get sql.DB: %w", err)
	}
	// Mirrors the pool sizing the teacher applies to its own GORM-backed
	// stores: a small bounded pool is plenty for a cache table this thin.
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := runMigrations(sqlDB, b); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Info("cache store ready", zap.String("backend", string(b)))
	return &gormStore{db: db, sqlDB: sqlDB, logger: log}, nil
}

func (s *gormStore) Get(ctx context.Context, fingerprint, host string, retention time.Duration) (*Row, bool, error) {
	q := s.db.WithContext(ctx).Where("fingerprint = ? AND host = ?", fingerprint, host)
	if retention > 0 {
		q = q.Where("created_at >= ?", time.Now().Add(-retention).Unix())
	}
	var row Row
	err := q.First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}
	return &row, true, nil
}

func (s *gormStore) UpsertMany(ctx context.Context, rows []Row, retention time.Duration) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Save(&rows).Error // primary key (fingerprint, host) makes Save an upsert
	if err != nil {
		return fmt.Errorf("cache: upsert: %w", err)
	}
	if retention > 0 {
		if _, err := s.DeleteOlderThan(ctx, time.Now().Add(-retention)); err != nil {
			s.logger.Warn("cache retention sweep failed", zap.Error(err))
		}
	}
	return nil
}

func (s *gormStore) DeleteByFingerprints(ctx context.Context, fingerprints ...string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("fingerprint IN ?", fingerprints).
		Delete(&Row{}).Error
	if err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

func (s *gormStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff.Unix()).
		Delete(&Row{})
	if result.Error != nil {
		return 0, fmt.Errorf("cache: retention sweep: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *gormStore) Close() error {
	return s.sqlDB.Close()
}
