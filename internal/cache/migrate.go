package cache

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

//go:embed migrations/mysql/*.sql
var mysqlMigrations embed.FS

// backend identifies which of the three schema flavors applies to an
// already-open *sql.DB.
type backend string

const (
	backendSQLite   backend = "sqlite"
	backendPostgres backend = "postgres"
	backendMySQL    backend = "mysql"
)

// runMigrations applies the embedded request_cache schema for db's backend,
// using golang-migrate so schema changes stay versioned instead of a
// hand-rolled CREATE TABLE IF NOT EXISTS call.
func runMigrations(db *sql.DB, b backend) error {
	var (
		driver migratedb.Driver
		fsys   fs.FS
		path   string
		err    error
	)

	switch b {
	case backendSQLite:
		// database/sqlite (not sqlite3) so migrating never pulls in the
		// mattn/go-sqlite3 cgo driver; it speaks the same SQL dialect over
		// whatever *sql.DB the caller already opened.
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
		fsys, path = sqliteMigrations, "migrations/sqlite"
	case backendPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
		fsys, path = postgresMigrations, "migrations/postgres"
	case backendMySQL:
		driver, err = mysql.WithInstance(db, &mysql.Config{})
		fsys, path = mysqlMigrations, "migrations/mysql"
	default:
		return fmt.Errorf("cache: unknown backend %q", b)
	}
	if err != nil {
		return fmt.Errorf("cache: create migration driver: %w", err)
	}

	source, err := iofs.New(fsys, path)
	if err != nil {
		return fmt.Errorf("cache: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(b), driver)
	if err != nil {
		return fmt.Errorf("cache: build migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("cache: apply migrations: %w", err)
	}
	return nil
}
