package statestore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// openDatabase opens a *sqlx.DB for dbType ("sqlite" or "postgres") against
// dsn, pings it, and applies embedded migrations before returning. sqlx
// wraps the plain database/sql handle so history/scan reads can use its
// struct-scanning helpers without a second connection pool.
func openDatabase(dbType, dsn string) (*sqlx.DB, error) {
	driverName, err := driverNameFor(dbType)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dbType, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dbType, err)
	}

	if err := migrateUp(db, dbType); err != nil {
		db.Close()
		return nil, err
	}
	return sqlx.NewDb(db, driverName), nil
}

func driverNameFor(dbType string) (string, error) {
	switch dbType {
	case "sqlite":
		return "sqlite3", nil
	case "postgres":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported state.db_type %q", dbType)
	}
}

// migrateUp runs every pending migration embedded for dbType. The migrate
// database drivers' Close also closes the *sql.DB they wrap, so they are
// left open: db stays owned by the caller.
func migrateUp(db *sql.DB, dbType string) error {
	var (
		sub     fs.FS
		err     error
		m       *migrate.Migrate
	)

	switch dbType {
	case "sqlite":
		sub, err = fs.Sub(sqliteMigrations, "migrations/sqlite")
		if err != nil {
			return err
		}
		srcDrv, err := iofs.New(sub, ".")
		if err != nil {
			return fmt.Errorf("load sqlite migrations: %w", err)
		}
		instance, err := sqlite3.WithInstance(db, &sqlite3.Config{})
		if err != nil {
			return fmt.Errorf("sqlite migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", srcDrv, "sqlite3", instance)
		if err != nil {
			return fmt.Errorf("build migrator: %w", err)
		}
	case "postgres":
		sub, err = fs.Sub(postgresMigrations, "migrations/postgres")
		if err != nil {
			return err
		}
		srcDrv, err := iofs.New(sub, ".")
		if err != nil {
			return fmt.Errorf("load postgres migrations: %w", err)
		}
		instance, err := postgres.WithInstance(db, &postgres.Config{})
		if err != nil {
			return fmt.Errorf("postgres migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", srcDrv, "postgres", instance)
		if err != nil {
			return fmt.Errorf("build migrator: %w", err)
		}
	default:
		return fmt.Errorf("unsupported state.db_type %q", dbType)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
