// Package db opens and maintains the broker's embedded store. The default
// driver is a file-backed sqlite database; postgres is available for
// deployments that already run one.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/kokino/kokino/internal/common/config"
)

// Pool holds the store's write and read connections.
//
// Sqlite in WAL mode supports many readers alongside exactly one writer, so
// the writer side is pinned to a single connection and reads go through a
// separate read-only pool. Postgres pools connections itself; both sides
// share one *sqlx.DB there.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the connection for INSERT, UPDATE, DELETE, and DDL.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides of the pool.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && err == nil {
			err = rErr
		}
	}
	return err
}

// Open opens the store described by cfg and applies the schema.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "sqlite":
		writerDB, err := openSQLiteWriter(cfg.Path)
		if err != nil {
			return nil, err
		}
		writer := sqlx.NewDb(writerDB, "sqlite3")

		if err := ApplySchema(writer); err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}

		readerDB, err := openSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return &Pool{writer: writer, reader: sqlx.NewDb(readerDB, "sqlite3")}, nil

	case "postgres":
		pgDB, err := openPostgres(cfg)
		if err != nil {
			return nil, err
		}
		pool := sqlx.NewDb(pgDB, "pgx")

		if err := ApplySchema(pool); err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
		return &Pool{writer: pool, reader: pool}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

func openPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	maxConns, minConns := cfg.MaxConns, cfg.MinConns
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}
