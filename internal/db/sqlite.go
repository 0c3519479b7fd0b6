package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// busyTimeoutMs is how long a connection waits on a lock before
	// surfacing SQLITE_BUSY.
	busyTimeoutMs = 5000

	// readerConns is the size of the read-only pool. WAL mode lets these
	// run concurrently with the single writer.
	readerConns = 4
)

// openSQLiteWriter opens the single write connection. WAL journaling plus
// one writer connection keeps writes serialized without lock errors.
func openSQLiteWriter(dbPath string) (*sql.DB, error) {
	path, err := preparePath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := "file:" + path + "?_mode=rwc&_journal_mode=WAL&_synchronous=NORMAL" + commonPragmas()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// openSQLiteReader opens the read-only pool. Journal mode and synchronous
// level are database-wide and already set by the writer.
func openSQLiteReader(dbPath string) (*sql.DB, error) {
	path, err := preparePath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := "file:" + path + "?_mode=ro" + commonPragmas()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	db.SetMaxOpenConns(readerConns)
	db.SetMaxIdleConns(readerConns)
	return db, nil
}

func commonPragmas() string {
	return "&_foreign_keys=on&_busy_timeout=" + strconv.Itoa(busyTimeoutMs) + "&_cache=shared"
}

// preparePath resolves the database file to an absolute path and makes
// sure its directory and the file itself exist.
func preparePath(dbPath string) (string, error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return "", err
	}

	if dir := filepath.Dir(abs); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}

	file, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	return abs, file.Close()
}
