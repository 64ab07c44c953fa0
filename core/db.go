package core

import (
	"database/sql"
	"fmt"
	"io/fs"
	"net/url"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
	// BusyTimeout is the number of milliseconds a locked database is retried for.
	BusyTimeout int
	ForeignKeys bool
}

// DSN returns the connection string for file.
func (o *SQLiteDBOption) DSN(file string) string {
	q := url.Values{}
	if o != nil {
		if o.Mode != "" {
			q.Set("mode", o.Mode)
		}
		if o.Cache != "" {
			q.Set("cache", o.Cache)
		}
		if o.JournalMode != "" {
			q.Set("_journal_mode", o.JournalMode)
		}
		if o.BusyTimeout > 0 {
			q.Set("_busy_timeout", fmt.Sprint(o.BusyTimeout))
		}
		if o.ForeignKeys {
			q.Set("_foreign_keys", "on")
		}
	}
	dsn := "file:" + file
	if len(q) > 0 {
		dsn += "?" + q.Encode()
	}
	return dsn
}

type SQLiteDB struct {
	*sql.DB
	config       *SQLiteDBOption
	file         string
	migrationDir string
}

func NewSQLiteDB(file, migrationDir string, config *SQLiteDBOption) (*SQLiteDB, error) {
	db := &SQLiteDB{config: config, migrationDir: migrationDir, file: file}

	d, err := sql.Open("sqlite3", config.DSN(file))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	// A single connection serializes writers and keeps in-memory databases alive.
	d.SetMaxOpenConns(1)

	db.DB = d
	return db, nil
}

// Migrate applies every pending migration from the migration directory.
func (db *SQLiteDB) Migrate() error {
	return Migrate(db.DB, os.DirFS(db.migrationDir))
}

// Migrate applies the goose migrations found at the root of migrations.
func Migrate(db *sql.DB, migrations fs.FS) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose.SetDialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("goose.Up: %w", err)
	}
	return nil
}
