// Package store persists commands, users, quotes, auto quotes and misc
// counters. SQLite is the default backend; a postgres:// DSN selects
// PostgreSQL through pgx.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Store opens one transaction per dispatched message.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a single unit of work. Close rolls back unless Commit succeeded.
type Tx interface {
	FindCommand(ctx context.Context, call string) (CommandRecord, bool, error)
	ListCommands(ctx context.Context) ([]CommandRecord, error)
	AddCommand(ctx context.Context, rec CommandRecord) error
	UpdateCommand(ctx context.Context, call, response string) (bool, error)
	DeleteCommand(ctx context.Context, call string) (bool, error)

	FindUser(ctx context.Context, name string) (UserRecord, bool, error)
	UpsertUser(ctx context.Context, rec UserRecord) error
	ListUsers(ctx context.Context) ([]UserRecord, error)
	ResetTimesPlayed(ctx context.Context) error
	ClearGuesses(ctx context.Context, total bool) error

	ListQuotes(ctx context.Context) ([]Quote, error)
	AddQuote(ctx context.Context, text string) (int, error)
	UpdateQuote(ctx context.Context, id int64, text string) error
	DeleteQuote(ctx context.Context, id int64) error

	ListAutoQuotes(ctx context.Context) ([]AutoQuote, error)
	AddAutoQuote(ctx context.Context, text string, periodSecs int) (AutoQuote, error)
	UpdateAutoQuote(ctx context.Context, aq AutoQuote) error
	DeleteAutoQuote(ctx context.Context, id int64) error

	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string) error

	Commit() error
	Rollback() error
	Close() error
}

// CommandRecord is a data-defined chat command. An empty PermittedUsers
// means everyone may use it.
type CommandRecord struct {
	ID             int64
	Call           string
	Response       string
	PermittedUsers []string
}

type UserRecord struct {
	ID           int64
	Name         string
	TimesPlayed  int
	CurrentGuess *int
	TotalGuess   *int
}

type Quote struct {
	ID   int64
	Text string
}

type AutoQuote struct {
	ID     int64
	Text   string
	Period int // seconds
	Active bool
}

// Misc value keys.
const (
	KeyCurrentDeaths     = "current-deaths"
	KeyTotalDeaths       = "total-deaths"
	KeyGuessingEnabled   = "guessing-enabled"
	KeyGuessTotalEnabled = "guess-total-enabled"
)

// DB is the database/sql backed Store.
type DB struct {
	db      *sql.DB
	dialect dialect
}

type Options struct {
	// SQLiteTuning applies the WAL/mmap pragma set on open.
	SQLiteTuning bool
}

// Open connects to dsn, applies the schema and seeds misc values.
func Open(ctx context.Context, dsn string, opts Options) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("store: empty dsn")
	}

	d := dialectSQLite
	driver, source := "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		d, driver, source = dialectPostgres, "pgx", dsn
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", d)
	}
	if d == dialectSQLite {
		// one writer at a time; also keeps :memory: databases on one connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s", d)
	}

	s := &DB{db: db, dialect: d}
	if d == dialectSQLite {
		ApplySQLitePragmas(ctx, db, opts.SQLiteTuning)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Printf("store: opened %s backend", d)
	return s, nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) String() string {
	return fmt.Sprintf("store.DB{%s}", s.dialect)
}

func (s *DB) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	return &sqlTx{tx: tx, dialect: s.dialect}, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
