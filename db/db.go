package db

//nolint:golint,revive
import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/omni/tokenbridge-relayer/config"
)

const (
	migrationsSource = "file://db/migrations"
	connectTimeout   = 15 * time.Second

	// one pool serves all bridges' watchers, workers and recovery jobs
	maxOpenConns = 20
	maxIdleConns = 5
)

// DB wraps a postgres connection pool with per-query metrics.
type DB struct {
	cfg  *config.DBConfig
	conn *sqlx.DB
}

func NewDB(cfg *config.DBConfig) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	db := &DB{cfg: cfg}
	conn, err := sqlx.ConnectContext(ctx, "pgx", db.url("postgres"))
	if err != nil {
		return nil, fmt.Errorf("can't connect to postgres database: %w", err)
	}
	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxIdleConns)
	db.conn = conn
	return db, nil
}

// ConnectToDBAndMigrate opens the connection pool and brings the schema up to
// date before anything else touches it.
func ConnectToDBAndMigrate(cfg *config.DBConfig) (*DB, error) {
	db, err := NewDB(cfg)
	if err != nil {
		return nil, err
	}
	if err = db.Migrate(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) Migrate() error {
	m, err := migrate.New(migrationsSource, db.url("pgx"))
	if err != nil {
		return fmt.Errorf("can't open postgres database for migrations: %w", err)
	}
	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("can't apply postgres database migrations: %w", err)
	}
	return nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) url(scheme string) string {
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, db.cfg.User, db.cfg.Password, db.cfg.Host, db.cfg.Port, db.cfg.DB)
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	method := callerFuncName(2)
	defer ObserveDuration(method)()
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		QueryErrors.WithLabelValues(method).Inc()
	}
	return res, err
}

func (db *DB) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	method := callerFuncName(2)
	defer ObserveDuration(method)()
	err := db.conn.GetContext(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		QueryErrors.WithLabelValues(method).Inc()
	}
	return err
}

func (db *DB) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	method := callerFuncName(2)
	defer ObserveDuration(method)()
	err := db.conn.SelectContext(ctx, dest, query, args...)
	if err != nil {
		QueryErrors.WithLabelValues(method).Inc()
	}
	return err
}

// callerFuncName resolves the short name of the repository method that issued
// the query, used as the metric label.
func callerFuncName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	name = name[strings.LastIndex(name, ".")+1:]
	name = strings.TrimPrefix(name, "(*")
	return strings.Replace(name, ")", "", 1)
}
