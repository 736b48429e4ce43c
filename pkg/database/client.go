// Package database opens shard store connections for either PostgreSQL
// (lib/pq) or embedded SQLite (ncruces/go-sqlite3) behind database/sql, and
// papers over the few SQL differences between the two.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
)

// Pool controls database/sql pool sizing.
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PoolFromConfig copies pool settings from the database section.
func PoolFromConfig(cfg config.DatabaseConfig) Pool {
	return Pool{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

// SingleConn pins a client to one physical connection.
var SingleConn = Pool{MaxOpenConns: 1, MaxIdleConns: 1}

type Client struct {
	DB      *sql.DB
	dialect string
}

// Open connects with the driver for dialect and verifies the connection.
func Open(ctx context.Context, dialect, dsn string, pool Pool) (*Client, error) {
	driver, err := driverName(dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, apperrors.StoreUnavailable("opening "+dialect+" connection", err)
	}

	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, apperrors.StoreUnavailable("pinging "+dialect, err)
	}
	return &Client{DB: db, dialect: dialect}, nil
}

func driverName(dialect string) (string, error) {
	switch dialect {
	case config.DialectPostgres:
		return "postgres", nil
	case config.DialectSQLite:
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("%w: unsupported dialect %q", apperrors.ErrConfiguration, dialect)
	}
}

func (c *Client) Dialect() string {
	return c.dialect
}

func (c *Client) Close() error {
	return c.DB.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// Rebind rewrites '?' placeholders to the dialect's form ($1, $2, ... for
// PostgreSQL). Queries must not contain literal question marks.
func (c *Client) Rebind(query string) string {
	if c.dialect != config.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Placeholders returns "(?, ?, ...), (...)" for rows of width columns.
func Placeholders(rows, width int) string {
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", width), ", ") + ")"
	return strings.TrimSuffix(strings.Repeat(row+", ", rows), ", ")
}

func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.StoreUnavailable("beginning transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.StoreUnavailable("committing transaction", err)
	}

	return nil
}
