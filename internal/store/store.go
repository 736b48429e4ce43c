// Package store is the SQL storage of one shard: its vocabulary, ebook
// metadata and per-ebook word frequencies. The same queries run on
// PostgreSQL and SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/vocab"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/database"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/logger"
)

// Rows per multi-row INSERT statement. Keeps parameter counts below both
// drivers' limits.
const (
	wordChunk      = 500
	frequencyChunk = 1000
)

// advisoryNamespace is the first key of PostgreSQL advisory locks taken on
// vocabulary hash buckets.
const advisoryNamespace = 7710

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS words (
    word_id %s,
    hash_key INTEGER NOT NULL,
    value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_words_hash_key ON words(hash_key);

CREATE TABLE IF NOT EXISTS ebooks (
    ebook_id BIGINT PRIMARY KEY,
    title TEXT NOT NULL,
    language TEXT
);

CREATE TABLE IF NOT EXISTS ebook_authors (
    ebook_id BIGINT NOT NULL REFERENCES ebooks(ebook_id),
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    PRIMARY KEY (ebook_id, position)
);

CREATE TABLE IF NOT EXISTS ebook_words (
    ebook_id BIGINT NOT NULL REFERENCES ebooks(ebook_id),
    word_id BIGINT NOT NULL REFERENCES words(word_id),
    frequency INTEGER NOT NULL CHECK (frequency > 0),
    PRIMARY KEY (ebook_id, word_id)
);
CREATE INDEX IF NOT EXISTS idx_ebook_words_word_frequency ON ebook_words(word_id, frequency DESC);
`

var dropOrder = []string{"ebook_words", "ebook_authors", "ebooks", "words"}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db      *database.Client
	shardID string
	logger  *slog.Logger
}

// Open connects to a shard endpoint and ensures the schema exists.
func Open(ctx context.Context, shardID, dialect, dsn string, pool database.Pool) (*Store, error) {
	db, err := database.Open(ctx, dialect, dsn, pool)
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", shardID, err)
	}
	s := New(db, shardID)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReader connects to a shard endpoint for queries only. The schema is
// left alone since reader credentials usually lack DDL rights.
func OpenReader(ctx context.Context, shardID, dialect, dsn string, pool database.Pool) (*Store, error) {
	db, err := database.Open(ctx, dialect, dsn, pool)
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", shardID, err)
	}
	return New(db, shardID), nil
}

// New wraps an open client without touching the schema.
func New(db *database.Client, shardID string) *Store {
	return &Store{
		db:      db,
		shardID: shardID,
		logger:  logger.WithShard("shard-store", shardID),
	}
}

func (s *Store) ShardID() string { return s.shardID }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return apperrors.StoreUnavailable("pinging shard "+s.shardID, err)
	}
	return nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.db.Dialect() == config.DialectPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}
	if _, err := s.db.DB.ExecContext(ctx, fmt.Sprintf(schemaTemplate, idColumn)); err != nil {
		return apperrors.StoreUnavailable("creating schema for shard "+s.shardID, err)
	}
	return nil
}

// Drop removes every table of the shard and recreates an empty schema.
func (s *Store) Drop(ctx context.Context) error {
	for _, table := range dropOrder {
		if _, err := s.db.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return apperrors.StoreUnavailable("dropping "+table, err)
		}
	}
	s.logger.Warn("shard tables dropped")
	return s.Migrate(ctx)
}

// WordsByHashKeys implements vocab.Querier.
func (s *Store) WordsByHashKeys(ctx context.Context, keys []int64) ([]vocab.Word, error) {
	return s.wordsByHashKeys(ctx, s.db.DB, keys)
}

// InsertWords implements vocab.Querier.
func (s *Store) InsertWords(ctx context.Context, words []vocab.Word) ([]vocab.Word, error) {
	return s.insertWords(ctx, s.db.DB, words)
}

// AllWords implements vocab.Store.
func (s *Store) AllWords(ctx context.Context) ([]vocab.Word, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT word_id, hash_key, value FROM words`)
	if err != nil {
		return nil, apperrors.StoreUnavailable("loading vocabulary", err)
	}
	return scanWords(rows)
}

// LockWords implements vocab.Store. PostgreSQL takes a transaction-scoped
// advisory lock per hash bucket in ascending key order; SQLite serializes all
// writers on the database write lock, taken up front by a no-op write.
func (s *Store) LockWords(ctx context.Context, keys []int64, fn func(vocab.Querier) error) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		if s.db.Dialect() == config.DialectPostgres {
			for _, k := range keys {
				if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, advisoryNamespace, k); err != nil {
					return apperrors.StoreUnavailable("locking hash bucket", err)
				}
			}
		} else if _, err := tx.ExecContext(ctx, `UPDATE words SET hash_key = hash_key WHERE 1 = 0`); err != nil {
			return apperrors.StoreUnavailable("taking vocabulary write lock", err)
		}
		return fn(txQuerier{s: s, tx: tx})
	})
}

type txQuerier struct {
	s  *Store
	tx *sql.Tx
}

func (q txQuerier) WordsByHashKeys(ctx context.Context, keys []int64) ([]vocab.Word, error) {
	return q.s.wordsByHashKeys(ctx, q.tx, keys)
}

func (q txQuerier) InsertWords(ctx context.Context, words []vocab.Word) ([]vocab.Word, error) {
	return q.s.insertWords(ctx, q.tx, words)
}

func (s *Store) wordsByHashKeys(ctx context.Context, q queryer, keys []int64) ([]vocab.Word, error) {
	var out []vocab.Word
	for start := 0; start < len(keys); start += wordChunk {
		end := min(start+wordChunk, len(keys))
		chunk := keys[start:end]
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		query := s.db.Rebind(`SELECT word_id, hash_key, value FROM words WHERE hash_key IN ` + database.Placeholders(1, len(chunk)))
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, apperrors.StoreUnavailable("querying words by hash key", err)
		}
		words, err := scanWords(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, words...)
	}
	return out, nil
}

func (s *Store) insertWords(ctx context.Context, q queryer, words []vocab.Word) ([]vocab.Word, error) {
	out := make([]vocab.Word, 0, len(words))
	for start := 0; start < len(words); start += wordChunk {
		end := min(start+wordChunk, len(words))
		chunk := words[start:end]
		args := make([]any, 0, 2*len(chunk))
		for _, w := range chunk {
			args = append(args, w.HashKey, w.Text)
		}
		query := s.db.Rebind(`INSERT INTO words (hash_key, value) VALUES ` +
			database.Placeholders(len(chunk), 2) + ` RETURNING word_id, hash_key, value`)
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, apperrors.StoreUnavailable("inserting words", err)
		}
		inserted, err := scanWords(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inserted...)
	}
	return out, nil
}

func scanWords(rows *sql.Rows) ([]vocab.Word, error) {
	defer rows.Close()
	var out []vocab.Word
	for rows.Next() {
		var w vocab.Word
		if err := rows.Scan(&w.ID, &w.HashKey, &w.Text); err != nil {
			return nil, apperrors.StoreUnavailable("scanning word row", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StoreUnavailable("reading word rows", err)
	}
	return out, nil
}

// wordIDs resolves the ids stored for text: narrow by hash key, confirm by
// exact text. Duplicate rows from an unsafe multi-writer build all match.
func (s *Store) wordIDs(ctx context.Context, text string) ([]int64, error) {
	candidates, err := s.WordsByHashKeys(ctx, []int64{vocab.HashKey(text)})
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, c := range candidates {
		if c.Text == text {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (s *Store) hasDocument(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.DB.QueryRowContext(ctx, s.db.Rebind(`SELECT 1 FROM ebooks WHERE ebook_id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.StoreUnavailable("checking ebook", err)
	}
	return true, nil
}
