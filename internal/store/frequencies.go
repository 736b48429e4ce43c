package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/database"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
)

// IngestedDocumentIDs returns the ids of every ebook stored in the shard.
func (s *Store) IngestedDocumentIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT ebook_id FROM ebooks`)
	if err != nil {
		return nil, apperrors.StoreUnavailable("listing ebooks", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.StoreUnavailable("scanning ebook id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StoreUnavailable("reading ebook ids", err)
	}
	return ids, nil
}

// WriteDocuments stores a batch of ebooks, their authors and word frequencies
// in one transaction. Either every document of the batch becomes visible or
// none does.
func (s *Store) WriteDocuments(ctx context.Context, docs []corpus.IndexedDocument) error {
	if len(docs) == 0 {
		return nil
	}
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		insertEbook := s.db.Rebind(`INSERT INTO ebooks (ebook_id, title, language) VALUES (?, ?, ?)`)
		insertAuthor := s.db.Rebind(`INSERT INTO ebook_authors (ebook_id, position, name) VALUES (?, ?, ?)`)
		for _, d := range docs {
			if _, err := tx.ExecContext(ctx, insertEbook, d.Document.ID, d.Document.Title, nullable(d.Document.Language)); err != nil {
				return apperrors.StoreUnavailable(fmt.Sprintf("inserting ebook %d", d.Document.ID), err)
			}
			for pos, name := range d.Document.Authors {
				if _, err := tx.ExecContext(ctx, insertAuthor, d.Document.ID, pos, name); err != nil {
					return apperrors.StoreUnavailable(fmt.Sprintf("inserting author of ebook %d", d.Document.ID), err)
				}
			}
		}
		return s.insertFrequencies(ctx, tx, docs)
	})
}

func (s *Store) insertFrequencies(ctx context.Context, tx *sql.Tx, docs []corpus.IndexedDocument) error {
	args := make([]any, 0, 3*frequencyChunk)
	rows := 0
	flush := func() error {
		if rows == 0 {
			return nil
		}
		query := s.db.Rebind(`INSERT INTO ebook_words (ebook_id, word_id, frequency) VALUES ` + database.Placeholders(rows, 3))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return apperrors.StoreUnavailable(fmt.Sprintf("inserting %d frequency rows", rows), err)
		}
		args = args[:0]
		rows = 0
		return nil
	}
	for _, d := range docs {
		for _, f := range d.Frequencies {
			args = append(args, d.Document.ID, f.WordID, f.Count)
			rows++
			if rows == frequencyChunk {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
