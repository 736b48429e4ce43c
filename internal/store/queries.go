package store

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/database"
	apperrors "github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/pkg/errors"
)

// maxPrealloc caps result slice capacity; limit comes from callers.
const maxPrealloc = 256

// TopWords returns the most frequent words of one ebook, ties broken by word.
func (s *Store) TopWords(ctx context.Context, docID int64, limit int) ([]corpus.WordFrequency, error) {
	rows, err := s.db.DB.QueryContext(ctx, s.db.Rebind(`
		SELECT ew.frequency, w.value
		FROM ebook_words ew
		JOIN words w ON w.word_id = ew.word_id
		WHERE ew.ebook_id = ?
		ORDER BY ew.frequency DESC, w.value ASC
		LIMIT ?`), docID, limit)
	if err != nil {
		return nil, apperrors.StoreUnavailable("querying top words", err)
	}
	defer rows.Close()

	out := make([]corpus.WordFrequency, 0, min(limit, maxPrealloc))
	for rows.Next() {
		var wf corpus.WordFrequency
		if err := rows.Scan(&wf.Frequency, &wf.Word); err != nil {
			return nil, apperrors.StoreUnavailable("scanning top words", err)
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StoreUnavailable("reading top words", err)
	}
	if len(out) == 0 {
		exists, err := s.hasDocument(ctx, docID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("ebook %d in shard %s: %w", docID, s.shardID, apperrors.ErrDocumentNotFound)
		}
	}
	return out, nil
}

// TopDocuments returns the shard's ebooks where word is most frequent, ties
// broken by ebook id.
func (s *Store) TopDocuments(ctx context.Context, word string, limit int) ([]corpus.DocumentFrequency, error) {
	ids, err := s.wordIDs(ctx, word)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []corpus.DocumentFrequency{}, nil
	}
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, limit)
	rows, err := s.db.DB.QueryContext(ctx, s.db.Rebind(`
		SELECT ew.frequency, e.ebook_id, e.title
		FROM ebook_words ew
		JOIN ebooks e ON e.ebook_id = ew.ebook_id
		WHERE ew.word_id IN `+database.Placeholders(1, len(ids))+`
		ORDER BY ew.frequency DESC, e.ebook_id ASC
		LIMIT ?`), args...)
	if err != nil {
		return nil, apperrors.StoreUnavailable("querying top documents", err)
	}
	defer rows.Close()

	out := make([]corpus.DocumentFrequency, 0, min(limit, maxPrealloc))
	for rows.Next() {
		var df corpus.DocumentFrequency
		if err := rows.Scan(&df.Frequency, &df.DocumentID, &df.Title); err != nil {
			return nil, apperrors.StoreUnavailable("scanning top documents", err)
		}
		df.Authors = []string{}
		out = append(out, df)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StoreUnavailable("reading top documents", err)
	}
	if err := s.attachAuthors(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) attachAuthors(ctx context.Context, docs []corpus.DocumentFrequency) error {
	if len(docs) == 0 {
		return nil
	}
	byID := make(map[int64]*corpus.DocumentFrequency, len(docs))
	args := make([]any, 0, len(docs))
	for i := range docs {
		byID[docs[i].DocumentID] = &docs[i]
		args = append(args, docs[i].DocumentID)
	}
	rows, err := s.db.DB.QueryContext(ctx, s.db.Rebind(`
		SELECT ebook_id, name FROM ebook_authors
		WHERE ebook_id IN `+database.Placeholders(1, len(args))+`
		ORDER BY ebook_id, position`), args...)
	if err != nil {
		return apperrors.StoreUnavailable("querying authors", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return apperrors.StoreUnavailable("scanning author", err)
		}
		if d, ok := byID[id]; ok {
			d.Authors = append(d.Authors, name)
		}
	}
	if err := rows.Err(); err != nil {
		return apperrors.StoreUnavailable("reading authors", err)
	}
	return nil
}
