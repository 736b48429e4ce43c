// Package corpus defines the records that flow between the upstream document
// source, the ingestion pipeline, the shard stores and the query path.
package corpus

// Document is bibliographic metadata for one ebook. The id determines the
// owning shard.
type Document struct {
	ID       int64    `json:"document_id"`
	Title    string   `json:"title"`
	Authors  []string `json:"authors"`
	Language string   `json:"language,omitempty"`
}

// Record is what the upstream collaborator hands the pipeline: a document
// with its raw text, or a reason why no text could be produced.
type Record struct {
	Document
	Text       string `json:"text,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// Skipped reports whether upstream gave up on the document.
func (r Record) Skipped() bool {
	return r.SkipReason != ""
}

// Frequency is the occurrence count of one word in one document.
type Frequency struct {
	WordID int64
	Count  int
}

// IndexedDocument is the unit handed to the frequency writer: metadata plus
// every (word, count) pair of the document.
type IndexedDocument struct {
	Document    Document
	Frequencies []Frequency
}

// WordFrequency is one row of a top-words answer.
type WordFrequency struct {
	Frequency int    `json:"frequency"`
	Word      string `json:"word"`
}

// DocumentFrequency is one row of a top-documents answer.
type DocumentFrequency struct {
	Frequency  int      `json:"frequency"`
	DocumentID int64    `json:"document_id"`
	Title      string   `json:"title"`
	Authors    []string `json:"authors"`
}
