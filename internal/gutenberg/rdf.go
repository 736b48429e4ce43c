package gutenberg

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
)

const (
	nsRDF     = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	nsDCTerms = "http://purl.org/dc/terms/"
	nsPGTerms = "http://www.gutenberg.org/2009/pgterms/"
)

type rdfDocument struct {
	XMLName xml.Name `xml:"http://www.w3.org/1999/02/22-rdf-syntax-ns# RDF"`
	Ebook   rdfEbook `xml:"http://www.gutenberg.org/2009/pgterms/ ebook"`
}

type rdfEbook struct {
	Titles    []string      `xml:"http://purl.org/dc/terms/ title"`
	Creators  []rdfCreator  `xml:"http://purl.org/dc/terms/ creator"`
	Languages []rdfLanguage `xml:"http://purl.org/dc/terms/ language"`
}

type rdfCreator struct {
	Agent struct {
		Name string `xml:"http://www.gutenberg.org/2009/pgterms/ name"`
	} `xml:"http://www.gutenberg.org/2009/pgterms/ agent"`
}

type rdfLanguage struct {
	Description struct {
		Value string `xml:"http://www.w3.org/1999/02/22-rdf-syntax-ns# value"`
	} `xml:"http://www.w3.org/1999/02/22-rdf-syntax-ns# Description"`
}

// ParseMetadata reads a pg{id}.rdf catalogue record. The first title and
// the first language are used; creators keep their catalogue order.
func ParseMetadata(id int64, r io.Reader) (corpus.Document, error) {
	var doc rdfDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return corpus.Document{}, fmt.Errorf("parsing rdf for ebook %d: %w", id, err)
	}
	e := doc.Ebook
	if len(e.Titles) == 0 || strings.TrimSpace(e.Titles[0]) == "" {
		return corpus.Document{}, fmt.Errorf("ebook %d: rdf has no title", id)
	}
	out := corpus.Document{
		ID:      id,
		Title:   normalizeTitle(e.Titles[0]),
		Authors: make([]string, 0, len(e.Creators)),
	}
	for _, l := range e.Languages {
		if v := strings.TrimSpace(l.Description.Value); v != "" {
			out.Language = v
			break
		}
	}
	for _, c := range e.Creators {
		if name := strings.TrimSpace(c.Agent.Name); name != "" {
			out.Authors = append(out.Authors, name)
		}
	}
	return out, nil
}

// normalizeTitle keeps line breaks, which separate title and subtitle, but
// drops carriage returns and surrounding blanks on each line.
func normalizeTitle(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r", ""), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}
