// Package search finds journal entries by text. Meilisearch serves queries
// when it is healthy; Postgres full-text search covers the rest.
package search

import (
	"context"
	"time"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Result is one matching journal entry.
type Result struct {
	EntryID   string    `json:"entryId"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"createdAt"`
}

// Query is always scoped to one user.
type Query struct {
	UserID string
	Text   string
	Limit  int
	Offset int
}

func (q Query) normalized() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// EntryRecord is the indexed form of a journal entry. Times are unix
// seconds so the index can sort on them.
type EntryRecord struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

type Indexer interface {
	IndexEntries(ctx context.Context, records []EntryRecord) error
	DeleteEntry(ctx context.Context, id string) error
}

// Backend is a search engine that can also be written to.
type Backend interface {
	Searcher
	Indexer
	Name() string
}
