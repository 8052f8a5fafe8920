package search

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const reindexBatchSize = 500

// Service tries the primary backend first and falls back to the secondary
// searcher. Index writes go to the primary only and run in the background.
type Service struct {
	primary  Backend
	fallback Searcher
	logger   *zap.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewService accepts a nil primary when no search engine is configured.
func NewService(primary Backend, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		primary:  primary,
		fallback: fallback,
		logger:   logger.Named("search"),
		timeout:  10 * time.Second,
	}
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q = q.normalized()
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}

	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: s.primary.Name()}
		}
		s.logger.Warn("primary search failed, falling back", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	engine := ""
	if named, ok := s.fallback.(interface{ Name() string }); ok {
		engine = named.Name()
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: engine}
}

// IndexEntry pushes one entry to the primary backend without blocking the
// caller.
func (s *Service) IndexEntry(record EntryRecord) {
	if !s.primaryReady() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.primary.IndexEntries(ctx, []EntryRecord{record}); err != nil {
			s.logger.Warn("index entry", zap.String("entry_id", record.ID), zap.Error(err))
		}
	}()
}

func (s *Service) DeleteEntry(id string) {
	if !s.primaryReady() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.primary.DeleteEntry(ctx, id); err != nil {
			s.logger.Warn("delete entry", zap.String("entry_id", id), zap.Error(err))
		}
	}()
}

// Reindex writes every record to the primary backend in batches and
// returns how many were sent.
func (s *Service) Reindex(ctx context.Context, records []EntryRecord) (int, error) {
	if !s.primaryReady() {
		return 0, fmt.Errorf("reindex: %w", errUnhealthy)
	}
	sent := 0
	for start := 0; start < len(records); start += reindexBatchSize {
		if err := ctx.Err(); err != nil {
			return sent, fmt.Errorf("reindex: %w", err)
		}
		end := min(start+reindexBatchSize, len(records))
		if err := s.primary.IndexEntries(ctx, records[start:end]); err != nil {
			return sent, fmt.Errorf("reindex batch at %d: %w", start, err)
		}
		sent = end
	}
	s.logger.Info("reindex complete", zap.Int("entries", sent))
	return sent, nil
}

// Wait blocks until background index writes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
