package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const entriesIndex = "cardstudio_entries"

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili is the Meilisearch backend. A background loop tracks health and
// reapplies index settings after an outage.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
	stopped chan struct{}
}

// NewMeili never fails; an unreachable server starts out unhealthy.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client:  meili.New(url, meili.WithAPIKey(apiKey)),
		logger:  logger.Named("meili"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop(10 * time.Second)
	return m
}

func (m *Meili) Name() string { return "meilisearch" }

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        entriesIndex,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.Error(err))
	}

	index := m.client.Index(entriesIndex)
	filterable := []interface{}{"userId", "createdAt"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"content"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop(every time.Duration) {
	defer close(m.stopped)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Swap(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the health loop and waits for it to exit.
func (m *Meili) Close() {
	close(m.done)
	<-m.stopped
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}
	q = q.normalized()

	resp, err := m.client.MultiSearchWithContext(ctx, &meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              entriesIndex,
			Query:                 q.Text,
			Limit:                 int64(q.Limit),
			Offset:                int64(q.Offset),
			Filter:                userFilter(q.UserID),
			AttributesToHighlight: []string{"content"},
			AttributesToCrop:      []string{"content"},
			CropLength:            30,
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, fmt.Errorf("meilisearch multi-search: %w", ctx.Err())
		}
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	results := []Result{}
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			result := hitToResult(hit)
			if result.EntryID == "" {
				continue
			}
			results = append(results, result)
		}
	}
	return results, total, nil
}

func userFilter(userID string) string {
	return fmt.Sprintf("userId = %q", userID)
}

func hitToResult(hit meili.Hit) Result {
	result := Result{EntryID: decodeString(hit, "id")}
	if raw, ok := hit["createdAt"]; ok {
		var unix int64
		if err := json.Unmarshal(raw, &unix); err == nil && unix > 0 {
			result.CreatedAt = time.Unix(unix, 0).UTC()
		}
	}
	result.Snippet = firstNonBlank(decodeFormatted(hit, "content"), decodeString(hit, "content"))
	return result
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// decodeFormatted reads one string field out of _formatted, which also
// carries non-string attributes.
func decodeFormatted(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexEntries(ctx context.Context, records []EntryRecord) error {
	if len(records) == 0 {
		return nil
	}
	if _, err := m.client.Index(entriesIndex).AddDocumentsWithContext(ctx, records, nil); err != nil {
		return fmt.Errorf("index entries: %w", err)
	}
	return nil
}

func (m *Meili) DeleteEntry(ctx context.Context, id string) error {
	if _, err := m.client.Index(entriesIndex).DeleteDocumentWithContext(ctx, id, nil); err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	return nil
}
