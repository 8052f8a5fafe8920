package app

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"cardstudio/api/internal/blob"
	"cardstudio/api/internal/export"
	"cardstudio/api/internal/search"
	"cardstudio/api/internal/store"
	"cardstudio/api/internal/util"
)

func (s *Service) Search(ctx context.Context, userID, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	if limit < 0 || offset < 0 {
		return search.Response{}, validationError("limit and offset must not be negative", nil)
	}
	return s.search.Search(ctx, search.Query{UserID: userID, Text: text, Limit: limit, Offset: offset}), nil
}

// Reindex pushes every journal entry to the search engine.
func (s *Service) Reindex(ctx context.Context) (map[string]any, error) {
	if s.search == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	entries, err := s.store.ListAllEntries(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]search.EntryRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, recordOf(entry))
	}
	indexed, err := s.search.Reindex(ctx, records)
	if err != nil {
		s.logger.Error("reindex failed", zap.Int("indexed", indexed), zap.Error(err))
		return nil, domainError(http.StatusServiceUnavailable, "REINDEX_FAILED", "Search engine unavailable", map[string]any{"indexed": indexed})
	}
	return map[string]any{"indexed": indexed, "total": len(records)}, nil
}

type ExportInput struct {
	Format       string `json:"format"`
	IncludeCard  *bool  `json:"includeCard"`
	IncludeNotes *bool  `json:"includeNotes"`
	// Since and Until are RFC 3339 bounds on entry creation time.
	Since string `json:"since"`
	Until string `json:"until"`
}

func (in ExportInput) window() (since, until time.Time, err error) {
	details := map[string]string{}
	parse := func(field, raw string) time.Time {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return time.Time{}
		}
		parsed, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			details[field] = "Must be an RFC 3339 timestamp"
		}
		return parsed
	}
	since = parse("since", in.Since)
	until = parse("until", in.Until)
	if len(details) == 0 && !since.IsZero() && !until.IsZero() && until.Before(since) {
		details["until"] = "Must not be before since"
	}
	if len(details) > 0 {
		return time.Time{}, time.Time{}, validationError("invalid export range", details)
	}
	return since, until, nil
}

// Export renders the journal. With object storage configured the file is
// uploaded and a download URL returned, otherwise the bytes are inlined.
func (s *Service) Export(ctx context.Context, userID string, input ExportInput) (map[string]any, error) {
	format, ok := export.ParseFormat(input.Format)
	if !ok {
		return nil, validationError("format must be pdf or docx", map[string]string{"format": "Unsupported format"})
	}
	since, until, err := input.window()
	if err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}

	result, err := s.exporter.Export(ctx, export.Request{
		UserID:       userID,
		Format:       format,
		IncludeCard:  input.IncludeCard == nil || *input.IncludeCard,
		IncludeNotes: input.IncludeNotes == nil || *input.IncludeNotes,
		Since:        since,
		Until:        until,
	})
	if err != nil {
		switch {
		case errors.Is(err, export.ErrNothingToExport):
			return nil, domainError(http.StatusUnprocessableEntity, "NOTHING_TO_EXPORT", "Write an entry before exporting", nil)
		case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil)
		}
		return nil, err
	}

	payload := map[string]any{
		"filename": result.Filename,
		"mimeType": result.MimeType,
		"size":     len(result.Data),
	}
	if s.blobs == nil {
		payload["data"] = base64.StdEncoding.EncodeToString(result.Data)
		return payload, nil
	}

	artifactID := util.NewID("exp")
	key := blob.ExportKey(userID, artifactID, string(format), s.now())
	object, err := s.blobs.Put(ctx, key, result.MimeType, result.Filename, result.Data)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertExportArtifact(ctx, store.ExportArtifact{
		ID:        artifactID,
		UserID:    userID,
		Format:    string(format),
		ObjectKey: object.Key,
		SizeBytes: object.Size,
	}); err != nil {
		s.logger.Warn("record export artifact", zap.String("key", object.Key), zap.Error(err))
	}
	payload["url"] = object.URL
	payload["expiresAt"] = object.ExpiresAt
	return payload, nil
}
