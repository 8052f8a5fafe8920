package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cardstudio/api/internal/cardhistory"
	"cardstudio/api/internal/store"
	"go.uber.org/zap"
)

// DataStore is the read side the exporter needs.
type DataStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetCardByUser(ctx context.Context, userID string) (*store.Card, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]store.JournalEntry, error)
	ListMarginNotes(ctx context.Context, entryID string) ([]store.MarginNote, error)
}

type Service struct {
	store      DataStore
	converters map[Format]Converter
	logger     *zap.Logger
	now        func() time.Time
}

func NewService(ds DataStore, pdf, docx Converter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	converters := map[Format]Converter{}
	if pdf != nil {
		converters[FormatPDF] = pdf
	}
	if docx != nil {
		converters[FormatDOCX] = docx
	}
	return &Service{store: ds, converters: converters, logger: logger.Named("export"), now: time.Now}
}

// Export renders the user's entries oldest first.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	converter, ok := s.converters[req.Format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	if err := converter.Available(); err != nil {
		return nil, err
	}

	data, err := s.buildTemplateData(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(data.Entries) == 0 {
		return nil, ErrNothingToExport
	}

	html, err := RenderJournalHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render journal: %w", err)
	}

	started := s.now()
	output, err := converter.Convert(ctx, html)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", req.Format, err)
	}
	s.logger.Info("journal exported",
		zap.String("user_id", req.UserID),
		zap.String("format", string(req.Format)),
		zap.Int("entries", len(data.Entries)),
		zap.Int("bytes", len(output)),
		zap.Duration("duration", s.now().Sub(started)),
	)

	return &Result{
		Data:     output,
		Filename: sanitizeFilename("journal-"+data.AuthorName+"-"+data.GeneratedAt.Format("2006-01-02")) + "." + string(req.Format),
		MimeType: mimeTypes[req.Format],
	}, nil
}

func (s *Service) buildTemplateData(ctx context.Context, req Request) (TemplateData, error) {
	user, err := s.store.GetUserByID(ctx, req.UserID)
	if err != nil {
		return TemplateData{}, fmt.Errorf("get user: %w", err)
	}
	data := TemplateData{
		Title:       "Journal",
		AuthorName:  user.DisplayName,
		GeneratedAt: s.now(),
	}

	if req.IncludeCard {
		card, err := s.store.GetCardByUser(ctx, req.UserID)
		if err != nil {
			return TemplateData{}, fmt.Errorf("get card: %w", err)
		}
		if card != nil {
			snapshot := cardhistory.Snapshot{
				Values:       card.Values,
				SixMonthGoal: card.SixMonthGoal,
				FiveYearGoal: card.FiveYearGoal,
				Constraints:  card.Constraints,
				AntiGoals:    card.AntiGoals,
				IdentityStmt: card.IdentityStmt,
			}
			data.Card = &snapshot
		}
	}

	entries, err := s.store.ListEntries(ctx, req.UserID, 0)
	if err != nil {
		return TemplateData{}, fmt.Errorf("list entries: %w", err)
	}
	// ListEntries is newest first; the export reads chronologically.
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if !req.Since.IsZero() && entry.CreatedAt.Before(req.Since) {
			continue
		}
		if !req.Until.IsZero() && entry.CreatedAt.After(req.Until) {
			continue
		}
		if strings.TrimSpace(entry.Content) == "" {
			continue
		}
		item := TemplateEntry{CreatedAt: entry.CreatedAt, Body: TextToHTML(entry.Content)}
		if req.IncludeNotes {
			notes, err := s.store.ListMarginNotes(ctx, entry.ID)
			if err != nil {
				return TemplateData{}, fmt.Errorf("list margin notes: %w", err)
			}
			for _, note := range notes {
				body := note.Body
				if strings.TrimSpace(body) == strings.TrimSpace(note.Summary) {
					body = ""
				}
				item.Notes = append(item.Notes, TemplateNote{Category: note.Category, Summary: note.Summary, Body: body})
			}
		}
		data.Entries = append(data.Entries, item)
	}
	return data, nil
}

func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	result := b.String()
	if len(result) > 60 {
		result = result[:60]
	}
	if result == "" {
		result = "journal"
	}
	return result
}
