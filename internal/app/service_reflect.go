package app

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"cardstudio/api/internal/prompts"
	"cardstudio/api/internal/signals"
	"cardstudio/api/internal/store"
	"cardstudio/api/internal/util"
)

const (
	promptRecentEntries   = 7
	promptPreviousPrompts = 5
	patternEntryLimit     = 30
	missingCardPromptID   = "missing-card"
	missingCardPromptText = "Create your Future-Self Card to unlock reflection prompts."
)

// NextPrompt generates and records the next reflection prompt. Prompt ids
// in excludeIDs are left out of the repetition context.
func (s *Service) NextPrompt(ctx context.Context, userID string, excludeIDs []string) (map[string]any, error) {
	card, err := s.loadSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return map[string]any{"prompt": map[string]any{
			"id":        missingCardPromptID,
			"text":      missingCardPromptText,
			"category":  prompts.CategoryValue,
			"cardField": "values",
		}}, nil
	}

	entries, err := s.store.ListEntries(ctx, userID, promptRecentEntries)
	if err != nil {
		return nil, err
	}
	recent := make([]string, 0, len(entries))
	for _, entry := range entries {
		recent = append(recent, entry.Content)
	}

	excluded := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}
	history, err := s.store.ListRecentPrompts(ctx, userID, promptPreviousPrompts+len(excluded))
	if err != nil {
		return nil, err
	}
	previous := make([]string, 0, promptPreviousPrompts)
	for _, item := range history {
		if _, skip := excluded[item.ID]; skip {
			continue
		}
		if len(previous) == promptPreviousPrompts {
			break
		}
		previous = append(previous, item.PromptText)
	}

	generated := s.reflector.GeneratePrompt(ctx, *card, recent, previous)
	saved, err := s.store.CreatePromptHistory(ctx, store.PromptHistory{
		ID:         util.NewID("prm"),
		UserID:     userID,
		PromptType: generated.Category,
		CardField:  generated.CardField,
		PromptText: generated.Text,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"prompt": map[string]any{
		"id":        saved.ID,
		"text":      saved.PromptText,
		"category":  saved.PromptType,
		"cardField": saved.CardField,
	}}, nil
}

// Patterns summarises consented entries against the card.
func (s *Service) Patterns(ctx context.Context, userID string) (map[string]any, error) {
	card, err := s.loadSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, domainError(http.StatusBadRequest, "CARD_REQUIRED", "Create your Future-Self Card before analysing patterns", nil)
	}

	entries, err := s.store.ListConsentedEntries(ctx, userID, patternEntryLimit)
	if err != nil {
		return nil, err
	}
	items := make([]signals.Entry, 0, len(entries))
	for _, entry := range entries {
		items = append(items, signals.Entry{Content: entry.Content, CreatedAt: entry.CreatedAt})
	}

	summary := s.reflector.GeneratePatternAnalysis(ctx, items, *card)
	s.logger.Debug("pattern analysis", zap.String("user_id", userID), zap.Int("entries", len(items)))
	return map[string]any{
		"summary":    summary,
		"entryCount": len(items),
	}, nil
}
