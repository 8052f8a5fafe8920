package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"cardstudio/api/internal/cardarchive"
	"cardstudio/api/internal/cardhistory"
	"cardstudio/api/internal/store"
	"cardstudio/api/internal/util"
)

const (
	cardRevisionLimit    = 10
	historyRevisionLimit = 25
	archiveCommitLimit   = 50
	minCardValues        = 3
	maxCardValues        = 5
	minAnnotationLength  = 3
)

type CardPayload struct {
	Values       []string `json:"values"`
	SixMonthGoal string   `json:"sixMonthGoal"`
	FiveYearGoal string   `json:"fiveYearGoal"`
	Constraints  string   `json:"constraints"`
	AntiGoals    string   `json:"antiGoals"`
	IdentityStmt string   `json:"identityStmt"`
	Annotation   string   `json:"annotation"`
}

// validateCard trims the payload and reports every failing field.
func validateCard(payload CardPayload) (store.CardFields, string, error) {
	details := map[string]string{}

	values := make([]string, 0, len(payload.Values))
	for _, value := range payload.Values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			details["values"] = "Value cannot be empty"
		}
		values = append(values, trimmed)
	}
	switch {
	case len(values) < minCardValues:
		details["values"] = "Add at least 3 values"
	case len(values) > maxCardValues:
		details["values"] = "Maximum 5 values"
	}

	fields := store.CardFields{
		Values:       values,
		SixMonthGoal: strings.TrimSpace(payload.SixMonthGoal),
		FiveYearGoal: strings.TrimSpace(payload.FiveYearGoal),
		Constraints:  strings.TrimSpace(payload.Constraints),
		AntiGoals:    strings.TrimSpace(payload.AntiGoals),
		IdentityStmt: strings.TrimSpace(payload.IdentityStmt),
	}
	required := []struct {
		key, value, message string
	}{
		{"sixMonthGoal", fields.SixMonthGoal, "6-month goal is required"},
		{"fiveYearGoal", fields.FiveYearGoal, "5-year goal is required"},
		{"constraints", fields.Constraints, "Constraints help ground reflection"},
		{"antiGoals", fields.AntiGoals, "Capture at least one anti-goal"},
		{"identityStmt", fields.IdentityStmt, "Identity statement is required"},
	}
	for _, field := range required {
		if field.value == "" {
			details[field.key] = field.message
		}
	}

	annotation := strings.TrimSpace(payload.Annotation)
	if len([]rune(annotation)) < minAnnotationLength {
		details["annotation"] = "Share a short note on what prompted this change"
	}

	if len(details) > 0 {
		return store.CardFields{}, "", validationError("Card is invalid", details)
	}
	return fields, annotation, nil
}

func (s *Service) GetCard(ctx context.Context, userID string) (map[string]any, error) {
	card, err := s.store.GetCardByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return map[string]any{"card": nil}, nil
	}
	revisions, err := s.store.ListCardRevisions(ctx, card.ID, cardRevisionLimit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"card": cardView(*card, revisions)}, nil
}

// SaveCard stores the card and a revision in one transaction, then mirrors
// the new state into the card archive.
func (s *Service) SaveCard(ctx context.Context, current Session, payload CardPayload) (map[string]any, error) {
	fields, annotation, err := validateCard(payload)
	if err != nil {
		return nil, err
	}

	card, revision, err := s.store.SaveCard(ctx, current.UserID, util.NewID("card"), util.NewID("rev"), fields, annotation)
	if err != nil {
		return nil, err
	}
	s.logger.Info("card saved",
		zap.String("user_id", current.UserID),
		zap.String("card_id", card.ID),
		zap.String("revision_id", revision.ID),
	)

	if s.archive != nil {
		if _, err := s.archive.Record(current.UserID, snapshotOf(card), annotation, current.UserName); err != nil {
			s.logger.Warn("archive card", zap.String("user_id", current.UserID), zap.Error(err))
		}
	}

	revisions, err := s.store.ListCardRevisions(ctx, card.ID, cardRevisionLimit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"card": cardView(card, revisions)}, nil
}

// CardHistory returns recent revisions with per-revision diffs and field
// stability markers.
func (s *Service) CardHistory(ctx context.Context, userID string) (map[string]any, error) {
	card, err := s.store.GetCardByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return historyPayload(nil, nil), nil
	}

	rows, err := s.store.ListCardRevisions(ctx, card.ID, historyRevisionLimit)
	if err != nil {
		return nil, err
	}
	revisions := make([]cardhistory.Revision, 0, len(rows))
	for _, row := range rows {
		snapshot, err := cardhistory.ParseSnapshot(row.Snapshot)
		if err != nil {
			s.logger.Warn("skip unreadable revision", zap.String("revision_id", row.ID), zap.Error(err))
			continue
		}
		revisions = append(revisions, cardhistory.Revision{
			ID:         row.ID,
			EditedAt:   row.EditedAt,
			Annotation: row.Annotation,
			Snapshot:   snapshot,
		})
	}
	current := snapshotOf(*card)
	return historyPayload(revisions, &current), nil
}

func historyPayload(revisions []cardhistory.Revision, current *cardhistory.Snapshot) map[string]any {
	withDiffs := cardhistory.PrepareRevisionsWithDiffs(revisions, current)
	stats := cardhistory.CalculateFieldStats(revisions, current)

	items := make([]map[string]any, 0, len(withDiffs))
	for _, revision := range withDiffs {
		items = append(items, map[string]any{
			"id":            revision.ID,
			"editedAt":      revision.EditedAt,
			"editedAtLabel": cardhistory.FormatRevisionDate(revision.EditedAt),
			"shortDate":     cardhistory.FormatShortDate(revision.EditedAt),
			"annotation":    revision.Annotation,
			"snapshot":      revision.Snapshot,
			"diff":          revision.Diff,
		})
	}

	stability := make(map[string]any, len(cardhistory.Fields))
	for _, field := range cardhistory.Fields {
		count := stats[field]
		stability[string(field)] = map[string]any{
			"label":         cardhistory.FieldLabels[field],
			"editCount":     count,
			"showIndicator": cardhistory.ShouldShowStabilityIndicator(count),
			"dots":          cardhistory.StabilityDots(count),
		}
	}

	return map[string]any{
		"revisions":  items,
		"fieldStats": stats,
		"totalEdits": cardhistory.TotalEditCount(stats),
		"stability":  stability,
	}
}

func (s *Service) CardArchive(ctx context.Context, userID string) (map[string]any, error) {
	if s.archive == nil {
		return map[string]any{"commits": []cardarchive.Commit{}}, nil
	}
	commits, err := s.archive.History(userID, archiveCommitLimit)
	if err != nil {
		return nil, err
	}
	if commits == nil {
		commits = []cardarchive.Commit{}
	}
	return map[string]any{"commits": commits}, nil
}

// CardArchiveSnapshot returns the card as it was at one archive commit.
func (s *Service) CardArchiveSnapshot(ctx context.Context, userID, hash string) (map[string]any, error) {
	if s.archive == nil {
		return nil, notFound("Card archive is not enabled")
	}
	snapshot, err := s.archive.SnapshotAt(userID, hash)
	if err != nil {
		return nil, archiveError(err)
	}
	if snapshot.Values == nil {
		snapshot.Values = []string{}
	}
	return map[string]any{"hash": hash, "card": snapshot}, nil
}

// CompareCardArchive diffs the card between two archive commits.
func (s *Service) CompareCardArchive(ctx context.Context, userID, fromHash, toHash string) (map[string]any, error) {
	details := map[string]string{}
	if strings.TrimSpace(fromHash) == "" {
		details["from"] = "Required"
	}
	if strings.TrimSpace(toHash) == "" {
		details["to"] = "Required"
	}
	if len(details) > 0 {
		return nil, validationError("from and to are required", details)
	}
	if s.archive == nil {
		return nil, notFound("Card archive is not enabled")
	}
	diff, err := s.archive.Compare(userID, fromHash, toHash)
	if err != nil {
		return nil, archiveError(err)
	}
	return map[string]any{"from": fromHash, "to": toHash, "diff": diff}, nil
}

func archiveError(err error) error {
	if errors.Is(err, cardarchive.ErrNoArchive) || errors.Is(err, cardarchive.ErrUnknownCommit) {
		return notFound("Archive commit not found")
	}
	return err
}

func snapshotOf(card store.Card) cardhistory.Snapshot {
	return cardhistory.Snapshot{
		Values:       card.Values,
		SixMonthGoal: card.SixMonthGoal,
		FiveYearGoal: card.FiveYearGoal,
		Constraints:  card.Constraints,
		AntiGoals:    card.AntiGoals,
		IdentityStmt: card.IdentityStmt,
	}
}

func cardView(card store.Card, revisions []store.CardRevision) map[string]any {
	items := make([]map[string]any, 0, len(revisions))
	for _, revision := range revisions {
		snapshot := revision.Snapshot
		if len(snapshot) == 0 {
			snapshot = json.RawMessage(`{}`)
		}
		items = append(items, map[string]any{
			"id":         revision.ID,
			"cardId":     revision.CardID,
			"annotation": revision.Annotation,
			"snapshot":   snapshot,
			"editedAt":   revision.EditedAt,
		})
	}
	values := card.Values
	if values == nil {
		values = []string{}
	}
	return map[string]any{
		"id":           card.ID,
		"userId":       card.UserID,
		"values":       values,
		"sixMonthGoal": card.SixMonthGoal,
		"fiveYearGoal": card.FiveYearGoal,
		"constraints":  card.Constraints,
		"antiGoals":    card.AntiGoals,
		"identityStmt": card.IdentityStmt,
		"createdAt":    card.CreatedAt,
		"updatedAt":    card.UpdatedAt,
		"revisions":    items,
	}
}
