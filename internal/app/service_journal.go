package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cardstudio/api/internal/cardhistory"
	"cardstudio/api/internal/reflect"
	"cardstudio/api/internal/search"
	"cardstudio/api/internal/signals"
	"cardstudio/api/internal/store"
	"cardstudio/api/internal/util"
)

const (
	previewLength       = 180
	insightHistoryLimit = 30
)

func (s *Service) ListEntries(ctx context.Context, userID string) (map[string]any, error) {
	entries, err := s.store.ListEntries(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := entryView(entry)
		item["preview"] = preview(entry.Content)
		items = append(items, item)
	}
	return map[string]any{"entries": items}, nil
}

func (s *Service) CreateEntry(ctx context.Context, userID string, content *string) (map[string]any, error) {
	body := ""
	if content != nil {
		body = *content
	}
	entry, err := s.store.CreateEntry(ctx, store.JournalEntry{
		ID:      util.NewID("ent"),
		UserID:  userID,
		Content: body,
	})
	if err != nil {
		return nil, err
	}
	s.indexEntry(entry)
	return map[string]any{"entry": entryView(entry)}, nil
}

// GetEntry returns the entry with its margin notes, questions and
// responses. Entries owned by someone else read as missing.
func (s *Service) GetEntry(ctx context.Context, userID, entryID string) (map[string]any, error) {
	entry, err := s.loadEntry(ctx, userID, entryID)
	if err != nil {
		return nil, err
	}

	var (
		notes     []store.MarginNote
		questions []store.ReflectionQuestion
		responses []store.ScaffoldResponse
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() (err error) {
		notes, err = s.store.ListMarginNotes(groupCtx, entry.ID)
		return err
	})
	group.Go(func() (err error) {
		questions, err = s.store.ListReflectionQuestions(groupCtx, entry.ID)
		return err
	})
	group.Go(func() (err error) {
		responses, err = s.store.ListScaffoldResponses(groupCtx, entry.ID)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	view := entryView(entry)
	view["marginNotes"] = noteViews(notes)
	view["reflectionQuestions"] = questionViews(questions)
	view["scaffoldResponses"] = responseViews(responses)
	return map[string]any{"entry": view}, nil
}

func (s *Service) UpdateEntry(ctx context.Context, userID, entryID string, content *string, consent *bool) (map[string]any, error) {
	entry, err := s.store.UpdateEntry(ctx, userID, entryID, content, consent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Entry not found")
		}
		return nil, err
	}
	if content != nil {
		s.indexEntry(entry)
	}
	return map[string]any{"entry": entryView(entry)}, nil
}

// DeleteEntry removes the entry and everything generated for it, then
// drops it from the search index.
func (s *Service) DeleteEntry(ctx context.Context, userID, entryID string) (map[string]any, error) {
	if err := s.store.DeleteEntry(ctx, userID, entryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Entry not found")
		}
		return nil, err
	}
	if s.search != nil {
		s.search.DeleteEntry(entryID)
	}
	s.logger.Info("journal entry deleted", zap.String("entry_id", entryID))
	return map[string]any{"ok": true, "id": entryID}, nil
}

func (s *Service) AddScaffoldResponse(ctx context.Context, userID, entryID string, questionID *string, response string) (map[string]any, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return nil, validationError("response is required", map[string]string{"response": "Response cannot be empty"})
	}
	if questionID != nil && strings.TrimSpace(*questionID) == "" {
		questionID = nil
	}
	entry, err := s.loadEntry(ctx, userID, entryID)
	if err != nil {
		return nil, err
	}

	saved, err := s.store.CreateScaffoldResponse(ctx, store.ScaffoldResponse{
		ID:         util.NewID("rsp"),
		EntryID:    entry.ID,
		UserID:     userID,
		QuestionID: questionID,
		Response:   response,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, validationError("questionId does not belong to this entry", map[string]string{"questionId": "Unknown question"})
		}
		return nil, err
	}
	return map[string]any{"response": responseViews([]store.ScaffoldResponse{saved})[0]}, nil
}

// GenerateMarginNotes regenerates the entry's notes and inline questions and
// replaces the stored ones. content overrides the stored text when set.
func (s *Service) GenerateMarginNotes(ctx context.Context, userID, entryID string, content *string) (map[string]any, error) {
	if strings.TrimSpace(entryID) == "" {
		return nil, validationError("entryId is required", map[string]string{"entryId": "Required"})
	}
	entry, err := s.loadEntry(ctx, userID, entryID)
	if err != nil {
		return nil, err
	}
	text := entry.Content
	if content != nil {
		text = *content
	}

	card, err := s.loadSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	recent, err := s.store.ListEntries(ctx, userID, insightHistoryLimit+1)
	if err != nil {
		return nil, err
	}
	history := make([]signals.Entry, 0, len(recent))
	for _, item := range recent {
		if item.ID == entry.ID || len(history) == insightHistoryLimit {
			continue
		}
		history = append(history, signals.Entry{Content: item.Content, CreatedAt: item.CreatedAt})
	}

	insights := s.reflector.GeneratePostJournalInsights(ctx, text, card, history)

	notes := make([]store.MarginNote, 0, len(insights.Notes))
	for _, draft := range insights.Notes {
		note, err := marginNoteFromDraft(entry, draft)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	questions := make([]store.ReflectionQuestion, 0, len(insights.Questions))
	for _, draft := range insights.Questions {
		questions = append(questions, store.ReflectionQuestion{
			ID:             util.NewID("rq"),
			EntryID:        entry.ID,
			UserID:         entry.UserID,
			Text:           draft.Text,
			AnchorSentence: optionalString(draft.AnchorSentence),
			CardElement:    optionalString(draft.CardElement),
		})
	}

	savedNotes, savedQuestions, err := s.store.ReplaceEntryInsights(ctx, entry.ID, notes, questions)
	if err != nil {
		return nil, err
	}
	s.logger.Info("margin notes generated",
		zap.String("entry_id", entry.ID),
		zap.String("source", insights.Source),
		zap.Int("notes", len(savedNotes)),
		zap.Int("questions", len(savedQuestions)),
	)

	return map[string]any{
		"notes":           noteViews(savedNotes),
		"inlineQuestions": questionViews(savedQuestions),
		"source":          insights.Source,
	}, nil
}

func marginNoteFromDraft(entry store.JournalEntry, draft reflect.NoteDraft) (store.MarginNote, error) {
	provenance := draft.Provenance
	if provenance == nil {
		provenance = map[string]any{}
	}
	rawProvenance, err := json.Marshal(provenance)
	if err != nil {
		return store.MarginNote{}, err
	}
	var rawEdit json.RawMessage
	if draft.SupportsCardEdit != nil {
		rawEdit, err = json.Marshal(draft.SupportsCardEdit)
		if err != nil {
			return store.MarginNote{}, err
		}
	}
	return store.MarginNote{
		ID:               util.NewID("note"),
		EntryID:          entry.ID,
		UserID:           entry.UserID,
		Category:         draft.Category,
		Summary:          draft.Summary,
		Body:             draft.Body,
		Provenance:       rawProvenance,
		SupportsCardEdit: rawEdit,
	}, nil
}

func (s *Service) loadEntry(ctx context.Context, userID, entryID string) (store.JournalEntry, error) {
	entry, err := s.store.GetEntry(ctx, userID, entryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.JournalEntry{}, notFound("Entry not found")
		}
		return store.JournalEntry{}, err
	}
	return entry, nil
}

// loadSnapshot returns nil when the user has no card yet.
func (s *Service) loadSnapshot(ctx context.Context, userID string) (*cardhistory.Snapshot, error) {
	card, err := s.store.GetCardByUser(ctx, userID)
	if err != nil || card == nil {
		return nil, err
	}
	snapshot := snapshotOf(*card)
	return &snapshot, nil
}

func (s *Service) indexEntry(entry store.JournalEntry) {
	if s.search == nil {
		return
	}
	s.search.IndexEntry(recordOf(entry))
}

func recordOf(entry store.JournalEntry) search.EntryRecord {
	return search.EntryRecord{
		ID:        entry.ID,
		UserID:    entry.UserID,
		Content:   entry.Content,
		CreatedAt: entry.CreatedAt.Unix(),
		UpdatedAt: entry.UpdatedAt.Unix(),
	}
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength])
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func entryView(entry store.JournalEntry) map[string]any {
	return map[string]any{
		"id":              entry.ID,
		"userId":          entry.UserID,
		"content":         entry.Content,
		"analysisConsent": entry.AnalysisConsent,
		"createdAt":       entry.CreatedAt,
		"updatedAt":       entry.UpdatedAt,
	}
}

func noteViews(notes []store.MarginNote) []map[string]any {
	items := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		provenance := note.Provenance
		if len(provenance) == 0 {
			provenance = json.RawMessage(`{}`)
		}
		var edit any
		if len(note.SupportsCardEdit) > 0 {
			edit = note.SupportsCardEdit
		}
		items = append(items, map[string]any{
			"id":               note.ID,
			"entryId":          note.EntryID,
			"category":         note.Category,
			"summary":          note.Summary,
			"body":             note.Body,
			"provenance":       provenance,
			"supportsCardEdit": edit,
			"generatedAt":      note.GeneratedAt,
		})
	}
	return items
}

func questionViews(questions []store.ReflectionQuestion) []map[string]any {
	items := make([]map[string]any, 0, len(questions))
	for _, question := range questions {
		items = append(items, map[string]any{
			"id":             question.ID,
			"entryId":        question.EntryID,
			"text":           question.Text,
			"anchorSentence": question.AnchorSentence,
			"cardElement":    question.CardElement,
			"createdAt":      question.CreatedAt,
		})
	}
	return items
}

func responseViews(responses []store.ScaffoldResponse) []map[string]any {
	items := make([]map[string]any, 0, len(responses))
	for _, response := range responses {
		items = append(items, map[string]any{
			"id":         response.ID,
			"entryId":    response.EntryID,
			"questionId": response.QuestionID,
			"response":   response.Response,
			"createdAt":  response.CreatedAt,
		})
	}
	return items
}
