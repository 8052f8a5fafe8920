package reflect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cardstudio/api/internal/cardhistory"
	"cardstudio/api/internal/llm"
	"cardstudio/api/internal/marginnotes"
	"cardstudio/api/internal/signals"
)

const (
	maxNotes     = 5
	maxQuestions = 2

	SourceModel     = "llm"
	SourceHeuristic = "heuristic"
)

var noteCategories = map[string]struct{}{
	marginnotes.CategoryCardTension:         {},
	marginnotes.CategoryTemporalPattern:     {},
	marginnotes.CategoryValidatedConstraint: {},
	marginnotes.CategoryOpenQuestion:        {},
}

var severities = map[string]struct{}{"low": {}, "medium": {}, "high": {}}

// CardEdit is a suggestion that the entry may warrant revising the card.
type CardEdit struct {
	Field                string `json:"field"`
	Suggestion           string `json:"suggestion"`
	Severity             string `json:"severity"`
	RefinedJustification string `json:"refinedJustification,omitempty"`
}

type NoteDraft struct {
	ID               string         `json:"id"`
	Category         string         `json:"category"`
	Summary          string         `json:"summary"`
	Body             string         `json:"body"`
	Provenance       map[string]any `json:"provenance"`
	SupportsCardEdit *CardEdit      `json:"supportsCardEdit,omitempty"`
}

type QuestionDraft struct {
	ID             string `json:"id"`
	Text           string `json:"text"`
	AnchorSentence string `json:"anchorSentence,omitempty"`
	CardElement    string `json:"cardElement,omitempty"`
}

type Insights struct {
	Notes     []NoteDraft     `json:"notes"`
	Questions []QuestionDraft `json:"inlineQuestions"`
	Source    string          `json:"source"`
}

// Signals bundles the heuristic evidence handed to the model.
type Signals struct {
	Keywords       []signals.KeywordStat         `json:"keywords"`
	Constraints    []signals.ConstraintSignal    `json:"constraints"`
	Contradictions []signals.ContradictionSignal `json:"contradictions"`
	Anchors        []string                      `json:"anchors"`
}

func (r *Reflector) computeSignals(entry string, card *cardhistory.Snapshot, history []signals.Entry) Signals {
	now := r.now()
	return Signals{
		Keywords:       signals.KeywordStats(entry, history, now),
		Constraints:    signals.ConstraintSignals(card, entry, history, now),
		Contradictions: signals.ContradictionSignals(entry, history, card),
		Anchors:        signals.AnchorSentences(entry),
	}
}

// GeneratePostJournalInsights produces margin notes and inline questions
// for an entry. Each model stage degrades to empty on failure; an empty
// note set falls back to heuristic notes.
func (r *Reflector) GeneratePostJournalInsights(ctx context.Context, entry string, card *cardhistory.Snapshot, history []signals.Entry) Insights {
	if strings.TrimSpace(entry) == "" {
		return Insights{Notes: []NoteDraft{}, Questions: []QuestionDraft{}, Source: SourceHeuristic}
	}
	if r.client == nil {
		return r.heuristicInsights(entry, card, history)
	}

	evidence := r.computeSignals(entry, card, history)
	snippet := cardSnippet(card)

	notes := r.observationalNotes(ctx, entry, snippet, evidence)
	questions := r.inlineQuestions(ctx, entry, snippet, evidence.Anchors)
	r.refineCardEdits(ctx, notes)

	if len(notes) == 0 {
		heuristic := r.heuristicInsights(entry, card, history)
		heuristic.Questions = questions
		return heuristic
	}
	return Insights{Notes: notes, Questions: questions, Source: SourceModel}
}

func (r *Reflector) heuristicInsights(entry string, card *cardhistory.Snapshot, history []signals.Entry) Insights {
	contents := make([]string, 0, len(history))
	for _, item := range history {
		contents = append(contents, item.Content)
	}
	generated := marginnotes.Generate(entry, card, contents)
	notes := make([]NoteDraft, 0, len(generated))
	for i, note := range generated {
		provenance := map[string]any{"source": SourceHeuristic, "kind": string(note.Kind)}
		for key, value := range note.Payload {
			provenance[key] = value
		}
		notes = append(notes, NoteDraft{
			ID:         fmt.Sprintf("note-%d", i+1),
			Category:   note.Category(),
			Summary:    note.Text,
			Body:       note.Text,
			Provenance: provenance,
		})
	}
	return Insights{Notes: notes, Questions: []QuestionDraft{}, Source: SourceHeuristic}
}

func cardSnippet(card *cardhistory.Snapshot) string {
	if card == nil {
		return "No card on file. If you suggest card edits, remind the user they can create the card first."
	}
	return fmt.Sprintf("Values: %s\n6-month goal: %s\n5-year goal: %s\nConstraints: %s\nAnti-goals: %s",
		strings.Join(card.Values, ", "), card.SixMonthGoal, card.FiveYearGoal, card.Constraints, card.AntiGoals)
}

func indentJSON(value any) string {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

type noteResponse struct {
	Notes []struct {
		ID               string         `json:"id"`
		Category         string         `json:"category"`
		Summary          string         `json:"summary"`
		Body             string         `json:"body"`
		Provenance       map[string]any `json:"provenance"`
		SupportsCardEdit *CardEdit      `json:"supportsCardEdit"`
	} `json:"notes"`
}

func (r *Reflector) observationalNotes(ctx context.Context, entry, snippet string, evidence Signals) []NoteDraft {
	message := fmt.Sprintf(`Generate structured margin notes for a journaling entry.

ENTRY:
%s

CARD SNAPSHOT:
%s

TEMPORAL KEYWORD COUNTS (last 14 days):
%s

CONSTRAINT SIGNALS:
%s

CONTRADICTION SIGNALS:
%s

GUIDELINES:
- Return 3-5 notes spanning the categories CARD_TENSION, TEMPORAL_PATTERN, VALIDATED_CONSTRAINT, and optionally OPEN_QUESTION.
- Never repeat the same keyword twice. If the card has explicit constraints, ensure at least one VALIDATED_CONSTRAINT note.
- Cite concrete evidence in `+"`provenance`"+` (keywords, counts, or dates).
- Summaries should start with tags like "[Pattern noticed]" or "[Constraint recognized]".
- `+"`body`"+` expands on the summary and ends with a question or prompt for interpretation.
- Set `+"`supportsCardEdit`"+` only when a contradiction or constraint appears multiple times or the entry explicitly questions the card. Include which card field to edit and why.
- Keep tone invitational and hypothesis-driven.

Return JSON: {"notes": [ { "id": "note-1", "category": "...", "summary": "...", "body": "...", "provenance": {...}, "supportsCardEdit": {...} } ] }`,
		entry, snippet, indentJSON(evidence.Keywords), indentJSON(evidence.Constraints), indentJSON(evidence.Contradictions))

	raw, err := r.client.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        message,
		Temperature: 0.6,
		MaxTokens:   600,
		JSON:        true,
	})
	if err != nil {
		r.logger.Warn("observational notes failed", zap.Error(err))
		return []NoteDraft{}
	}
	var parsed noteResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		r.logger.Warn("observational notes unparseable", zap.Error(err))
		return []NoteDraft{}
	}

	notes := make([]NoteDraft, 0, maxNotes)
	for i, item := range parsed.Notes {
		if i == maxNotes {
			break
		}
		note := NoteDraft{
			ID:         item.ID,
			Category:   normalizeCategory(item.Category),
			Summary:    item.Summary,
			Body:       item.Body,
			Provenance: item.Provenance,
		}
		if note.ID == "" {
			note.ID = fmt.Sprintf("note-%d", i+1)
		}
		if note.Provenance == nil {
			note.Provenance = map[string]any{}
		}
		note.SupportsCardEdit = normalizeCardEdit(item.SupportsCardEdit)
		notes = append(notes, note)
	}
	return notes
}

func normalizeCategory(category string) string {
	category = strings.ToUpper(strings.TrimSpace(category))
	if _, ok := noteCategories[category]; ok {
		return category
	}
	return marginnotes.CategoryOpenQuestion
}

func normalizeCardEdit(edit *CardEdit) *CardEdit {
	if edit == nil {
		return nil
	}
	valid := false
	for _, field := range cardhistory.Fields {
		if string(field) == edit.Field {
			valid = true
			break
		}
	}
	if !valid {
		return nil
	}
	normalized := &CardEdit{Field: edit.Field, Suggestion: edit.Suggestion, Severity: strings.ToLower(strings.TrimSpace(edit.Severity))}
	if _, ok := severities[normalized.Severity]; !ok {
		normalized.Severity = "low"
	}
	return normalized
}

func (r *Reflector) inlineQuestions(ctx context.Context, entry, snippet string, anchors []string) []QuestionDraft {
	message := fmt.Sprintf(`Create 1-2 inline reflection questions inserted beneath the entry.

ENTRY:
%s

ANCHOR SENTENCES (high affect):
%s

CARD SNAPSHOT:
%s

RULES:
- Questions begin with "Reflection question:" in bold.
- Tie each question to a quoted phrase from the entry.
- Do not mention counts; let margin notes handle data.
- Return JSON: {"questions": [{"id": "q1","text": "**Reflection question:** ...","anchorSentence": "...","cardElement": "<optional>"}]}`,
		entry, strings.Join(anchors, "\n"), snippet)

	raw, err := r.client.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        message,
		Temperature: 0.8,
		MaxTokens:   300,
		JSON:        true,
	})
	if err != nil {
		r.logger.Warn("inline questions failed", zap.Error(err))
		return []QuestionDraft{}
	}
	var parsed struct {
		Questions []QuestionDraft `json:"questions"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		r.logger.Warn("inline questions unparseable", zap.Error(err))
		return []QuestionDraft{}
	}

	questions := make([]QuestionDraft, 0, maxQuestions)
	for i, question := range parsed.Questions {
		if i == maxQuestions {
			break
		}
		if strings.TrimSpace(question.Text) == "" {
			continue
		}
		if question.ID == "" {
			question.ID = fmt.Sprintf("question-%d", i+1)
		}
		questions = append(questions, question)
	}
	return questions
}

// refineCardEdits asks for one-sentence modal copy for notes that suggest
// a card edit and stores it on the notes in place.
func (r *Reflector) refineCardEdits(ctx context.Context, notes []NoteDraft) {
	var pending []NoteDraft
	for _, note := range notes {
		if note.SupportsCardEdit != nil {
			pending = append(pending, note)
		}
	}
	if len(pending) == 0 {
		return
	}

	message := fmt.Sprintf(`Refine card edit justifications for modal copy.

NOTES:
%s

Respond as JSON {"refinements":[{"noteId":"...","modalCopy":"..."}]} where modalCopy is one sentence referencing the specific contradiction or constraint.`,
		indentJSON(pending))

	raw, err := r.client.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        message,
		Temperature: 0.5,
		MaxTokens:   250,
		JSON:        true,
	})
	if err != nil {
		r.logger.Warn("card edit refinement failed", zap.Error(err))
		return
	}
	var parsed struct {
		Refinements []struct {
			NoteID    string `json:"noteId"`
			ModalCopy string `json:"modalCopy"`
		} `json:"refinements"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		r.logger.Warn("card edit refinement unparseable", zap.Error(err))
		return
	}
	copyByNote := make(map[string]string, len(parsed.Refinements))
	for _, item := range parsed.Refinements {
		copyByNote[item.NoteID] = item.ModalCopy
	}
	for i := range notes {
		if notes[i].SupportsCardEdit == nil {
			continue
		}
		notes[i].SupportsCardEdit.RefinedJustification = copyByNote[notes[i].ID]
	}
}
