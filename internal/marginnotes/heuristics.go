// Package marginnotes builds deterministic margin notes from an entry, the
// user's card and recent history. It is used when no language model is
// available or when the model produced nothing.
package marginnotes

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"cardstudio/api/internal/cardhistory"
)

type Kind string

const (
	KindPattern       Kind = "PATTERN"
	KindCardReference Kind = "CARD_REFERENCE"
	KindQuestion      Kind = "QUESTION"
)

// Stored note categories.
const (
	CategoryCardTension         = "CARD_TENSION"
	CategoryTemporalPattern     = "TEMPORAL_PATTERN"
	CategoryValidatedConstraint = "VALIDATED_CONSTRAINT"
	CategoryOpenQuestion        = "OPEN_QUESTION"
)

const (
	maxNotes        = 4
	maxPatternNotes = 2
	minPatternCount = 3
	genericQuestion = "[Question] What part of this entry feels most important to remember later?"
)

var stopWords = map[string]struct{}{
	"this": {}, "that": {}, "with": {}, "have": {}, "from": {}, "they": {},
	"their": {}, "about": {}, "there": {}, "would": {}, "could": {},
	"should": {}, "which": {}, "these": {}, "those": {}, "today": {},
	"again": {}, "after": {}, "before": {}, "being": {}, "doing": {},
	"into": {}, "through": {}, "where": {}, "while": {}, "because": {},
	"every": {}, "think": {}, "maybe": {},
}

type Note struct {
	Kind    Kind           `json:"type"`
	Text    string         `json:"text"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Category maps the heuristic kind onto the stored category vocabulary.
func (n Note) Category() string {
	switch n.Kind {
	case KindPattern:
		return CategoryTemporalPattern
	case KindCardReference:
		return CategoryCardTension
	default:
		return CategoryOpenQuestion
	}
}

func isTokenRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= 0x00C0 && r <= 0x017F) || r == '\''
}

func tokenize(content string) []string {
	words := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool { return !isTokenRune(r) })
	tokens := words[:0]
	for _, word := range words {
		if utf8.RuneCountInString(word) < 4 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

type frequency struct {
	token string
	count int
}

// countTokens counts the number of entries each token appears in, in
// first-seen order.
func countTokens(contents []string) []frequency {
	index := map[string]int{}
	var out []frequency
	for _, content := range contents {
		seen := map[string]struct{}{}
		for _, token := range tokenize(content) {
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			if i, ok := index[token]; ok {
				out[i].count++
				continue
			}
			index[token] = len(out)
			out = append(out, frequency{token: token, count: 1})
		}
	}
	return out
}

type Phrase struct {
	Phrase string `json:"phrase"`
	Count  int    `json:"count"`
}

// RecurringTokens returns up to limit tokens that appear in at least
// minEntries of the given entries, most frequent first.
func RecurringTokens(contents []string, minEntries, limit int) []Phrase {
	frequencies := countTokens(contents)
	sort.SliceStable(frequencies, func(i, j int) bool { return frequencies[i].count > frequencies[j].count })
	out := []Phrase{}
	for _, item := range frequencies {
		if len(out) == limit || item.count < minEntries {
			break
		}
		out = append(out, Phrase{Phrase: item.token, Count: item.count})
	}
	return out
}

// Generate returns at most four heuristic notes for the entry.
func Generate(entry string, card *cardhistory.Snapshot, history []string) []Note {
	notes := []Note{}

	if strings.TrimSpace(entry) == "" {
		if card != nil && len(card.Values) > 0 && card.Values[0] != "" {
			notes = append(notes, cardReference(card.Values[0], card.Values[0]))
		}
		return notes
	}

	if len(history) >= 2 {
		for _, item := range RecurringTokens(history, minPatternCount, maxPatternNotes) {
			notes = append(notes, Note{
				Kind:    KindPattern,
				Text:    fmt.Sprintf("[Pattern noticed] You've mentioned '%s' %d times recently", item.Phrase, item.Count),
				Payload: map[string]any{"phrase": item.Phrase, "count": item.Count},
			})
		}
	}

	if card != nil {
		lower := strings.ToLower(entry)
		matched := ""
		for _, value := range card.Values {
			if value != "" && strings.Contains(lower, strings.ToLower(value)) {
				matched = value
				break
			}
		}
		switch {
		case matched != "":
			notes = append(notes, cardReference(matched, matched))
		case card.IdentityStmt != "":
			notes = append(notes, cardReference(card.IdentityStmt, "identityStmt"))
		}

		anchor := "future self"
		if len(card.Values) > 0 && card.Values[0] != "" {
			anchor = card.Values[0]
		} else if card.IdentityStmt != "" {
			anchor = card.IdentityStmt
		}
		notes = append(notes, Note{
			Kind:    KindQuestion,
			Text:    fmt.Sprintf("[Question] What feels most aligned with '%s' in what you just wrote?", anchor),
			Payload: map[string]any{"anchor": anchor},
		})
	} else {
		notes = append(notes, Note{Kind: KindQuestion, Text: genericQuestion})
	}

	if len(notes) > maxNotes {
		notes = notes[:maxNotes]
	}
	return notes
}

func cardReference(quote, field string) Note {
	return Note{
		Kind:    KindCardReference,
		Text:    fmt.Sprintf("[Card reference] Your card says: '%s'", quote),
		Payload: map[string]any{"cardField": field},
	}
}
