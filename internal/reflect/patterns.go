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

type PatternSummary struct {
	RecurringPhrases      []marginnotes.Phrase `json:"recurringPhrases"`
	ThemesConnectedToCard []string             `json:"themesConnectedToCard"`
	QuestionsRaised       []string             `json:"questionsRaised"`
}

func emptySummary() PatternSummary {
	return PatternSummary{
		RecurringPhrases:      []marginnotes.Phrase{},
		ThemesConnectedToCard: []string{},
		QuestionsRaised:       []string{},
	}
}

// GeneratePatternAnalysis summarises recurring language across consented
// entries. Without a model only recurring phrases are reported.
func (r *Reflector) GeneratePatternAnalysis(ctx context.Context, entries []signals.Entry, card cardhistory.Snapshot) PatternSummary {
	if r.client == nil {
		contents := make([]string, 0, len(entries))
		for _, entry := range entries {
			contents = append(contents, entry.Content)
		}
		summary := emptySummary()
		summary.RecurringPhrases = marginnotes.RecurringTokens(contents, 3, 5)
		return summary
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("[%s] %s", signals.DateKey(entry.CreatedAt), entry.Content))
	}

	message := fmt.Sprintf(`Analyze consented entries and generate pattern summary.

CONSENTED ENTRIES:
%s

CARD:
%s

OUTPUT STRUCTURE:
1. RECURRING PHRASES:
   - Extract exact phrases appearing 3+ times
   - Include counts
   - Max 5 phrases

2. THEMES CONNECTED TO CARD:
   - Match entry content to card elements
   - State connections explicitly
   - Identify tensions (behavior vs. aspiration)

3. QUESTIONS PATTERNS RAISE:
   - Generate 2-4 open-ended questions
   - Frame as exploration, not problems to fix
   - Avoid prescriptive questions

REQUIREMENTS:
- Present as hypotheses ("This might suggest...")
- Include confidence qualifiers ("seems to", "appears")
- No clinical language or diagnoses
- Cite specific entry dates for transparency

Return as JSON:
{
  "recurringPhrases": [{"phrase": "...", "count": 3}],
  "themesConnectedToCard": ["..."],
  "questionsRaised": ["..."]
}`, strings.Join(lines, "\n\n"), cardSnippet(&card))

	raw, err := r.client.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        message,
		Temperature: 0.6,
		MaxTokens:   600,
		JSON:        true,
	})
	if err != nil {
		r.logger.Warn("pattern analysis failed", zap.Error(err))
		return emptySummary()
	}

	summary := emptySummary()
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		r.logger.Warn("pattern analysis unparseable", zap.Error(err))
		return emptySummary()
	}
	if summary.RecurringPhrases == nil {
		summary.RecurringPhrases = []marginnotes.Phrase{}
	}
	if summary.ThemesConnectedToCard == nil {
		summary.ThemesConnectedToCard = []string{}
	}
	if summary.QuestionsRaised == nil {
		summary.QuestionsRaised = []string{}
	}
	return summary
}
