package reflect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cardstudio/api/internal/cardhistory"
	"cardstudio/api/internal/llm"
	"cardstudio/api/internal/prompts"
)

const (
	forming         = "Your card is still forming. What values or goals feel important to you right now?"
	maxRecentPrompt = 7
	recentSnippet   = 200
)

var promptCategories = []string{
	prompts.CategoryValue,
	prompts.CategoryTemporal,
	prompts.CategoryAntiGoal,
	prompts.CategoryConstraint,
	prompts.CategoryGoal,
}

// GeneratePrompt produces one reflection prompt grounded in a randomly
// chosen card element. recentEntries are entry contents, newest first.
func (r *Reflector) GeneratePrompt(ctx context.Context, card cardhistory.Snapshot, recentEntries, previousPrompts []string) prompts.Prompt {
	if r.client == nil {
		return prompts.ValuePrompt(card.Values, r.rng)
	}

	category := promptCategories[r.intn(len(promptCategories))]
	element, field := r.cardElement(category, card)
	if element == "" {
		return prompts.Prompt{Text: forming, Category: category, CardField: "general"}
	}

	text, err := r.client.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        promptMessage(category, element, field, recentEntries, previousPrompts),
		Temperature: 0.8,
		MaxTokens:   150,
	})
	switch {
	case errors.Is(err, llm.ErrEmptyCompletion):
		text = fmt.Sprintf("Your card says \"%s\". How did that show up for you today?", field)
	case err != nil:
		r.logger.Warn("prompt generation failed", zap.String("category", category), zap.Error(err))
		text = fmt.Sprintf("Your card says \"%s\". How did that show up for you today? (Based on your %s: '%s')",
			field, strings.ToLower(category), field)
	}
	return prompts.Prompt{Text: text, Category: category, CardField: field}
}

// cardElement returns the quoted card element for the category and the
// field name recorded with the prompt. A blank card field yields "".
func (r *Reflector) cardElement(category string, card cardhistory.Snapshot) (element, field string) {
	switch category {
	case prompts.CategoryValue:
		if len(card.Values) == 0 {
			return "", ""
		}
		value := card.Values[r.intn(len(card.Values))]
		if strings.TrimSpace(value) == "" {
			return "", ""
		}
		return fmt.Sprintf("value: \"%s\"", value), value
	case prompts.CategoryTemporal:
		field, label, goal := "sixMonthGoal", "6-month", card.SixMonthGoal
		if r.float() <= 0.5 {
			field, label, goal = "fiveYearGoal", "5-year", card.FiveYearGoal
		}
		if strings.TrimSpace(goal) == "" {
			return "", ""
		}
		return fmt.Sprintf("%s goal: \"%s\"", label, goal), field
	case prompts.CategoryAntiGoal:
		if strings.TrimSpace(card.AntiGoals) == "" {
			return "", ""
		}
		return fmt.Sprintf("anti-goal: \"%s\"", card.AntiGoals), "antiGoals"
	case prompts.CategoryConstraint:
		if strings.TrimSpace(card.Constraints) == "" {
			return "", ""
		}
		return fmt.Sprintf("constraint: \"%s\"", card.Constraints), "constraints"
	case prompts.CategoryGoal:
		if strings.TrimSpace(card.SixMonthGoal) == "" {
			return "", ""
		}
		return fmt.Sprintf("goal: \"%s\"", card.SixMonthGoal), "sixMonthGoal"
	}
	return "", ""
}

func promptMessage(category, element, field string, recentEntries, previousPrompts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Generate a 1-2 sentence reflection prompt using this card element:

CARD ELEMENT TO REFERENCE: %s
PROMPT CATEGORY: %s

REQUIREMENTS:
1. Start with "Your card says '[exact card text]'"
2. Ask open-ended question (no yes/no)
3. Avoid "should" language
4. Max 2 sentences
5. Include explicit citation: "(Based on your %s: '[text]')"

EXAMPLE:
"Your card says 'creativity' is a core value. What did you create today, even something small? (Based on your value: 'creativity')"
`, element, category, field)

	if len(recentEntries) > 0 {
		b.WriteString("\n\nRECENT JOURNAL PATTERNS:\n")
		for i, entry := range recentEntries {
			if i == maxRecentPrompt {
				break
			}
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString("- " + truncateRunes(entry, recentSnippet))
		}
	}
	if len(previousPrompts) > 0 {
		b.WriteString("\n\nPREVIOUS PROMPTS TO AVOID:\n")
		b.WriteString(strings.Join(previousPrompts, "\n"))
	}
	b.WriteString("\n\nGENERATE PROMPT:")
	return b.String()
}

func truncateRunes(value string, n int) string {
	runes := []rune(value)
	if len(runes) <= n {
		return value
	}
	return string(runes[:n])
}
