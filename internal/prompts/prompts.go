// Package prompts produces template reflection prompts from card values.
package prompts

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

const (
	CategoryValue      = "VALUE"
	CategoryTemporal   = "TEMPORAL"
	CategoryAntiGoal   = "ANTI_GOAL"
	CategoryConstraint = "CONSTRAINT"
	CategoryGoal       = "GOAL"
)

const BlankCardPrompt = "It looks like your card is still blank. What matters most to the future you you're imagining?"

var valueTemplates = []string{
	"Your card says '{value}' is a core value. How did that show up for you today?",
	"Your card says '{value}' matters deeply. Where did you notice it influencing your choices today?",
	"Your card says '{value}' is part of who you're becoming. What small moment reflected that today?",
}

type Prompt struct {
	Text      string `json:"text"`
	Category  string `json:"category"`
	CardField string `json:"cardField"`
}

// ValuePrompt picks a random card value and template. rng may be nil.
func ValuePrompt(values []string, rng *rand.Rand) Prompt {
	if len(values) == 0 {
		return Prompt{Text: BlankCardPrompt, Category: CategoryValue, CardField: "values"}
	}
	value := values[intn(rng, len(values))]
	template := valueTemplates[intn(rng, len(valueTemplates))]
	text := strings.Replace(template, "{value}", value, 1) + fmt.Sprintf(" (Based on your value: '%s')", value)
	return Prompt{Text: text, Category: CategoryValue, CardField: value}
}

func intn(rng *rand.Rand, n int) int {
	if rng == nil {
		return rand.IntN(n)
	}
	return rng.IntN(n)
}
