package prompts

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValuePromptBlankCard(t *testing.T) {
	prompt := ValuePrompt(nil, nil)
	assert.Equal(t, Prompt{Text: BlankCardPrompt, Category: CategoryValue, CardField: "values"}, prompt)
}

func TestValuePromptCitesValue(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	values := []string{"curiosity", "rest", "craft"}
	for range 20 {
		prompt := ValuePrompt(values, rng)
		assert.Equal(t, CategoryValue, prompt.Category)
		assert.Contains(t, values, prompt.CardField)
		assert.True(t, strings.HasPrefix(prompt.Text, "Your card says '"+prompt.CardField+"'"), prompt.Text)
		assert.True(t, strings.HasSuffix(prompt.Text, " (Based on your value: '"+prompt.CardField+"')"), prompt.Text)
	}
}

func TestValuePromptDeterministicWithSeed(t *testing.T) {
	values := []string{"curiosity", "rest", "craft"}
	a := ValuePrompt(values, rand.New(rand.NewPCG(7, 7)))
	b := ValuePrompt(values, rand.New(rand.NewPCG(7, 7)))
	assert.Equal(t, a, b)
}
