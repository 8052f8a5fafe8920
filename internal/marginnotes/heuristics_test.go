package marginnotes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardstudio/api/internal/cardhistory"
)

func testCard() *cardhistory.Snapshot {
	return &cardhistory.Snapshot{
		Values:       []string{"Curiosity", "Rest", "Craft"},
		IdentityStmt: "I build things slowly",
	}
}

func TestGenerateEmptyEntry(t *testing.T) {
	notes := Generate("   ", testCard(), nil)
	require.Len(t, notes, 1)
	assert.Equal(t, KindCardReference, notes[0].Kind)
	assert.Equal(t, "[Card reference] Your card says: 'Curiosity'", notes[0].Text)

	assert.Empty(t, Generate("", nil, nil))
}

func TestGenerateWithoutCard(t *testing.T) {
	notes := Generate("Walked to the river", nil, nil)
	require.Len(t, notes, 1)
	assert.Equal(t, genericQuestion, notes[0].Text)
	assert.Equal(t, CategoryOpenQuestion, notes[0].Category())
}

func TestGeneratePatternsCountOncePerEntry(t *testing.T) {
	history := []string{
		"garden garden garden, and the deadline",
		"back in the garden before the deadline",
		"Garden chores. Deadline looms.",
		"quiet evening",
	}
	notes := Generate("I need more rest this week", testCard(), history)

	require.Len(t, notes, 4)
	assert.Equal(t, "[Pattern noticed] You've mentioned 'garden' 3 times recently", notes[0].Text)
	assert.Equal(t, map[string]any{"phrase": "garden", "count": 3}, notes[0].Payload)
	assert.Equal(t, "[Pattern noticed] You've mentioned 'deadline' 3 times recently", notes[1].Text)
	assert.Equal(t, CategoryTemporalPattern, notes[1].Category())
	assert.Equal(t, "[Card reference] Your card says: 'Rest'", notes[2].Text)
	assert.Equal(t, CategoryCardTension, notes[2].Category())
	assert.Equal(t, "[Question] What feels most aligned with 'Curiosity' in what you just wrote?", notes[3].Text)
}

func TestGenerateFallsBackToIdentity(t *testing.T) {
	notes := Generate("A long day of meetings", testCard(), []string{"one"})
	require.Len(t, notes, 2)
	assert.Equal(t, "[Card reference] Your card says: 'I build things slowly'", notes[0].Text)
	assert.Equal(t, map[string]any{"cardField": "identityStmt"}, notes[0].Payload)
}

func TestGenerateQuestionAnchorWithoutValues(t *testing.T) {
	notes := Generate("Some words here", &cardhistory.Snapshot{}, nil)
	require.Len(t, notes, 1)
	assert.Equal(t, "[Question] What feels most aligned with 'future self' in what you just wrote?", notes[0].Text)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"café", "don't", "river"}, tokenize("Café! don't go, river again today"))
}

func TestRecurringTokens(t *testing.T) {
	contents := []string{"river walk", "river again", "river and walk", "walk home"}
	assert.Equal(t, []Phrase{{Phrase: "river", Count: 3}, {Phrase: "walk", Count: 3}}, RecurringTokens(contents, 3, 5))
	assert.Equal(t, []Phrase{{Phrase: "river", Count: 3}}, RecurringTokens(contents, 3, 1))
	assert.Empty(t, RecurringTokens(nil, 3, 5))
}
