package reflect

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardstudio/api/internal/cardhistory"
	"cardstudio/api/internal/llm"
	"cardstudio/api/internal/marginnotes"
	"cardstudio/api/internal/prompts"
	"cardstudio/api/internal/signals"
)

type scriptedClient struct {
	mu        sync.Mutex
	responses []scriptedResponse
	requests  []llm.Request
}

type scriptedResponse struct {
	text string
	err  error
}

func (c *scriptedClient) Complete(_ context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	next := c.responses[0]
	c.responses = c.responses[1:]
	return next.text, next.err
}

var fixedNow = time.Date(2025, time.December, 10, 12, 0, 0, 0, time.UTC)

func testCard() cardhistory.Snapshot {
	return cardhistory.Snapshot{
		Values:       []string{"curiosity", "rest", "craft"},
		SixMonthGoal: "Ship the garden planner",
		FiveYearGoal: "Run a small studio",
		Constraints:  "energy, childcare",
		AntiGoals:    "burnout",
		IdentityStmt: "I build things slowly",
	}
}

func TestGeneratePromptWithoutModelUsesTemplate(t *testing.T) {
	reflector := New(nil, nil, WithRand(rand.New(rand.NewPCG(1, 1))))
	prompt := reflector.GeneratePrompt(context.Background(), testCard(), nil, nil)

	assert.Equal(t, prompts.CategoryValue, prompt.Category)
	assert.Contains(t, testCard().Values, prompt.CardField)
	assert.False(t, reflector.Enabled())
}

func TestGeneratePromptUsesModel(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{{text: "Your card says 'rest'. Where did rest find you today?"}}}
	reflector := New(client, nil, WithRand(rand.New(rand.NewPCG(3, 4))))

	prompt := reflector.GeneratePrompt(context.Background(), testCard(), []string{strings.Repeat("a", 300), "second"}, []string{"old prompt"})

	assert.Equal(t, "Your card says 'rest'. Where did rest find you today?", prompt.Text)
	assert.Contains(t, promptCategories, prompt.Category)
	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, systemPrompt, req.System)
	assert.Equal(t, 0.8, req.Temperature)
	assert.Equal(t, 150, req.MaxTokens)
	assert.False(t, req.JSON)
	assert.Contains(t, req.User, "- "+strings.Repeat("a", 200)+"\n- second")
	assert.NotContains(t, req.User, strings.Repeat("a", 201))
	assert.Contains(t, req.User, "PREVIOUS PROMPTS TO AVOID:\nold prompt")
}

func TestGeneratePromptFallbacks(t *testing.T) {
	card := cardhistory.Snapshot{Values: []string{"rest"}, AntiGoals: "burnout", Constraints: "energy", SixMonthGoal: "six", FiveYearGoal: "five"}

	failing := &scriptedClient{responses: []scriptedResponse{{err: errors.New("rate limited")}}}
	prompt := New(failing, nil, WithRand(rand.New(rand.NewPCG(5, 6)))).GeneratePrompt(context.Background(), card, nil, nil)
	assert.True(t, strings.HasPrefix(prompt.Text, "Your card says \""+prompt.CardField+"\". How did that show up for you today? (Based on your "+strings.ToLower(prompt.Category)+": '"), prompt.Text)

	empty := &scriptedClient{responses: []scriptedResponse{{err: llm.ErrEmptyCompletion}}}
	prompt = New(empty, nil, WithRand(rand.New(rand.NewPCG(5, 6)))).GeneratePrompt(context.Background(), card, nil, nil)
	assert.Equal(t, "Your card says \""+prompt.CardField+"\". How did that show up for you today?", prompt.Text)
}

func TestGeneratePromptKeepsCardTextVerbatim(t *testing.T) {
	card := cardhistory.Snapshot{
		Values:       []string{`say "no"`},
		SixMonthGoal: "ship\nrest",
		FiveYearGoal: `a "small" studio`,
		Constraints:  "energy\nchildcare",
		AntiGoals:    "burnout\nscope creep",
	}
	sawValue := false
	for seed := uint64(1); seed <= 60; seed++ {
		client := &scriptedClient{responses: []scriptedResponse{{err: llm.ErrEmptyCompletion}}}
		prompt := New(client, nil, WithRand(rand.New(rand.NewPCG(seed, seed)))).GeneratePrompt(context.Background(), card, nil, nil)

		require.Len(t, client.requests, 1)
		user := client.requests[0].User
		assert.NotContains(t, user, `\"`, "seed %d", seed)
		assert.NotContains(t, user, `\n`, "seed %d", seed)
		if prompt.Category == prompts.CategoryAntiGoal {
			assert.Contains(t, user, "CARD ELEMENT TO REFERENCE: anti-goal: \"burnout\nscope creep\"")
		}
		if prompt.Category == prompts.CategoryValue {
			sawValue = true
			assert.Contains(t, user, `CARD ELEMENT TO REFERENCE: value: "say "no""`)
			assert.Equal(t, `Your card says "say "no"". How did that show up for you today?`, prompt.Text)
		}
	}
	assert.True(t, sawValue)
}

func TestGeneratePromptBlankCard(t *testing.T) {
	client := &scriptedClient{}
	prompt := New(client, nil).GeneratePrompt(context.Background(), cardhistory.Snapshot{}, nil, nil)

	assert.Equal(t, forming, prompt.Text)
	assert.Equal(t, "general", prompt.CardField)
	assert.Empty(t, client.requests)
}

func TestInsightsBlankEntry(t *testing.T) {
	client := &scriptedClient{}
	card := testCard()
	insights := New(client, nil).GeneratePostJournalInsights(context.Background(), "  ", &card, nil)

	assert.Empty(t, insights.Notes)
	assert.Empty(t, insights.Questions)
	assert.Empty(t, client.requests)
}

func TestInsightsWithoutModelUseHeuristics(t *testing.T) {
	card := testCard()
	insights := New(nil, nil).GeneratePostJournalInsights(context.Background(), "I need rest", &card, nil)

	assert.Equal(t, SourceHeuristic, insights.Source)
	require.Len(t, insights.Notes, 2)
	assert.Equal(t, marginnotes.CategoryCardTension, insights.Notes[0].Category)
	assert.Equal(t, "note-1", insights.Notes[0].ID)
	assert.Equal(t, "rest", insights.Notes[0].Provenance["cardField"])
	assert.Equal(t, marginnotes.CategoryOpenQuestion, insights.Notes[1].Category)
}

func TestInsightsUsesModelStages(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{text: `{"notes":[
			{"id":"n1","category":"VALIDATED_CONSTRAINT","summary":"[Constraint recognized] energy","body":"Energy came up again. What does it ask of you?","provenance":{"keyword":"energy"},"supportsCardEdit":{"field":"constraints","suggestion":"Name energy explicitly","severity":"HIGH"}},
			{"category":"made-up","summary":"s","body":"b"},
			{"category":"CARD_TENSION","summary":"s","body":"b","supportsCardEdit":{"field":"not-a-field","suggestion":"x"}}
		]}`},
		{text: `{"questions":[{"text":"**Reflection question:** What felt drained?","anchorSentence":"I felt drained."},{"id":"q2","text":"**Reflection question:** Where was rest?"},{"text":"third"}]}`},
		{text: `{"refinements":[{"noteId":"n1","modalCopy":"Energy shows up in three recent entries."}]}`},
	}}
	card := testCard()
	history := []signals.Entry{{Content: "energy was low", CreatedAt: fixedNow.Add(-24 * time.Hour)}}

	insights := New(client, nil, WithClock(func() time.Time { return fixedNow })).
		GeneratePostJournalInsights(context.Background(), "I felt drained. My energy is gone again.", &card, history)

	assert.Equal(t, SourceModel, insights.Source)
	require.Len(t, insights.Notes, 3)
	assert.Equal(t, "n1", insights.Notes[0].ID)
	require.NotNil(t, insights.Notes[0].SupportsCardEdit)
	assert.Equal(t, "high", insights.Notes[0].SupportsCardEdit.Severity)
	assert.Equal(t, "Energy shows up in three recent entries.", insights.Notes[0].SupportsCardEdit.RefinedJustification)
	assert.Equal(t, "note-2", insights.Notes[1].ID)
	assert.Equal(t, marginnotes.CategoryOpenQuestion, insights.Notes[1].Category)
	assert.NotNil(t, insights.Notes[1].Provenance)
	assert.Nil(t, insights.Notes[2].SupportsCardEdit)

	require.Len(t, insights.Questions, 2)
	assert.Equal(t, "question-1", insights.Questions[0].ID)
	assert.Equal(t, "q2", insights.Questions[1].ID)

	require.Len(t, client.requests, 3)
	assert.Equal(t, 0.6, client.requests[0].Temperature)
	assert.Equal(t, 600, client.requests[0].MaxTokens)
	assert.True(t, client.requests[0].JSON)
	assert.Contains(t, client.requests[0].User, `"constraint": "energy"`)
	assert.Equal(t, 0.8, client.requests[1].Temperature)
	assert.Equal(t, 300, client.requests[1].MaxTokens)
	assert.Contains(t, client.requests[1].User, "I felt drained.")
	assert.Equal(t, 0.5, client.requests[2].Temperature)
	assert.Equal(t, 250, client.requests[2].MaxTokens)
}

func TestInsightsFallBackToHeuristicsWhenModelFails(t *testing.T) {
	client := &scriptedClient{responses: []scriptedResponse{
		{err: errors.New("timeout")},
		{text: "not json"},
	}}
	insights := New(client, nil).GeneratePostJournalInsights(context.Background(), "Walked to the river", nil, nil)

	assert.Equal(t, SourceHeuristic, insights.Source)
	require.Len(t, insights.Notes, 1)
	assert.Empty(t, insights.Questions)
	assert.Len(t, client.requests, 2)
}

func TestPatternAnalysis(t *testing.T) {
	entries := []signals.Entry{
		{Content: "river walk", CreatedAt: fixedNow},
		{Content: "river again", CreatedAt: fixedNow.Add(-24 * time.Hour)},
	}

	client := &scriptedClient{responses: []scriptedResponse{{text: `{"recurringPhrases":[{"phrase":"river","count":3}],"themesConnectedToCard":["Rest shows up near water"],"questionsRaised":null}`}}}
	summary := New(client, nil).GeneratePatternAnalysis(context.Background(), entries, testCard())
	assert.Equal(t, []marginnotes.Phrase{{Phrase: "river", Count: 3}}, summary.RecurringPhrases)
	assert.Equal(t, []string{"Rest shows up near water"}, summary.ThemesConnectedToCard)
	assert.NotNil(t, summary.QuestionsRaised)
	require.Len(t, client.requests, 1)
	assert.Contains(t, client.requests[0].User, "[2025-12-10] river walk\n\n[2025-12-09] river again")

	failing := &scriptedClient{responses: []scriptedResponse{{err: errors.New("down")}}}
	assert.Equal(t, emptySummary(), New(failing, nil).GeneratePatternAnalysis(context.Background(), entries, testCard()))
}

func TestPatternAnalysisWithoutModel(t *testing.T) {
	entries := []signals.Entry{
		{Content: "river walk"}, {Content: "river again"}, {Content: "river home"},
	}
	summary := New(nil, nil).GeneratePatternAnalysis(context.Background(), entries, testCard())
	assert.Equal(t, []marginnotes.Phrase{{Phrase: "river", Count: 3}}, summary.RecurringPhrases)
	assert.Empty(t, summary.QuestionsRaised)
}
