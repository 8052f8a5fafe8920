// Package reflect orchestrates language-model reflection support: daily
// prompts, post-entry margin notes and inline questions, and pattern
// summaries over consented entries. Without a model it degrades to the
// template and heuristic packages.
package reflect

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"cardstudio/api/internal/llm"
)

const systemPrompt = `You are a reflection support system for Future-Self Card Studio. Your role is to help users explore their identity through journaling and their Future-Self Card.

CRITICAL CONSTRAINTS:
1. Never predict the user's future
2. Never prescribe actions ("you should...")
3. Never diagnose or interpret user's mental state
4. Always cite which card element grounds your response
5. Frame all observations as questions or hypotheses, not truths
6. Preserve ambiguity - not everything needs interpretation

YOUR CAPABILITIES:
- Generate reflection prompts based on card values/goals
- Notice patterns in user's language
- Surface tensions between card and behavior
- Ask questions that help users deepen their thinking

USER AGENCY:
- User interprets their own experience (you scaffold, don't analyze)
- User can dismiss, edit, or ignore any suggestion

TONE:
- Curious, not judgmental
- Tentative, not authoritative ("I notice..." not "You are...")
- Supportive of identity revision (goals can change)`

// Reflector is safe for concurrent use when its random source is.
type Reflector struct {
	client llm.Client
	logger *zap.Logger
	rng    *rand.Rand
	now    func() time.Time
}

type Option func(*Reflector)

// WithRand fixes the random source used to pick prompt categories.
func WithRand(rng *rand.Rand) Option {
	return func(r *Reflector) { r.rng = rng }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reflector) { r.now = now }
}

// New builds a Reflector. client may be nil.
func New(client llm.Client, logger *zap.Logger, opts ...Option) *Reflector {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reflector{
		client: client,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether a language model is configured.
func (r *Reflector) Enabled() bool {
	return r.client != nil
}

func (r *Reflector) intn(n int) int {
	if r.rng == nil {
		return rand.IntN(n)
	}
	return r.rng.IntN(n)
}

func (r *Reflector) float() float64 {
	if r.rng == nil {
		return rand.Float64()
	}
	return r.rng.Float64()
}
