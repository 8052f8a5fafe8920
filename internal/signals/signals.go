// Package signals extracts heuristic text signals from journal entries:
// recurring keywords, constraint mentions, tension phrasing and high-affect
// anchor sentences. The results ground LLM prompts in concrete evidence.
package signals

import (
	"slices"
	"sort"
	"strings"
	"time"
	"unicode"

	"cardstudio/api/internal/cardhistory"
)

const (
	keywordWindow      = 14 * 24 * time.Hour
	minKeywordCount    = 3
	maxKeywords        = 5
	maxSignalDates     = 5
	maxTensionPhrases  = 4
	maxContradictions  = 6
	maxAnchorSentences = 2
	longSentenceLen    = 140
	tensionPrefixLen   = 30
)

var stopWords = toSet(
	"the", "and", "that", "with", "from", "this", "have", "just", "about",
	"been", "into", "they", "them", "then", "than", "because", "while",
	"when", "what", "your", "were", "will", "would", "could", "there",
	"their", "even", "over", "also", "some", "more",
)

var constraintKeywords = []string{
	"fatigue", "exhaustion", "health", "budget", "money", "financial",
	"childcare", "visa", "energy", "time", "caregiving", "access",
}

var emotionKeywords = []string{
	"tired", "exhausted", "hollow", "drained", "thrilled", "alive", "afraid",
	"anxious", "angry", "resentful", "hopeful", "spacious", "restless",
	"excited", "nervous", "conflicted",
}

var tensionKeywords = []string{"again", "still", "despite", "though", "but", "yet", "keep", "couldn't"}

type Entry struct {
	Content   string
	CreatedAt time.Time
}

type KeywordStat struct {
	Keyword string   `json:"keyword"`
	Count   int      `json:"count"`
	Dates   []string `json:"dates"`
}

type ConstraintSignal struct {
	Constraint  string   `json:"constraint"`
	Occurrences int      `json:"occurrences"`
	Dates       []string `json:"dates"`
	Origin      string   `json:"origin"`
}

type ContradictionSignal struct {
	Label              string   `json:"label"`
	Sentence           string   `json:"sentence"`
	RelatedCardElement string   `json:"relatedCardElement,omitempty"`
	HistoricalDates    []string `json:"historicalDates"`
}

// DateKey renders t as a UTC calendar date.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func normalizeWord(word string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(word) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func ExtractKeywords(text string) []string {
	var keywords []string
	for _, field := range strings.Fields(strings.ToLower(text)) {
		word := normalizeWord(field)
		if len(word) < 4 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		keywords = append(keywords, word)
	}
	return keywords
}

// SplitSentences breaks text after '.', '!' or '?' when followed by
// whitespace.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !unicode.IsSpace(runes[i]) || i == 0 {
			continue
		}
		switch runes[i-1] {
		case '.', '!', '?':
		default:
			continue
		}
		end := i
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		sentences = appendTrimmed(sentences, string(runes[start:end]))
		start = i
		i--
	}
	if start < len(runes) {
		sentences = appendTrimmed(sentences, string(runes[start:]))
	}
	return sentences
}

func appendTrimmed(list []string, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return list
	}
	return append(list, value)
}

// KeywordStats counts keywords across the current entry (dated now) and
// the history, ignoring entries more than two weeks from now.
func KeywordStats(entry string, history []Entry, now time.Time) []KeywordStat {
	type record struct {
		count int
		dates map[string]struct{}
	}
	entries := append([]Entry{{Content: entry, CreatedAt: now}}, history...)
	records := map[string]*record{}
	var order []string

	for _, item := range entries {
		elapsed := now.Sub(item.CreatedAt)
		if elapsed < 0 {
			elapsed = -elapsed
		}
		if elapsed > keywordWindow {
			continue
		}
		day := DateKey(item.CreatedAt)
		for _, keyword := range ExtractKeywords(item.Content) {
			rec, ok := records[keyword]
			if !ok {
				rec = &record{dates: map[string]struct{}{}}
				records[keyword] = rec
				order = append(order, keyword)
			}
			rec.count++
			rec.dates[day] = struct{}{}
		}
	}

	stats := []KeywordStat{}
	for _, keyword := range order {
		rec := records[keyword]
		if rec.count < minKeywordCount {
			continue
		}
		dates := make([]string, 0, len(rec.dates))
		for day := range rec.dates {
			dates = append(dates, day)
		}
		sort.Strings(dates)
		stats = append(stats, KeywordStat{Keyword: keyword, Count: rec.count, Dates: dates})
	}
	sort.SliceStable(stats, func(i, j int) bool { return stats[i].Count > stats[j].Count })
	if len(stats) > maxKeywords {
		stats = stats[:maxKeywords]
	}
	return stats
}

// SplitList splits a free-text card field on commas, semicolons and
// newlines.
func SplitList(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func ConstraintSignals(card *cardhistory.Snapshot, entry string, history []Entry, now time.Time) []ConstraintSignal {
	signals := []ConstraintSignal{}
	var cardConstraints []string
	if card != nil {
		cardConstraints = SplitList(card.Constraints)
	}
	entries := append([]Entry{{Content: entry, CreatedAt: now}}, history...)

	for _, constraint := range cardConstraints {
		needle := strings.ToLower(constraint)
		var dates []string
		occurrences := 0
		for _, item := range entries {
			if !strings.Contains(strings.ToLower(item.Content), needle) {
				continue
			}
			occurrences++
			if len(dates) < maxSignalDates {
				dates = append(dates, DateKey(item.CreatedAt))
			}
		}
		if occurrences == 0 {
			continue
		}
		signals = append(signals, ConstraintSignal{
			Constraint:  constraint,
			Occurrences: occurrences,
			Dates:       dates,
			Origin:      "card",
		})
	}

	lowerEntry := strings.ToLower(entry)
	for _, keyword := range constraintKeywords {
		if !strings.Contains(lowerEntry, keyword) {
			continue
		}
		covered := slices.ContainsFunc(cardConstraints, func(constraint string) bool {
			return strings.Contains(strings.ToLower(constraint), keyword)
		})
		if covered {
			continue
		}
		signals = append(signals, ConstraintSignal{
			Constraint:  keyword,
			Occurrences: 1,
			Dates:       []string{DateKey(now)},
			Origin:      "entry",
		})
	}
	return signals
}

func historicalDates(history []Entry, needle string) []string {
	dates := []string{}
	for _, item := range history {
		if len(dates) == maxSignalDates {
			break
		}
		if strings.Contains(strings.ToLower(item.Content), needle) {
			dates = append(dates, DateKey(item.CreatedAt))
		}
	}
	return dates
}

func ContradictionSignals(entry string, history []Entry, card *cardhistory.Snapshot) []ContradictionSignal {
	signals := []ContradictionSignal{}
	sentences := SplitSentences(entry)

	tension := 0
	for _, sentence := range sentences {
		if tension == maxTensionPhrases {
			break
		}
		lower := strings.ToLower(sentence)
		if !containsAny(lower, tensionKeywords) {
			continue
		}
		tension++
		signals = append(signals, ContradictionSignal{
			Label:           "Repeated tension phrasing",
			Sentence:        sentence,
			HistoricalDates: historicalDates(history, prefixRunes(lower, tensionPrefixLen)),
		})
	}

	if card != nil {
		for _, antiGoal := range SplitList(card.AntiGoals) {
			lowerGoal := strings.ToLower(antiGoal)
			idx := slices.IndexFunc(sentences, func(sentence string) bool {
				return strings.Contains(strings.ToLower(sentence), lowerGoal)
			})
			if idx < 0 {
				continue
			}
			signals = append(signals, ContradictionSignal{
				Label:              "Anti-goal echo: " + antiGoal,
				Sentence:           sentences[idx],
				RelatedCardElement: antiGoal,
				HistoricalDates:    historicalDates(history, lowerGoal),
			})
		}
	}

	if len(signals) > maxContradictions {
		signals = signals[:maxContradictions]
	}
	return signals
}

// AnchorSentences returns the two sentences carrying the most emotional
// weight.
func AnchorSentences(entry string) []string {
	type scored struct {
		sentence string
		score    float64
	}
	sentences := SplitSentences(entry)
	items := make([]scored, 0, len(sentences))
	for _, sentence := range sentences {
		lower := strings.ToLower(sentence)
		score := 0.0
		for _, keyword := range emotionKeywords {
			if strings.Contains(lower, keyword) {
				score++
			}
		}
		if strings.Contains(sentence, "?") {
			score += 0.5
		}
		if len([]rune(sentence)) > longSentenceLen {
			score -= 0.3
		}
		items = append(items, scored{sentence: sentence, score: score})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })

	out := make([]string, 0, maxAnchorSentences)
	for i := 0; i < len(items) && i < maxAnchorSentences; i++ {
		out = append(out, items[i].sentence)
	}
	return out
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

func prefixRunes(value string, n int) string {
	runes := []rune(value)
	if len(runes) <= n {
		return value
	}
	return string(runes[:n])
}

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, word := range words {
		set[word] = struct{}{}
	}
	return set
}
