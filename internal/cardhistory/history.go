// Package cardhistory diffs Future-Self Card revisions and derives
// per-field stability statistics from a revision timeline.
package cardhistory

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

type Field string

const (
	FieldValues       Field = "values"
	FieldSixMonthGoal Field = "sixMonthGoal"
	FieldFiveYearGoal Field = "fiveYearGoal"
	FieldConstraints  Field = "constraints"
	FieldAntiGoals    Field = "antiGoals"
	FieldIdentityStmt Field = "identityStmt"
)

// Fields lists the card fields in canonical order.
var Fields = []Field{
	FieldValues,
	FieldSixMonthGoal,
	FieldFiveYearGoal,
	FieldConstraints,
	FieldAntiGoals,
	FieldIdentityStmt,
}

var FieldLabels = map[Field]string{
	FieldValues:       "Values",
	FieldSixMonthGoal: "6-Month Goal",
	FieldFiveYearGoal: "5-Year Goal",
	FieldConstraints:  "Constraints",
	FieldAntiGoals:    "Anti-Goals",
	FieldIdentityStmt: "Identity",
}

// Snapshot is the card state captured by a revision. Unknown keys in the
// stored JSON (such as updatedAt) are ignored and missing keys decode to
// zero values.
type Snapshot struct {
	Values       []string `json:"values"`
	SixMonthGoal string   `json:"sixMonthGoal"`
	FiveYearGoal string   `json:"fiveYearGoal"`
	Constraints  string   `json:"constraints"`
	AntiGoals    string   `json:"antiGoals"`
	IdentityStmt string   `json:"identityStmt"`
}

// ParseSnapshot decodes a stored revision snapshot.
func ParseSnapshot(raw []byte) (Snapshot, error) {
	var snapshot Snapshot
	if len(raw) == 0 {
		return snapshot, nil
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, err
	}
	if snapshot.Values == nil {
		snapshot.Values = []string{}
	}
	return snapshot, nil
}

// Value returns the field as a JSON-friendly value: []string for values,
// string for everything else.
func (s Snapshot) Value(field Field) any {
	switch field {
	case FieldValues:
		if s.Values == nil {
			return []string{}
		}
		return s.Values
	case FieldSixMonthGoal:
		return s.SixMonthGoal
	case FieldFiveYearGoal:
		return s.FiveYearGoal
	case FieldConstraints:
		return s.Constraints
	case FieldAntiGoals:
		return s.AntiGoals
	case FieldIdentityStmt:
		return s.IdentityStmt
	}
	return nil
}

func (s Snapshot) equalField(other Snapshot, field Field) bool {
	if field == FieldValues {
		return slices.Equal(s.Values, other.Values)
	}
	return s.Value(field) == other.Value(field)
}

type FieldChange struct {
	Field  Field  `json:"field"`
	Label  string `json:"label"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

type SnapshotDiff struct {
	IsInitial     bool          `json:"isInitial"`
	HasChanges    bool          `json:"hasChanges"`
	ChangedFields []Field       `json:"changedFields"`
	Changes       []FieldChange `json:"changes"`
}

type FieldStats map[Field]int

type Revision struct {
	ID         string    `json:"id"`
	EditedAt   time.Time `json:"editedAt"`
	Annotation string    `json:"annotation"`
	Snapshot   Snapshot  `json:"snapshot"`
}

type RevisionWithDiff struct {
	Revision
	Diff SnapshotDiff `json:"diff"`
}

// Diff compares two snapshots. A nil prev yields the initial diff, where
// every field counts as changed.
func Diff(prev *Snapshot, current Snapshot) SnapshotDiff {
	if prev == nil {
		changes := make([]FieldChange, 0, len(Fields))
		for _, field := range Fields {
			changes = append(changes, FieldChange{
				Field:  field,
				Label:  FieldLabels[field],
				Before: nil,
				After:  current.Value(field),
			})
		}
		return SnapshotDiff{
			IsInitial:     true,
			HasChanges:    true,
			ChangedFields: slices.Clone(Fields),
			Changes:       changes,
		}
	}

	diff := SnapshotDiff{
		ChangedFields: []Field{},
		Changes:       []FieldChange{},
	}
	for _, field := range Fields {
		if prev.equalField(current, field) {
			continue
		}
		diff.ChangedFields = append(diff.ChangedFields, field)
		diff.Changes = append(diff.Changes, FieldChange{
			Field:  field,
			Label:  FieldLabels[field],
			Before: prev.Value(field),
			After:  current.Value(field),
		})
	}
	diff.HasChanges = len(diff.ChangedFields) > 0
	return diff
}

func emptyStats() FieldStats {
	stats := make(FieldStats, len(Fields))
	for _, field := range Fields {
		stats[field] = 0
	}
	return stats
}

// CalculateFieldStats counts how often each field changed across the
// timeline. revisions must be ordered newest first.
func CalculateFieldStats(revisions []Revision, current *Snapshot) FieldStats {
	stats := emptyStats()
	if len(revisions) == 0 {
		return stats
	}

	if current != nil {
		newest := revisions[0].Snapshot
		for _, field := range Diff(&newest, *current).ChangedFields {
			stats[field]++
		}
	}

	for i := 0; i < len(revisions)-1; i++ {
		older := revisions[i+1].Snapshot
		newer := revisions[i].Snapshot
		for _, field := range Diff(&older, newer).ChangedFields {
			stats[field]++
		}
	}

	// The oldest revision is the card's creation.
	for _, field := range Fields {
		stats[field]++
	}
	return stats
}

// PrepareRevisionsWithDiffs attaches to each revision the diff that led
// away from it. revisions must be ordered newest first.
func PrepareRevisionsWithDiffs(revisions []Revision, current *Snapshot) []RevisionWithDiff {
	out := make([]RevisionWithDiff, 0, len(revisions))
	for i, revision := range revisions {
		var diff SnapshotDiff
		switch {
		case i == 0 && current != nil:
			snapshot := revision.Snapshot
			diff = Diff(&snapshot, *current)
		case i > 0:
			diff = Diff(&revision.Snapshot, revisions[i-1].Snapshot)
		default:
			diff = Diff(nil, revision.Snapshot)
		}
		out = append(out, RevisionWithDiff{Revision: revision, Diff: diff})
	}
	return out
}

func TotalEditCount(stats FieldStats) int {
	total := 0
	for _, count := range stats {
		total += count
	}
	return total
}

func ShouldShowStabilityIndicator(editCount int) bool {
	return editCount >= 3
}

func StabilityDots(editCount int) string {
	if editCount <= 0 {
		return ""
	}
	return strings.Repeat("●", min(editCount, 5))
}

// FormatRevisionDate renders t as "Dec 1, 2025, 2:30 PM".
func FormatRevisionDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("Jan 2, 2006, 3:04 PM")
}

// FormatShortDate renders t as "Dec 1".
func FormatShortDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("Jan 2")
}
