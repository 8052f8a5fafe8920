package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// CardFields are the six user-authored card fields.
type CardFields struct {
	Values       []string
	SixMonthGoal string
	FiveYearGoal string
	Constraints  string
	AntiGoals    string
	IdentityStmt string
}

type Card struct {
	ID     string
	UserID string
	CardFields
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CardRevision struct {
	ID         string
	CardID     string
	Annotation string
	// Snapshot is the stored JSON object of the card fields.
	Snapshot json.RawMessage
	EditedAt time.Time
}

type JournalEntry struct {
	ID              string
	UserID          string
	Content         string
	AnalysisConsent bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type MarginNote struct {
	ID               string
	EntryID          string
	UserID           string
	Category         string
	Summary          string
	Body             string
	Provenance       json.RawMessage
	SupportsCardEdit json.RawMessage
	GeneratedAt      time.Time
}

type ReflectionQuestion struct {
	ID             string
	EntryID        string
	UserID         string
	Text           string
	AnchorSentence *string
	CardElement    *string
	CreatedAt      time.Time
}

type ScaffoldResponse struct {
	ID         string
	EntryID    string
	UserID     string
	QuestionID *string
	Response   string
	CreatedAt  time.Time
}

type PromptHistory struct {
	ID         string
	UserID     string
	PromptType string
	CardField  string
	PromptText string
	ShownAt    time.Time
}

type ExportArtifact struct {
	ID        string
	UserID    string
	Format    string
	ObjectKey string
	SizeBytes int64
	CreatedAt time.Time
}

// SearchDocument is the indexable projection of a journal entry.
type SearchDocument struct {
	ID        string
	UserID    string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}
