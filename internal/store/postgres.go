package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, display_name, email, password_hash, role, is_email_verified,
	COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var expires sql.NullTime
	err := row.Scan(
		&user.ID,
		&user.DisplayName,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.IsEmailVerified,
		&user.VerificationToken,
		&expires,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	if expires.Valid {
		t := expires.Time
		user.VerificationExpiresAt = &t
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, normalizeEmail(email)))
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	role := user.Role
	if role == "" {
		role = "member"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	`, user.ID, normalizeEmail(user.Email), user.DisplayName, user.PasswordHash, role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1
			AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	return requireAffected(result, "verify email")
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return requireAffected(result, "update password")
}

func (s *PostgresStore) SetUserRole(ctx context.Context, email, role string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, updated_at=NOW() WHERE email=$1`, normalizeEmail(email), role)
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	return requireAffected(result, "set user role")
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("get password reset: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("lookup refresh session: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return exists, nil
}

const cardColumns = `id, user_id, "values", six_month_goal, five_year_goal, constraints, anti_goals, identity_stmt, created_at, updated_at`

func scanCard(row rowScanner) (Card, error) {
	var card Card
	var values []byte
	err := row.Scan(
		&card.ID,
		&card.UserID,
		&values,
		&card.SixMonthGoal,
		&card.FiveYearGoal,
		&card.Constraints,
		&card.AntiGoals,
		&card.IdentityStmt,
		&card.CreatedAt,
		&card.UpdatedAt,
	)
	if err != nil {
		return Card{}, err
	}
	if err := json.Unmarshal(values, &card.Values); err != nil {
		return Card{}, fmt.Errorf("decode card values: %w", err)
	}
	if card.Values == nil {
		card.Values = []string{}
	}
	return card, nil
}

// GetCardByUser returns nil when the user has not created a card.
func (s *PostgresStore) GetCardByUser(ctx context.Context, userID string) (*Card, error) {
	card, err := scanCard(s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM future_self_cards WHERE user_id=$1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	return &card, nil
}

type snapshotJSON struct {
	Values       []string   `json:"values"`
	SixMonthGoal string     `json:"sixMonthGoal"`
	FiveYearGoal string     `json:"fiveYearGoal"`
	Constraints  string     `json:"constraints"`
	AntiGoals    string     `json:"antiGoals"`
	IdentityStmt string     `json:"identityStmt"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
}

func encodeSnapshot(fields CardFields, updatedAt *time.Time) (string, error) {
	values := fields.Values
	if values == nil {
		values = []string{}
	}
	encoded, err := json.Marshal(snapshotJSON{
		Values:       values,
		SixMonthGoal: fields.SixMonthGoal,
		FiveYearGoal: fields.FiveYearGoal,
		Constraints:  fields.Constraints,
		AntiGoals:    fields.AntiGoals,
		IdentityStmt: fields.IdentityStmt,
		UpdatedAt:    updatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(encoded), nil
}

// SaveCard creates or updates the user's card and records a revision in
// one transaction. On update the revision holds the state being replaced;
// on create it holds the new card.
func (s *PostgresStore) SaveCard(ctx context.Context, userID, cardID, revisionID string, fields CardFields, annotation string) (Card, CardRevision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Card{}, CardRevision{}, fmt.Errorf("begin card tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanCard(tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM future_self_cards WHERE user_id=$1 FOR UPDATE`, userID))
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Card{}, CardRevision{}, fmt.Errorf("lock card: %w", err)
	}

	values, err := json.Marshal(nonNilValues(fields.Values))
	if err != nil {
		return Card{}, CardRevision{}, fmt.Errorf("encode card values: %w", err)
	}

	var saved Card
	var snapshot string
	if found {
		snapshot, err = encodeSnapshot(existing.CardFields, &existing.UpdatedAt)
		if err != nil {
			return Card{}, CardRevision{}, err
		}
		saved, err = scanCard(tx.QueryRowContext(ctx, `
			UPDATE future_self_cards
			SET "values"=$2::jsonb, six_month_goal=$3, five_year_goal=$4, constraints=$5, anti_goals=$6, identity_stmt=$7, updated_at=NOW()
			WHERE id=$1
			RETURNING `+cardColumns,
			existing.ID, string(values), fields.SixMonthGoal, fields.FiveYearGoal, fields.Constraints, fields.AntiGoals, fields.IdentityStmt))
		if err != nil {
			return Card{}, CardRevision{}, fmt.Errorf("update card: %w", err)
		}
	} else {
		saved, err = scanCard(tx.QueryRowContext(ctx, `
			INSERT INTO future_self_cards (id, user_id, "values", six_month_goal, five_year_goal, constraints, anti_goals, identity_stmt)
			VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8)
			RETURNING `+cardColumns,
			cardID, userID, string(values), fields.SixMonthGoal, fields.FiveYearGoal, fields.Constraints, fields.AntiGoals, fields.IdentityStmt))
		if err != nil {
			return Card{}, CardRevision{}, fmt.Errorf("insert card: %w", err)
		}
		snapshot, err = encodeSnapshot(saved.CardFields, nil)
		if err != nil {
			return Card{}, CardRevision{}, err
		}
	}

	revision := CardRevision{ID: revisionID, CardID: saved.ID, Annotation: annotation}
	var raw []byte
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO card_revisions (id, card_id, annotation, snapshot)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING snapshot, edited_at
	`, revision.ID, revision.CardID, revision.Annotation, snapshot).Scan(&raw, &revision.EditedAt); err != nil {
		return Card{}, CardRevision{}, fmt.Errorf("insert card revision: %w", err)
	}
	revision.Snapshot = json.RawMessage(raw)

	if err := tx.Commit(); err != nil {
		return Card{}, CardRevision{}, fmt.Errorf("commit card tx: %w", err)
	}
	return saved, revision, nil
}

func nonNilValues(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// ListCardRevisions returns revisions newest first.
func (s *PostgresStore) ListCardRevisions(ctx context.Context, cardID string, limit int) ([]CardRevision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_id, annotation, snapshot, edited_at
		FROM card_revisions
		WHERE card_id=$1
		ORDER BY edited_at DESC, id DESC
		LIMIT $2
	`, cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("list card revisions: %w", err)
	}
	defer rows.Close()

	items := []CardRevision{}
	for rows.Next() {
		var item CardRevision
		var raw []byte
		if err := rows.Scan(&item.ID, &item.CardID, &item.Annotation, &raw, &item.EditedAt); err != nil {
			return nil, fmt.Errorf("scan card revision: %w", err)
		}
		item.Snapshot = json.RawMessage(raw)
		items = append(items, item)
	}
	return items, rows.Err()
}

const entryColumns = `id, user_id, content, analysis_consent, created_at, updated_at`

func scanEntry(row rowScanner) (JournalEntry, error) {
	var entry JournalEntry
	err := row.Scan(&entry.ID, &entry.UserID, &entry.Content, &entry.AnalysisConsent, &entry.CreatedAt, &entry.UpdatedAt)
	return entry, err
}

func (s *PostgresStore) queryEntries(ctx context.Context, query string, args ...any) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	items := []JournalEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		items = append(items, entry)
	}
	return items, rows.Err()
}

// ListEntries returns the user's entries newest first. limit <= 0 means
// no limit.
func (s *PostgresStore) ListEntries(ctx context.Context, userID string, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE user_id=$1 ORDER BY created_at DESC, id DESC`, userID)
	}
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
}

func (s *PostgresStore) ListConsentedEntries(ctx context.Context, userID string, limit int) ([]JournalEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM journal_entries
		WHERE user_id=$1 AND analysis_consent
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
}

func (s *PostgresStore) ListAllEntries(ctx context.Context) ([]JournalEntry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM journal_entries ORDER BY created_at`)
}

func (s *PostgresStore) CreateEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	created, err := scanEntry(s.db.QueryRowContext(ctx, `
		INSERT INTO journal_entries (id, user_id, content, analysis_consent)
		VALUES ($1, $2, $3, $4)
		RETURNING `+entryColumns,
		entry.ID, entry.UserID, entry.Content, entry.AnalysisConsent))
	if err != nil {
		return JournalEntry{}, fmt.Errorf("create entry: %w", err)
	}
	return created, nil
}

// GetEntry returns sql.ErrNoRows when the entry does not exist or belongs
// to another user.
func (s *PostgresStore) GetEntry(ctx context.Context, userID, entryID string) (JournalEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1 AND user_id=$2`, entryID, userID))
	if err != nil {
		return JournalEntry{}, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

// UpdateEntry applies the non-nil fields.
func (s *PostgresStore) UpdateEntry(ctx context.Context, userID, entryID string, content *string, consent *bool) (JournalEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `
		UPDATE journal_entries
		SET content=COALESCE($3, content), analysis_consent=COALESCE($4, analysis_consent), updated_at=NOW()
		WHERE id=$1 AND user_id=$2
		RETURNING `+entryColumns,
		entryID, userID, nullableString(content), nullableBool(consent)))
	if err != nil {
		return JournalEntry{}, fmt.Errorf("update entry: %w", err)
	}
	return entry, nil
}

// DeleteEntry removes the entry with its notes, questions and responses.
// It returns sql.ErrNoRows when the user does not own the entry.
func (s *PostgresStore) DeleteEntry(ctx context.Context, userID, entryID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM journal_entries WHERE id=$1 AND user_id=$2`, entryID, userID)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return requireAffected(result, "delete entry")
}

func (s *PostgresStore) ListMarginNotes(ctx context.Context, entryID string) ([]MarginNote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, user_id, category, summary, body, provenance, supports_card_edit, generated_at
		FROM margin_notes
		WHERE entry_id=$1
		ORDER BY generated_at DESC, position
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list margin notes: %w", err)
	}
	defer rows.Close()

	items := []MarginNote{}
	for rows.Next() {
		var item MarginNote
		var provenance, edit []byte
		if err := rows.Scan(&item.ID, &item.EntryID, &item.UserID, &item.Category, &item.Summary, &item.Body, &provenance, &edit, &item.GeneratedAt); err != nil {
			return nil, fmt.Errorf("scan margin note: %w", err)
		}
		item.Provenance = json.RawMessage(provenance)
		if edit != nil {
			item.SupportsCardEdit = json.RawMessage(edit)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListReflectionQuestions(ctx context.Context, entryID string) ([]ReflectionQuestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, user_id, text, anchor_sentence, card_element, created_at
		FROM reflection_questions
		WHERE entry_id=$1
		ORDER BY created_at DESC, position
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list reflection questions: %w", err)
	}
	defer rows.Close()

	items := []ReflectionQuestion{}
	for rows.Next() {
		var item ReflectionQuestion
		var anchor, element sql.NullString
		if err := rows.Scan(&item.ID, &item.EntryID, &item.UserID, &item.Text, &anchor, &element, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reflection question: %w", err)
		}
		item.AnchorSentence = stringPtr(anchor)
		item.CardElement = stringPtr(element)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListScaffoldResponses(ctx context.Context, entryID string) ([]ScaffoldResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, user_id, question_id, response, created_at
		FROM scaffold_responses
		WHERE entry_id=$1
		ORDER BY created_at, id
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list scaffold responses: %w", err)
	}
	defer rows.Close()

	items := []ScaffoldResponse{}
	for rows.Next() {
		var item ScaffoldResponse
		var questionID sql.NullString
		if err := rows.Scan(&item.ID, &item.EntryID, &item.UserID, &questionID, &item.Response, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scaffold response: %w", err)
		}
		item.QuestionID = stringPtr(questionID)
		items = append(items, item)
	}
	return items, rows.Err()
}

// ReplaceEntryInsights swaps the entry's notes and questions for new ones
// in one transaction and returns the stored rows. Rows of one batch share a
// timestamp, so position keeps their generation order.
func (s *PostgresStore) ReplaceEntryInsights(ctx context.Context, entryID string, notes []MarginNote, questions []ReflectionQuestion) ([]MarginNote, []ReflectionQuestion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin insights tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM margin_notes WHERE entry_id=$1`, entryID); err != nil {
		return nil, nil, fmt.Errorf("delete margin notes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reflection_questions WHERE entry_id=$1`, entryID); err != nil {
		return nil, nil, fmt.Errorf("delete reflection questions: %w", err)
	}

	savedNotes := make([]MarginNote, 0, len(notes))
	for i, note := range notes {
		provenance := string(note.Provenance)
		if strings.TrimSpace(provenance) == "" {
			provenance = "{}"
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO margin_notes (id, entry_id, user_id, category, summary, body, provenance, supports_card_edit, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)
			RETURNING generated_at
		`, note.ID, entryID, note.UserID, note.Category, note.Summary, note.Body, provenance, nullableJSON(note.SupportsCardEdit), i).Scan(&note.GeneratedAt); err != nil {
			return nil, nil, fmt.Errorf("insert margin note: %w", err)
		}
		note.EntryID = entryID
		note.Provenance = json.RawMessage(provenance)
		savedNotes = append(savedNotes, note)
	}

	savedQuestions := make([]ReflectionQuestion, 0, len(questions))
	for i, question := range questions {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO reflection_questions (id, entry_id, user_id, text, anchor_sentence, card_element, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at
		`, question.ID, entryID, question.UserID, question.Text, nullableString(question.AnchorSentence), nullableString(question.CardElement), i).Scan(&question.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("insert reflection question: %w", err)
		}
		question.EntryID = entryID
		savedQuestions = append(savedQuestions, question)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit insights tx: %w", err)
	}
	return savedNotes, savedQuestions, nil
}

func (s *PostgresStore) CreateScaffoldResponse(ctx context.Context, response ScaffoldResponse) (ScaffoldResponse, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO scaffold_responses (id, entry_id, user_id, question_id, response)
		SELECT $1, $2, $3, $4, $5
		WHERE $4::text IS NULL OR EXISTS (SELECT 1 FROM reflection_questions WHERE id=$4 AND entry_id=$2)
		RETURNING created_at
	`, response.ID, response.EntryID, response.UserID, nullableString(response.QuestionID), response.Response).Scan(&response.CreatedAt)
	if err != nil {
		return ScaffoldResponse{}, fmt.Errorf("create scaffold response: %w", err)
	}
	return response, nil
}

func (s *PostgresStore) ListRecentPrompts(ctx context.Context, userID string, limit int) ([]PromptHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, prompt_type, card_field, prompt_text, shown_at
		FROM prompt_history
		WHERE user_id=$1
		ORDER BY shown_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list prompt history: %w", err)
	}
	defer rows.Close()

	items := []PromptHistory{}
	for rows.Next() {
		var item PromptHistory
		if err := rows.Scan(&item.ID, &item.UserID, &item.PromptType, &item.CardField, &item.PromptText, &item.ShownAt); err != nil {
			return nil, fmt.Errorf("scan prompt history: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreatePromptHistory(ctx context.Context, item PromptHistory) (PromptHistory, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO prompt_history (id, user_id, prompt_type, card_field, prompt_text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING shown_at
	`, item.ID, item.UserID, item.PromptType, item.CardField, item.PromptText).Scan(&item.ShownAt)
	if err != nil {
		return PromptHistory{}, fmt.Errorf("create prompt history: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertExportArtifact(ctx context.Context, artifact ExportArtifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_artifacts (id, user_id, format, object_key, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
	`, artifact.ID, artifact.UserID, artifact.Format, artifact.ObjectKey, artifact.SizeBytes)
	if err != nil {
		return fmt.Errorf("insert export artifact: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, sql.ErrNoRows)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableBool(value *bool) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableJSON(raw json.RawMessage) any {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return trimmed
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
