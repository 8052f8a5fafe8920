package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cardstudio/api/internal/authpw"
	"cardstudio/api/internal/config"
	"cardstudio/api/internal/export"
	"cardstudio/api/internal/search"
	"cardstudio/api/internal/store"
)

// fakeStore is an in-memory DataStore.
type fakeStore struct {
	mu    sync.Mutex
	clock time.Time

	pingFn func(context.Context) error

	users      map[string]store.User
	resets     map[string]string
	refresh    map[string]string
	revoked    map[string]time.Time
	cards      map[string]*store.Card
	revisions  map[string][]store.CardRevision
	entries    []store.JournalEntry
	notes      map[string][]store.MarginNote
	questions  map[string][]store.ReflectionQuestion
	responses  map[string][]store.ScaffoldResponse
	prompts    []store.PromptHistory
	artifacts  []store.ExportArtifact
	saveCardFn func(context.Context, string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clock:     time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC),
		users:     map[string]store.User{},
		resets:    map[string]string{},
		refresh:   map[string]string{},
		revoked:   map[string]time.Time{},
		cards:     map[string]*store.Card{},
		revisions: map[string][]store.CardRevision{},
		notes:     map[string][]store.MarginNote{},
		questions: map[string][]store.ReflectionQuestion{},
		responses: map[string][]store.ScaffoldResponse{},
	}
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Minute)
	return f.clock
}

func (f *fakeStore) addUser(user store.User) store.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user.Role == "" {
		user.Role = "member"
	}
	user.CreatedAt = f.tick()
	f.users[user.ID] = user
	return user
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, fmt.Errorf("get user: %w", sql.ErrNoRows)
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, strings.TrimSpace(email)) {
			return user, nil
		}
	}
	return store.User{}, fmt.Errorf("get user by email: %w", sql.ErrNoRows)
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user.CreatedAt = f.tick()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) VerifyUserEmail(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if user.VerificationToken != "" && user.VerificationToken == token {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) SetUserRole(_ context.Context, email, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			user.Role = role
			f.users[id] = user
			return nil
		}
	}
	return fmt.Errorf("set role: %w", sql.ErrNoRows)
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = userID
	return nil
}

func (f *fakeStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resets, token)
	return nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return "", fmt.Errorf("lookup refresh session: %w", sql.ErrNoRows)
	}
	return userID, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = exp
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.revoked[jti]
	return ok, nil
}

func (f *fakeStore) GetCardByUser(_ context.Context, userID string) (*store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[userID]
	if !ok {
		return nil, nil
	}
	copied := *card
	return &copied, nil
}

func fakeSnapshot(fields store.CardFields, updatedAt *time.Time) json.RawMessage {
	payload := map[string]any{
		"values":       fields.Values,
		"sixMonthGoal": fields.SixMonthGoal,
		"fiveYearGoal": fields.FiveYearGoal,
		"constraints":  fields.Constraints,
		"antiGoals":    fields.AntiGoals,
		"identityStmt": fields.IdentityStmt,
	}
	if updatedAt != nil {
		payload["updatedAt"] = updatedAt
	}
	raw, _ := json.Marshal(payload)
	return raw
}

func (f *fakeStore) SaveCard(ctx context.Context, userID, cardID, revisionID string, fields store.CardFields, annotation string) (store.Card, store.CardRevision, error) {
	if f.saveCardFn != nil {
		if err := f.saveCardFn(ctx, userID); err != nil {
			return store.Card{}, store.CardRevision{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.tick()

	existing, ok := f.cards[userID]
	if ok {
		revision := store.CardRevision{
			ID:         revisionID,
			CardID:     existing.ID,
			Annotation: annotation,
			Snapshot:   fakeSnapshot(existing.CardFields, &existing.UpdatedAt),
			EditedAt:   now,
		}
		f.revisions[existing.ID] = append(f.revisions[existing.ID], revision)
		existing.CardFields = fields
		existing.UpdatedAt = now
		return *existing, revision, nil
	}

	card := &store.Card{ID: cardID, UserID: userID, CardFields: fields, CreatedAt: now, UpdatedAt: now}
	f.cards[userID] = card
	revision := store.CardRevision{
		ID:         revisionID,
		CardID:     cardID,
		Annotation: annotation,
		Snapshot:   fakeSnapshot(fields, nil),
		EditedAt:   now,
	}
	f.revisions[cardID] = append(f.revisions[cardID], revision)
	return *card, revision, nil
}

func (f *fakeStore) ListCardRevisions(_ context.Context, cardID string, limit int) ([]store.CardRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.revisions[cardID]
	out := []store.CardRevision{}
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeStore) filterEntries(keep func(store.JournalEntry) bool, limit int) []store.JournalEntry {
	out := []store.JournalEntry{}
	for _, entry := range f.entries {
		if keep(entry) {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeStore) ListEntries(_ context.Context, userID string, limit int) ([]store.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filterEntries(func(e store.JournalEntry) bool { return e.UserID == userID }, limit), nil
}

func (f *fakeStore) ListConsentedEntries(_ context.Context, userID string, limit int) ([]store.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filterEntries(func(e store.JournalEntry) bool { return e.UserID == userID && e.AnalysisConsent }, limit), nil
}

func (f *fakeStore) ListAllEntries(context.Context) ([]store.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filterEntries(func(store.JournalEntry) bool { return true }, 0), nil
}

func (f *fakeStore) CreateEntry(_ context.Context, entry store.JournalEntry) (store.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.tick()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	f.entries = append(f.entries, entry)
	return entry, nil
}

func (f *fakeStore) GetEntry(_ context.Context, userID, entryID string) (store.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.entries {
		if entry.ID == entryID && entry.UserID == userID {
			return entry, nil
		}
	}
	return store.JournalEntry{}, fmt.Errorf("get entry: %w", sql.ErrNoRows)
}

func (f *fakeStore) UpdateEntry(_ context.Context, userID, entryID string, content *string, consent *bool) (store.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, entry := range f.entries {
		if entry.ID != entryID || entry.UserID != userID {
			continue
		}
		if content != nil {
			entry.Content = *content
		}
		if consent != nil {
			entry.AnalysisConsent = *consent
		}
		entry.UpdatedAt = f.tick()
		f.entries[i] = entry
		return entry, nil
	}
	return store.JournalEntry{}, fmt.Errorf("update entry: %w", sql.ErrNoRows)
}

func (f *fakeStore) DeleteEntry(_ context.Context, userID, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, entry := range f.entries {
		if entry.ID != entryID || entry.UserID != userID {
			continue
		}
		f.entries = append(f.entries[:i], f.entries[i+1:]...)
		delete(f.notes, entryID)
		delete(f.questions, entryID)
		delete(f.responses, entryID)
		return nil
	}
	return fmt.Errorf("delete entry: %w", sql.ErrNoRows)
}

func (f *fakeStore) ListMarginNotes(_ context.Context, entryID string) ([]store.MarginNote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.MarginNote{}, f.notes[entryID]...), nil
}

func (f *fakeStore) ListReflectionQuestions(_ context.Context, entryID string) ([]store.ReflectionQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ReflectionQuestion{}, f.questions[entryID]...), nil
}

func (f *fakeStore) ListScaffoldResponses(_ context.Context, entryID string) ([]store.ScaffoldResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ScaffoldResponse{}, f.responses[entryID]...), nil
}

func (f *fakeStore) ReplaceEntryInsights(_ context.Context, entryID string, notes []store.MarginNote, questions []store.ReflectionQuestion) ([]store.MarginNote, []store.ReflectionQuestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.tick()
	for i := range notes {
		notes[i].GeneratedAt = now
	}
	for i := range questions {
		questions[i].CreatedAt = now
	}
	f.notes[entryID] = append([]store.MarginNote{}, notes...)
	f.questions[entryID] = append([]store.ReflectionQuestion{}, questions...)
	return notes, questions, nil
}

func (f *fakeStore) CreateScaffoldResponse(_ context.Context, response store.ScaffoldResponse) (store.ScaffoldResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if response.QuestionID != nil {
		found := false
		for _, question := range f.questions[response.EntryID] {
			if question.ID == *response.QuestionID {
				found = true
			}
		}
		if !found {
			return store.ScaffoldResponse{}, fmt.Errorf("create scaffold response: %w", sql.ErrNoRows)
		}
	}
	response.CreatedAt = f.tick()
	f.responses[response.EntryID] = append(f.responses[response.EntryID], response)
	return response, nil
}

func (f *fakeStore) ListRecentPrompts(_ context.Context, userID string, limit int) ([]store.PromptHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.PromptHistory{}
	for i := len(f.prompts) - 1; i >= 0 && len(out) < limit; i-- {
		if f.prompts[i].UserID == userID {
			out = append(out, f.prompts[i])
		}
	}
	return out, nil
}

func (f *fakeStore) CreatePromptHistory(_ context.Context, item store.PromptHistory) (store.PromptHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.ShownAt = f.tick()
	f.prompts = append(f.prompts, item)
	return item, nil
}

func (f *fakeStore) InsertExportArtifact(_ context.Context, artifact store.ExportArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, artifact)
	return nil
}

type fakeSearcher struct {
	mu       sync.Mutex
	queries  []search.Query
	indexed  []search.EntryRecord
	deleted  []string
	response search.Response
	err      error
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.response
}

func (f *fakeSearcher) IndexEntry(record search.EntryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}

func (f *fakeSearcher) DeleteEntry(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func (f *fakeSearcher) Reindex(_ context.Context, records []search.EntryRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.indexed = append(f.indexed, records...)
	return len(records), nil
}

type fakeExporter struct {
	requests []export.Request
	result   *export.Result
	err      error
}

func (f *fakeExporter) Export(_ context.Context, req export.Request) (*export.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeMailer struct {
	configured bool
	sent       []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendVerificationEmail(to, _, link string) error {
	f.sent = append(f.sent, "verify:"+to+":"+link)
	return nil
}

func (f *fakeMailer) SendPasswordResetEmail(to, _, link string) error {
	f.sent = append(f.sent, "reset:"+to+":"+link)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:      "test-secret",
		AccessTTL:      time.Hour,
		RefreshTTL:     24 * time.Hour,
		AppBaseURL:     "http://app.test",
		SignInAttempts: 3,
		SignInWindow:   time.Minute,
	}
}

func newTestService(fs *fakeStore, opts ...Option) *Service {
	base := []Option{
		WithAccounts(authpw.NewService(fs, nil, authpw.WithBcryptCost(bcrypt.MinCost))),
		WithMailer(&fakeMailer{}),
	}
	return New(testConfig(), fs, nil, append(base, opts...)...)
}

// loginAs stores a verified user and returns a bearer token for it.
func loginAs(t *testing.T, svc *Service, fs *fakeStore, id, role string) string {
	t.Helper()
	fs.addUser(store.User{ID: id, DisplayName: "User " + id, Email: id + "@example.com", Role: role, IsEmailVerified: true})
	current, err := svc.CreateSession(context.Background(), id)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return current.Token
}

func validCardJSON(annotation string) string {
	return `{"values":["Honesty","Craft","Rest"],"sixMonthGoal":"Ship the garden app","fiveYearGoal":"Run a small studio",` +
		`"constraints":"Two kids, limited evenings","antiGoals":"Burnout; chasing status","identityStmt":"I build calm tools",` +
		`"annotation":"` + annotation + `"}`
}

func storeUser(id, role string) store.User {
	return store.User{ID: id, DisplayName: "User " + id, Email: id + "@example.com", Role: role, IsEmailVerified: true}
}
