package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"cardstudio/api/internal/auth"
	"cardstudio/api/internal/authpw"
	"cardstudio/api/internal/blob"
	"cardstudio/api/internal/cardarchive"
	"cardstudio/api/internal/cardhistory"
	"cardstudio/api/internal/config"
	"cardstudio/api/internal/email"
	"cardstudio/api/internal/export"
	"cardstudio/api/internal/rbac"
	"cardstudio/api/internal/reflect"
	"cardstudio/api/internal/search"
	"cardstudio/api/internal/session"
	"cardstudio/api/internal/store"
	"cardstudio/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// SessionStore keeps refresh sessions and revoked access tokens. Postgres
// and Redis both implement it.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type AttemptLimiter interface {
	CountAttempt(ctx context.Context, key string, window time.Duration) (int64, error)
	ResetAttempts(ctx context.Context, key string) error
}

type DataStore interface {
	authpw.UserStore
	SessionStore
	Ping(ctx context.Context) error
	SetUserRole(ctx context.Context, email, role string) error

	GetCardByUser(ctx context.Context, userID string) (*store.Card, error)
	SaveCard(ctx context.Context, userID, cardID, revisionID string, fields store.CardFields, annotation string) (store.Card, store.CardRevision, error)
	ListCardRevisions(ctx context.Context, cardID string, limit int) ([]store.CardRevision, error)

	ListEntries(ctx context.Context, userID string, limit int) ([]store.JournalEntry, error)
	ListConsentedEntries(ctx context.Context, userID string, limit int) ([]store.JournalEntry, error)
	ListAllEntries(ctx context.Context) ([]store.JournalEntry, error)
	CreateEntry(ctx context.Context, entry store.JournalEntry) (store.JournalEntry, error)
	GetEntry(ctx context.Context, userID, entryID string) (store.JournalEntry, error)
	UpdateEntry(ctx context.Context, userID, entryID string, content *string, consent *bool) (store.JournalEntry, error)
	DeleteEntry(ctx context.Context, userID, entryID string) error

	ListMarginNotes(ctx context.Context, entryID string) ([]store.MarginNote, error)
	ListReflectionQuestions(ctx context.Context, entryID string) ([]store.ReflectionQuestion, error)
	ListScaffoldResponses(ctx context.Context, entryID string) ([]store.ScaffoldResponse, error)
	ReplaceEntryInsights(ctx context.Context, entryID string, notes []store.MarginNote, questions []store.ReflectionQuestion) ([]store.MarginNote, []store.ReflectionQuestion, error)
	CreateScaffoldResponse(ctx context.Context, response store.ScaffoldResponse) (store.ScaffoldResponse, error)

	ListRecentPrompts(ctx context.Context, userID string, limit int) ([]store.PromptHistory, error)
	CreatePromptHistory(ctx context.Context, item store.PromptHistory) (store.PromptHistory, error)
	InsertExportArtifact(ctx context.Context, artifact store.ExportArtifact) error
}

type Mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexEntry(record search.EntryRecord)
	DeleteEntry(id string)
	Reindex(ctx context.Context, records []search.EntryRecord) (int, error)
}

type CardArchive interface {
	Record(userID string, snapshot cardhistory.Snapshot, annotation, author string) (cardarchive.Commit, error)
	History(userID string, limit int) ([]cardarchive.Commit, error)
	SnapshotAt(userID, hash string) (cardhistory.Snapshot, error)
	Compare(userID, fromHash, toHash string) (cardhistory.SnapshotDiff, error)
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type BlobStore interface {
	Put(ctx context.Context, key, contentType, filename string, data []byte) (blob.Object, error)
}

type Service struct {
	cfg       config.Config
	store     DataStore
	sessions  SessionStore
	limiter   AttemptLimiter
	accounts  *authpw.Service
	mailer    Mailer
	reflector *reflect.Reflector
	search    Searcher
	archive   CardArchive
	exporter  Exporter
	blobs     BlobStore
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Service)

// WithSessionStore moves refresh sessions off the primary database.
func WithSessionStore(sessions SessionStore) Option {
	return func(s *Service) { s.sessions = sessions }
}

func WithAttemptLimiter(limiter AttemptLimiter) Option {
	return func(s *Service) { s.limiter = limiter }
}

func WithMailer(mailer Mailer) Option {
	return func(s *Service) { s.mailer = mailer }
}

func WithAccounts(accounts *authpw.Service) Option {
	return func(s *Service) { s.accounts = accounts }
}

func WithReflector(reflector *reflect.Reflector) Option {
	return func(s *Service) { s.reflector = reflector }
}

func WithSearch(searcher Searcher) Option {
	return func(s *Service) { s.search = searcher }
}

func WithArchive(archive CardArchive) Option {
	return func(s *Service) { s.archive = archive }
}

func WithExporter(exporter Exporter) Option {
	return func(s *Service) { s.exporter = exporter }
}

func WithBlobStore(blobs BlobStore) Option {
	return func(s *Service) { s.blobs = blobs }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg config.Config, dataStore DataStore, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = dataStore
	}
	if s.accounts == nil {
		s.accounts = authpw.NewService(dataStore, logger)
	}
	if s.mailer == nil {
		s.mailer = email.NewService(cfg.SMTP, logger)
	}
	if s.reflector == nil {
		s.reflector = reflect.New(nil, logger)
	}
	return s
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	jti := util.NewID("jti")
	claims := auth.NewClaims(user.ID, user.DisplayName, user.Role, jti, now, s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    claims.Expiry(),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.Expiry(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, current Session, refreshToken string) error {
	if current.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, current.JTI, current.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", zap.String("user_id", current.UserID), zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// SetUserRole changes an account's role by email.
func (s *Service) SetUserRole(ctx context.Context, emailAddress, role string) error {
	if strings.TrimSpace(emailAddress) == "" {
		return validationError("email is required", map[string]string{"email": "Email is required"})
	}
	if !rbac.Valid(role) {
		return validationError("role must be member or admin", map[string]string{"role": "Unknown role"})
	}
	if err := s.store.SetUserRole(ctx, emailAddress, role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("User not found")
		}
		return err
	}
	s.logger.Info("user role changed", zap.String("email", emailAddress), zap.String("role", role))
	return nil
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

// Ping checks the primary database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) appURL(path, token string) string {
	return fmt.Sprintf("%s%s?token=%s", strings.TrimRight(s.cfg.AppBaseURL, "/"), path, url.QueryEscape(token))
}
