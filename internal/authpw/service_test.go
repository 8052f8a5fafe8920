package authpw

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"cardstudio/api/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type resetRow struct {
	userID    string
	expiresAt time.Time
	used      bool
}

// memUsers keeps one verification token per user and checks expiry against
// the same clock the service uses, like the SQL store does with NOW().
type memUsers struct {
	clock  *testClock
	users  map[string]store.User
	resets map[string]resetRow
}

func newMemUsers(clock *testClock) *memUsers {
	return &memUsers{clock: clock, users: map[string]store.User{}, resets: map[string]resetRow{}}
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memUsers) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memUsers) CreateUser(_ context.Context, user store.User) error {
	m.users[user.ID] = user
	return nil
}

func (m *memUsers) UpdateUserVerificationToken(_ context.Context, userID, token string, expiresAt time.Time) error {
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	m.users[userID] = user
	return nil
}

func (m *memUsers) VerifyUserEmail(_ context.Context, token string) error {
	for id, user := range m.users {
		if user.VerificationToken != token {
			continue
		}
		if user.VerificationExpiresAt != nil && !m.clock.Now().Before(*user.VerificationExpiresAt) {
			return sql.ErrNoRows
		}
		user.IsEmailVerified = true
		user.VerificationToken = ""
		user.VerificationExpiresAt = nil
		m.users[id] = user
		return nil
	}
	return sql.ErrNoRows
}

func (m *memUsers) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

func (m *memUsers) CreatePasswordReset(_ context.Context, userID, token string, expiresAt time.Time) error {
	m.resets[token] = resetRow{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memUsers) GetPasswordReset(_ context.Context, token string) (string, error) {
	row, ok := m.resets[token]
	if !ok || row.used || !m.clock.Now().Before(row.expiresAt) {
		return "", sql.ErrNoRows
	}
	return row.userID, nil
}

func (m *memUsers) MarkPasswordResetUsed(_ context.Context, token string) error {
	row, ok := m.resets[token]
	if ok {
		row.used = true
		m.resets[token] = row
	}
	return nil
}

func newAccounts(t *testing.T) (*Service, *memUsers, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	users := newMemUsers(clock)
	return NewService(users, nil, WithBcryptCost(bcrypt.MinCost), WithClock(clock.Now)), users, clock
}

func signUpVerified(t *testing.T, svc *Service, email, password string) string {
	t.Helper()
	resp, err := svc.SignUp(context.Background(), SignUpRequest{Email: email, Password: password, DisplayName: "Writer"})
	require.NoError(t, err)
	require.NoError(t, svc.VerifyEmail(context.Background(), resp.VerificationToken))
	return resp.UserID
}

func TestSignUpValidation(t *testing.T) {
	svc, _, _ := newAccounts(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, SignUpRequest{Email: "taken@example.com", Password: "long-enough", DisplayName: "First"})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  SignUpRequest
		want error
	}{
		{"empty", SignUpRequest{}, ErrMissingFields},
		{"blank display name", SignUpRequest{Email: "a@example.com", Password: "long-enough", DisplayName: "   "}, ErrMissingFields},
		{"malformed email", SignUpRequest{Email: "not-an-address", Password: "long-enough", DisplayName: "A"}, ErrInvalidEmail},
		{"seven characters", SignUpRequest{Email: "a@example.com", Password: "1234567", DisplayName: "A"}, ErrPasswordTooShort},
		{"taken ignoring case", SignUpRequest{Email: " TAKEN@example.com", Password: "long-enough", DisplayName: "B"}, ErrEmailTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SignUp(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSignUpStoresNormalizedMember(t *testing.T) {
	svc, users, clock := newAccounts(t)
	ctx := context.Background()

	resp, err := svc.SignUp(ctx, SignUpRequest{Email: "  Ada@Example.COM ", Password: "exactly8", DisplayName: " Ada "})
	require.NoError(t, err)
	assert.True(t, resp.RequiresEmailVerify)
	assert.True(t, strings.HasPrefix(resp.UserID, "usr_"))
	assert.Len(t, resp.VerificationToken, 2*verificationTokenSz)

	user := users.users[resp.UserID]
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "Ada", user.DisplayName)
	assert.Equal(t, DefaultRole, user.Role)
	assert.False(t, user.IsEmailVerified)
	require.NotNil(t, user.VerificationExpiresAt)
	assert.Equal(t, clock.Now().Add(VerificationTTL), *user.VerificationExpiresAt)

	assert.NotEqual(t, "exactly8", user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("exactly8")))
}

func TestSignInChecksPasswordBeforeVerification(t *testing.T) {
	svc, _, _ := newAccounts(t)
	ctx := context.Background()
	_, err := svc.SignUp(ctx, SignUpRequest{Email: "pending@example.com", Password: "correct-horse", DisplayName: "P"})
	require.NoError(t, err)

	_, err = svc.SignIn(ctx, SignInRequest{Email: "pending@example.com", Password: "wrong-horse"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	resp, err := svc.SignIn(ctx, SignInRequest{Email: "pending@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.True(t, resp.RequiresVerify)
}

func TestSignIn(t *testing.T) {
	svc, _, _ := newAccounts(t)
	ctx := context.Background()
	userID := signUpVerified(t, svc, "writer@example.com", "correct-horse")

	resp, err := svc.SignIn(ctx, SignInRequest{Email: " Writer@Example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, userID, resp.User.ID)
	assert.False(t, resp.RequiresVerify)

	for _, req := range []SignInRequest{
		{Email: "writer@example.com", Password: "wrong-horse"},
		{Email: "nobody@example.com", Password: "correct-horse"},
		{Email: "writer@example.com"},
		{Password: "correct-horse"},
	} {
		_, err := svc.SignIn(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidCredentials, "request %+v", req)
	}
}

func TestVerificationTokenExpiresAndResendReplacesIt(t *testing.T) {
	svc, _, clock := newAccounts(t)
	ctx := context.Background()
	resp, err := svc.SignUp(ctx, SignUpRequest{Email: "late@example.com", Password: "correct-horse", DisplayName: "L"})
	require.NoError(t, err)

	clock.Advance(VerificationTTL + time.Minute)
	assert.ErrorIs(t, svc.VerifyEmail(ctx, resp.VerificationToken), ErrInvalidVerifyToken)
	assert.ErrorIs(t, svc.VerifyEmail(ctx, "  "), ErrInvalidVerifyToken)

	fresh, err := svc.ResendVerification(ctx, "LATE@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, fresh)
	assert.NotEqual(t, resp.VerificationToken, fresh)

	require.NoError(t, svc.VerifyEmail(ctx, fresh))
	assert.ErrorIs(t, svc.VerifyEmail(ctx, fresh), ErrInvalidVerifyToken, "token is consumed")

	_, err = svc.ResendVerification(ctx, "late@example.com")
	assert.ErrorIs(t, err, ErrAlreadyVerified)

	token, err := svc.ResendVerification(ctx, "ghost@example.com")
	assert.NoError(t, err)
	assert.Empty(t, token)
}

func TestPasswordReset(t *testing.T) {
	svc, _, clock := newAccounts(t)
	ctx := context.Background()
	signUpVerified(t, svc, "reset@example.com", "first-password")

	token, err := svc.RequestPasswordReset(ctx, "unknown@example.com")
	require.NoError(t, err)
	assert.Empty(t, token)

	token, err = svc.RequestPasswordReset(ctx, "reset@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.ErrorIs(t, svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "short"}), ErrPasswordTooShort)
	assert.ErrorIs(t, svc.ResetPassword(ctx, ResetPasswordRequest{NewPassword: "second-password"}), ErrInvalidResetToken)
	assert.ErrorIs(t, svc.ResetPassword(ctx, ResetPasswordRequest{Token: "unknown", NewPassword: "second-password"}), ErrInvalidResetToken)

	require.NoError(t, svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "second-password"}))
	assert.ErrorIs(t, svc.ResetPassword(ctx, ResetPasswordRequest{Token: token, NewPassword: "third-password"}), ErrInvalidResetToken)

	_, err = svc.SignIn(ctx, SignInRequest{Email: "reset@example.com", Password: "first-password"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.SignIn(ctx, SignInRequest{Email: "reset@example.com", Password: "second-password"})
	assert.NoError(t, err)

	stale, err := svc.RequestPasswordReset(ctx, "reset@example.com")
	require.NoError(t, err)
	clock.Advance(PasswordResetTTL)
	assert.ErrorIs(t, svc.ResetPassword(ctx, ResetPasswordRequest{Token: stale, NewPassword: "third-password"}), ErrInvalidResetToken)
}
