package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"cardstudio/api/internal/authpw"
)

type SignUpResult struct {
	UserID string
	// DevToken is only set when no mail server is configured.
	DevToken string
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (SignUpResult, error) {
	resp, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return SignUpResult{}, mapAccountError(err)
	}

	result := SignUpResult{UserID: resp.UserID}
	if !s.SMTPConfigured() {
		result.DevToken = resp.VerificationToken
		return result, nil
	}
	if err := s.mailer.SendVerificationEmail(req.Email, strings.TrimSpace(req.DisplayName), s.appURL("/verify-email", resp.VerificationToken)); err != nil {
		s.logger.Error("send verification email", zap.String("user_id", resp.UserID), zap.Error(err))
	}
	return result, nil
}

// SignIn checks credentials and opens a session. With a limiter configured,
// repeated failures for one address are throttled.
func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	key := "signin:" + strings.ToLower(strings.TrimSpace(req.Email))
	if s.limiter != nil && s.cfg.SignInAttempts > 0 {
		count, err := s.limiter.CountAttempt(ctx, key, s.cfg.SignInWindow)
		if err != nil {
			s.logger.Warn("count sign-in attempt", zap.Error(err))
		} else if count > int64(s.cfg.SignInAttempts) {
			return Session{}, domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many sign-in attempts, try again later", nil)
		}
	}

	resp, err := s.accounts.SignIn(ctx, req)
	if err != nil {
		return Session{}, mapAccountError(err)
	}
	if resp.RequiresVerify {
		return Session{}, domainError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
	}

	if s.limiter != nil {
		if err := s.limiter.ResetAttempts(ctx, key); err != nil {
			s.logger.Warn("reset sign-in attempts", zap.Error(err))
		}
	}
	return s.issueSession(ctx, resp.User)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if err := s.accounts.VerifyEmail(ctx, token); err != nil {
		return mapAccountError(err)
	}
	return nil
}

// ResendVerification returns a dev token when mail is not configured.
func (s *Service) ResendVerification(ctx context.Context, emailAddress string) (string, error) {
	token, err := s.accounts.ResendVerification(ctx, emailAddress)
	if err != nil {
		return "", mapAccountError(err)
	}
	if token == "" {
		return "", nil
	}
	if !s.SMTPConfigured() {
		return token, nil
	}
	if err := s.mailer.SendVerificationEmail(emailAddress, "", s.appURL("/verify-email", token)); err != nil {
		s.logger.Error("resend verification email", zap.Error(err))
	}
	return "", nil
}

// RequestPasswordReset never reveals whether the address exists. The token
// is returned only when mail is not configured.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddress string) (string, error) {
	token, err := s.accounts.RequestPasswordReset(ctx, emailAddress)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", nil
	}
	if !s.SMTPConfigured() {
		return token, nil
	}
	if err := s.mailer.SendPasswordResetEmail(emailAddress, "", s.appURL("/reset-password", token)); err != nil {
		s.logger.Error("send password reset email", zap.Error(err))
	}
	return "", nil
}

func (s *Service) ResetPassword(ctx context.Context, req authpw.ResetPasswordRequest) error {
	if err := s.accounts.ResetPassword(ctx, req); err != nil {
		return mapAccountError(err)
	}
	return nil
}

func mapAccountError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrInvalidEmail):
		return domainError(http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
	case errors.Is(err, authpw.ErrPasswordTooShort):
		return domainError(http.StatusBadRequest, "WEAK_PASSWORD", err.Error(), nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	case errors.Is(err, authpw.ErrInvalidVerifyToken):
		return domainError(http.StatusBadRequest, "VERIFICATION_FAILED", err.Error(), nil)
	case errors.Is(err, authpw.ErrAlreadyVerified):
		return domainError(http.StatusConflict, "ALREADY_VERIFIED", err.Error(), nil)
	case errors.Is(err, authpw.ErrInvalidResetToken):
		return domainError(http.StatusBadRequest, "RESET_FAILED", err.Error(), nil)
	default:
		return err
	}
}
