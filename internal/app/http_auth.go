package app

import (
	"net/http"

	"cardstudio/api/internal/authpw"
)

// routeAuth serves the unauthenticated /api/auth endpoints. It reports
// false for unknown paths.
func (s *HTTPServer) routeAuth(w http.ResponseWriter, r *http.Request) bool {
	switch r.URL.Path {
	case "/api/auth/signup":
		s.handleAuthSignUp(w, r)
	case "/api/auth/signin":
		s.handleAuthSignIn(w, r)
	case "/api/auth/verify-email":
		s.handleAuthVerifyEmail(w, r)
	case "/api/auth/resend-verification":
		s.handleAuthResendVerification(w, r)
	case "/api/auth/reset-password/request":
		s.handleAuthRequestReset(w, r)
	case "/api/auth/reset-password":
		s.handleAuthResetPassword(w, r)
	default:
		return false
	}
	return true
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	result, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	response := map[string]any{
		"userId":  result.UserID,
		"message": "Please check your email to verify your account",
	}
	// Without SMTP the token goes back to the caller so local setups can verify.
	if result.DevToken != "" {
		response["devVerificationToken"] = result.DevToken
		response["message"] = "Account created. Verify your email to continue."
	}
	writeJSON(w, http.StatusCreated, response)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	current, err := s.service.SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(current))
}

func (s *HTTPServer) handleAuthVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := s.service.VerifyEmail(r.Context(), body.Token); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Email verified successfully",
	})
}

func (s *HTTPServer) handleAuthResendVerification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	token, err := s.service.ResendVerification(r.Context(), body.Email)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	response := map[string]any{
		"message": "If an unverified account exists, a new verification email has been sent",
	}
	if token != "" {
		response["devVerificationToken"] = token
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	token, err := s.service.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	response := map[string]any{
		"message": "If an account exists, a reset email has been sent",
	}
	if token != "" {
		response["devResetToken"] = token
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := s.service.ResetPassword(r.Context(), authpw.ResetPasswordRequest{
		Token:       body.Token,
		NewPassword: body.NewPassword,
	}); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password reset successfully",
	})
}
