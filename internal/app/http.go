package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"cardstudio/api/internal/auth"
	"cardstudio/api/internal/rbac"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/auth/") {
		if s.routeAuth(w, r) {
			return
		}
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		current, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": current.UserName, "userId": current.UserID, "role": current.Role})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		refreshed, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(refreshed))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		current := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				current = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), current, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	current, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if parts[1] == "admin" {
		s.handleAdmin(w, r, current, parts[2:])
		return
	}

	if !s.service.Can(current.Role, rbac.ActionJournal) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	switch parts[1] {
	case "journal":
		s.handleJournal(w, r, current, parts[2:])
		return
	case "card":
		s.handleCard(w, r, current, parts[2:])
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/margin-notes" {
		var body struct {
			EntryID string  `json:"entryId"`
			Content *string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.GenerateMarginNotes(r.Context(), current.UserID, body.EntryID, body.Content)
		s.respond(w, r, http.StatusOK, payload, err)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/prompts/next" {
		var body struct {
			ExcludeIDs []string `json:"excludeIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.NextPrompt(r.Context(), current.UserID, body.ExcludeIDs)
		s.respond(w, r, http.StatusOK, payload, err)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/patterns" {
		payload, err := s.service.Patterns(r.Context(), current.UserID)
		s.respond(w, r, http.StatusOK, payload, err)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, err := intParam(query.Get("limit"), 20)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		offset, err := intParam(query.Get("offset"), 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		payload, err := s.service.Search(r.Context(), current.UserID, strings.TrimSpace(query.Get("q")), limit, offset)
		s.respond(w, r, http.StatusOK, payload, err)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/export" {
		var body ExportInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Export(r.Context(), current.UserID, body)
		s.respond(w, r, http.StatusOK, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleJournal serves /api/journal, /api/journal/{id} and
// /api/journal/{id}/responses.
func (s *HTTPServer) handleJournal(w http.ResponseWriter, r *http.Request, current Session, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		payload, err := s.service.ListEntries(ctx, current.UserID)
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 0 && r.Method == http.MethodPost:
		var body struct {
			Content *string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateEntry(ctx, current.UserID, body.Content)
		s.respond(w, r, http.StatusCreated, payload, err)
	case len(parts) == 1 && r.Method == http.MethodGet:
		payload, err := s.service.GetEntry(ctx, current.UserID, parts[0])
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 1 && r.Method == http.MethodPatch:
		var body struct {
			Content         *string `json:"content"`
			AnalysisConsent *bool   `json:"analysisConsent"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateEntry(ctx, current.UserID, parts[0], body.Content, body.AnalysisConsent)
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		payload, err := s.service.DeleteEntry(ctx, current.UserID, parts[0])
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 2 && parts[1] == "responses" && r.Method == http.MethodPost:
		var body struct {
			QuestionID *string `json:"questionId"`
			Response   string  `json:"response"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddScaffoldResponse(ctx, current.UserID, parts[0], body.QuestionID, body.Response)
		s.respond(w, r, http.StatusCreated, payload, err)
	case len(parts) <= 1, len(parts) == 2 && parts[1] == "responses":
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCard(w http.ResponseWriter, r *http.Request, current Session, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		payload, err := s.service.GetCard(ctx, current.UserID)
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 0 && r.Method == http.MethodPut:
		var body CardPayload
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SaveCard(ctx, current, body)
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 1 && parts[0] == "history" && r.Method == http.MethodGet:
		payload, err := s.service.CardHistory(ctx, current.UserID)
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 1 && parts[0] == "archive" && r.Method == http.MethodGet:
		payload, err := s.service.CardArchive(ctx, current.UserID)
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 2 && parts[0] == "archive" && parts[1] == "compare" && r.Method == http.MethodGet:
		query := r.URL.Query()
		payload, err := s.service.CompareCardArchive(ctx, current.UserID, query.Get("from"), query.Get("to"))
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 2 && parts[0] == "archive" && r.Method == http.MethodGet:
		payload, err := s.service.CardArchiveSnapshot(ctx, current.UserID, parts[1])
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, current Session, parts []string) {
	route := strings.Join(parts, "/")
	switch {
	case r.Method == http.MethodPost && route == "search/reindex":
		if !s.service.Can(current.Role, rbac.ActionReindex) {
			s.forbid(w, current, rbac.ActionReindex)
			return
		}
		payload, err := s.service.Reindex(r.Context())
		s.respond(w, r, http.StatusOK, payload, err)
	case r.Method == http.MethodPut && route == "users/role":
		if !s.service.Can(current.Role, rbac.ActionManageRoles) {
			s.forbid(w, current, rbac.ActionManageRoles)
			return
		}
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := s.service.SetUserRole(r.Context(), body.Email, body.Role)
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// forbid writes a 403 and logs the denial.
func (s *HTTPServer) forbid(w http.ResponseWriter, current Session, action rbac.Action) {
	s.logger.Warn("access denied",
		zap.String("user_id", current.UserID),
		zap.String("role", current.Role),
		zap.String("action", string(action)),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	current, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return current, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// decodeBody treats an empty body as an empty object.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func sessionPayload(current Session) map[string]any {
	return map[string]any{
		"accessToken":  current.Token,
		"refreshToken": current.RefreshToken,
		"userId":       current.UserID,
		"userName":     current.UserName,
		"role":         current.Role,
		"expiresAt":    current.ExpiresAt.Unix(),
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
