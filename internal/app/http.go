package app

import (
	"context"
	"crypto/rand"
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

	"github.com/therings/todo-backend/internal/auth"
	"github.com/therings/todo-backend/internal/authpw"
	"github.com/therings/todo-backend/internal/avatar"
	"github.com/therings/todo-backend/internal/export"
	"github.com/therings/todo-backend/internal/store"
)

type HTTPServer struct {
	service     *Service
	corsOrigins []string
	log         *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigins []string, log *zap.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigins: corsOrigins, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Routes reachable without a session
	if r.Method == http.MethodPost && r.URL.Path == "/api/users/register" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
			Name     string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Register(r.Context(), body.Email, body.Password, body.Name)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/users/login" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/users/google-login" {
		var body struct {
			Credential string `json:"credential"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.LoginWithGoogle(r.Context(), body.Credential)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Credential verification failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/users/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.RefreshSession(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/users/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.URL.Path == "/api/users/me" && r.Method == http.MethodGet {
		payload, err := s.service.Me(r.Context(), session)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/users/update-profile-picture" && r.Method == http.MethodPost {
		var body struct {
			PictureURL string `json:"pictureUrl"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateProfilePicture(r.Context(), session, body.PictureURL)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/users/reset-profile-picture" && r.Method == http.MethodPost {
		payload, err := s.service.ResetProfilePicture(r.Context(), session)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/users/update-name" && r.Method == http.MethodPost {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateName(r.Context(), session, body.Name)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/users" && r.Method == http.MethodGet {
		users, err := s.service.ListUsers(r.Context())
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, users)
		return
	}

	if r.URL.Path == "/api/todos/search" && r.Method == http.MethodGet {
		query := r.URL.Query()
		limit, err := queryInt(query.Get("limit"), 20)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		offset, err := queryInt(query.Get("offset"), 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		payload, err := s.service.Search(r.Context(), session, strings.TrimSpace(query.Get("q")), strings.TrimSpace(query.Get("type")), limit, offset)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/todos/export" && r.Method == http.MethodGet {
		format := strings.TrimSpace(r.URL.Query().Get("format"))
		if format == "" {
			format = string(export.FormatPDF)
		}
		if format != string(export.FormatPDF) && format != string(export.FormatCSV) {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "format must be pdf or csv", nil)
			return
		}
		includeComments := r.URL.Query().Get("comments") == "true"
		result, err := s.service.Export(r.Context(), session, format, includeComments)
		if err != nil {
			if errors.Is(err, export.ErrPDFDependencyMissing) {
				writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF rendering is not available", nil)
				return
			}
			s.writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	if r.URL.Path == "/api/todos" {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListTodos(r.Context(), session)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPost:
			var body struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateTodo(r.Context(), session, body.Title)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.URL.Path == "/api/deleted-todos" {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.ListArchivedTodos(r.Context(), session)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPost:
			var body ArchiveTodoInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.ArchiveTodo(r.Context(), session, body)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "deleted-todos" {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if err := s.service.PurgeArchivedTodo(r.Context(), session, parts[2]); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "todos" {
		todoID := parts[2]

		if len(parts) == 3 {
			switch r.Method {
			case http.MethodPut:
				var body UpdateTodoInput
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				payload, err := s.service.UpdateTodo(r.Context(), session, todoID, body)
				if err != nil {
					s.writeMappedError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, payload)
			case http.MethodDelete:
				if err := s.service.SoftDeleteTodo(r.Context(), session, todoID); err != nil {
					s.writeMappedError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}

		if len(parts) == 4 && parts[3] == "comments" {
			switch r.Method {
			case http.MethodGet:
				payload, err := s.service.ListComments(r.Context(), session, todoID)
				if err != nil {
					s.writeMappedError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, payload)
			case http.MethodPost:
				var body struct {
					Content string `json:"content"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				payload, err := s.service.AddComment(r.Context(), session, todoID, body.Content)
				if err != nil {
					s.writeMappedError(w, err)
					return
				}
				writeJSON(w, http.StatusCreated, payload)
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}

		if len(parts) == 5 && parts[3] == "comments" {
			if r.Method != http.MethodDelete {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			if err := s.service.DeleteComment(r.Context(), session, todoID, parts[4]); err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

		if len(parts) == 4 && parts[3] == "assign" {
			switch r.Method {
			case http.MethodGet:
				payload, err := s.service.ListTodoAssignees(r.Context(), session, todoID)
				if err != nil {
					s.writeMappedError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, payload)
			case http.MethodPost:
				var body struct {
					UserID string `json:"userId"`
				}
				if err := decodeBody(r, &body); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				if strings.TrimSpace(body.UserID) == "" {
					writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "userId is required", nil)
					return
				}
				payload, err := s.service.Assign(r.Context(), session, todoID, body.UserID)
				if err != nil {
					s.writeMappedError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, payload)
			default:
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			}
			return
		}

		if len(parts) == 5 && parts[3] == "assign" {
			if r.Method != http.MethodDelete {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			payload, err := s.service.Unassign(r.Context(), session, todoID, parts[4])
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.setCORSHeaders(writer.Header(), r.Header.Get("Origin"))
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

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

// setCORSHeaders echoes the request origin when it is on the allow list. A
// single "*" entry allows every origin.
func (s *HTTPServer) setCORSHeaders(header http.Header, origin string) {
	allowed := ""
	for _, candidate := range s.corsOrigins {
		if candidate == "*" {
			allowed = "*"
			break
		}
		if candidate == origin {
			allowed = origin
			break
		}
	}
	if allowed != "" {
		header.Set("Access-Control-Allow-Origin", allowed)
	}
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		// An absent body is fine; the handler's own validation decides what
		// is required.
		if errors.Is(err, io.EOF) {
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

func queryInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var policyErr *authpw.PolicyError
	if errors.As(err, &policyErr) {
		return http.StatusBadRequest, "WEAK_PASSWORD", "Password does not meet the policy", policyErr.Violations
	}

	switch {
	case errors.Is(err, authpw.ErrEmailExists):
		return http.StatusBadRequest, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrInvalidEmail):
		return http.StatusBadRequest, "VALIDATION_ERROR", "Invalid email address", nil
	case errors.Is(err, authpw.ErrEmptyName):
		return http.StatusBadRequest, "VALIDATION_ERROR", "Name must not be empty", nil
	case errors.Is(err, avatar.ErrInvalidFormat):
		return http.StatusBadRequest, "INVALID_IMAGE", "Unsupported image encoding", nil
	case errors.Is(err, avatar.ErrTooLarge):
		return http.StatusBadRequest, "IMAGE_TOO_LARGE", "Image exceeds the 5 MiB limit", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusBadRequest, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
