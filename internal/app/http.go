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
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qcat/internal/accounts"
	"qcat/internal/configuration"
	"qcat/internal/draft"
	"qcat/internal/listing"
	"qcat/internal/qdata"
	"qcat/internal/store"
	"qcat/internal/summary"
	"qcat/internal/upload"
	"qcat/internal/workflow"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
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
		payload := map[string]any{"ok": true}
		if next := s.service.NextMaintenance(r.Context()); next != "" {
			payload["nextMaintenance"] = next
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/v1/auth/login" {
		s.handleLogin(w, r)
		return
	}

	// The unsubscribe link in digest mails works without a session.
	if r.Method == http.MethodGet && r.URL.Path == "/notifications/unsubscribe" {
		token := strings.TrimSpace(r.URL.Query().Get("token"))
		if err := s.service.Unsubscribe(r.Context(), token); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[0] {
	case "summary":
		if r.Method == http.MethodGet && len(parts) == 2 {
			s.handleSummary(w, r, parts[1])
			return
		}
	case "file":
		if r.Method == http.MethodGet && len(parts) == 3 {
			s.handleFile(w, r, parts[1], parts[2])
			return
		}
	case "upload":
		if r.Method == http.MethodPost && len(parts) == 1 {
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			s.handleUpload(w, r, session)
			return
		}
	case "notifications":
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		s.handleNotifications(w, r, session, parts[1:])
		return
	case "api":
		if r.Method == http.MethodGet && r.URL.Path == "/api/v1/users" {
			if _, ok := s.requireSession(w, r); !ok {
				return
			}
			s.handleUserSearch(w, r)
			return
		}
	default:
		// Everything else is /{type}/...
		if len(parts) >= 2 {
			s.handleQuestionnaires(w, r, parts[0], parts[1:])
			return
		}
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
		"drafts":   map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingDrafts(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["drafts"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, token, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    token,
		"userId":   user.ID,
		"userName": user.DisplayName,
	})
}

func (s *HTTPServer) handleQuestionnaires(w http.ResponseWriter, r *http.Request, configCode string, parts []string) {
	switch parts[0] {
	case "list", "list_partial":
		if r.Method != http.MethodGet {
			break
		}
		params := listing.Parse(r.URL.Query())
		params.ConfigCode = configCode
		result, err := s.service.List(r.Context(), s.optionalSession(r), params)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"list":           result.List,
			"active_filters": result.ActiveFilters,
			"pagination":     result.Pagination,
		})
		return

	case "view":
		if r.Method != http.MethodGet || len(parts) != 2 {
			break
		}
		session := s.optionalSession(r)
		detail, err := s.service.View(r.Context(), session, parts[1])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
		return

	case "search":
		if r.Method != http.MethodGet || len(parts) != 2 || parts[1] != "links" {
			break
		}
		term := strings.TrimSpace(r.URL.Query().Get("q"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		results, err := s.service.SearchLinks(r.Context(), configCode, term, limit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"total": len(results), "data": results})
		return

	case "edit":
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		s.handleEdit(w, r, session, configCode, parts[1:])
		return

	case "status":
		if r.Method != http.MethodPost || len(parts) != 2 {
			break
		}
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			Event   string `json:"event"`
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		q, err := s.service.ChangeStatus(r.Context(), session, parts[1], workflow.Event(body.Event), body.Message)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"code":    q.Code,
			"status":  q.Status.String(),
		})
		return

	case "links":
		if r.Method != http.MethodPost || len(parts) != 2 {
			break
		}
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			Targets []int64 `json:"targets"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetLinks(r.Context(), session, parts[1], body.Targets); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return

	case "members":
		if r.Method != http.MethodPost || len(parts) != 2 {
			break
		}
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			UserID int64  `json:"userId"`
			Role   string `json:"role"`
			Remove bool   `json:"remove"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var err error
		if body.Remove {
			err = s.service.RemoveMember(r.Context(), session, parts[1], body.UserID, workflow.Role(body.Role))
		} else {
			err = s.service.AddMember(r.Context(), session, parts[1], body.UserID, workflow.Role(body.Role))
		}
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleEdit(w http.ResponseWriter, r *http.Request, session Session, configCode string, parts []string) {
	code := draft.NewCode
	if len(parts) > 0 {
		code = parts[0]
	}

	switch {
	case r.Method == http.MethodGet && len(parts) <= 1:
		state, err := s.service.StartEdit(r.Context(), session, configCode, code)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
		return

	case r.Method == http.MethodDelete && len(parts) == 1:
		if err := s.service.ReleaseEdit(r.Context(), session, configCode, code); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return

	case r.Method == http.MethodPost && len(parts) == 2:
		// Step save: the body carries the questiongroups of one form step.
		var data qdata.Data
		if err := decodeBody(r, &data); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		state, problems, err := s.service.SaveStep(r.Context(), session, configCode, code, data)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"step":     parts[1],
			"data":     state.Data,
			"problems": problems,
		})
		return

	case r.Method == http.MethodPost && len(parts) <= 1:
		q, problems, err := s.service.CommitDraft(r.Context(), session, configCode, code)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"code":     q.Code,
			"uuid":     q.UUID,
			"version":  q.Version,
			"status":   q.Status.String(),
			"problems": problems,
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 0:
		query := store.LogQuery{
			UnreadOnly: r.URL.Query().Get("unread") == "1",
			Code:       strings.TrimSpace(r.URL.Query().Get("code")),
		}
		if actions := strings.TrimSpace(r.URL.Query().Get("actions")); actions != "" {
			query.Actions = strings.Split(actions, ",")
		}
		query.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
		if page, _ := strconv.Atoi(r.URL.Query().Get("page")); page > 1 {
			if query.Limit <= 0 {
				query.Limit = 20
			}
			query.Offset = (page - 1) * query.Limit
		}
		result, err := s.service.Notifications(r.Context(), session, query)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "new_count":
		count, err := s.service.UnreadCount(r.Context(), session)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": count})
		return

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "read":
		var body struct {
			LogID int64 `json:"logId"`
			Read  *bool `json:"read"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		read := true
		if body.Read != nil {
			read = *body.Read
		}
		if err := s.service.MarkNotificationRead(r.Context(), session, body.LogID, read); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return

	case len(parts) == 1 && parts[0] == "preferences":
		if r.Method == http.MethodGet {
			prefs, err := s.service.MailPreferencesFor(r.Context(), session)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, prefsPayload(prefs))
			return
		}
		if r.Method == http.MethodPost {
			var body struct {
				Subscription  string `json:"subscription"`
				WantedActions string `json:"wantedActions"`
				Language      string `json:"language"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			prefs, err := s.service.UpdateMailPreferences(r.Context(), session, body.Subscription, body.WantedActions, body.Language)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, prefsPayload(prefs))
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func prefsPayload(prefs store.MailPreferences) map[string]any {
	return map[string]any{
		"subscription":  prefs.Subscription,
		"wantedActions": prefs.WantedActions,
		"language":      prefs.Language,
	}
}

func (s *HTTPServer) handleSummary(w http.ResponseWriter, r *http.Request, identifier string) {
	result, err := s.service.summaries.Render(r.Context(), identifier,
		strings.TrimSpace(r.URL.Query().Get("template")),
		strings.TrimSpace(r.URL.Query().Get("lang")))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleFile(w http.ResponseWriter, r *http.Request, action, uid string) {
	if action != "display" && action != "download" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	file, reader, err := s.service.uploads.Open(r.Context(), uid, strings.TrimSpace(r.URL.Query().Get("format")))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", file.ContentType)
	if file.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	}
	disposition := "inline"
	if action == "download" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, file.UUID))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, reader)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "no files in request", nil)
		return
	}

	var files []map[string]any
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "unreadable file part", nil)
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "unreadable file part", nil)
			return
		}
		saved, err := s.service.uploads.Save(r.Context(), data)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		files = append(files, map[string]any{
			"success":     true,
			"uid":         saved.UUID,
			"name":        header.Filename,
			"url":         "/file/display/" + saved.UUID,
			"contentType": saved.ContentType,
			"size":        saved.Size,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "files": files})
}

func (s *HTTPServer) handleUserSearch(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("q"))
	users, err := s.service.accounts.SearchUsers(r.Context(), term)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, accounts.ErrExpiredSession) || errors.Is(err, accounts.ErrInvalidSession) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// optionalSession resolves a session when a token is present, nil
// otherwise. Used by routes that are public for published content.
func (s *HTTPServer) optionalSession(r *http.Request) *Session {
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		return nil
	}
	return &session
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
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
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

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
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

// writeServiceError maps a service error to its HTTP shape. Unexpected
// errors are logged under the request id so the generic response can be
// correlated with the log line.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		log.Printf("app: request %s failed: %v", requestID, err)
		details = map[string]any{"requestId": requestID}
	}
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var invalid *workflow.ErrInvalidTransition
	if errors.As(err, &invalid) {
		return http.StatusConflict, "CONFLICTING_STATE", invalid.Error(), nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrFileNotFound),
		errors.Is(err, draft.ErrNoDraft),
		errors.Is(err, configuration.ErrConfigNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrLocked):
		return http.StatusConflict, "LOCKED", "another user is editing this questionnaire", nil
	case errors.Is(err, accounts.ErrBadCredentials),
		errors.Is(err, accounts.ErrInvalidSession),
		errors.Is(err, accounts.ErrExpiredSession):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, accounts.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "the login service is unavailable, try again later", nil
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "QUOTA_EXCEEDED", "the file is too large", nil
	case errors.Is(err, upload.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_TYPE", "this file type is not accepted", nil
	case errors.Is(err, summary.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "the PDF renderer is unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
