// Package app is the HTTP surface of the API: routing, request decoding,
// error mapping and the access log middleware.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"petlify/api/internal/auth"
	"petlify/api/internal/authpw"
	"petlify/api/internal/chat"
	"petlify/api/internal/metrics"
	"petlify/api/internal/search"
	"petlify/api/internal/store"
	"petlify/api/internal/util"
)

const (
	maxJSONBody     = 1 << 20
	multipartMemory = 32 << 20
	uploadField     = "images"
)

type ChatService interface {
	EnsureThread(ctx context.Context, caller auth.Identity, req chat.EnsureThreadRequest) (store.Thread, error)
	ListThreads(ctx context.Context, caller auth.Identity) ([]store.Thread, error)
	DeleteForCaller(ctx context.Context, caller auth.Identity, threadID string) error
	ListMessages(ctx context.Context, caller auth.Identity, threadID string) ([]store.Message, error)
	PostMessage(ctx context.Context, caller auth.Identity, req chat.PostMessageRequest) (store.Message, error)
	UploadAttachments(ctx context.Context, caller auth.Identity, files []chat.UploadFile) ([]store.Attachment, error)
}

type AccountService interface {
	Register(ctx context.Context, req authpw.Credentials) (auth.Identity, error)
	Login(ctx context.Context, req authpw.Credentials) (authpw.Session, error)
}

type SearchService interface {
	Search(ctx context.Context, caller auth.Identity, text string, limit int) (search.Response, error)
}

type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Chat     ChatService
	Accounts AccountService // nil = account routes answer 503
	Search   SearchService  // nil = search answers 503
	Verifier TokenVerifier
	DB       Pinger
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger

	CORSOrigin string
	// MaxUploadBody bounds the whole multipart request of an upload.
	MaxUploadBody int64
}

type HTTPServer struct {
	chat          ChatService
	accounts      AccountService
	search        SearchService
	verifier      TokenVerifier
	db            Pinger
	metrics       *metrics.Metrics
	log           zerolog.Logger
	corsOrigin    string
	maxUploadBody int64
}

func NewHTTPServer(deps Deps) *HTTPServer {
	corsOrigin := deps.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxUpload := deps.MaxUploadBody
	if maxUpload <= 0 {
		maxUpload = 101 << 20
	}
	return &HTTPServer{
		chat:          deps.Chat,
		accounts:      deps.Accounts,
		search:        deps.Search,
		verifier:      deps.Verifier,
		db:            deps.DB,
		metrics:       deps.Metrics,
		log:           deps.Logger.With().Str("component", "http").Logger(),
		corsOrigin:    corsOrigin,
		maxUploadBody: maxUpload,
	}
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

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		s.handleRegister(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		identity, err := s.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "email": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "email": identity.Email, "role": identity.Role})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "chats" {
		identity, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		s.handleChats(w, r, identity, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.db.Ping(ctx); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("readiness check failed")
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleChats(w http.ResponseWriter, r *http.Request, identity auth.Identity, parts []string) {
	ctx := r.Context()

	switch {
	case len(parts) == 1 && parts[0] == "ensure-thread":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body chat.EnsureThreadRequest
		if !s.decodeJSON(w, r, &body) {
			return
		}
		thread, err := s.chat.EnsureThread(ctx, identity, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, thread)

	case len(parts) == 1 && parts[0] == "threads":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		threads, err := s.chat.ListThreads(ctx, identity)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, threads)

	case len(parts) == 1 && parts[0] == "search":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleSearch(w, r, identity)

	case len(parts) == 1 && parts[0] == "upload-image":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleUpload(w, r, identity)

	case len(parts) == 2 && parts[1] == "messages":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		messages, err := s.chat.ListMessages(ctx, identity, parts[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, messages)

	case len(parts) == 2 && parts[1] == "message":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Text        string             `json:"text"`
			Attachments []store.Attachment `json:"attachments"`
		}
		if !s.decodeJSON(w, r, &body) {
			return
		}
		msg, err := s.chat.PostMessage(ctx, identity, chat.PostMessageRequest{
			ThreadID:    parts[0],
			Text:        body.Text,
			Attachments: body.Attachments,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)

	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if err := s.chat.DeleteForCaller(ctx, identity, parts[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured")
		return
	}
	query := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	resp, err := s.search.Search(r.Context(), identity, query.Get("q"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Upload is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Expected a multipart form with images")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File[uploadField]
	files := make([]chat.UploadFile, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			s.fail(w, r, fmt.Errorf("open upload %s: %w", header.Filename, err))
			return
		}
		opened = append(opened, f)
		files = append(files, chat.UploadFile{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Content:     f,
		})
	}

	attachments, err := s.chat.UploadAttachments(r.Context(), identity, files)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": attachments})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured")
		return
	}
	var body authpw.Credentials
	if !s.decodeJSON(w, r, &body) {
		return
	}
	identity, err := s.accounts.Register(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"email": identity.Email, "role": identity.Role})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured")
		return
	}
	var body authpw.Credentials
	if !s.decodeJSON(w, r, &body) {
		return
	}
	session, err := s.accounts.Login(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return auth.Identity{}, false
	}
	return identity, true
}

// fail writes the mapped error; server-side failures are logged with their
// cause, which never reaches the client.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("code", code).Msg("request failed")
	}
	writeError(w, status, code, message)
}

func (s *HTTPServer) decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return false
	}
	return true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewRequestID()
		}
		logger := s.log.With().Str("request_id", requestID).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.metrics.ObserveHTTP(r.Method, routeLabel(r.URL.Path), writer.status, elapsed)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// routeLabel collapses thread ids so metric labels stay bounded.
func routeLabel(path string) string {
	parts := splitPath(path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "chats" {
		switch parts[2] {
		case "ensure-thread", "threads", "search", "upload-image":
		default:
			parts[2] = ":id"
		}
	}
	if len(parts) > 4 {
		return "other"
	}
	return "/" + strings.Join(parts, "/")
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":  code,
		"error": message,
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
