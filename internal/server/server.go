package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"bookvault/internal/app"
	"bookvault/internal/domain"
	"bookvault/internal/ingest"
	"bookvault/internal/ratelimit"
	"bookvault/internal/store"
	"bookvault/internal/util"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	RedisAddr                  string
	RedisPassword              string
	LoginRateLimitPerMinute    int
	RegisterRateLimitPerMinute int
	MaxUploadBytes             int64
	BaseURL                    string
	PublicCovers               bool
	TrustedProxies             *util.TrustedProxies
}

// Server exposes the HTTP endpoints: authentication, the catalog API, and
// token-gated artifact delivery.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	maxUploadBytes  int64
	baseURL         string
	publicCovers    bool
	trusted         *util.TrustedProxies
	loginLimiter    *ratelimit.FixedWindowLimiter
	registerLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "bookvault:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	registerLimiter, err := newLimiter("register", registerLimit)
	if err != nil {
		return nil, err
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = ingest.MaxUploadBytes
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		maxUploadBytes:  maxUploadBytes,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		publicCovers:    cfg.PublicCovers,
		trusted:         cfg.TrustedProxies,
		loginLimiter:    loginLimiter,
		registerLimiter: registerLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler wrapped with the shared middleware.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("bookvault", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.Handle("/api/auth/me", s.authenticated(s.handleMe))

	// catalog
	s.mux.Handle("/api/books", s.authenticated(s.handleBooks))
	s.mux.Handle("/api/books/", s.authenticated(s.handleBookByID))

	// admin
	s.mux.Handle("/api/admin/stats", s.requireAdmin(s.handleStats))

	// artifact delivery
	s.mux.HandleFunc("/uploads/books/", s.handleBookFile)
	s.mux.HandleFunc("/uploads/covers/", s.handleCoverFile)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if err := s.app.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// requireDeveloper admits developers and admins. Used for the write side of
// the catalog: uploads and deletions.
func (s *Server) requireDeveloper(next authHandler) authHandler {
	return func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if user.Role != domain.RoleDeveloper && user.Role != domain.RoleAdmin {
			s.audit(r, "catalog.authorize", "fail", "user_id", user.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, user)
	}
}

// requireAdmin admits admins only.
func (s *Server) requireAdmin(next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if user.Role != domain.RoleAdmin {
			s.audit(r, "admin.authorize", "fail", "user_id", user.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "token.verify", "fail", "reason", "missing_token")
		return domain.User{}, false
	}
	user, ok := s.app.UserFromToken(token)
	if !ok {
		s.audit(r, "token.verify", "fail", "reason", "invalid_token")
		return domain.User{}, false
	}
	return user, true
}

// auth handlers
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "login", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Username, req.Password)
	if err != nil {
		s.audit(r, "login", "fail", "username", req.Username, "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		s.audit(r, "register", "rate_limited")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "register", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Register(req.FirstName, req.LastName, req.Username, req.Password, req.Role)
	if err != nil {
		s.audit(r, "register", "fail", "username", req.Username, "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// /api/books
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		s.handleListBooks(w, r)
	case http.MethodPost:
		s.requireDeveloper(s.handleUploadBook)(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BookFilter{
		Genre: strings.TrimSpace(q.Get("genre")),
		Sort:  strings.TrimSpace(q.Get("sort")),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filter.Page = page
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	books, total, err := s.app.ListBooks(filter)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	items := make([]bookView, 0, len(books))
	for _, b := range books {
		items = append(items, s.bookView(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
		"total": total,
	})
}

// /api/books/{id} or /api/books/{id}/content
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 && parts[1] == "content" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleBookContent(w, r, user, id)
		return
	}
	if len(parts) == 2 {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(id)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.bookView(book))
	case http.MethodDelete:
		s.requireDeveloper(func(w http.ResponseWriter, r *http.Request, user domain.User) {
			if err := s.app.DeleteBook(id); err != nil {
				s.writeAppError(w, err)
				return
			}
			s.audit(r, "book.delete", "success", "user_id", user.ID, "book_id", id)
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		})(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

// handleBookContent streams a book's artifact to an authenticated reader.
func (s *Server) handleBookContent(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	book, abs, size, err := s.app.ResolveBookContent(id)
	if err != nil {
		s.audit(r, "delivery", "fail", "user_id", user.ID, "book_id", id, "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "delivery", "success", "user_id", user.ID, "book_id", book.ID)
	s.streamArtifact(w, r, book.FilePath, abs, size)
}

// /uploads/books/{filename}: the delivery route the reader UI embeds. The
// token travels in the query string because embedded viewers cannot set
// headers; the Authorization header works as well.
func (s *Server) handleBookFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	user, ok := s.authorizeDelivery(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	filename := strings.TrimPrefix(r.URL.Path, "/uploads/books/")
	book, abs, size, err := s.app.ResolveBookFile(filename)
	if err != nil {
		s.audit(r, "delivery", "fail", "user_id", user.ID, "filename", filename, "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "delivery", "success", "user_id", user.ID, "book_id", book.ID)
	s.streamArtifact(w, r, book.FilePath, abs, size)
}

// /uploads/covers/{filename}: cover images are public when configured so,
// otherwise gated like book files.
func (s *Server) handleCoverFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.publicCovers {
		if _, ok := s.authorizeDelivery(r); !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	filename := strings.TrimPrefix(r.URL.Path, "/uploads/covers/")
	abs, size, err := s.app.ResolveCover(filename)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.streamArtifact(w, r, filename, abs, size)
}

// authorizeDelivery accepts the token from the ?token= query parameter or
// the Authorization header.
func (s *Server) authorizeDelivery(r *http.Request) (domain.User, bool) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		var ok bool
		token, ok = bearerToken(r)
		if !ok {
			s.audit(r, "delivery.authorize", "fail", "reason", "missing_token")
			return domain.User{}, false
		}
	}
	user, ok := s.app.UserFromToken(token)
	if !ok {
		s.audit(r, "delivery.authorize", "fail", "reason", "invalid_token")
		return domain.User{}, false
	}
	return user, true
}

// streamArtifact writes the delivery headers and copies the file to the
// client without buffering it. Once the copy has started the status line is
// on the wire, so a mid-stream failure can only abort the connection.
func (s *Server) streamArtifact(w http.ResponseWriter, r *http.Request, name, abs string, size int64) {
	logger := util.LoggerFromContext(r.Context())
	f, err := os.Open(abs)
	if err != nil {
		logger.Error("open artifact", "path", name, "err", err)
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, app.ErrFileMissing.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentTypeFor(name))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", path.Base(name)))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Length")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, f); err != nil {
		logger.Error("artifact stream interrupted", "path", name, "err", err)
		panic(http.ErrAbortHandler)
	}
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".epub":
		return "application/epub+zip"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// upload

func (s *Server) handleUploadBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.audit(r, "upload", "fail", "user_id", user.ID, "reason", "invalid_form")
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}

	bookFile, bookHeader, err := r.FormFile("bookFile")
	if err != nil {
		writeError(w, http.StatusBadRequest, "book file is required (field: bookFile)")
		return
	}
	defer bookFile.Close()
	if d := ingest.CheckBookFile(bookHeader.Filename, bookHeader.Size); !d.OK {
		s.audit(r, "upload", "fail", "user_id", user.ID, "reason", d.Reason)
		writeError(w, http.StatusBadRequest, d.Reason)
		return
	}

	coverFile, coverHeader, err := r.FormFile("coverImage")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			s.audit(r, "upload", "fail", "user_id", user.ID, "reason", "missing_cover")
			writeError(w, http.StatusBadRequest, "both book file and cover image are required")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid cover image upload")
		return
	}
	defer coverFile.Close()
	if d := ingest.CheckCoverImage(coverHeader.Filename, coverHeader.Size); !d.OK {
		s.audit(r, "upload", "fail", "user_id", user.ID, "reason", d.Reason)
		writeError(w, http.StatusBadRequest, d.Reason)
		return
	}

	files := s.app.Files()
	bookRel, err := files.SaveBook(bookHeader.Filename, bookFile)
	if err != nil {
		slog.Error("save uploaded book", "err", err)
		writeError(w, http.StatusInternalServerError, "could not store uploaded file")
		return
	}
	coverRel, err := files.SaveCover(coverHeader.Filename, coverFile)
	if err != nil {
		slog.Error("save uploaded cover", "err", err)
		if rmErr := files.Remove(bookRel); rmErr != nil {
			slog.Error("remove stored book after cover failure", "err", rmErr)
		}
		writeError(w, http.StatusInternalServerError, "could not store uploaded file")
		return
	}

	meta := app.UploadMeta{
		Title:         r.FormValue("title"),
		Author:        r.FormValue("author"),
		Description:   r.FormValue("description"),
		Genre:         strings.TrimSpace(r.FormValue("genre")),
		BookFilename:  bookHeader.Filename,
		CoverFilename: coverHeader.Filename,
	}
	if year, err := strconv.Atoi(strings.TrimSpace(r.FormValue("year"))); err == nil {
		meta.Year = year
	}
	if strings.EqualFold(path.Ext(bookHeader.Filename), ".pdf") {
		if abs, err := files.Resolve(bookRel); err == nil {
			if pages, ok := ingest.ProbePDF(abs); ok {
				meta.Pages = pages
			}
		}
	}

	book, err := s.app.CommitUpload(meta, bookRel, coverRel, user)
	if err != nil {
		s.audit(r, "upload", "fail", "user_id", user.ID, "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "upload", "success", "user_id", user.ID, "book_id", book.ID)
	writeJSON(w, http.StatusCreated, s.bookView(book))
}

// admin

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.GetStats()
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "admin.stats", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, stats)
}

// responses

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Role      string `json:"role"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// bookView is the API projection of a record. Storage paths stay private;
// clients get delivery URLs instead.
type bookView struct {
	domain.Book
	CoverURL  string `json:"coverUrl,omitempty"`
	SecureURL string `json:"secureUrl"`
}

func (s *Server) bookView(b domain.Book) bookView {
	view := bookView{Book: b}
	if b.FilePath != "" {
		view.SecureURL = s.baseURL + "/uploads/books/" + path.Base(b.FilePath)
	}
	if b.CoverImagePath != "" {
		view.CoverURL = s.baseURL + "/uploads/covers/" + path.Base(b.CoverImagePath)
	}
	return view
}

// helpers

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps application errors onto HTTP statuses.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrInvalidID),
		errors.Is(err, app.ErrValidation),
		errors.Is(err, app.ErrUsernameTaken):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotFound), errors.Is(err, app.ErrFileMissing):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// audit logs through the request-scoped logger, which already carries the
// request id.
func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logger := util.LoggerFromContext(r.Context())
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
