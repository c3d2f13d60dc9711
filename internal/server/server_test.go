package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"bookvault/internal/app"
	"bookvault/internal/storage"
	"bookvault/internal/store"
	"bookvault/internal/token"
)

const testSecret = "server-test-secret"

type testEnv struct {
	srv   *httptest.Server
	app   *app.App
	files *storage.FileStore

	adminToken   string
	devToken     string
	studentToken string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	tokens, err := token.NewService(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	a, err := app.New(app.Config{Store: mem, Files: files, Tokens: tokens})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	redis := miniredis.RunT(t)
	s, err := New(Config{
		App:                        a,
		RedisAddr:                  redis.Addr(),
		LoginRateLimitPerMinute:    100,
		RegisterRateLimitPerMinute: 100,
		PublicCovers:               true,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	env := &testEnv{srv: srv, app: a, files: files}
	env.adminToken = env.registerAndLogin(t, "admin1", "admin")
	env.devToken = env.registerAndLogin(t, "dev1", "developer")
	env.studentToken = env.registerAndLogin(t, "student1", "student")
	return env
}

func (e *testEnv) registerAndLogin(t *testing.T, username, role string) string {
	t.Helper()
	if _, err := e.app.Register("Test", "User", username, "Pass-word1", role); err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	_, raw, err := e.app.Login(username, "Pass-word1")
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return raw
}

func (e *testEnv) request(t *testing.T, method, path, bearer string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func uploadBody(t *testing.T, title, author, bookName string, bookContent []byte, coverName string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fields := map[string]string{
		"title":  title,
		"author": author,
		"genre":  "Science Fiction",
		"year":   "1965",
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	fw, err := mw.CreateFormFile("bookFile", bookName)
	if err != nil {
		t.Fatalf("create book part: %v", err)
	}
	if _, err := fw.Write(bookContent); err != nil {
		t.Fatalf("write book part: %v", err)
	}
	if coverName != "" {
		cw, err := mw.CreateFormFile("coverImage", coverName)
		if err != nil {
			t.Fatalf("create cover part: %v", err)
		}
		if _, err := cw.Write([]byte("cover bytes")); err != nil {
			t.Fatalf("write cover part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return buf, mw.FormDataContentType()
}

type bookEnvelope struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CoverURL  string `json:"coverUrl"`
	SecureURL string `json:"secureUrl"`
}

func (e *testEnv) uploadBook(t *testing.T, title, author string, content []byte) bookEnvelope {
	t.Helper()
	body, contentType := uploadBody(t, title, author, "book.epub", content, "cover.png")
	resp := e.request(t, http.MethodPost, "/api/books", e.devToken, body, contentType)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload expected 201, got %d: %s", resp.StatusCode, raw)
	}
	var book bookEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if book.ID == "" || book.SecureURL == "" {
		t.Fatalf("upload response incomplete: %+v", book)
	}
	return book
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload["error"]
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp := e.request(t, http.MethodGet, "/api/health", "", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestLoginEndpoint(t *testing.T) {
	e := newTestEnv(t)
	body := []byte(`{"username":"student1","password":"Pass-word1"}`)
	resp := e.request(t, http.MethodPost, "/api/auth/login", "", bytes.NewReader(body), "application/json")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
		User  struct {
			Username string `json:"username"`
			Role     string `json:"role"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if payload.Token == "" || payload.User.Username != "student1" || payload.User.Role != "student" {
		t.Fatalf("unexpected login payload: %+v", payload)
	}

	bad := []byte(`{"username":"student1","password":"nope"}`)
	resp2 := e.request(t, http.MethodPost, "/api/auth/login", "", bytes.NewReader(bad), "application/json")
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: expected 401, got %d", resp2.StatusCode)
	}
}

func TestRegisterEndpointRejectsDuplicateUsername(t *testing.T) {
	e := newTestEnv(t)
	body := []byte(`{"username":"student1","password":"Other-pass1"}`)
	resp := e.request(t, http.MethodPost, "/api/auth/register", "", bytes.NewReader(body), "application/json")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUploadAndStreamContent(t *testing.T) {
	e := newTestEnv(t)
	content := []byte("the spice must flow through every byte of this file")
	book := e.uploadBook(t, "Dune", "Herbert", content)

	resp := e.request(t, http.MethodGet, "/api/books/"+book.ID+"/content", e.studentToken, nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read streamed body: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("streamed content differs from upload")
	}
	if cl := resp.Header.Get("Content-Length"); cl != strconv.Itoa(len(content)) {
		t.Fatalf("Content-Length %q does not match body size %d", cl, len(content))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/epub+zip" {
		t.Fatalf("unexpected Content-Type %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("artifact response must not be cacheable, got %q", cc)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "inline") {
		t.Fatalf("expected inline disposition, got %q", cd)
	}
}

func TestDeliveryByFilenameWithQueryToken(t *testing.T) {
	e := newTestEnv(t)
	content := []byte("epub payload for the embedded reader")
	book := e.uploadBook(t, "Hyperion", "Simmons", content)
	filename := path.Base(book.SecureURL)

	resp := e.request(t, http.MethodGet, "/uploads/books/"+filename+"?token="+url.QueryEscape(e.studentToken), "", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, content) {
		t.Fatalf("streamed content differs from upload")
	}

	// No token at all.
	resp2 := e.request(t, http.MethodGet, "/uploads/books/"+filename, "", nil, "")
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", resp2.StatusCode)
	}

	// Bearer header works too.
	resp3 := e.request(t, http.MethodGet, "/uploads/books/"+filename, e.studentToken, nil, "")
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("bearer token: expected 200, got %d", resp3.StatusCode)
	}

	// A filename nothing references is not servable.
	resp4 := e.request(t, http.MethodGet, "/uploads/books/deadbeef.epub", e.studentToken, nil, "")
	defer resp4.Body.Close()
	if resp4.StatusCode != http.StatusNotFound {
		t.Fatalf("unreferenced filename: expected 404, got %d", resp4.StatusCode)
	}
}

func TestPublicCoverDelivery(t *testing.T) {
	e := newTestEnv(t)
	book := e.uploadBook(t, "Foundation", "Asimov", []byte("epub"))
	if book.CoverURL == "" {
		t.Fatalf("upload response missing coverUrl")
	}
	resp := e.request(t, http.MethodGet, "/uploads/covers/"+path.Base(book.CoverURL), "", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected cover Content-Type %q", ct)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	e := newTestEnv(t)
	expiredSigner, err := token.NewService(testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	user, ok := e.app.UserFromToken(e.studentToken)
	if !ok {
		t.Fatalf("live token did not authenticate")
	}
	expired, err := expiredSigner.Sign(user)
	if err != nil {
		t.Fatalf("sign expired token: %v", err)
	}

	resp := e.request(t, http.MethodGet, "/api/auth/me", expired, nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired bearer: expected 401, got %d", resp.StatusCode)
	}

	book := e.uploadBook(t, "Dune", "Herbert", []byte("content"))
	resp2 := e.request(t, http.MethodGet, "/uploads/books/"+path.Base(book.SecureURL)+"?token="+url.QueryEscape(expired), "", nil, "")
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired query token: expected 401, got %d", resp2.StatusCode)
	}
}

func TestUploadRequiresDeveloperRole(t *testing.T) {
	e := newTestEnv(t)
	body, contentType := uploadBody(t, "Dune", "Herbert", "book.epub", []byte("x"), "")
	resp := e.request(t, http.MethodPost, "/api/books", e.studentToken, body, contentType)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("student upload: expected 403, got %d", resp.StatusCode)
	}

	body2, contentType2 := uploadBody(t, "Dune", "Herbert", "book.epub", []byte("x"), "")
	resp2 := e.request(t, http.MethodPost, "/api/books", "", body2, contentType2)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous upload: expected 401, got %d", resp2.StatusCode)
	}
}

func TestUploadRequiresCoverImage(t *testing.T) {
	e := newTestEnv(t)
	body, contentType := uploadBody(t, "Dune", "Herbert", "book.epub", []byte("epub content"), "")
	resp := e.request(t, http.MethodPost, "/api/books", e.devToken, body, contentType)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("cover-less upload: expected 400, got %d", resp.StatusCode)
	}
	if msg := decodeError(t, resp); !strings.Contains(msg, "cover image") {
		t.Fatalf("unexpected error message %q", msg)
	}

	// The rejection must not commit a record or leave the book file behind.
	entries, err := os.ReadDir(filepath.Join(e.files.Root(), storage.BookDir))
	if err != nil {
		t.Fatalf("read books dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("cover-less upload left %d files behind", len(entries))
	}
	list := e.request(t, http.MethodGet, "/api/books", e.devToken, nil, "")
	defer list.Body.Close()
	var payload struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(list.Body).Decode(&payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if payload.Total != 0 {
		t.Fatalf("cover-less upload committed a record")
	}
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	e := newTestEnv(t)
	body, contentType := uploadBody(t, "Dune", "Herbert", "book.exe", []byte("mz"), "")
	resp := e.request(t, http.MethodPost, "/api/books", e.devToken, body, contentType)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDuplicateUploadLeavesNoOrphans(t *testing.T) {
	e := newTestEnv(t)
	e.uploadBook(t, "Dune", "Herbert", []byte("first copy"))

	body, contentType := uploadBody(t, "Dune", "Herbert", "again.epub", []byte("second copy"), "again.png")
	resp := e.request(t, http.MethodPost, "/api/books", e.devToken, body, contentType)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate upload: expected 400, got %d", resp.StatusCode)
	}
	if msg := decodeError(t, resp); !strings.Contains(msg, "exists") && !strings.Contains(msg, "validation") {
		t.Fatalf("unexpected duplicate error message %q", msg)
	}

	entries, err := os.ReadDir(filepath.Join(e.files.Root(), storage.BookDir))
	if err != nil {
		t.Fatalf("read books dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the committed book file on disk, found %d", len(entries))
	}
}

func TestBookIDValidation(t *testing.T) {
	e := newTestEnv(t)
	resp := e.request(t, http.MethodGet, "/api/books/not-a-valid-id", e.studentToken, nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed id: expected 400, got %d", resp.StatusCode)
	}

	resp2 := e.request(t, http.MethodGet, "/api/books/"+store.NewID(), e.studentToken, nil, "")
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id: expected 404, got %d", resp2.StatusCode)
	}
}

func TestDeleteBook(t *testing.T) {
	e := newTestEnv(t)
	book := e.uploadBook(t, "Dune", "Herbert", []byte("to be removed"))

	resp := e.request(t, http.MethodDelete, "/api/books/"+book.ID, e.studentToken, nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("student delete: expected 403, got %d", resp.StatusCode)
	}

	resp2 := e.request(t, http.MethodDelete, "/api/books/"+book.ID, e.devToken, nil, "")
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", resp2.StatusCode)
	}

	resp3 := e.request(t, http.MethodGet, "/api/books/"+book.ID, e.devToken, nil, "")
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted book: expected 404, got %d", resp3.StatusCode)
	}

	entries, err := os.ReadDir(filepath.Join(e.files.Root(), storage.BookDir))
	if err != nil {
		t.Fatalf("read books dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("deleted book left %d files behind", len(entries))
	}
}

func TestListBooksPagination(t *testing.T) {
	e := newTestEnv(t)
	for i := 0; i < 3; i++ {
		e.uploadBook(t, fmt.Sprintf("Book %d", i), "Author", []byte("content"))
	}
	resp := e.request(t, http.MethodGet, "/api/books?limit=2&page=1", e.studentToken, nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Items []bookEnvelope `json:"items"`
		Count int            `json:"count"`
		Total int            `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if payload.Count != 2 || payload.Total != 3 {
		t.Fatalf("unexpected pagination: count=%d total=%d", payload.Count, payload.Total)
	}
}

func TestStatsRequiresAdmin(t *testing.T) {
	e := newTestEnv(t)
	e.uploadBook(t, "Dune", "Herbert", []byte("content"))

	resp := e.request(t, http.MethodGet, "/api/admin/stats", e.devToken, nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("developer stats: expected 403, got %d", resp.StatusCode)
	}

	resp2 := e.request(t, http.MethodGet, "/api/admin/stats", e.adminToken, nil, "")
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("admin stats: expected 200, got %d", resp2.StatusCode)
	}
	var stats struct {
		Books struct {
			Total int `json:"total"`
		} `json:"books"`
		Students struct {
			Total int `json:"total"`
		} `json:"students"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Books.Total != 1 || stats.Students.Total != 1 {
		t.Fatalf("unexpected stats payload: %+v", stats)
	}
}

func TestLoginRateLimit(t *testing.T) {
	mem := store.NewMemoryStore()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	tokens, err := token.NewService(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	a, err := app.New(app.Config{Store: mem, Files: files, Tokens: tokens})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	redis := miniredis.RunT(t)
	s, err := New(Config{App: a, RedisAddr: redis.Addr(), LoginRateLimitPerMinute: 1})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body := []byte(`{"username":"nobody","password":"pass"}`)
	resp1, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("first login request failed: %v", err)
	}
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusUnauthorized {
		t.Fatalf("first request expected 401, got %d", resp1.StatusCode)
	}

	resp2, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("second login request failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", resp2.StatusCode)
	}
}

func TestStreamArtifactOpenFailureStatuses(t *testing.T) {
	mem := store.NewMemoryStore()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	tokens, err := token.NewService(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	a, err := app.New(app.Config{Store: mem, Files: files, Tokens: tokens})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	redis := miniredis.RunT(t)
	s, err := New(Config{App: a, RedisAddr: redis.Addr()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	dir := t.TempDir()

	// An artifact that vanished between probe and open.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/uploads/books/gone.epub", nil)
	s.streamArtifact(rec, req, "books/gone.epub", filepath.Join(dir, "gone.epub"), 1)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing artifact: expected 404, got %d", rec.Code)
	}

	// A path whose parent is a regular file fails with ENOTDIR, an
	// unexpected I/O fault rather than a missing file.
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker file: %v", err)
	}
	rec2 := httptest.NewRecorder()
	s.streamArtifact(rec2, req, "books/under.epub", filepath.Join(blocker, "under.epub"), 1)
	if rec2.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected open fault: expected 500, got %d", rec2.Code)
	}
}

func TestServerRequiresRedisRateLimiter(t *testing.T) {
	mem := store.NewMemoryStore()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	tokens, err := token.NewService(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	a, err := app.New(app.Config{Store: mem, Files: files, Tokens: tokens})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, err := New(Config{App: a}); err == nil {
		t.Fatalf("expected redis-backed limiter initialization to fail without redis addr")
	}
}
