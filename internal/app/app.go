package app

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"bookvault/internal/auth"
	"bookvault/internal/domain"
	"bookvault/internal/storage"
	"bookvault/internal/store"
	"bookvault/internal/token"
)

// Config wires the core application dependencies.
type Config struct {
	Store  store.Store
	Files  *storage.FileStore
	Tokens *token.Service
}

// App holds the business operations: authentication, catalog queries, the
// upload transaction, and artifact resolution.
type App struct {
	store  store.Store
	files  *storage.FileStore
	tokens *token.Service
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("record store is required")
	}
	if cfg.Files == nil {
		return nil, errors.New("artifact file store is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token service is required")
	}
	return &App{store: cfg.Store, files: cfg.Files, tokens: cfg.Tokens}, nil
}

// Files exposes the artifact store to the ingestion layer.
func (a *App) Files() *storage.FileStore {
	return a.files
}

// Ping reports record-store reachability for health checks.
func (a *App) Ping() error {
	return a.store.Ping()
}

// Login validates credentials and issues a bearer token.
func (a *App) Login(username, password string) (domain.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return domain.User{}, "", ErrInvalidCredentials
	}
	user, ok, err := a.store.GetUserByUsername(username)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	raw, err := a.tokens.Sign(user)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	return user, raw, nil
}

// Register creates a new identity. Unknown or empty roles default to student.
func (a *App) Register(firstName, lastName, username, password, rawRole string) (domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return domain.User{}, fmt.Errorf("%w: username and password are required", ErrValidation)
	}
	exists, err := a.store.HasUsername(username)
	if err != nil {
		return domain.User{}, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return domain.User{}, ErrUsernameTaken
	}
	role, ok := domain.ParseRole(rawRole)
	if !ok {
		role = domain.RoleStudent
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		ID:           store.NewID(),
		Username:     username,
		FirstName:    strings.TrimSpace(firstName),
		LastName:     strings.TrimSpace(lastName),
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

// UserFromToken verifies a bearer token and resolves the identity it names.
// Verification is read-only; a token whose subject no longer exists fails.
func (a *App) UserFromToken(raw string) (domain.User, bool) {
	claims, err := a.tokens.Verify(raw)
	if err != nil {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(claims.UserID)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// UploadMeta carries the metadata fields of a book upload.
type UploadMeta struct {
	Title       string
	Author      string
	Description string
	Genre       string
	Year        int

	// Ingestion results attached to the record as metadata.
	Pages         int
	BookFilename  string
	CoverFilename string
}

func validateMeta(meta UploadMeta) error {
	switch {
	case strings.TrimSpace(meta.Title) == "" || strings.TrimSpace(meta.Author) == "" ||
		strings.TrimSpace(meta.Genre) == "" || meta.Year == 0:
		return fmt.Errorf("%w: title, author, genre and year are required", ErrValidation)
	case len(meta.Title) > domain.MaxTitleLen:
		return fmt.Errorf("%w: title cannot exceed %d characters", ErrValidation, domain.MaxTitleLen)
	case len(meta.Author) > domain.MaxAuthorLen:
		return fmt.Errorf("%w: author cannot exceed %d characters", ErrValidation, domain.MaxAuthorLen)
	case len(meta.Description) > domain.MaxDescriptionLen:
		return fmt.Errorf("%w: description cannot exceed %d characters", ErrValidation, domain.MaxDescriptionLen)
	case !domain.ValidGenre(meta.Genre):
		return fmt.Errorf("%w: %q is not a valid genre", ErrValidation, meta.Genre)
	case meta.Year < domain.MinYear || meta.Year > time.Now().Year():
		return fmt.Errorf("%w: year must be between %d and %d", ErrValidation, domain.MinYear, time.Now().Year())
	}
	return nil
}

// CommitUpload persists the record for an upload whose files are already on
// disk at bookRel/coverRel. If the commit fails for any reason, both files
// are removed before the failure is returned: a failed upload never leaves
// orphaned artifacts behind.
func (a *App) CommitUpload(meta UploadMeta, bookRel, coverRel string, uploader domain.User) (domain.Book, error) {
	if bookRel == "" || coverRel == "" {
		a.cleanupUpload(bookRel, coverRel)
		return domain.Book{}, fmt.Errorf("%w: book file and cover image are required", ErrValidation)
	}
	if err := validateMeta(meta); err != nil {
		a.cleanupUpload(bookRel, coverRel)
		return domain.Book{}, err
	}

	now := time.Now().UTC()
	metadata := map[string]string{}
	if meta.BookFilename != "" {
		metadata["originalFilename"] = meta.BookFilename
	}
	if meta.CoverFilename != "" {
		metadata["originalCoverFilename"] = meta.CoverFilename
	}
	if meta.Pages > 0 {
		metadata["pages"] = strconv.Itoa(meta.Pages)
	}
	book := domain.Book{
		ID:             store.NewID(),
		Title:          strings.TrimSpace(meta.Title),
		Author:         strings.TrimSpace(meta.Author),
		Description:    strings.TrimSpace(meta.Description),
		Genre:          meta.Genre,
		Year:           meta.Year,
		FilePath:       bookRel,
		CoverImagePath: coverRel,
		UploadedBy:     uploader.ID,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.CreateBook(book); err != nil {
		a.cleanupUpload(bookRel, coverRel)
		if errors.Is(err, store.ErrDuplicateBook) {
			return domain.Book{}, fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	slog.Info("book uploaded", "book_id", book.ID, "title", book.Title, "uploaded_by", uploader.ID)
	return book, nil
}

// cleanupUpload removes the artifact pair of a failed upload. Removal is a
// compensating action: failures are logged and never mask the primary error.
func (a *App) cleanupUpload(bookRel, coverRel string) {
	var g errgroup.Group
	for _, rel := range []string{bookRel, coverRel} {
		if rel == "" {
			continue
		}
		g.Go(func() error {
			if err := a.files.Remove(rel); err != nil {
				return fmt.Errorf("remove %s: %w", rel, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("upload cleanup failed", "err", err)
	}
}

// ListBooks returns a filtered page of records plus the total match count.
func (a *App) ListBooks(filter store.BookFilter) ([]domain.Book, int, error) {
	return a.store.ListBooks(filter)
}

// GetBook retrieves a record by identifier.
func (a *App) GetBook(id string) (domain.Book, error) {
	if !store.ValidID(id) {
		return domain.Book{}, ErrInvalidID
	}
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	return book, nil
}

// ResolveBookContent maps a book identifier to a validated on-disk artifact.
// Malformed ids fail before any store access; records whose artifact is
// missing from disk fail as a logged, recoverable inconsistency.
func (a *App) ResolveBookContent(id string) (domain.Book, string, int64, error) {
	book, err := a.GetBook(id)
	if err != nil {
		return domain.Book{}, "", 0, err
	}
	abs, size, err := a.resolveArtifact(book.FilePath)
	if err != nil {
		return domain.Book{}, "", 0, err
	}
	return book, abs, size, nil
}

// ResolveBookFile resolves a delivery request addressed by stored filename.
// Only filenames referenced by a committed record are servable.
func (a *App) ResolveBookFile(filename string) (domain.Book, string, int64, error) {
	if filename == "" || strings.ContainsAny(filename, "/\\") {
		return domain.Book{}, "", 0, ErrInvalidID
	}
	book, ok, err := a.store.GetBookByFilePath(path.Join(storage.BookDir, filename))
	if err != nil {
		return domain.Book{}, "", 0, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, "", 0, ErrNotFound
	}
	abs, size, err := a.resolveArtifact(book.FilePath)
	if err != nil {
		return domain.Book{}, "", 0, err
	}
	return book, abs, size, nil
}

// ResolveCover resolves a cover image by stored filename.
func (a *App) ResolveCover(filename string) (string, int64, error) {
	if filename == "" || strings.ContainsAny(filename, "/\\") {
		return "", 0, ErrInvalidID
	}
	abs, size, err := a.resolveArtifact(path.Join(storage.CoverDir, filename))
	if err != nil {
		return "", 0, err
	}
	return abs, size, nil
}

func (a *App) resolveArtifact(rel string) (string, int64, error) {
	abs, err := a.files.Resolve(rel)
	if err != nil {
		slog.Warn("artifact path rejected", "path", rel, "err", err)
		return "", 0, ErrInvalidID
	}
	size, err := a.files.Probe(abs)
	if err != nil {
		if errors.Is(err, storage.ErrEmptyFile) {
			return "", 0, fmt.Errorf("probe artifact: %w", err)
		}
		slog.Warn("artifact missing from disk", "path", rel, "err", err)
		return "", 0, ErrFileMissing
	}
	return abs, size, nil
}

// DeleteBook removes the record, then its artifacts. Artifact removal is
// best-effort: failures are logged, the record deletion stands.
func (a *App) DeleteBook(id string) error {
	book, err := a.GetBook(id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteBook(id); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	a.cleanupUpload(book.FilePath, book.CoverImagePath)
	slog.Info("book deleted", "book_id", id)
	return nil
}

// BookStats summarizes the catalog.
type BookStats struct {
	Total  int           `json:"total"`
	Recent []domain.Book `json:"recent"`
}

// StudentStats summarizes student enrollment.
type StudentStats struct {
	Total        int `json:"total"`
	NewThisMonth int `json:"newThisMonth"`
}

// Stats is the admin statistics payload.
type Stats struct {
	Books       BookStats    `json:"books"`
	Students    StudentStats `json:"students"`
	LastUpdated time.Time    `json:"lastUpdated"`
}

// GetStats aggregates catalog and enrollment statistics.
func (a *App) GetStats() (Stats, error) {
	total, err := a.store.BookCount()
	if err != nil {
		return Stats{}, fmt.Errorf("count books: %w", err)
	}
	recent, err := a.store.RecentBooks(5)
	if err != nil {
		return Stats{}, fmt.Errorf("recent books: %w", err)
	}
	students, err := a.store.CountUsersByRole(domain.RoleStudent)
	if err != nil {
		return Stats{}, fmt.Errorf("count students: %w", err)
	}
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	newStudents, err := a.store.CountUsersByRoleSince(domain.RoleStudent, monthStart)
	if err != nil {
		return Stats{}, fmt.Errorf("count new students: %w", err)
	}
	return Stats{
		Books:       BookStats{Total: total, Recent: recent},
		Students:    StudentStats{Total: students, NewThisMonth: newStudents},
		LastUpdated: now,
	}, nil
}
