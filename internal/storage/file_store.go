package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Subfolders of the artifact root, one per artifact kind.
const (
	BookDir  = "books"
	CoverDir = "covers"
)

var (
	// ErrEscapesRoot is returned for any relative path that would resolve
	// outside the artifact root.
	ErrEscapesRoot = errors.New("path escapes artifact root")

	// ErrEmptyFile is returned when a stored artifact has zero bytes.
	ErrEmptyFile = errors.New("file is empty")
)

// FileStore keeps book and cover artifacts on disk under a single root
// directory. All stored paths are relative to that root and use forward
// slashes; the root is the traversal boundary for every resolution.
type FileStore struct {
	root string
}

// NewFileStore creates the artifact root and its kind subfolders if missing.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	for _, dir := range []string{abs, filepath.Join(abs, BookDir), filepath.Join(abs, CoverDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}
	return &FileStore{root: abs}, nil
}

// Root returns the absolute artifact root directory.
func (f *FileStore) Root() string {
	return f.root
}

// SaveBook writes a book artifact under books/ with a generated filename and
// returns the stored relative path.
func (f *FileStore) SaveBook(originalName string, r io.Reader) (string, error) {
	return f.save(BookDir, originalName, r)
}

// SaveCover writes a cover artifact under covers/.
func (f *FileStore) SaveCover(originalName string, r io.Reader) (string, error) {
	return f.save(CoverDir, originalName, r)
}

func (f *FileStore) save(dir, originalName string, r io.Reader) (string, error) {
	name := uuid.NewString() + strings.ToLower(filepath.Ext(originalName))
	rel := path.Join(dir, name)

	out, err := os.Create(filepath.Join(f.root, dir, name))
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return rel, nil
}

// Resolve joins a stored relative path against the artifact root. Any path
// that is absolute, contains traversal segments, or otherwise lands outside
// the root fails with ErrEscapesRoot. Stored filenames are server-generated,
// but the boundary holds even against a manipulated record.
func (f *FileStore) Resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", ErrEscapesRoot
	}
	native := filepath.FromSlash(rel)
	if filepath.IsAbs(native) || !filepath.IsLocal(native) {
		return "", ErrEscapesRoot
	}
	abs := filepath.Join(f.root, native)
	if abs != f.root && !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", ErrEscapesRoot
	}
	return abs, nil
}

// Probe confirms a resolved artifact exists, is a readable regular file, and
// is non-empty. It returns the artifact size.
func (f *FileStore) Probe(abs string) (int64, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("artifact is not a regular file")
	}
	if info.Size() == 0 {
		return 0, ErrEmptyFile
	}
	fh, err := os.Open(abs)
	if err != nil {
		return 0, err
	}
	_ = fh.Close()
	return info.Size(), nil
}

// Remove deletes a stored artifact. A missing file is not an error; removal
// is used for best-effort cleanup.
func (f *FileStore) Remove(rel string) error {
	abs, err := f.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
