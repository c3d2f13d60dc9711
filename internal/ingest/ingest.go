// Package ingest validates incoming upload files before the upload
// transaction runs. Checks are pure predicates returning an accept/reject
// decision with a user-facing reason.
package ingest

import (
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// MaxUploadBytes is the size ceiling for a single uploaded file.
const MaxUploadBytes = 50 << 20

var bookExtensions = map[string]struct{}{
	".pdf":  {},
	".epub": {},
}

var coverExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
}

// Decision is the outcome of a file-filter predicate.
type Decision struct {
	OK     bool
	Reason string
}

func accept() Decision {
	return Decision{OK: true}
}

func reject(reason string) Decision {
	return Decision{Reason: reason}
}

// CheckBookFile accepts PDF and EPUB files up to MaxUploadBytes.
func CheckBookFile(filename string, size int64) Decision {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := bookExtensions[ext]; !ok {
		return reject("only PDF and EPUB files are allowed")
	}
	return checkSize(size)
}

// CheckCoverImage accepts JPG, PNG and WEBP images up to MaxUploadBytes.
func CheckCoverImage(filename string, size int64) Decision {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := coverExtensions[ext]; !ok {
		return reject("only JPG, PNG, or WEBP images are allowed")
	}
	return checkSize(size)
}

func checkSize(size int64) Decision {
	if size > MaxUploadBytes {
		return reject("file exceeds the 50MB size limit")
	}
	return accept()
}

// ProbePDF returns the page count of a stored PDF artifact. The probe is
// best-effort: unreadable or malformed files report ok=false and uploads
// proceed without page metadata.
func ProbePDF(path string) (pages int, ok bool) {
	defer func() {
		if recover() != nil {
			pages, ok = 0, false
		}
	}()
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	n := r.NumPage()
	if n <= 0 {
		return 0, false
	}
	return n, true
}
