package domain

import (
	"strings"
	"time"
)

type UserRole string

const (
	RoleAdmin     UserRole = "admin"
	RoleDeveloper UserRole = "developer"
	RoleStudent   UserRole = "student"
)

// ParseRole maps raw input to a known role.
func ParseRole(raw string) (UserRole, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleAdmin):
		return RoleAdmin, true
	case string(RoleDeveloper):
		return RoleDeveloper, true
	case string(RoleStudent):
		return RoleStudent, true
	default:
		return "", false
	}
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	FirstName    string    `json:"firstName,omitempty"`
	LastName     string    `json:"lastName,omitempty"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Genres lists the accepted book genres.
var Genres = []string{
	"Fiction",
	"Non-Fiction",
	"Science Fiction",
	"Fantasy",
	"Mystery",
	"Thriller",
	"Romance",
	"Biography",
	"History",
	"Self-Help",
	"Other",
}

// ValidGenre reports whether the genre is one of the accepted values.
func ValidGenre(genre string) bool {
	for _, g := range Genres {
		if g == genre {
			return true
		}
	}
	return false
}

const (
	MinYear           = 1900
	MaxTitleLen       = 200
	MaxAuthorLen      = 100
	MaxDescriptionLen = 2000
)

// Book is a catalogued record. FilePath and CoverImagePath are relative to
// the artifact root and must never contain traversal segments; both are
// excluded from JSON so API responses never leak storage locations.
type Book struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Author         string            `json:"author"`
	Description    string            `json:"description,omitempty"`
	Genre          string            `json:"genre"`
	Year           int               `json:"year"`
	FilePath       string            `json:"-"`
	CoverImagePath string            `json:"-"`
	UploadedBy     string            `json:"uploadedBy"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}
