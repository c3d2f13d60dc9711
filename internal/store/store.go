package store

import (
	"errors"
	"time"

	"bookvault/internal/domain"
)

// ErrDuplicateBook signals a (title, author) unique-constraint violation.
var ErrDuplicateBook = errors.New("book with this title and author already exists")

// BookFilter narrows and pages a book listing.
type BookFilter struct {
	Genre string
	Sort  string // "createdAt" or "-createdAt"; default newest first
	Page  int
	Limit int
}

// Store defines persistence operations for identities and book records.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUsername(username string) (bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	CountUsersByRole(role domain.UserRole) (int, error)
	CountUsersByRoleSince(role domain.UserRole, since time.Time) (int, error)

	// books
	CreateBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	GetBookByFilePath(filePath string) (domain.Book, bool, error)
	ListBooks(filter BookFilter) ([]domain.Book, int, error)
	RecentBooks(limit int) ([]domain.Book, error)
	BookCount() (int, error)
	DeleteBook(id string) error

	Ping() error
}
