package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"bookvault/internal/domain"
)

// MemoryStore keeps records in-process. It mirrors the constraint behavior of
// the Postgres store, including the (title, author) uniqueness signal, so the
// application and HTTP layers can be tested without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]domain.User // key: user ID
	names  map[string]string      // username -> user ID
	books  map[string]domain.Book
	orders []string // book insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]domain.User),
		names: make(map[string]string),
		books: make(map[string]domain.Book),
	}
}

// SaveUser registers a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.names[u.Username] = u.ID
	return nil
}

// HasUsername checks if username exists.
func (m *MemoryStore) HasUsername(username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.names[username]
	return ok, nil
}

// GetUserByUsername looks up a user by username.
func (m *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.names[username]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// CountUsersByRole returns the number of users holding a role.
func (m *MemoryStore) CountUsersByRole(role domain.UserRole) (int, error) {
	return m.countUsers(role, time.Time{})
}

// CountUsersByRoleSince counts role holders created at or after since.
func (m *MemoryStore) CountUsersByRoleSince(role domain.UserRole, since time.Time) (int, error) {
	return m.countUsers(role, since)
}

func (m *MemoryStore) countUsers(role domain.UserRole, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, u := range m.users {
		if u.Role != role {
			continue
		}
		if !since.IsZero() && u.CreatedAt.Before(since) {
			continue
		}
		count++
	}
	return count, nil
}

// CreateBook stores a book, enforcing (title, author) uniqueness.
func (m *MemoryStore) CreateBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bookKey(b.Title, b.Author)
	for _, existing := range m.books {
		if bookKey(existing.Title, existing.Author) == key {
			return ErrDuplicateBook
		}
	}
	m.books[b.ID] = b
	m.orders = append(m.orders, b.ID)
	return nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// GetBookByFilePath finds the record owning a stored artifact path.
func (m *MemoryStore) GetBookByFilePath(filePath string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.books {
		if b.FilePath == filePath {
			return b, true, nil
		}
	}
	return domain.Book{}, false, nil
}

// ListBooks returns a filtered, paged listing plus the total match count.
func (m *MemoryStore) ListBooks(filter BookFilter) ([]domain.Book, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]domain.Book, 0, len(m.orders))
	for _, id := range m.orders {
		b, ok := m.books[id]
		if !ok {
			continue
		}
		if filter.Genre != "" && b.Genre != filter.Genre {
			continue
		}
		matched = append(matched, b)
	}
	newestFirst := filter.Sort != "createdAt"
	sort.SliceStable(matched, func(i, j int) bool {
		if newestFirst {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	start := (page - 1) * limit
	if start >= total {
		return []domain.Book{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// RecentBooks returns the most recently created records.
func (m *MemoryStore) RecentBooks(limit int) ([]domain.Book, error) {
	books, _, err := m.ListBooks(BookFilter{Limit: limit})
	return books, err
}

// BookCount returns the number of book records.
func (m *MemoryStore) BookCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.books), nil
}

// DeleteBook removes a book record.
func (m *MemoryStore) DeleteBook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, id)
	filtered := m.orders[:0]
	for _, item := range m.orders {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.orders = filtered
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping() error {
	return nil
}

func bookKey(title, author string) string {
	return strings.ToLower(strings.TrimSpace(title)) + "\x00" + strings.ToLower(strings.TrimSpace(author))
}
