package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"bookvault/internal/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Username     string    `gorm:"uniqueIndex;not null"`
	FirstName    string
	LastName     string
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

type BookModel struct {
	ID             string         `gorm:"primaryKey"`
	Title          string         `gorm:"not null;uniqueIndex:idx_books_title_author"`
	Author         string         `gorm:"not null;uniqueIndex:idx_books_title_author"`
	Description    string
	Genre          string         `gorm:"index"`
	Year           int            `gorm:"not null"`
	FilePath       string         `gorm:"not null;uniqueIndex"`
	CoverImagePath string         `gorm:"not null"`
	UploadedBy     string         `gorm:"not null;index"`
	Metadata       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null;index"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		CreatedAt:    m.CreatedAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	var meta datatypes.JSON
	if len(b.Metadata) > 0 {
		if raw, err := json.Marshal(b.Metadata); err == nil {
			meta = datatypes.JSON(raw)
		}
	}
	return BookModel{
		ID:             b.ID,
		Title:          b.Title,
		Author:         b.Author,
		Description:    b.Description,
		Genre:          b.Genre,
		Year:           b.Year,
		FilePath:       b.FilePath,
		CoverImagePath: b.CoverImagePath,
		UploadedBy:     b.UploadedBy,
		Metadata:       meta,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Book{
		ID:             m.ID,
		Title:          m.Title,
		Author:         m.Author,
		Description:    m.Description,
		Genre:          m.Genre,
		Year:           m.Year,
		FilePath:       m.FilePath,
		CoverImagePath: m.CoverImagePath,
		UploadedBy:     m.UploadedBy,
		Metadata:       meta,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
