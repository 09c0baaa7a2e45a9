package store

import "time"

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Space struct {
	ID        string
	Name      string
	Key       string
	CreatedAt time.Time
}

// Article is a content unit with an optional parent inside a space.
// ParentID is nil for root articles.
type Article struct {
	ID        string
	SpaceID   string
	AuthorID  string
	ParentID  *string
	Title     string
	Content   string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ArticleVersion is an immutable snapshot of an article's title and
// content. Versions are append-only and cascade-deleted with the article.
type ArticleVersion struct {
	ID        string
	ArticleID string
	AuthorID  string
	Title     string
	Content   string
	CreatedAt time.Time
}

type Comment struct {
	ID        string
	ArticleID string
	Text      string
	CreatedAt time.Time
}
