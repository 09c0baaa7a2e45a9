package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CountUsers counts registered accounts. System accounts like the
// anonymous user carry no password hash and do not count, so the
// first-registrant-becomes-admin rule holds regardless of bootstrap order.
func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users WHERE password_hash <> ''`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// EnsureUser inserts a user if the username is free and returns the stored
// record either way. Used for the bootstrap accounts.
func (s *PostgresStore) EnsureUser(ctx context.Context, user User) (User, error) {
	existing, err := s.GetUserByUsername(ctx, user.Username)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := s.CreateUser(ctx, user); err != nil {
		return User{}, err
	}
	return s.GetUserByUsername(ctx, user.Username)
}

// --- spaces ---

func (s *PostgresStore) InsertSpace(ctx context.Context, space Space) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spaces (id, name, key)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, space.ID, space.Name, space.Key)
	if err != nil {
		return fmt.Errorf("insert space: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSpaceByKey(ctx context.Context, key string) (Space, error) {
	var space Space
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, key, created_at FROM spaces WHERE key = $1
	`, key).Scan(&space.ID, &space.Name, &space.Key, &space.CreatedAt)
	if err != nil {
		return Space{}, err
	}
	return space, nil
}

func (s *PostgresStore) ListSpaces(ctx context.Context) ([]Space, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, key, created_at FROM spaces ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	items := make([]Space, 0)
	for rows.Next() {
		var space Space
		if err := rows.Scan(&space.ID, &space.Name, &space.Key, &space.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		items = append(items, space)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spaces: %w", err)
	}
	return items, nil
}

// --- articles ---

// InsertArticleWithVersion creates an article together with its initial
// version in one transaction, so an article never exists without history.
func (s *PostgresStore) InsertArticleWithVersion(ctx context.Context, article Article, versionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create article: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO articles (id, space_id, author_id, parent_id, title, content, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, article.ID, article.SpaceID, article.AuthorID, article.ParentID, article.Title, article.Content, article.UpdatedBy); err != nil {
		return fmt.Errorf("insert article: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO article_versions (id, article_id, author_id, title, content)
		VALUES ($1, $2, $3, $4, $5)
	`, versionID, article.ID, article.AuthorID, article.Title, article.Content); err != nil {
		return fmt.Errorf("insert initial version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create article: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArticle(ctx context.Context, articleID string) (Article, error) {
	var item Article
	err := s.db.QueryRowContext(ctx, `
		SELECT id, space_id, author_id, parent_id, title, content, updated_by, created_at, updated_at
		FROM articles
		WHERE id = $1
	`, articleID).Scan(&item.ID, &item.SpaceID, &item.AuthorID, &item.ParentID, &item.Title, &item.Content, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Article{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListArticles(ctx context.Context) ([]Article, error) {
	return s.queryArticles(ctx, `
		SELECT id, space_id, author_id, parent_id, title, content, updated_by, created_at, updated_at
		FROM articles
		ORDER BY created_at DESC
	`)
}

func (s *PostgresStore) ListArticlesBySpace(ctx context.Context, spaceID string) ([]Article, error) {
	return s.queryArticles(ctx, `
		SELECT id, space_id, author_id, parent_id, title, content, updated_by, created_at, updated_at
		FROM articles
		WHERE space_id = $1
		ORDER BY created_at DESC
	`, spaceID)
}

// ArticleChildren loads the direct children of an article. Loading is an
// explicit call here, not an ORM relationship.
func (s *PostgresStore) ArticleChildren(ctx context.Context, articleID string) ([]Article, error) {
	return s.queryArticles(ctx, `
		SELECT id, space_id, author_id, parent_id, title, content, updated_by, created_at, updated_at
		FROM articles
		WHERE parent_id = $1
		ORDER BY created_at
	`, articleID)
}

func (s *PostgresStore) queryArticles(ctx context.Context, query string, args ...any) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()

	items := make([]Article, 0)
	for rows.Next() {
		var item Article
		if err := rows.Scan(&item.ID, &item.SpaceID, &item.AuthorID, &item.ParentID, &item.Title, &item.Content, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return items, nil
}

// UpdateArticleWithVersion updates the article's current title/content and
// appends the corresponding version in one transaction.
func (s *PostgresStore) UpdateArticleWithVersion(ctx context.Context, articleID, title, content, authorID, updatedBy, versionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin edit article: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE articles
		SET title = $2, content = $3, updated_by = $4, updated_at = NOW()
		WHERE id = $1
	`, articleID, title, content, updatedBy)
	if err != nil {
		return fmt.Errorf("update article: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update article rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO article_versions (id, article_id, author_id, title, content)
		VALUES ($1, $2, $3, $4, $5)
	`, versionID, articleID, authorID, title, content); err != nil {
		return fmt.Errorf("append version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit edit article: %w", err)
	}
	return nil
}

// DeleteArticleCascade removes an article together with its versions and
// comments. The cascade is explicit so the contract is visible and
// testable, even though the schema also declares ON DELETE CASCADE.
func (s *PostgresStore) DeleteArticleCascade(ctx context.Context, articleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete article: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM article_versions WHERE article_id = $1`, articleID); err != nil {
		return fmt.Errorf("delete versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE article_id = $1`, articleID); err != nil {
		return fmt.Errorf("delete comments: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM articles WHERE id = $1`, articleID)
	if err != nil {
		return fmt.Errorf("delete article: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete article rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete article: %w", err)
	}
	return nil
}

// ListVersions returns an article's history, most recent first.
func (s *PostgresStore) ListVersions(ctx context.Context, articleID string) ([]ArticleVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, article_id, author_id, title, content, created_at
		FROM article_versions
		WHERE article_id = $1
		ORDER BY created_at DESC, id DESC
	`, articleID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]ArticleVersion, 0)
	for rows.Next() {
		var item ArticleVersion
		if err := rows.Scan(&item.ID, &item.ArticleID, &item.AuthorID, &item.Title, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

// --- comments ---

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, article_id, text)
		VALUES ($1, $2, $3)
	`, comment.ID, comment.ArticleID, comment.Text)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, articleID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, article_id, text, created_at
		FROM comments
		WHERE article_id = $1
		ORDER BY created_at
	`, articleID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.ArticleID, &item.Text, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// --- refresh sessions and revoked tokens (Postgres fallback when Redis
// is not configured) ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Username, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- search fallback ---

// SearchArticles performs a case-insensitive substring match on title or
// content. No ranking; results come back in store order.
func (s *PostgresStore) SearchArticles(ctx context.Context, query string, limit, offset int) ([]Article, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	pattern := "%" + escapeLike(query) + "%"

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM articles
		WHERE title ILIKE $1 ESCAPE '\' OR content ILIKE $1 ESCAPE '\'
	`, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search: %w", err)
	}

	items, err := s.queryArticles(ctx, fmt.Sprintf(`
		SELECT id, space_id, author_id, parent_id, title, content, updated_by, created_at, updated_at
		FROM articles
		WHERE title ILIKE $1 ESCAPE '\' OR content ILIKE $1 ESCAPE '\'
		LIMIT %d OFFSET %d
	`, limit, offset), pattern)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}
