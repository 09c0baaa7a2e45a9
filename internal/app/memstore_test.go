package app

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"scribe/api/internal/authpw"
	"scribe/api/internal/config"
	"scribe/api/internal/store"
)

// memStore is an in-memory stand-in for the Postgres store. It mirrors
// the store's contract closely enough for service and handler tests:
// missing rows come back as sql.ErrNoRows, listings are newest first,
// and create/edit append versions the same way the SQL transactions do.
type memStore struct {
	mu           sync.Mutex
	users        map[string]store.User
	spaces       map[string]store.Space
	articles     map[string]store.Article
	articleOrder []string
	versions     map[string][]store.ArticleVersion
	comments     map[string][]store.Comment
	refresh      map[string]store.User
	revoked      map[string]bool

	failReads bool
	pingErr   error
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]store.User),
		spaces:   make(map[string]store.Space),
		articles: make(map[string]store.Article),
		versions: make(map[string][]store.ArticleVersion),
		comments: make(map[string][]store.Comment),
		refresh:  make(map[string]store.User),
		revoked:  make(map[string]bool),
	}
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.CreatedAt = time.Now()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) CountUsers(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, user := range m.users {
		if user.PasswordHash != "" {
			count++
		}
	}
	return count, nil
}

func (m *memStore) EnsureUser(ctx context.Context, user store.User) (store.User, error) {
	if existing, err := m.GetUserByUsername(ctx, user.Username); err == nil {
		return existing, nil
	}
	if err := m.CreateUser(ctx, user); err != nil {
		return store.User{}, err
	}
	return m.GetUserByUsername(ctx, user.Username)
}

func (m *memStore) InsertSpace(_ context.Context, space store.Space) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[space.Key]; ok {
		return nil
	}
	space.CreatedAt = time.Now()
	m.spaces[space.Key] = space
	return nil
}

func (m *memStore) GetSpaceByKey(_ context.Context, key string) (store.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	space, ok := m.spaces[key]
	if !ok {
		return store.Space{}, sql.ErrNoRows
	}
	return space, nil
}

func (m *memStore) ListSpaces(_ context.Context) ([]store.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, context.DeadlineExceeded
	}
	items := make([]store.Space, 0, len(m.spaces))
	for _, space := range m.spaces {
		items = append(items, space)
	}
	return items, nil
}

func (m *memStore) InsertArticleWithVersion(_ context.Context, article store.Article, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	article.CreatedAt = now
	article.UpdatedAt = now
	m.articles[article.ID] = article
	m.articleOrder = append(m.articleOrder, article.ID)
	m.versions[article.ID] = append(m.versions[article.ID], store.ArticleVersion{
		ID:        versionID,
		ArticleID: article.ID,
		AuthorID:  article.AuthorID,
		Title:     article.Title,
		Content:   article.Content,
		CreatedAt: now,
	})
	return nil
}

func (m *memStore) GetArticle(_ context.Context, articleID string) (store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	article, ok := m.articles[articleID]
	if !ok {
		return store.Article{}, sql.ErrNoRows
	}
	return article, nil
}

func (m *memStore) ListArticles(_ context.Context) ([]store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, context.DeadlineExceeded
	}
	return m.articlesNewestFirst(), nil
}

func (m *memStore) ListArticlesBySpace(_ context.Context, spaceID string) ([]store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, context.DeadlineExceeded
	}
	items := make([]store.Article, 0)
	for _, article := range m.articlesNewestFirst() {
		if article.SpaceID == spaceID {
			items = append(items, article)
		}
	}
	return items, nil
}

func (m *memStore) ArticleChildren(_ context.Context, articleID string) ([]store.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Article, 0)
	for _, id := range m.articleOrder {
		article, ok := m.articles[id]
		if !ok {
			continue
		}
		if article.ParentID != nil && *article.ParentID == articleID {
			items = append(items, article)
		}
	}
	return items, nil
}

func (m *memStore) articlesNewestFirst() []store.Article {
	items := make([]store.Article, 0, len(m.articles))
	for i := len(m.articleOrder) - 1; i >= 0; i-- {
		if article, ok := m.articles[m.articleOrder[i]]; ok {
			items = append(items, article)
		}
	}
	return items
}

func (m *memStore) UpdateArticleWithVersion(_ context.Context, articleID, title, content, authorID, updatedBy, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	article, ok := m.articles[articleID]
	if !ok {
		return sql.ErrNoRows
	}
	article.Title = title
	article.Content = content
	article.UpdatedBy = updatedBy
	article.UpdatedAt = time.Now()
	m.articles[articleID] = article
	m.versions[articleID] = append(m.versions[articleID], store.ArticleVersion{
		ID:        versionID,
		ArticleID: articleID,
		AuthorID:  authorID,
		Title:     title,
		Content:   content,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *memStore) DeleteArticleCascade(_ context.Context, articleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.articles[articleID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.articles, articleID)
	delete(m.versions, articleID)
	delete(m.comments, articleID)
	return nil
}

func (m *memStore) ListVersions(_ context.Context, articleID string) ([]store.ArticleVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.versions[articleID]
	items := make([]store.ArticleVersion, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		items = append(items, stored[i])
	}
	return items, nil
}

func (m *memStore) InsertComment(_ context.Context, comment store.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment.CreatedAt = time.Now()
	m.comments[comment.ArticleID] = append(m.comments[comment.ArticleID], comment)
	return nil
}

func (m *memStore) ListComments(_ context.Context, articleID string) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Comment(nil), m.comments[articleID]...), nil
}

func (m *memStore) SearchArticles(_ context.Context, query string, limit, offset int) ([]store.Article, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	needle := strings.ToLower(query)
	matches := make([]store.Article, 0)
	for _, article := range m.articlesNewestFirst() {
		if strings.Contains(strings.ToLower(article.Title), needle) ||
			strings.Contains(strings.ToLower(article.Content), needle) {
			matches = append(matches, article)
		}
	}
	total := len(matches)
	if offset > len(matches) {
		offset = len(matches)
	}
	matches = matches[offset:]
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, total, nil
}

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = user
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

func (m *memStore) Ping(_ context.Context) error {
	return m.pingErr
}

func newTestService(ms *memStore) *Service {
	return &Service{
		cfg: config.Config{
			SessionSecret: "test-secret",
			Environment:   "test",
			AccessTTL:     time.Hour,
			RefreshTTL:    24 * time.Hour,
		},
		store:     ms,
		sessions:  ms,
		passwords: authpw.NewService(ms),
		startedAt: time.Now(),
	}
}

func bootstrapped(t *testing.T, svc *Service) {
	t.Helper()
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
}
