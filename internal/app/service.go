package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"scribe/api/internal/auth"
	"scribe/api/internal/authpw"
	"scribe/api/internal/config"
	"scribe/api/internal/rbac"
	"scribe/api/internal/search"
	"scribe/api/internal/store"
	"scribe/api/internal/util"
)

const Version = "0.4.0"

const (
	defaultSpaceKey  = "GEN"
	defaultSpaceName = "General"
	anonymousUser    = "anonymous"
)

// Session is the request-scoped identity handed to every operation.
// The zero Session is an anonymous caller.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) actor() rbac.Actor {
	return rbac.Actor{
		UserID:   s.UserID,
		Username: s.Username,
		Role:     rbac.Normalize(s.Role),
	}
}

type dataStore interface {
	GetUserByUsername(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	CountUsers(context.Context) (int, error)
	EnsureUser(context.Context, store.User) (store.User, error)
	InsertSpace(context.Context, store.Space) error
	GetSpaceByKey(context.Context, string) (store.Space, error)
	ListSpaces(context.Context) ([]store.Space, error)
	InsertArticleWithVersion(context.Context, store.Article, string) error
	GetArticle(context.Context, string) (store.Article, error)
	ListArticles(context.Context) ([]store.Article, error)
	ListArticlesBySpace(context.Context, string) ([]store.Article, error)
	ArticleChildren(context.Context, string) ([]store.Article, error)
	UpdateArticleWithVersion(ctx context.Context, articleID, title, content, authorID, updatedBy, versionID string) error
	DeleteArticleCascade(context.Context, string) error
	ListVersions(context.Context, string) ([]store.ArticleVersion, error)
	InsertComment(context.Context, store.Comment) error
	ListComments(context.Context, string) ([]store.Comment, error)
	SearchArticles(ctx context.Context, query string, limit, offset int) ([]store.Article, int, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// sessionStore holds hashed refresh tokens. Redis when configured,
// Postgres otherwise; both satisfy this.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexArticle(a search.ArticleRecord)
	DeleteArticle(id string)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	search    searchService
	startedAt time.Time
}

// New wires the service. sessions may be nil, in which case refresh
// tokens are kept in Postgres alongside everything else. searchSvc may
// be nil when search runs directly against the store.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchSvc *search.Service) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: authpw.NewService(dataStore),
		startedAt: time.Now(),
	}
	if sessions == nil {
		s.sessions = dataStore
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	return s
}

// Bootstrap ensures the default space and the anonymous account exist.
// Safe to run on every start.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.store.InsertSpace(ctx, store.Space{
		ID:   util.NewID("spc"),
		Name: defaultSpaceName,
		Key:  defaultSpaceKey,
	}); err != nil {
		return err
	}
	_, err := s.store.EnsureUser(ctx, store.User{
		ID:       util.NewID("usr"),
		Username: anonymousUser,
		Role:     string(rbac.RoleViewer),
	})
	return err
}

func (s *Service) Register(ctx context.Context, username, password string) (Session, error) {
	user, err := s.passwords.Register(ctx, username, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.passwords.Login(ctx, username, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		Role:     user.Role,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes whatever it is given and succeeds regardless. Calling
// it twice, or with nothing, is fine.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Overview is the front-page payload. Store failures degrade to empty
// listings rather than an error page.
func (s *Service) Overview(ctx context.Context) map[string]any {
	spaces, err := s.store.ListSpaces(ctx)
	if err != nil {
		return degradedListing("spaces", "articles")
	}
	articles, err := s.store.ListArticles(ctx)
	if err != nil {
		return degradedListing("spaces", "articles")
	}
	return map[string]any{
		"spaces":   spaceViews(spaces),
		"articles": articleViews(articles),
	}
}

func (s *Service) CreateArticle(ctx context.Context, session Session, spaceKey, title, content string, parentID string) (map[string]any, error) {
	actor := session.actor()
	if !actor.Authenticated() {
		return nil, errUnauthenticated()
	}
	if !rbac.Authorize(actor, rbac.ActionCreate, "") {
		return nil, errForbidden("You do not have permission to create articles.")
	}
	if strings.TrimSpace(title) == "" {
		return nil, errValidation("title is required")
	}

	space, err := s.store.GetSpaceByKey(ctx, spaceKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Space not found")
		}
		return nil, err
	}

	article := store.Article{
		ID:        util.NewID("art"),
		SpaceID:   space.ID,
		AuthorID:  session.UserID,
		Title:     title,
		Content:   content,
		UpdatedBy: session.Username,
	}
	if parentID != "" {
		article.ParentID = &parentID
	}
	if err := s.store.InsertArticleWithVersion(ctx, article, util.NewID("ver")); err != nil {
		return nil, err
	}

	s.indexArticle(article, space.ID, session.Username)
	return map[string]any{"article": articleView(article)}, nil
}

func (s *Service) EditArticle(ctx context.Context, session Session, articleID, title, content string) (map[string]any, error) {
	actor := session.actor()
	if !actor.Authenticated() {
		return nil, errUnauthenticated()
	}

	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Article not found")
		}
		return nil, err
	}
	if !rbac.Authorize(actor, rbac.ActionEdit, article.AuthorID) {
		return nil, errForbidden("Only the author or an admin can edit this article.")
	}
	if strings.TrimSpace(title) == "" {
		return nil, errValidation("title is required")
	}

	if err := s.store.UpdateArticleWithVersion(ctx, articleID, title, content, session.UserID, session.Username, util.NewID("ver")); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Article not found")
		}
		return nil, err
	}

	article.Title = title
	article.Content = content
	article.UpdatedBy = session.Username
	s.indexArticle(article, article.SpaceID, session.Username)
	return map[string]any{"article": articleView(article)}, nil
}

func (s *Service) DeleteArticle(ctx context.Context, session Session, articleID string) error {
	actor := session.actor()
	if !actor.Authenticated() {
		return errUnauthenticated()
	}

	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Article not found")
		}
		return err
	}
	if !rbac.Authorize(actor, rbac.ActionDelete, article.AuthorID) {
		return errForbidden("Only the author or an admin can delete this article.")
	}

	if err := s.store.DeleteArticleCascade(ctx, articleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Article not found")
		}
		return err
	}
	if s.search != nil {
		s.search.DeleteArticle(articleID)
	}
	return nil
}

func (s *Service) SpaceArticles(ctx context.Context, spaceKey string) (map[string]any, error) {
	space, err := s.store.GetSpaceByKey(ctx, spaceKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Space not found")
		}
		return nil, err
	}
	articles, err := s.store.ListArticlesBySpace(ctx, space.ID)
	if err != nil {
		payload := degradedListing("articles")
		payload["space"] = spaceView(space)
		return payload, nil
	}
	return map[string]any{
		"space":    spaceView(space),
		"articles": articleViews(articles),
	}, nil
}

func (s *Service) GetArticle(ctx context.Context, spaceKey, articleID string) (map[string]any, error) {
	space, err := s.store.GetSpaceByKey(ctx, spaceKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Space not found")
		}
		return nil, err
	}
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Article not found")
		}
		return nil, err
	}
	if article.SpaceID != space.ID {
		return nil, errNotFound("Article not found")
	}

	children, err := s.store.ArticleChildren(ctx, articleID)
	if err != nil {
		children = nil
	}
	comments, err := s.store.ListComments(ctx, articleID)
	if err != nil {
		comments = nil
	}

	return map[string]any{
		"space":    spaceView(space),
		"article":  articleView(article),
		"children": articleViews(children),
		"comments": commentViews(comments),
	}, nil
}

// History lists an article's versions, most recent first.
func (s *Service) History(ctx context.Context, session Session, articleID string) (map[string]any, error) {
	if !session.actor().Authenticated() {
		return nil, errUnauthenticated()
	}

	if _, err := s.store.GetArticle(ctx, articleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Article not found")
		}
		return nil, err
	}

	versions, err := s.store.ListVersions(ctx, articleID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		views = append(views, map[string]any{
			"id":        v.ID,
			"articleId": v.ArticleID,
			"authorId":  v.AuthorID,
			"title":     v.Title,
			"content":   v.Content,
			"createdAt": v.CreatedAt,
		})
	}
	return map[string]any{"versions": views}, nil
}

// SearchArticles runs a case-insensitive substring search over titles
// and content. An empty query is the default listing, not an error.
func (s *Service) SearchArticles(ctx context.Context, query string, limit, offset int) map[string]any {
	query = strings.TrimSpace(query)
	if query == "" {
		articles, err := s.store.ListArticles(ctx)
		if err != nil {
			return degradedListing("results")
		}
		results := make([]map[string]any, 0, len(articles))
		for _, a := range articles {
			results = append(results, map[string]any{
				"id":      a.ID,
				"title":   a.Title,
				"snippet": a.Content,
				"spaceId": a.SpaceID,
			})
		}
		return map[string]any{"results": results, "total": len(results), "query": ""}
	}

	if s.search != nil {
		resp := s.search.Search(search.Query{Text: query, Limit: limit, Offset: offset})
		return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}
	}

	articles, total, err := s.store.SearchArticles(ctx, query, limit, offset)
	if err != nil {
		return degradedListing("results")
	}
	results := make([]map[string]any, 0, len(articles))
	for _, a := range articles {
		results = append(results, map[string]any{
			"id":      a.ID,
			"title":   a.Title,
			"snippet": a.Content,
			"spaceId": a.SpaceID,
		})
	}
	return map[string]any{"results": results, "total": total, "query": query}
}

func (s *Service) CreateSpace(ctx context.Context, session Session, name, key string) (map[string]any, error) {
	actor := session.actor()
	if !actor.Authenticated() {
		return nil, errUnauthenticated()
	}
	if actor.Role != rbac.RoleAdmin {
		return nil, errForbidden("Only admins can create spaces.")
	}
	name = strings.TrimSpace(name)
	key = strings.ToUpper(strings.TrimSpace(key))
	if name == "" || key == "" {
		return nil, errValidation("name and key are required")
	}

	space := store.Space{ID: util.NewID("spc"), Name: name, Key: key}
	if err := s.store.InsertSpace(ctx, space); err != nil {
		return nil, err
	}
	created, err := s.store.GetSpaceByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"space": spaceView(created)}, nil
}

// ListPosts is the flat blog listing. Store failures degrade to an
// empty list.
func (s *Service) ListPosts(ctx context.Context) []map[string]any {
	articles, err := s.store.ListArticles(ctx)
	if err != nil {
		return []map[string]any{}
	}
	posts := make([]map[string]any, 0, len(articles))
	for _, a := range articles {
		posts = append(posts, postView(a))
	}
	return posts
}

// CreatePost accepts anonymous submissions: the post is attributed to
// the session user when one is present, otherwise to the anonymous
// account. The initial version is recorded either way.
func (s *Service) CreatePost(ctx context.Context, session Session, title, content string) (map[string]any, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errValidation("title is required")
	}

	authorID := session.UserID
	updatedBy := session.Username
	if authorID == "" {
		anon, err := s.store.EnsureUser(ctx, store.User{
			ID:       util.NewID("usr"),
			Username: anonymousUser,
			Role:     string(rbac.RoleViewer),
		})
		if err != nil {
			return nil, err
		}
		authorID = anon.ID
		updatedBy = anon.Username
	}

	space, err := s.store.GetSpaceByKey(ctx, defaultSpaceKey)
	if err != nil {
		return nil, err
	}

	article := store.Article{
		ID:        util.NewID("art"),
		SpaceID:   space.ID,
		AuthorID:  authorID,
		Title:     title,
		Content:   content,
		UpdatedBy: updatedBy,
	}
	if err := s.store.InsertArticleWithVersion(ctx, article, util.NewID("ver")); err != nil {
		return nil, err
	}

	s.indexArticle(article, space.ID, updatedBy)
	return postView(article), nil
}

func (s *Service) ListPostComments(ctx context.Context, articleID string) ([]map[string]any, error) {
	if _, err := s.store.GetArticle(ctx, articleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Post not found")
		}
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, articleID)
	if err != nil {
		return []map[string]any{}, nil
	}
	return commentViews(comments), nil
}

func (s *Service) AddPostComment(ctx context.Context, session Session, articleID, text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errValidation("text is required")
	}
	if !rbac.Authorize(session.actor(), rbac.ActionComment, "") {
		return nil, errForbidden("You do not have permission to comment.")
	}

	if _, err := s.store.GetArticle(ctx, articleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Post not found")
		}
		return nil, err
	}

	comment := store.Comment{
		ID:        util.NewID("cmt"),
		ArticleID: articleID,
		Text:      text,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}
	return commentView(comment), nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) DebugInfo() map[string]any {
	return map[string]any{
		"environment": s.cfg.Environment,
		"version":     Version,
		"uptime":      time.Since(s.startedAt).String(),
	}
}

func (s *Service) indexArticle(article store.Article, spaceID, author string) {
	if s.search == nil {
		return
	}
	s.search.IndexArticle(search.ArticleRecord{
		ID:      article.ID,
		Title:   article.Title,
		Content: article.Content,
		SpaceID: spaceID,
		Author:  author,
	})
}

func degradedListing(keys ...string) map[string]any {
	payload := map[string]any{"degraded": true}
	for _, key := range keys {
		payload[key] = []map[string]any{}
	}
	return payload
}

func spaceView(s store.Space) map[string]any {
	return map[string]any{
		"id":        s.ID,
		"name":      s.Name,
		"key":       s.Key,
		"createdAt": s.CreatedAt,
	}
}

func spaceViews(spaces []store.Space) []map[string]any {
	views := make([]map[string]any, 0, len(spaces))
	for _, s := range spaces {
		views = append(views, spaceView(s))
	}
	return views
}

func articleView(a store.Article) map[string]any {
	view := map[string]any{
		"id":        a.ID,
		"spaceId":   a.SpaceID,
		"authorId":  a.AuthorID,
		"title":     a.Title,
		"content":   a.Content,
		"updatedBy": a.UpdatedBy,
		"createdAt": a.CreatedAt,
		"updatedAt": a.UpdatedAt,
	}
	if a.ParentID != nil {
		view["parentId"] = *a.ParentID
	}
	return view
}

func articleViews(articles []store.Article) []map[string]any {
	views := make([]map[string]any, 0, len(articles))
	for _, a := range articles {
		views = append(views, articleView(a))
	}
	return views
}

func postView(a store.Article) map[string]any {
	return map[string]any{
		"id":      a.ID,
		"title":   a.Title,
		"content": a.Content,
	}
}

func commentView(c store.Comment) map[string]any {
	return map[string]any{
		"id":        c.ID,
		"postId":    c.ArticleID,
		"text":      c.Text,
		"createdAt": c.CreatedAt,
	}
}

func commentViews(comments []store.Comment) []map[string]any {
	views := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		views = append(views, commentView(c))
	}
	return views
}
