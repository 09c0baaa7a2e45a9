package search

import (
	"context"
	"strings"

	"scribe/api/internal/store"
)

// PgSubstring implements Searcher directly against the article table with
// a case-insensitive substring match. This is the authoritative search
// semantics; no ranking is applied and results come back in store order.
type PgSubstring struct {
	store *store.PostgresStore
}

func NewPgSubstring(s *store.PostgresStore) *PgSubstring {
	return &PgSubstring{store: s}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgSubstring) Healthy() bool {
	return true
}

func (p *PgSubstring) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	articles, total, err := p.store.SearchArticles(context.Background(), q.Text, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, err
	}

	results := make([]Result, 0, len(articles))
	for _, article := range articles {
		results = append(results, Result{
			ID:      article.ID,
			Title:   article.Title,
			Snippet: snippet(article.Content, 160),
			SpaceID: article.SpaceID,
		})
	}
	return results, total, nil
}

// LoadAllRecords returns every article for bulk reindexing.
func (p *PgSubstring) LoadAllRecords(ctx context.Context) ([]ArticleRecord, error) {
	articles, err := p.store.ListArticles(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]ArticleRecord, 0, len(articles))
	for _, article := range articles {
		records = append(records, ArticleRecord{
			ID:      article.ID,
			Title:   article.Title,
			Content: article.Content,
			SpaceID: article.SpaceID,
			Author:  article.UpdatedBy,
		})
	}
	return records, nil
}

func snippet(content string, max int) string {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) <= max {
		return trimmed
	}
	cut := trimmed[:max]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}
