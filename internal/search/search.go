package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	SpaceID string `json:"spaceId"`
	Author  string `json:"author,omitempty"`
}

// Query describes a search request. Matching is a case-insensitive
// substring test against title or content.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push articles into a search index.
type Indexer interface {
	IndexArticle(a ArticleRecord) error
	DeleteArticle(id string) error
}

// ArticleRecord is the data we index for an article.
type ArticleRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	SpaceID string `json:"spaceId"`
	Author  string `json:"author"`
}
