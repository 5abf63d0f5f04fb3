package retrieval

import (
	"context"
	"fmt"

	"terraigo/internal/models"
)

// FactSearcher is the slice of the knowledge store the local retriever needs.
type FactSearcher interface {
	Search(ctx context.Context, query string, k int) ([]models.Fact, error)
}

// LocalRetriever answers from the knowledge corpus. It always returns up to
// its limit; there is no relevance threshold.
type LocalRetriever struct {
	store      FactSearcher
	maxResults int
}

func NewLocalRetriever(store FactSearcher, maxResults int) *LocalRetriever {
	return &LocalRetriever{store: store, maxResults: limitOrDefault(maxResults)}
}

func (l *LocalRetriever) Retrieve(ctx context.Context, query string) ([]models.Snippet, error) {
	facts, err := l.store.Search(ctx, query, l.maxResults)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	snippets := make([]models.Snippet, 0, len(facts))
	for _, f := range facts {
		if len(snippets) == l.maxResults {
			break
		}
		snippets = append(snippets, models.Snippet{Title: f.Title, Body: f.Body, URL: f.Source})
	}
	return renumber(snippets), nil
}
