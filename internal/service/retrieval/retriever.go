package retrieval

import (
	"context"
	"strings"

	"terraigo/internal/models"
)

// DefaultMaxResults bounds every snippet list handed to the composer.
const DefaultMaxResults = 3

// Retriever returns supporting snippets for a query, at most its configured
// limit, numbered from 1 in source order.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]models.Snippet, error)
}

// None never retrieves anything; the pipeline answers from the question alone.
type None struct{}

func (None) Retrieve(context.Context, string) ([]models.Snippet, error) { return nil, nil }

func limitOrDefault(k int) int {
	if k <= 0 {
		return DefaultMaxResults
	}
	return k
}

func renumber(snippets []models.Snippet) []models.Snippet {
	for i := range snippets {
		snippets[i].Index = i + 1
	}
	return snippets
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
