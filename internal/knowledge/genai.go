package knowledge

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/embedding"
	"google.golang.org/genai"
)

// GenAIEmbedder implements the eino embedding.Embedder contract on top of
// the Gemini embedding endpoint.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

var (
	_ embedding.Embedder = (*GenAIEmbedder)(nil)
	_ QueryEmbedder      = (*GenAIEmbedder)(nil)
)

func NewGenAIEmbedder(ctx context.Context, apiKey, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("genai api key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model}, nil
}

const (
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// EmbedStrings embeds corpus texts in one batch request.
func (e *GenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	return e.embed(ctx, texts, taskRetrievalDocument)
}

// EmbedQuery embeds a search query with the query task type.
func (e *GenAIEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	vectors, err := e.embed(ctx, []string{query}, taskRetrievalQuery)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("no query embedding returned")
	}
	return vectors[0], nil
}

// Model reports the embedding model name stored next to each vector.
func (e *GenAIEmbedder) Model() string {
	return e.model
}

func (e *GenAIEmbedder) embed(ctx context.Context, texts []string, taskType string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: taskType,
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	out := make([][]float64, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vec := make([]float64, len(emb.Values))
		for j, v := range emb.Values {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}
