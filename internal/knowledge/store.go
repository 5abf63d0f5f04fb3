package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"terraigo/internal/models"
	"terraigo/internal/observability"
)

//go:embed corpus.yaml
var seedCorpus []byte

// SeedFacts returns the built-in agronomy corpus.
func SeedFacts() ([]models.Fact, error) {
	var facts []models.Fact
	if err := yaml.Unmarshal(seedCorpus, &facts); err != nil {
		return nil, fmt.Errorf("decode seed corpus: %w", err)
	}
	return facts, nil
}

// Store keeps the fact corpus in SQL and answers nearest-neighbour queries over it.
type Store struct {
	db       *sql.DB
	embedder embedding.Embedder
	model    string
}

// QueryEmbedder is implemented by embedders that encode search queries
// differently from stored documents.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float64, error)
}

// NewStore builds a Store. A nil embedder switches search to keyword overlap.
func NewStore(db *sql.DB, embedder embedding.Embedder, model string) *Store {
	return &Store{db: db, embedder: embedder, model: model}
}

// Seed inserts the facts that are not stored yet and returns how many were added.
func (s *Store) Seed(ctx context.Context, facts []models.Fact) (int, error) {
	added := 0
	now := time.Now().UTC()
	for _, f := range facts {
		title := strings.TrimSpace(f.Title)
		body := strings.TrimSpace(f.Body)
		if body == "" {
			continue
		}
		source := f.Source
		if source == "" {
			source = "seed"
		}
		sum := checksum(title, body)
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM knowledge_facts WHERE checksum = ?)`, sum,
		).Scan(&exists); err != nil {
			return added, fmt.Errorf("check fact: %w", err)
		}
		if exists {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO knowledge_facts (title, body, source, checksum, created_at) VALUES (?, ?, ?, ?, ?)`,
			title, body, source, sum, now,
		); err != nil {
			return added, fmt.Errorf("insert fact: %w", err)
		}
		added++
	}
	return added, nil
}

// Count returns the number of stored facts.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_facts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count facts: %w", err)
	}
	return n, nil
}

// EmbedMissing computes embeddings for facts that have none, or were embedded by another model.
func (s *Store) EmbedMissing(ctx context.Context) (int, error) {
	if s.embedder == nil {
		return 0, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, body FROM knowledge_facts WHERE embedding IS NULL OR embedding_model IS NULL OR embedding_model <> ?`,
		s.model,
	)
	if err != nil {
		return 0, fmt.Errorf("list unembedded facts: %w", err)
	}
	var pending []models.Fact
	for rows.Next() {
		var f models.Fact
		if err := rows.Scan(&f.ID, &f.Title, &f.Body); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan fact: %w", err)
		}
		pending = append(pending, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	texts := make([]string, len(pending))
	for i, f := range pending {
		texts[i] = factText(f)
	}
	vectors, err := s.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed facts: %w", err)
	}
	if len(vectors) != len(pending) {
		return 0, fmt.Errorf("embed facts: got %d vectors for %d facts", len(vectors), len(pending))
	}
	for i, f := range pending {
		raw, err := json.Marshal(vectors[i])
		if err != nil {
			return i, fmt.Errorf("encode embedding: %w", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE knowledge_facts SET embedding = ?, embedding_model = ? WHERE id = ?`,
			string(raw), s.model, f.ID,
		); err != nil {
			return i, fmt.Errorf("store embedding: %w", err)
		}
	}
	return len(pending), nil
}

type scored struct {
	fact  models.Fact
	score float64
}

// Search returns the k facts closest to query. There is no relevance
// threshold: as long as the corpus is not empty, results come back.
func (s *Store) Search(ctx context.Context, query string, k int) ([]models.Fact, error) {
	if k <= 0 {
		k = 3
	}
	facts, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, nil
	}

	var candidates []scored
	if s.embedder != nil {
		candidates, err = s.semantic(ctx, query, facts)
		if err != nil {
			observability.FromContext(ctx).Warn("semantic search failed, using keyword overlap", zap.Error(err))
			candidates = nil
		}
	}
	if candidates == nil {
		candidates = keywordScores(query, facts)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]models.Fact, len(candidates))
	for i, c := range candidates {
		out[i] = c.fact
	}
	return out, nil
}

func (s *Store) semantic(ctx context.Context, query string, facts []models.Fact) ([]scored, error) {
	q, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	var out []scored
	for _, f := range facts {
		if len(f.Embedding) == 0 {
			continue
		}
		sim, err := CosineSimilarity(q, f.Embedding)
		if err != nil {
			continue
		}
		out = append(out, scored{fact: f, score: sim})
	}
	if len(out) == 0 {
		return nil, errors.New("no embedded facts")
	}
	return out, nil
}

func (s *Store) embedQuery(ctx context.Context, query string) ([]float64, error) {
	if qe, ok := s.embedder.(QueryEmbedder); ok {
		return qe.EmbedQuery(ctx, query)
	}
	vectors, err := s.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("no query embedding returned")
	}
	return vectors[0], nil
}

func (s *Store) all(ctx context.Context) ([]models.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, body, source, embedding FROM knowledge_facts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []models.Fact
	for rows.Next() {
		var (
			f   models.Fact
			raw sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.Title, &f.Body, &f.Source, &raw); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		if raw.Valid && raw.String != "" {
			if err := json.Unmarshal([]byte(raw.String), &f.Embedding); err != nil {
				f.Embedding = nil
			}
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func keywordScores(query string, facts []models.Fact) []scored {
	terms := tokenize(query)
	out := make([]scored, 0, len(facts))
	for _, f := range facts {
		words := tokenize(factText(f))
		set := make(map[string]struct{}, len(words))
		for _, w := range words {
			set[w] = struct{}{}
		}
		hits := 0
		for _, t := range terms {
			if _, ok := set[t]; ok {
				hits++
			}
		}
		score := 0.0
		if len(terms) > 0 {
			score = float64(hits) / float64(len(terms))
		}
		out = append(out, scored{fact: f, score: score})
	}
	return out
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// CosineSimilarity returns the cosine of the angle between a and b.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

func factText(f models.Fact) string {
	if f.Title == "" {
		return f.Body
	}
	return f.Title + ": " + f.Body
}

func checksum(title, body string) string {
	sum := sha256.Sum256([]byte(title + "\x00" + body))
	return hex.EncodeToString(sum[:])
}
