package knowledge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"terraigo/internal/observability"
)

// Stats summarises one Build run.
type Stats struct {
	Added    int
	Embedded int
	Total    int
}

// Build seeds the built-in corpus, adds paragraphs from corpusDir when set,
// and embeds whatever has no vector yet.
func Build(ctx context.Context, store *Store, corpusDir string) (Stats, error) {
	var st Stats
	log := observability.FromContext(ctx)

	facts, err := SeedFacts()
	if err != nil {
		return st, err
	}
	if corpusDir != "" {
		loader, err := NewDirLoader(ctx)
		if err != nil {
			return st, err
		}
		extra, err := loader.Load(ctx, corpusDir)
		if err != nil {
			return st, err
		}
		log.Info("loaded corpus directory", zap.String("dir", corpusDir), zap.Int("facts", len(extra)))
		facts = append(facts, extra...)
	}

	if st.Added, err = store.Seed(ctx, facts); err != nil {
		return st, fmt.Errorf("seed corpus: %w", err)
	}
	if st.Embedded, err = store.EmbedMissing(ctx); err != nil {
		// keyword search still works without vectors
		log.Warn("embedding corpus failed", zap.Error(err))
	}
	if st.Total, err = store.Count(ctx); err != nil {
		return st, err
	}
	log.Info("knowledge corpus ready",
		zap.Int("added", st.Added),
		zap.Int("embedded", st.Embedded),
		zap.Int("total", st.Total))
	return st, nil
}
