package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terraigo/internal/config"
	"terraigo/internal/models"
)

type stubGenerator struct{ instructions []string }

func (g *stubGenerator) Stream(_ context.Context, instruction string, _ *models.Image, onChunk func(string) error) (string, error) {
	g.instructions = append(g.instructions, instruction)
	if onChunk != nil {
		if err := onChunk("Apply nitrogen in splits."); err != nil {
			return "", err
		}
	}
	return "Apply nitrogen in splits.", nil
}

func (g *stubGenerator) FollowUps(context.Context, string) (string, error) {
	return "1. How much urea per acre?", nil
}

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func closeApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
}

func TestAskWithLocalKnowledge(t *testing.T) {
	cfg := loadConfig(t, `{
		"databases": {"sqlite3": {"dsn": ":memory:"}},
		"retrieval": {"mode": "local", "max_results": 2},
		"pipeline": {"template_policy": "fixed:structured"}
	}`)
	gen := &stubGenerator{}
	a, err := New(context.Background(), cfg, Options{Generator: gen})
	require.NoError(t, err)
	defer closeApp(t, a)

	var chunks []string
	res, err := a.Ask(context.Background(), "How should I split nitrogen for paddy?", func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "structured", res.Template)
	assert.Equal(t, []string{"Apply nitrogen in splits."}, chunks)
	require.NotEmpty(t, res.Snippets)
	assert.LessOrEqual(t, len(res.Snippets), 2)
	assert.Equal(t, "Rice nitrogen schedule", res.Snippets[0].Title)
	assert.Contains(t, res.Reply.Content, "**Top Search Results:**")
	require.Len(t, gen.instructions, 1)
	assert.Contains(t, gen.instructions[0], "How should I split nitrogen for paddy?")

	// the one-shot session is gone afterwards
	_, err = a.Store.Get(context.Background(), res.Reply.SessionID)
	assert.Error(t, err)
}

func TestAskWithoutRetrieval(t *testing.T) {
	cfg := loadConfig(t, `{"retrieval": {"mode": "none"}, "pipeline": {"followups": false}}`)
	gen := &stubGenerator{}
	a, err := New(context.Background(), cfg, Options{Generator: gen})
	require.NoError(t, err)
	defer closeApp(t, a)

	res, err := a.Ask(context.Background(), "When do I sow wheat?", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Snippets)
	assert.Equal(t, "Apply nitrogen in splits.", res.Reply.Content)
	require.Len(t, gen.instructions, 1)
	assert.Contains(t, gen.instructions[0], "No search results were found for this question.")
}

func TestRouterServesHealthAndSessions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := loadConfig(t, `{"retrieval": {"mode": "none"}}`)
	a, err := New(context.Background(), cfg, Options{Generator: &stubGenerator{}})
	require.NoError(t, err)
	defer closeApp(t, a)
	router := a.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "session_id"))
}

func TestIndexSeedsCorpusOnce(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "knowledge.db")
	cfg := loadConfig(t, `{"databases": {"sqlite3": {"dsn": "`+filepath.ToSlash(dsn)+`"}}, "retrieval": {"mode": "none"}}`)

	first, err := Index(context.Background(), cfg)
	require.NoError(t, err)
	assert.Positive(t, first.Added)
	assert.Equal(t, first.Added, first.Total)
	assert.Zero(t, first.Embedded)

	second, err := Index(context.Background(), cfg)
	require.NoError(t, err)
	assert.Zero(t, second.Added)
	assert.Equal(t, first.Total, second.Total)
}

func TestNewRejectsUnknownTemplatePolicy(t *testing.T) {
	cfg := loadConfig(t, `{"retrieval": {"mode": "none"}, "pipeline": {"template_policy": "fixed:missing"}}`)
	_, err := New(context.Background(), cfg, Options{Generator: &stubGenerator{}})
	require.Error(t, err)
}
