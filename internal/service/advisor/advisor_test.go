package advisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terraigo/internal/config"
	"terraigo/internal/models"
	"terraigo/internal/service/prompt"
	"terraigo/internal/session"
)

type fakeRetriever struct {
	snippets []models.Snippet
	err      error
	queries  []string
}

func (f *fakeRetriever) Retrieve(_ context.Context, q string) ([]models.Snippet, error) {
	f.queries = append(f.queries, q)
	return f.snippets, f.err
}

type fakeGenerator struct {
	answer       string
	streamErr    error
	followUps    string
	followUpErr  error
	instructions []string
	images       []*models.Image
	followUpQs   []string
}

func (f *fakeGenerator) Stream(_ context.Context, instruction string, image *models.Image, onChunk func(string) error) (string, error) {
	f.instructions = append(f.instructions, instruction)
	f.images = append(f.images, image)
	if f.streamErr != nil {
		return "", f.streamErr
	}
	if onChunk != nil {
		if err := onChunk(f.answer); err != nil {
			return "", err
		}
	}
	return f.answer, nil
}

func (f *fakeGenerator) FollowUps(_ context.Context, q string) (string, error) {
	f.followUpQs = append(f.followUpQs, q)
	return f.followUps, f.followUpErr
}

func (f *fakeGenerator) calls() int { return len(f.instructions) + len(f.followUpQs) }

type staticEnricher struct{ label, text string }

func (s staticEnricher) Enrich(context.Context, string) (string, string, error) {
	return s.label, s.text, nil
}

func testPersona() config.PersonaConfig {
	return config.PersonaConfig{
		Identity:         config.DefaultIdentity,
		Refusal:          config.DefaultRefusal,
		AskFirst:         config.DefaultAskFirst,
		Failure:          config.DefaultFailure,
		MetaKeywords:     config.DefaultMetaKeywords,
		FollowUpKeywords: config.DefaultFollowUpKeywords,
		DomainKeywords:   config.DefaultDomainKeywords,
	}
}

type harness struct {
	advisor   *Advisor
	store     *session.MemoryStore
	retriever *fakeRetriever
	gen       *fakeGenerator
	sessionID string
}

func newHarness(t *testing.T, pipeline config.PipelineConfig, enrichers ...staticEnricher) *harness {
	t.Helper()
	store := session.NewMemoryStore(time.Hour)
	sess, err := store.Create(context.Background())
	require.NoError(t, err)

	selector, err := prompt.NewSelector("fixed:conversational", 0, prompt.DefaultTemplates())
	require.NoError(t, err)

	h := &harness{
		store: store,
		retriever: &fakeRetriever{snippets: []models.Snippet{
			{Index: 1, Title: "Rice nutrition", Body: "Apply 120 kg N per hectare in three splits."},
			{Index: 2, Title: "Zinc", Body: "Use zinc sulphate at 25 kg/ha."},
		}},
		gen: &fakeGenerator{
			answer:    "Use urea in three splits with zinc sulphate.",
			followUps: "Q1: When to apply zinc?\nA1: At transplanting.\nQ2: Is DAP needed?\nA2: Only on low-P soils.",
		},
		sessionID: sess.ID,
	}
	deps := Deps{Store: store, Retriever: h.retriever, Generator: h.gen, Selector: selector}
	for _, e := range enrichers {
		deps.Enrichers = append(deps.Enrichers, e)
	}
	h.advisor = New(deps, pipeline, testPersona())
	return h
}

func (h *harness) turn(t *testing.T, content string) *TurnResult {
	t.Helper()
	res, err := h.advisor.Turn(context.Background(), h.sessionID, Input{Content: content}, nil)
	require.NoError(t, err)
	return res
}

func (h *harness) log(t *testing.T) []*models.Message {
	t.Helper()
	msgs, err := h.store.Messages(context.Background(), h.sessionID)
	require.NoError(t, err)
	return msgs
}

var ignoreStamps = cmpopts.IgnoreFields(models.Message{}, "ID", "SessionID", "CreatedAt")

func TestMetaQueryReturnsIdentity(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{})

	res := h.turn(t, "Who are you?")
	assert.Equal(t, RouteMeta, res.Route)
	assert.Equal(t, config.DefaultIdentity, res.Reply.Content)
	assert.Empty(t, h.retriever.queries)
	assert.Zero(t, h.gen.calls())

	want := []*models.Message{
		{Role: models.RoleUser, Content: "Who are you?"},
		{Role: models.RoleAssistant, Content: config.DefaultIdentity},
	}
	if diff := cmp.Diff(want, h.log(t), ignoreStamps); diff != "" {
		t.Fatalf("log mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultTurnAppendsAnswerWithSourcesAndFollowUps(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{})

	var streamed []string
	res, err := h.advisor.Turn(context.Background(), h.sessionID,
		Input{Content: "what is the best fertilizer for rice"},
		func(s string) error { streamed = append(streamed, s); return nil })
	require.NoError(t, err)

	assert.Equal(t, RouteDefault, res.Route)
	assert.Equal(t, "conversational", res.Template)
	assert.False(t, res.Failed)
	assert.Len(t, res.Snippets, 2)
	assert.Equal(t, []string{"what is the best fertilizer for rice"}, h.retriever.queries)
	assert.Equal(t, []string{h.gen.answer}, streamed)

	require.Len(t, h.gen.instructions, 1)
	instr := h.gen.instructions[0]
	assert.Contains(t, instr, "what is the best fertilizer for rice")
	assert.Contains(t, instr, "[Source 2] Zinc: Use zinc sulphate at 25 kg/ha.")

	wantReply := h.gen.answer +
		"\n\n---\n**Top Search Results:**\n" +
		"[Source 1] Rice nutrition: Apply 120 kg N per hectare in three splits.\n" +
		"[Source 2] Zinc: Use zinc sulphate at 25 kg/ha." +
		"\n\n---\n**Other questions you may have:**\n" + h.gen.followUps
	assert.Equal(t, wantReply, res.Reply.Content)

	want := []*models.Message{
		{Role: models.RoleUser, Content: "what is the best fertilizer for rice"},
		{Role: models.RoleAssistant, Content: wantReply},
	}
	if diff := cmp.Diff(want, h.log(t), ignoreStamps); diff != "" {
		t.Fatalf("log mismatch (-want +got):\n%s", diff)
	}
}

func TestFollowUpWithoutHistoryAsksFirst(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{})

	res := h.turn(t, "show me more questions")
	assert.Equal(t, RouteFollowUp, res.Route)
	assert.Equal(t, config.DefaultAskFirst, res.Reply.Content)
	assert.Zero(t, h.gen.calls())
	assert.Len(t, h.log(t), 2)
}

func TestFollowUpRecallsPreviousQuestion(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{})
	h.turn(t, "what is the best fertilizer for rice")
	h.gen.followUpQs = nil

	res := h.turn(t, "Show me more questions please")
	assert.Equal(t, RouteFollowUp, res.Route)
	assert.Equal(t, []string{"what is the best fertilizer for rice"}, h.gen.followUpQs)
	assert.Equal(t, "**Other questions you may have:**\n"+h.gen.followUps, res.Reply.Content)
	assert.Len(t, h.gen.instructions, 1)
	assert.Len(t, h.log(t), 4)
}

func TestRetrievalFailureStillAnswers(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{})
	h.retriever.err = errors.New("dial tcp: connection refused")

	res := h.turn(t, "how to store onions")
	assert.Equal(t, RouteDefault, res.Route)
	assert.False(t, res.Failed)
	assert.Empty(t, res.Snippets)

	require.Len(t, h.gen.instructions, 1)
	assert.Contains(t, h.gen.instructions[0], prompt.EmptyContext)
	assert.Contains(t, h.gen.instructions[0], "how to store onions")
	assert.NotContains(t, res.Reply.Content, "Top Search Results")
	assert.Len(t, h.log(t), 2)
}

func TestOutOfScopeRejectedWhenRestricted(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{DomainRestriction: true})

	res := h.turn(t, "what's the capital of France")
	assert.Equal(t, RouteOutOfScope, res.Route)
	assert.Equal(t, config.DefaultRefusal, res.Reply.Content)
	assert.Empty(t, h.retriever.queries)
	assert.Zero(t, h.gen.calls())

	res = h.turn(t, "how much water does paddy need")
	assert.Equal(t, RouteDefault, res.Route)
}

func TestOutOfScopeNotEnforcedByDefault(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{})
	res := h.turn(t, "what's the capital of France")
	assert.Equal(t, RouteDefault, res.Route)
}

func TestGenerationFailureAppendsFailureNotice(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{})
	h.gen.streamErr = errors.New("timeout")

	res := h.turn(t, "best mango variety for Konkan")
	assert.True(t, res.Failed)
	assert.Equal(t, config.DefaultFailure, res.Reply.Content)
	assert.Empty(t, h.gen.followUpQs)

	want := []*models.Message{
		{Role: models.RoleUser, Content: "best mango variety for Konkan"},
		{Role: models.RoleAssistant, Content: config.DefaultFailure},
	}
	if diff := cmp.Diff(want, h.log(t), ignoreStamps); diff != "" {
		t.Fatalf("log mismatch (-want +got):\n%s", diff)
	}
}

func TestFollowUpFailureDropsSection(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{})
	h.gen.followUpErr = errors.New("rate limited")

	res := h.turn(t, "drip irrigation for sugarcane")
	assert.False(t, res.Failed)
	assert.True(t, strings.HasPrefix(res.Reply.Content, h.gen.answer))
	assert.NotContains(t, res.Reply.Content, "Other questions you may have")
}

func TestFollowUpsDisabled(t *testing.T) {
	off := false
	h := newHarness(t, config.PipelineConfig{FollowUps: &off})
	res := h.turn(t, "drip irrigation for sugarcane")
	assert.Empty(t, h.gen.followUpQs)
	assert.NotContains(t, res.Reply.Content, "Other questions you may have")
}

func TestPendingImageAndEnrichers(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{Language: "Hindi"},
		staticEnricher{label: "Current weather", text: "Nagpur: +31°C"})
	img := &models.Image{FileName: "leaf.jpg", MimeType: "image/jpeg", Data: []byte{1, 2}}
	require.NoError(t, h.store.SetPending(context.Background(), h.sessionID, img))

	h.turn(t, "what is wrong with my cotton leaf")

	require.Len(t, h.gen.images, 1)
	require.NotNil(t, h.gen.images[0])
	assert.Equal(t, "leaf.jpg", h.gen.images[0].FileName)
	instr := h.gen.instructions[0]
	assert.Contains(t, instr, "attached a photo")
	assert.Contains(t, instr, "Current weather: Nagpur: +31°C")
	assert.Contains(t, instr, "Write the whole answer in Hindi.")

	msgs := h.log(t)
	require.NotNil(t, msgs[0].Image)
	assert.Equal(t, "leaf.jpg", msgs[0].Image.FileName)
}

func TestPendingImageSurvivesFixedReplies(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{})
	img := &models.Image{FileName: "leaf.jpg", MimeType: "image/jpeg", Data: []byte{1, 2}}
	require.NoError(t, h.store.SetPending(context.Background(), h.sessionID, img))

	res := h.turn(t, "who are you")
	assert.Equal(t, RouteMeta, res.Route)
	assert.Nil(t, res.UserMessage.Image)

	h.turn(t, "what is wrong with my cotton leaf")
	require.Len(t, h.gen.images, 1)
	require.NotNil(t, h.gen.images[0])
	assert.Equal(t, "leaf.jpg", h.gen.images[0].FileName)
}

func TestEmptyInputAndUnknownSession(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{})

	_, err := h.advisor.Turn(context.Background(), h.sessionID, Input{Content: "   "}, nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Empty(t, h.log(t))

	_, err = h.advisor.Turn(context.Background(), "missing", Input{Content: "rice"}, nil)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestClassifierOrder(t *testing.T) {
	c := NewClassifier(testPersona(), true)
	cases := map[string]Route{
		"Who are you":                         RouteMeta,
		"who are you? show me more questions": RouteMeta,
		"other questions about wheat":         RouteFollowUp,
		"tell me a joke":                      RouteOutOfScope,
		"when should I sow wheat":             RouteDefault,
		"Sowing dates for Rabi?":              RouteDefault,
		"what is the soil pH for tomatoes":    RouteDefault,
		"follow-up questions please":          RouteFollowUp,
	}
	for q, want := range cases {
		assert.Equal(t, want, c.Classify(q), q)
	}
}

func TestClassifierIgnoresKeywordFragments(t *testing.T) {
	c := NewClassifier(testPersona(), true)
	for _, q := range []string{
		"how do I fix my phone screen",
		"what is the capital of Finland",
		"best restaurants in Moscow",
		"who won the gold medal in the olympics",
		"explain quantum physics",
		"what's the capital of France",
	} {
		assert.Equal(t, RouteOutOfScope, c.Classify(q), q)
	}
}
