package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terraigo/internal/models"
)

var riceSnippets = []models.Snippet{
	{Index: 1, Title: "Blast control", Body: "Spray tricyclazole at 0.6 g/l."},
	{Index: 2, Title: "Resistant varieties", Body: "Grow Pusa Basmati 1637."},
}

func TestRenderContext(t *testing.T) {
	got := RenderContext(riceSnippets)
	assert.Equal(t, "[Source 1] Blast control: Spray tricyclazole at 0.6 g/l.\n[Source 2] Resistant varieties: Grow Pusa Basmati 1637.", got)

	got = RenderContext([]models.Snippet{{Index: 1, Body: "raw payload"}})
	assert.Equal(t, "raw payload", got)

	assert.Empty(t, RenderContext(nil))
}

func TestComposeEveryTemplateKeepsQuery(t *testing.T) {
	queries := []string{
		"How do I control blast in rice?",
		"",
		"what about {context} and {question}?",
		"ధాన్యం ధర ఎంత?",
	}
	for _, tmpl := range DefaultTemplates() {
		for _, q := range queries {
			out, err := Compose(q, riceSnippets, tmpl, Flags{Citations: true})
			require.NoError(t, err, tmpl.Name)
			assert.Contains(t, out, q, tmpl.Name)
			assert.Contains(t, out, "[Source 2] Resistant varieties", tmpl.Name)
		}
	}
}

func TestComposeSinglePass(t *testing.T) {
	tmpl := Template{Name: "tiny", Text: "C={context}\nQ={question}"}
	out, err := Compose("{context}", []models.Snippet{{Index: 1, Title: "t", Body: "{question}"}}, tmpl, Flags{Citations: true})
	require.NoError(t, err)
	assert.Equal(t, "C=[Source 1] t: {question}\nQ={context}", out)
}

func TestComposeEmptyContext(t *testing.T) {
	out, err := Compose("best time to sow groundnut", nil, DefaultTemplates()[1], Flags{Citations: true})
	require.NoError(t, err)
	assert.Contains(t, out, EmptyContext)
	assert.Contains(t, out, "best time to sow groundnut")
}

func TestComposeRejectsBadSlots(t *testing.T) {
	bad := []Template{
		{Name: "missing-context", Text: "Q: {question}"},
		{Name: "double-question", Text: "{context} {question} {question}"},
		{Name: "empty"},
	}
	for _, tmpl := range bad {
		_, err := Compose("q", nil, tmpl, Flags{})
		assert.True(t, errors.Is(err, ErrTemplateSlots), tmpl.Name)
	}
}

func TestComposeFlags(t *testing.T) {
	tmpl := Template{Name: "tiny", Text: "{context}|{question}"}
	out, err := Compose("q", nil, tmpl, Flags{
		Citations: false,
		Table:     true,
		Persona:   "Namaskaram",
		Image:     true,
		Language:  "Telugu",
		Notes:     []string{"Current weather: Guntur +34°C", "  "},
	})
	require.NoError(t, err)

	lines := strings.Split(out, "\n")
	assert.Equal(t, `Open your answer with the greeting "Namaskaram".`, lines[0])
	assert.Contains(t, out, EmptyContext+"\nCurrent weather: Guntur +34°C|q")
	assert.Contains(t, out, "Do not cite sources")
	assert.Contains(t, out, "markdown table")
	assert.Contains(t, out, "attached a photo")
	assert.True(t, strings.HasSuffix(out, "Write the whole answer in Telugu."))

	plain, err := Compose("q", nil, tmpl, Flags{Citations: true})
	require.NoError(t, err)
	assert.Equal(t, EmptyContext+"|q", plain)
}
