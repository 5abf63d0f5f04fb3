// Package prompt turns a question plus retrieved snippets into the
// instruction sent to the chat model.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"terraigo/internal/models"
)

// EmptyContext stands in for the context block when nothing was retrieved.
const EmptyContext = "No search results were found for this question."

var ErrTemplateSlots = errors.New("template must contain {context} and {question} exactly once")

// Flags adjust a composed instruction without touching the template text.
type Flags struct {
	// Citations keeps the [Source n] convention; false asks for no citations.
	Citations bool
	Table     bool
	// Persona is a greeting the answer should open with.
	Persona string
	// Image marks that the farmer attached a photo.
	Image    bool
	Language string
	// Notes are extra context lines, e.g. a weather report.
	Notes []string
}

// Validate checks that both slots appear exactly once.
func (t Template) Validate() error {
	if strings.Count(t.Text, ContextSlot) != 1 || strings.Count(t.Text, QuestionSlot) != 1 {
		return fmt.Errorf("%w: %s", ErrTemplateSlots, t.Name)
	}
	return nil
}

// RenderContext formats snippets as "[Source i] title: body", one per line.
func RenderContext(snippets []models.Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	lines := make([]string, 0, len(snippets))
	for i, s := range snippets {
		idx := s.Index
		if idx <= 0 {
			idx = i + 1
		}
		if s.Title == "" {
			lines = append(lines, s.Body)
			continue
		}
		lines = append(lines, fmt.Sprintf("[Source %d] %s: %s", idx, s.Title, s.Body))
	}
	return strings.Join(lines, "\n")
}

// Compose fills the template. Slot-like text inside the query or the
// snippets is left as is.
func Compose(query string, snippets []models.Snippet, tmpl Template, flags Flags) (string, error) {
	if err := tmpl.Validate(); err != nil {
		return "", err
	}

	contextBlock := RenderContext(snippets)
	if contextBlock == "" {
		contextBlock = EmptyContext
	}
	for _, note := range flags.Notes {
		if note = strings.TrimSpace(note); note != "" {
			contextBlock += "\n" + note
		}
	}

	body := strings.NewReplacer(ContextSlot, contextBlock, QuestionSlot, query).Replace(tmpl.Text)

	var b strings.Builder
	if flags.Persona != "" {
		fmt.Fprintf(&b, "Open your answer with the greeting %q.\n\n", flags.Persona)
	}
	b.WriteString(body)
	for _, line := range flags.instructions() {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String(), nil
}

func (f Flags) instructions() []string {
	var out []string
	if !f.Citations {
		out = append(out, "Do not cite sources and do not add [Source n] markers.")
	}
	if f.Table {
		out = append(out, "Include a markdown table summarising the key facts.")
	}
	if f.Image {
		out = append(out, "The farmer attached a photo. Identify the crop, describe visible pests, disease or nutrient symptoms, and fold what you see into the answer.")
	}
	if f.Language != "" {
		out = append(out, fmt.Sprintf("Write the whole answer in %s.", f.Language))
	}
	return out
}
