// Package advisor runs one conversational turn: classify the question, pick
// a fixed reply or retrieve, compose, generate, and append to the session.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"terraigo/internal/config"
	"terraigo/internal/models"
	"terraigo/internal/observability"
	"terraigo/internal/service/prompt"
	"terraigo/internal/service/retrieval"
	"terraigo/internal/session"
)

var ErrEmptyInput = errors.New("question cannot be empty")

const (
	searchResultsHeader = "\n\n---\n**Top Search Results:**\n"
	followUpsHeader     = "\n\n---\n**Other questions you may have:**\n"
	followUpsTitle      = "**Other questions you may have:**\n"
)

// Generator is the chat model surface a turn needs.
type Generator interface {
	Stream(ctx context.Context, instruction string, image *models.Image, onChunk func(string) error) (string, error)
	FollowUps(ctx context.Context, question string) (string, error)
}

// Input is one user submission.
type Input struct {
	Content string
	Image   *models.Image
	Audio   *models.Audio
}

// TurnResult describes what a turn appended.
type TurnResult struct {
	Route       Route            `json:"route"`
	UserMessage *models.Message  `json:"user_message"`
	Reply       *models.Message  `json:"ai_message"`
	Snippets    []models.Snippet `json:"snippets"`
	Template    string           `json:"template,omitempty"`
	Failed      bool             `json:"failed,omitempty"`
}

type Deps struct {
	Store     session.Store
	Retriever retrieval.Retriever
	Enrichers []retrieval.Enricher
	Generator Generator
	Selector  prompt.Selector
}

type Advisor struct {
	store      session.Store
	retriever  retrieval.Retriever
	enrichers  []retrieval.Enricher
	gen        Generator
	selector   prompt.Selector
	classifier *Classifier
	persona    config.PersonaConfig
	flags      prompt.Flags
	followUps  bool
}

func New(deps Deps, pipeline config.PipelineConfig, persona config.PersonaConfig) *Advisor {
	r := deps.Retriever
	if r == nil {
		r = retrieval.None{}
	}
	return &Advisor{
		store:      deps.Store,
		retriever:  r,
		enrichers:  deps.Enrichers,
		gen:        deps.Generator,
		selector:   deps.Selector,
		classifier: NewClassifier(persona, pipeline.DomainRestriction),
		persona:    persona,
		flags: prompt.Flags{
			Citations: pipeline.Citations == nil || *pipeline.Citations,
			Table:     pipeline.Table,
			Persona:   pipeline.Persona,
			Language:  pipeline.Language,
		},
		followUps: pipeline.FollowUps == nil || *pipeline.FollowUps,
	}
}

// Turn appends the user message and exactly one assistant message. onChunk,
// when set, receives answer text as it streams in. Errors are returned only
// when the session itself cannot be read or written.
func (a *Advisor) Turn(ctx context.Context, sessionID string, in Input, onChunk func(string) error) (*TurnResult, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, ErrEmptyInput
	}
	log := observability.FromContext(ctx).With(zap.String("session_id", sessionID))

	route := a.classifier.Classify(content)
	log.Debug("turn classified", zap.String("route", string(route)))

	// a parked image is only spent on a turn that reaches the model
	image := in.Image
	if image == nil && route == RouteDefault {
		pending, err := a.store.TakePending(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		image = pending
	}

	userMsg, err := a.store.Append(ctx, sessionID, &models.Message{
		Role:    models.RoleUser,
		Content: content,
		Image:   image,
		Audio:   in.Audio,
	})
	if err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	res := &TurnResult{Route: route, UserMessage: userMsg}

	var reply string
	switch route {
	case RouteMeta:
		reply = a.persona.Identity
	case RouteOutOfScope:
		reply = a.persona.Refusal
	case RouteFollowUp:
		reply, res.Failed = a.recall(ctx, sessionID)
	default:
		reply, res.Failed = a.answer(ctx, content, image, res, onChunk)
	}

	aiMsg, err := a.store.Append(ctx, sessionID, &models.Message{
		Role:    models.RoleAssistant,
		Content: reply,
	})
	if err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}
	res.Reply = aiMsg
	return res, nil
}

func (a *Advisor) recall(ctx context.Context, sessionID string) (string, bool) {
	msgs, err := a.store.Messages(ctx, sessionID)
	if err != nil {
		observability.FromContext(ctx).Warn("load session messages failed", zap.Error(err))
		return a.persona.Failure, true
	}
	// skip the request that was just appended
	prev, ok := session.LastUserQuery(msgs, 1)
	if !ok {
		return a.persona.AskFirst, false
	}
	followUps, err := a.gen.FollowUps(ctx, prev)
	if err != nil {
		observability.FromContext(ctx).Warn("follow-up generation failed", zap.Error(err))
		return a.persona.Failure, true
	}
	return followUpsTitle + followUps, false
}

func (a *Advisor) answer(ctx context.Context, query string, image *models.Image, res *TurnResult, onChunk func(string) error) (string, bool) {
	log := observability.FromContext(ctx)

	snippets, err := a.retriever.Retrieve(ctx, query)
	if err != nil {
		log.Warn("retrieval failed, answering without context", zap.Error(err))
		snippets = nil
	}
	res.Snippets = snippets

	flags := a.flags
	flags.Image = image != nil
	flags.Notes = a.enrich(ctx, query)

	tmpl := a.selector.Select()
	res.Template = tmpl.Name
	instruction, err := prompt.Compose(query, snippets, tmpl, flags)
	if err != nil {
		log.Error("compose instruction failed", zap.String("template", tmpl.Name), zap.Error(err))
		return a.persona.Failure, true
	}

	answer, err := a.gen.Stream(ctx, instruction, image, onChunk)
	if err != nil {
		log.Warn("generation failed", zap.Error(err))
		return a.persona.Failure, true
	}

	var b strings.Builder
	b.WriteString(answer)
	if block := prompt.RenderContext(snippets); block != "" {
		b.WriteString(searchResultsHeader)
		b.WriteString(block)
	}
	if a.followUps {
		if followUps, err := a.gen.FollowUps(ctx, query); err != nil {
			log.Warn("follow-up generation failed", zap.Error(err))
		} else if followUps != "" {
			b.WriteString(followUpsHeader)
			b.WriteString(followUps)
		}
	}
	return b.String(), false
}

func (a *Advisor) enrich(ctx context.Context, query string) []string {
	var notes []string
	for _, e := range a.enrichers {
		label, text, err := e.Enrich(ctx, query)
		if err != nil {
			observability.FromContext(ctx).Warn("context enricher failed", zap.Error(err))
			continue
		}
		if text == "" {
			continue
		}
		if label != "" {
			text = label + ": " + text
		}
		notes = append(notes, text)
	}
	return notes
}
