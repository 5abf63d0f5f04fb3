package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"terraigo/internal/config"
	"terraigo/internal/models"
	"terraigo/internal/observability"
)

// ErrGeneration wraps every failure reported by the chat model.
var ErrGeneration = errors.New("generation failed")

const answerRequest = "Please answer the farmer's question following the instructions above."

// Client sends composed instructions to a hosted chat model.
type Client struct {
	chatModel model.BaseChatModel
	timeout   time.Duration
	retryOnce bool
}

type Options struct {
	Timeout   time.Duration
	RetryOnce bool
}

// NewChatModel builds the eino chat model for a configured provider.
func NewChatModel(ctx context.Context, provider, modelName string, provCfg config.ProviderConfig, maxTokens int) (model.BaseChatModel, error) {
	if modelName == "" {
		modelName = provCfg.Model
	}
	if maxTokens <= 0 {
		maxTokens = 3000
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("new gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// NewClient builds a client for the provider selected in cfg.Generation.
func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	gen := cfg.Generation
	provCfg, ok := cfg.Providers[gen.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", gen.Provider)
	}
	chatModel, err := NewChatModel(ctx, gen.Provider, gen.Model, provCfg, gen.MaxTokens)
	if err != nil {
		return nil, err
	}
	return NewClientWithModel(chatModel, Options{
		Timeout:   time.Duration(gen.Timeout) * time.Second,
		RetryOnce: gen.RetryOnce,
	}), nil
}

func NewClientWithModel(chatModel model.BaseChatModel, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{chatModel: chatModel, timeout: opts.Timeout, retryOnce: opts.RetryOnce}
}

// Generate returns the full answer for an instruction, optionally with an
// attached image.
func (c *Client) Generate(ctx context.Context, instruction string, image *models.Image) (string, error) {
	return c.complete(ctx, buildMessages(instruction, answerRequest, image))
}

// Stream delivers the answer in pieces through onChunk and returns the full
// text. A failure after the first piece is not retried.
func (c *Client) Stream(ctx context.Context, instruction string, image *models.Image, onChunk func(string) error) (string, error) {
	msgs := buildMessages(instruction, answerRequest, image)
	attempts := c.attempts()
	var lastErr error
	for i := 0; i < attempts; i++ {
		text, delivered, err := c.streamOnce(ctx, msgs, onChunk)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if delivered {
			break
		}
		observability.FromContext(ctx).Warn("chat stream failed", zap.Int("attempt", i+1), zap.Error(err))
	}
	return "", fmt.Errorf("%w: %v", ErrGeneration, lastErr)
}

func (c *Client) streamOnce(ctx context.Context, msgs []*schema.Message, onChunk func(string) error) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	streamReader, err := c.chatModel.Stream(ctx, msgs)
	if err != nil {
		return "", false, err
	}
	defer streamReader.Close()

	var (
		full      strings.Builder
		delivered bool
	)
	for {
		chunk, err := streamReader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", delivered, err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onChunk != nil {
			delivered = true
			if err := onChunk(chunk.Content); err != nil {
				return "", true, err
			}
		}
	}
	return strings.TrimSpace(full.String()), delivered, nil
}

func (c *Client) complete(ctx context.Context, msgs []*schema.Message) (string, error) {
	var lastErr error
	for i := 0; i < c.attempts(); i++ {
		text, err := c.generateOnce(ctx, msgs)
		if err == nil {
			return text, nil
		}
		lastErr = err
		observability.FromContext(ctx).Warn("chat generate failed", zap.Int("attempt", i+1), zap.Error(err))
	}
	return "", fmt.Errorf("%w: %v", ErrGeneration, lastErr)
}

func (c *Client) generateOnce(ctx context.Context, msgs []*schema.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.chatModel.Generate(ctx, msgs)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}

func (c *Client) attempts() int {
	if c.retryOnce {
		return 2
	}
	return 1
}

func buildMessages(system, user string, image *models.Image) []*schema.Message {
	msgs := []*schema.Message{schema.SystemMessage(system)}
	if image == nil || len(image.Data) == 0 {
		return append(msgs, schema.UserMessage(user))
	}
	mime := image.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(image.Data))
	return append(msgs, &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{
				Type: schema.ChatMessagePartTypeText,
				Text: fmt.Sprintf("%s\nAttached image: %s", user, image.FileName),
			},
			{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL:      dataURL,
					MIMEType: mime,
				},
			},
		},
	})
}
