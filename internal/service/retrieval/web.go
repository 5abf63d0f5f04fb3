package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"go.uber.org/zap"

	"terraigo/internal/models"
	"terraigo/internal/observability"
)

const (
	WebSearchHTTPTimeout = 10 * time.Second
	maxFetchBodySize     = 512 * 1024
)

// ErrNoProvider is returned when every configured search backend failed.
var ErrNoProvider = errors.New("no search provider succeeded")

// WebConfig configures the search tools behind a WebRetriever.
type WebConfig struct {
	GoogleAPIKey         string
	GoogleSearchEngineID string
	Region               string
	MaxResults           int
	Timeout              time.Duration
}

// WebRetriever queries Google Custom Search when credentials are present and
// falls back to DuckDuckGo. A query that is itself a URL is fetched directly.
type WebRetriever struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	maxResults int
	timeout    time.Duration
}

// NewWebRetriever builds the search tool chain. Google is optional.
func NewWebRetriever(ctx context.Context, cfg WebConfig) (*WebRetriever, error) {
	log := observability.FromContext(ctx)
	k := limitOrDefault(cfg.MaxResults)

	var google tool.InvokableTool
	if cfg.GoogleAPIKey != "" && cfg.GoogleSearchEngineID != "" {
		g, err := googlesearch.NewTool(ctx, &googlesearch.Config{
			ToolName:       "web_search_google",
			ToolDesc:       "Google Search Tool",
			APIKey:         cfg.GoogleAPIKey,
			SearchEngineID: cfg.GoogleSearchEngineID,
			Lang:           "en",
			Num:            k,
		})
		if err != nil {
			return nil, fmt.Errorf("init google search: %w", err)
		}
		google = g
	} else {
		log.Info("google search disabled: missing api key or search engine id")
	}

	duck, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: k,
		Region:     duckRegion(cfg.Region),
		Timeout:    WebSearchHTTPTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init duckduckgo search: %w", err)
	}

	return NewWebRetrieverWithTools(google, duck, cfg), nil
}

// NewWebRetrieverWithTools wires already constructed tools; either may be nil.
func NewWebRetrieverWithTools(google, duck tool.InvokableTool, cfg WebConfig) *WebRetriever {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebRetriever{
		google:     google,
		duck:       duck,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		maxResults: limitOrDefault(cfg.MaxResults),
		timeout:    timeout,
	}
}

func duckRegion(region string) duckduckgo.Region {
	if region == "" {
		return duckduckgo.RegionWT
	}
	return duckduckgo.Region(region)
}

func (w *WebRetriever) Retrieve(ctx context.Context, query string) ([]models.Snippet, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	payload, err := w.search(ctx, query)
	if err != nil {
		return nil, err
	}
	return ParsePayload(payload, w.maxResults), nil
}

func (w *WebRetriever) search(ctx context.Context, query string) (string, error) {
	log := observability.FromContext(ctx)

	if looksLikeURL(query) {
		if content, err := w.fetchURL(ctx, query); err == nil {
			return content, nil
		} else {
			log.Warn("web url loader failed", zap.Error(err))
		}
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		if result, err := w.google.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Warn("google search failed", zap.Error(err))
		}
	}
	if w.duck != nil {
		if result, err := w.duck.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Warn("duckduckgo search failed", zap.Error(err))
		}
	}
	return "", ErrNoProvider
}

func (w *WebRetriever) fetchURL(ctx context.Context, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Terraigo-WebSearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodySize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
