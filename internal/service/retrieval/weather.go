package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Enricher contributes one extra labelled line to the context block.
type Enricher interface {
	Enrich(ctx context.Context, query string) (label, text string, err error)
}

var weatherTerms = []string{"weather", "rain", "forecast", "temperature", "monsoon", "humidity"}

// WeatherEnricher fetches a one-line report for a fixed location whenever the
// question talks about weather.
type WeatherEnricher struct {
	baseURL    string
	location   string
	httpClient *http.Client
}

func NewWeatherEnricher(baseURL, location string) *WeatherEnricher {
	return &WeatherEnricher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		location:   location,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WeatherEnricher) Enrich(ctx context.Context, query string) (string, string, error) {
	if w.location == "" || !mentionsWeather(query) {
		return "", "", nil
	}
	target := fmt.Sprintf("%s/%s?format=3", w.baseURL, url.PathEscape(w.location))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", "Terraigo-Weather/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("weather: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", "", err
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", "", errors.New("weather: empty report")
	}
	return "Current weather", text, nil
}

func mentionsWeather(query string) bool {
	lower := strings.ToLower(query)
	for _, term := range weatherTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
