package retrieval

import (
	"strings"

	"github.com/tidwall/gjson"

	"terraigo/internal/models"
)

var (
	resultArrayPaths = []string{"results", "items", "organic_results", "data", "documents"}
	titleFields      = []string{"title", "name"}
	bodyFields       = []string{"snippet", "summary", "content", "description", "desc", "body", "text"}
	urlFields        = []string{"url", "link", "href"}
)

// ParsePayload turns a search tool response into at most k snippets.
// Structured responses contribute one snippet per result record; anything
// else becomes a single untitled snippet holding the whole payload.
func ParsePayload(payload string, k int) []models.Snippet {
	k = limitOrDefault(k)
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}

	if records, ok := resultRecords(payload); ok {
		snippets := make([]models.Snippet, 0, k)
		for _, rec := range records {
			if len(snippets) == k {
				break
			}
			s := models.Snippet{
				Title: firstString(rec, titleFields),
				Body:  firstString(rec, bodyFields),
				URL:   firstString(rec, urlFields),
			}
			if s.Title == "" && s.Body == "" {
				continue
			}
			snippets = append(snippets, s)
		}
		return renumber(snippets)
	}

	return []models.Snippet{{Index: 1, Body: payload}}
}

func resultRecords(payload string) ([]gjson.Result, bool) {
	if !gjson.Valid(payload) {
		return nil, false
	}
	root := gjson.Parse(payload)
	if root.IsArray() {
		return objects(root.Array())
	}
	if !root.IsObject() {
		return nil, false
	}
	for _, path := range resultArrayPaths {
		arr := root.Get(path)
		if arr.IsArray() {
			return objects(arr.Array())
		}
	}
	return nil, false
}

func objects(items []gjson.Result) ([]gjson.Result, bool) {
	out := make([]gjson.Result, 0, len(items))
	for _, it := range items {
		if it.IsObject() {
			out = append(out, it)
		}
	}
	return out, len(out) > 0 || len(items) == 0
}

func firstString(rec gjson.Result, fields []string) string {
	for _, f := range fields {
		if v := strings.TrimSpace(rec.Get(f).String()); v != "" {
			return v
		}
	}
	return ""
}
