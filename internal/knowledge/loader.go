package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"

	"terraigo/internal/models"
)

const maxTitleLen = 80

// DirLoader turns the documents of a directory into facts, one per paragraph.
type DirLoader struct {
	loader *file.FileLoader
}

func NewDirLoader(ctx context.Context) (*DirLoader, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init file loader: %w", err)
	}
	return &DirLoader{loader: loader}, nil
}

// Load reads every regular .txt/.md file under dir.
func (l *DirLoader) Load(ctx context.Context, dir string) ([]models.Fact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read corpus dir: %w", err)
	}
	var facts []models.Fact
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".txt", ".md":
		default:
			continue
		}
		path := filepath.Join(dir, entry.Name())
		docs, err := l.loader.Load(ctx, document.Source{URI: path})
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		for _, doc := range docs {
			facts = append(facts, SplitFacts(entry.Name(), doc.Content)...)
		}
	}
	return facts, nil
}

// SplitFacts cuts text into blank-line separated paragraphs. A short first
// line without terminal punctuation becomes the paragraph title.
func SplitFacts(source, text string) []models.Fact {
	base := strings.TrimSuffix(source, filepath.Ext(source))
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var facts []models.Fact
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		title := ""
		body := para
		if first, rest, ok := strings.Cut(para, "\n"); ok {
			first = strings.TrimSpace(strings.TrimLeft(first, "# "))
			if len(first) <= maxTitleLen && !strings.HasSuffix(first, ".") && strings.TrimSpace(rest) != "" {
				title = first
				body = strings.TrimSpace(rest)
			}
		}
		if title == "" {
			title = base + " #" + strconv.Itoa(len(facts)+1)
		}
		facts = append(facts, models.Fact{
			Title:  title,
			Body:   strings.Join(strings.Fields(body), " "),
			Source: source,
		})
	}
	return facts
}
