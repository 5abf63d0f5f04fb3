package models

// Snippet is one piece of retrieved context. Index starts at 1 and follows
// the order the source returned results in.
type Snippet struct {
	Index int    `json:"index"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// Fact is an entry of the local knowledge corpus.
type Fact struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title" yaml:"title"`
	Body      string    `json:"body" yaml:"body"`
	Source    string    `json:"source" yaml:"source"`
	Embedding []float64 `json:"-" yaml:"-"`
}
