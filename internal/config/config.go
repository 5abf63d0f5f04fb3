package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Generation  GenerationConfig          `json:"generation" yaml:"generation"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Session     SessionConfig             `json:"session" yaml:"session"`
	Retrieval   RetrievalConfig           `json:"retrieval" yaml:"retrieval"`
	Knowledge   KnowledgeConfig           `json:"knowledge" yaml:"knowledge"`
	Pipeline    PipelineConfig            `json:"pipeline" yaml:"pipeline"`
	Persona     PersonaConfig             `json:"persona" yaml:"persona"`
	Weather     WeatherConfig             `json:"weather" yaml:"weather"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" yaml:"server_address"`
	Database          string `json:"database" yaml:"database"`
	MaxWorkers        int    `json:"max_workers" yaml:"max_workers"`
	QueueSize         int    `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
	TurnTimeout       int    `json:"turn_timeout" yaml:"turn_timeout"`               // seconds
	TurnRateLimit     int    `json:"turn_rate_limit" yaml:"turn_rate_limit"`         // turns per minute per session
}

type GenerationConfig struct {
	Provider  string `json:"provider" yaml:"provider"`
	Model     string `json:"model" yaml:"model"`
	RetryOnce bool   `json:"retry_once" yaml:"retry_once"`
	Timeout   int    `json:"timeout" yaml:"timeout"` // seconds
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type SessionConfig struct {
	Backend string `json:"backend" yaml:"backend"` // memory | redis
	TTL     int    `json:"ttl" yaml:"ttl"`         // minutes
}

type RetrievalConfig struct {
	Mode       string `json:"mode" yaml:"mode"` // web | local | none
	MaxResults int    `json:"max_results" yaml:"max_results"`
	Timeout    int    `json:"timeout" yaml:"timeout"` // seconds
	Region     string `json:"region" yaml:"region"`   // duckduckgo region, e.g. in-en

	GoogleAPIKey         string `json:"google_api_key" yaml:"google_api_key"`
	GoogleSearchEngineID string `json:"google_search_engine_id" yaml:"google_search_engine_id"`
}

type KnowledgeConfig struct {
	CorpusDir      string `json:"corpus_dir" yaml:"corpus_dir"`
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model"`
	APIKey         string `json:"api_key" yaml:"api_key"`
}

type PipelineConfig struct {
	TemplatePolicy    string `json:"template_policy" yaml:"template_policy"` // random | round_robin | fixed:<name|index>
	Seed              int64  `json:"seed" yaml:"seed"`
	Citations         *bool  `json:"citations" yaml:"citations"`
	Table             bool   `json:"table" yaml:"table"`
	Persona           string `json:"persona" yaml:"persona"`
	Language          string `json:"language" yaml:"language"`
	DomainRestriction bool   `json:"domain_restriction" yaml:"domain_restriction"`
	FollowUps         *bool  `json:"followups" yaml:"followups"`
}

type PersonaConfig struct {
	Identity         string   `json:"identity" yaml:"identity"`
	Refusal          string   `json:"refusal" yaml:"refusal"`
	AskFirst         string   `json:"ask_first" yaml:"ask_first"`
	Failure          string   `json:"failure" yaml:"failure"`
	MetaKeywords     []string `json:"meta_keywords" yaml:"meta_keywords"`
	FollowUpKeywords []string `json:"followup_keywords" yaml:"followup_keywords"`
	DomainKeywords   []string `json:"domain_keywords" yaml:"domain_keywords"`
}

type WeatherConfig struct {
	Location string `json:"location" yaml:"location"`
	URL      string `json:"url" yaml:"url"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file yields the built-in defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := decode(absPath, data, &cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err) && !explicit:
		// run on defaults
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) && !strings.HasPrefix(db.DSN, "file:") {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

// applyEnv lets provider keys come from <PROVIDER>_API_KEY instead of the file.
func (c *Config) applyEnv() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for _, name := range []string{"openai", "gemini", "claude"} {
		key := os.Getenv(strings.ToUpper(name) + "_API_KEY")
		if key == "" {
			continue
		}
		p := c.Providers[name]
		if p.APIKey == "" {
			p.APIKey = key
		}
		c.Providers[name] = p
	}
	if c.Knowledge.APIKey == "" {
		c.Knowledge.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.Retrieval.GoogleAPIKey == "" {
		c.Retrieval.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if c.Retrieval.GoogleSearchEngineID == "" {
		c.Retrieval.GoogleSearchEngineID = os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	}
	if v := os.Getenv("TERRAIGO_DB"); v != "" {
		c.BasicConfig.Database = v
	}
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.Database == "" {
		b.Database = "sqlite3"
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = 8
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 4
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.TurnTimeout <= 0 {
		b.TurnTimeout = 120
	}
	if b.TurnRateLimit <= 0 {
		b.TurnRateLimit = 20
	}

	g := &c.Generation
	if g.Provider == "" {
		g.Provider = "openai"
	}
	if g.Timeout <= 0 {
		g.Timeout = 30
	}
	if g.MaxTokens <= 0 {
		g.MaxTokens = 3000
	}
	if _, ok := c.Providers["openai"]; !ok {
		c.Providers["openai"] = ProviderConfig{Model: "gpt-4o-mini"}
	}
	if p := c.Providers[g.Provider]; g.Model == "" {
		g.Model = p.Model
	}

	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := c.Databases["sqlite3"]; !ok {
		c.Databases["sqlite3"] = DatabaseConfig{DSN: "terraigo.db"}
	}

	if c.Session.Backend == "" {
		c.Session.Backend = "memory"
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 60
	}

	r := &c.Retrieval
	if r.Mode == "" {
		r.Mode = "web"
	}
	if r.MaxResults <= 0 {
		r.MaxResults = 3
	}
	if r.Timeout <= 0 {
		r.Timeout = 30
	}

	if c.Knowledge.EmbeddingModel == "" {
		c.Knowledge.EmbeddingModel = "gemini-embedding-001"
	}

	p := &c.Pipeline
	if p.TemplatePolicy == "" {
		p.TemplatePolicy = "random"
	}
	if p.Citations == nil {
		p.Citations = boolPtr(true)
	}
	if p.FollowUps == nil {
		p.FollowUps = boolPtr(true)
	}

	per := &c.Persona
	if per.Identity == "" {
		per.Identity = DefaultIdentity
	}
	if per.Refusal == "" {
		per.Refusal = DefaultRefusal
	}
	if per.AskFirst == "" {
		per.AskFirst = DefaultAskFirst
	}
	if per.Failure == "" {
		per.Failure = DefaultFailure
	}
	if len(per.MetaKeywords) == 0 {
		per.MetaKeywords = append([]string(nil), DefaultMetaKeywords...)
	}
	if len(per.FollowUpKeywords) == 0 {
		per.FollowUpKeywords = append([]string(nil), DefaultFollowUpKeywords...)
	}
	if len(per.DomainKeywords) == 0 {
		per.DomainKeywords = append([]string(nil), DefaultDomainKeywords...)
	}

	if c.Weather.URL == "" {
		c.Weather.URL = "https://wttr.in"
	}
}

// Validate reports configuration that cannot be served.
func (c *Config) Validate() error {
	switch c.Retrieval.Mode {
	case "web", "local", "none":
	default:
		return fmt.Errorf("retrieval.mode %q must be one of web, local, none", c.Retrieval.Mode)
	}
	switch c.Session.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("session.backend %q must be memory or redis", c.Session.Backend)
	}
	if _, ok := c.Providers[c.Generation.Provider]; !ok {
		return fmt.Errorf("provider %s not configured", c.Generation.Provider)
	}
	if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }
