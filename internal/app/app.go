// Package app assembles the advisor, session store and turn scheduler from
// configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"terraigo/internal/api"
	"terraigo/internal/config"
	"terraigo/internal/knowledge"
	"terraigo/internal/observability"
	"terraigo/internal/redis"
	"terraigo/internal/service/advisor"
	"terraigo/internal/service/ai"
	"terraigo/internal/service/prompt"
	"terraigo/internal/service/retrieval"
	"terraigo/internal/session"
	"terraigo/internal/storage"
	"terraigo/internal/worker"
)

// Options overrides parts of the assembly.
type Options struct {
	// Generator replaces the configured chat model client.
	Generator advisor.Generator
	// Retriever replaces the retriever chosen by retrieval.mode.
	Retriever retrieval.Retriever
	// MemorySessions forces the in-process session store.
	MemorySessions bool
}

type App struct {
	cfg     *config.Config
	Store   session.Store
	Advisor *advisor.Advisor
	Workers *worker.Manager
	Handler *api.Handler

	db     *sql.DB
	rdb    *redis.Client
	cancel context.CancelFunc
}

// New wires every component. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	log := observability.FromContext(ctx)
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &App{cfg: cfg, cancel: cancel}
	ok := false
	defer func() {
		if !ok {
			a.release()
		}
	}()

	gen := opts.Generator
	if gen == nil {
		client, err := ai.NewClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init generation client: %w", err)
		}
		gen = client
	}

	r := opts.Retriever
	if r == nil {
		var err error
		if r, err = a.buildRetriever(ctx); err != nil {
			return nil, err
		}
	}

	var enrichers []retrieval.Enricher
	if cfg.Weather.Location != "" {
		enrichers = append(enrichers, retrieval.NewWeatherEnricher(cfg.Weather.URL, cfg.Weather.Location))
	}

	sel, err := prompt.NewSelector(cfg.Pipeline.TemplatePolicy, cfg.Pipeline.Seed, prompt.DefaultTemplates())
	if err != nil {
		return nil, fmt.Errorf("init template selector: %w", err)
	}

	ttl := time.Duration(cfg.Session.TTL) * time.Minute
	if cfg.Session.Backend == "redis" && !opts.MemorySessions {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		a.rdb = rdb
		a.Store = session.NewRedisStore(rdb, ttl)
	} else {
		mem := session.NewMemoryStore(ttl)
		mem.StartJanitor(bg, session.DefaultCleanupInterval)
		a.Store = mem
	}

	a.Advisor = advisor.New(advisor.Deps{
		Store:     a.Store,
		Retriever: r,
		Enrichers: enrichers,
		Generator: gen,
		Selector:  sel,
	}, cfg.Pipeline, cfg.Persona)

	b := cfg.BasicConfig
	a.Workers = worker.NewManager(a.Advisor, worker.Config{
		MaxWorkers:  b.MaxWorkers,
		QueueSize:   b.QueueSize,
		IdleTimeout: time.Duration(b.WorkerIdleTimeout) * time.Minute,
		TurnTimeout: time.Duration(b.TurnTimeout) * time.Second,
	})
	// ended sessions release their lane, including ones ended elsewhere
	a.Store.Watch(bg, a.Workers.Close)

	a.Handler = api.NewHandler(a.Store, a.Workers, api.Options{
		TurnRateLimit: b.TurnRateLimit,
		RateWindow:    time.Minute,
		SessionTTL:    ttl,
	})

	log.Info("terraigo assembled",
		zap.String("retrieval", cfg.Retrieval.Mode),
		zap.String("sessions", cfg.Session.Backend),
		zap.String("provider", cfg.Generation.Provider),
		zap.String("template_policy", cfg.Pipeline.TemplatePolicy))
	ok = true
	return a, nil
}

func (a *App) buildRetriever(ctx context.Context) (retrieval.Retriever, error) {
	r := a.cfg.Retrieval
	switch r.Mode {
	case "none":
		return retrieval.None{}, nil
	case "local":
		store, err := a.openKnowledge(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := knowledge.Build(ctx, store, a.cfg.Knowledge.CorpusDir); err != nil {
			return nil, fmt.Errorf("build knowledge corpus: %w", err)
		}
		return retrieval.NewLocalRetriever(store, r.MaxResults), nil
	default:
		web, err := retrieval.NewWebRetriever(ctx, retrieval.WebConfig{
			GoogleAPIKey:         r.GoogleAPIKey,
			GoogleSearchEngineID: r.GoogleSearchEngineID,
			Region:               r.Region,
			MaxResults:           r.MaxResults,
			Timeout:              time.Duration(r.Timeout) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init web retriever: %w", err)
		}
		return web, nil
	}
}

func (a *App) openKnowledge(ctx context.Context) (*knowledge.Store, error) {
	db, err := OpenDatabase(a.cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	return NewKnowledgeStore(ctx, a.cfg, db), nil
}

// Router returns a gin engine with every route registered.
func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	a.Handler.RegisterRoutes(router)
	return router
}

// Serve runs the HTTP server until ctx is done, then drains running turns.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.BasicConfig.ServerAddress,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		observability.Logger().Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.BasicConfig.TurnTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		observability.Logger().Warn("http shutdown incomplete", zap.Error(err))
	}
	return a.Workers.Shutdown(shutdownCtx)
}

// Ask runs one turn on a fresh session and discards the session afterwards.
func (a *App) Ask(ctx context.Context, question string, onChunk func(string) error) (*advisor.TurnResult, error) {
	sess, err := a.Store.Create(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.Store.Delete(context.WithoutCancel(ctx), sess.ID) }()
	return a.Workers.Submit(worker.TurnRequest{
		Context:   ctx,
		SessionID: sess.ID,
		Input:     advisor.Input{Content: question},
		ChunkFn:   onChunk,
	})
}

// Close stops background work and releases connections.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Workers != nil {
		err = a.Workers.Shutdown(ctx)
	}
	a.release()
	return err
}

func (a *App) release() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
	if a.db != nil {
		_ = a.db.Close()
		a.db = nil
	}
}

// OpenDatabase opens and migrates the configured knowledge database.
func OpenDatabase(cfg *config.Config) (*sql.DB, error) {
	driver := cfg.BasicConfig.Database
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// NewKnowledgeStore builds the fact store, with embeddings when a genai key
// is configured and keyword search otherwise.
func NewKnowledgeStore(ctx context.Context, cfg *config.Config, db *sql.DB) *knowledge.Store {
	k := cfg.Knowledge
	if k.APIKey == "" {
		return knowledge.NewStore(db, nil, "")
	}
	e, err := knowledge.NewGenAIEmbedder(ctx, k.APIKey, k.EmbeddingModel)
	if err != nil {
		observability.FromContext(ctx).Warn("embedding disabled", zap.Error(err))
		return knowledge.NewStore(db, nil, "")
	}
	return knowledge.NewStore(db, e, e.Model())
}

// Index seeds the knowledge corpus and embeds missing facts.
func Index(ctx context.Context, cfg *config.Config) (knowledge.Stats, error) {
	db, err := OpenDatabase(cfg)
	if err != nil {
		return knowledge.Stats{}, err
	}
	defer db.Close()
	return knowledge.Build(ctx, NewKnowledgeStore(ctx, cfg, db), cfg.Knowledge.CorpusDir)
}
