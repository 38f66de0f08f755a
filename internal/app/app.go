// Package app is the composition root: it takes one config.Config and
// constructs every component named in spec.md §4, wiring each into the
// next exactly as §9's "per-component ownership with context passing"
// design note prescribes — no package reaches for global state, every
// dependency is a constructor argument. Both the CLI (internal/cli) and
// the HTTP surface (internal/httpapi) build one App and drive it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/rohmanhakim/focusedsearch/internal/authority"
	"github.com/rohmanhakim/focusedsearch/internal/config"
	"github.com/rohmanhakim/focusedsearch/internal/crawler"
	"github.com/rohmanhakim/focusedsearch/internal/dedupe"
	"github.com/rohmanhakim/focusedsearch/internal/discovery"
	"github.com/rohmanhakim/focusedsearch/internal/embedclient"
	"github.com/rohmanhakim/focusedsearch/internal/fingerprint"
	"github.com/rohmanhakim/focusedsearch/internal/hybrid"
	"github.com/rohmanhakim/focusedsearch/internal/indexservice"
	"github.com/rohmanhakim/focusedsearch/internal/jobengine"
	"github.com/rohmanhakim/focusedsearch/internal/keywordindex"
	"github.com/rohmanhakim/focusedsearch/internal/learnedweb"
	"github.com/rohmanhakim/focusedsearch/internal/logging"
	"github.com/rohmanhakim/focusedsearch/internal/metadata"
	"github.com/rohmanhakim/focusedsearch/internal/pending"
	"github.com/rohmanhakim/focusedsearch/internal/pipeline"
	"github.com/rohmanhakim/focusedsearch/internal/registry"
	"github.com/rohmanhakim/focusedsearch/internal/telemetry"
	"github.com/rohmanhakim/focusedsearch/internal/vectorstore"
)

// App bundles every live component an operator surface (CLI or HTTP) can
// drive. Fields are exported so internal/httpapi and internal/cli can wire
// their own handlers/subcommands directly against them.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Keyword  *keywordindex.Index
	Vector   *indexservice.Service
	Learned  *learnedweb.DB
	Embedder *embedclient.Client
	Pending  *pending.Queue

	Discovery *discovery.Engine
	Crawler   *crawler.Client
	Pipeline  *pipeline.Runner
	Jobs      *jobengine.Engine
	Hybrid    *hybrid.Service

	sink    telemetry.Sink
	closers []func() error
}

// New builds and opens every component for cfg, starting the pending-vector
// worker and the job engine's single worker goroutine bound to ctx. Call
// Close when done to flush and release file/DB handles.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	paths := cfg.Paths()
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}

	logger, loggerCleanup, err := logging.Setup(logging.DefaultConfig(paths.LogsDir))
	if err != nil {
		return nil, fmt.Errorf("app: logging: %w", err)
	}

	a := &App{Config: cfg, Logger: logger}
	a.closers = append(a.closers, func() error { loggerCleanup(); return nil })
	a.sink = telemetry.NewSlogSink(logger)

	keywordIdx, err := keywordindex.Open(paths.IndexDir)
	if err != nil {
		return nil, fmt.Errorf("app: keyword index: %w", err)
	}
	a.Keyword = keywordIdx
	a.closers = append(a.closers, keywordIdx.Close)

	learned, err := learnedweb.Open(paths.LearnedWebDBPath)
	if err != nil {
		return nil, fmt.Errorf("app: learned-web db: %w", err)
	}
	a.Learned = learned
	a.closers = append(a.closers, learned.Close)

	embedder, err := embedclient.New(embedclient.Config{
		BaseURL:   cfg.EmbedderURL(),
		Model:     cfg.EmbedderModel(),
		TestMode:  cfg.EmbedTestMode(),
		CacheSize: 4096,
	})
	if err != nil {
		return nil, fmt.Errorf("app: embedder client: %w", err)
	}
	a.Embedder = embedder

	pendingQueue := pending.NewQueue()
	a.Pending = pendingQueue

	vecStore, err := openVectorStore(paths.VectorStoreDir)
	if err != nil {
		return nil, fmt.Errorf("app: vector store: %w", err)
	}
	vectorSvc := indexservice.New(vecStore, embedder, pendingQueue)
	a.Vector = vectorSvc
	a.closers = append(a.closers, func() error { return vecStore.Save(paths.VectorStoreDir) })

	worker := pending.NewWorker(pendingQueue, vectorSvc, pending.DefaultWorkerConfig(), logger)
	workerCtx, cancelWorker := context.WithCancel(ctx)
	go worker.Run(workerCtx)
	a.closers = append(a.closers, func() error { cancelWorker(); return nil })

	authIdx, err := authority.Load(filepath.Join(paths.DataDir, "authority.json"))
	if err != nil {
		return nil, fmt.Errorf("app: authority index: %w", err)
	}
	valueMap := &learnedValueMap{db: learned}
	registryLoader := registry.Loader(filepath.Join(paths.DataDir, "registry.json"))
	learnedLoader := learnedSeedLoader(learned)
	discoveryEngine := discovery.NewEngine(registryLoader, learnedLoader, valueMap, authIdx)
	a.Discovery = discoveryEngine

	metaSink := metadata.NewRecorder(logger)
	crawlerClient := crawler.New(crawler.Config{
		UserAgent:      cfg.UserAgent(),
		MinDelay:       cfg.MinCrawlDelay(),
		RequestTimeout: cfg.RequestTimeout(),
		RespectRobots:  true,
		MinTextLength:  cfg.MinHeadlessTextLength(),
	}, metaSink)
	a.Crawler = crawlerClient

	ledger := dedupe.LoadLedger(paths.IndexLedger)
	simIndex := fingerprint.LoadIndex(paths.SimhashPath)
	storage := pipeline.NewStorage(paths.CrawlStore, paths.NormalizedPath, paths.IndexLedger, paths.SimhashPath, paths.LastIndexTimePath)

	runner := pipeline.New(pipeline.Runner{
		Discovery:    discoveryEngine,
		Crawler:      crawlerClient,
		KeywordIndex: keywordIdx,
		Vector:       vectorSvc,
		Learned:      learned,
		Ledger:       ledger,
		SimIndex:     simIndex,
		Storage:      storage,
		Sink:         a.sink,
		Opts: pipeline.Options{
			Budget:          cfg.FocusedCrawlBudget(),
			PerHostCap:      cfg.FrontierPerHost(),
			PolitenessDelay: cfg.FrontierPolitenessDelay(),
			RerankMargin:    cfg.FrontierRerankMargin(),
		},
	})
	a.Pipeline = runner

	jobs := jobengine.New(ctx, runner.Run, jobengine.Options{Cooldown: cfg.SmartTriggerCooldown()})
	a.Jobs = jobs
	a.closers = append(a.closers, func() error { jobs.Stop(); return nil })

	a.Hybrid = hybrid.New(hybrid.Service{
		Keyword: keywordIdx,
		Vector:  vectorSvc,
		Jobs:    jobs,
		Learned: learned,
		Opts: hybrid.Options{
			KeywordWeight:        cfg.HybridKeywordWeight(),
			VectorWeight:         cfg.HybridVectorWeight(),
			CandidatePool:        cfg.HybridCandidatePool(),
			SmartMinResults:      cfg.SmartMinResults(),
			SmartConfidenceFloor: cfg.SmartConfidenceThreshold(),
		},
	})

	return a, nil
}

// Close releases every resource New opened, in reverse acquisition order.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// openVectorStore loads a previously saved vector store from dir, or
// starts a fresh empty one if dir has no graph.meta yet (first run).
func openVectorStore(dir string) (*vectorstore.Store, error) {
	store, err := vectorstore.Load(dir)
	if err == nil {
		return store, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return vectorstore.New(vectorstore.Config{Metric: "cosine"}), nil
	}
	return nil, err
}

// learnedValueMap adapts *learnedweb.DB to discovery.ValueMap without
// pulling the discovery package's types into learnedweb, keeping that
// package's dependency graph one-way per internal/pipeline/storage.go's
// precedent.
type learnedValueMap struct {
	db *learnedweb.DB
}

func (m *learnedValueMap) ValueFor(domain string) (float64, bool) {
	values, err := m.db.DomainValueMap()
	if err != nil {
		return 0, false
	}
	score, ok := values[domain]
	return score, ok
}

// learnedSeedLoader adapts learnedweb.DB.LearnedSeedRows to a
// discovery.LearnedLoader.
func learnedSeedLoader(db *learnedweb.DB) discovery.LearnedLoader {
	return func() ([]discovery.LearnedSeed, error) {
		rows, err := db.LearnedSeedRows(50)
		if err != nil {
			return nil, err
		}
		seeds := make([]discovery.LearnedSeed, 0, len(rows))
		for _, r := range rows {
			seeds = append(seeds, discovery.LearnedSeed{Domain: r.Domain, URL: r.URL, Score: r.Score})
		}
		return seeds, nil
	}
}
