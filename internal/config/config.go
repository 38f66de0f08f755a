package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Paths is the on-disk layout for one focusedsearch data directory, per
// spec.md §6's persisted-state layout. Every path is derived from DataDir
// unless overridden individually.
type Paths struct {
	DataDir           string
	IndexDir          string
	CrawlStore        string
	NormalizedPath    string
	IndexLedger       string
	SimhashPath       string
	LastIndexTimePath string
	LogsDir           string
	LearnedWebDBPath  string
	AppStateDBPath    string
	VectorStoreDir    string
}

// DefaultPaths derives the full Paths layout from a single data directory.
func DefaultPaths(dataDir string) Paths {
	return Paths{
		DataDir:           dataDir,
		IndexDir:          filepath.Join(dataDir, "index"),
		CrawlStore:        filepath.Join(dataDir, "crawl", "raw"),
		NormalizedPath:    filepath.Join(dataDir, "normalized", "normalized.jsonl"),
		IndexLedger:       filepath.Join(dataDir, "index_ledger.json"),
		SimhashPath:       filepath.Join(dataDir, "simhash_index.json"),
		LastIndexTimePath: filepath.Join(dataDir, "state", ".last_index_time"),
		LogsDir:           filepath.Join(dataDir, "logs"),
		LearnedWebDBPath:  filepath.Join(dataDir, "learned_web.sqlite3"),
		AppStateDBPath:    filepath.Join(dataDir, "app_state.sqlite3"),
		VectorStoreDir:    filepath.Join(dataDir, "chroma"),
	}
}

// EnsureDirs creates every directory this layout needs, leaving files to be
// created on first write.
func (p Paths) EnsureDirs() error {
	dirs := []string{
		p.DataDir, p.IndexDir, p.CrawlStore,
		filepath.Dir(p.NormalizedPath), filepath.Dir(p.LastIndexTimePath),
		p.LogsDir, p.VectorStoreDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, d, err.Error())
		}
	}
	return nil
}

// Config holds every tunable named in spec.md §6's environment table, with
// sane defaults overridable via functional With... methods, a JSON config
// file, or environment variables (in that increasing order of priority,
// matching the enrichment pack's layered-config pattern).
type Config struct {
	paths Paths

	userAgent             string
	requestTimeout        time.Duration
	readTimeout           time.Duration
	minCrawlDelay         time.Duration
	minHeadlessTextLength int

	smartMinResults          int
	smartTriggerCooldown     time.Duration
	smartConfidenceThreshold float64
	focusedCrawlBudget       int
	focusedCrawlEnabled      bool

	hybridKeywordWeight float64
	hybridVectorWeight  float64
	hybridCandidatePool int

	frontierPerHost         int
	frontierPolitenessDelay time.Duration
	frontierRerankMargin    float64

	discoverWValue float64
	discoverWFresh float64
	discoverWAuth  float64

	embedTestMode bool
	embedderModel string
	embedderURL   string

	httpAddr string
}

type configDTO struct {
	DataDir string `json:"dataDir,omitempty"`

	UserAgent             string        `json:"userAgent,omitempty"`
	RequestTimeout        time.Duration `json:"requestTimeout,omitempty"`
	ReadTimeout           time.Duration `json:"readTimeout,omitempty"`
	MinCrawlDelay         time.Duration `json:"minCrawlDelay,omitempty"`
	MinHeadlessTextLength int           `json:"minHeadlessTextLength,omitempty"`

	SmartMinResults          int           `json:"smartMinResults,omitempty"`
	SmartTriggerCooldown     time.Duration `json:"smartTriggerCooldown,omitempty"`
	SmartConfidenceThreshold float64       `json:"smartConfidenceThreshold,omitempty"`
	FocusedCrawlBudget       int           `json:"focusedCrawlBudget,omitempty"`
	FocusedCrawlEnabled      *bool         `json:"focusedCrawlEnabled,omitempty"`

	HybridKeywordWeight float64 `json:"hybridKeywordWeight,omitempty"`
	HybridVectorWeight  float64 `json:"hybridVectorWeight,omitempty"`
	HybridCandidatePool int     `json:"hybridCandidatePool,omitempty"`

	FrontierPerHost         int           `json:"frontierPerHost,omitempty"`
	FrontierPolitenessDelay time.Duration `json:"frontierPolitenessDelay,omitempty"`
	FrontierRerankMargin    float64       `json:"frontierRerankMargin,omitempty"`

	DiscoverWValue float64 `json:"discoverWValue,omitempty"`
	DiscoverWFresh float64 `json:"discoverWFresh,omitempty"`
	DiscoverWAuth  float64 `json:"discoverWAuth,omitempty"`

	EmbedTestMode bool   `json:"embedTestMode,omitempty"`
	EmbedderModel string `json:"embedderModel,omitempty"`
	EmbedderURL   string `json:"embedderUrl,omitempty"`

	HTTPAddr string `json:"httpAddr,omitempty"`
}

// WithDefault returns the builder seeded with every spec default, rooted at
// dataDir.
func WithDefault(dataDir string) *Config {
	if dataDir == "" {
		dataDir = "data"
	}
	return &Config{
		paths: DefaultPaths(dataDir),

		userAgent:             "focusedsearch/1.0",
		requestTimeout:        10 * time.Second,
		readTimeout:           10 * time.Second,
		minCrawlDelay:         time.Second,
		minHeadlessTextLength: 0,

		smartMinResults:          3,
		smartTriggerCooldown:     900 * time.Second,
		smartConfidenceThreshold: 0.35,
		focusedCrawlBudget:       25,
		focusedCrawlEnabled:      true,

		hybridKeywordWeight: 0.6,
		hybridVectorWeight:  0.4,
		hybridCandidatePool: 40,

		frontierPerHost:         3,
		frontierPolitenessDelay: time.Second,
		frontierRerankMargin:    0.15,

		discoverWValue: 0.5,
		discoverWFresh: 0.3,
		discoverWAuth:  0.2,

		embedTestMode: false,
		embedderModel: "nomic-embed-text",
		embedderURL:   "http://localhost:11434",

		httpAddr: ":8080",
	}
}

// WithConfigFile loads a JSON config file, layering it over WithDefault.
func WithConfigFile(path string) (Config, error) {
	if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrFileDoesNotExist, err.Error())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrReadConfigFail, err.Error())
	}
	var dto configDTO
	if err := json.Unmarshal(content, &dto); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrConfigParsingFail, err.Error())
	}
	return applyDTO(WithDefault(dto.DataDir), dto).Build()
}

func applyDTO(c *Config, dto configDTO) *Config {
	if dto.UserAgent != "" {
		c.userAgent = dto.UserAgent
	}
	if dto.RequestTimeout != 0 {
		c.requestTimeout = dto.RequestTimeout
	}
	if dto.ReadTimeout != 0 {
		c.readTimeout = dto.ReadTimeout
	}
	if dto.MinCrawlDelay != 0 {
		c.minCrawlDelay = dto.MinCrawlDelay
	}
	if dto.MinHeadlessTextLength != 0 {
		c.minHeadlessTextLength = dto.MinHeadlessTextLength
	}
	if dto.SmartMinResults != 0 {
		c.smartMinResults = dto.SmartMinResults
	}
	if dto.SmartTriggerCooldown != 0 {
		c.smartTriggerCooldown = dto.SmartTriggerCooldown
	}
	if dto.SmartConfidenceThreshold != 0 {
		c.smartConfidenceThreshold = dto.SmartConfidenceThreshold
	}
	if dto.FocusedCrawlBudget != 0 {
		c.focusedCrawlBudget = dto.FocusedCrawlBudget
	}
	if dto.FocusedCrawlEnabled != nil {
		c.focusedCrawlEnabled = *dto.FocusedCrawlEnabled
	}
	if dto.HybridKeywordWeight != 0 {
		c.hybridKeywordWeight = dto.HybridKeywordWeight
	}
	if dto.HybridVectorWeight != 0 {
		c.hybridVectorWeight = dto.HybridVectorWeight
	}
	if dto.HybridCandidatePool != 0 {
		c.hybridCandidatePool = dto.HybridCandidatePool
	}
	if dto.FrontierPerHost != 0 {
		c.frontierPerHost = dto.FrontierPerHost
	}
	if dto.FrontierPolitenessDelay != 0 {
		c.frontierPolitenessDelay = dto.FrontierPolitenessDelay
	}
	if dto.FrontierRerankMargin != 0 {
		c.frontierRerankMargin = dto.FrontierRerankMargin
	}
	if dto.DiscoverWValue != 0 {
		c.discoverWValue = dto.DiscoverWValue
	}
	if dto.DiscoverWFresh != 0 {
		c.discoverWFresh = dto.DiscoverWFresh
	}
	if dto.DiscoverWAuth != 0 {
		c.discoverWAuth = dto.DiscoverWAuth
	}
	if dto.EmbedTestMode {
		c.embedTestMode = true
	}
	if dto.EmbedderModel != "" {
		c.embedderModel = dto.EmbedderModel
	}
	if dto.EmbedderURL != "" {
		c.embedderURL = dto.EmbedderURL
	}
	if dto.HTTPAddr != "" {
		c.httpAddr = dto.HTTPAddr
	}
	return c
}

// WithEnv overrides c with every recognized environment variable from
// spec.md §6 that is set in the process environment. DATA_DIR re-derives
// every path; individual path env vars (INDEX_DIR, CRAWL_STORE, ...)
// override their DefaultPaths derivation afterward.
func (c *Config) WithEnv() *Config {
	if v, ok := os.LookupEnv("DATA_DIR"); ok && v != "" {
		c.paths = DefaultPaths(v)
	}
	strPath := func(env string, dst *string) {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
	strPath("INDEX_DIR", &c.paths.IndexDir)
	strPath("CRAWL_STORE", &c.paths.CrawlStore)
	strPath("NORMALIZED_PATH", &c.paths.NormalizedPath)
	strPath("INDEX_LEDGER", &c.paths.IndexLedger)
	strPath("SIMHASH_PATH", &c.paths.SimhashPath)
	strPath("LAST_INDEX_TIME_PATH", &c.paths.LastIndexTimePath)
	strPath("LOGS_DIR", &c.paths.LogsDir)
	strPath("LEARNED_WEB_DB_PATH", &c.paths.LearnedWebDBPath)

	envInt(&c.minHeadlessTextLength, "MIN_HEADLESS_TEXT_LENGTH")
	envInt(&c.smartMinResults, "SMART_MIN_RESULTS")
	envDuration(&c.smartTriggerCooldown, "SMART_TRIGGER_COOLDOWN")
	envFloat(&c.smartConfidenceThreshold, "SMART_CONFIDENCE_THRESHOLD")
	envInt(&c.focusedCrawlBudget, "FOCUSED_CRAWL_BUDGET")
	envBool(&c.focusedCrawlEnabled, "FOCUSED_CRAWL_ENABLED")

	envFloat(&c.hybridKeywordWeight, "HYBRID_KEYWORD_WEIGHT")
	envFloat(&c.hybridVectorWeight, "HYBRID_VECTOR_WEIGHT")
	envInt(&c.hybridCandidatePool, "HYBRID_CANDIDATE_POOL")

	envInt(&c.frontierPerHost, "FRONTIER_PER_HOST")
	envDuration(&c.frontierPolitenessDelay, "FRONTIER_POLITENESS_DELAY")
	envFloat(&c.frontierRerankMargin, "FRONTIER_RERANK_MARGIN")

	envFloat(&c.discoverWValue, "DISCOVER_W_VALUE")
	envFloat(&c.discoverWFresh, "DISCOVER_W_FRESH")
	envFloat(&c.discoverWAuth, "DISCOVER_W_AUTH")

	envBool(&c.embedTestMode, "EMBED_TEST_MODE")

	return c
}

func envInt(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(dst *time.Duration, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(secs) * time.Second
			return
		}
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envBool(dst *bool, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (c *Config) WithDataDir(dataDir string) *Config {
	c.paths = DefaultPaths(dataDir)
	return c
}

func (c *Config) WithUserAgent(agent string) *Config {
	c.userAgent = agent
	return c
}

func (c *Config) WithRequestTimeout(d time.Duration) *Config {
	c.requestTimeout = d
	return c
}

func (c *Config) WithMinHeadlessTextLength(n int) *Config {
	c.minHeadlessTextLength = n
	return c
}

func (c *Config) WithMinCrawlDelay(d time.Duration) *Config {
	c.minCrawlDelay = d
	return c
}

func (c *Config) WithHybridWeights(keyword, vector float64) *Config {
	c.hybridKeywordWeight = keyword
	c.hybridVectorWeight = vector
	return c
}

func (c *Config) WithHTTPAddr(addr string) *Config {
	c.httpAddr = addr
	return c
}

func (c *Config) WithEmbedder(model, url string) *Config {
	c.embedderModel = model
	c.embedderURL = url
	return c
}

// Build validates the builder and returns the immutable Config value.
func (c *Config) Build() (Config, error) {
	if c.paths.DataDir == "" {
		return Config{}, fmt.Errorf("%w: dataDir cannot be empty", ErrInvalidConfig)
	}
	if c.hybridKeywordWeight <= 0 && c.hybridVectorWeight <= 0 {
		return Config{}, fmt.Errorf("%w: hybrid weights cannot both be zero", ErrInvalidConfig)
	}
	return *c, nil
}

func (c Config) Paths() Paths                           { return c.paths }
func (c Config) UserAgent() string                      { return c.userAgent }
func (c Config) RequestTimeout() time.Duration          { return c.requestTimeout }
func (c Config) ReadTimeout() time.Duration             { return c.readTimeout }
func (c Config) MinCrawlDelay() time.Duration           { return c.minCrawlDelay }
func (c Config) MinHeadlessTextLength() int             { return c.minHeadlessTextLength }
func (c Config) SmartMinResults() int                   { return c.smartMinResults }
func (c Config) SmartTriggerCooldown() time.Duration    { return c.smartTriggerCooldown }
func (c Config) SmartConfidenceThreshold() float64      { return c.smartConfidenceThreshold }
func (c Config) FocusedCrawlBudget() int                { return c.focusedCrawlBudget }
func (c Config) FocusedCrawlEnabled() bool              { return c.focusedCrawlEnabled }
func (c Config) HybridKeywordWeight() float64           { return c.hybridKeywordWeight }
func (c Config) HybridVectorWeight() float64            { return c.hybridVectorWeight }
func (c Config) HybridCandidatePool() int               { return c.hybridCandidatePool }
func (c Config) FrontierPerHost() int                   { return c.frontierPerHost }
func (c Config) FrontierPolitenessDelay() time.Duration { return c.frontierPolitenessDelay }
func (c Config) FrontierRerankMargin() float64          { return c.frontierRerankMargin }
func (c Config) DiscoverWValue() float64                { return c.discoverWValue }
func (c Config) DiscoverWFresh() float64                { return c.discoverWFresh }
func (c Config) DiscoverWAuth() float64                 { return c.discoverWAuth }
func (c Config) EmbedTestMode() bool                    { return c.embedTestMode }
func (c Config) EmbedderModel() string                  { return c.embedderModel }
func (c Config) EmbedderURL() string                    { return c.embedderURL }
func (c Config) HTTPAddr() string                       { return c.httpAddr }
