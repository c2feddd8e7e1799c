// Package config provides configuration management for activegraph.
//
// Every option is environment-driven; an optional YAML settings file
// overlays rate limits and key material and is hot-reloaded on change.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EndpointLimit holds the per-endpoint rate-limit settings.
type EndpointLimit struct {
	Rate  float64 `yaml:"rate"`  // sustained tokens/sec
	Burst int     `yaml:"burst"` // ceiling within a single second
}

// Config holds the application configuration.
type Config struct {
	// HTTP surface
	Port            int
	MaxRequestBytes int64

	// Database
	DatabaseURL string
	MaxConns    int

	// Auth
	AuthEnabled   bool
	AuthAlgorithm string // HS256 or RS256
	AuthKey       string // shared secret or PEM public key
	AuthIssuer    string
	AuthAudience  string
	AuthLeeway    time.Duration
	DevTenant     string

	// Rate limiting
	RateLimitEnabled bool
	CacheURL         string
	TrustProxy       bool
	RealIPHeader     string
	EndpointLimits   map[string]EndpointLimit
	ConcurrencyCaps  map[string]int

	// Embedding
	EmbeddingBackend string // remote or dev
	EmbeddingModel   string
	EmbeddingDim     int
	EmbeddingURL     string
	EmbedTimeout     time.Duration

	// ANN index build/query tuning
	ANNIndexes         []string // subset of {ivfflat, hnsw}
	SearchDistance     string   // cosine, l2, inner_product
	HNSWM              int
	HNSWEfConstruction int
	HNSWEfSearch       int
	IVFFlatLists       int
	IVFFlatProbes      int
	AutoEmbedOnCreate  bool
	AutoIndexOnStartup bool

	// Cross-encoder reranker model files; empty paths disable it
	RerankerModelPath     string
	RerankerTokenizerPath string
	OrtSharedLibPath      string

	// Retrieval / ask
	AskUseReranker           bool
	RerankSkipTopSim         float64
	HybridRerankerCandidates int
	AskSimThreshold          float64
	AskMaxSnippets           int
	AskSnippetLen            int
	AskRouterTopSim          float64
	RRFK                     int
	WeightedCandidateFactor  int

	// Payload loader safety
	URLAllowlist  []string
	MaxFetchBytes int64
	FetchTimeout  time.Duration
	FileBasedirs  []string
	MaxFileBytes  int64

	// Connector secrets: KEK version -> 32-byte key material (base64 or raw)
	KEKs          map[int]string
	ActiveKEKVer  int
	WebhookDedupe time.Duration
	WebhookTopics []string

	// Scheduler
	RunScheduler    bool
	RefreshInterval time.Duration
	TriggerInterval time.Duration
	PurgeInterval   time.Duration
	RefreshBatch    int
	PurgeBatch      int
	PurgeGrace      time.Duration

	// Connector runtime
	ConnectorWorkers     int
	ConnectorMaxAttempts int
	QueueMaxDepth        int

	// Timeouts
	StoreTimeout         time.Duration
	LLMTimeout           time.Duration
	WebhookVerifyTimeout time.Duration

	// LLM surface
	LLMEnabled bool

	// Settings overlay file (hot-reloaded when present)
	SettingsPath string

	mu sync.RWMutex
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Port:            8080,
		MaxRequestBytes: 1 << 20,

		DatabaseURL: "postgres://localhost:5432/activegraph?sslmode=disable",
		MaxConns:    10,

		AuthEnabled:   false,
		AuthAlgorithm: "HS256",
		AuthLeeway:    30 * time.Second,
		DevTenant:     "dev",

		RateLimitEnabled: true,
		RealIPHeader:     "X-Forwarded-For",
		EndpointLimits: map[string]EndpointLimit{
			"default":    {Rate: 20, Burst: 40},
			"search":     {Rate: 10, Burst: 20},
			"ask":        {Rate: 2, Burst: 3},
			"ask_stream": {Rate: 1, Burst: 2},
			"webhook":    {Rate: 20, Burst: 50},
		},
		ConcurrencyCaps: map[string]int{
			"ask":        3,
			"ask_stream": 2,
		},

		EmbeddingBackend: "dev",
		EmbeddingModel:   "bge-small-en-v1.5",
		EmbeddingDim:     384,
		EmbedTimeout:     15 * time.Second,

		ANNIndexes:         []string{"hnsw"},
		SearchDistance:     "cosine",
		HNSWM:              16,
		HNSWEfConstruction: 64,
		HNSWEfSearch:       40,
		IVFFlatLists:       100,
		IVFFlatProbes:      10,
		AutoEmbedOnCreate:  true,
		AutoIndexOnStartup: true,

		AskUseReranker:           true,
		RerankSkipTopSim:         0.80,
		HybridRerankerCandidates: 50,
		AskSimThreshold:          0.20,
		AskMaxSnippets:           5,
		AskSnippetLen:            800,
		AskRouterTopSim:          0.60,
		RRFK:                     60,
		WeightedCandidateFactor:  3,

		MaxFetchBytes: 10 << 20,
		FetchTimeout:  30 * time.Second,
		MaxFileBytes:  10 << 20,

		KEKs:          map[int]string{},
		WebhookDedupe: 5 * time.Minute,
		WebhookTopics: []string{"sync.*", "document.*"},

		RunScheduler:    true,
		RefreshInterval: 30 * time.Second,
		TriggerInterval: 60 * time.Second,
		PurgeInterval:   time.Hour,
		RefreshBatch:    100,
		PurgeBatch:      100,
		PurgeGrace:      24 * time.Hour,

		ConnectorWorkers:     4,
		ConnectorMaxAttempts: 5,
		QueueMaxDepth:        10000,

		StoreTimeout:         10 * time.Second,
		LLMTimeout:           30 * time.Second,
		WebhookVerifyTimeout: 2 * time.Second,

		LLMEnabled: false,
	}
}

// Load builds the configuration from the environment on top of
// defaults, then applies the YAML settings overlay when one exists.
func Load() (*Config, error) {
	c := Default()

	c.Port = envInt("PORT", c.Port)
	c.MaxRequestBytes = envInt64("MAX_REQUEST_BYTES", c.MaxRequestBytes)

	c.DatabaseURL = envString("DATABASE_URL", c.DatabaseURL)
	c.MaxConns = envInt("DB_MAX_CONNS", c.MaxConns)

	c.AuthEnabled = envBool("AUTH_ENABLED", c.AuthEnabled)
	c.AuthAlgorithm = envString("AUTH_ALGORITHM", c.AuthAlgorithm)
	c.AuthKey = envString("AUTH_KEY", c.AuthKey)
	c.AuthIssuer = envString("AUTH_ISSUER", c.AuthIssuer)
	c.AuthAudience = envString("AUTH_AUDIENCE", c.AuthAudience)
	c.AuthLeeway = envSeconds("AUTH_LEEWAY", c.AuthLeeway)
	c.DevTenant = envString("DEV_TENANT", c.DevTenant)

	c.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", c.RateLimitEnabled)
	c.CacheURL = envString("CACHE_URL", c.CacheURL)
	c.TrustProxy = envBool("TRUST_PROXY", c.TrustProxy)
	c.RealIPHeader = envString("REAL_IP_HEADER", c.RealIPHeader)
	c.loadEndpointOverrides()

	c.EmbeddingBackend = envString("EMBEDDING_BACKEND", c.EmbeddingBackend)
	c.EmbeddingModel = envString("EMBEDDING_MODEL", c.EmbeddingModel)
	c.EmbeddingDim = envInt("EMBEDDING_DIM", c.EmbeddingDim)
	c.EmbeddingURL = envString("EMBEDDING_URL", c.EmbeddingURL)
	c.EmbedTimeout = envSeconds("EMBED_TIMEOUT", c.EmbedTimeout)

	if v := os.Getenv("ANN_INDEXES"); v != "" {
		c.ANNIndexes = splitTrim(v)
	}
	c.SearchDistance = envString("SEARCH_DISTANCE", c.SearchDistance)
	c.HNSWM = envInt("HNSW_M", c.HNSWM)
	c.HNSWEfConstruction = envInt("HNSW_EF_CONSTRUCTION", c.HNSWEfConstruction)
	c.HNSWEfSearch = envInt("HNSW_EF_SEARCH", c.HNSWEfSearch)
	c.IVFFlatLists = envInt("IVFFLAT_LISTS", c.IVFFlatLists)
	c.IVFFlatProbes = envInt("IVFFLAT_PROBES", c.IVFFlatProbes)
	c.AutoEmbedOnCreate = envBool("AUTO_EMBED_ON_CREATE", c.AutoEmbedOnCreate)
	c.AutoIndexOnStartup = envBool("AUTO_INDEX_ON_STARTUP", c.AutoIndexOnStartup)

	c.RerankerModelPath = envString("RERANKER_MODEL_PATH", c.RerankerModelPath)
	c.RerankerTokenizerPath = envString("RERANKER_TOKENIZER_PATH", c.RerankerTokenizerPath)
	c.OrtSharedLibPath = envString("ORT_SHARED_LIB_PATH", c.OrtSharedLibPath)

	c.AskUseReranker = envBool("ASK_USE_RERANKER", c.AskUseReranker)
	c.RerankSkipTopSim = envFloat("RERANK_SKIP_TOPSIM", c.RerankSkipTopSim)
	c.HybridRerankerCandidates = envInt("HYBRID_RERANKER_CANDIDATES", c.HybridRerankerCandidates)
	c.AskSimThreshold = envFloat("ASK_SIM_THRESHOLD", c.AskSimThreshold)
	c.AskMaxSnippets = envInt("ASK_MAX_SNIPPETS", c.AskMaxSnippets)
	c.AskSnippetLen = envInt("ASK_SNIPPET_LEN", c.AskSnippetLen)
	c.AskRouterTopSim = envFloat("ASK_ROUTER_TOPSIM", c.AskRouterTopSim)
	c.RRFK = envInt("RRF_K", c.RRFK)
	c.WeightedCandidateFactor = envInt("WEIGHTED_SEARCH_CANDIDATE_FACTOR", c.WeightedCandidateFactor)

	if v := os.Getenv("URL_ALLOWLIST"); v != "" {
		c.URLAllowlist = splitTrim(v)
	}
	c.MaxFetchBytes = envInt64("MAX_FETCH_BYTES", c.MaxFetchBytes)
	c.FetchTimeout = envSeconds("FETCH_TIMEOUT", c.FetchTimeout)
	if v := os.Getenv("FILE_BASEDIRS"); v != "" {
		c.FileBasedirs = splitTrim(v)
	}
	c.MaxFileBytes = envInt64("MAX_FILE_BYTES", c.MaxFileBytes)

	c.loadKEKs()
	if v := os.Getenv("WEBHOOK_TOPICS"); v != "" {
		c.WebhookTopics = splitTrim(v)
	}
	c.WebhookDedupe = envSeconds("WEBHOOK_DEDUPE", c.WebhookDedupe)

	c.RunScheduler = envBool("RUN_SCHEDULER", c.RunScheduler)
	c.RefreshInterval = envSeconds("REFRESH_INTERVAL", c.RefreshInterval)
	c.TriggerInterval = envSeconds("TRIGGER_INTERVAL", c.TriggerInterval)
	c.PurgeInterval = envSeconds("PURGE_INTERVAL", c.PurgeInterval)
	c.RefreshBatch = envInt("REFRESH_BATCH", c.RefreshBatch)
	c.PurgeBatch = envInt("PURGE_BATCH", c.PurgeBatch)
	c.PurgeGrace = envSeconds("PURGE_GRACE", c.PurgeGrace)

	c.ConnectorWorkers = envInt("CONNECTOR_WORKERS", c.ConnectorWorkers)
	c.ConnectorMaxAttempts = envInt("CONNECTOR_MAX_ATTEMPTS", c.ConnectorMaxAttempts)
	c.QueueMaxDepth = envInt("QUEUE_MAX_DEPTH", c.QueueMaxDepth)

	c.StoreTimeout = envSeconds("STORE_TIMEOUT", c.StoreTimeout)
	c.LLMTimeout = envSeconds("LLM_TIMEOUT", c.LLMTimeout)

	c.LLMEnabled = envBool("LLM_ENABLED", c.LLMEnabled)

	c.SettingsPath = envString("SETTINGS_PATH", c.SettingsPath)
	if c.SettingsPath != "" {
		if err := c.applySettingsFile(c.SettingsPath); err != nil {
			return nil, fmt.Errorf("settings file %s: %w", c.SettingsPath, err)
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	switch c.SearchDistance {
	case "cosine", "l2", "inner_product":
	default:
		return fmt.Errorf("SEARCH_DISTANCE must be one of cosine, l2, inner_product, got %q", c.SearchDistance)
	}
	for _, idx := range c.ANNIndexes {
		if idx != "ivfflat" && idx != "hnsw" {
			return fmt.Errorf("ANN_INDEXES entry %q not in {ivfflat, hnsw}", idx)
		}
	}
	if c.AuthEnabled {
		switch c.AuthAlgorithm {
		case "HS256", "RS256":
		default:
			return fmt.Errorf("AUTH_ALGORITHM must be HS256 or RS256, got %q", c.AuthAlgorithm)
		}
		if c.AuthKey == "" {
			return fmt.Errorf("AUTH_KEY is required when AUTH_ENABLED is set")
		}
	}
	return nil
}

// loadEndpointOverrides applies RATE_LIMIT_{NAME}_RATE / _BURST and
// CONCURRENCY_{NAME} environment overrides on top of the defaults.
func (c *Config) loadEndpointOverrides() {
	for name, limit := range c.EndpointLimits {
		upper := strings.ToUpper(name)
		limit.Rate = envFloat("RATE_LIMIT_"+upper+"_RATE", limit.Rate)
		limit.Burst = envInt("RATE_LIMIT_"+upper+"_BURST", limit.Burst)
		c.EndpointLimits[name] = limit
	}
	for name, cap := range c.ConcurrencyCaps {
		c.ConcurrencyCaps[name] = envInt("CONCURRENCY_"+strings.ToUpper(name), cap)
	}
}

// loadKEKs collects KEK_V{n} key material. A legacy bare KEK variable
// maps to version 1. The active version is the highest one present.
func (c *Config) loadKEKs() {
	if legacy := os.Getenv("KEK"); legacy != "" {
		c.KEKs[1] = legacy
	}
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, "KEK_V") || value == "" {
			continue
		}
		ver, err := strconv.Atoi(strings.TrimPrefix(name, "KEK_V"))
		if err != nil || ver <= 0 {
			continue
		}
		c.KEKs[ver] = value
	}
	c.ActiveKEKVer = 0
	for ver := range c.KEKs {
		if ver > c.ActiveKEKVer {
			c.ActiveKEKVer = ver
		}
	}
}

// KEKVersions returns the configured KEK versions, newest first.
func (c *Config) KEKVersions() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	versions := make([]int, 0, len(c.KEKs))
	for ver := range c.KEKs {
		versions = append(versions, ver)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	return versions
}

// LimitFor returns the rate-limit settings for an endpoint name,
// falling back to the default bucket.
func (c *Config) LimitFor(endpoint string) EndpointLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if limit, ok := c.EndpointLimits[endpoint]; ok {
		return limit
	}
	return c.EndpointLimits["default"]
}

// ConcurrencyFor returns the in-flight cap for an endpoint, 0 meaning
// unlimited.
func (c *Config) ConcurrencyFor(endpoint string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ConcurrencyCaps[endpoint]
}

// env helpers

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

// envSeconds reads a duration given as a number of seconds.
func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
