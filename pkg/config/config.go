package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the Jervis daemon. Every duration
// knob is expressed in the unit its name carries so the YAML stays flat
// and greppable.
type Config struct {
	DataDir    string           `yaml:"dataDir"`
	Log        LogConfig        `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	Polling    PollingConfig    `yaml:"polling"`
	Background BackgroundConfig `yaml:"background"`
	Qualifier  QualifierConfig  `yaml:"qualifier"`
	Weaviate   WeaviateConfig   `yaml:"weaviate"`
	Retry      RetryConfig      `yaml:"retry"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	LLM        LLMConfig        `yaml:"llm"`
	Planner    PlannerConfig    `yaml:"planner"`
	Indexer    IndexerConfig    `yaml:"indexer"`
	Git        GitConfig        `yaml:"git"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

// PollingConfig drives the central poller. Per-protocol intervals override
// the base cadence; zero means "use the protocol default".
type PollingConfig struct {
	PollingIntervalMs  int `yaml:"pollingIntervalMs"`
	HTTPIntervalMs     int `yaml:"http"`
	IMAPIntervalMs     int `yaml:"imap"`
	POP3IntervalMs     int `yaml:"pop3"`
	OAuth2IntervalMs   int `yaml:"oauth2"`
	StartupDelayMs     int `yaml:"startupDelayMs"`
	MaxConcurrentPolls int `yaml:"maxConcurrentPolls"`
}

type BackgroundConfig struct {
	WaitOnStartupMs             int `yaml:"waitOnStartup"`
	WaitIntervalMs              int `yaml:"waitInterval"`
	WaitOnErrorMs               int `yaml:"waitOnError"`
	MaxConcurrentQualifications int `yaml:"maxConcurrentQualifications"`
	StaleTaskThresholdHours     int `yaml:"staleTaskThresholdHours"`
}

type QualifierConfig struct {
	InitialBackoffMs int    `yaml:"initialBackoffMs"`
	MaxBackoffMs     int    `yaml:"maxBackoffMs"`
	Model            string `yaml:"model"`
}

type WeaviateConfig struct {
	Host        string            `yaml:"host"`
	Scheme      string            `yaml:"scheme"`
	AutoMigrate AutoMigrateConfig `yaml:"autoMigrate"`

	VectorDimensions int `yaml:"vectorDimensions"`
	EF               int `yaml:"ef"`
	EFConstruction   int `yaml:"efConstruction"`
	MaxConnections   int `yaml:"maxConnections"`
	FlatSearchCutoff int `yaml:"flatSearchCutoff"`
}

type AutoMigrateConfig struct {
	Enabled          bool `yaml:"enabled"`
	CountdownSeconds int  `yaml:"countdownSeconds"`
}

type RetryConfig struct {
	HTTP HTTPRetryConfig `yaml:"http"`
}

// HTTPRetryConfig applies only to transient transport errors; timeouts
// are never retried.
type HTTPRetryConfig struct {
	MaxAttempts      int `yaml:"maxAttempts"`
	InitialBackoffMs int `yaml:"initialBackoffMs"`
	MaxBackoffMs     int `yaml:"maxBackoffMs"`
}

type RateLimitConfig struct {
	MaxRequestsPerSecond float64 `yaml:"maxRequestsPerSecond"`
	MaxRequestsPerMinute float64 `yaml:"maxRequestsPerMinute"`
	IdleTTLMinutes       int     `yaml:"idleTtlMinutes"`
}

type LLMConfig struct {
	BaseURL               string `yaml:"baseUrl"`
	EmbeddingTextModel    string `yaml:"embeddingTextModel"`
	EmbeddingCodeModel    string `yaml:"embeddingCodeModel"`
	ContextTokens         int    `yaml:"contextTokens"`
	MaxConcurrentPerModel int    `yaml:"maxConcurrentPerModel"`
}

type PlannerConfig struct {
	BaseURL        string `yaml:"baseUrl"`
	PollIntervalMs int    `yaml:"pollIntervalMs"`
	UserID         string `yaml:"userId"`
}

type IndexerConfig struct {
	EmptyQueueBackoffMs int `yaml:"emptyQueueBackoffMs"`
}

type GitConfig struct {
	CloneDir string `yaml:"cloneDir"`
	Depth    int    `yaml:"depth"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./jervis-data",
		Log:     LogConfig{Level: "info"},
		API:     APIConfig{Addr: "127.0.0.1:9090"},
		Polling: PollingConfig{
			PollingIntervalMs:  60_000,
			HTTPIntervalMs:     300_000,
			IMAPIntervalMs:     60_000,
			POP3IntervalMs:     120_000,
			OAuth2IntervalMs:   300_000,
			StartupDelayMs:     15_000,
			MaxConcurrentPolls: 4,
		},
		Background: BackgroundConfig{
			WaitOnStartupMs:             10_000,
			WaitIntervalMs:              30_000,
			WaitOnErrorMs:               60_000,
			MaxConcurrentQualifications: 8,
			StaleTaskThresholdHours:     24,
		},
		Qualifier: QualifierConfig{
			InitialBackoffMs: 5_000,
			MaxBackoffMs:     300_000,
			Model:            "qwen2.5:3b",
		},
		Weaviate: WeaviateConfig{
			Host:   "localhost:8080",
			Scheme: "http",
			AutoMigrate: AutoMigrateConfig{
				Enabled:          false,
				CountdownSeconds: 30,
			},
			VectorDimensions: 768,
			EF:               64,
			EFConstruction:   128,
			MaxConnections:   32,
			FlatSearchCutoff: 40_000,
		},
		Retry: RetryConfig{
			HTTP: HTTPRetryConfig{
				MaxAttempts:      3,
				InitialBackoffMs: 500,
				MaxBackoffMs:     10_000,
			},
		},
		RateLimit: RateLimitConfig{
			MaxRequestsPerSecond: 2,
			MaxRequestsPerMinute: 60,
			IdleTTLMinutes:       30,
		},
		LLM: LLMConfig{
			BaseURL:               "http://localhost:11434",
			EmbeddingTextModel:    "nomic-embed-text",
			EmbeddingCodeModel:    "nomic-embed-text",
			ContextTokens:         8192,
			MaxConcurrentPerModel: 1,
		},
		Planner: PlannerConfig{
			BaseURL:        "http://localhost:8765",
			PollIntervalMs: 5_000,
			UserID:         "jervis",
		},
		Indexer: IndexerConfig{
			EmptyQueueBackoffMs: 30_000,
		},
		Git: GitConfig{
			CloneDir: "./jervis-data/repos",
			Depth:    200,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Duration helpers keep call sites free of unit conversions.

func (p PollingConfig) BaseInterval() time.Duration {
	return time.Duration(p.PollingIntervalMs) * time.Millisecond
}

func (p PollingConfig) StartupDelay() time.Duration {
	return time.Duration(p.StartupDelayMs) * time.Millisecond
}

func (b BackgroundConfig) WaitOnStartup() time.Duration {
	return time.Duration(b.WaitOnStartupMs) * time.Millisecond
}

func (b BackgroundConfig) WaitInterval() time.Duration {
	return time.Duration(b.WaitIntervalMs) * time.Millisecond
}

func (b BackgroundConfig) WaitOnError() time.Duration {
	return time.Duration(b.WaitOnErrorMs) * time.Millisecond
}

func (q QualifierConfig) InitialBackoff() time.Duration {
	return time.Duration(q.InitialBackoffMs) * time.Millisecond
}

func (q QualifierConfig) MaxBackoff() time.Duration {
	return time.Duration(q.MaxBackoffMs) * time.Millisecond
}

func (p PlannerConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

func (i IndexerConfig) EmptyQueueBackoff() time.Duration {
	return time.Duration(i.EmptyQueueBackoffMs) * time.Millisecond
}
