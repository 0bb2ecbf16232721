package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig describes one model endpoint (embedding or generation).
type LLMConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // ollama | openai
	BaseURL string `yaml:"base_url"`
	KeyEnv  string `yaml:"key_env"`
	Model   string `yaml:"model"`
	Device  string `yaml:"device"` // cpu | gpu
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

type IngestConfig struct {
	ChunkSize    int           `yaml:"chunk_size"`
	ChunkOverlap int           `yaml:"-"`
	BatchSize    int           `yaml:"batch_size"`
	PageSize     int           `yaml:"page_size"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"-"`
	Workers      int           `yaml:"workers"`

	// an explicit chunk_overlap: 0 is a valid setting, not a request for
	// the default
	overlapSet bool
}

func (c *IngestConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain IngestConfig
	var raw struct {
		plain        `yaml:",inline"`
		ChunkOverlap *int   `yaml:"chunk_overlap"`
		RetryBackoff string `yaml:"retry_backoff"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = IngestConfig(raw.plain)
	if raw.ChunkOverlap != nil {
		c.ChunkOverlap = *raw.ChunkOverlap
		c.overlapSet = true
	}
	return setDuration(&c.RetryBackoff, raw.RetryBackoff)
}

type RetrievalConfig struct {
	TopK           int     `yaml:"top_k"`
	ScoreThreshold float64 `yaml:"-"`
	ExpandContext  bool    `yaml:"expand_context"`

	thresholdSet bool
}

func (c *RetrievalConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain RetrievalConfig
	var raw struct {
		plain          `yaml:",inline"`
		ScoreThreshold *float64 `yaml:"score_threshold"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = RetrievalConfig(raw.plain)
	if raw.ScoreThreshold != nil {
		c.ScoreThreshold = *raw.ScoreThreshold
		c.thresholdSet = true
	}
	return nil
}

type GenerationConfig struct {
	MaxTokens     int           `yaml:"max_tokens"`
	Temperature   float64       `yaml:"-"`
	CallTimeout   time.Duration `yaml:"-"`
	ContextBudget int           `yaml:"context_budget"`
	HistoryTurns  int           `yaml:"history_turns"`

	temperatureSet bool
}

func (c *GenerationConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain GenerationConfig
	var raw struct {
		plain       `yaml:",inline"`
		Temperature *float64 `yaml:"temperature"`
		CallTimeout string   `yaml:"call_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = GenerationConfig(raw.plain)
	if raw.Temperature != nil {
		c.Temperature = *raw.Temperature
		c.temperatureSet = true
	}
	return setDuration(&c.CallTimeout, raw.CallTimeout)
}

type StreamConfig struct {
	QueueDepth  int           `yaml:"queue_depth"`
	IdleTimeout time.Duration `yaml:"-"`
	ReapEvery   time.Duration `yaml:"-"`
}

func (c *StreamConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain StreamConfig
	var raw struct {
		plain       `yaml:",inline"`
		IdleTimeout string `yaml:"idle_timeout"`
		ReapEvery   string `yaml:"reap_every"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = StreamConfig(raw.plain)
	if err := setDuration(&c.IdleTimeout, raw.IdleTimeout); err != nil {
		return err
	}
	return setDuration(&c.ReapEvery, raw.ReapEvery)
}

type IndexConfig struct {
	Path       string `yaml:"path"`
	Dimension  int    `yaml:"dimension"`
	HistoryCap int    `yaml:"history_cap"`
}

// setDuration parses a "200ms"/"60s" style value, leaving the target zero
// when the field is absent.
func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", raw, err)
	}
	*dst = d
	return nil
}

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	EmbedLLM   LLMConfig        `yaml:"embed_llm"`
	Providers  []LLMConfig      `yaml:"providers"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Generation GenerationConfig `yaml:"generation"`
	Stream     StreamConfig     `yaml:"stream"`
	Index      IndexConfig      `yaml:"index"`
}

// LoadConfig reads a YAML config from path. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// defaults follow the product documentation; they are configuration, not
// contracts
func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 1000
	}
	if cfg.Ingest.ChunkOverlap == 0 && !cfg.Ingest.overlapSet {
		cfg.Ingest.ChunkOverlap = 200
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = 32
	}
	if cfg.Ingest.PageSize == 0 {
		cfg.Ingest.PageSize = 256
	}
	if cfg.Ingest.MaxRetries == 0 {
		cfg.Ingest.MaxRetries = 3
	}
	if cfg.Ingest.RetryBackoff == 0 {
		cfg.Ingest.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.ScoreThreshold == 0 && !cfg.Retrieval.thresholdSet {
		cfg.Retrieval.ScoreThreshold = 0.3
	}
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = 512
	}
	if cfg.Generation.Temperature == 0 && !cfg.Generation.temperatureSet {
		cfg.Generation.Temperature = 0.3
	}
	if cfg.Generation.CallTimeout == 0 {
		cfg.Generation.CallTimeout = 60 * time.Second
	}
	if cfg.Generation.ContextBudget == 0 {
		cfg.Generation.ContextBudget = 3500
	}
	if cfg.Generation.HistoryTurns == 0 {
		cfg.Generation.HistoryTurns = 3
	}
	if cfg.Stream.QueueDepth == 0 {
		cfg.Stream.QueueDepth = 16
	}
	if cfg.Stream.IdleTimeout == 0 {
		cfg.Stream.IdleTimeout = 60 * time.Second
	}
	if cfg.Stream.ReapEvery == 0 {
		cfg.Stream.ReapEvery = 10 * time.Second
	}
	if cfg.Index.Path == "" {
		cfg.Index.Path = "./data/index.json"
	}
	if cfg.Index.Dimension == 0 {
		cfg.Index.Dimension = 768
	}
	if cfg.Index.HistoryCap == 0 {
		cfg.Index.HistoryCap = 100
	}
}

func validate(cfg *Config) error {
	if cfg.Ingest.ChunkOverlap >= cfg.Ingest.ChunkSize {
		return fmt.Errorf("chunk_overlap %d must be smaller than chunk_size %d", cfg.Ingest.ChunkOverlap, cfg.Ingest.ChunkSize)
	}
	if cfg.Retrieval.ScoreThreshold < 0 || cfg.Retrieval.ScoreThreshold > 1 {
		return fmt.Errorf("score_threshold %v must be in [0,1]", cfg.Retrieval.ScoreThreshold)
	}
	return nil
}
