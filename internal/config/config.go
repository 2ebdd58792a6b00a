package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all hotmem configuration.
type Config struct {
	Home       string          `toml:"home"`
	OwnerName  string          `toml:"owner_name"`
	Store      StoreConfig     `toml:"store"`
	Decay      DecayConfig     `toml:"decay"`
	Scoring    ScoringConfig   `toml:"scoring"`
	Thresholds ThresholdConfig `toml:"thresholds"`
	Pipeline   PipelineConfig  `toml:"pipeline"`
	Lint       LintConfig      `toml:"lint"`
	Health     HealthConfig    `toml:"health"`
	LLM        LLMConfig       `toml:"llm"`
	Search     SearchConfig    `toml:"search"`
	Notify     NotifyConfig    `toml:"notify"`
	Server     ServerConfig    `toml:"server"`
	Schedule   ScheduleConfig  `toml:"schedule"`
	Log        LogConfig       `toml:"log"`
}

type StoreConfig struct {
	Path               string `toml:"path"`         // default <home>/data/hot-memories.jsonl
	ArchivePath        string `toml:"archive_path"` // default <home>/data/hot-memories-archive.jsonl
	StatePath          string `toml:"state_path"`   // default <home>/data/state.db
	MaxTotal           int    `toml:"max_total"`
	MaxPinned          int    `toml:"max_pinned"`
	MaxArchiveLines    int    `toml:"max_archive_lines"`
	MaxFileMB          int    `toml:"max_file_mb"`
	MaxArchiveMB       int    `toml:"max_archive_mb"`
	LockTimeoutSeconds int    `toml:"lock_timeout_seconds"`
	TempMaxAgeMinutes  int    `toml:"temp_max_age_minutes"`
}

type DecayConfig struct {
	LambdaBase     float64 `toml:"lambda_base"`
	Mu             float64 `toml:"mu"`
	BetaLTM        float64 `toml:"beta_ltm"`
	BetaSTM        float64 `toml:"beta_stm"`
	LTMThreshold   float64 `toml:"ltm_threshold"`
	RecencyBase    float64 `toml:"recency_base"`
	ReinforceDelta float64 `toml:"reinforce_delta"`
	ReinforceN     float64 `toml:"reinforce_n"`
}

type ScoringConfig struct {
	Relevance  float64 `toml:"relevance"`
	Importance float64 `toml:"importance"`
	Recency    float64 `toml:"recency"`
	Decay      float64 `toml:"decay"`
}

// ThresholdConfig holds the word-overlap ratios used at the different
// duplicate-detection layers. The append guard is always exact text.
type ThresholdConfig struct {
	Validate float64 `toml:"validate"` // candidate vs existing valid fact
	Lint     float64 `toml:"lint"`     // pairwise among active facts
	Evidence float64 `toml:"evidence"` // hot-store evidence during reconcile
}

type PipelineConfig struct {
	HotPathThreshold      int  `toml:"hot_path_threshold"`
	MaxAdditionsPerHour   int  `toml:"max_additions_per_hour"`
	MinIntervalMinutes    int  `toml:"min_interval_minutes"`
	MaxActivityChars      int  `toml:"max_activity_chars"`
	KnownFactsChars       int  `toml:"known_facts_chars"`
	MinFactChars          int  `toml:"min_fact_chars"`
	MaxEvidence           int  `toml:"max_evidence"`
	AlwaysReconcile       bool `toml:"always_reconcile"`
	PruneInvalidatedHours int  `toml:"prune_invalidated_hours"`
	MinFreeDiskMB         int  `toml:"min_free_disk_mb"`
	FailureAlertThreshold int  `toml:"failure_alert_threshold"`
	TimeoutSeconds        int  `toml:"timeout_seconds"`
}

type LintConfig struct {
	StaleDays    int `toml:"stale_days"`
	MinFactChars int `toml:"min_fact_chars"`
}

type HealthConfig struct {
	MarkerStaleMinutes int `toml:"marker_stale_minutes"`
	MaxInvalidated     int `toml:"max_invalidated"`
	MaxPinned          int `toml:"max_pinned"`
	MaxArchiveLines    int `toml:"max_archive_lines"`
	DiskCriticalMB     int `toml:"disk_critical_mb"`
	DiskWarnMB         int `toml:"disk_warn_mb"`
	FixPruneHours      int `toml:"fix_prune_hours"`
}

type LLMConfig struct {
	Provider          string `toml:"provider"` // "anthropic", "ollama", "claude-cli"
	Model             string `toml:"model"`
	AnthropicKey      string `toml:"anthropic_key"`
	AnthropicURL      string `toml:"anthropic_url"`
	OllamaURL         string `toml:"ollama_url"`
	OllamaModel       string `toml:"ollama_model"`
	MaxTokens         int    `toml:"max_tokens"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	MaxRetries        int    `toml:"max_retries"`
	RequestsPerMinute int    `toml:"requests_per_minute"` // 0 disables client-side throttling
}

type SearchConfig struct {
	Bin                    string `toml:"bin"`
	CapsulePath            string `toml:"capsule_path"` // default <home>/memory.mv2
	ActivityCollection     string `toml:"activity_collection"`
	ActivityLimit          int    `toml:"activity_limit"`
	MemoryCollection       string `toml:"memory_collection"`
	EvidenceLimit          int    `toml:"evidence_limit"`
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	ActivityTimeoutSeconds int    `toml:"activity_timeout_seconds"`
	LockRetries            int    `toml:"lock_retries"`
	LockBackoffSeconds     int    `toml:"lock_backoff_seconds"`
}

type NotifyConfig struct {
	TelegramToken  string `toml:"telegram_token"`
	TelegramChatID string `toml:"telegram_chat_id"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

// ScheduleConfig holds cron expressions used by `hotmem serve --schedule`.
// An empty expression disables that job.
type ScheduleConfig struct {
	Extract string `toml:"extract"`
	Health  string `toml:"health"`
	Lint    string `toml:"lint"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// Error reports a missing or invalid setting. It is fatal for the command
// that needs the setting.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Home:      "", // resolved by Load via DefaultHome()
		OwnerName: "the user",
		Store: StoreConfig{
			MaxTotal:           200,
			MaxPinned:          50,
			MaxArchiveLines:    10000,
			MaxFileMB:          10,
			MaxArchiveMB:       100,
			LockTimeoutSeconds: 30,
			TempMaxAgeMinutes:  10,
		},
		Decay: DecayConfig{
			LambdaBase:     0.1,
			Mu:             2.0,
			BetaLTM:        0.8,
			BetaSTM:        1.2,
			LTMThreshold:   0.7,
			RecencyBase:    0.995,
			ReinforceDelta: 0.15,
			ReinforceN:     5,
		},
		Scoring: ScoringConfig{
			Relevance:  1.0,
			Importance: 0.8,
			Recency:    0.5,
			Decay:      0.3,
		},
		Thresholds: ThresholdConfig{
			Validate: 0.6,
			Lint:     0.5,
			Evidence: 0.3,
		},
		Pipeline: PipelineConfig{
			HotPathThreshold:      5,
			MaxAdditionsPerHour:   5,
			MinIntervalMinutes:    3,
			MaxActivityChars:      30000,
			KnownFactsChars:       1000,
			MinFactChars:          20,
			MaxEvidence:           5,
			PruneInvalidatedHours: 48,
			MinFreeDiskMB:         100,
			FailureAlertThreshold: 3,
			TimeoutSeconds:        600,
		},
		Lint: LintConfig{
			StaleDays:    7,
			MinFactChars: 20,
		},
		Health: HealthConfig{
			MarkerStaleMinutes: 30,
			MaxInvalidated:     20,
			MaxPinned:          40,
			MaxArchiveLines:    8000,
			DiskCriticalMB:     100,
			DiskWarnMB:         300,
			FixPruneHours:      24,
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			Model:          "claude-sonnet-4-5",
			AnthropicURL:   "https://api.anthropic.com/v1/messages",
			OllamaURL:      "http://localhost:11434",
			OllamaModel:    "llama3.2",
			MaxTokens:      2048,
			TimeoutSeconds: 60,
			MaxRetries:     2,
		},
		Search: SearchConfig{
			Bin:                    "aethervault",
			ActivityCollection:     "agent-log",
			ActivityLimit:          30,
			MemoryCollection:       "aethervault-memory",
			EvidenceLimit:          3,
			TimeoutSeconds:         15,
			ActivityTimeoutSeconds: 30,
			LockRetries:            3,
			LockBackoffSeconds:     5,
		},
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Schedule: ScheduleConfig{
			Extract: "*/15 * * * *",
			Health:  "0 * * * *",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultHome returns $HOTMEM_HOME or ~/.hotmem.
func DefaultHome() (string, error) {
	if h := os.Getenv("HOTMEM_HOME"); h != "" {
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".hotmem"), nil
}

// Load builds a Config from defaults, an optional TOML file and the
// environment, in that order of precedence (environment wins). A .env file
// in the home directory is loaded first; it never overrides variables that
// are already set. An empty path means <home>/hotmem.toml, which may be absent.
func Load(path string) (Config, error) {
	cfg := Default()

	home, err := DefaultHome()
	if err != nil {
		return cfg, err
	}
	cfg.Home = home

	if err := godotenv.Load(filepath.Join(home, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(home, "hotmem.toml")
	}
	if _, err := os.Stat(path); err == nil {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	} else if explicit {
		return cfg, &Error{Field: "config", Reason: fmt.Sprintf("file %s not found", path)}
	}

	cfg.applyEnv()
	return cfg, nil
}

// LoadFile decodes a TOML file on top of cfg.
func LoadFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return &Error{Field: undecoded[0].String(), Reason: "unknown setting"}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HOTMEM_HOME"); v != "" {
		c.Home = v
	}
	if v := os.Getenv("HOTMEM_STORE"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("HOTMEM_CAPSULE_PATH"); v != "" {
		c.Search.CapsulePath = v
	}
	if v := os.Getenv("HOTMEM_CAPSULE_BIN"); v != "" {
		c.Search.Bin = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.LLM.AnthropicKey = v
	}
	if v := os.Getenv("HOTMEM_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("HOTMEM_LLM_URL"); v != "" {
		c.LLM.AnthropicURL = v
	}
	if v := os.Getenv("HOTMEM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Notify.TelegramChatID = v
	}
	if v := os.Getenv("HOTMEM_OWNER_NAME"); v != "" {
		c.OwnerName = v
	}
}

// Validate checks that required settings are present. requireLLM is set by
// commands that call the reasoning service.
func (c *Config) Validate(requireLLM bool) error {
	if c.Home == "" && c.Store.Path == "" {
		return &Error{Field: "home", Reason: "no home directory or store path"}
	}
	if c.Store.MaxPinned < 0 || c.Store.MaxTotal < c.Store.MaxPinned {
		return &Error{Field: "store.max_total", Reason: "must be >= store.max_pinned"}
	}
	w := c.Scoring
	if w.Relevance+w.Importance+w.Recency+w.Decay <= 0 {
		return &Error{Field: "scoring", Reason: "weights must sum to a positive value"}
	}
	if !requireLLM {
		return nil
	}
	switch c.LLM.Provider {
	case "anthropic":
		if c.LLM.AnthropicKey == "" {
			return &Error{Field: "llm.anthropic_key", Reason: "ANTHROPIC_API_KEY not set"}
		}
	case "ollama", "claude-cli":
	default:
		return &Error{Field: "llm.provider", Reason: fmt.Sprintf("unknown provider %q", c.LLM.Provider)}
	}
	return nil
}

func (c *Config) dataPath(name string) string {
	return filepath.Join(c.Home, "data", name)
}

// StorePath returns the live record file.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return c.dataPath("hot-memories.jsonl")
}

// ArchivePath returns the eviction archive log.
func (c *Config) ArchivePath() string {
	if c.Store.ArchivePath != "" {
		return c.Store.ArchivePath
	}
	return filepath.Join(filepath.Dir(c.StorePath()), "hot-memories-archive.jsonl")
}

// LockPath returns the advisory lock file guarding the store.
func (c *Config) LockPath() string {
	return c.StorePath() + ".lock"
}

// StatePath returns the SQLite state database.
func (c *Config) StatePath() string {
	if c.Store.StatePath != "" {
		return c.Store.StatePath
	}
	return filepath.Join(filepath.Dir(c.StorePath()), "state.db")
}

// PidPath returns the extractor instance lock.
func (c *Config) PidPath() string {
	return filepath.Join(filepath.Dir(c.StorePath()), ".extractor.pid")
}

// CapsulePath returns the long-term capsule file handed to the search binary.
func (c *Config) CapsulePath() string {
	if c.Search.CapsulePath != "" {
		return c.Search.CapsulePath
	}
	return filepath.Join(c.Home, "memory.mv2")
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
