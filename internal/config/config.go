package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Extraction  ExtractionConfig          `json:"extraction"`
	Generation  GenerationConfig          `json:"generation"`
	Lifecycle   LifecycleConfig           `json:"lifecycle"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	FileBaseDir       string `json:"file_base_dir"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout_minutes"`
}

// ExtractionConfig bounds what each format extractor is allowed to produce.
type ExtractionConfig struct {
	DocCharLimit   int    `json:"doc_char_limit"`
	MaxRows        int    `json:"max_rows"`
	PreviewRows    int    `json:"preview_rows"`
	MaxImageEdge   int    `json:"max_image_edge"`
	AudioMaxBytes  int64  `json:"audio_max_bytes"`
	FFmpegPath     string `json:"ffmpeg_path"`
	WhisperModel   string `json:"whisper_model"`
	MaxUploadBytes int64  `json:"max_upload_bytes"`
}

// GenerationConfig tunes prompt assembly and the completion call.
type GenerationConfig struct {
	TokenBudget      int     `json:"token_budget"`
	HistoryWindow    int     `json:"history_window"`
	Temperature      float32 `json:"temperature"`
	MaxOutputTokens  int     `json:"max_output_tokens"`
	PresencePenalty  float32 `json:"presence_penalty"`
	FrequencyPenalty float32 `json:"frequency_penalty"`
}

// LifecycleConfig drives the attachment TTL sweep and emergency eviction.
type LifecycleConfig struct {
	SweepIntervalMinutes int   `json:"sweep_interval_minutes"`
	MaxAgeHours          int   `json:"max_age_hours"`
	StorageCapBytes      int64 `json:"storage_cap_bytes"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	for name, db := range cfg.Databases {
		if db.DSN != "" && !filepath.IsAbs(db.DSN) && (name == "sqlite" || name == "sqlite3") {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}
