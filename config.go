package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultOpenRouterAPIURL is the chat completions endpoint
	DefaultOpenRouterAPIURL = "https://openrouter.ai/api/v1/chat/completions"

	// DefaultProjectID is the project used when a request names none
	DefaultProjectID = "default"

	// Timeout constants
	DefaultModelTimeout = 120 * time.Second
	DefaultTitleTimeout = 30 * time.Second

	// DefaultMaxToolIterations bounds the tool-use loop of one model call
	DefaultMaxToolIterations = 5

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20

	// ConfigCacheTTL is how long a project config stays cached without a file event
	ConfigCacheTTL = 5 * time.Minute

	// DefaultUtilityModel is the cheap model used for titles, memory and summaries
	DefaultUtilityModel = "google/gemini-2.5-flash"
)

// Config holds process configuration. It is built once at startup and passed
// explicitly to every component.
type Config struct {
	OpenRouterAPIKey string
	OpenRouterAPIURL string
	TavilyAPIKey     string
	TavilyAPIURL     string

	DataDir string
	Port    string

	// CORS allowed origins. Empty means any localhost origin (development).
	CORSAllowedOrigins []string

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Job store backend: "file" or "sqlite"
	JobStore  string
	JobDBPath string

	// Optional price table override (YAML)
	PricingFile string

	ModelTimeout      time.Duration
	TitleTimeout      time.Duration
	MaxToolIterations int

	WatchConfig       bool
	BackgroundWorkers int
}

// LoadConfig loads configuration from a .env file (if any) and the environment.
func LoadConfig() (*Config, error) {
	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				slog.Debug("loaded .env", "path", absPath)
				break
			}
		}
	}

	cfg := ConfigFromEnv()
	if cfg.OpenRouterAPIKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY environment variable is required")
	}
	return cfg, nil
}

// ConfigFromEnv reads configuration from environment variables, applying defaults.
func ConfigFromEnv() *Config {
	dataDir := getEnv("DATA_DIR", "data")

	cfg := &Config{
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterAPIURL: getEnv("OPENROUTER_API_URL", DefaultOpenRouterAPIURL),
		TavilyAPIKey:     os.Getenv("TAVILY_API_KEY"),
		TavilyAPIURL:     getEnv("TAVILY_API_URL", DefaultTavilyURL),

		DataDir: dataDir,
		Port:    getEnv("PORT", "8001"),

		LogFile:  getEnv("LOG_FILE", filepath.Join(dataDir, "council.log")),
		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "INFO")),

		JobStore:    strings.ToLower(getEnv("JOB_STORE", "file")),
		JobDBPath:   getEnv("JOB_DB_PATH", filepath.Join(dataDir, "jobs.db")),
		PricingFile: os.Getenv("PRICING_FILE"),

		ModelTimeout:      getEnvSeconds("MODEL_TIMEOUT_SECONDS", DefaultModelTimeout),
		TitleTimeout:      getEnvSeconds("TITLE_TIMEOUT_SECONDS", DefaultTitleTimeout),
		MaxToolIterations: getEnvInt("MAX_TOOL_ITERATIONS", DefaultMaxToolIterations),

		WatchConfig:       getEnv("WATCH_CONFIG", "true") == "true",
		BackgroundWorkers: getEnvInt("BACKGROUND_WORKERS", 2),
	}

	// Comma separated, e.g. "https://a.example,https://b.example"
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		slog.Warn("ignoring invalid integer setting", "key", key, "value", val)
		return defaultVal
	}
	return n
}

func getEnvSeconds(key string, defaultVal time.Duration) time.Duration {
	n := getEnvInt(key, 0)
	if n == 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ToolSettings controls tool use during Stage 1.
type ToolSettings struct {
	Enabled       bool `json:"enabled"`
	MaxIterations int  `json:"max_iterations"`
}

// MemorySettings controls the memory and summary layers of a project.
type MemorySettings struct {
	Enabled            bool   `json:"enabled"`
	UtilityModel       string `json:"utility_model"`
	AutoExtract        bool   `json:"auto_extract"`
	MaxSummaries       int    `json:"max_summaries"`
	MaxHistoryMessages int    `json:"max_history_messages"`
}

// ProjectConfig is the council configuration of one project. A copy is taken
// at the start of every pipeline run.
type ProjectConfig struct {
	CouncilMembers []CouncilMember `json:"council_members"`
	Chairman       CouncilMember   `json:"chairman"`
	TitleModel     string          `json:"title_model"`
	Tools          ToolSettings    `json:"tools"`
	MemorySettings MemorySettings  `json:"memory_settings"`
}

// DefaultProjectConfig returns the configuration used when a project has none.
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		CouncilMembers: []CouncilMember{
			{ID: "gpt", Name: "GPT-5.1", Model: "openai/gpt-5.1"},
			{ID: "gemini", Name: "Gemini 3 Pro", Model: "google/gemini-3-pro-preview"},
			{ID: "claude", Name: "Claude Sonnet 4.5", Model: "anthropic/claude-sonnet-4.5"},
			{ID: "grok", Name: "Grok 4", Model: "x-ai/grok-4"},
		},
		Chairman:   CouncilMember{ID: "chairman", Name: "Chairman", Model: "google/gemini-3-pro-preview"},
		TitleModel: DefaultUtilityModel,
		Tools: ToolSettings{
			Enabled:       false,
			MaxIterations: DefaultMaxToolIterations,
		},
		MemorySettings: MemorySettings{
			Enabled:            true,
			UtilityModel:       DefaultUtilityModel,
			AutoExtract:        true,
			MaxSummaries:       15,
			MaxHistoryMessages: 10,
		},
	}
}

// Normalize fills zero values from the defaults and derives missing member ids.
func (p *ProjectConfig) Normalize() {
	def := DefaultProjectConfig()

	if len(p.CouncilMembers) == 0 {
		p.CouncilMembers = def.CouncilMembers
	}
	for i := range p.CouncilMembers {
		if p.CouncilMembers[i].ID == "" {
			p.CouncilMembers[i].ID = fmt.Sprintf("member-%d", i+1)
		}
	}
	if p.Chairman.Model == "" {
		p.Chairman = def.Chairman
	}
	if p.Chairman.ID == "" {
		p.Chairman.ID = "chairman"
	}
	if p.TitleModel == "" {
		p.TitleModel = def.TitleModel
	}
	if p.Tools.MaxIterations <= 0 {
		p.Tools.MaxIterations = def.Tools.MaxIterations
	}
	if p.MemorySettings.UtilityModel == "" {
		p.MemorySettings.UtilityModel = def.MemorySettings.UtilityModel
	}
	if p.MemorySettings.MaxSummaries <= 0 {
		p.MemorySettings.MaxSummaries = def.MemorySettings.MaxSummaries
	}
	if p.MemorySettings.MaxHistoryMessages <= 0 {
		p.MemorySettings.MaxHistoryMessages = def.MemorySettings.MaxHistoryMessages
	}
}

// Validate rejects configurations a pipeline run cannot use.
func (p ProjectConfig) Validate() error {
	seen := make(map[string]bool, len(p.CouncilMembers))
	for _, m := range p.CouncilMembers {
		if strings.TrimSpace(m.Model) == "" {
			return fmt.Errorf("council member %q has no model", m.ID)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate council member id %q", m.ID)
		}
		seen[m.ID] = true
	}
	if strings.TrimSpace(p.Chairman.Model) == "" {
		return fmt.Errorf("chairman has no model")
	}
	return nil
}

// Clone returns a deep copy so a pipeline run never shares slices with the cache.
func (p ProjectConfig) Clone() ProjectConfig {
	out := p
	out.CouncilMembers = append([]CouncilMember(nil), p.CouncilMembers...)
	return out
}
