package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pario-ai/folio/pkg/models"
	"gopkg.in/yaml.v3"
)

// DefaultPrompt is the instruction sent with every page image unless the
// config overrides it.
const DefaultPrompt = `Extract all text from this document page image.
Preserve the reading order, paragraphs, headings and list structure.
Render tables as Markdown tables and mathematical notation as LaTeX.
Return only the extracted text without commentary.`

// Config holds all folio configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	DBPath   string         `yaml:"db_path"`
	LogLevel string         `yaml:"log_level"`
	OCR      OCRConfig      `yaml:"ocr"`
	Batch    BatchConfig    `yaml:"batch"`
	Provider ProviderConfig `yaml:"provider"`
	Cache    CacheConfig    `yaml:"cache"`
	Fallback FallbackConfig `yaml:"fallback"`
	Render   RenderConfig   `yaml:"render"`
	Budget   BudgetConfig   `yaml:"budget"`
}

// OCRConfig holds the request parameters that shape OCR output. Changing any
// of them yields new cache keys.
type OCRConfig struct {
	Model         string  `yaml:"model"`
	Prompt        string  `yaml:"prompt"`
	PromptFile    string  `yaml:"prompt_file"`
	PromptVersion string  `yaml:"prompt_version"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	DPI           int     `yaml:"dpi"`
	JPEGQuality   int     `yaml:"jpeg_quality"`
}

// BatchConfig controls fan-out and retries.
type BatchConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// ProviderConfig defines the upstream OCR provider. URL points at an
// OpenAI-compatible API root.
type ProviderConfig struct {
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxInFlight       int           `yaml:"max_in_flight"`
}

// CacheConfig controls the OCR result cache.
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	Retention     time.Duration `yaml:"retention"`
	IdleRetention time.Duration `yaml:"idle_retention"`
	PurgeSchedule string        `yaml:"purge_schedule"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig is used when Backend is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// FallbackConfig selects the local extractors.
type FallbackConfig struct {
	TextLayer bool          `yaml:"text_layer"`
	Tesseract bool          `yaml:"tesseract"`
	Languages []string      `yaml:"languages"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RenderConfig locates the poppler tools.
type RenderConfig struct {
	PdfinfoPath   string        `yaml:"pdfinfo_path"`
	PdftoppmPath  string        `yaml:"pdftoppm_path"`
	PdftotextPath string        `yaml:"pdftotext_path"`
	Timeout       time.Duration `yaml:"timeout"`
}

// BudgetConfig caps remote OCR spend. Policies are ignored unless Enabled.
type BudgetConfig struct {
	Enabled  bool                  `yaml:"enabled"`
	Policies []models.BudgetPolicy `yaml:"policies"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		DBPath:   "folio.db",
		LogLevel: "info",
		OCR: OCRConfig{
			Model:         "gemini-2.0-flash",
			Prompt:        DefaultPrompt,
			PromptVersion: "v1",
			Temperature:   0,
			MaxTokens:     8192,
			DPI:           150,
			JPEGQuality:   85,
		},
		Batch: BatchConfig{
			Concurrency: 5,
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Provider: ProviderConfig{
			URL:     "https://generativelanguage.googleapis.com/v1beta/openai",
			Timeout: 2 * time.Minute,
			Burst:   1,
		},
		Cache: CacheConfig{
			Backend:       "sqlite",
			Retention:     30 * 24 * time.Hour,
			PurgeSchedule: "0 3 * * *",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "folio:",
			},
		},
		Fallback: FallbackConfig{
			TextLayer: true,
			Languages: []string{"eng"},
			Timeout:   time.Minute,
		},
		Render: RenderConfig{
			PdfinfoPath:   "pdfinfo",
			PdftoppmPath:  "pdftoppm",
			PdftotextPath: "pdftotext",
			Timeout:       time.Minute,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.OCR.PromptFile != "" {
		prompt, err := os.ReadFile(cfg.OCR.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		cfg.OCR.Prompt = string(prompt)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and joins the problems it finds.
func (c *Config) Validate() error {
	var errs []error
	if c.Batch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("batch.concurrency must be >= 1, got %d", c.Batch.Concurrency))
	}
	if c.Batch.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("batch.max_attempts must be >= 1, got %d", c.Batch.MaxAttempts))
	}
	if c.Batch.BaseDelay <= 0 {
		errs = append(errs, errors.New("batch.base_delay must be positive"))
	}
	if c.Batch.MaxDelay < c.Batch.BaseDelay {
		errs = append(errs, errors.New("batch.max_delay must be >= batch.base_delay"))
	}
	if c.Cache.Retention <= 0 {
		errs = append(errs, errors.New("cache.retention must be positive"))
	}
	if c.Cache.IdleRetention < 0 || (c.Cache.IdleRetention > 0 && c.Cache.IdleRetention >= c.Cache.Retention) {
		errs = append(errs, fmt.Errorf("cache.idle_retention %s must be shorter than cache.retention %s (or 0 to disable)",
			c.Cache.IdleRetention, c.Cache.Retention))
	}
	switch c.Cache.Backend {
	case "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend))
	}
	if c.OCR.Model == "" {
		errs = append(errs, errors.New("ocr.model is required"))
	}
	if c.OCR.DPI <= 0 {
		errs = append(errs, errors.New("ocr.dpi must be positive"))
	}
	if c.OCR.JPEGQuality < 1 || c.OCR.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("ocr.jpeg_quality must be in 1..100, got %d", c.OCR.JPEGQuality))
	}
	if c.Budget.Enabled {
		for i, p := range c.Budget.Policies {
			if p.MaxTokens <= 0 {
				errs = append(errs, fmt.Errorf("budget.policies[%d].max_tokens must be positive", i))
			}
			switch p.Period {
			case models.BudgetDaily, models.BudgetMonthly:
			default:
				errs = append(errs, fmt.Errorf("budget.policies[%d].period %q must be daily or monthly", i, p.Period))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// IdleWindow is the idle retention; zero disables the idle sweep. Entries
// are stamped as hit when written, so only a window shorter than the
// retention can remove anything the age sweep has not.
func (c CacheConfig) IdleWindow() time.Duration {
	return max(c.IdleRetention, 0)
}

// Params converts the OCR section into request parameters.
func (c OCRConfig) Params() models.ExtractParams {
	return models.ExtractParams{
		Model:         c.Model,
		Prompt:        c.Prompt,
		PromptVersion: c.PromptVersion,
		Temperature:   c.Temperature,
		MaxTokens:     c.MaxTokens,
		DPI:           c.DPI,
		JPEGQuality:   c.JPEGQuality,
	}
}
