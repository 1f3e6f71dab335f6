// Package config loads the harvester configuration.
//
// Values come from three layers, later ones winning: built-in defaults, a
// YAML file and the process environment. An optional dotenv file is loaded
// into the environment first; variables already set are never replaced by it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/edinet-harvest/internal/fetcher"
)

// Default file locations.
const (
	DefaultPath    = "configs/default.yaml"
	DefaultEnvFile = "config/settings.env"
)

// EnvPrefix is accepted in front of every recognised variable name.
const EnvPrefix = "EDINET_"

// Config is the full harvester configuration.
type Config struct {
	API struct {
		Key        string        `yaml:"key"`
		BaseURL    string        `yaml:"base_url"`
		Timeout    time.Duration `yaml:"timeout"`
		RateLimit  float64       `yaml:"rate_limit"`
		MaxRetries int           `yaml:"max_retries"`
		RetryDelay time.Duration `yaml:"retry_delay"`
	} `yaml:"api"`

	Run struct {
		StartDate      string   `yaml:"start_date"`
		EndDate        string   `yaml:"end_date"`
		DocTypes       []string `yaml:"doc_types"`
		CompaniesToGet int      `yaml:"companies_to_get"`
	} `yaml:"run"`

	Reference struct {
		File     string `yaml:"file"`
		Encoding string `yaml:"encoding"`
	} `yaml:"reference"`

	Output struct {
		Dir             string `yaml:"dir"`
		File            string `yaml:"file"`
		PruneUnselected bool   `yaml:"prune_unselected"`
	} `yaml:"output"`

	Parse struct {
		Workers int `yaml:"workers"`
	} `yaml:"parse"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.API.BaseURL = "https://api.edinet-fsa.go.jp/api/v2"
	cfg.API.Timeout = 60 * time.Second
	cfg.API.RateLimit = 3
	cfg.API.MaxRetries = 3
	cfg.API.RetryDelay = time.Second
	cfg.Run.DocTypes = []string{"120", "130"}
	cfg.Reference.File = "data/EdinetcodeDlInfo.csv"
	cfg.Reference.Encoding = "cp932"
	cfg.Output.Dir = "output"
	cfg.Output.File = "japan_company_data.csv"
	cfg.Parse.Workers = 4
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Metrics.Port = 9090
	return cfg
}

// Load builds the configuration from path and envFile. A missing file at
// DefaultPath or a missing envFile is not an error.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// lookupEnv returns the prefixed variable if set, else the bare one.
func lookupEnv(name string) (string, bool) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		return v, true
	}
	return os.LookupEnv(name)
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"API_KEY":        &cfg.API.Key,
		"BASE_URL":       &cfg.API.BaseURL,
		"CSV_FILE":       &cfg.Reference.File,
		"OUTPUT_DIR":     &cfg.Output.Dir,
		"START_DATE_STR": &cfg.Run.StartDate,
		"END_DATE_STR":   &cfg.Run.EndDate,
	}
	for name, dst := range strs {
		if v, ok := lookupEnv(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"MAX_RETRIES":      &cfg.API.MaxRetries,
		"COMPANIES_TO_GET": &cfg.Run.CompaniesToGet,
	}
	for name, dst := range ints {
		if v, ok := lookupEnv(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			*dst = n
		}
	}

	if v, ok := lookupEnv("REQUEST_RATE_LIMIT"); ok {
		r, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("config: REQUEST_RATE_LIMIT: %w", err)
		}
		cfg.API.RateLimit = r
	}

	if v, ok := lookupEnv("RETRY_DELAY"); ok {
		d, err := ParseDelay(v)
		if err != nil {
			return fmt.Errorf("config: RETRY_DELAY: %w", err)
		}
		cfg.API.RetryDelay = d
	}

	if v, ok := lookupEnv("TARGET_DOC_TYPES"); ok {
		docTypes, err := ParseList(v)
		if err != nil {
			return fmt.Errorf("config: TARGET_DOC_TYPES: %w", err)
		}
		cfg.Run.DocTypes = docTypes
	}
	return nil
}

// ParseDelay accepts either float seconds ("1.5") or a Go duration ("1500ms").
func ParseDelay(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

// ParseList accepts a JSON string list or a comma separated list.
func ParseList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}

// Validate checks everything a harvest run needs.
func (c *Config) Validate() error {
	var errs []error
	if c.API.Key == "" {
		errs = append(errs, errors.New("api key is required"))
	}
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("base url is required"))
	}
	if c.API.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("rate limit must be positive, got %v", c.API.RateLimit))
	}
	if c.API.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.API.MaxRetries))
	}
	if c.API.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry delay must not be negative, got %s", c.API.RetryDelay))
	}
	if c.Run.CompaniesToGet < 0 {
		errs = append(errs, fmt.Errorf("companies_to_get must not be negative, got %d", c.Run.CompaniesToGet))
	}
	if len(c.Run.DocTypes) == 0 {
		errs = append(errs, errors.New("at least one document type is required"))
	}
	if _, _, err := fetcher.ParseRange(c.Run.StartDate, c.Run.EndDate); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TablePath is where the final table is written. A relative Output.File is
// placed inside Output.Dir.
func (c *Config) TablePath() string {
	if filepath.IsAbs(c.Output.File) {
		return c.Output.File
	}
	return filepath.Join(c.Output.Dir, c.Output.File)
}

// MaskKey hides all but the last four characters of an API key.
func MaskKey(key string) string {
	if key == "" {
		return "(unset)"
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
