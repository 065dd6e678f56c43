package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/congdinh/vivuchat/internal/handlers"
	"github.com/congdinh/vivuchat/internal/services"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port      string          `yaml:"port"`
	DBPath    string          `yaml:"dbPath"`
	LogLevel  string          `yaml:"logLevel"`
	Ollama    ollamaConfig    `yaml:"ollama"`
	Auth      authConfig      `yaml:"auth"`
	RateLimit rateLimitConfig `yaml:"rateLimit"`
}

type ollamaConfig struct {
	Host         string `yaml:"host"`
	DefaultModel string `yaml:"defaultModel"`

	services.LLMParameters `yaml:",inline"`
}

type authConfig struct {
	AccessTTL  time.Duration `yaml:"accessTTL"`
	RefreshTTL time.Duration `yaml:"refreshTTL"`
}

type rateLimitConfig struct {
	PerSecond float64 `yaml:"perSecond"`
	Burst     int     `yaml:"burst"`
}

func defaultConfig(cfgDir string) config {
	return config{
		Port:     "8080",
		DBPath:   filepath.Join(cfgDir, "store.db"),
		LogLevel: "info",
		Ollama: ollamaConfig{
			Host: "http://localhost:11434",
		},
		Auth: authConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		RateLimit: rateLimitConfig{
			PerSecond: 1,
			Burst:     5,
		},
	}
}

// loadConfig reads path on top of the defaults. A missing file is not an error. Environment variables
// win over the file.
func loadConfig(path, cfgDir string) (config, error) {
	cfg := defaultConfig(cfgDir)

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return config{}, err
	}
	return cfg, cfg.validate()
}

func (c *config) applyEnv() error {
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.Ollama.Host = host
	}
	if model := os.Getenv("OLLAMA_MODEL"); model != "" {
		c.Ollama.DefaultModel = model
	}
	if port := os.Getenv("VIVUCHAT_PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid VIVUCHAT_PORT %q: %w", port, err)
		}
		c.Port = port
	}
	if level := os.Getenv("VIVUCHAT_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	return nil
}

func (c config) validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.DBPath == "" {
		return errors.New("dbPath is required")
	}
	if c.Ollama.Host == "" {
		return errors.New("ollama host is required")
	}
	if c.RateLimit.PerSecond < 0 {
		return errors.New("rateLimit perSecond must not be negative")
	}
	return nil
}

func (c config) handlers() handlers.Config {
	return handlers.Config{
		AccessTTL:        c.Auth.AccessTTL,
		RefreshTTL:       c.Auth.RefreshTTL,
		DefaultModel:     c.Ollama.DefaultModel,
		StreamsPerSecond: c.RateLimit.PerSecond,
		StreamBurst:      c.RateLimit.Burst,
	}
}
