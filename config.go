package doccache

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	responsetransformer "github.com/always-cache/doccache/pkg/response-transformer"
)

// FileConfig is the YAML configuration of a cache and its HTTP transport.
type FileConfig struct {
	// Eviction ceiling in bytes.
	Capacity int64 `yaml:"capacity"`
	// Single-entry cacheability cutoff in bytes.
	MaxCacheable int64 `yaml:"maxCacheable"`
	// Concurrently active transport jobs.
	MaxActive int `yaml:"maxActive"`
	// Expiry write-through interval, e.g. "5s".
	SyncInterval time.Duration `yaml:"syncInterval"`
	// Disk cache of the transport. Empty or "memory" for an in-memory db.
	DiskCache string `yaml:"diskCache"`
	// Defaults for new documents.
	Document DocumentFileConfig `yaml:"document"`
	HTTP     HTTPFileConfig     `yaml:"http"`
	// Cache-Control rules applied to responses before expiry is derived.
	Rules responsetransformer.Rules `yaml:"rules"`
}

type DocumentFileConfig struct {
	Policy    string `yaml:"policy"`
	Autoload  *bool  `yaml:"autoload"`
	Animation string `yaml:"animation"`
	OnlyLocal bool   `yaml:"onlyLocal"`
}

type HTTPFileConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	RetryMax     int           `yaml:"retryMax"`
	RetryWaitMin time.Duration `yaml:"retryWaitMin"`
	RetryWaitMax time.Duration `yaml:"retryWaitMax"`
	UserAgent    string        `yaml:"userAgent"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err = yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("parsing %s: %w", filename, err)
	}
	return config, nil
}

// DocumentConfig converts the document defaults for a document at url.
func (f DocumentFileConfig) DocumentConfig(url string) (DocumentConfig, error) {
	config := DocumentConfig{
		URL:       url,
		OnlyLocal: f.OnlyLocal,
	}
	if f.Autoload != nil {
		config.DisableAutoload = !*f.Autoload
	}
	if f.Policy != "" {
		p, err := ParsePolicy(f.Policy)
		if err != nil {
			return config, err
		}
		config.Policy = p
	}
	if f.Animation != "" {
		a, err := ParseAnimationPolicy(f.Animation)
		if err != nil {
			return config, err
		}
		config.Animation = a
	}
	return config, nil
}

// Config returns the cache part of the file configuration.
func (f FileConfig) Config() Config {
	return Config{
		Capacity:     f.Capacity,
		MaxCacheable: f.MaxCacheable,
		MaxActive:    f.MaxActive,
	}
}
