// SPDX-License-Identifier: MIT

// Package config holds the aoid service configuration and its loading
// rules. Precedence: command-line flags > AOI_* environment variables >
// optional YAML file > built-in defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the effective service configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Root is the service-local shared filesystem root holding
	// sessions/ and products/.
	Root string `yaml:"root"`

	// DevicePrefix/LocalPrefix configure the path translator.
	DevicePrefix string `yaml:"devicePrefix"`
	LocalPrefix  string `yaml:"localPrefix"`

	LinkerURL string `yaml:"linkerURL"`

	WorkerCount       int  `yaml:"workerCount"`
	SessionTTLSeconds int  `yaml:"sessionTTLSeconds"`
	InspectTimeoutSec int  `yaml:"inspectTimeoutSeconds"`
	AutoPromoteGolden bool `yaml:"autoPromoteGolden"`

	// ModelPath points at the mobilenet .onnx used for similarity.
	ModelPath string `yaml:"modelPath"`

	// OCRLanguages is the tesseract language list, e.g. "eng".
	OCRLanguages string `yaml:"ocrLanguages"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the built-in defaults.
func Default() Config {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	return Config{
		Host:              "0.0.0.0",
		Port:              8420,
		Root:              "/srv/aoi",
		WorkerCount:       workers,
		SessionTTLSeconds: 3600,
		InspectTimeoutSec: 60,
		AutoPromoteGolden: true,
		OCRLanguages:      "eng",
		LogLevel:          "info",
	}
}

// LoadFile merges the YAML file at path into c. A missing file is only
// an error when the path was set explicitly.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays AOI_* environment variables onto c.
func (c *Config) ApplyEnv() {
	c.Host = ParseString("AOI_HOST", c.Host)
	c.Port = ParseInt("AOI_PORT", c.Port)
	c.Root = ParseString("AOI_ROOT", c.Root)
	c.DevicePrefix = ParseString("AOI_DEVICE_PREFIX", c.DevicePrefix)
	c.LocalPrefix = ParseString("AOI_LOCAL_PREFIX", c.LocalPrefix)
	c.LinkerURL = ParseString("AOI_LINKER_URL", c.LinkerURL)
	c.WorkerCount = ParseInt("AOI_WORKER_COUNT", c.WorkerCount)
	c.SessionTTLSeconds = ParseInt("AOI_SESSION_TTL_SECONDS", c.SessionTTLSeconds)
	c.InspectTimeoutSec = ParseInt("AOI_INSPECT_TIMEOUT_SECONDS", c.InspectTimeoutSec)
	c.AutoPromoteGolden = ParseBool("AOI_AUTO_PROMOTE_GOLDEN", c.AutoPromoteGolden)
	c.ModelPath = ParseString("AOI_MODEL_PATH", c.ModelPath)
	c.OCRLanguages = ParseString("AOI_OCR_LANGUAGES", c.OCRLanguages)
	c.LogLevel = ParseString("AOI_LOG_LEVEL", c.LogLevel)
}

// Validate checks invariants the daemon cannot start without.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.Root == "" {
		return fmt.Errorf("root must not be empty")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be >= 1, got %d", c.WorkerCount)
	}
	if c.SessionTTLSeconds < 1 {
		return fmt.Errorf("session TTL must be positive, got %d", c.SessionTTLSeconds)
	}
	if c.InspectTimeoutSec < 1 {
		return fmt.Errorf("inspect timeout must be positive, got %d", c.InspectTimeoutSec)
	}
	if c.LinkerURL != "" {
		u, err := url.Parse(c.LinkerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid linker URL: %q", c.LinkerURL)
		}
	}
	return nil
}

// EnsureRoot creates the root layout if missing.
func (c *Config) EnsureRoot() error {
	for _, dir := range []string{c.SessionsDir(), c.ProductsDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// SessionsDir is the session workspace root.
func (c *Config) SessionsDir() string { return filepath.Join(c.Root, "sessions") }

// ProductsDir is the per-product configuration root.
func (c *Config) ProductsDir() string { return filepath.Join(c.Root, "products") }

// SessionTTL returns the TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// InspectTimeout returns the soft inspect deadline as a duration.
func (c *Config) InspectTimeout() time.Duration {
	return time.Duration(c.InspectTimeoutSec) * time.Second
}
