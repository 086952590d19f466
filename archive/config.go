package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config controls how a Cache persists its files. Logger and Counters are
// runtime only and never read from disk.
type Config struct {
	// stamped into every directory file header
	BuildVersion string `yaml:"build_version"`
	BuildDate    string `yaml:"build_date"`

	// store payloads as lz4 frames
	CompressPayloads bool `yaml:"compress_payloads"`

	// take an exclusive flock on <data>.lock around flush and compaction
	CrossProcessLock bool `yaml:"cross_process_lock"`

	// keep the <data>.strings sidecar with attached names
	DebugStrings bool `yaml:"debug_strings"`

	Logger   *slog.Logger `yaml:"-"`
	Counters *Counters    `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		BuildVersion: "dev",
		DebugStrings: true,
	}
}

// LoadConfig overlays the yaml file at path on DefaultConfig. A missing
// file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("unable to read config: %w", err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse config %s: %w", path, err)
	}

	return cfg, nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
