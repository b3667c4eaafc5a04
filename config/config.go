// Package config holds the pool sizes of the caches. Values come from
// dotenv style files, falling back to the classic kernel sizes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
)

const (
	KeyBuffers = "MINIX_NR_BUFFERS"
	KeyHash    = "MINIX_NR_HASH"
	KeyInodes  = "MINIX_NR_INODE"
	KeySupers  = "MINIX_NR_SUPER"
	KeyLevel   = "MINIX_LOG_LEVEL"
)

// Defaults, sized like a machine with a 1MB buffer cache.
const (
	NR_BUFFERS = 1024 * 1024 / 1024
	NR_HASH    = 307
	NR_INODE   = 32
	NR_SUPER   = 8
)

type genericConfigProvider interface {
	Read(filenames ...string) (envMap map[string]string, err error)
}

type Config struct {
	Buffers     int // block cache slots
	HashBuckets int // block cache hash chains
	Inodes      int // inode table slots
	Supers      int // mount table slots
	LogLevel    slog.Level
}

func Default() *Config {
	return &Config{
		Buffers:     NR_BUFFERS,
		HashBuckets: NR_HASH,
		Inodes:      NR_INODE,
		Supers:      NR_SUPER,
		LogLevel:    slog.LevelInfo,
	}
}

// Load reads the given files over the defaults. Files that do not exist
// are skipped.
func Load(filenames ...string) (*Config, error) {
	return load(&GodotenvProvider{}, filenames...)
}

func load(provider genericConfigProvider, filenames ...string) (*Config, error) {
	cfg := Default()

	var present []string
	for _, name := range filenames {
		if _, err := os.Stat(name); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		present = append(present, name)
	}
	if len(present) == 0 {
		return cfg, nil
	}

	envMap, err := provider.Read(present...)
	if err != nil {
		return nil, fmt.Errorf("(config) %w", err)
	}
	if err := cfg.apply(envMap); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (cfg *Config) apply(envMap map[string]string) error {
	ints := []struct {
		key string
		dst *int
	}{
		{KeyBuffers, &cfg.Buffers},
		{KeyHash, &cfg.HashBuckets},
		{KeyInodes, &cfg.Inodes},
		{KeySupers, &cfg.Supers},
	}
	for _, kv := range ints {
		value, ok := envMap[kv.key]
		if !ok || value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("(config) %s: %w", kv.key, err)
		}
		*kv.dst = n
	}

	if value, ok := envMap[KeyLevel]; ok && value != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(value)); err != nil {
			return fmt.Errorf("(config) %s: %w", KeyLevel, err)
		}
	}
	return nil
}

// Validate rejects pools too small to work with.
func (cfg *Config) Validate() error {
	switch {
	case cfg.Buffers < 2:
		return fmt.Errorf("(config) %s must be at least 2, got %d", KeyBuffers, cfg.Buffers)
	case cfg.HashBuckets < 1:
		return fmt.Errorf("(config) %s must be at least 1, got %d", KeyHash, cfg.HashBuckets)
	case cfg.Inodes < 2:
		return fmt.Errorf("(config) %s must be at least 2, got %d", KeyInodes, cfg.Inodes)
	case cfg.Supers < 1:
		return fmt.Errorf("(config) %s must be at least 1, got %d", KeySupers, cfg.Supers)
	}
	return nil
}
