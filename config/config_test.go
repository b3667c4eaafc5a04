package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnv(test *testing.T, contents string) string {
	path := filepath.Join(test.TempDir(), "minix.env")
	require.NoError(test, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestDefaults(test *testing.T) {
	cfg := Default()
	assert.Equal(test, NR_BUFFERS, cfg.Buffers)
	assert.Equal(test, NR_HASH, cfg.HashBuckets)
	assert.Equal(test, NR_INODE, cfg.Inodes)
	assert.Equal(test, NR_SUPER, cfg.Supers)
	assert.Equal(test, slog.LevelInfo, cfg.LogLevel)
	assert.NoError(test, cfg.Validate())
}

func TestLoadMissingFile(test *testing.T) {
	cfg, err := Load(filepath.Join(test.TempDir(), "nothing.env"))
	require.NoError(test, err)
	assert.Equal(test, Default(), cfg)
}

func TestLoadOverrides(test *testing.T) {
	path := writeEnv(test, "# pool sizes\n"+
		KeyBuffers+"=64\n"+
		KeyInodes+"=16\n"+
		KeyLevel+"=debug\n")

	cfg, err := Load(path)
	require.NoError(test, err)
	assert.Equal(test, 64, cfg.Buffers)
	assert.Equal(test, 16, cfg.Inodes)
	assert.Equal(test, NR_HASH, cfg.HashBuckets)
	assert.Equal(test, NR_SUPER, cfg.Supers)
	assert.Equal(test, slog.LevelDebug, cfg.LogLevel)
}

// Later files win over earlier ones.
func TestLoadOrder(test *testing.T) {
	first := writeEnv(test, KeySupers+"=2\n"+KeyHash+"=13\n")
	second := writeEnv(test, KeySupers+"=3\n")

	cfg, err := Load(first, second)
	require.NoError(test, err)
	assert.Equal(test, 13, cfg.HashBuckets)
	assert.Equal(test, 3, cfg.Supers)
}

func TestLoadInvalid(test *testing.T) {
	tests := []struct {
		name, contents string
	}{
		{"not a number", KeyBuffers + "=lots\n"},
		{"bad level", KeyLevel + "=chatty\n"},
		{"too few buffers", KeyBuffers + "=1\n"},
		{"no supers", KeySupers + "=0\n"},
	}
	for _, tt := range tests {
		test.Run(tt.name, func(test *testing.T) {
			_, err := Load(writeEnv(test, tt.contents))
			assert.Error(test, err)
		})
	}
}

type mapProvider map[string]string

func (p mapProvider) Read(filenames ...string) (map[string]string, error) {
	return p, nil
}

func TestValidate(test *testing.T) {
	cfg := Default()
	cfg.HashBuckets = 0
	assert.Error(test, cfg.Validate())

	cfg = Default()
	cfg.Inodes = 1
	assert.Error(test, cfg.Validate())

	path := writeEnv(test, "")
	cfg, err := load(mapProvider{KeyInodes: "2", KeyBuffers: ""}, path)
	require.NoError(test, err)
	assert.Equal(test, 2, cfg.Inodes)
	assert.Equal(test, NR_BUFFERS, cfg.Buffers)
}
