package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetup(test *testing.T) {
	old := slog.Default()
	defer slog.SetDefault(old)

	var out bytes.Buffer
	Setup(&out, slog.LevelWarn)

	slog.Info("not shown")
	slog.Warn("mounted disk changed", "dev", "02:00")
	assert.NotContains(test, out.String(), "not shown")
	assert.Contains(test, out.String(), "mounted disk changed")
	assert.Contains(test, out.String(), "02:00")
}
