package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.TraceLevel, ParseLevel("TRACE"))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" debug "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.Disabled, ParseLevel("off"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("nonsense"))
}

func TestNewUsesLevelAndPrefix(t *testing.T) {
	var buf bytes.Buffer
	Init("info", &buf)

	l := New("cli")
	l.Debug().Msg("hidden")
	l.Info().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF")
	assert.Contains(t, out, "cli")
	assert.Contains(t, out, "shown")
	assert.False(t, strings.HasPrefix(out, "{"), "console output, not JSON: %q", out)
}
