package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"off":     zerolog.Disabled,
		"trace":   zerolog.TraceLevel,
		"warning": zerolog.WarnLevel,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}

	_, ok := ParseLevel("loud")
	assert.False(t, ok)
}

func TestEnvOverridesLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogNoColor, "true")

	opts := defaultOptions(ProfileRuntime)
	applyEnvOverrides(&opts)
	assert.Equal(t, zerolog.DebugLevel, opts.Level)
	assert.True(t, opts.NoColor)
}

func TestBuildWritesComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := Build(Options{Level: zerolog.InfoLevel, NoColor: true, Output: &buf}, "hearthsync")
	component := Component(logger, "signaling")
	component.Info().Msg("listening")

	out := buf.String()
	assert.Contains(t, out, "listening")
	assert.Contains(t, out, "component=signaling")
	assert.Contains(t, out, "app=hearthsync")
}
