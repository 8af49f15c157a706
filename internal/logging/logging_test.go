package logging

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestWithCorrelationIDGeneratesWhenBlank(t *testing.T) {
	ctx, id := WithCorrelationID(context.Background(), "")
	assert.NotEmpty(t, id)
	assert.Equal(t, id, CorrelationIDFrom(ctx))
}

func TestWithCorrelationIDPassesThrough(t *testing.T) {
	ctx, id := WithCorrelationID(context.Background(), "  chain-7  ")
	assert.Equal(t, "chain-7", id)
	assert.Equal(t, "chain-7", CorrelationIDFrom(ctx))
}

func TestCorrelationIDFromAbsent(t *testing.T) {
	assert.Empty(t, CorrelationIDFrom(context.Background()))
	assert.Empty(t, CorrelationIDFrom(nil))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"info":     zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		"TRACE":    zerolog.TraceLevel,
		"warn":     zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"fatal":    zerolog.FatalLevel,
		"nonsense": zerolog.InfoLevel,
	}
	for input, want := range cases {
		assert.Equal(t, want, parseLevel(input), input)
	}
}

func TestSetGlobalLevel(t *testing.T) {
	previous := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(previous)

	SetGlobalLevel("debug")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	SetGlobalLevel("warn")
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}