package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***@b.com", MaskEmail("alice@b.com"))
	assert.Equal(t, "x***@example.org", MaskEmail("x@example.org"))
	assert.Equal(t, "****", MaskEmail("no-at-sign"))
	assert.Equal(t, "****", MaskEmail("@leading.com"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestNew(t *testing.T) {
	for _, env := range []string{"production", "development"} {
		logger, err := New(env, "debug", "json")
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zapcore.DebugLevel), env)
	}
}
