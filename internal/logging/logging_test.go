package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		log, err := New("warn", format)
		require.NoError(t, err, format)
		assert.False(t, log.Desugar().Core().Enabled(zapcore.InfoLevel), format)
		assert.True(t, log.Desugar().Core().Enabled(zapcore.ErrorLevel), format)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", "json")
	assert.Error(t, err)
}
