package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level       string
		development bool
		want        zapcore.Level
	}{
		{"debug", false, zapcore.DebugLevel},
		{"warn", false, zapcore.WarnLevel},
		{"error", true, zapcore.ErrorLevel},
		{"", false, zapcore.InfoLevel},
		{"", true, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		logger, err := New(tt.level, tt.development)
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(tt.want), "level %q dev=%v", tt.level, tt.development)
		if tt.want > zapcore.DebugLevel {
			assert.False(t, logger.Core().Enabled(tt.want-1))
		}
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("loud", false)
	assert.Error(t, err)
}
