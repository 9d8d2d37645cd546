package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/songzhibin97/approval-workflow/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LogConfig
		enabled   zapcore.Level
		disabled  zapcore.Level
		wantError bool
	}{
		{"info json", config.LogConfig{Level: "info", Encoding: "json"}, zapcore.InfoLevel, zapcore.DebugLevel, false},
		{"debug console", config.LogConfig{Level: "debug", Encoding: "console"}, zapcore.DebugLevel, zapcore.DebugLevel - 1, false},
		{"warn", config.LogConfig{Level: "warn"}, zapcore.WarnLevel, zapcore.InfoLevel, false},
		{"unknown level falls back to info", config.LogConfig{Level: "loud"}, zapcore.InfoLevel, zapcore.DebugLevel, false},
		{"unknown encoding", config.LogConfig{Level: "info", Encoding: "xml"}, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { _ = logger.Sync() }()

			assert.True(t, logger.Core().Enabled(tt.enabled))
			assert.False(t, logger.Core().Enabled(tt.disabled))
		})
	}
}
