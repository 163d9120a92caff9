package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		in   string
		want zap.AtomicLevel
	}{
		{"debug", zap.NewAtomicLevelAt(zap.DebugLevel)},
		{"warn", zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"bogus", zap.NewAtomicLevelAt(zap.InfoLevel)},
		{"", zap.NewAtomicLevelAt(zap.InfoLevel)},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			l, err := New(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want.Level() == zap.DebugLevel, l.Core().Enabled(zap.DebugLevel))
			assert.True(t, l.Core().Enabled(tc.want.Level()))
		})
	}
}

func TestMustNew_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() { _ = MustNew("error") })
}
