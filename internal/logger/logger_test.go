package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Console(t *testing.T) {
	l, err := New(false, true)
	require.NoError(t, err)
	assert.NotNil(t, l)
	assert.True(t, l.Desugar().Core().Enabled(-1))
}

func TestNew_JSON(t *testing.T) {
	l, err := New(true, false)
	require.NoError(t, err)
	assert.False(t, l.Desugar().Core().Enabled(-1))
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { Nop().Infow("ignored", FieldSource, "x") })
}
