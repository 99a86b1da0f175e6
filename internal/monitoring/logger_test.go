package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	assert.True(t, called, "custom logger was not called")

	called = false
	SetLogger(nil)
	Logf("test message")
	assert.False(t, called, "no-op logger should not have triggered callback")
}

func TestLogf_Default(t *testing.T) {
	require.NotNil(t, Logf)
	assert.NotPanics(t, func() { Logf("test %d", 1) })
}

func TestUse_RoutesLogf(t *testing.T) {
	originalLogf, originalBase := Logf, L()
	defer func() {
		Logf = originalLogf
		base.Store(originalBase)
	}()

	core, logs := observer.New(zap.InfoLevel)
	Use(zap.New(core))

	Logf("tick overrun: %d", 3)
	L().Warn("estop", zap.String("reason", "timeout"))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "tick overrun: 3", entries[0].Message)
	assert.Equal(t, "estop", entries[1].Message)
	assert.Equal(t, "timeout", entries[1].ContextMap()["reason"])
}

func TestInit(t *testing.T) {
	originalLogf, originalBase := Logf, L()
	defer func() {
		Logf = originalLogf
		base.Store(originalBase)
	}()

	require.NoError(t, Init(true, ""))
	require.NoError(t, Init(false, "warn"))
	assert.False(t, L().Core().Enabled(zap.InfoLevel))
	assert.Error(t, Init(false, "loud"))
}
