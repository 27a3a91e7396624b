package logging

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storagehub.log")
	require.NoError(t, Init(Config{Level: "debug", Format: "json", OutputPath: path}))
	t.Cleanup(func() { Replace(zap.NewNop()) })

	Debug("hello", Backend("oss"))
	require.NoError(t, Sync())
	assert.FileExists(t, path)
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, Init(Config{Level: "info", Format: "console"}))
	t.Cleanup(func() { Replace(zap.NewNop()) })

	assert.False(t, L().Core().Enabled(zapcore.DebugLevel))
	SetLevel("debug")
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))
	SetLevel("not-a-level")
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))
	SetLevel("info")
}

func TestContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := IntoContext(context.Background(), zap.New(core))
	ctx = WithOperationID(ctx, "op-1")

	WithContext(ctx).Info("switched", Backend("cos"), ConfigID("cfg-1"))

	assert.Equal(t, "op-1", OperationID(ctx))
	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "op-1", fields["operation_id"])
	assert.Equal(t, "cos", fields["backend"])
	assert.Equal(t, "cfg-1", fields["config_id"])
}

func TestWithContextFallsBackToGlobal(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Replace(zap.New(core))
	t.Cleanup(func() { Replace(zap.NewNop()) })

	WithContext(context.Background()).Info("global")
	Named("registry").Warn("named")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "registry", logs.All()[1].LoggerName)
	assert.Empty(t, OperationID(context.Background()))
}
