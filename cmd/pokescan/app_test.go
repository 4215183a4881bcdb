package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ken/pokescan/internal/config"
)

func TestModelFactory(t *testing.T) {
	model, err := modelFactory(config.ModelConfig{Kind: "handcrafted"})(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "handcrafted-v1", model.Name())

	_, err = modelFactory(config.ModelConfig{Kind: "onnx"})(context.Background())
	assert.Error(t, err)

	// The http model checks its endpoint on load
	_, err = modelFactory(config.ModelConfig{Kind: "http"})(context.Background())
	assert.Error(t, err)
}

func TestNewAppWithoutCamera(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Sources.CachePath = filepath.Join(dir, "refs.db")
	cfg.Storage.SpoolDir = filepath.Join(dir, "spool")
	cfg.Index.LastID = 3

	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), false)
	require.NoError(t, err)

	require.NoError(t, a.scanner.Init(context.Background()))
	snap := a.scanner.Snapshot()
	assert.True(t, snap.Ready)
	assert.False(t, snap.CameraReady)
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 15, snap.K)

	require.NoError(t, a.Close())
	assert.FileExists(t, cfg.Sources.CachePath)
}
