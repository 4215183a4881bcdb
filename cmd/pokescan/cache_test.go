package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ken/pokescan/pkg/refcache"
)

func TestCacheStatsAndPurge(t *testing.T) {
	ctx := context.Background()
	c, err := refcache.Open(filepath.Join(t.TempDir(), "refs.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Put(ctx, "https://example.test/1.png", []byte("one")))
	require.NoError(t, c.Put(ctx, "https://example.test/2.png", []byte("two")))

	var out bytes.Buffer
	require.NoError(t, cacheStats(ctx, c, &out))
	assert.Equal(t, "2 cached reference images\n", out.String())

	out.Reset()
	require.NoError(t, cachePurge(ctx, c, &out))
	assert.Equal(t, "Purged 2 cached reference images\n", out.String())

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCacheCommandNeedsPath(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("POKESCAN_CACHE_PATH", "")

	cmd := cacheCmd()
	cmd.PersistentFlags().String("config", cfgPath, "")
	cmd.PersistentFlags().String("log-level", "", "")
	cmd.SetArgs([]string{"stats"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reference cache configured")
}
