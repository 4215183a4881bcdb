package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ken/pokescan/pkg/refcache"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or empty the reference image cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print the number of cached reference images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(ctx context.Context, c *refcache.Cache) error {
				return cacheStats(ctx, c, cmd.OutOrStdout())
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Drop every cached reference image",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(ctx context.Context, c *refcache.Cache) error {
				return cachePurge(ctx, c, cmd.OutOrStdout())
			})
		},
	})
	return cmd
}

// withCache opens the configured cache for the duration of fn
func withCache(cmd *cobra.Command, fn func(context.Context, *refcache.Cache) error) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Sources.CachePath == "" {
		return errors.New("no reference cache configured (sources.cache_path is empty)")
	}

	c, err := refcache.Open(cfg.Sources.CachePath, cfg.Sources.CacheTTL)
	if err != nil {
		return fmt.Errorf("failed to open reference cache: %w", err)
	}
	defer c.Close()
	return fn(cmd.Context(), c)
}

func cacheStats(ctx context.Context, c *refcache.Cache, w io.Writer) error {
	n, err := c.Len(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d cached reference images\n", n)
	return nil
}

func cachePurge(ctx context.Context, c *refcache.Cache, w io.Writer) error {
	n, err := c.Len(ctx)
	if err != nil {
		return err
	}
	if err := c.Purge(ctx); err != nil {
		return err
	}
	fmt.Fprintf(w, "Purged %d cached reference images\n", n)
	return nil
}
