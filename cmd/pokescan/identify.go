package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/ken/pokescan/internal/config"
	"github.com/ken/pokescan/pkg/raster"
	"github.com/ken/pokescan/pkg/server"
)

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().Int("first", 0, "First label to build (default from config)")
	cmd.Flags().Int("last", 0, "Last label to build (default from config)")
}

func applyRangeFlags(cmd *cobra.Command, cfg *config.Config) error {
	if first, _ := cmd.Flags().GetInt("first"); first > 0 {
		cfg.Index.FirstID = first
	}
	if last, _ := cmd.Flags().GetInt("last"); last > 0 {
		cfg.Index.LastID = last
	}
	return cfg.Validate()
}

// buildIndex wires a camera-less session, loads the model and builds the index
func buildIndex(cmd *cobra.Command) (*app, context.Context, context.CancelFunc, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := applyRangeFlags(cmd, cfg); err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	a, err := newApp(cfg, logger, false)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	if err := a.scanner.Init(ctx); err != nil {
		a.Close()
		stop()
		return nil, nil, nil, err
	}
	return a, ctx, stop, nil
}

func buildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the index once and print the build report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, stop, err := buildIndex(cmd)
			if err != nil {
				return err
			}
			defer stop()
			defer a.Close()

			report, err := a.scanner.Build(ctx, false)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	addRangeFlags(cmd)
	return cmd
}

func identifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identify <image>",
		Short: "Build the index and identify an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			img, _, err := raster.DecodeAny(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			a, ctx, stop, err := buildIndex(cmd)
			if err != nil {
				return err
			}
			defer stop()
			defer a.Close()

			if _, err := a.scanner.Build(ctx, false); err != nil {
				return err
			}
			decision, err := a.scanner.Identify(ctx, img)
			if err != nil {
				return err
			}

			return printJSON(server.NewScanResponse(decision))
		},
	}
	addRangeFlags(cmd)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
