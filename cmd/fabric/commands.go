// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFabric/pkg/logging"
	"github.com/AleutianAI/AleutianFabric/services/fabric/config"
	"github.com/AleutianAI/AleutianFabric/services/fabric/corpus"
	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
	"github.com/AleutianAI/AleutianFabric/services/fabric/graphindex"
	"github.com/AleutianAI/AleutianFabric/services/fabric/telemetry"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
	jsonLogs   bool
	trace      string
	metricsOut string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "fabric",
		Short: "Load annotated corpus features and build their graph indices",
		Long: `fabric reads a directory of .tf feature files, caches them in a
compiled binary form and computes the structural indices (levels, canonical
order, rank, embedding, boundary and sections) on top of otype and oslots.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "path to a YAML or JSON config file")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&g.jsonLogs, "json", false, "write JSON logs (default when stderr is not a terminal)")
	pf.StringVar(&g.trace, "trace", "", "telemetry exporter: none, stdout, otlp, prometheus")
	pf.StringVar(&g.metricsOut, "metrics-out", "", "write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(
		newLoadCmd(g),
		newPrepareCmd(g),
		newExportCmd(g),
		newLevelsCmd(g),
	)
	return rootCmd
}

func newLoadCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "load DIR [FEATURE...]",
		Short: "Load features, every feature when none are named",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, args[0], func(ctx context.Context, c *corpus.Corpus) error {
				names := args[1:]
				if len(names) == 0 {
					names = c.Names()
				}
				loadErr := c.Load(ctx, names...)

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "FEATURE\tACTION\tSHAPE")
				for _, name := range names {
					s, ok := c.Registry().Get(name)
					if !ok {
						continue
					}
					shape := "-"
					if d := s.Data(); d != nil {
						shape = d.Shape().String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", name, s.LastWork(), shape)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				return loadErr
			})
		},
	}
}

func newPrepareCmd(g *globalFlags) *cobra.Command {
	var rebuild, watch bool
	cmd := &cobra.Command{
		Use:   "prepare DIR",
		Short: "Build and cache every index feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, args[0], func(ctx context.Context, c *corpus.Corpus) error {
				var err error
				if rebuild {
					err = c.Rebuild(ctx)
				} else {
					err = c.Prepare(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d indices ready in %s\n", len(c.Indices()), c.Cache().Dir())
				if !watch {
					return nil
				}
				return watchAndPrepare(ctx, cmd.OutOrStdout(), c)
			})
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "remove cached indices before building")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and rebuild indices when feature files change")
	return cmd
}

// watchAndPrepare rebuilds invalidated indices until ctx is canceled.
func watchAndPrepare(ctx context.Context, out io.Writer, c *corpus.Corpus) error {
	invalidated := make(chan []string, 1)
	w, err := c.Watch(&corpus.WatcherOptions{
		OnInvalidate: func(unloaded []string) {
			select {
			case invalidated <- unloaded:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case names := <-invalidated:
			if err := c.Prepare(ctx); err != nil {
				fmt.Fprintf(out, "rebuild after %v failed: %v\n", names, err)
				continue
			}
			fmt.Fprintf(out, "rebuilt after change to %v\n", names)
		}
	}
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var ranges bool
	cmd := &cobra.Command{
		Use:   "export DIR FEATURE OUTDIR",
		Short: "Write a loaded feature back to text",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, args[0], func(ctx context.Context, c *corpus.Corpus) error {
				path, err := c.Export(ctx, args[1], args[2], ranges)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&ranges, "ranges", false, "coalesce equal-valued nodes into range records")
	return cmd
}

func newLevelsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "levels DIR",
		Short: "Print the node type levels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, args[0], func(ctx context.Context, c *corpus.Corpus) error {
				data, err := c.Feature(ctx, graphindex.LevelsName)
				if err != nil {
					return err
				}
				levels, ok := data.(feature.Levels)
				if !ok {
					return fmt.Errorf("%w: %s has shape %s", feature.ErrConfiguration, graphindex.LevelsName, data.Shape())
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tAVG SLOTS\tMIN\tMAX")
				for _, lv := range levels {
					fmt.Fprintf(tw, "%s\t%.2f\t%d\t%d\n", lv.Type, lv.AvgSize, lv.Min, lv.Max)
				}
				return tw.Flush()
			})
		},
	}
}

// withSession loads configuration, sets up logging and telemetry, opens the
// corpus and runs fn. Telemetry is flushed and metrics written afterwards.
func withSession(cmd *cobra.Command, g *globalFlags, dir string, fn func(context.Context, *corpus.Corpus) error) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.jsonLogs || !isTerminal(cmd.ErrOrStderr()) {
		cfg.Logging.JSON = true
	}
	if g.trace != "" {
		cfg.Telemetry.Exporter = g.trace
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	lc := cfg.LoggerConfig()
	lc.Output = cmd.ErrOrStderr()
	logger := logging.New(lc)
	defer logger.Close()

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.Exporter = cfg.Telemetry.Exporter
	if cfg.Telemetry.Endpoint != "" {
		tcfg.Endpoint = cfg.Telemetry.Endpoint
	}
	tcfg.Writer = cmd.ErrOrStderr()
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}

	c, err := corpus.Open(dir, cfg, corpus.WithLogger(logger))
	if err != nil {
		return errors.Join(err, shutdown(context.Background()))
	}

	runErr := fn(ctx, c)
	closeErr := c.Close()
	shutdownErr := shutdown(context.Background())

	var metricsErr error
	if g.metricsOut != "" {
		metricsErr = prometheus.WriteToTextfile(g.metricsOut, prometheus.DefaultGatherer)
	}
	return errors.Join(runErr, closeErr, shutdownErr, metricsErr)
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
