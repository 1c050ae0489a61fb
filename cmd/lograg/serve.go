package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"

	"github.com/efebarandurmaz/lograg/internal/app"
	"github.com/efebarandurmaz/lograg/internal/server"
	"github.com/efebarandurmaz/lograg/internal/temporal"
)

func newServeCmd(g *globals) *cobra.Command {
	var (
		addr    string
		noAsync bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				g.cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), g, !noAsync)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noAsync, "no-async", false, "Do not connect to Temporal; async uploads are rejected")
	return cmd
}

func runServe(ctx context.Context, g *globals, async bool) error {
	cfg := g.cfg
	a, err := app.Build(ctx, cfg, g.log, app.Options{MemoryCatalog: true})
	if err != nil {
		return err
	}

	shutdownCfg := server.DefaultShutdownConfig()
	shutdownCfg.Timeout = cfg.Server.ShutdownTimeout
	shutdownCfg.Logger = g.log
	gs := server.NewGracefulServer(&server.HealthConfig{Version: app.Version}, shutdownCfg)
	a.RegisterHealthChecks(gs.Health)
	a.RegisterShutdownHooks(gs)

	opts := []server.APIOption{
		server.WithAPILogger(g.log),
		server.WithAPIMetrics(a.Metrics),
	}

	if async && cfg.Temporal.Host != "" {
		c, err := temporal.Dial(cfg.Temporal, g.log)
		if err != nil {
			g.log.Warn().Err(err).Str("host", cfg.Temporal.Host).Msg("temporal unavailable, async uploads disabled")
		} else {
			if cfg.Temporal.SpoolDir != "" {
				if err := os.MkdirAll(cfg.Temporal.SpoolDir, 0o700); err != nil {
					c.Close()
					return err
				}
			}
			opts = append(opts, server.WithEnqueuer(temporal.NewEnqueuer(c, cfg.Temporal.TaskQueue, cfg.Temporal.SpoolDir)))
			gs.Health.RegisterCheck("temporal", server.TemporalHealthChecker(func(ctx context.Context) error {
				_, err := c.CheckHealth(ctx, &client.CheckHealthRequest{})
				return err
			}))
			gs.RegisterHook("temporal-client", 50, func(context.Context) error {
				c.Close()
				return nil
			})
		}
	}

	api := server.NewAPI(a.Pipeline, server.APIConfig{
		DefaultCollection:  cfg.Vector.DefaultCollection,
		DefaultK:           cfg.RAG.DefaultK,
		MaxUploadBytes:     cfg.Server.MaxUploadBytes,
		SourcePreviewChars: cfg.RAG.SourcePreviewChars,
		Version:            app.Version,
	}, opts...)

	g.log.Info().
		Str("llm", a.ProviderName()).
		Str("vector", a.Backend.Name()).
		Str("collection", cfg.Vector.DefaultCollection).
		Msg("starting lograg server")
	if err := gs.ListenAndServe(cfg.Server.Addr, api.Handler()); err != nil {
		a.Close(context.Background())
		return err
	}
	return nil
}
