package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/api"
	"github.com/samcharles93/strata/internal/inference"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/metrics"
	"github.com/samcharles93/strata/internal/version"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		readTimeout   time.Duration
		maxConcurrent int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the completions API",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-concurrent",
				Usage:       "generations run at once per model",
				Value:       1,
				Destination: &maxConcurrent,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, cfg)
			if cfg.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = cfg.ServerAddress
			}
			if cfg.MaxConcurrent != nil && !cmd.IsSet("max-concurrent") {
				maxConcurrent = int64(*cfg.MaxConcurrent)
			}

			m := metrics.New(nil).WithRuntime()
			provider := api.NewCachedEngineProvider(api.EngineProviderConfig{
				DefaultModelPath: modelPath,
				ModelsPath:       modelsPath,
				Load: func(path string) (*inference.Engine, error) {
					return loadEngine(path, log, m, int(maxConcurrent))
				},
			})
			defer func() { _ = provider.Close() }()

			server := api.NewServer(provider,
				api.WithDefaults(cfg.Defaults()),
				api.WithMetrics(m),
				api.WithLogger(log.WithGroup("api")),
			)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			info := version.Resolve()
			log.Info("starting server", "address", addr, "version", info.String(), "archs", registry().Archs(), "cpu", info.CPU)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
