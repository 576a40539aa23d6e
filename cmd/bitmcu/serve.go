package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitmcu/internal/api"
	"github.com/samcharles93/bitmcu/internal/engine"
	"github.com/samcharles93/bitmcu/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		storeSize   int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a deployment engine over HTTP for remote verification",
		Flags: append(append(commonModelFlags(), engineFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "store-size",
				Usage:       "inference results kept for lookup by id",
				Value:       api.DefaultStoreSize,
				Destination: &storeSize,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := logger.FromContext(ctx).With("component", "serve")

			kind, err := engine.Normalize(engineKind)
			if err != nil {
				return err
			}
			var path string
			if kind == engine.Reference || kind == engine.MCU {
				if path, err = resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr); err != nil {
					return err
				}
			}
			eng, err := engine.New(engineOptions(path))
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			if err := engine.Check(ctx, eng); err != nil {
				return err
			}

			server := api.NewServer(eng, api.NewResultStore(int(storeSize)))
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "engine", eng.Name(), "model", path)
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
