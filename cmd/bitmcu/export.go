package main

import (
	"context"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitmcu/internal/logger"
	"github.com/samcharles93/bitmcu/internal/samples"
	"github.com/samcharles93/bitmcu/internal/verify"
)

func exportCmd() *cli.Command {
	var (
		samplesPath string
		outPath     string
		count       int64
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Write held-out samples as a C header of int8 test vectors",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "samples",
				Aliases:     []string{"s"},
				Usage:       "held-out samples (.safetensors)",
				Required:    true,
				Destination: &samplesPath,
			},
			&cli.Int64Flag{
				Name:        "count",
				Aliases:     []string{"n"},
				Usage:       "number of samples to export (0 = all)",
				Value:       10,
				Destination: &count,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output header (default: stdout)",
				Destination: &outPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			set, err := samples.Load(samplesPath)
			if err != nil {
				return err
			}
			var w io.Writer = os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			if err := verify.ExportFixtures(w, set, int(count)); err != nil {
				return err
			}
			if outPath != "" {
				logger.FromContext(ctx).Info("wrote fixtures", "path", outPath, "samples", set.Head(int(count)).Len())
			}
			return nil
		},
	}
}
