package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitmcu/internal/engine"
	"github.com/samcharles93/bitmcu/internal/logger"
	"github.com/samcharles93/bitmcu/internal/model"
	"github.com/samcharles93/bitmcu/internal/qnn"
	"github.com/samcharles93/bitmcu/internal/safetensors"
	"github.com/samcharles93/bitmcu/internal/samples"
	"github.com/samcharles93/bitmcu/internal/verify"
	"github.com/samcharles93/bitmcu/internal/version"
)

var errEnginesDisagree = errors.New("verify: deployment engine disagrees with the reference")

func verifyCmd() *cli.Command {
	var (
		samplesPath string
		paramsPath  string
		weightsPath string
		reportPath  string
		limit       int64
		workers     int64
		allowDiff   bool
	)

	return &cli.Command{
		Name:  "verify",
		Usage: "Run held-out samples through a deployment engine and the reference model",
		Flags: append(append(commonModelFlags(), engineFlags()...),
			&cli.StringFlag{
				Name:        "samples",
				Aliases:     []string{"s"},
				Usage:       "held-out samples (.safetensors)",
				Required:    true,
				Destination: &samplesPath,
			},
			&cli.Int64Flag{
				Name:        "limit",
				Aliases:     []string{"n"},
				Usage:       "evaluate only the first n samples (0 = all)",
				Destination: &limit,
			},
			&cli.Int64Flag{
				Name:        "workers",
				Usage:       "samples evaluated concurrently",
				Value:       1,
				Destination: &workers,
			},
			&cli.StringFlag{
				Name:        "params",
				Usage:       "hyperparameter yaml of the trained model (with --weights, reports float accuracy)",
				Destination: &paramsPath,
			},
			&cli.StringFlag{
				Name:        "weights",
				Usage:       "trained float weights (.safetensors)",
				Destination: &weightsPath,
			},
			&cli.StringFlag{
				Name:        "report",
				Aliases:     []string{"r"},
				Usage:       "write the JSON report to this path",
				Destination: &reportPath,
			},
			&cli.BoolFlag{
				Name:        "allow-mismatch",
				Usage:       "exit 0 even when the engines disagree",
				Destination: &allowDiff,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyVerifyConfig(cmd, LoadConfig(), &workers, &limit)
			log := logger.FromContext(ctx)

			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return err
			}
			ref, _, err := qnn.Load(path)
			if err != nil {
				return err
			}
			deploy, err := engine.New(engineOptions(path))
			if err != nil {
				return err
			}
			defer func() { _ = deploy.Close() }()

			set, err := samples.Load(samplesPath)
			if err != nil {
				return err
			}
			set = set.Head(int(limit))

			var fm *model.FloatModel
			if paramsPath != "" || weightsPath != "" {
				if fm, err = loadFloatModel(paramsPath, weightsPath); err != nil {
					return err
				}
			}

			d := &verify.Driver{
				Reference: ref,
				Deploy:    deploy,
				Float:     fm,
				Workers:   int(workers),
				Log:       log,
			}
			rep, err := d.Run(ctx, set)
			if err != nil {
				return err
			}
			rep.Host = verify.DetectHost()
			rep.Version = version.String()
			if err := rep.Print(os.Stdout); err != nil {
				return err
			}
			if reportPath != "" {
				if err := rep.WriteJSON(reportPath); err != nil {
					return fmt.Errorf("write report: %w", err)
				}
				log.Info("wrote report", "path", reportPath, "run_id", rep.RunID)
			}
			if !rep.Agreed() && !allowDiff {
				return fmt.Errorf("%w: %d mismatches, %d engine errors", errEnginesDisagree, len(rep.Mismatches), len(rep.Errors))
			}
			return nil
		},
	}
}

func loadFloatModel(paramsPath, weightsPath string) (*model.FloatModel, error) {
	if paramsPath == "" || weightsPath == "" {
		return nil, errors.New("--params and --weights must be given together")
	}
	params, err := model.LoadHyperparameters(paramsPath)
	if err != nil {
		return nil, err
	}
	arch, err := model.Build(params)
	if err != nil {
		return nil, err
	}
	st, err := safetensors.Open(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	return model.LoadFloat(arch, st)
}
