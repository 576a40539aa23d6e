package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitmcu/internal/logger"
	"github.com/samcharles93/bitmcu/internal/model"
	"github.com/samcharles93/bitmcu/internal/qnn"
	"github.com/samcharles93/bitmcu/internal/safetensors"
	"github.com/samcharles93/bitmcu/internal/samples"
	"github.com/samcharles93/bitmcu/internal/version"
)

func quantizeCmd() *cli.Command {
	var (
		paramsPath  string
		weightsPath string
		samplesPath string
		archPath    string
		outPath     string
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize a trained model and pack it into a .mcf container",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "params",
				Aliases:     []string{"p"},
				Usage:       "hyperparameter yaml describing the network",
				Required:    true,
				Destination: &paramsPath,
			},
			&cli.StringFlag{
				Name:        "weights",
				Aliases:     []string{"w"},
				Usage:       "trained float weights (.safetensors)",
				Required:    true,
				Destination: &weightsPath,
			},
			&cli.StringFlag{
				Name:        "samples",
				Usage:       "held-out samples (.safetensors) to measure the trained model's accuracy",
				Destination: &samplesPath,
			},
			&cli.StringFlag{
				Name:        "arch",
				Usage:       "explicit architecture yaml, overriding the topology named by --params",
				Destination: &archPath,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .mcf path (default: $BITMCU_OUT_DIR/<run name>.mcf)",
				Destination: &outPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx).With("component", "quantize")

			params, err := model.LoadHyperparameters(paramsPath)
			if err != nil {
				return err
			}
			runName := params.RunName()
			log.Info("loaded parameters", "path", paramsPath, "run", runName)

			var arch *model.Arch
			if archPath != "" {
				arch, err = model.LoadArch(archPath)
			} else {
				arch, err = model.Build(params)
			}
			if err != nil {
				return err
			}
			st, err := safetensors.Open(weightsPath)
			if err != nil {
				return fmt.Errorf("open weights: %w", err)
			}
			fm, err := model.LoadFloat(arch, st)
			if err != nil {
				return err
			}

			if samplesPath != "" {
				set, err := samples.Load(samplesPath)
				if err != nil {
					return err
				}
				acc, err := floatAccuracy(fm, set)
				if err != nil {
					return err
				}
				fmt.Printf("Accuracy/Test of trained model: %s %%\n", strconv.FormatFloat(acc, 'f', 2, 64))
			}

			qm, err := qnn.Build(fm)
			if err != nil {
				return err
			}
			bits := qm.TotalBits()
			fmt.Printf("Total number of bits: %d (%s kbytes)\n", bits, strconv.FormatFloat(float64(bits)/8/1024, 'f', 3, 64))

			out, defaulted, err := resolveModelOut(runName, outPath)
			if err != nil {
				return err
			}
			info := qm.Info()
			info.RunName = runName
			info.Extras = map[string]any{
				"quant_type": params.QuantType,
				"scale_mode": params.WScale,
				"norm_type":  params.NormType,
				"tool":       version.String(),
			}
			if err := qm.Export(out, info); err != nil {
				return err
			}
			log.Info("wrote model", "path", out, "defaulted", defaulted, "layers", len(qm.Layers))
			return nil
		},
	}
}

func floatAccuracy(fm *model.FloatModel, set *samples.Set) (float64, error) {
	if set.Len() == 0 {
		return 0, errors.New("quantize: sample set is empty")
	}
	correct := 0
	for _, s := range set.Samples {
		class, err := fm.Predict(s.Image)
		if err != nil {
			return 0, fmt.Errorf("sample %d: %w", s.Index, err)
		}
		if class == uint32(s.Label) {
			correct++
		}
	}
	return float64(correct) / float64(set.Len()) * 100, nil
}
