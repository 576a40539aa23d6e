package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitmcu/internal/mcu"
	"github.com/samcharles93/bitmcu/internal/qnn"
	"github.com/samcharles93/bitmcu/pkg/mcf"
)

func inspectCmd() *cli.Command {
	var showJSON bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show the layers, bit budget and deployment footprint of a .mcf model",
		ArgsUsage: "[model.mcf]",
		Flags: append(commonModelFlags(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the model info section as JSON",
				Destination: &showJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyEngineConfig(cmd, LoadConfig())
			flag := modelPath
			if flag == "" {
				flag = cmd.Args().First()
			}
			path, err := resolveModelPath(flag, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return err
			}
			m, info, err := qnn.Load(path)
			if err != nil {
				return err
			}
			if showJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			dep, err := mcu.Open(path)
			if err != nil {
				return fmt.Errorf("mcu engine: %w", err)
			}
			return printInspect(os.Stdout, m, info, dep.Footprint())
		},
	}
}

func printInspect(w io.Writer, m *qnn.Model, info *mcf.ModelInfo, fp mcu.Footprint) error {
	_, _ = fmt.Fprintf(w, "model:   %s\n", info.Name)
	if info.RunName != "" {
		_, _ = fmt.Fprintf(w, "run:     %s\n", info.RunName)
	}
	_, _ = fmt.Fprintf(w, "input:   %dx%dx%d\n", info.InputShape[0], info.InputShape[1], info.InputShape[2])
	_, _ = fmt.Fprintf(w, "classes: %d\n", info.NumClasses)

	tbl := tablewriter.NewWriter(w)
	tbl.Header("Layer", "Kind", "Shape", "Scheme", "Scale", "Norm", "Shift", "Weight bits")
	for _, l := range m.Layers {
		shift := "dynamic"
		switch {
		case l.Final():
			shift = "final"
		case l.OutShift() >= 0:
			shift = strconv.Itoa(l.OutShift())
		}
		tbl.Append([]string{
			l.Name,
			l.Kind.String(),
			fmt.Sprint(l.Weights.Shape),
			l.Weights.Scheme.String(),
			l.Weights.ScaleMode.String(),
			l.Weights.Norm.String(),
			shift,
			strconv.FormatInt(l.Weights.Bitsize(), 10),
		})
	}
	if err := tbl.Render(); err != nil {
		return err
	}

	bits := m.TotalBits()
	_, _ = fmt.Fprintf(w, "Total number of bits: %d (%s kbytes), scales %d bits\n",
		bits, strconv.FormatFloat(float64(bits)/8/1024, 'f', 3, 64), m.ScaleBits())
	_, err := fmt.Fprintf(w, "Deployment footprint: flash %d bytes (weights %d, params %d), RAM %d bytes\n",
		fp.Flash(), fp.WeightBytes, fp.ParamBytes, fp.RAM())
	return err
}
