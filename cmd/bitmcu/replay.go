package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bitmcu/internal/engine"
	"github.com/samcharles93/bitmcu/internal/qnn"
	"github.com/samcharles93/bitmcu/internal/verify"
)

func replayCmd() *cli.Command {
	var reportPath string

	return &cli.Command{
		Name:  "replay",
		Usage: "Re-run the mismatches recorded in a verification report",
		Flags: append(append(commonModelFlags(), engineFlags()...),
			&cli.StringFlag{
				Name:        "report",
				Aliases:     []string{"r"},
				Usage:       "JSON report written by verify --report",
				Required:    true,
				Destination: &reportPath,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyEngineConfig(cmd, LoadConfig())
			rep, err := verify.LoadReport(reportPath)
			if err != nil {
				return err
			}
			if len(rep.Mismatches) == 0 {
				fmt.Println("report has no mismatches to replay")
				return nil
			}
			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return err
			}
			ref, _, err := qnn.Load(path)
			if err != nil {
				return err
			}
			if !cmd.IsSet("engine") && rep.Engine != "" {
				if kind, err := engine.Normalize(rep.Engine); err == nil {
					engineKind = kind
				}
			}
			deploy, err := engine.New(engineOptions(path))
			if err != nil {
				return err
			}
			defer func() { _ = deploy.Close() }()

			results, err := verify.Replay(ctx, rep, ref, deploy)
			if err != nil {
				return err
			}
			tbl := tablewriter.NewWriter(os.Stdout)
			tbl.Header("Sample", "Recorded", "Replayed", "Reference", "Reproduced")
			reproduced := 0
			for _, r := range results {
				got := strconv.FormatUint(uint64(r.GotDeploy), 10)
				if r.Err != nil {
					got = "error: " + r.Err.Error()
				}
				if r.Reproduced() {
					reproduced++
				}
				tbl.Append([]string{
					strconv.Itoa(r.Index),
					strconv.FormatUint(uint64(r.Deploy), 10),
					got,
					strconv.FormatUint(uint64(r.GotReference), 10),
					strconv.FormatBool(r.Reproduced()),
				})
			}
			if err := tbl.Render(); err != nil {
				return err
			}
			fmt.Printf("Reproduced %d of %d mismatches\n", reproduced, len(results))
			return nil
		},
	}
}
