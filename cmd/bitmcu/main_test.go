package main

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/bitmcu/internal/model"
	"github.com/samcharles93/bitmcu/internal/safetensors"
	"github.com/samcharles93/bitmcu/internal/samples"
	"github.com/samcharles93/bitmcu/internal/verify"
)

func writeTrainedModel(t *testing.T, dir string) (params, weights, set string) {
	t.Helper()
	params = filepath.Join(dir, "params.yaml")
	yml := `model: FCMNIST
QuantType: 4bitsym
WScale: PerOutput
NormType: RMS
quantscale: 1.0
network_width1: 32
network_width2: 32
network_width3: 0
input_size: 8
num_classes: 10
`
	if err := os.WriteFile(params, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := model.LoadHyperparameters(params)
	if err != nil {
		t.Fatal(err)
	}
	a, err := model.Build(p)
	if err != nil {
		t.Fatal(err)
	}

	r := rand.New(rand.NewPCG(99, 1))
	var tensors []safetensors.WriteTensor
	for _, l := range a.Layers {
		w := make([]float32, l.In*l.Out)
		for i := range w {
			w[i] = float32(r.NormFloat64() * 0.2)
		}
		tensors = append(tensors, safetensors.WriteTensor{Name: l.WeightName(), Shape: l.WeightShape(), F32: w})
	}
	weights = filepath.Join(dir, "weights.safetensors")
	if err := safetensors.Write(weights, tensors, map[string]string{"format": "pt"}); err != nil {
		t.Fatal(err)
	}

	s := &samples.Set{Shape: [3]int{1, 8, 8}}
	for i := range 12 {
		img := make([]float32, 64)
		for j := range img {
			img[j] = r.Float32()
		}
		s.Samples = append(s.Samples, samples.Sample{Index: i, Image: img, Label: uint8(i % 10)})
	}
	set = filepath.Join(dir, "test.safetensors")
	if err := samples.Save(set, s); err != nil {
		t.Fatal(err)
	}
	return params, weights, set
}

func run(t *testing.T, args ...string) {
	t.Helper()
	if err := newApp().Run(context.Background(), append([]string{"bitmcu", "--log-format", "text"}, args...)); err != nil {
		t.Fatalf("bitmcu %s: %v", strings.Join(args, " "), err)
	}
}

func TestQuantizeVerifyExport(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	params, weights, set := writeTrainedModel(t, dir)
	mcfPath := filepath.Join(dir, "net.mcf")
	report := filepath.Join(dir, "report.json")
	header := filepath.Join(dir, "fixtures.h")

	run(t, "quantize", "--params", params, "--weights", weights, "--samples", set, "--out", mcfPath)
	run(t, "inspect", "--model", mcfPath)
	run(t, "verify", "--model", mcfPath, "--samples", set, "--params", params, "--weights", weights,
		"--workers", "3", "--report", report)
	run(t, "verify", "--model", mcfPath, "--samples", set, "--engine", "reference", "--limit", "5")
	run(t, "export", "--samples", set, "-n", "3", "--out", header)
	run(t, "replay", "--model", mcfPath, "--report", report)

	rep, err := verify.LoadReport(report)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}
	if rep.Samples != 12 || !rep.Agreed() || rep.FloatCorrect == nil || rep.Host == nil {
		t.Fatalf("report = %+v", rep)
	}

	data, err := os.ReadFile(header)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "int8_t input_data_"); got != 3 {
		t.Fatalf("fixture count = %d:\n%s", got, data)
	}
	if !strings.Contains(string(data), "uint8_t label_2 = 2;") {
		t.Fatalf("fixtures missing label_2:\n%s", data)
	}
}

func TestQuantizeDefaultOutput(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv(envOutDir, filepath.Join(dir, "out"))
	params, weights, _ := writeTrainedModel(t, dir)

	run(t, "quantize", "--params", params, "--weights", weights)

	p, err := model.LoadHyperparameters(params)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out", p.RunName()+".mcf")); err != nil {
		t.Fatalf("default output: %v", err)
	}
}

func TestVerifyMissingEngine(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	params, weights, set := writeTrainedModel(t, dir)
	mcfPath := filepath.Join(dir, "net.mcf")
	run(t, "quantize", "--params", params, "--weights", weights, "--out", mcfPath)

	err := newApp().Run(context.Background(), []string{"bitmcu", "verify", "--model", mcfPath, "--samples", set,
		"--engine", "process", "--engine-cmd", filepath.Join(dir, "no-such-engine")})
	if err == nil || !strings.Contains(err.Error(), "unavailable") {
		t.Fatalf("err = %v", err)
	}
}
