package model

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Hyperparameters mirrors the training parameter file. Only the fields that
// shape the network or its artifact names are used here.
type Hyperparameters struct {
	Model string `yaml:"model"`

	QuantType  string  `yaml:"QuantType"`
	WScale     string  `yaml:"WScale"`
	NormType   string  `yaml:"NormType"`
	QuantScale float32 `yaml:"quantscale"`

	NetworkWidth1 int `yaml:"network_width1"`
	NetworkWidth2 int `yaml:"network_width2"`
	NetworkWidth3 int `yaml:"network_width3"`

	InputSize  int `yaml:"input_size"`
	NumClasses int `yaml:"num_classes"`

	RunTag       string  `yaml:"runtag"`
	Scheduler    string  `yaml:"scheduler"`
	LearningRate float64 `yaml:"learning_rate"`
	Augmentation bool    `yaml:"augmentation"`
	BatchSize    int     `yaml:"batch_size"`
	NumEpochs    int     `yaml:"num_epochs"`
}

// DefaultHyperparameters matches the reference FC network on 8x8 inputs.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		Model:         "FCMNIST",
		QuantType:     "4bitsym",
		WScale:        "PerTensor",
		NormType:      "RMS",
		QuantScale:    1,
		NetworkWidth1: 64,
		NetworkWidth2: 64,
		NetworkWidth3: 64,
		InputSize:     8,
		NumClasses:    10,
	}
}

// LoadHyperparameters reads a yaml parameter file. Fields absent from the
// file keep their defaults.
func LoadHyperparameters(path string) (Hyperparameters, error) {
	p := DefaultHyperparameters()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read parameters: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse parameters %s: %w", path, err)
	}
	return p, nil
}

// RunName derives the artifact base name from the hyperparameters, the same
// way training names its checkpoints.
func (p Hyperparameters) RunName() string {
	name := p.RunTag + p.Scheduler + "_lr" + strconv.FormatFloat(p.LearningRate, 'g', -1, 64)
	if p.Augmentation {
		name += "_Aug"
	}
	name += "_BitMnist_" + p.WScale + "_" + p.QuantType + "_" + p.NormType
	name += "_width" + strconv.Itoa(p.NetworkWidth1) + "_" + strconv.Itoa(p.NetworkWidth2) + "_" + strconv.Itoa(p.NetworkWidth3)
	name += "_bs" + strconv.Itoa(p.BatchSize) + "_epochs" + strconv.Itoa(p.NumEpochs)
	return name
}

func (p Hyperparameters) inputSize() int {
	if p.InputSize <= 0 {
		return 8
	}
	return p.InputSize
}

func (p Hyperparameters) numClasses() int {
	if p.NumClasses <= 0 {
		return 10
	}
	return p.NumClasses
}

func (p Hyperparameters) layerQuant() quantSpec {
	return quantSpec{quantType: p.QuantType, wscale: p.WScale, normType: p.NormType, quantScale: p.QuantScale}
}

// LoadArch reads an explicit architecture file. It is used when a network
// does not follow one of the built-in topologies.
func LoadArch(path string) (*Arch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read architecture: %w", err)
	}
	var a Arch
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse architecture %s: %w", path, err)
	}
	return &a, a.Validate()
}
