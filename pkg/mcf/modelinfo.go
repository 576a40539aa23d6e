package mcf

import (
	"encoding/binary"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ModelInfo payload format (v1), little-endian.
//
// Layout:
//   [0]   ModelInfoHeader
//   [8]   JSON document (ModelInfo), no terminator

type ModelInfoHeader struct {
	Version uint32 // = 1
	Flags   uint32 // reserved, must be zero
}

const modelInfoHeaderSize = 8

// ModelInfo describes a packed network. InputShape is CHW.
type ModelInfo struct {
	Name       string   `json:"name"`
	Arch       string   `json:"arch"`
	RunName    string   `json:"run_name,omitempty"`
	InputShape [3]int   `json:"input_shape"`
	NumClasses int      `json:"num_classes"`
	Layers     []string `json:"layers"`
	TotalBits  int64    `json:"total_bits"`
	ScaleBits  int64    `json:"scale_bits"`
	// InputMax is the largest magnitude the input quantizer maps onto.
	InputMax int `json:"input_max"`

	Extras map[string]any `json:"extras,omitempty"`
}

// InputLen is the flattened input width.
func (mi *ModelInfo) InputLen() int {
	return mi.InputShape[0] * mi.InputShape[1] * mi.InputShape[2]
}

func EncodeModelInfo(mi *ModelInfo) ([]byte, error) {
	if mi == nil {
		return nil, errors.New("modelinfo: nil ModelInfo")
	}
	doc, err := json.Marshal(mi)
	if err != nil {
		return nil, fmt.Errorf("modelinfo: %w", err)
	}
	out := make([]byte, modelInfoHeaderSize, modelInfoHeaderSize+len(doc))
	binary.LittleEndian.PutUint32(out[0:], ModelInfoVersion)
	binary.LittleEndian.PutUint32(out[4:], 0)
	return append(out, doc...), nil
}

func ParseModelInfo(data []byte) (*ModelInfo, error) {
	if len(data) < modelInfoHeaderSize {
		return nil, fmt.Errorf("%w: model info too short", ErrCorruptFile)
	}
	hdr := ModelInfoHeader{
		Version: binary.LittleEndian.Uint32(data[0:]),
		Flags:   binary.LittleEndian.Uint32(data[4:]),
	}
	if hdr.Version != ModelInfoVersion {
		return nil, fmt.Errorf("modelinfo: unsupported version %d", hdr.Version)
	}
	if hdr.Flags != 0 {
		return nil, fmt.Errorf("%w: model info flags %#x", ErrCorruptFile, hdr.Flags)
	}
	var mi ModelInfo
	if err := json.Unmarshal(data[modelInfoHeaderSize:], &mi); err != nil {
		return nil, fmt.Errorf("%w: model info: %v", ErrCorruptFile, err)
	}
	return &mi, nil
}
