package mcf

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Layer is one layer of a packed model: its record plus the tensor data the
// record points at. Weights and ZeroMask alias the mapped file when read
// through File.Layers.
type Layer struct {
	Record      LayerRecord
	Weights     []byte
	Scales      []float32
	Multipliers []int32
	ZeroMask    []byte
}

// WriteModel packs a model into path. The record offsets of layers are
// assigned while the tensor data is written.
func WriteModel(path string, info *ModelInfo, layers []Layer) error {
	if len(layers) == 0 {
		return fmt.Errorf("mcf: model %s has no layers", info.Name)
	}
	mi, err := EncodeModelInfo(info)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	if err := writeModel(w, mi, layers); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeModel(w *Writer, modelInfo []byte, layers []Layer) error {
	if err := w.AddFlags(FlagPackedLSBFirst); err != nil {
		return err
	}
	if err := w.WriteSection(SectionModelInfo, ModelInfoVersion, modelInfo); err != nil {
		return err
	}

	sw, err := w.BeginSection(SectionTensorData, TensorDataVersion)
	if err != nil {
		return err
	}
	records := make([]LayerRecord, len(layers))
	for i := range layers {
		l := &layers[i]
		r := l.Record
		r.ScaleCount = uint16(len(l.Scales))
		r.Channels = uint32(len(l.Multipliers))
		r.WeightSize = uint32(len(l.Weights))
		r.MaskSize = uint32(len(l.ZeroMask))

		if r.WeightOff, err = putRegion(sw, l.Weights); err != nil {
			return err
		}
		if r.ScaleOff, err = putRegion(sw, encodeF32(l.Scales)); err != nil {
			return err
		}
		if r.MultOff, err = putRegion(sw, encodeI32(l.Multipliers)); err != nil {
			return err
		}
		if r.MaskOff, err = putRegion(sw, l.ZeroMask); err != nil {
			return err
		}
		records[i] = r
	}
	if err := sw.End(); err != nil {
		return err
	}

	if err := w.WriteSection(SectionLayerTable, LayerTableVersion, EncodeLayerTable(records)); err != nil {
		return err
	}
	return w.Finalise()
}

func putRegion(sw *SectionWriter, p []byte) (uint32, error) {
	if err := sw.Align(mcfAlign); err != nil {
		return 0, err
	}
	off, err := sw.BytesWritten()
	if err != nil {
		return 0, err
	}
	if off > math.MaxUint32 {
		return 0, fmt.Errorf("mcf: tensor data exceeds 4 GiB")
	}
	if _, err := sw.Write(p); err != nil {
		return 0, err
	}
	return uint32(off), nil
}

// ModelInfo decodes the model info section.
func (f *File) ModelInfo() (*ModelInfo, error) {
	s := f.Section(SectionModelInfo)
	if s == nil {
		return nil, fmt.Errorf("%w: model info", ErrMissingSection)
	}
	return ParseModelInfo(f.SectionData(s))
}

// Layers decodes the layer table and resolves every record against the
// tensor data section.
func (f *File) Layers() ([]Layer, error) {
	ts := f.Section(SectionLayerTable)
	if ts == nil {
		return nil, fmt.Errorf("%w: layer table", ErrMissingSection)
	}
	ds := f.Section(SectionTensorData)
	if ds == nil {
		return nil, fmt.Errorf("%w: tensor data", ErrMissingSection)
	}
	records, err := ParseLayerTable(f.SectionData(ts))
	if err != nil {
		return nil, err
	}
	data := f.SectionData(ds)

	layers := make([]Layer, len(records))
	for i, r := range records {
		if r.Bits == 0 || r.Bits > 8 {
			return nil, fmt.Errorf("%w: layer %d: %d-bit weights", ErrCorruptFile, i, r.Bits)
		}
		if err := r.check(); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		want := (r.Elements()*int(r.Bits) + 7) / 8
		if int(r.WeightSize) != want {
			return nil, fmt.Errorf("%w: layer %d: %d weight bytes, want %d", ErrCorruptFile, i, r.WeightSize, want)
		}
		weights, err := region(data, r.WeightOff, uint64(r.WeightSize))
		if err != nil {
			return nil, fmt.Errorf("layer %d weights: %w", i, err)
		}
		scales, err := region(data, r.ScaleOff, uint64(r.ScaleCount)*4)
		if err != nil {
			return nil, fmt.Errorf("layer %d scales: %w", i, err)
		}
		mults, err := region(data, r.MultOff, uint64(r.Channels)*4)
		if err != nil {
			return nil, fmt.Errorf("layer %d multipliers: %w", i, err)
		}
		mask, err := region(data, r.MaskOff, uint64(r.MaskSize))
		if err != nil {
			return nil, fmt.Errorf("layer %d mask: %w", i, err)
		}
		layers[i] = Layer{
			Record:      r,
			Weights:     weights,
			Scales:      decodeF32(scales),
			Multipliers: decodeI32(mults),
			ZeroMask:    mask,
		}
	}
	return layers, nil
}

func region(data []byte, off uint32, size uint64) ([]byte, error) {
	end := uint64(off) + size
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: region [%d,%d) outside tensor data of %d bytes", ErrCorruptFile, off, end, len(data))
	}
	if off%mcfAlign != 0 {
		return nil, fmt.Errorf("%w: region offset %d not %d-byte aligned", ErrCorruptFile, off, mcfAlign)
	}
	return data[off:end:end], nil
}

func encodeF32(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
	}
	return out
}

func decodeF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func encodeI32(v []int32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(x))
	}
	return out
}

func decodeI32(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
