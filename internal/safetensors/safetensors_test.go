package safetensors

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
)

// writeRaw creates a safetensors file from a raw header and payload.
func writeRaw(t *testing.T, path string, header map[string]any, payload []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	data := append(lenBuf[:], headerBytes...)
	data = append(data, payload...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")

	weights := []float32{0.5, -1.25, 3, 0, 1e-3, -7}
	labels := []int64{3, 9, 0}
	err := Write(path, []WriteTensor{
		{Name: "fc1.weight", Shape: []int{2, 3}, F32: weights},
		{Name: "labels", Shape: []int{3}, I64: labels},
	}, map[string]string{"arch": "FCMNIST"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := f.Names(); len(got) != 2 || got[0] != "fc1.weight" || got[1] != "labels" {
		t.Fatalf("Names = %v", got)
	}
	if f.Metadata["arch"] != "FCMNIST" {
		t.Fatalf("metadata = %v", f.Metadata)
	}

	gotW, info, err := f.ReadTensorF32("fc1.weight")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if info.Len() != 6 || info.DType != "F32" {
		t.Fatalf("info = %+v", info)
	}
	for i := range weights {
		if gotW[i] != weights[i] {
			t.Fatalf("weights = %v, want %v", gotW, weights)
		}
	}

	gotL, _, err := f.ReadTensorInt("labels")
	if err != nil {
		t.Fatalf("ReadTensorInt: %v", err)
	}
	for i := range labels {
		if gotL[i] != labels[i] {
			t.Fatalf("labels = %v, want %v", gotL, labels)
		}
	}
}

func TestReadTensorIntWidths(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	tests := []struct {
		dtype   string
		payload []byte
		want    []int64
	}{
		{"U8", []byte{7, 255}, []int64{7, 255}},
		{"I8", []byte{0xFF, 2}, []int64{-1, 2}},
		{"I32", []byte{1, 0, 0, 0, 0xFE, 0xFF, 0xFF, 0xFF}, []int64{1, -2}},
	}
	for _, tc := range tests {
		path := filepath.Join(dir, tc.dtype+".safetensors")
		writeRaw(t, path, map[string]any{
			"labels": map[string]any{"dtype": tc.dtype, "shape": []int{2}, "data_offsets": []int64{0, int64(len(tc.payload))}},
		}, tc.payload)
		f, err := Open(path)
		if err != nil {
			t.Fatalf("%s: Open: %v", tc.dtype, err)
		}
		got, _, err := f.ReadTensorInt("labels")
		if err != nil {
			t.Fatalf("%s: ReadTensorInt: %v", tc.dtype, err)
		}
		if got[0] != tc.want[0] || got[1] != tc.want[1] {
			t.Fatalf("%s: got %v, want %v", tc.dtype, got, tc.want)
		}
	}
}

func TestReadTensorBF16AndF16(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "half.safetensors")

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:], uint16(math.Float32bits(1.5)>>16)) // bf16 1.5
	binary.LittleEndian.PutUint16(payload[2:], 0x3C00)                            // f16 1.0
	writeRaw(t, path, map[string]any{
		"a": map[string]any{"dtype": "BF16", "shape": []int{1}, "data_offsets": []int64{0, 2}},
		"b": map[string]any{"dtype": "F16", "shape": []int{1}, "data_offsets": []int64{2, 4}},
	}, payload)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a, _, err := f.ReadTensorF32("a")
	if err != nil || a[0] != 1.5 {
		t.Fatalf("bf16 = %v, %v", a, err)
	}
	b, _, err := f.ReadTensorF32("b")
	if err != nil || b[0] != 1.0 {
		t.Fatalf("f16 = %v, %v", b, err)
	}
}

func TestReadErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.safetensors")
	writeRaw(t, path, map[string]any{
		"ints":   map[string]any{"dtype": "I32", "shape": []int{2}, "data_offsets": []int64{0, 8}},
		"short":  map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{8, 12}},
		"invert": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{8, 4}},
	}, make([]byte, 12))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := f.ReadTensorF32("missing"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("missing: err = %v", err)
	}
	if _, _, err := f.ReadTensorF32("ints"); err == nil {
		t.Fatal("expected error reading I32 as float")
	}
	if _, _, err := f.ReadTensorInt("short"); err == nil {
		t.Fatal("expected error reading F32 as int")
	}
	if _, _, err := f.ReadTensorF32("short"); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, _, err := f.ReadTensorF32("invert"); err == nil {
		t.Fatal("expected inverted offsets error")
	}

	if _, err := Open(filepath.Join(dir, "nope.safetensors")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if err := os.WriteFile(filepath.Join(dir, "trunc.safetensors"), []byte{1, 2}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(filepath.Join(dir, "trunc.safetensors")); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestWriteRejectsShapeMismatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "x.safetensors")
	err := Write(path, []WriteTensor{{Name: "w", Shape: []int{3}, F32: []float32{1}}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestFp16ToFloat32(t *testing.T) {
	t.Parallel()

	tests := []struct {
		h    uint16
		want float32
	}{
		{0x0000, 0},
		{0x3C00, 1},
		{0xC000, -2},
		{0x3800, 0.5},
		{0x0001, float32(math.Ldexp(1, -24))},
	}
	for _, tc := range tests {
		if got := fp16ToFloat32(tc.h); got != tc.want {
			t.Errorf("fp16ToFloat32(%#04x) = %v, want %v", tc.h, got, tc.want)
		}
	}
}
