// Package mcf implements the Model Container File format used to ship
// quantized networks to deployment targets.
//
// MCF is a single-file, memory-mappable container. It describes structure
// and data only and never implies runtime behaviour: a model info section
// (JSON), a fixed-record layer table and a tensor data section holding the
// bit-packed weights, scales, channel multipliers and zero-group masks.
package mcf

// MCF global constants must never change.
const (
	// MagicMCF is the file magic for all MCF containers.
	// It is encoded as "MCF\0".
	MagicMCF = "MCF\x00"

	// Current Major Version: Any change indicates a breaking format change.
	CurrentMajor uint16 = 2

	// Current Minor Version: Versions may add new optional sections or fields.
	CurrentMinor uint16 = 0

	// FlagPackedLSBFirst marks weights packed least significant bit first.
	FlagPackedLSBFirst uint64 = 1 << 0
)

type SectionType uint32

const (
	SectionModelInfo  SectionType = 0x0001
	SectionLayerTable SectionType = 0x0002
	SectionTensorData SectionType = 0x0003
)

// Section payload versions.
const (
	ModelInfoVersion  uint32 = 1
	LayerTableVersion uint32 = 1
	TensorDataVersion uint32 = 1
)
