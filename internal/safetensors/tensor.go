// Package safetensors reads and writes the weight files used by the decoder.
// The layout is an 8-byte little-endian header length, a JSON header and
// the raw tensor bytes.
package safetensors

// Tensor holds a single float32 tensor from a safetensors file.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// metadataKey is the reserved header entry holding string metadata.
const metadataKey = "__metadata__"
