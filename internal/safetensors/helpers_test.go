package safetensors

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/goccy/go-json"
)

type rawTensor struct {
	dtype string
	shape []int64
	data  []byte
}

type tensorMeta struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// buildSafetensors creates a safetensors blob from raw tensor bytes.
func buildSafetensors(t *testing.T, tensors map[string]rawTensor) []byte {
	t.Helper()

	header := make(map[string]tensorMeta)

	var rawData []byte

	for name, info := range tensors {
		start := len(rawData)
		rawData = append(rawData, info.data...)
		header[name] = tensorMeta{DType: info.dtype, Shape: info.shape, Offsets: [2]int{start, start + len(info.data)}}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	buf := make([]byte, 8, 8+len(headerJSON)+len(rawData))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)

	return append(buf, rawData...)
}

func float32Bytes(vals []float32) []byte {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	return buf
}

func float16Bytes(bits []uint16) []byte {
	buf := make([]byte, len(bits)*2)
	for i, b := range bits {
		binary.LittleEndian.PutUint16(buf[i*2:], b)
	}

	return buf
}

func bfloat16BytesFromFloat32(vals []float32) []byte {
	buf := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(math.Float32bits(v)>>16))
	}

	return buf
}

func assertFloatSliceNear(t *testing.T, got, want []float32, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Fatalf("[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
