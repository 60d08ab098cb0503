package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

const (
	dtypeF32  = "F32"
	dtypeF16  = "F16"
	dtypeBF16 = "BF16"
)

// elemSize is the byte width of every dtype the decoder can load.
var elemSize = map[string]int{dtypeF32: 4, dtypeF16: 2, dtypeBF16: 2}

// Store is a parsed weights file. Tensors are decoded to float32 on lookup.
type Store struct {
	raw      []byte
	spans    map[string]span
	names    []string
	metadata map[string]string
}

type span struct {
	dtype      string
	shape      []int64
	start, end int
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// Open reads a weights file. With a non-empty prefix only tensors named
// "<prefix>.<rest>" are kept, under the name "<rest>".
func Open(path, prefix string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return Parse(data, prefix)
}

// Parse is Open over an in-memory file.
func Parse(data []byte, prefix string) (*Store, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", headerLen, len(data))
	}

	base := 8 + int(headerLen)

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:base], &header); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	s := &Store{raw: data, spans: make(map[string]span, len(header))}

	for key, raw := range header {
		if key == metadataKey {
			if err := json.Unmarshal(raw, &s.metadata); err != nil {
				return nil, fmt.Errorf("safetensors: decode metadata: %w", err)
			}

			continue
		}

		name := key
		if prefix != "" {
			rest, ok := strings.CutPrefix(key, prefix+".")
			if !ok {
				continue
			}

			name = rest
		}

		var e headerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", key, err)
		}

		sp, err := locate(e, base, len(data))
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", key, err)
		}

		s.spans[name] = sp
		s.names = append(s.names, name)
	}

	if len(s.spans) == 0 {
		if prefix != "" {
			return nil, fmt.Errorf("safetensors: no tensors under %q", prefix)
		}

		return nil, errors.New("safetensors: no tensors found")
	}

	sort.Strings(s.names)

	return s, nil
}

// locate validates a header entry against the file and returns the absolute
// byte range of its data.
func locate(e headerEntry, base, fileLen int) (span, error) {
	dtype := strings.ToUpper(e.DType)

	size, ok := elemSize[dtype]
	if !ok {
		return span{}, fmt.Errorf("unsupported dtype %q", e.DType)
	}

	if e.Offsets[0] < 0 || e.Offsets[1] < e.Offsets[0] {
		return span{}, fmt.Errorf("invalid data offsets %v", e.Offsets)
	}

	start, end := base+e.Offsets[0], base+e.Offsets[1]
	if end > fileLen {
		return span{}, fmt.Errorf("data [%d:%d] exceeds file size %d", start, end, fileLen)
	}

	n, err := shapeElementCount(e.Shape)
	if err != nil {
		return span{}, err
	}

	if need := int(n) * size; end-start < need {
		return span{}, fmt.Errorf("needs %d bytes but data has %d", need, end-start)
	}

	return span{dtype: dtype, shape: append([]int64(nil), e.Shape...), start: start, end: end}, nil
}

// Metadata returns a copy of the header's string metadata.
func (s *Store) Metadata() map[string]string {
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}

	return out
}

// Names lists the stored tensors in sorted order.
func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *Store) Has(name string) bool {
	_, ok := s.spans[name]
	return ok
}

func (s *Store) Tensor(name string) (*Tensor, error) {
	sp, ok := s.spans[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, listNames(s.names))
	}

	return &Tensor{
		Name:  name,
		Shape: append([]int64(nil), sp.shape...),
		Data:  decodeFloats(s.raw[sp.start:sp.end], sp.dtype, sp.shape),
	}, nil
}

// TensorWithShape is Tensor plus an exact shape check.
func (s *Store) TensorWithShape(name string, want []int64) (*Tensor, error) {
	t, err := s.Tensor(name)
	if err != nil {
		return nil, err
	}

	if !equalShape(t.Shape, want) {
		return nil, fmt.Errorf("safetensors: tensor %q shape %v, want %v", name, t.Shape, want)
	}

	return t, nil
}

func (s *Store) Close() {
	s.raw = nil
	s.spans = nil
	s.names = nil
	s.metadata = nil
}

func shapeElementCount(shape []int64) (int64, error) {
	total := int64(1)

	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}

		if d == 0 {
			return 0, nil
		}

		if total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}

// decodeFloats widens little-endian F32/F16/BF16 data. The span was sized
// by locate, so raw always holds enough bytes.
func decodeFloats(raw []byte, dtype string, shape []int64) []float32 {
	n, _ := shapeElementCount(shape)
	out := make([]float32, n)

	for i := range out {
		switch dtype {
		case dtypeF32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		case dtypeF16:
			out[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		case dtypeBF16:
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	}

	return out
}

// float16ToFloat32 widens an IEEE 754 half, including subnormals.
func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x03ff)

	switch {
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	case exp != 0:
		return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
	case frac == 0:
		return math.Float32frombits(sign)
	}

	e := uint32(113)
	for frac&0x0400 == 0 {
		frac <<= 1
		e--
	}

	return math.Float32frombits(sign | e<<23 | (frac&0x03ff)<<13)
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func listNames(names []string) string {
	const limit = 8
	if len(names) > limit {
		return strings.Join(names[:limit], ", ") + ", ..."
	}

	return strings.Join(names, ", ")
}
