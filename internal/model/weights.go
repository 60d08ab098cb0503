package model

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/example/go-deepvoice3/internal/runtime/tensor"
	"github.com/example/go-deepvoice3/internal/safetensors"
)

// Weights is a hierarchical source of named parameters. Names are dotted
// paths such as "hops.0.conv.kernel".
type Weights interface {
	Path(parts ...string) Weights
	Tensor(name string, wantShape ...int64) (*tensor.Tensor, error)
	TensorMaybe(name string, wantShape ...int64) (*tensor.Tensor, bool, error)
}

// VarBuilder provides hierarchical tensor lookup over a safetensors store.
type VarBuilder struct {
	store  *safetensors.Store
	prefix string
}

// OpenVarBuilder opens a weights file. A non-empty prefix keeps only the
// tensors below it (e.g. "decoder").
func OpenVarBuilder(path, prefix string) (*VarBuilder, error) {
	store, err := safetensors.Open(path, prefix)
	if err != nil {
		return nil, err
	}

	return NewVarBuilder(store), nil
}

// NewVarBuilder wraps an open store.
func NewVarBuilder(store *safetensors.Store) *VarBuilder {
	return &VarBuilder{store: store}
}

// Metadata returns the string metadata stored alongside the weights.
func (vb *VarBuilder) Metadata() map[string]string {
	if vb == nil || vb.store == nil {
		return nil
	}

	return vb.store.Metadata()
}

// Close releases the underlying store.
func (vb *VarBuilder) Close() {
	if vb != nil && vb.store != nil {
		vb.store.Close()
	}
}

func (vb *VarBuilder) Path(parts ...string) Weights {
	if vb == nil {
		return (*VarBuilder)(nil)
	}

	return &VarBuilder{store: vb.store, prefix: joinName(vb.prefix, parts...)}
}

func (vb *VarBuilder) Has(name string) bool {
	if vb == nil || vb.store == nil {
		return false
	}

	return vb.store.Has(joinName(vb.prefix, name))
}

func (vb *VarBuilder) Tensor(name string, wantShape ...int64) (*tensor.Tensor, error) {
	if vb == nil || vb.store == nil {
		return nil, errors.New("model varbuilder: uninitialized store")
	}

	fullName := joinName(vb.prefix, name)

	var (
		st  *safetensors.Tensor
		err error
	)

	if len(wantShape) > 0 {
		st, err = vb.store.TensorWithShape(fullName, wantShape)
	} else {
		st, err = vb.store.Tensor(fullName)
	}

	if err != nil {
		return nil, err
	}

	t, err := tensor.New(st.Data, st.Shape)
	if err != nil {
		return nil, fmt.Errorf("model varbuilder: tensor %q: %w", fullName, err)
	}

	return t, nil
}

func (vb *VarBuilder) TensorMaybe(name string, wantShape ...int64) (*tensor.Tensor, bool, error) {
	if !vb.Has(name) {
		return nil, false, nil
	}

	t, err := vb.Tensor(name, wantShape...)
	if err != nil {
		return nil, true, err
	}

	return t, true, nil
}

// Seeds drive deterministic parameter initialisation: convolution kernels
// draw from Kernel, every other weight from Weight.
type Seeds struct {
	Kernel uint64
	Weight uint64
}

// SeededWeights creates parameters on demand from per-name seeded random
// streams, so the values depend only on the seeds and the parameter name.
// Biases start at zero. Every tensor handed out is recorded and can be
// exported with Tensors.
type SeededWeights struct {
	seeds  Seeds
	prefix string
	rec    *recorder
}

type recorder struct {
	mu      sync.Mutex
	tensors map[string]*tensor.Tensor
}

func NewSeededWeights(seeds Seeds) *SeededWeights {
	return &SeededWeights{seeds: seeds, rec: &recorder{tensors: make(map[string]*tensor.Tensor)}}
}

func (sw *SeededWeights) Path(parts ...string) Weights {
	return &SeededWeights{seeds: sw.seeds, prefix: joinName(sw.prefix, parts...), rec: sw.rec}
}

func (sw *SeededWeights) Tensor(name string, wantShape ...int64) (*tensor.Tensor, error) {
	fullName := joinName(sw.prefix, name)
	if len(wantShape) == 0 {
		return nil, fmt.Errorf("model seeded weights: tensor %q needs a shape", fullName)
	}

	sw.rec.mu.Lock()
	defer sw.rec.mu.Unlock()

	if t, ok := sw.rec.tensors[fullName]; ok {
		if err := tensor.ExpectShape(fullName, t, wantShape...); err != nil {
			return nil, fmt.Errorf("model seeded weights: %w", err)
		}

		return t, nil
	}

	t, err := sw.generate(fullName, wantShape)
	if err != nil {
		return nil, err
	}

	sw.rec.tensors[fullName] = t

	return t, nil
}

// TensorMaybe always succeeds: seeded weights can produce any parameter.
func (sw *SeededWeights) TensorMaybe(name string, wantShape ...int64) (*tensor.Tensor, bool, error) {
	t, err := sw.Tensor(name, wantShape...)
	if err != nil {
		return nil, true, err
	}

	return t, true, nil
}

// Tensors returns every parameter created so far, in name order.
func (sw *SeededWeights) Tensors() []safetensors.Tensor {
	sw.rec.mu.Lock()
	defer sw.rec.mu.Unlock()

	names := make([]string, 0, len(sw.rec.tensors))
	for name := range sw.rec.tensors {
		names = append(names, name)
	}

	sort.Strings(names)

	out := make([]safetensors.Tensor, 0, len(names))
	for _, name := range names {
		t := sw.rec.tensors[name]
		out = append(out, safetensors.Tensor{Name: name, Shape: t.Shape(), Data: t.Data()})
	}

	return out
}

// generate draws uniform values in [-1/sqrt(fanIn), 1/sqrt(fanIn)], where
// fanIn is the product of all but the leading dimension.
func (sw *SeededWeights) generate(name string, shape []int64) (*tensor.Tensor, error) {
	leaf := name[strings.LastIndex(name, ".")+1:]
	if leaf == "bias" {
		return tensor.Zeros(shape)
	}

	seed := sw.seeds.Weight
	if leaf == "kernel" {
		seed = sw.seeds.Kernel
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(seed, h.Sum64()))

	fanIn := int64(1)
	for _, d := range shape[1:] {
		fanIn *= d
	}

	bound := float32(1 / math.Sqrt(float64(max(fanIn, 1))))

	t, err := tensor.Zeros(shape)
	if err != nil {
		return nil, fmt.Errorf("model seeded weights: tensor %q: %w", name, err)
	}

	data := t.RawData()
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * bound
	}

	return t, nil
}

func joinName(prefix string, parts ...string) string {
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
	}

	return prefix
}
