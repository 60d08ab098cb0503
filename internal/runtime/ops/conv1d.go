package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

// convParams describes a causal convolution over [B, T, Cin] inputs with a
// [Cout, Cin, K] weight.
type convParams struct {
	inCh     int
	outCh    int
	kSize    int
	dilation int
}

func (p convParams) patchLen() int { return p.kSize * p.inCh }

// receptive is the number of raw input steps one output step depends on.
func (p convParams) receptive() int { return (p.kSize-1)*p.dilation + 1 }

func convParamsFor(weight, bias *tensor.Tensor, dilation int64) (convParams, error) {
	if weight == nil {
		return convParams{}, errors.New("ops: causal conv requires a non-nil weight")
	}

	if dilation <= 0 {
		return convParams{}, fmt.Errorf("ops: causal conv dilation must be > 0, got %d", dilation)
	}

	ws := weight.Shape()
	if len(ws) != 3 {
		return convParams{}, fmt.Errorf("ops: causal conv weight must be [out, in, kernel], got %v", ws)
	}

	if ws[0] <= 0 || ws[1] <= 0 || ws[2] <= 0 {
		return convParams{}, fmt.Errorf("ops: causal conv weight has empty dimension: %v", ws)
	}

	if bias != nil {
		if bs := bias.Shape(); len(bs) != 1 || bs[0] != ws[0] {
			return convParams{}, fmt.Errorf("ops: causal conv bias shape %v does not match out_channels %d", bs, ws[0])
		}
	}

	return convParams{
		inCh:     int(ws[1]),
		outCh:    int(ws[0]),
		kSize:    int(ws[2]),
		dilation: int(dilation),
	}, nil
}

// FlattenConvWeight reshapes a [Cout, Cin, K] weight into the [Cout, K*Cin]
// matrix used by the patch GEMM, with column k*Cin+c holding W[o, c, k].
func FlattenConvWeight(weight *tensor.Tensor) (*tensor.Tensor, error) {
	p, err := convParamsFor(weight, nil, 1)
	if err != nil {
		return nil, err
	}

	return tensor.New(flattenConvWeight(weight.RawData(), p), []int64{int64(p.outCh), int64(p.patchLen())})
}

func flattenConvWeight(w []float32, p convParams) []float32 {
	out := make([]float32, p.outCh*p.patchLen())

	for o := range p.outCh {
		for c := range p.inCh {
			src := (o*p.inCh + c) * p.kSize
			for k := range p.kSize {
				out[o*p.patchLen()+k*p.inCh+c] = w[src+k]
			}
		}
	}

	return out
}

// gatherPatch writes the K dilated taps ending at step t of one [length, Cin]
// sequence into dst ([K*Cin], K-major). Taps before the sequence start are
// zero.
func gatherPatch(seq []float32, t int, p convParams, dst []float32) {
	for k := range p.kSize {
		pos := t - (p.kSize-1-k)*p.dilation
		row := dst[k*p.inCh : (k+1)*p.inCh]

		if pos < 0 {
			clear(row)
			continue
		}

		copy(row, seq[pos*p.inCh:(pos+1)*p.inCh])
	}
}

// patchGEMM computes out[rows, Cout] = patches[rows, K*Cin] * flat^T + bias.
// Both the whole-sequence and the single-step convolution go through here.
func patchGEMM(patches []float32, rows int, flat, bias []float32, p convParams, out []float32) {
	tensor.GemmNT(patches, rows, p.patchLen(), flat, p.outCh, out)

	if bias == nil {
		return
	}

	for r := range rows {
		row := out[r*p.outCh : (r+1)*p.outCh]
		for o := range row {
			row[o] += bias[o]
		}
	}
}

// CausalConv1D applies a dilated causal convolution.
// input: [batch, time, in_channels]
// weight: [out_channels, in_channels, kernel_size]
// output: [batch, time, out_channels]; step t only sees inputs at steps <= t.
func CausalConv1D(input, weight, bias *tensor.Tensor, dilation int64) (*tensor.Tensor, error) {
	p, err := convParamsFor(weight, bias, dilation)
	if err != nil {
		return nil, err
	}

	return causalConv(input, flattenConvWeight(weight.RawData(), p), biasData(bias), p)
}

func causalConv(input *tensor.Tensor, flat, bias []float32, p convParams) (*tensor.Tensor, error) {
	if input == nil {
		return nil, errors.New("ops: causal conv input is nil")
	}

	if err := tensor.ExpectShape("causal conv input", input, -1, -1, int64(p.inCh)); err != nil {
		return nil, fmt.Errorf("ops: %w", err)
	}

	batch, length := int(input.Dim(0)), int(input.Dim(1))
	rows := batch * length
	patchLen := p.patchLen()
	data := input.RawData()

	patches := getScratch(rows * patchLen)
	defer putScratch(patches)

	parallelFor(rows, getConvWorkers(), func(lo, hi int) {
		for r := lo; r < hi; r++ {
			b, t := r/length, r%length
			seq := data[b*length*p.inCh : (b+1)*length*p.inCh]
			gatherPatch(seq, t, p, patches[r*patchLen:(r+1)*patchLen])
		}
	})

	out := make([]float32, rows*p.outCh)
	patchGEMM(patches, rows, flat, bias, p, out)

	return tensor.New(out, []int64{int64(batch), int64(length), int64(p.outCh)})
}

func biasData(bias *tensor.Tensor) []float32 {
	if bias == nil {
		return nil
	}

	return bias.RawData()
}
