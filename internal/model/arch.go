package model

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ArchMetadataKey is the weights-file metadata entry holding the YAML
// architecture the weights were created for.
const ArchMetadataKey = "deepvoice3.arch"

type LinearSpec struct {
	In  int64 `yaml:"in"`
	Out int64 `yaml:"out"`
}

type HopSpec struct {
	OutChannels int64 `yaml:"out_channels"`
	KernelSize  int64 `yaml:"kernel_size"`
	Dilation    int64 `yaml:"dilation"`
}

// Arch describes the decoder layer stack.
type Arch struct {
	EmbedDim     int64        `yaml:"embed_dim"`
	InDim        int64        `yaml:"in_dim"`
	R            int64        `yaml:"r"`
	MaxPositions int64        `yaml:"max_positions"`
	Preattention []LinearSpec `yaml:"preattention"`
	Hops         []HopSpec    `yaml:"hops"`
}

func DefaultArch() Arch {
	return Arch{
		EmbedDim:     16,
		InDim:        8,
		R:            1,
		MaxPositions: 512,
		Preattention: []LinearSpec{{In: 8, Out: 32}},
		Hops: []HopSpec{
			{OutChannels: 32, KernelSize: 3, Dilation: 1},
			{OutChannels: 32, KernelSize: 3, Dilation: 3},
		},
	}
}

func LoadArch(path string) (Arch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Arch{}, fmt.Errorf("model: read arch %s: %w", path, err)
	}

	return ParseArch(data)
}

// ParseArch decodes and validates a YAML architecture. Unknown keys are
// rejected.
func ParseArch(data []byte) (Arch, error) {
	var a Arch

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&a); err != nil {
		return Arch{}, fmt.Errorf("model: parse arch: %w", err)
	}

	if err := a.Validate(); err != nil {
		return Arch{}, err
	}

	return a, nil
}

func (a Arch) Marshal() ([]byte, error) {
	return yaml.Marshal(a)
}

// OutDim is the width of one decoder output step, in_dim * r.
func (a Arch) OutDim() int64 { return a.InDim * a.R }

// Channels is the width of the stream entering the output projection.
func (a Arch) Channels() int64 {
	switch {
	case len(a.Hops) > 0:
		return a.Hops[len(a.Hops)-1].OutChannels
	case len(a.Preattention) > 0:
		return a.Preattention[len(a.Preattention)-1].Out
	default:
		return a.OutDim()
	}
}

func (a Arch) Validate() error {
	if a.EmbedDim <= 0 || a.InDim <= 0 || a.R <= 0 {
		return fmt.Errorf("model: arch embed_dim, in_dim and r must be > 0, got %d, %d, %d", a.EmbedDim, a.InDim, a.R)
	}

	if a.MaxPositions < 2 {
		return fmt.Errorf("model: arch max_positions must be >= 2, got %d", a.MaxPositions)
	}

	if len(a.Hops) == 0 {
		return errors.New("model: arch needs at least one attention hop")
	}

	in := a.OutDim()

	for i, p := range a.Preattention {
		if p.In != in {
			return fmt.Errorf("model: arch preattention %d input %d, want %d", i, p.In, in)
		}

		if p.Out <= 0 {
			return fmt.Errorf("model: arch preattention %d output must be > 0, got %d", i, p.Out)
		}

		in = p.Out
	}

	for i, h := range a.Hops {
		if h.OutChannels <= 0 || h.KernelSize < 1 || h.Dilation < 1 {
			return fmt.Errorf("model: arch hop %d needs out_channels > 0, kernel_size >= 1, dilation >= 1, got %+v", i, h)
		}
	}

	return nil
}
