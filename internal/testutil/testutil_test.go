package testutil

import (
	"testing"

	"github.com/example/go-deepvoice3/internal/model"
)

func TestWriteSeededWeightsRoundTrip(t *testing.T) {
	arch := model.DefaultArch()
	path := WriteSeededWeights(t, arch, model.Seeds{Kernel: 1, Weight: 2})

	vb, err := model.OpenVarBuilder(path, "")
	if err != nil {
		t.Fatalf("OpenVarBuilder: %v", err)
	}
	defer vb.Close()

	got, err := model.ParseArch([]byte(vb.Metadata()[model.ArchMetadataKey]))
	if err != nil {
		t.Fatalf("ParseArch: %v", err)
	}

	if len(got.Hops) != len(arch.Hops) || got.EmbedDim != arch.EmbedDim {
		t.Fatalf("arch = %+v, want %+v", got, arch)
	}

	if _, err := model.NewDecoder(got, vb, model.DefaultDecoderOptions()); err != nil {
		t.Fatalf("NewDecoder from written weights: %v", err)
	}
}
