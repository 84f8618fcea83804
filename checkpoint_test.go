package kbnet

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {

	src := []Parameter{
		{Name: "layer1.weight", Data: []float32{0.5, -1.25, 2, 0}},
		{Name: "layer1.bias", Data: []float32{3}},
		{Name: "layer2.weight", Data: []float32{-0.75, 0.125}},
	}

	var buf bytes.Buffer

	if err := SaveCheckpoint(&buf, src); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	dst := []Parameter{
		{Name: "layer1.weight", Data: make([]float32, 4)},
		{Name: "layer1.bias", Data: make([]float32, 1)},
		{Name: "layer2.weight", Data: make([]float32, 2)},
	}

	if err := LoadCheckpoint(&buf, dst); err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	// the test values are exactly representable in float16
	for i, p := range src {
		for j, want := range p.Data {
			if dst[i].Data[j] != want {
				t.Errorf("Parameter %s value %d wrong, expected %f, got %f",
					p.Name, j, want, dst[i].Data[j])
			}
		}
	}
}

func TestCheckpointBadMagic(t *testing.T) {

	buf := bytes.NewBuffer([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	if err := LoadCheckpoint(buf, nil); err == nil {
		t.Errorf("Expected error for bad magic")
	}
}

func TestCheckpointLengthMismatch(t *testing.T) {

	var buf bytes.Buffer

	src := []Parameter{{Name: "w", Data: []float32{1, 2, 3}}}

	if err := SaveCheckpoint(&buf, src); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	dst := []Parameter{{Name: "w", Data: make([]float32, 5)}}

	if err := LoadCheckpoint(&buf, dst); err == nil {
		t.Errorf("Expected error for data length mismatch")
	}
}

func TestCheckpointUnknownParameter(t *testing.T) {

	var buf bytes.Buffer

	src := []Parameter{
		{Name: "w", Data: []float32{1}},
		{Name: "extra", Data: []float32{2}},
	}

	if err := SaveCheckpoint(&buf, src); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	dst := []Parameter{{Name: "w", Data: make([]float32, 1)}}

	if err := LoadCheckpoint(&buf, dst); err == nil {
		t.Errorf("Expected error for unknown parameter record")
	}
}

func TestCheckpointMissingParameter(t *testing.T) {

	var buf bytes.Buffer

	src := []Parameter{{Name: "w", Data: []float32{1}}}

	if err := SaveCheckpoint(&buf, src); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	dst := []Parameter{
		{Name: "w", Data: make([]float32, 1)},
		{Name: "b", Data: make([]float32, 1)},
	}

	if err := LoadCheckpoint(&buf, dst); err == nil {
		t.Errorf("Expected error for missing parameter")
	}
}

func TestCheckpointFileRoundTrip(t *testing.T) {

	path := filepath.Join(t.TempDir(), "model.ckpt")

	src := []Parameter{{Name: "w", Data: []float32{1.5, -2.5}}}

	if err := SaveCheckpointFile(path, src); err != nil {
		t.Fatalf("SaveCheckpointFile failed: %v", err)
	}

	dst := []Parameter{{Name: "w", Data: make([]float32, 2)}}

	if err := LoadCheckpointFile(path, dst); err != nil {
		t.Fatalf("LoadCheckpointFile failed: %v", err)
	}

	if dst[0].Data[0] != 1.5 || dst[0].Data[1] != -2.5 {
		t.Errorf("File round trip wrong: %v", dst[0].Data)
	}
}

func TestModelCheckpointRoundTrip(t *testing.T) {

	cfg := DefaultPoseDecoderConfig()
	cfg.InputChannels = 4

	src, err := NewPoseDecoder(cfg)

	if err != nil {
		t.Fatalf("NewPoseDecoder failed: %v", err)
	}

	var buf bytes.Buffer

	if err := SaveCheckpoint(&buf, src.Parameters()); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	dst, err := NewPoseDecoder(cfg)

	if err != nil {
		t.Fatalf("NewPoseDecoder failed: %v", err)
	}

	if err := LoadCheckpoint(&buf, dst.Parameters()); err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	// parameter traversal order is construction order, names line up
	srcParams := src.Parameters()
	dstParams := dst.Parameters()

	if len(srcParams) != len(dstParams) {
		t.Fatalf("Parameter counts differ: %d vs %d", len(srcParams), len(dstParams))
	}

	for i := range srcParams {
		if srcParams[i].Name != dstParams[i].Name {
			t.Errorf("Parameter %d name mismatch: %s vs %s",
				i, srcParams[i].Name, dstParams[i].Name)
		}
	}
}
