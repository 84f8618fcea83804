package kbnet

import (
	"testing"
)

func testBackprojectionConfig(t *testing.T, inFused int) CalibratedBackprojectionConfig {

	activation, err := activationFunc("leaky_relu")

	if err != nil {
		t.Fatalf("activationFunc failed: %v", err)
	}

	return CalibratedBackprojectionConfig{
		InChannelsImage:   3,
		InChannelsDepth:   2,
		InChannelsFused:   inFused,
		NFilterImage:      6,
		NFilterDepth:      4,
		NFilterFused:      6,
		NConvolutionImage: 1,
		NConvolutionDepth: 1,
		NConvolutionFused: 1,
		WeightInitializer: "kaiming_uniform",
		Activation:        activation,
	}
}

func TestCalibratedBackprojectionBlock(t *testing.T) {

	// first calibrated level, the fusion branch sees image features
	// and the positional encoding only
	b, err := NewCalibratedBackprojectionBlock(testBackprojectionConfig(t, 3))

	if err != nil {
		t.Fatalf("NewCalibratedBackprojectionBlock failed: %v", err)
	}

	image := NewTensor(1, 3, 8, 8)
	depth := NewTensor(1, 2, 8, 8)

	coords, err := CameraCoordinates(1, 8, 8, NewIntrinsics(10, 10, 4, 4))

	if err != nil {
		t.Fatalf("CameraCoordinates failed: %v", err)
	}

	imageOut, depthOut, fusedOut, err := b.Forward(image, depth, coords, nil)

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// all three streams come out at half resolution
	for name, out := range map[string]*Tensor{
		"image": imageOut, "depth": depthOut, "fused": fusedOut,
	} {
		if out.H() != 4 || out.W() != 4 {
			t.Errorf("%s stream resolution wrong, got %dx%d", name, out.H(), out.W())
		}
	}

	if imageOut.C() != 6 || depthOut.C() != 4 || fusedOut.C() != 6 {
		t.Errorf("Stream channels wrong: %d, %d, %d",
			imageOut.C(), depthOut.C(), fusedOut.C())
	}
}

func TestCalibratedBackprojectionBlockWithFusedInput(t *testing.T) {

	// later calibrated level, the fusion branch also sees the previous
	// fused stream
	b, err := NewCalibratedBackprojectionBlock(testBackprojectionConfig(t, 3+5))

	if err != nil {
		t.Fatalf("NewCalibratedBackprojectionBlock failed: %v", err)
	}

	image := NewTensor(1, 3, 8, 8)
	depth := NewTensor(1, 2, 8, 8)
	fused := NewTensor(1, 5, 8, 8)

	coords, err := CameraCoordinates(1, 8, 8, NewIntrinsics(10, 10, 4, 4))

	if err != nil {
		t.Fatalf("CameraCoordinates failed: %v", err)
	}

	_, _, fusedOut, err := b.Forward(image, depth, coords, fused)

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if fusedOut.C() != 6 || fusedOut.H() != 4 {
		t.Errorf("Fused stream wrong, got %dx%dx%d",
			fusedOut.C(), fusedOut.H(), fusedOut.W())
	}

	// a missing fused stream leaves the fusion branch short of channels
	if _, _, _, err := b.Forward(image, depth, coords, nil); err == nil {
		t.Errorf("Expected error for missing fused stream")
	}
}
