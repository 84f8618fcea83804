package kbnet

import (
	"testing"
)

func testBlockOpts(t *testing.T) blockOpts {

	activation, err := activationFunc("leaky_relu")

	if err != nil {
		t.Fatalf("activationFunc failed: %v", err)
	}

	return blockOpts{
		weightInitializer: "kaiming_uniform",
		activation:        activation,
	}
}

func TestVGGNetBlock(t *testing.T) {

	tests := []struct {
		nConvolution int
		stride       int
		outH         int
	}{
		{1, 2, 4},
		{3, 2, 4},
		{2, 1, 8},
	}

	for _, tc := range tests {
		b, err := NewVGGNetBlock(3, 8, tc.nConvolution, tc.stride, testBlockOpts(t))

		if err != nil {
			t.Fatalf("NewVGGNetBlock failed: %v", err)
		}

		if b.OutChannels() != 8 {
			t.Errorf("Expected 8 output channels, got %d", b.OutChannels())
		}

		out, err := b.Forward(NewTensor(1, 3, 8, 8))

		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		if out.C() != 8 || out.H() != tc.outH {
			t.Errorf("nConvolution %d stride %d: expected %dx%d, got %dx%d",
				tc.nConvolution, tc.stride, 8, tc.outH, out.C(), out.H())
		}
	}
}

func TestAtrousVGGNetBlockKeepsSize(t *testing.T) {

	b, err := NewAtrousVGGNetBlock(3, 8, 2, 2, testBlockOpts(t))

	if err != nil {
		t.Fatalf("NewAtrousVGGNetBlock failed: %v", err)
	}

	out, err := b.Forward(NewTensor(1, 3, 8, 8))

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.H() != 8 || out.W() != 8 {
		t.Errorf("Atrous block should keep spatial size, got %dx%d", out.H(), out.W())
	}
}

func TestResNetBlock(t *testing.T) {

	b, err := NewResNetBlock(4, 8, 2, testBlockOpts(t))

	if err != nil {
		t.Fatalf("NewResNetBlock failed: %v", err)
	}

	if b.OutChannels() != 8 {
		t.Errorf("Expected 8 output channels, got %d", b.OutChannels())
	}

	out, err := b.Forward(NewTensor(1, 4, 8, 8))

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.C() != 8 || out.H() != 4 || out.W() != 4 {
		t.Errorf("Expected 8x4x4 output, got %dx%dx%d", out.C(), out.H(), out.W())
	}
}

func TestResNetBottleneckBlockExpands(t *testing.T) {

	b, err := NewResNetBottleneckBlock(4, 8, 1, testBlockOpts(t))

	if err != nil {
		t.Fatalf("NewResNetBottleneckBlock failed: %v", err)
	}

	if b.OutChannels() != 32 {
		t.Errorf("Bottleneck expansion wrong, expected 32, got %d", b.OutChannels())
	}

	out, err := b.Forward(NewTensor(1, 4, 4, 4))

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.C() != 32 || out.H() != 4 {
		t.Errorf("Expected 32x4x4 output, got %dx%dx%d", out.C(), out.H(), out.W())
	}
}

func TestAtrousResNetBlockKeepsSize(t *testing.T) {

	b, err := NewAtrousResNetBlock(4, 8, 2, testBlockOpts(t))

	if err != nil {
		t.Fatalf("NewAtrousResNetBlock failed: %v", err)
	}

	out, err := b.Forward(NewTensor(1, 4, 8, 8))

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.C() != 8 || out.H() != 8 {
		t.Errorf("Expected 8x8x8 output, got %dx%dx%d", out.C(), out.H(), out.W())
	}
}

func TestAtrousSpatialPyramidPooling(t *testing.T) {

	a, err := NewAtrousSpatialPyramidPooling(8, 8, []int{2, 4, 8}, testBlockOpts(t))

	if err != nil {
		t.Fatalf("NewAtrousSpatialPyramidPooling failed: %v", err)
	}

	out, err := a.Forward(NewTensor(1, 8, 8, 8))

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.C() != 8 || out.H() != 8 {
		t.Errorf("Expected 8x8x8 output, got %dx%dx%d", out.C(), out.H(), out.W())
	}
}

func TestDecoderBlock(t *testing.T) {

	for _, deconvType := range []string{"transpose", "up"} {
		b, err := NewDecoderBlock(8, 4, 6, deconvType, testBlockOpts(t))

		if err != nil {
			t.Fatalf("NewDecoderBlock(%s) failed: %v", deconvType, err)
		}

		skip := NewTensor(1, 4, 8, 8)

		out, err := b.Forward(NewTensor(1, 8, 4, 4), skip, 0, 0)

		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		if out.C() != 6 || out.H() != 8 || out.W() != 8 {
			t.Errorf("%s: expected 6x8x8 output, got %dx%dx%d",
				deconvType, out.C(), out.H(), out.W())
		}
	}
}

func TestDecoderBlockOddSkip(t *testing.T) {

	b, err := NewDecoderBlock(8, 4, 6, "transpose", testBlockOpts(t))

	if err != nil {
		t.Fatalf("NewDecoderBlock failed: %v", err)
	}

	// odd sized skip forces a resize after the transposed convolution
	skip := NewTensor(1, 4, 7, 9)

	out, err := b.Forward(NewTensor(1, 8, 4, 4), skip, 0, 0)

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.H() != 7 || out.W() != 9 {
		t.Errorf("Expected 7x9 output, got %dx%d", out.H(), out.W())
	}
}

func TestDecoderBlockNoSkip(t *testing.T) {

	b, err := NewDecoderBlock(8, 0, 6, "up", testBlockOpts(t))

	if err != nil {
		t.Fatalf("NewDecoderBlock failed: %v", err)
	}

	// explicit target shape
	out, err := b.Forward(NewTensor(1, 8, 4, 4), nil, 9, 11)

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.H() != 9 || out.W() != 11 {
		t.Errorf("Expected 9x11 output, got %dx%d", out.H(), out.W())
	}

	// zero target doubles the input
	out, err = b.Forward(NewTensor(1, 8, 4, 4), nil, 0, 0)

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.H() != 8 || out.W() != 8 {
		t.Errorf("Expected 8x8 output, got %dx%d", out.H(), out.W())
	}
}

func TestDecoderBlockUnknownType(t *testing.T) {

	if _, err := NewDecoderBlock(8, 4, 6, "bilinear", testBlockOpts(t)); err == nil {
		t.Errorf("Expected error for unknown deconvolution type")
	}
}
