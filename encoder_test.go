package kbnet

import (
	"testing"
)

// smallKBNetEncoderConfig keeps the filter counts tiny so forward
// passes stay cheap in tests
func smallKBNetEncoderConfig() KBNetEncoderConfig {
	return KBNetEncoderConfig{
		InputChannelsImage:        3,
		InputChannelsDepth:        2,
		NFiltersImage:             []int{6, 8, 10, 12, 12},
		NFiltersDepth:             []int{4, 4, 6, 6, 6},
		NFiltersFused:             []int{6, 8, 10, 12, 12},
		NConvolutionsImage:        []int{1, 1, 1, 1, 1},
		NConvolutionsDepth:        []int{1, 1, 1, 1, 1},
		NConvolutionsFused:        []int{1, 1, 1, 1, 1},
		ResolutionsBackprojection: []int{0, 1, 2},
		WeightInitializer:         "kaiming_uniform",
		Activation:                "leaky_relu",
	}
}

func TestKBNetEncoderForward(t *testing.T) {

	e, err := NewKBNetEncoder(smallKBNetEncoderConfig())

	if err != nil {
		t.Fatalf("NewKBNetEncoder failed: %v", err)
	}

	image := NewTensor(1, 3, 32, 64)
	depth := NewTensor(1, 2, 32, 64)
	k := NewIntrinsics(50, 50, 32, 16)

	bottleneck, skips, err := e.Forward(image, depth, k)

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if len(skips) != 4 {
		t.Fatalf("Expected 4 skip connections, got %d", len(skips))
	}

	// each level halves the resolution
	expectedH := 16

	for i, skip := range skips {
		if skip.H() != expectedH || skip.W() != expectedH*2 {
			t.Errorf("Skip %d resolution wrong, expected %dx%d, got %dx%d",
				i, expectedH, expectedH*2, skip.H(), skip.W())
		}

		expectedH /= 2
	}

	// 1/32 of the input resolution
	if bottleneck.H() != 1 || bottleneck.W() != 2 {
		t.Errorf("Bottleneck resolution wrong, got %dx%d",
			bottleneck.H(), bottleneck.W())
	}

	// skip channels are the fused or image stream plus the depth stream
	expected := e.SkipChannels()

	for i, skip := range skips {
		if skip.C() != expected[i] {
			t.Errorf("Skip %d channels wrong, expected %d, got %d",
				i, expected[i], skip.C())
		}
	}

	if bottleneck.C() != e.BottleneckChannels() {
		t.Errorf("Bottleneck channels wrong, expected %d, got %d",
			e.BottleneckChannels(), bottleneck.C())
	}
}

func TestKBNetEncoderChannelCounts(t *testing.T) {

	e, err := NewKBNetEncoder(smallKBNetEncoderConfig())

	if err != nil {
		t.Fatalf("NewKBNetEncoder failed: %v", err)
	}

	// levels 0..2 are calibrated, levels 3..4 plain
	expected := []int{6 + 4, 8 + 4, 10 + 6, 12 + 6}

	skips := e.SkipChannels()

	for i, want := range expected {
		if skips[i] != want {
			t.Errorf("Skip %d channels wrong, expected %d, got %d", i, want, skips[i])
		}
	}

	if e.BottleneckChannels() != 12+6 {
		t.Errorf("Bottleneck channels wrong, expected 18, got %d",
			e.BottleneckChannels())
	}
}

func TestKBNetEncoderAllPlainLevels(t *testing.T) {

	cfg := smallKBNetEncoderConfig()
	cfg.ResolutionsBackprojection = nil

	e, err := NewKBNetEncoder(cfg)

	if err != nil {
		t.Fatalf("NewKBNetEncoder failed: %v", err)
	}

	image := NewTensor(1, 3, 32, 32)
	depth := NewTensor(1, 2, 32, 32)
	k := NewIntrinsics(50, 50, 16, 16)

	bottleneck, skips, err := e.Forward(image, depth, k)

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if len(skips) != 4 {
		t.Fatalf("Plain configuration wrong, expected 4 skips, got %d",
			len(skips))
	}

	// with no calibrated levels the encoder must behave exactly like
	// two plain stride-2 convolution pyramids whose streams are
	// concatenated at every level
	refImage := image
	refDepth := depth

	for level := 0; level < kbnetDepth; level++ {
		imgBlock, err := NewVGGNetBlock(refImage.C(),
			cfg.NFiltersImage[level], cfg.NConvolutionsImage[level], 2,
			testBlockOpts(t))

		if err != nil {
			t.Fatalf("NewVGGNetBlock failed at level %d: %v", level, err)
		}

		depthBlock, err := NewVGGNetBlock(refDepth.C(),
			cfg.NFiltersDepth[level], cfg.NConvolutionsDepth[level], 2,
			testBlockOpts(t))

		if err != nil {
			t.Fatalf("NewVGGNetBlock failed at level %d: %v", level, err)
		}

		refImage, err = imgBlock.Forward(refImage)

		if err != nil {
			t.Fatalf("Reference image forward failed at level %d: %v",
				level, err)
		}

		refDepth, err = depthBlock.Forward(refDepth)

		if err != nil {
			t.Fatalf("Reference depth forward failed at level %d: %v",
				level, err)
		}

		got := bottleneck

		if level < kbnetDepth-1 {
			got = skips[level]
		}

		wantC := refImage.C() + refDepth.C()

		if got.C() != wantC {
			t.Errorf("Level %d channels wrong, expected %d, got %d",
				level, wantC, got.C())
		}

		if got.H() != refImage.H() || got.W() != refImage.W() {
			t.Errorf("Level %d resolution wrong, expected %dx%d, got %dx%d",
				level, refImage.H(), refImage.W(), got.H(), got.W())
		}
	}
}

func TestKBNetEncoderBatchedCalibration(t *testing.T) {

	e, err := NewKBNetEncoder(smallKBNetEncoderConfig())

	if err != nil {
		t.Fatalf("NewKBNetEncoder failed: %v", err)
	}

	image := NewTensor(2, 3, 32, 32)
	depth := NewTensor(2, 2, 32, 32)

	// one calibration per batch element
	k := append(NewIntrinsics(50, 50, 16, 16), NewIntrinsics(60, 60, 15, 17)[0])

	if _, _, err := e.Forward(image, depth, k); err != nil {
		t.Fatalf("Forward failed with per element calibration: %v", err)
	}

	// intrinsics batch size must match
	if _, _, err := e.Forward(image, depth, k[:1]); err == nil {
		t.Errorf("Expected error for calibration batch mismatch")
	}
}

func TestKBNetEncoderConfigErrors(t *testing.T) {

	cfg := smallKBNetEncoderConfig()
	cfg.NFiltersDepth = []int{4, 4, 6}

	if _, err := NewKBNetEncoder(cfg); err == nil {
		t.Errorf("Expected error for short filter list")
	}

	cfg = smallKBNetEncoderConfig()
	cfg.ResolutionsBackprojection = []int{0, 5}

	if _, err := NewKBNetEncoder(cfg); err == nil {
		t.Errorf("Expected error for out of range resolution")
	}

	cfg = smallKBNetEncoderConfig()
	cfg.Activation = "bogus"

	if _, err := NewKBNetEncoder(cfg); err == nil {
		t.Errorf("Expected error for unknown activation")
	}
}

func TestKBNetEncoderInputMismatch(t *testing.T) {

	e, err := NewKBNetEncoder(smallKBNetEncoderConfig())

	if err != nil {
		t.Fatalf("NewKBNetEncoder failed: %v", err)
	}

	k := NewIntrinsics(50, 50, 16, 16)

	_, _, err = e.Forward(NewTensor(1, 3, 32, 32), NewTensor(1, 2, 16, 16), k)

	if err == nil {
		t.Errorf("Expected error for image and depth size mismatch")
	}
}
