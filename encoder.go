package kbnet

import (
	"fmt"
)

// kbnetDepth is the number of pyramid levels in the KBNet encoder,
// each level halves the spatial resolution
const kbnetDepth = 5

// KBNetEncoderConfig configures a KBNetEncoder.  Every per-level list
// must have exactly one entry per pyramid level.
type KBNetEncoderConfig struct {
	InputChannelsImage int
	InputChannelsDepth int

	NFiltersImage []int
	NFiltersDepth []int
	NFiltersFused []int

	NConvolutionsImage []int
	NConvolutionsDepth []int
	NConvolutionsFused []int

	// ResolutionsBackprojection lists the pyramid levels (0..4) that
	// use calibrated backprojection, all other levels fall back to
	// plain strided convolution blocks
	ResolutionsBackprojection []int

	WeightInitializer string
	Activation        string
}

// DefaultKBNetEncoderConfig returns the configuration of the published
// depth completion architecture: calibrated backprojection at the three
// finest resolutions
func DefaultKBNetEncoderConfig() KBNetEncoderConfig {
	return KBNetEncoderConfig{
		InputChannelsImage:        3,
		InputChannelsDepth:        1,
		NFiltersImage:             []int{48, 96, 192, 384, 384},
		NFiltersDepth:             []int{16, 32, 64, 128, 128},
		NFiltersFused:             []int{48, 96, 192, 384, 384},
		NConvolutionsImage:        []int{1, 1, 1, 1, 1},
		NConvolutionsDepth:        []int{1, 1, 1, 1, 1},
		NConvolutionsFused:        []int{1, 1, 1, 1, 1},
		ResolutionsBackprojection: []int{0, 1, 2},
		WeightInitializer:         "kaiming_uniform",
		Activation:                "leaky_relu",
	}
}

// encoderLevel is one pyramid stage of the KBNet encoder, either a
// calibrated backprojection level or a plain strided convolution level
type encoderLevel interface {
	isEncoderLevel()
}

// calibratedLevel applies calibrated backprojection, lifting pixel
// coordinates through the scaled inverse intrinsics
type calibratedLevel struct {
	fusion *CalibratedBackprojectionBlock
}

func (*calibratedLevel) isEncoderLevel() {}

// plainLevel applies independent strided convolution blocks to the
// image and depth streams
type plainLevel struct {
	imageBlock *VGGNetBlock
	depthBlock *VGGNetBlock
}

func (*plainLevel) isEncoderLevel() {}

// KBNetEncoder is the calibrated backprojection encoder: a five level
// feature pyramid over parallel image, depth and fused streams with
// per level skip connections.
//
// At each level configured for backprojection the camera intrinsics
// are rescaled to the level's resolution, every pixel is lifted into
// 3D camera space and the resulting coordinate grid is fused with the
// learned features.  Remaining levels use plain stride 2 convolutions.
type KBNetEncoder struct {
	cfg KBNetEncoderConfig

	// initial stride 1 feature extractors, present when level 0 uses
	// calibrated backprojection
	conv0Image *Conv2d
	conv0Depth *Conv2d

	levels [kbnetDepth]encoderLevel
}

// NewKBNetEncoder creates a KBNet encoder from its configuration
func NewKBNetEncoder(cfg KBNetEncoderConfig) (*KBNetEncoder, error) {

	lists := map[string][]int{
		"n_filters_image":      cfg.NFiltersImage,
		"n_filters_depth":      cfg.NFiltersDepth,
		"n_filters_fused":      cfg.NFiltersFused,
		"n_convolutions_image": cfg.NConvolutionsImage,
		"n_convolutions_depth": cfg.NConvolutionsDepth,
		"n_convolutions_fused": cfg.NConvolutionsFused,
	}

	for name, list := range lists {
		if len(list) != kbnetDepth {
			return nil, fmt.Errorf("%s must have %d entries, got %d",
				name, kbnetDepth, len(list))
		}
	}

	calibrated := make(map[int]bool)

	for _, n := range cfg.ResolutionsBackprojection {
		if n < 0 || n >= kbnetDepth {
			return nil, fmt.Errorf("backprojection resolution %d out of range 0..%d",
				n, kbnetDepth-1)
		}

		calibrated[n] = true
	}

	activation, err := activationFunc(cfg.Activation)

	if err != nil {
		return nil, err
	}

	opts := blockOpts{
		weightInitializer: cfg.WeightInitializer,
		activation:        activation,
	}

	e := &KBNetEncoder{cfg: cfg}

	for n := 0; n < kbnetDepth; n++ {
		// image stream input channels follow the transition rule: a
		// calibrated predecessor hands its image branch onward, the
		// fused stream travels separately
		inImage := cfg.InputChannelsImage
		inDepth := cfg.InputChannelsDepth

		if n > 0 {
			inImage = cfg.NFiltersImage[n-1]
			inDepth = cfg.NFiltersDepth[n-1]
		}

		if calibrated[n] {
			inFused := 0

			switch {
			case n == 0:
				// initial extractors lift the raw inputs before the
				// first backprojection
				e.conv0Image, err = NewConv2d(ConvConfig{
					InChannels:        cfg.InputChannelsImage,
					OutChannels:       cfg.NFiltersImage[0],
					KernelSize:        3,
					Stride:            1,
					WeightInitializer: cfg.WeightInitializer,
					Activation:        activation,
				})

				if err != nil {
					return nil, err
				}

				e.conv0Depth, err = NewConv2d(ConvConfig{
					InChannels:        cfg.InputChannelsDepth,
					OutChannels:       cfg.NFiltersDepth[0],
					KernelSize:        3,
					Stride:            1,
					WeightInitializer: cfg.WeightInitializer,
					Activation:        activation,
				})

				if err != nil {
					return nil, err
				}

				inImage = cfg.NFiltersImage[0]
				inDepth = cfg.NFiltersDepth[0]
				inFused = cfg.NFiltersImage[0]
			case calibrated[n-1]:
				inFused = cfg.NFiltersImage[n-1] + cfg.NFiltersFused[n-1]
			default:
				inFused = cfg.NFiltersImage[n-1]
			}

			fusion, err := NewCalibratedBackprojectionBlock(CalibratedBackprojectionConfig{
				InChannelsImage:   inImage,
				InChannelsDepth:   inDepth,
				InChannelsFused:   inFused,
				NFilterImage:      cfg.NFiltersImage[n],
				NFilterDepth:      cfg.NFiltersDepth[n],
				NFilterFused:      cfg.NFiltersFused[n],
				NConvolutionImage: cfg.NConvolutionsImage[n],
				NConvolutionDepth: cfg.NConvolutionsDepth[n],
				NConvolutionFused: cfg.NConvolutionsFused[n],
				WeightInitializer: cfg.WeightInitializer,
				Activation:        activation,
			})

			if err != nil {
				return nil, fmt.Errorf("level %d: %w", n, err)
			}

			e.levels[n] = &calibratedLevel{fusion: fusion}
			continue
		}

		// a plain level consumes the fused stream of a calibrated
		// predecessor in place of the image stream
		if n > 0 && calibrated[n-1] {
			inImage = cfg.NFiltersFused[n-1]
		}

		imageBlock, err := NewVGGNetBlock(inImage, cfg.NFiltersImage[n],
			cfg.NConvolutionsImage[n], 2, opts)

		if err != nil {
			return nil, fmt.Errorf("level %d image block: %w", n, err)
		}

		depthBlock, err := NewVGGNetBlock(inDepth, cfg.NFiltersDepth[n],
			cfg.NConvolutionsDepth[n], 2, opts)

		if err != nil {
			return nil, fmt.Errorf("level %d depth block: %w", n, err)
		}

		e.levels[n] = &plainLevel{imageBlock: imageBlock, depthBlock: depthBlock}
	}

	return e, nil
}

// SkipChannels returns the channel count of each skip connection
// produced by Forward, finest resolution first
func (e *KBNetEncoder) SkipChannels() []int {

	skips := make([]int, 0, kbnetDepth-1)

	for n := 0; n < kbnetDepth-1; n++ {
		switch e.levels[n].(type) {
		case *calibratedLevel:
			skips = append(skips, e.cfg.NFiltersFused[n]+e.cfg.NFiltersDepth[n])
		case *plainLevel:
			skips = append(skips, e.cfg.NFiltersImage[n]+e.cfg.NFiltersDepth[n])
		}
	}

	return skips
}

// BottleneckChannels returns the channel count of the bottleneck tensor
func (e *KBNetEncoder) BottleneckChannels() int {

	n := kbnetDepth - 1

	switch e.levels[n].(type) {
	case *calibratedLevel:
		return e.cfg.NFiltersFused[n] + e.cfg.NFiltersDepth[n]
	default:
		return e.cfg.NFiltersImage[n] + e.cfg.NFiltersDepth[n]
	}
}

// imageInputFor resolves the image stream entering a level from the
// previous level's outputs: a calibrated predecessor is represented by
// its fused stream, a plain predecessor by its image stream
func imageInputFor(image, fused *Tensor) *Tensor {

	if fused != nil {
		return fused
	}

	return image
}

// Forward encodes an image, a depth map and the camera calibration
// into a bottleneck tensor and a skip connection pyramid ordered
// finest resolution first.
//
// The intrinsics are given at the input resolution, each calibrated
// level rescales them to its own resolution and recomputes the camera
// coordinate grid, so differing calibrations per batch element are
// honored on every forward pass.
func (e *KBNetEncoder) Forward(image, depth *Tensor, k Intrinsics) (*Tensor, []*Tensor, error) {

	if image.N() != depth.N() {
		return nil, nil, fmt.Errorf("image batch %d does not match depth batch %d",
			image.N(), depth.N())
	}

	if image.H() != depth.H() || image.W() != depth.W() {
		return nil, nil, fmt.Errorf("image size %dx%d does not match depth size %dx%d",
			image.H(), image.W(), depth.H(), depth.W())
	}

	batch := image.N()
	height0 := image.H()
	width0 := image.W()

	img := image
	dep := depth

	var fused *Tensor
	var skips []*Tensor

	for n := 0; n < kbnetDepth; n++ {
		switch lvl := e.levels[n].(type) {
		case *calibratedLevel:
			// rescale the calibration to this level's resolution,
			// level 0 runs at the input resolution with unscaled
			// intrinsics
			kLevel := k

			if n > 0 {
				kLevel = ScaleIntrinsics(height0, width0, img.H(), img.W(), k)
			}

			coordinates, err := CameraCoordinates(batch, img.H(), img.W(), kLevel)

			if err != nil {
				return nil, nil, fmt.Errorf("level %d: %w", n, err)
			}

			if n == 0 {
				if img, err = e.conv0Image.Forward(img); err != nil {
					return nil, nil, err
				}

				if dep, err = e.conv0Depth.Forward(dep); err != nil {
					return nil, nil, err
				}
			}

			imgOut, depOut, fusedOut, err := lvl.fusion.Forward(img, dep, coordinates, fused)

			if err != nil {
				return nil, nil, fmt.Errorf("level %d: %w", n, err)
			}

			skip, err := Concat(fusedOut, depOut)

			if err != nil {
				return nil, nil, err
			}

			skips = append(skips, skip)
			img, dep, fused = imgOut, depOut, fusedOut

		case *plainLevel:
			imgOut, err := lvl.imageBlock.Forward(imageInputFor(img, fused))

			if err != nil {
				return nil, nil, fmt.Errorf("level %d: %w", n, err)
			}

			depOut, err := lvl.depthBlock.Forward(dep)

			if err != nil {
				return nil, nil, fmt.Errorf("level %d: %w", n, err)
			}

			skip, err := Concat(imgOut, depOut)

			if err != nil {
				return nil, nil, err
			}

			skips = append(skips, skip)
			img, dep, fused = imgOut, depOut, nil
		}
	}

	return skips[kbnetDepth-1], skips[:kbnetDepth-1], nil
}

// Parameters returns all learned values of the encoder in construction
// order
func (e *KBNetEncoder) Parameters() []Parameter {

	var params []Parameter

	if e.conv0Image != nil {
		params = append(params, e.conv0Image.parameters("encoder.conv0_image")...)
		params = append(params, e.conv0Depth.parameters("encoder.conv0_depth")...)
	}

	for n, level := range e.levels {
		prefix := fmt.Sprintf("encoder.level%d", n)

		switch lvl := level.(type) {
		case *calibratedLevel:
			params = append(params, lvl.fusion.parameters(prefix+".backprojection")...)
		case *plainLevel:
			params = append(params, lvl.imageBlock.parameters(prefix+".image")...)
			params = append(params, lvl.depthBlock.parameters(prefix+".depth")...)
		}
	}

	return params
}
