package kbnet

import (
	"fmt"
)

// CalibratedBackprojectionConfig configures a calibrated backprojection
// block.  The convolution counts and filter widths per branch are
// tunable, the fused input channel count must account for the image
// features plus any incoming fused stream.
type CalibratedBackprojectionConfig struct {
	InChannelsImage int
	InChannelsDepth int
	// InChannelsFused is the channel count of the concatenated image
	// and previous fused streams entering the fusion branch
	InChannelsFused int

	NFilterImage int
	NFilterDepth int
	NFilterFused int

	NConvolutionImage int
	NConvolutionDepth int
	NConvolutionFused int

	WeightInitializer string
	Activation        ActivationFunc
}

// CalibratedBackprojectionBlock fuses image features, depth features
// and backprojected 3D camera coordinates into three output streams at
// half the input resolution.
//
// The image and depth branches are independent convolution stacks.
// The depth features are projected to a scalar range map z, the 3D
// positional encoding K^-1 [x, y, 1] z is concatenated into the depth
// branch and, together with the image features and any incoming fused
// stream, into the fusion branch.
type CalibratedBackprojectionBlock struct {
	convImage *VGGNetBlock
	convDepth *VGGNetBlock
	projDepth *Conv2d
	convFused *Conv2d
}

// NewCalibratedBackprojectionBlock creates a calibrated backprojection
// block
func NewCalibratedBackprojectionBlock(cfg CalibratedBackprojectionConfig) (*CalibratedBackprojectionBlock, error) {

	opts := blockOpts{
		weightInitializer: cfg.WeightInitializer,
		activation:        cfg.Activation,
	}

	convImage, err := NewVGGNetBlock(cfg.InChannelsImage, cfg.NFilterImage,
		cfg.NConvolutionImage, 2, opts)

	if err != nil {
		return nil, fmt.Errorf("backprojection image branch: %w", err)
	}

	// depth branch consumes the depth features concatenated with the
	// 3 channel positional encoding
	convDepth, err := NewVGGNetBlock(cfg.InChannelsDepth+3, cfg.NFilterDepth,
		cfg.NConvolutionDepth, 2, opts)

	if err != nil {
		return nil, fmt.Errorf("backprojection depth branch: %w", err)
	}

	projDepth, err := NewConv2d(ConvConfig{
		InChannels:        cfg.InChannelsDepth,
		OutChannels:       1,
		KernelSize:        1,
		Stride:            1,
		WeightInitializer: cfg.WeightInitializer,
		Activation:        cfg.Activation,
	})

	if err != nil {
		return nil, fmt.Errorf("backprojection depth projection: %w", err)
	}

	convFused, err := NewConv2d(ConvConfig{
		InChannels:        cfg.InChannelsFused + 3,
		OutChannels:       cfg.NFilterFused,
		KernelSize:        1,
		Stride:            2,
		WeightInitializer: cfg.WeightInitializer,
		Activation:        cfg.Activation,
	})

	if err != nil {
		return nil, fmt.Errorf("backprojection fusion branch: %w", err)
	}

	return &CalibratedBackprojectionBlock{
		convImage: convImage,
		convDepth: convDepth,
		projDepth: projDepth,
		convFused: convFused,
	}, nil
}

// Forward fuses the three modalities.  coordinates is the 3D camera
// coordinate grid for this resolution and fused is the previous
// calibrated level's fused stream, or nil at the first calibrated
// level.  Returns the image, depth and fused streams at half
// resolution.
func (b *CalibratedBackprojectionBlock) Forward(image, depth, coordinates,
	fused *Tensor) (*Tensor, *Tensor, *Tensor, error) {

	imageOut, err := b.convImage.Forward(image)

	if err != nil {
		return nil, nil, nil, err
	}

	// project depth features to a scalar range map
	z, err := b.projDepth.Forward(depth)

	if err != nil {
		return nil, nil, nil, err
	}

	// 3D positional encoding: K^-1 [x, y, 1] z
	xyz, err := Mul(coordinates, z)

	if err != nil {
		return nil, nil, nil, err
	}

	depthIn, err := Concat(depth, xyz)

	if err != nil {
		return nil, nil, nil, err
	}

	depthOut, err := b.convDepth.Forward(depthIn)

	if err != nil {
		return nil, nil, nil, err
	}

	// fusion branch sees the previous fused stream when present, the
	// image features and the positional encoding
	var fusedIn *Tensor

	if fused != nil {
		fusedIn, err = Concat(fused, image, xyz)
	} else {
		fusedIn, err = Concat(image, xyz)
	}

	if err != nil {
		return nil, nil, nil, err
	}

	fusedOut, err := b.convFused.Forward(fusedIn)

	if err != nil {
		return nil, nil, nil, err
	}

	return imageOut, depthOut, fusedOut, nil
}

func (b *CalibratedBackprojectionBlock) parameters(prefix string) []Parameter {

	params := b.convImage.parameters(prefix + ".conv_image")
	params = append(params, b.convDepth.parameters(prefix+".conv_depth")...)
	params = append(params, b.projDepth.parameters(prefix+".proj_depth")...)
	params = append(params, b.convFused.parameters(prefix+".conv_fused")...)

	return params
}
