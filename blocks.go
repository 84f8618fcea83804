package kbnet

import (
	"fmt"
)

// blockOpts carries the construction settings shared by all generic
// convolution blocks
type blockOpts struct {
	weightInitializer string
	activation        ActivationFunc
	useBatchNorm      bool
	useInstanceNorm   bool
}

// VGGNetBlock is a stack of 3x3 convolutions where the final
// convolution carries the stride
type VGGNetBlock struct {
	convs       []*Conv2d
	outChannels int
}

// NewVGGNetBlock creates a VGG style convolution block
func NewVGGNetBlock(inChannels, outChannels, nConvolution, stride int,
	opts blockOpts) (*VGGNetBlock, error) {

	if nConvolution < 1 {
		return nil, fmt.Errorf("vgg block requires at least one convolution, got %d",
			nConvolution)
	}

	b := &VGGNetBlock{outChannels: outChannels}

	in := inChannels

	for n := 0; n < nConvolution-1; n++ {
		conv, err := NewConv2d(ConvConfig{
			InChannels:        in,
			OutChannels:       outChannels,
			KernelSize:        3,
			Stride:            1,
			WeightInitializer: opts.weightInitializer,
			Activation:        opts.activation,
			UseBatchNorm:      opts.useBatchNorm,
			UseInstanceNorm:   opts.useInstanceNorm,
		})

		if err != nil {
			return nil, err
		}

		b.convs = append(b.convs, conv)
		in = outChannels
	}

	conv, err := NewConv2d(ConvConfig{
		InChannels:        in,
		OutChannels:       outChannels,
		KernelSize:        3,
		Stride:            stride,
		WeightInitializer: opts.weightInitializer,
		Activation:        opts.activation,
		UseBatchNorm:      opts.useBatchNorm,
		UseInstanceNorm:   opts.useInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	b.convs = append(b.convs, conv)

	return b, nil
}

// OutChannels returns the number of output channels
func (b *VGGNetBlock) OutChannels() int {
	return b.outChannels
}

// Forward runs the convolution stack
func (b *VGGNetBlock) Forward(x *Tensor) (*Tensor, error) {

	var err error

	for _, conv := range b.convs {
		x, err = conv.Forward(x)

		if err != nil {
			return nil, err
		}
	}

	return x, nil
}

func (b *VGGNetBlock) parameters(prefix string) []Parameter {

	var params []Parameter

	for i, conv := range b.convs {
		params = append(params, conv.parameters(fmt.Sprintf("%s.conv%d", prefix, i))...)
	}

	return params
}

// AtrousVGGNetBlock is a stack of 3x3 convolutions where the final
// convolution is dilated instead of strided
type AtrousVGGNetBlock struct {
	convs       []*Conv2d
	outChannels int
}

// NewAtrousVGGNetBlock creates an atrous VGG style convolution block
func NewAtrousVGGNetBlock(inChannels, outChannels, nConvolution, dilation int,
	opts blockOpts) (*AtrousVGGNetBlock, error) {

	if nConvolution < 1 {
		return nil, fmt.Errorf("atrous vgg block requires at least one convolution, got %d",
			nConvolution)
	}

	b := &AtrousVGGNetBlock{outChannels: outChannels}

	in := inChannels

	for n := 0; n < nConvolution-1; n++ {
		conv, err := NewConv2d(ConvConfig{
			InChannels:        in,
			OutChannels:       outChannels,
			KernelSize:        3,
			Stride:            1,
			WeightInitializer: opts.weightInitializer,
			Activation:        opts.activation,
			UseBatchNorm:      opts.useBatchNorm,
			UseInstanceNorm:   opts.useInstanceNorm,
		})

		if err != nil {
			return nil, err
		}

		b.convs = append(b.convs, conv)
		in = outChannels
	}

	conv, err := NewConv2d(ConvConfig{
		InChannels:        in,
		OutChannels:       outChannels,
		KernelSize:        3,
		Stride:            1,
		Dilation:          dilation,
		WeightInitializer: opts.weightInitializer,
		Activation:        opts.activation,
		UseBatchNorm:      opts.useBatchNorm,
		UseInstanceNorm:   opts.useInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	b.convs = append(b.convs, conv)

	return b, nil
}

// OutChannels returns the number of output channels
func (b *AtrousVGGNetBlock) OutChannels() int {
	return b.outChannels
}

// Forward runs the convolution stack
func (b *AtrousVGGNetBlock) Forward(x *Tensor) (*Tensor, error) {

	var err error

	for _, conv := range b.convs {
		x, err = conv.Forward(x)

		if err != nil {
			return nil, err
		}
	}

	return x, nil
}

func (b *AtrousVGGNetBlock) parameters(prefix string) []Parameter {

	var params []Parameter

	for i, conv := range b.convs {
		params = append(params, conv.parameters(fmt.Sprintf("%s.conv%d", prefix, i))...)
	}

	return params
}

// ResNetBlock is a basic two convolution residual block
type ResNetBlock struct {
	conv1       *Conv2d
	conv2       *Conv2d
	projection  *Conv2d
	activation  ActivationFunc
	outChannels int
}

// NewResNetBlock creates a basic residual block, the first convolution
// carries the stride and a 1x1 projection aligns the identity branch
// when shapes differ
func NewResNetBlock(inChannels, outChannels, stride int, opts blockOpts) (*ResNetBlock, error) {

	conv1, err := NewConv2d(ConvConfig{
		InChannels:        inChannels,
		OutChannels:       outChannels,
		KernelSize:        3,
		Stride:            stride,
		WeightInitializer: opts.weightInitializer,
		Activation:        opts.activation,
		UseBatchNorm:      opts.useBatchNorm,
		UseInstanceNorm:   opts.useInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	conv2, err := NewConv2d(ConvConfig{
		InChannels:        outChannels,
		OutChannels:       outChannels,
		KernelSize:        3,
		Stride:            1,
		WeightInitializer: opts.weightInitializer,
		UseBatchNorm:      opts.useBatchNorm,
		UseInstanceNorm:   opts.useInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	b := &ResNetBlock{
		conv1:       conv1,
		conv2:       conv2,
		activation:  opts.activation,
		outChannels: outChannels,
	}

	if b.activation == nil {
		b.activation = identity
	}

	if inChannels != outChannels || stride != 1 {
		b.projection, err = NewConv2d(ConvConfig{
			InChannels:        inChannels,
			OutChannels:       outChannels,
			KernelSize:        1,
			Stride:            stride,
			WeightInitializer: opts.weightInitializer,
		})

		if err != nil {
			return nil, err
		}
	}

	return b, nil
}

// OutChannels returns the number of output channels
func (b *ResNetBlock) OutChannels() int {
	return b.outChannels
}

// Forward runs the residual block
func (b *ResNetBlock) Forward(x *Tensor) (*Tensor, error) {

	out, err := b.conv1.Forward(x)

	if err != nil {
		return nil, err
	}

	out, err = b.conv2.Forward(out)

	if err != nil {
		return nil, err
	}

	shortcut := x

	if b.projection != nil {
		shortcut, err = b.projection.Forward(x)

		if err != nil {
			return nil, err
		}
	}

	sum, err := Add(out, shortcut)

	if err != nil {
		return nil, err
	}

	return b.activation(sum), nil
}

func (b *ResNetBlock) parameters(prefix string) []Parameter {

	params := append(b.conv1.parameters(prefix+".conv1"),
		b.conv2.parameters(prefix+".conv2")...)

	if b.projection != nil {
		params = append(params, b.projection.parameters(prefix+".projection")...)
	}

	return params
}

// ResNetBottleneckBlock is a three convolution residual block whose
// output width is four times the configured filter count
type ResNetBottleneckBlock struct {
	conv1       *Conv2d
	conv2       *Conv2d
	conv3       *Conv2d
	projection  *Conv2d
	activation  ActivationFunc
	outChannels int
}

// NewResNetBottleneckBlock creates a bottleneck residual block, the
// middle convolution carries the stride
func NewResNetBottleneckBlock(inChannels, outChannels, stride int,
	opts blockOpts) (*ResNetBottleneckBlock, error) {

	conv1, err := NewConv2d(ConvConfig{
		InChannels:        inChannels,
		OutChannels:       outChannels,
		KernelSize:        1,
		Stride:            1,
		WeightInitializer: opts.weightInitializer,
		Activation:        opts.activation,
		UseBatchNorm:      opts.useBatchNorm,
		UseInstanceNorm:   opts.useInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	conv2, err := NewConv2d(ConvConfig{
		InChannels:        outChannels,
		OutChannels:       outChannels,
		KernelSize:        3,
		Stride:            stride,
		WeightInitializer: opts.weightInitializer,
		Activation:        opts.activation,
		UseBatchNorm:      opts.useBatchNorm,
		UseInstanceNorm:   opts.useInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	conv3, err := NewConv2d(ConvConfig{
		InChannels:        outChannels,
		OutChannels:       4 * outChannels,
		KernelSize:        1,
		Stride:            1,
		WeightInitializer: opts.weightInitializer,
		UseBatchNorm:      opts.useBatchNorm,
		UseInstanceNorm:   opts.useInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	projection, err := NewConv2d(ConvConfig{
		InChannels:        inChannels,
		OutChannels:       4 * outChannels,
		KernelSize:        1,
		Stride:            stride,
		WeightInitializer: opts.weightInitializer,
	})

	if err != nil {
		return nil, err
	}

	b := &ResNetBottleneckBlock{
		conv1:       conv1,
		conv2:       conv2,
		conv3:       conv3,
		projection:  projection,
		activation:  opts.activation,
		outChannels: 4 * outChannels,
	}

	if b.activation == nil {
		b.activation = identity
	}

	return b, nil
}

// OutChannels returns the number of output channels
func (b *ResNetBottleneckBlock) OutChannels() int {
	return b.outChannels
}

// Forward runs the bottleneck block
func (b *ResNetBottleneckBlock) Forward(x *Tensor) (*Tensor, error) {

	out, err := b.conv1.Forward(x)

	if err != nil {
		return nil, err
	}

	out, err = b.conv2.Forward(out)

	if err != nil {
		return nil, err
	}

	out, err = b.conv3.Forward(out)

	if err != nil {
		return nil, err
	}

	shortcut, err := b.projection.Forward(x)

	if err != nil {
		return nil, err
	}

	sum, err := Add(out, shortcut)

	if err != nil {
		return nil, err
	}

	return b.activation(sum), nil
}

func (b *ResNetBottleneckBlock) parameters(prefix string) []Parameter {

	params := append(b.conv1.parameters(prefix+".conv1"),
		b.conv2.parameters(prefix+".conv2")...)
	params = append(params, b.conv3.parameters(prefix+".conv3")...)
	params = append(params, b.projection.parameters(prefix+".projection")...)

	return params
}

// AtrousResNetBlock is a residual block that grows its receptive field
// with dilation instead of stride
type AtrousResNetBlock struct {
	conv1       *Conv2d
	conv2       *Conv2d
	projection  *Conv2d
	activation  ActivationFunc
	outChannels int
}

// NewAtrousResNetBlock creates a dilated residual block
func NewAtrousResNetBlock(inChannels, outChannels, dilation int,
	opts blockOpts) (*AtrousResNetBlock, error) {

	conv1, err := NewConv2d(ConvConfig{
		InChannels:        inChannels,
		OutChannels:       outChannels,
		KernelSize:        3,
		Stride:            1,
		Dilation:          dilation,
		WeightInitializer: opts.weightInitializer,
		Activation:        opts.activation,
		UseBatchNorm:      opts.useBatchNorm,
		UseInstanceNorm:   opts.useInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	conv2, err := NewConv2d(ConvConfig{
		InChannels:        outChannels,
		OutChannels:       outChannels,
		KernelSize:        3,
		Stride:            1,
		Dilation:          dilation,
		WeightInitializer: opts.weightInitializer,
		UseBatchNorm:      opts.useBatchNorm,
		UseInstanceNorm:   opts.useInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	b := &AtrousResNetBlock{
		conv1:       conv1,
		conv2:       conv2,
		activation:  opts.activation,
		outChannels: outChannels,
	}

	if b.activation == nil {
		b.activation = identity
	}

	if inChannels != outChannels {
		b.projection, err = NewConv2d(ConvConfig{
			InChannels:        inChannels,
			OutChannels:       outChannels,
			KernelSize:        1,
			Stride:            1,
			WeightInitializer: opts.weightInitializer,
		})

		if err != nil {
			return nil, err
		}
	}

	return b, nil
}

// OutChannels returns the number of output channels
func (b *AtrousResNetBlock) OutChannels() int {
	return b.outChannels
}

// Forward runs the dilated residual block
func (b *AtrousResNetBlock) Forward(x *Tensor) (*Tensor, error) {

	out, err := b.conv1.Forward(x)

	if err != nil {
		return nil, err
	}

	out, err = b.conv2.Forward(out)

	if err != nil {
		return nil, err
	}

	shortcut := x

	if b.projection != nil {
		shortcut, err = b.projection.Forward(x)

		if err != nil {
			return nil, err
		}
	}

	sum, err := Add(out, shortcut)

	if err != nil {
		return nil, err
	}

	return b.activation(sum), nil
}

func (b *AtrousResNetBlock) parameters(prefix string) []Parameter {

	params := append(b.conv1.parameters(prefix+".conv1"),
		b.conv2.parameters(prefix+".conv2")...)

	if b.projection != nil {
		params = append(params, b.projection.parameters(prefix+".projection")...)
	}

	return params
}

// AtrousSpatialPyramidPooling fuses parallel dilated convolutions over
// the same feature map to aggregate multi-scale context
type AtrousSpatialPyramidPooling struct {
	branches    []*Conv2d
	project     *Conv2d
	outChannels int
}

// NewAtrousSpatialPyramidPooling creates an ASPP module with a 1x1
// branch plus one 3x3 dilated branch per dilation rate
func NewAtrousSpatialPyramidPooling(inChannels, outChannels int, dilations []int,
	opts blockOpts) (*AtrousSpatialPyramidPooling, error) {

	if len(dilations) == 0 {
		return nil, fmt.Errorf("aspp requires at least one dilation rate")
	}

	a := &AtrousSpatialPyramidPooling{outChannels: outChannels}

	branch, err := NewConv2d(ConvConfig{
		InChannels:        inChannels,
		OutChannels:       outChannels,
		KernelSize:        1,
		Stride:            1,
		WeightInitializer: opts.weightInitializer,
		Activation:        opts.activation,
		UseBatchNorm:      opts.useBatchNorm,
		UseInstanceNorm:   opts.useInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	a.branches = append(a.branches, branch)

	for _, dilation := range dilations {
		branch, err := NewConv2d(ConvConfig{
			InChannels:        inChannels,
			OutChannels:       outChannels,
			KernelSize:        3,
			Stride:            1,
			Dilation:          dilation,
			WeightInitializer: opts.weightInitializer,
			Activation:        opts.activation,
			UseBatchNorm:      opts.useBatchNorm,
			UseInstanceNorm:   opts.useInstanceNorm,
		})

		if err != nil {
			return nil, err
		}

		a.branches = append(a.branches, branch)
	}

	a.project, err = NewConv2d(ConvConfig{
		InChannels:        len(a.branches) * outChannels,
		OutChannels:       outChannels,
		KernelSize:        1,
		Stride:            1,
		WeightInitializer: opts.weightInitializer,
		Activation:        opts.activation,
	})

	if err != nil {
		return nil, err
	}

	return a, nil
}

// OutChannels returns the number of output channels
func (a *AtrousSpatialPyramidPooling) OutChannels() int {
	return a.outChannels
}

// Forward runs all branches and projects their concatenation
func (a *AtrousSpatialPyramidPooling) Forward(x *Tensor) (*Tensor, error) {

	var outs []*Tensor

	for _, branch := range a.branches {
		out, err := branch.Forward(x)

		if err != nil {
			return nil, err
		}

		outs = append(outs, out)
	}

	cat, err := Concat(outs...)

	if err != nil {
		return nil, err
	}

	return a.project.Forward(cat)
}

func (a *AtrousSpatialPyramidPooling) parameters(prefix string) []Parameter {

	var params []Parameter

	for i, branch := range a.branches {
		params = append(params, branch.parameters(fmt.Sprintf("%s.branch%d", prefix, i))...)
	}

	params = append(params, a.project.parameters(prefix+".project")...)

	return params
}

// DecoderBlock performs one upsample and fuse step: the input is
// brought to the skip connection's resolution, concatenated with the
// skip and convolved
type DecoderBlock struct {
	deconvType string
	deconv     *ConvTranspose2d
	upConv     *Conv2d
	conv       *Conv2d

	outChannels int
}

// NewDecoderBlock creates a decoder block, deconvType is either
// "transpose" for a learned transposed convolution or "up" for
// bilinear upsampling followed by convolution
func NewDecoderBlock(inChannels, skipChannels, outChannels int, deconvType string,
	opts blockOpts) (*DecoderBlock, error) {

	b := &DecoderBlock{
		deconvType:  deconvType,
		outChannels: outChannels,
	}

	var err error

	switch deconvType {
	case "transpose":
		b.deconv, err = NewConvTranspose2d(inChannels, outChannels,
			opts.weightInitializer, opts.activation)
	case "up":
		b.upConv, err = NewConv2d(ConvConfig{
			InChannels:        inChannels,
			OutChannels:       outChannels,
			KernelSize:        3,
			Stride:            1,
			WeightInitializer: opts.weightInitializer,
			Activation:        opts.activation,
			UseBatchNorm:      opts.useBatchNorm,
			UseInstanceNorm:   opts.useInstanceNorm,
		})
	default:
		return nil, fmt.Errorf("unsupported deconvolution type: %s", deconvType)
	}

	if err != nil {
		return nil, err
	}

	b.conv, err = NewConv2d(ConvConfig{
		InChannels:        outChannels + skipChannels,
		OutChannels:       outChannels,
		KernelSize:        3,
		Stride:            1,
		WeightInitializer: opts.weightInitializer,
		Activation:        opts.activation,
		UseBatchNorm:      opts.useBatchNorm,
		UseInstanceNorm:   opts.useInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	return b, nil
}

// OutChannels returns the number of output channels
func (b *DecoderBlock) OutChannels() int {
	return b.outChannels
}

// Forward upsamples x to the skip's resolution and fuses the two.  A
// nil skip upsamples to targetH x targetW instead, or to twice the
// input size when the target dimensions are zero.
func (b *DecoderBlock) Forward(x, skip *Tensor, targetH, targetW int) (*Tensor, error) {

	if skip != nil {
		targetH, targetW = skip.H(), skip.W()
	} else if targetH == 0 || targetW == 0 {
		targetH, targetW = 2*x.H(), 2*x.W()
	}

	var up *Tensor
	var err error

	switch b.deconvType {
	case "transpose":
		up, err = b.deconv.Forward(x)

		if err != nil {
			return nil, err
		}

		if up.H() != targetH || up.W() != targetW {
			up = up.Interpolate(targetH, targetW)
		}
	case "up":
		up, err = b.upConv.Forward(x.Interpolate(targetH, targetW))

		if err != nil {
			return nil, err
		}
	}

	fused := up

	if skip != nil {
		fused, err = Concat(up, skip)

		if err != nil {
			return nil, err
		}
	}

	return b.conv.Forward(fused)
}

func (b *DecoderBlock) parameters(prefix string) []Parameter {

	var params []Parameter

	if b.deconv != nil {
		params = append(params, b.deconv.parameters(prefix+".deconv")...)
	}

	if b.upConv != nil {
		params = append(params, b.upConv.parameters(prefix+".up_conv")...)
	}

	params = append(params, b.conv.parameters(prefix+".conv")...)

	return params
}
