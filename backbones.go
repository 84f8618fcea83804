package kbnet

import (
	"fmt"
)

// featureBlock is the common contract of the convolution blocks an
// encoder stage is assembled from
type featureBlock interface {
	Forward(*Tensor) (*Tensor, error)
	OutChannels() int
	parameters(prefix string) []Parameter
}

// Encoder is a single input feature pyramid: Forward returns the
// bottleneck tensor and the skip connections ordered finest resolution
// first.  The decoder depends only on this contract and the declared
// channel configuration, never on the concrete backbone.
type Encoder interface {
	Forward(x *Tensor) (*Tensor, []*Tensor, error)
	Parameters() []Parameter
}

// stage is one resolution step of a generic backbone
type stage struct {
	blocks []featureBlock
	// pool is applied before the blocks when set
	pool *maxPool2d
}

func (s *stage) forward(x *Tensor) (*Tensor, error) {

	if s.pool != nil {
		x = s.pool.forward(x)
	}

	var err error

	for _, b := range s.blocks {
		x, err = b.Forward(x)

		if err != nil {
			return nil, err
		}
	}

	return x, nil
}

func (s *stage) parameters(prefix string) []Parameter {

	var params []Parameter

	for i, b := range s.blocks {
		params = append(params, b.parameters(fmt.Sprintf("%s.block%d", prefix, i))...)
	}

	return params
}

// ResNetEncoderConfig configures a ResNetEncoder
type ResNetEncoderConfig struct {
	// NLayer selects the architecture depth, one of 18, 34 or 50
	NLayer        int
	InputChannels int
	// NFilters per stage, five entries for the standard 1/32 pyramid,
	// additional entries extend the pyramid by further stride 2 stages
	NFilters          []int
	WeightInitializer string
	Activation        string
	UseBatchNorm      bool
	UseInstanceNorm   bool
}

// DefaultResNetEncoderConfig returns an 18 layer encoder over RGB input
func DefaultResNetEncoderConfig() ResNetEncoderConfig {
	return ResNetEncoderConfig{
		NLayer:            18,
		InputChannels:     3,
		NFilters:          []int{32, 64, 128, 256, 256},
		WeightInitializer: "kaiming_uniform",
		Activation:        "leaky_relu",
	}
}

// ResNetEncoder is a residual feature pyramid with skip connections
type ResNetEncoder struct {
	conv1  *Conv2d
	stages []*stage
}

// NewResNetEncoder creates a ResNet encoder, depths other than 18, 34
// and 50 are a configuration error
func NewResNetEncoder(cfg ResNetEncoderConfig) (*ResNetEncoder, error) {

	var nBlocks []int
	useBottleneck := false

	switch cfg.NLayer {
	case 18:
		nBlocks = []int{2, 2, 2, 2}
	case 34:
		nBlocks = []int{3, 4, 6, 3}
	case 50:
		nBlocks = []int{3, 4, 6, 3}
		useBottleneck = true
	default:
		return nil, fmt.Errorf("resnet encoder only supports 18, 34, 50 layer architecture, got %d",
			cfg.NLayer)
	}

	if len(cfg.NFilters) < len(nBlocks)+1 {
		return nil, fmt.Errorf("resnet encoder requires at least %d filter entries, got %d",
			len(nBlocks)+1, len(cfg.NFilters))
	}

	// extra filter entries extend the pyramid, repeating the deepest
	// block count
	for len(nBlocks) < len(cfg.NFilters)-1 {
		nBlocks = append(nBlocks, nBlocks[len(nBlocks)-1])
	}

	activation, err := activationFunc(cfg.Activation)

	if err != nil {
		return nil, err
	}

	opts := blockOpts{
		weightInitializer: cfg.WeightInitializer,
		activation:        activation,
		useBatchNorm:      cfg.UseBatchNorm,
		useInstanceNorm:   cfg.UseInstanceNorm,
	}

	e := &ResNetEncoder{}

	e.conv1, err = NewConv2d(ConvConfig{
		InChannels:        cfg.InputChannels,
		OutChannels:       cfg.NFilters[0],
		KernelSize:        7,
		Stride:            2,
		WeightInitializer: cfg.WeightInitializer,
		Activation:        activation,
		UseBatchNorm:      cfg.UseBatchNorm,
		UseInstanceNorm:   cfg.UseInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	in := cfg.NFilters[0]

	for g := 0; g < len(nBlocks); g++ {
		out := cfg.NFilters[g+1]

		s := &stage{}

		// the first stage downsamples with max pooling instead of a
		// strided block
		stride := 2

		if g == 0 {
			s.pool = &maxPool2d{kernelSize: 3, stride: 2, padding: 1}
			stride = 1
		}

		for n := 0; n < nBlocks[g]; n++ {
			blockStride := 1

			if n == 0 {
				blockStride = stride
			}

			var b featureBlock

			if useBottleneck {
				b, err = NewResNetBottleneckBlock(in, out, blockStride, opts)
			} else {
				b, err = NewResNetBlock(in, out, blockStride, opts)
			}

			if err != nil {
				return nil, err
			}

			s.blocks = append(s.blocks, b)
			in = b.OutChannels()
		}

		e.stages = append(e.stages, s)
	}

	return e, nil
}

// Forward encodes x into a bottleneck and skip connections
func (e *ResNetEncoder) Forward(x *Tensor) (*Tensor, []*Tensor, error) {

	out, err := e.conv1.Forward(x)

	if err != nil {
		return nil, nil, err
	}

	layers := []*Tensor{out}

	for _, s := range e.stages {
		out, err = s.forward(layers[len(layers)-1])

		if err != nil {
			return nil, nil, err
		}

		layers = append(layers, out)
	}

	return layers[len(layers)-1], layers[:len(layers)-1], nil
}

// Parameters returns all learned values of the encoder
func (e *ResNetEncoder) Parameters() []Parameter {

	params := e.conv1.parameters("resnet.conv1")

	for i, s := range e.stages {
		params = append(params, s.parameters(fmt.Sprintf("resnet.stage%d", i))...)
	}

	return params
}

// AtrousResNetEncoderConfig configures an AtrousResNetEncoder
type AtrousResNetEncoderConfig struct {
	// NLayer selects the architecture depth, one of 18 or 34
	NLayer        int
	InputChannels int
	// NFilters per stage, exactly five entries
	NFilters []int
	// SpatialPyramidPoolDilations enables an ASPP module over the
	// final stage when non-empty
	SpatialPyramidPoolDilations []int
	WeightInitializer           string
	Activation                  string
	UseBatchNorm                bool
	UseInstanceNorm             bool
}

// AtrousResNetEncoder is a residual encoder that trades the two
// coarsest strides for dilation, keeping a 1/8 output resolution
type AtrousResNetEncoder struct {
	conv1  *Conv2d
	stages []*stage
	aspp   *AtrousSpatialPyramidPooling
}

// NewAtrousResNetEncoder creates an atrous ResNet encoder, depths other
// than 18 and 34 are a configuration error
func NewAtrousResNetEncoder(cfg AtrousResNetEncoderConfig) (*AtrousResNetEncoder, error) {

	var nBlocks []int

	switch cfg.NLayer {
	case 18:
		nBlocks = []int{2, 2, 2, 2}
	case 34:
		nBlocks = []int{3, 4, 6, 3}
	default:
		return nil, fmt.Errorf("atrous resnet encoder only supports 18, 34 layer architecture, got %d",
			cfg.NLayer)
	}

	if len(cfg.NFilters) != len(nBlocks)+1 {
		return nil, fmt.Errorf("atrous resnet encoder requires %d filter entries, got %d",
			len(nBlocks)+1, len(cfg.NFilters))
	}

	activation, err := activationFunc(cfg.Activation)

	if err != nil {
		return nil, err
	}

	opts := blockOpts{
		weightInitializer: cfg.WeightInitializer,
		activation:        activation,
		useBatchNorm:      cfg.UseBatchNorm,
		useInstanceNorm:   cfg.UseInstanceNorm,
	}

	e := &AtrousResNetEncoder{}

	e.conv1, err = NewConv2d(ConvConfig{
		InChannels:        cfg.InputChannels,
		OutChannels:       cfg.NFilters[0],
		KernelSize:        7,
		Stride:            2,
		WeightInitializer: cfg.WeightInitializer,
		Activation:        activation,
		UseBatchNorm:      cfg.UseBatchNorm,
		UseInstanceNorm:   cfg.UseInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	in := cfg.NFilters[0]
	dilation := 2

	for g := 0; g < len(nBlocks); g++ {
		out := cfg.NFilters[g+1]

		s := &stage{}

		// stages at 1/8 resolution dilate instead of striding
		atrous := g >= 2
		stride := 2

		if g == 0 {
			s.pool = &maxPool2d{kernelSize: 3, stride: 2, padding: 1}
			stride = 1
		}

		for n := 0; n < nBlocks[g]; n++ {
			var b featureBlock

			switch {
			case n == 0 && atrous:
				b, err = NewAtrousResNetBlock(in, out, dilation, opts)
				dilation *= 2
			case n == 0:
				b, err = NewResNetBlock(in, out, stride, opts)
			default:
				b, err = NewResNetBlock(in, out, 1, opts)
			}

			if err != nil {
				return nil, err
			}

			s.blocks = append(s.blocks, b)
			in = b.OutChannels()
		}

		e.stages = append(e.stages, s)
	}

	if len(cfg.SpatialPyramidPoolDilations) > 0 {
		e.aspp, err = NewAtrousSpatialPyramidPooling(in, in,
			cfg.SpatialPyramidPoolDilations, opts)

		if err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Forward encodes x into a bottleneck at 1/8 resolution and skip
// connections
func (e *AtrousResNetEncoder) Forward(x *Tensor) (*Tensor, []*Tensor, error) {

	out, err := e.conv1.Forward(x)

	if err != nil {
		return nil, nil, err
	}

	layers := []*Tensor{out}

	for _, s := range e.stages {
		out, err = s.forward(layers[len(layers)-1])

		if err != nil {
			return nil, nil, err
		}

		layers = append(layers, out)
	}

	bottleneck := layers[len(layers)-1]

	if e.aspp != nil {
		bottleneck, err = e.aspp.Forward(bottleneck)

		if err != nil {
			return nil, nil, err
		}
	}

	return bottleneck, layers[:len(layers)-1], nil
}

// Parameters returns all learned values of the encoder
func (e *AtrousResNetEncoder) Parameters() []Parameter {

	params := e.conv1.parameters("atrous_resnet.conv1")

	for i, s := range e.stages {
		params = append(params, s.parameters(fmt.Sprintf("atrous_resnet.stage%d", i))...)
	}

	if e.aspp != nil {
		params = append(params, e.aspp.parameters("atrous_resnet.aspp")...)
	}

	return params
}

// VGGNetEncoderConfig configures a VGGNetEncoder
type VGGNetEncoderConfig struct {
	// NLayer selects the architecture depth, one of 8, 11 or 13
	NLayer        int
	InputChannels int
	// NFilters per stage, five entries for the standard 1/32 pyramid,
	// additional entries extend the pyramid by further stride 2 stages
	NFilters          []int
	WeightInitializer string
	Activation        string
	UseBatchNorm      bool
	UseInstanceNorm   bool
}

// VGGNetEncoder is a plain convolutional feature pyramid with skip
// connections
type VGGNetEncoder struct {
	conv1  featureBlock
	extra1 *VGGNetBlock
	stages []*stage
}

// v11 and v13 style depth selectors map to per stage convolution counts
func vggConvolutions(nLayer int) ([]int, error) {

	switch nLayer {
	case 8:
		return []int{1, 1, 1, 1, 1}, nil
	case 11:
		return []int{1, 1, 2, 2, 2}, nil
	case 13:
		return []int{2, 2, 2, 2, 2}, nil
	default:
		return nil, fmt.Errorf("vgg encoder only supports 8, 11, 13 layer architecture, got %d",
			nLayer)
	}
}

// NewVGGNetEncoder creates a VGG encoder, depths other than 8, 11 and
// 13 are a configuration error
func NewVGGNetEncoder(cfg VGGNetEncoderConfig) (*VGGNetEncoder, error) {

	nConvolutions, err := vggConvolutions(cfg.NLayer)

	if err != nil {
		return nil, err
	}

	if len(cfg.NFilters) < len(nConvolutions) {
		return nil, fmt.Errorf("vgg encoder requires at least %d filter entries, got %d",
			len(nConvolutions), len(cfg.NFilters))
	}

	for len(nConvolutions) < len(cfg.NFilters) {
		nConvolutions = append(nConvolutions, nConvolutions[len(nConvolutions)-1])
	}

	activation, err := activationFunc(cfg.Activation)

	if err != nil {
		return nil, err
	}

	opts := blockOpts{
		weightInitializer: cfg.WeightInitializer,
		activation:        activation,
		useBatchNorm:      cfg.UseBatchNorm,
		useInstanceNorm:   cfg.UseInstanceNorm,
	}

	e := &VGGNetEncoder{}

	// the first stage strides in its 5x5 convolution unless further
	// convolutions follow, in which case the trailing block strides
	stride1 := 2

	if nConvolutions[0] > 1 {
		stride1 = 1
	}

	conv1, err := NewConv2d(ConvConfig{
		InChannels:        cfg.InputChannels,
		OutChannels:       cfg.NFilters[0],
		KernelSize:        5,
		Stride:            stride1,
		WeightInitializer: cfg.WeightInitializer,
		Activation:        activation,
		UseBatchNorm:      cfg.UseBatchNorm,
		UseInstanceNorm:   cfg.UseInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	e.conv1 = conv1

	if nConvolutions[0] > 1 {
		e.extra1, err = NewVGGNetBlock(cfg.NFilters[0], cfg.NFilters[0],
			nConvolutions[0]-1, 2, opts)

		if err != nil {
			return nil, err
		}
	}

	for g := 1; g < len(cfg.NFilters); g++ {
		block, err := NewVGGNetBlock(cfg.NFilters[g-1], cfg.NFilters[g],
			nConvolutions[g], 2, opts)

		if err != nil {
			return nil, err
		}

		e.stages = append(e.stages, &stage{blocks: []featureBlock{block}})
	}

	return e, nil
}

// Forward encodes x into a bottleneck and skip connections
func (e *VGGNetEncoder) Forward(x *Tensor) (*Tensor, []*Tensor, error) {

	out, err := e.conv1.Forward(x)

	if err != nil {
		return nil, nil, err
	}

	if e.extra1 != nil {
		out, err = e.extra1.Forward(out)

		if err != nil {
			return nil, nil, err
		}
	}

	layers := []*Tensor{out}

	for _, s := range e.stages {
		out, err = s.forward(layers[len(layers)-1])

		if err != nil {
			return nil, nil, err
		}

		layers = append(layers, out)
	}

	return layers[len(layers)-1], layers[:len(layers)-1], nil
}

// Parameters returns all learned values of the encoder
func (e *VGGNetEncoder) Parameters() []Parameter {

	params := e.conv1.parameters("vgg.conv1")

	if e.extra1 != nil {
		params = append(params, e.extra1.parameters("vgg.conv1_extra")...)
	}

	for i, s := range e.stages {
		params = append(params, s.parameters(fmt.Sprintf("vgg.stage%d", i))...)
	}

	return params
}

// AtrousVGGNetEncoderConfig configures an AtrousVGGNetEncoder
type AtrousVGGNetEncoderConfig struct {
	// NLayer selects the architecture depth, one of 8, 11 or 13
	NLayer        int
	InputChannels int
	// NFilters per stage, exactly five entries
	NFilters          []int
	WeightInitializer string
	Activation        string
	UseBatchNorm      bool
	UseInstanceNorm   bool
}

// AtrousVGGNetEncoder is a VGG encoder whose two coarsest stages dilate
// instead of striding, keeping a 1/8 output resolution
type AtrousVGGNetEncoder struct {
	conv1  *Conv2d
	extra1 *VGGNetBlock
	plain  []*VGGNetBlock
	atrous []*AtrousVGGNetBlock
}

// NewAtrousVGGNetEncoder creates an atrous VGG encoder
func NewAtrousVGGNetEncoder(cfg AtrousVGGNetEncoderConfig) (*AtrousVGGNetEncoder, error) {

	nConvolutions, err := vggConvolutions(cfg.NLayer)

	if err != nil {
		return nil, err
	}

	if len(cfg.NFilters) != len(nConvolutions) {
		return nil, fmt.Errorf("atrous vgg encoder requires %d filter entries, got %d",
			len(nConvolutions), len(cfg.NFilters))
	}

	activation, err := activationFunc(cfg.Activation)

	if err != nil {
		return nil, err
	}

	opts := blockOpts{
		weightInitializer: cfg.WeightInitializer,
		activation:        activation,
		useBatchNorm:      cfg.UseBatchNorm,
		useInstanceNorm:   cfg.UseInstanceNorm,
	}

	e := &AtrousVGGNetEncoder{}

	stride1 := 2

	if nConvolutions[0] > 1 {
		stride1 = 1
	}

	e.conv1, err = NewConv2d(ConvConfig{
		InChannels:        cfg.InputChannels,
		OutChannels:       cfg.NFilters[0],
		KernelSize:        5,
		Stride:            stride1,
		WeightInitializer: cfg.WeightInitializer,
		Activation:        activation,
		UseBatchNorm:      cfg.UseBatchNorm,
		UseInstanceNorm:   cfg.UseInstanceNorm,
	})

	if err != nil {
		return nil, err
	}

	if nConvolutions[0] > 1 {
		e.extra1, err = NewVGGNetBlock(cfg.NFilters[0], cfg.NFilters[0],
			nConvolutions[0]-1, 2, opts)

		if err != nil {
			return nil, err
		}
	}

	for g := 1; g <= 2; g++ {
		block, err := NewVGGNetBlock(cfg.NFilters[g-1], cfg.NFilters[g],
			nConvolutions[g], 2, opts)

		if err != nil {
			return nil, err
		}

		e.plain = append(e.plain, block)
	}

	const dilation = 2

	for g := 3; g <= 4; g++ {
		block, err := NewAtrousVGGNetBlock(cfg.NFilters[g-1], cfg.NFilters[g],
			nConvolutions[g], dilation, opts)

		if err != nil {
			return nil, err
		}

		e.atrous = append(e.atrous, block)
	}

	return e, nil
}

// Forward encodes x into a bottleneck at 1/8 resolution and skip
// connections
func (e *AtrousVGGNetEncoder) Forward(x *Tensor) (*Tensor, []*Tensor, error) {

	out, err := e.conv1.Forward(x)

	if err != nil {
		return nil, nil, err
	}

	if e.extra1 != nil {
		out, err = e.extra1.Forward(out)

		if err != nil {
			return nil, nil, err
		}
	}

	layers := []*Tensor{out}

	for _, block := range e.plain {
		out, err = block.Forward(layers[len(layers)-1])

		if err != nil {
			return nil, nil, err
		}

		layers = append(layers, out)
	}

	for _, block := range e.atrous {
		out, err = block.Forward(layers[len(layers)-1])

		if err != nil {
			return nil, nil, err
		}

		layers = append(layers, out)
	}

	return layers[len(layers)-1], layers[:len(layers)-1], nil
}

// Parameters returns all learned values of the encoder
func (e *AtrousVGGNetEncoder) Parameters() []Parameter {

	params := e.conv1.parameters("atrous_vgg.conv1")

	if e.extra1 != nil {
		params = append(params, e.extra1.parameters("atrous_vgg.conv1_extra")...)
	}

	for i, block := range e.plain {
		params = append(params, block.parameters(fmt.Sprintf("atrous_vgg.stage%d", i+1))...)
	}

	for i, block := range e.atrous {
		params = append(params, block.parameters(fmt.Sprintf("atrous_vgg.stage%d", i+3))...)
	}

	return params
}

// PoseEncoderConfig configures a PoseEncoder
type PoseEncoderConfig struct {
	// InputChannels of the concatenated frame pair
	InputChannels int
	// NFilters per stage, exactly seven entries
	NFilters          []int
	WeightInitializer string
	Activation        string
	UseBatchNorm      bool
	UseInstanceNorm   bool
}

// DefaultPoseEncoderConfig returns the standard seven stage pose
// encoder over a pair of RGB frames
func DefaultPoseEncoderConfig() PoseEncoderConfig {
	return PoseEncoderConfig{
		InputChannels:     6,
		NFilters:          []int{16, 32, 64, 128, 256, 256, 256},
		WeightInitializer: "kaiming_uniform",
		Activation:        "leaky_relu",
	}
}

// PoseEncoder reduces a concatenated frame pair through seven stride 2
// convolutions, it produces no skip connections
type PoseEncoder struct {
	convs []*Conv2d
}

// NewPoseEncoder creates a pose encoder
func NewPoseEncoder(cfg PoseEncoderConfig) (*PoseEncoder, error) {

	if len(cfg.NFilters) != 7 {
		return nil, fmt.Errorf("pose encoder requires 7 filter entries, got %d",
			len(cfg.NFilters))
	}

	activation, err := activationFunc(cfg.Activation)

	if err != nil {
		return nil, err
	}

	// larger kernels at the finest resolutions
	kernels := []int{7, 5, 3, 3, 3, 3, 3}

	e := &PoseEncoder{}
	in := cfg.InputChannels

	for i, out := range cfg.NFilters {
		conv, err := NewConv2d(ConvConfig{
			InChannels:        in,
			OutChannels:       out,
			KernelSize:        kernels[i],
			Stride:            2,
			WeightInitializer: cfg.WeightInitializer,
			Activation:        activation,
			UseBatchNorm:      cfg.UseBatchNorm,
			UseInstanceNorm:   cfg.UseInstanceNorm,
		})

		if err != nil {
			return nil, err
		}

		e.convs = append(e.convs, conv)
		in = out
	}

	return e, nil
}

// Forward encodes the frame pair, the skip connection list is always
// nil
func (e *PoseEncoder) Forward(x *Tensor) (*Tensor, []*Tensor, error) {

	var err error

	for _, conv := range e.convs {
		x, err = conv.Forward(x)

		if err != nil {
			return nil, nil, err
		}
	}

	return x, nil, nil
}

// Parameters returns all learned values of the encoder
func (e *PoseEncoder) Parameters() []Parameter {

	var params []Parameter

	for i, conv := range e.convs {
		params = append(params, conv.parameters(fmt.Sprintf("pose_encoder.conv%d", i+1))...)
	}

	return params
}
