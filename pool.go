package kbnet

import (
	"fmt"
	"math"
)

// sentinel substituted for empty depth measurements so they never win
// the negated max pool used to compute a min ignoring zeros
const minPoolSentinel = 999

// maxPool2d is a max pooling operation over square windows
type maxPool2d struct {
	kernelSize int
	stride     int
	padding    int
}

// forward pools t, padded positions are ignored rather than
// contributing zeros so negative inputs pool correctly
func (p *maxPool2d) forward(t *Tensor) *Tensor {

	outH := (t.H()+2*p.padding-p.kernelSize)/p.stride + 1
	outW := (t.W()+2*p.padding-p.kernelSize)/p.stride + 1

	out := NewTensor(t.N(), t.C(), outH, outW)

	for n := 0; n < t.N(); n++ {
		for c := 0; c < t.C(); c++ {
			src := t.plane(n, c)
			dst := out.plane(n, c)

			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					best := float32(math.Inf(-1))

					for ky := 0; ky < p.kernelSize; ky++ {
						iy := oy*p.stride - p.padding + ky

						if iy < 0 || iy >= t.H() {
							continue
						}

						for kx := 0; kx < p.kernelSize; kx++ {
							ix := ox*p.stride - p.padding + kx

							if ix < 0 || ix >= t.W() {
								continue
							}

							if v := src[iy*t.W()+ix]; v > best {
								best = v
							}
						}
					}

					dst[oy*outW+ox] = best
				}
			}
		}
	}

	return out
}

// SparseToDensePoolConfig configures a SparseToDensePool layer
type SparseToDensePoolConfig struct {
	// InputChannels of the sparse input, pooling acts on channel 0
	InputChannels int
	// MinPoolSizes are the square kernel sizes for min pooling, sizes
	// of 1 or less are pruned
	MinPoolSizes []int
	// MaxPoolSizes are the square kernel sizes for max pooling, sizes
	// of 1 or less are pruned
	MaxPoolSizes []int
	// NFilter is the width of the 1x1 convolution stack
	NFilter int
	// NConvolution is the depth of the 1x1 convolution stack
	NConvolution int
	// WeightInitializer for all convolutions
	WeightInitializer string
	// Activation name applied after each convolution
	Activation string
}

// DefaultSparseToDensePoolConfig returns the configuration used for
// sparse depth densification on outdoor driving data
func DefaultSparseToDensePoolConfig() SparseToDensePoolConfig {
	return SparseToDensePoolConfig{
		InputChannels:     1,
		MinPoolSizes:      []int{3, 5, 7, 9},
		MaxPoolSizes:      []int{3, 5, 7, 9},
		NFilter:           8,
		NConvolution:      3,
		WeightInitializer: "kaiming_uniform",
		Activation:        "leaky_relu",
	}
}

// SparseToDensePool densifies a sparse depth channel using min and max
// morphological pooling at multiple receptive fields, then learns a
// fusion of the pooled maps with 1x1 convolutions
type SparseToDensePool struct {
	minPoolSizes []int
	maxPoolSizes []int

	minPools []*maxPool2d
	maxPools []*maxPool2d

	poolConvs []*Conv2d
	conv      *Conv2d
}

// NewSparseToDensePool creates a sparse to dense pooling layer
func NewSparseToDensePool(cfg SparseToDensePoolConfig) (*SparseToDensePool, error) {

	if cfg.InputChannels < 1 {
		return nil, fmt.Errorf("sparse to dense pool input channels must be positive, got %d",
			cfg.InputChannels)
	}

	activation, err := activationFunc(cfg.Activation)

	if err != nil {
		return nil, err
	}

	s := &SparseToDensePool{}

	// a pool of size 1 is a no-op, prune it
	for _, size := range cfg.MinPoolSizes {
		if size > 1 {
			s.minPoolSizes = append(s.minPoolSizes, size)
			s.minPools = append(s.minPools, &maxPool2d{
				kernelSize: size,
				stride:     1,
				padding:    size / 2,
			})
		}
	}

	for _, size := range cfg.MaxPoolSizes {
		if size > 1 {
			s.maxPoolSizes = append(s.maxPoolSizes, size)
			s.maxPools = append(s.maxPools, &maxPool2d{
				kernelSize: size,
				stride:     1,
				padding:    size / 2,
			})
		}
	}

	if len(s.minPools)+len(s.maxPools) == 0 {
		return nil, fmt.Errorf("sparse to dense pool requires at least one pool size greater than 1")
	}

	inChannels := len(s.minPools) + len(s.maxPools)

	for i := 0; i < cfg.NConvolution; i++ {
		conv, err := NewConv2d(ConvConfig{
			InChannels:        inChannels,
			OutChannels:       cfg.NFilter,
			KernelSize:        1,
			Stride:            1,
			WeightInitializer: cfg.WeightInitializer,
			Activation:        activation,
		})

		if err != nil {
			return nil, err
		}

		s.poolConvs = append(s.poolConvs, conv)
		inChannels = cfg.NFilter
	}

	s.conv, err = NewConv2d(ConvConfig{
		InChannels:        cfg.NFilter + cfg.InputChannels,
		OutChannels:       cfg.NFilter,
		KernelSize:        3,
		Stride:            1,
		WeightInitializer: cfg.WeightInitializer,
		Activation:        activation,
	})

	if err != nil {
		return nil, err
	}

	return s, nil
}

// OutChannels returns the number of output channels
func (s *SparseToDensePool) OutChannels() int {
	return s.conv.OutChannels()
}

// Forward densifies x, pooling acts on channel 0 where zero denotes no
// measurement
func (s *SparseToDensePool) Forward(x *Tensor) (*Tensor, error) {

	z, err := x.Channel(0)

	if err != nil {
		return nil, err
	}

	var pyramid []*Tensor

	// min ignoring zeros: substitute the sentinel for empty entries,
	// max pool the negated map and negate back, then restore any
	// windows that saw only empty entries to zero
	for _, pool := range s.minPools {
		masked := z.Clone()

		for i, v := range masked.data {
			if v == 0 {
				masked.data[i] = -minPoolSentinel
			} else {
				masked.data[i] = -v
			}
		}

		pooled := pool.forward(masked)

		for i, v := range pooled.data {
			if v == -minPoolSentinel {
				pooled.data[i] = 0
			} else {
				pooled.data[i] = -v
			}
		}

		pyramid = append(pyramid, pooled)
	}

	for _, pool := range s.maxPools {
		pyramid = append(pyramid, pool.forward(z))
	}

	pooled, err := Concat(pyramid...)

	if err != nil {
		return nil, err
	}

	// learn weights for the different kernel sizes and for near and
	// far structures
	out := pooled

	for _, conv := range s.poolConvs {
		out, err = conv.Forward(out)

		if err != nil {
			return nil, err
		}
	}

	fused, err := Concat(out, x)

	if err != nil {
		return nil, err
	}

	return s.conv.Forward(fused)
}

// parameters returns the learned values of the layer prefixed by name
func (s *SparseToDensePool) parameters(prefix string) []Parameter {

	var params []Parameter

	for i, conv := range s.poolConvs {
		params = append(params, conv.parameters(fmt.Sprintf("%s.pool_conv%d", prefix, i))...)
	}

	params = append(params, s.conv.parameters(prefix+".conv")...)

	return params
}
