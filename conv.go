package kbnet

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// normEpsilon guards against division by zero in feature normalization
const normEpsilon = 1e-5

// Parameter is a named view onto the learned values of a layer.  The
// Data slice aliases the layer's backing storage so an external
// optimizer or checkpoint loader can mutate weights in place.
type Parameter struct {
	Name string
	Data []float32
}

// ConvConfig configures a Conv2d layer
type ConvConfig struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	// Stride of the convolution, zero defaults to 1
	Stride int
	// Dilation of the kernel, zero defaults to 1
	Dilation int
	// WeightInitializer is one of kaiming_normal, kaiming_uniform,
	// xavier_normal or xavier_uniform, empty defaults to kaiming_uniform
	WeightInitializer string
	// Activation applied after the convolution, nil means linear
	Activation ActivationFunc
	// UseBatchNorm normalizes each channel over the whole batch
	UseBatchNorm bool
	// UseInstanceNorm normalizes each channel per sample
	UseInstanceNorm bool
}

// Conv2d is a 2D convolution with same padding, optional normalization
// and a fused activation
type Conv2d struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	dilation    int
	padding     int

	// weight is outChannels x inChannels x kernelSize x kernelSize
	weight []float32
	bias   []float32

	// affine normalization parameters, allocated when norm is enabled
	gamma []float32
	beta  []float32

	activation      ActivationFunc
	useBatchNorm    bool
	useInstanceNorm bool
}

// NewConv2d creates a convolution layer with freshly initialized
// weights
func NewConv2d(cfg ConvConfig) (*Conv2d, error) {

	if cfg.InChannels < 1 || cfg.OutChannels < 1 {
		return nil, fmt.Errorf("conv2d channels must be positive, got %d -> %d",
			cfg.InChannels, cfg.OutChannels)
	}

	if cfg.KernelSize < 1 {
		return nil, fmt.Errorf("conv2d kernel size must be positive, got %d",
			cfg.KernelSize)
	}

	if cfg.UseBatchNorm && cfg.UseInstanceNorm {
		return nil, fmt.Errorf("conv2d cannot use both batch and instance norm")
	}

	stride := cfg.Stride
	if stride == 0 {
		stride = 1
	}

	dilation := cfg.Dilation
	if dilation == 0 {
		dilation = 1
	}

	initName := cfg.WeightInitializer
	if initName == "" {
		initName = "kaiming_uniform"
	}

	initFn, err := weightInitializerFunc(initName)

	if err != nil {
		return nil, err
	}

	activation := cfg.Activation
	if activation == nil {
		activation = identity
	}

	c := &Conv2d{
		inChannels:      cfg.InChannels,
		outChannels:     cfg.OutChannels,
		kernelSize:      cfg.KernelSize,
		stride:          stride,
		dilation:        dilation,
		padding:         dilation * (cfg.KernelSize / 2),
		weight:          make([]float32, cfg.OutChannels*cfg.InChannels*cfg.KernelSize*cfg.KernelSize),
		bias:            make([]float32, cfg.OutChannels),
		activation:      activation,
		useBatchNorm:    cfg.UseBatchNorm,
		useInstanceNorm: cfg.UseInstanceNorm,
	}

	fanIn := cfg.InChannels * cfg.KernelSize * cfg.KernelSize
	fanOut := cfg.OutChannels * cfg.KernelSize * cfg.KernelSize

	initFn(fanIn, fanOut, c.weight)

	if c.useBatchNorm || c.useInstanceNorm {
		c.gamma = make([]float32, cfg.OutChannels)
		c.beta = make([]float32, cfg.OutChannels)

		for i := range c.gamma {
			c.gamma[i] = 1
		}
	}

	return c, nil
}

// OutChannels returns the number of output channels
func (c *Conv2d) OutChannels() int {
	return c.outChannels
}

// Forward convolves x producing an output whose spatial size follows
// the stride and same padding of the layer
func (c *Conv2d) Forward(x *Tensor) (*Tensor, error) {

	if x.C() != c.inChannels {
		return nil, fmt.Errorf("conv2d expects %d input channels, got %s",
			c.inChannels, x.String())
	}

	k := c.kernelSize
	span := c.dilation * (k - 1)

	outH := (x.H()+2*c.padding-span-1)/c.stride + 1
	outW := (x.W()+2*c.padding-span-1)/c.stride + 1

	if outH < 1 || outW < 1 {
		return nil, fmt.Errorf("conv2d output collapsed for input %s", x.String())
	}

	out := NewTensor(x.N(), c.outChannels, outH, outW)

	// weight matrix outC x (inC*k*k) shared by every batch element
	wm := mat.NewDense(c.outChannels, c.inChannels*k*k, nil)

	for i, v := range c.weight {
		wm.Set(i/(c.inChannels*k*k), i%(c.inChannels*k*k), float64(v))
	}

	// shard batch elements across workers, each writes a disjoint
	// region of the output
	numWorkers := runtime.NumCPU()
	if numWorkers > x.N() {
		numWorkers = x.N()
	}

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		go func(w int) {
			defer wg.Done()

			for n := w; n < x.N(); n += numWorkers {
				c.forwardBatch(x, out, n, wm, outH, outW)
			}
		}(w)
	}

	wg.Wait()

	c.normalize(out)

	return c.activation(out), nil
}

// forwardBatch runs im2col and the patch x weight matrix multiply for a
// single batch element
func (c *Conv2d) forwardBatch(x, out *Tensor, n int, wm *mat.Dense, outH, outW int) {

	k := c.kernelSize
	cols := c.inChannels * k * k

	patches := mat.NewDense(outH*outW, cols, nil)

	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			row := oy*outW + ox
			col := 0

			for ci := 0; ci < c.inChannels; ci++ {
				src := x.plane(n, ci)

				for ky := 0; ky < k; ky++ {
					iy := oy*c.stride - c.padding + ky*c.dilation

					for kx := 0; kx < k; kx++ {
						ix := ox*c.stride - c.padding + kx*c.dilation

						if iy >= 0 && iy < x.H() && ix >= 0 && ix < x.W() {
							patches.Set(row, col, float64(src[iy*x.W()+ix]))
						}

						col++
					}
				}
			}
		}
	}

	// (outH*outW x cols) * (cols x outC) via the BLAS backed multiply
	var prod mat.Dense
	prod.Mul(patches, wm.T())

	for co := 0; co < c.outChannels; co++ {
		dst := out.plane(n, co)
		b := c.bias[co]

		for i := 0; i < outH*outW; i++ {
			dst[i] = float32(prod.At(i, co)) + b
		}
	}
}

// normalize applies batch or instance normalization in place followed
// by the affine gamma and beta parameters
func (c *Conv2d) normalize(t *Tensor) {

	switch {
	case c.useBatchNorm:
		// per channel statistics over batch and spatial dimensions
		for ch := 0; ch < t.C(); ch++ {
			var sum, sqSum float64
			count := float64(t.N() * t.H() * t.W())

			for n := 0; n < t.N(); n++ {
				for _, v := range t.plane(n, ch) {
					sum += float64(v)
					sqSum += float64(v) * float64(v)
				}
			}

			mean := sum / count
			variance := sqSum/count - mean*mean
			inv := 1.0 / math.Sqrt(variance+normEpsilon)

			for n := 0; n < t.N(); n++ {
				p := t.plane(n, ch)

				for i, v := range p {
					p[i] = c.gamma[ch]*float32((float64(v)-mean)*inv) + c.beta[ch]
				}
			}
		}

	case c.useInstanceNorm:
		// per channel statistics per sample
		for n := 0; n < t.N(); n++ {
			for ch := 0; ch < t.C(); ch++ {
				p := t.plane(n, ch)

				var sum, sqSum float64
				count := float64(len(p))

				for _, v := range p {
					sum += float64(v)
					sqSum += float64(v) * float64(v)
				}

				mean := sum / count
				variance := sqSum/count - mean*mean
				inv := 1.0 / math.Sqrt(variance+normEpsilon)

				for i, v := range p {
					p[i] = c.gamma[ch]*float32((float64(v)-mean)*inv) + c.beta[ch]
				}
			}
		}
	}
}

// parameters returns the learned values of the layer prefixed by name
func (c *Conv2d) parameters(prefix string) []Parameter {

	params := []Parameter{
		{Name: prefix + ".weight", Data: c.weight},
		{Name: prefix + ".bias", Data: c.bias},
	}

	if c.gamma != nil {
		params = append(params,
			Parameter{Name: prefix + ".gamma", Data: c.gamma},
			Parameter{Name: prefix + ".beta", Data: c.beta},
		)
	}

	return params
}

// ConvTranspose2d is a 3x3 stride 2 transposed convolution used by
// decoder blocks to double spatial resolution
type ConvTranspose2d struct {
	inChannels  int
	outChannels int

	// weight is inChannels x outChannels x 3 x 3
	weight []float32
	bias   []float32

	activation ActivationFunc
}

// NewConvTranspose2d creates a transposed convolution layer
func NewConvTranspose2d(inChannels, outChannels int, weightInitializer string,
	activation ActivationFunc) (*ConvTranspose2d, error) {

	if inChannels < 1 || outChannels < 1 {
		return nil, fmt.Errorf("conv transpose channels must be positive, got %d -> %d",
			inChannels, outChannels)
	}

	initName := weightInitializer
	if initName == "" {
		initName = "kaiming_uniform"
	}

	initFn, err := weightInitializerFunc(initName)

	if err != nil {
		return nil, err
	}

	if activation == nil {
		activation = identity
	}

	c := &ConvTranspose2d{
		inChannels:  inChannels,
		outChannels: outChannels,
		weight:      make([]float32, inChannels*outChannels*9),
		bias:        make([]float32, outChannels),
		activation:  activation,
	}

	initFn(inChannels*9, outChannels*9, c.weight)

	return c, nil
}

// Forward upsamples x to exactly twice its spatial size
func (c *ConvTranspose2d) Forward(x *Tensor) (*Tensor, error) {

	if x.C() != c.inChannels {
		return nil, fmt.Errorf("conv transpose expects %d input channels, got %s",
			c.inChannels, x.String())
	}

	// kernel 3, stride 2, padding 1, output padding 1
	outH := x.H() * 2
	outW := x.W() * 2

	out := NewTensor(x.N(), c.outChannels, outH, outW)

	for n := 0; n < x.N(); n++ {
		for co := 0; co < c.outChannels; co++ {
			dst := out.plane(n, co)

			for i := range dst {
				dst[i] = c.bias[co]
			}
		}

		for ci := 0; ci < c.inChannels; ci++ {
			src := x.plane(n, ci)

			for co := 0; co < c.outChannels; co++ {
				dst := out.plane(n, co)
				wOff := (ci*c.outChannels + co) * 9

				// scatter each input element through the kernel
				for iy := 0; iy < x.H(); iy++ {
					for ix := 0; ix < x.W(); ix++ {
						v := src[iy*x.W()+ix]

						if v == 0 {
							continue
						}

						for ky := 0; ky < 3; ky++ {
							oy := iy*2 - 1 + ky

							if oy < 0 || oy >= outH {
								continue
							}

							for kx := 0; kx < 3; kx++ {
								ox := ix*2 - 1 + kx

								if ox < 0 || ox >= outW {
									continue
								}

								dst[oy*outW+ox] += v * c.weight[wOff+ky*3+kx]
							}
						}
					}
				}
			}
		}
	}

	return c.activation(out), nil
}

// parameters returns the learned values of the layer prefixed by name
func (c *ConvTranspose2d) parameters(prefix string) []Parameter {
	return []Parameter{
		{Name: prefix + ".weight", Data: c.weight},
		{Name: prefix + ".bias", Data: c.bias},
	}
}
