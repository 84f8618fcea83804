package kbnet

import (
	"fmt"
	"strings"
)

// MultiScaleDecoderConfig configures a MultiScaleDecoder
type MultiScaleDecoderConfig struct {
	// InputChannels of the encoder bottleneck
	InputChannels int
	// OutputChannels per prediction, 1 for depth
	OutputChannels int
	// NResolution is the number of scales a prediction is made at,
	// counted from the finest resolution
	NResolution int
	// NFilters per decoder block ordered coarsest first, the length
	// sets the network depth
	NFilters []int
	// NSkips lists the channel counts of the skip connections ordered
	// coarsest first, zero marks a level without a skip
	NSkips            []int
	WeightInitializer string
	Activation        string
	// OutputActivation applied by the prediction heads, a name
	// containing "upsample" returns the upsampled coarse prediction
	// as the final output instead of decoding to full resolution
	OutputActivation string
	UseBatchNorm     bool
	UseInstanceNorm  bool
	// DeconvType is either "transpose" or "up"
	DeconvType string
}

// DefaultMultiScaleDecoderConfig returns a five level single scale
// depth decoder
func DefaultMultiScaleDecoderConfig() MultiScaleDecoderConfig {
	return MultiScaleDecoderConfig{
		InputChannels:     256,
		OutputChannels:    1,
		NResolution:       1,
		NFilters:          []int{256, 128, 64, 32, 16},
		NSkips:            []int{256, 128, 64, 32, 0},
		WeightInitializer: "kaiming_uniform",
		Activation:        "leaky_relu",
		OutputActivation:  "linear",
		DeconvType:        "transpose",
	}
}

// decoderStage is one resolution step of the decoder, head is set when
// a prediction is made at this level
type decoderStage struct {
	level  int
	deconv *DecoderBlock
	head   *Conv2d
}

// MultiScaleDecoder decodes a bottleneck through skip connections back
// towards input resolution, optionally emitting predictions at several
// of the finest levels.  Each coarse prediction is upsampled and fed
// into the skip connection of the next finer level.
type MultiScaleDecoder struct {
	nResolution int
	outputFunc  string

	// stages ordered coarsest first, the last entry decodes to full
	// resolution
	stages []*decoderStage
}

// NewMultiScaleDecoder creates a multi scale decoder
func NewMultiScaleDecoder(cfg MultiScaleDecoderConfig) (*MultiScaleDecoder, error) {

	depth := len(cfg.NFilters)

	if depth < 2 || depth > 7 {
		return nil, fmt.Errorf("decoder depth must be between 2 and 7, got %d", depth)
	}

	if len(cfg.NSkips) != depth {
		return nil, fmt.Errorf("decoder requires %d skip entries, got %d",
			depth, len(cfg.NSkips))
	}

	if cfg.NResolution < 1 || cfg.NResolution >= depth {
		return nil, fmt.Errorf("decoder resolutions must be between 1 and %d, got %d",
			depth-1, cfg.NResolution)
	}

	d := &MultiScaleDecoder{
		nResolution: cfg.NResolution,
		outputFunc:  cfg.OutputActivation,
	}

	// returning an upsampled coarse prediction requires predictions at
	// two or more scales
	if strings.Contains(cfg.OutputActivation, "upsample") && d.nResolution < 2 {
		d.nResolution = 2
	}

	activation, err := activationFunc(cfg.Activation)

	if err != nil {
		return nil, err
	}

	outputActivation, err := activationFunc(cfg.OutputActivation)

	if err != nil {
		return nil, err
	}

	opts := blockOpts{
		weightInitializer: cfg.WeightInitializer,
		activation:        activation,
		useBatchNorm:      cfg.UseBatchNorm,
		useInstanceNorm:   cfg.UseInstanceNorm,
	}

	in := cfg.InputChannels

	for i := 0; i < depth; i++ {
		level := depth - 1 - i

		skipChannels := cfg.NSkips[i]
		outChannels := cfg.NFilters[i]

		// the upsampled prediction of the coarser level joins this
		// level's skip connection
		if level+1 < d.nResolution {
			skipChannels += cfg.OutputChannels
		}

		st := &decoderStage{level: level}

		st.deconv, err = NewDecoderBlock(in, skipChannels, outChannels,
			cfg.DeconvType, opts)

		if err != nil {
			return nil, err
		}

		if level < d.nResolution {
			// the 1/8 resolution head predicts without an output
			// activation
			headActivation := outputActivation

			if level >= 3 {
				headActivation = nil
			}

			st.head, err = NewConv2d(ConvConfig{
				InChannels:        outChannels,
				OutChannels:       cfg.OutputChannels,
				KernelSize:        3,
				Stride:            1,
				WeightInitializer: cfg.WeightInitializer,
				Activation:        headActivation,
			})

			if err != nil {
				return nil, err
			}
		}

		d.stages = append(d.stages, st)
		in = outChannels
	}

	return d, nil
}

// Forward decodes the bottleneck x through the skip connections,
// ordered finest resolution first.  When the finest level has no skip
// connection targetH and targetW size the full resolution output, zero
// values double the previous level instead.  Predictions are returned
// coarsest first.
func (d *MultiScaleDecoder) Forward(x *Tensor, skips []*Tensor,
	targetH, targetW int) ([]*Tensor, error) {

	layer := x
	n := len(skips) - 1

	var outputs []*Tensor
	var upsampled *Tensor
	var err error

	for _, st := range d.stages[:len(d.stages)-1] {
		var skip *Tensor

		if n >= 0 {
			skip = skips[n]
		}

		if skip != nil && upsampled != nil {
			skip, err = Concat(skip, upsampled)

			if err != nil {
				return nil, err
			}
		}

		layer, err = st.deconv.Forward(layer, skip, 0, 0)

		if err != nil {
			return nil, err
		}

		if st.head != nil {
			out, err := st.head.Forward(layer)

			if err != nil {
				return nil, err
			}

			outputs = append(outputs, out)

			// carry the prediction up to the next finer resolution
			if n > 0 && skips[n-1] != nil {
				upsampled = out.Interpolate(skips[n-1].H(), skips[n-1].W())
			} else {
				upsampled = out.InterpolateScale(2)
			}
		}

		n--
	}

	if strings.Contains(d.outputFunc, "upsample") {
		outputs = append(outputs, upsampled)
		return outputs, nil
	}

	final := d.stages[len(d.stages)-1]

	var skip *Tensor

	if n == 0 && skips[0] != nil {
		skip = skips[0]
	}

	switch {
	case d.nResolution > 1 && skip != nil:
		skip, err = Concat(skip, upsampled)

		if err != nil {
			return nil, err
		}

		layer, err = final.deconv.Forward(layer, skip, 0, 0)
	case d.nResolution > 1:
		layer, err = final.deconv.Forward(layer, upsampled, 0, 0)
	case skip != nil:
		layer, err = final.deconv.Forward(layer, skip, 0, 0)
	default:
		layer, err = final.deconv.Forward(layer, nil, targetH, targetW)
	}

	if err != nil {
		return nil, err
	}

	out, err := final.head.Forward(layer)

	if err != nil {
		return nil, err
	}

	outputs = append(outputs, out)

	return outputs, nil
}

// Parameters returns all learned values of the decoder
func (d *MultiScaleDecoder) Parameters() []Parameter {

	var params []Parameter

	for _, st := range d.stages {
		params = append(params, st.deconv.parameters(
			fmt.Sprintf("decoder.deconv%d", st.level))...)

		if st.head != nil {
			params = append(params, st.head.parameters(
				fmt.Sprintf("decoder.output%d", st.level))...)
		}
	}

	return params
}
