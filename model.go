package kbnet

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DepthModelConfig configures a DepthModel
type DepthModelConfig struct {
	// Pool densifies the sparse depth input before encoding, nil feeds
	// the sparse depth and validity map to the encoder directly
	Pool    *SparseToDensePoolConfig
	Encoder KBNetEncoderConfig
	Decoder MultiScaleDecoderConfig

	// MinPredictDepth and MaxPredictDepth bound the predicted depth,
	// the raw decoder output is squashed into this range
	MinPredictDepth float32
	MaxPredictDepth float32
}

// DefaultDepthModelConfig returns the published depth completion
// configuration for outdoor driving scenes
func DefaultDepthModelConfig() DepthModelConfig {

	pool := DefaultSparseToDensePoolConfig()
	// sparse depth plus validity map
	pool.InputChannels = 2

	encoder := DefaultKBNetEncoderConfig()
	encoder.InputChannelsDepth = pool.NFilter

	return DepthModelConfig{
		Pool:    &pool,
		Encoder: encoder,
		Decoder: MultiScaleDecoderConfig{
			InputChannels:     512,
			OutputChannels:    1,
			NResolution:       1,
			NFilters:          []int{256, 128, 128, 64, 12},
			NSkips:            []int{512, 256, 128, 64, 0},
			WeightInitializer: "kaiming_uniform",
			Activation:        "leaky_relu",
			OutputActivation:  "linear",
			DeconvType:        "up",
		},
		MinPredictDepth: 1.5,
		MaxPredictDepth: 100,
	}
}

// DepthModel predicts a dense depth map from an image, a sparse point
// cloud projected into the image plane and the camera calibration
type DepthModel struct {
	pool    *SparseToDensePool
	encoder *KBNetEncoder
	decoder *MultiScaleDecoder

	minPredictDepth float32
	maxPredictDepth float32
}

// NewDepthModel creates a depth completion model, the encoder and
// decoder channel configurations must agree
func NewDepthModel(cfg DepthModelConfig) (*DepthModel, error) {

	if cfg.MinPredictDepth <= 0 || cfg.MaxPredictDepth <= cfg.MinPredictDepth {
		return nil, fmt.Errorf("predict depth range must satisfy 0 < min < max, got %v..%v",
			cfg.MinPredictDepth, cfg.MaxPredictDepth)
	}

	m := &DepthModel{
		minPredictDepth: cfg.MinPredictDepth,
		maxPredictDepth: cfg.MaxPredictDepth,
	}

	var err error

	if cfg.Pool != nil {
		m.pool, err = NewSparseToDensePool(*cfg.Pool)

		if err != nil {
			return nil, err
		}

		if cfg.Encoder.InputChannelsDepth != m.pool.OutChannels() {
			return nil, fmt.Errorf("encoder expects %d depth channels but pool produces %d",
				cfg.Encoder.InputChannelsDepth, m.pool.OutChannels())
		}
	}

	m.encoder, err = NewKBNetEncoder(cfg.Encoder)

	if err != nil {
		return nil, err
	}

	if cfg.Decoder.InputChannels != m.encoder.BottleneckChannels() {
		return nil, fmt.Errorf("decoder expects %d input channels but encoder produces %d",
			cfg.Decoder.InputChannels, m.encoder.BottleneckChannels())
	}

	skipChannels := m.encoder.SkipChannels()

	for i, want := range cfg.Decoder.NSkips {
		n := len(skipChannels) - 1 - i

		if n >= 0 && want != skipChannels[n] {
			return nil, fmt.Errorf("decoder skip %d expects %d channels but encoder produces %d",
				i, want, skipChannels[n])
		}
	}

	m.decoder, err = NewMultiScaleDecoder(cfg.Decoder)

	if err != nil {
		return nil, err
	}

	return m, nil
}

// Forward predicts dense depth maps at the decoder's output scales,
// coarsest first.  The sparse depth holds metric values with zero
// denoting no measurement, a nil validity map is derived from the
// non zero entries.
func (m *DepthModel) Forward(image, sparseDepth, validityMap *Tensor,
	k Intrinsics) ([]*Tensor, error) {

	if validityMap == nil {
		validityMap = NewTensor(sparseDepth.N(), 1, sparseDepth.H(), sparseDepth.W())

		for i, v := range sparseDepth.Data() {
			if v != 0 {
				validityMap.Data()[i] = 1
			}
		}
	}

	inputDepth, err := Concat(sparseDepth, validityMap)

	if err != nil {
		return nil, err
	}

	if m.pool != nil {
		inputDepth, err = m.pool.Forward(inputDepth)

		if err != nil {
			return nil, err
		}
	}

	latent, skips, err := m.encoder.Forward(image, inputDepth, k)

	if err != nil {
		return nil, err
	}

	outputs, err := m.decoder.Forward(latent, skips, image.H(), image.W())

	if err != nil {
		return nil, err
	}

	for _, out := range outputs {
		m.scaleDepth(out)
	}

	return outputs, nil
}

// scaleDepth squashes raw predictions into the configured metric range
// in place, large responses approach the maximum depth and small ones
// the minimum
func (m *DepthModel) scaleDepth(t *Tensor) {

	ratio := float64(m.minPredictDepth) / float64(m.maxPredictDepth)

	for i, v := range t.Data() {
		sig := 1.0 / (1.0 + math.Exp(-float64(v)))
		t.Data()[i] = m.minPredictDepth / float32(sig+ratio)
	}
}

// Parameters returns all learned values of the model in construction
// order
func (m *DepthModel) Parameters() []Parameter {

	var params []Parameter

	if m.pool != nil {
		params = append(params, m.pool.parameters("pool")...)
	}

	params = append(params, m.encoder.Parameters()...)
	params = append(params, m.decoder.Parameters()...)

	return params
}

// PoseModelConfig configures a PoseModel
type PoseModelConfig struct {
	Encoder PoseEncoderConfig
	Decoder PoseDecoderConfig
}

// DefaultPoseModelConfig returns the standard pose network over RGB
// frame pairs
func DefaultPoseModelConfig() PoseModelConfig {
	return PoseModelConfig{
		Encoder: DefaultPoseEncoderConfig(),
		Decoder: DefaultPoseDecoderConfig(),
	}
}

// PoseModel regresses the relative camera pose between two frames
type PoseModel struct {
	encoder *PoseEncoder
	decoder *PoseDecoder
}

// NewPoseModel creates a pose estimation model
func NewPoseModel(cfg PoseModelConfig) (*PoseModel, error) {

	if len(cfg.Encoder.NFilters) > 0 &&
		cfg.Decoder.InputChannels != cfg.Encoder.NFilters[len(cfg.Encoder.NFilters)-1] {
		return nil, fmt.Errorf("pose decoder expects %d input channels but encoder produces %d",
			cfg.Decoder.InputChannels, cfg.Encoder.NFilters[len(cfg.Encoder.NFilters)-1])
	}

	encoder, err := NewPoseEncoder(cfg.Encoder)

	if err != nil {
		return nil, err
	}

	decoder, err := NewPoseDecoder(cfg.Decoder)

	if err != nil {
		return nil, err
	}

	return &PoseModel{encoder: encoder, decoder: decoder}, nil
}

// Forward regresses the 4x4 rigid transform from image1 to image0 for
// each batch element
func (m *PoseModel) Forward(image0, image1 *Tensor) ([]*mat.Dense, error) {

	pair, err := Concat(image0, image1)

	if err != nil {
		return nil, err
	}

	latent, _, err := m.encoder.Forward(pair)

	if err != nil {
		return nil, err
	}

	return m.decoder.Forward(latent)
}

// Parameters returns all learned values of the model in construction
// order
func (m *PoseModel) Parameters() []Parameter {

	params := m.encoder.Parameters()

	return append(params, m.decoder.Parameters()...)
}
