package kbnet

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// dofScale damps the regressed pose so training starts near the
// identity transform
const dofScale = 0.01

// PoseDecoderConfig configures a PoseDecoder
type PoseDecoderConfig struct {
	// RotationParameterization is either "axis" for an axis angle
	// rotation vector or "euler" for Euler angles
	RotationParameterization string
	// InputChannels of the encoder bottleneck
	InputChannels int
	// NFilters of optional stride 2 convolutions applied before the
	// pose regression, empty regresses directly from the bottleneck
	NFilters          []int
	WeightInitializer string
	Activation        string
	UseBatchNorm      bool
	UseInstanceNorm   bool
}

// DefaultPoseDecoderConfig returns an axis angle decoder regressing
// directly from a 256 channel bottleneck
func DefaultPoseDecoderConfig() PoseDecoderConfig {
	return PoseDecoderConfig{
		RotationParameterization: "axis",
		InputChannels:            256,
		WeightInitializer:        "kaiming_uniform",
		Activation:               "leaky_relu",
	}
}

// PoseDecoder regresses a 6 DOF relative camera pose from a latent
// feature map
type PoseDecoder struct {
	rotationParameterization string
	convs                    []*Conv2d
}

// NewPoseDecoder creates a pose decoder, unknown rotation
// parameterizations are a configuration error
func NewPoseDecoder(cfg PoseDecoderConfig) (*PoseDecoder, error) {

	switch cfg.RotationParameterization {
	case "axis", "euler":
	default:
		return nil, fmt.Errorf("unsupported rotation parameterization: %s",
			cfg.RotationParameterization)
	}

	activation, err := activationFunc(cfg.Activation)

	if err != nil {
		return nil, err
	}

	d := &PoseDecoder{
		rotationParameterization: cfg.RotationParameterization,
	}

	in := cfg.InputChannels

	for _, out := range cfg.NFilters {
		conv, err := NewConv2d(ConvConfig{
			InChannels:        in,
			OutChannels:       out,
			KernelSize:        3,
			Stride:            2,
			WeightInitializer: cfg.WeightInitializer,
			Activation:        activation,
			UseBatchNorm:      cfg.UseBatchNorm,
			UseInstanceNorm:   cfg.UseInstanceNorm,
		})

		if err != nil {
			return nil, err
		}

		d.convs = append(d.convs, conv)
		in = out
	}

	// the regression itself is a linear 1x1 convolution
	head, err := NewConv2d(ConvConfig{
		InChannels:        in,
		OutChannels:       6,
		KernelSize:        1,
		Stride:            1,
		WeightInitializer: cfg.WeightInitializer,
	})

	if err != nil {
		return nil, err
	}

	d.convs = append(d.convs, head)

	return d, nil
}

// Forward regresses one 4x4 rigid transform per batch element.  The
// six pose values are the spatial mean of the final convolution scaled
// down, a zero latent therefore yields the identity transform.
func (d *PoseDecoder) Forward(x *Tensor) ([]*mat.Dense, error) {

	var err error

	for _, conv := range d.convs {
		x, err = conv.Forward(x)

		if err != nil {
			return nil, err
		}
	}

	poses := make([]*mat.Dense, x.N())

	for n := 0; n < x.N(); n++ {
		var dof [6]float64

		for c := 0; c < 6; c++ {
			p := x.plane(n, c)

			var sum float64

			for _, v := range p {
				sum += float64(v)
			}

			dof[c] = dofScale * sum / float64(len(p))
		}

		poses[n], err = poseMatrix(dof, d.rotationParameterization)

		if err != nil {
			return nil, err
		}
	}

	return poses, nil
}

// Parameters returns all learned values of the decoder
func (d *PoseDecoder) Parameters() []Parameter {

	var params []Parameter

	for i, conv := range d.convs {
		params = append(params, conv.parameters(fmt.Sprintf("pose_decoder.conv%d", i+1))...)
	}

	return params
}

// poseMatrix assembles a 4x4 rigid transform from six pose values, the
// first three parameterize the rotation and the last three are the
// translation
func poseMatrix(dof [6]float64, rotationParameterization string) (*mat.Dense, error) {

	var r *mat.Dense
	var err error

	switch rotationParameterization {
	case "axis":
		r = rotationFromAxisAngle(dof[0], dof[1], dof[2])
	case "euler":
		r = rotationFromEuler(dof[0], dof[1], dof[2])
	default:
		err = fmt.Errorf("unsupported rotation parameterization: %s",
			rotationParameterization)
	}

	if err != nil {
		return nil, err
	}

	pose := mat.NewDense(4, 4, nil)

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			pose.Set(i, j, r.At(i, j))
		}

		pose.Set(i, 3, dof[i+3])
	}

	pose.Set(3, 3, 1)

	return pose, nil
}

// rotationFromAxisAngle is the Rodrigues exponential map of the
// rotation vector (rx, ry, rz)
func rotationFromAxisAngle(rx, ry, rz float64) *mat.Dense {

	theta := math.Sqrt(rx*rx + ry*ry + rz*rz)

	r := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})

	if theta < 1e-12 {
		return r
	}

	// unit axis cross product matrix
	kx, ky, kz := rx/theta, ry/theta, rz/theta

	k := mat.NewDense(3, 3, []float64{
		0, -kz, ky,
		kz, 0, -kx,
		-ky, kx, 0,
	})

	var k2 mat.Dense
	k2.Mul(k, k)

	sin := math.Sin(theta)
	cos1 := 1 - math.Cos(theta)

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r.Set(i, j, r.At(i, j)+sin*k.At(i, j)+cos1*k2.At(i, j))
		}
	}

	return r
}

// rotationFromEuler composes rotations about the z, y and x axes from
// the Euler angles (rx, ry, rz)
func rotationFromEuler(rx, ry, rz float64) *mat.Dense {

	cx, sx := math.Cos(rx), math.Sin(rx)
	cy, sy := math.Cos(ry), math.Sin(ry)
	cz, sz := math.Cos(rz), math.Sin(rz)

	rxm := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, cx, -sx,
		0, sx, cx,
	})

	rym := mat.NewDense(3, 3, []float64{
		cy, 0, sy,
		0, 1, 0,
		-sy, 0, cy,
	})

	rzm := mat.NewDense(3, 3, []float64{
		cz, -sz, 0,
		sz, cz, 0,
		0, 0, 1,
	})

	var zy, r mat.Dense
	zy.Mul(rzm, rym)
	r.Mul(&zy, rxm)

	return &r
}
