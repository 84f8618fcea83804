package kbnet

import (
	"fmt"
	"math"
	"strings"
)

// ActivationFunc applies a non-linearity element-wise to a tensor
type ActivationFunc func(*Tensor) *Tensor

// slope used by leaky relu, matching the common 0.2 setting for
// depth estimation networks
const leakyReluSlope = 0.2

// activationFunc maps a recognized activation name to its transform.
// Output function names containing "upsample" resolve to the identity,
// the upsampling itself is handled structurally by the decoder.
// An unrecognized name is a configuration error.
func activationFunc(name string) (ActivationFunc, error) {

	// upsample output modes carry no element-wise non-linearity
	if strings.Contains(name, "upsample") {
		return identity, nil
	}

	switch name {
	case "relu":
		return relu, nil
	case "leaky_relu":
		return leakyRelu, nil
	case "elu":
		return elu, nil
	case "sigmoid":
		return sigmoid, nil
	case "linear":
		return identity, nil
	default:
		return nil, fmt.Errorf("unsupported activation function: %s", name)
	}
}

func identity(t *Tensor) *Tensor {
	return t
}

func relu(t *Tensor) *Tensor {

	out := t.Clone()

	for i, v := range out.data {
		if v < 0 {
			out.data[i] = 0
		}
	}

	return out
}

func leakyRelu(t *Tensor) *Tensor {

	out := t.Clone()

	for i, v := range out.data {
		if v < 0 {
			out.data[i] = leakyReluSlope * v
		}
	}

	return out
}

func elu(t *Tensor) *Tensor {

	out := t.Clone()

	for i, v := range out.data {
		if v < 0 {
			out.data[i] = float32(math.Exp(float64(v))) - 1
		}
	}

	return out
}

func sigmoid(t *Tensor) *Tensor {

	out := t.Clone()

	for i, v := range out.data {
		out.data[i] = float32(1.0 / (1.0 + math.Exp(-float64(v))))
	}

	return out
}
