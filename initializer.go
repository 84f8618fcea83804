package kbnet

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// weightInitializer samples initial convolution weights.  fanIn and
// fanOut are the effective connection counts of the layer
type weightInitializer func(fanIn, fanOut int, w []float32)

// weightInitializerFunc maps a recognized initializer name to its
// sampling function.  An unrecognized name is a configuration error.
func weightInitializerFunc(name string) (weightInitializer, error) {

	switch name {
	case "kaiming_normal":
		return kaimingNormal, nil
	case "kaiming_uniform":
		return kaimingUniform, nil
	case "xavier_normal":
		return xavierNormal, nil
	case "xavier_uniform":
		return xavierUniform, nil
	default:
		return nil, fmt.Errorf("unsupported weight initializer: %s", name)
	}
}

func kaimingNormal(fanIn, fanOut int, w []float32) {

	dist := distuv.Normal{
		Mu:    0,
		Sigma: math.Sqrt(2.0 / float64(fanIn)),
	}

	for i := range w {
		w[i] = float32(dist.Rand())
	}
}

func kaimingUniform(fanIn, fanOut int, w []float32) {

	bound := math.Sqrt(6.0 / float64(fanIn))

	dist := distuv.Uniform{
		Min: -bound,
		Max: bound,
	}

	for i := range w {
		w[i] = float32(dist.Rand())
	}
}

func xavierNormal(fanIn, fanOut int, w []float32) {

	dist := distuv.Normal{
		Mu:    0,
		Sigma: math.Sqrt(2.0 / float64(fanIn+fanOut)),
	}

	for i := range w {
		w[i] = float32(dist.Rand())
	}
}

func xavierUniform(fanIn, fanOut int, w []float32) {

	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))

	dist := distuv.Uniform{
		Min: -bound,
		Max: bound,
	}

	for i := range w {
		w[i] = float32(dist.Rand())
	}
}
