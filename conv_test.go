package kbnet

import (
	"math"
	"testing"
)

// setIdentityKernel zeros the weights and bias then sets the kernel
// center of each matching channel pair to one, so the convolution
// passes its input through unchanged
func setIdentityKernel(c *Conv2d) {

	for i := range c.weight {
		c.weight[i] = 0
	}

	for i := range c.bias {
		c.bias[i] = 0
	}

	k := c.kernelSize
	center := k/2*k + k/2

	for o := 0; o < c.outChannels && o < c.inChannels; o++ {
		c.weight[(o*c.inChannels+o)*k*k+center] = 1
	}
}

func TestConv2dIdentity(t *testing.T) {

	for _, kernel := range []int{1, 3, 5} {
		c, err := NewConv2d(ConvConfig{
			InChannels:  2,
			OutChannels: 2,
			KernelSize:  kernel,
		})

		if err != nil {
			t.Fatalf("NewConv2d failed: %v", err)
		}

		setIdentityKernel(c)

		x, _ := NewTensorData(1, 2, 2, 2, []float32{1, 2, 3, 4, 5, 6, 7, 8})

		out, err := c.Forward(x)

		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		if out.H() != 2 || out.W() != 2 {
			t.Fatalf("Same padding broken for kernel %d, got %dx%d",
				kernel, out.H(), out.W())
		}

		for i, want := range x.Data() {
			if math.Abs(float64(out.Data()[i]-want)) > 1e-6 {
				t.Errorf("Identity kernel %d value %d wrong, expected %f, got %f",
					kernel, i, want, out.Data()[i])
			}
		}
	}
}

func TestConv2dBias(t *testing.T) {

	c, err := NewConv2d(ConvConfig{
		InChannels:  1,
		OutChannels: 1,
		KernelSize:  1,
	})

	if err != nil {
		t.Fatalf("NewConv2d failed: %v", err)
	}

	setIdentityKernel(c)
	c.bias[0] = 10

	x, _ := NewTensorData(1, 1, 1, 2, []float32{1, 2})

	out, err := c.Forward(x)

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.Data()[0] != 11 || out.Data()[1] != 12 {
		t.Errorf("Bias not applied, got %v", out.Data())
	}
}

func TestConv2dStride(t *testing.T) {

	tests := []struct {
		inH, inW   int
		stride     int
		outH, outW int
	}{
		{8, 8, 2, 4, 4},
		{7, 9, 2, 4, 5},
		{8, 8, 1, 8, 8},
	}

	for _, tc := range tests {
		c, err := NewConv2d(ConvConfig{
			InChannels:  1,
			OutChannels: 3,
			KernelSize:  3,
			Stride:      tc.stride,
		})

		if err != nil {
			t.Fatalf("NewConv2d failed: %v", err)
		}

		out, err := c.Forward(NewTensor(1, 1, tc.inH, tc.inW))

		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		if out.H() != tc.outH || out.W() != tc.outW || out.C() != 3 {
			t.Errorf("Stride %d on %dx%d: expected %dx%d, got %dx%d",
				tc.stride, tc.inH, tc.inW, tc.outH, tc.outW, out.H(), out.W())
		}
	}
}

func TestConv2dDilationKeepsSize(t *testing.T) {

	c, err := NewConv2d(ConvConfig{
		InChannels:  1,
		OutChannels: 1,
		KernelSize:  3,
		Dilation:    2,
	})

	if err != nil {
		t.Fatalf("NewConv2d failed: %v", err)
	}

	out, err := c.Forward(NewTensor(1, 1, 6, 6))

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.H() != 6 || out.W() != 6 {
		t.Errorf("Dilated same padding broken, got %dx%d", out.H(), out.W())
	}
}

func TestConv2dErrors(t *testing.T) {

	if _, err := NewConv2d(ConvConfig{InChannels: 0, OutChannels: 1, KernelSize: 3}); err == nil {
		t.Errorf("Expected error for zero input channels")
	}

	if _, err := NewConv2d(ConvConfig{InChannels: 1, OutChannels: 1, KernelSize: 0}); err == nil {
		t.Errorf("Expected error for zero kernel size")
	}

	if _, err := NewConv2d(ConvConfig{
		InChannels:      1,
		OutChannels:     1,
		KernelSize:      3,
		UseBatchNorm:    true,
		UseInstanceNorm: true,
	}); err == nil {
		t.Errorf("Expected error for both norm modes")
	}

	if _, err := NewConv2d(ConvConfig{
		InChannels:        1,
		OutChannels:       1,
		KernelSize:        3,
		WeightInitializer: "bogus",
	}); err == nil {
		t.Errorf("Expected error for unknown initializer")
	}

	c, err := NewConv2d(ConvConfig{InChannels: 2, OutChannels: 1, KernelSize: 3})

	if err != nil {
		t.Fatalf("NewConv2d failed: %v", err)
	}

	if _, err := c.Forward(NewTensor(1, 3, 4, 4)); err == nil {
		t.Errorf("Expected error for channel mismatch")
	}
}

func TestConv2dBatchNorm(t *testing.T) {

	c, err := NewConv2d(ConvConfig{
		InChannels:   1,
		OutChannels:  1,
		KernelSize:   1,
		UseBatchNorm: true,
	})

	if err != nil {
		t.Fatalf("NewConv2d failed: %v", err)
	}

	setIdentityKernel(c)

	x, _ := NewTensorData(2, 1, 1, 2, []float32{1, 2, 3, 4})

	out, err := c.Forward(x)

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// normalized output has zero mean
	var sum float64

	for _, v := range out.Data() {
		sum += float64(v)
	}

	if math.Abs(sum) > 1e-4 {
		t.Errorf("Batch norm mean not zero, sum %f", sum)
	}
}

func TestConv2dParameters(t *testing.T) {

	c, err := NewConv2d(ConvConfig{
		InChannels:      1,
		OutChannels:     2,
		KernelSize:      3,
		UseInstanceNorm: true,
	})

	if err != nil {
		t.Fatalf("NewConv2d failed: %v", err)
	}

	params := c.parameters("layer")

	if len(params) != 4 {
		t.Fatalf("Expected weight, bias, gamma, beta, got %d parameters", len(params))
	}

	if params[0].Name != "layer.weight" || params[1].Name != "layer.bias" {
		t.Errorf("Parameter names wrong: %s, %s", params[0].Name, params[1].Name)
	}

	// parameter data aliases the layer storage
	params[0].Data[0] = 42

	if c.weight[0] != 42 {
		t.Errorf("Parameter data does not alias layer weights")
	}
}

func TestConvTranspose2dDoubles(t *testing.T) {

	c, err := NewConvTranspose2d(2, 3, "kaiming_uniform", nil)

	if err != nil {
		t.Fatalf("NewConvTranspose2d failed: %v", err)
	}

	out, err := c.Forward(NewTensor(1, 2, 3, 5))

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.C() != 3 || out.H() != 6 || out.W() != 10 {
		t.Errorf("Expected 3x6x10 output, got %dx%dx%d", out.C(), out.H(), out.W())
	}

	if _, err := c.Forward(NewTensor(1, 4, 3, 5)); err == nil {
		t.Errorf("Expected error for channel mismatch")
	}
}

func TestConvTranspose2dValues(t *testing.T) {

	c, err := NewConvTranspose2d(1, 1, "kaiming_uniform", nil)

	if err != nil {
		t.Fatalf("NewConvTranspose2d failed: %v", err)
	}

	for i := range c.weight {
		c.weight[i] = 0
	}

	// kernel center only, each input pixel lands on output (2y, 2x)
	c.weight[4] = 1
	c.bias[0] = 0

	x, _ := NewTensorData(1, 1, 2, 2, []float32{1, 2, 3, 4})

	out, err := c.Forward(x)

	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if out.At(0, 0, 0, 0) != 1 || out.At(0, 0, 0, 2) != 2 ||
		out.At(0, 0, 2, 0) != 3 || out.At(0, 0, 2, 2) != 4 {
		t.Errorf("Scatter positions wrong: %v", out.Data())
	}

	if out.At(0, 0, 1, 1) != 0 {
		t.Errorf("Expected zero between scattered values")
	}
}
