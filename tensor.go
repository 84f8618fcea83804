package kbnet

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 tensor in NCHW layout (batch, channels,
// height, width) backed by a flat slice
type Tensor struct {
	data []float32
	n    int
	c    int
	h    int
	w    int
}

// NewTensor creates a zero filled tensor of the given dimensions
func NewTensor(n, c, h, w int) *Tensor {
	return &Tensor{
		data: make([]float32, n*c*h*w),
		n:    n,
		c:    c,
		h:    h,
		w:    w,
	}
}

// NewTensorData creates a tensor wrapping the given backing slice, the
// slice length must equal n*c*h*w
func NewTensorData(n, c, h, w int, data []float32) (*Tensor, error) {

	if len(data) != n*c*h*w {
		return nil, fmt.Errorf("data length %d does not match shape %dx%dx%dx%d",
			len(data), n, c, h, w)
	}

	return &Tensor{data: data, n: n, c: c, h: h, w: w}, nil
}

// N returns the batch dimension
func (t *Tensor) N() int { return t.n }

// C returns the channel dimension
func (t *Tensor) C() int { return t.c }

// H returns the height dimension
func (t *Tensor) H() int { return t.h }

// W returns the width dimension
func (t *Tensor) W() int { return t.w }

// Data returns the flat backing slice in NCHW order
func (t *Tensor) Data() []float32 {
	return t.data
}

// At returns the element at batch n, channel c, row y, column x
func (t *Tensor) At(n, c, y, x int) float32 {
	return t.data[((n*t.c+c)*t.h+y)*t.w+x]
}

// Set stores v at batch n, channel c, row y, column x
func (t *Tensor) Set(n, c, y, x int, v float32) {
	t.data[((n*t.c+c)*t.h+y)*t.w+x] = v
}

// Clone returns a deep copy of the tensor
func (t *Tensor) Clone() *Tensor {

	out := NewTensor(t.n, t.c, t.h, t.w)
	copy(out.data, t.data)

	return out
}

// Fill sets every element to v
func (t *Tensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

// String returns the tensor shape formatted as a string
func (t *Tensor) String() string {
	return fmt.Sprintf("tensor %dx%dx%dx%d", t.n, t.c, t.h, t.w)
}

// plane returns the contiguous H*W slice for batch n, channel c
func (t *Tensor) plane(n, c int) []float32 {

	off := (n*t.c + c) * t.h * t.w

	return t.data[off : off+t.h*t.w]
}

// Concat concatenates tensors along the channel axis, all inputs must
// share batch and spatial dimensions
func Concat(ts ...*Tensor) (*Tensor, error) {

	if len(ts) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}

	first := ts[0]
	cTotal := 0

	for _, t := range ts {
		if t.n != first.n || t.h != first.h || t.w != first.w {
			return nil, fmt.Errorf("concat shape mismatch: %s vs %s",
				first.String(), t.String())
		}

		cTotal += t.c
	}

	out := NewTensor(first.n, cTotal, first.h, first.w)

	for n := 0; n < first.n; n++ {
		cOff := 0

		for _, t := range ts {
			for c := 0; c < t.c; c++ {
				copy(out.plane(n, cOff+c), t.plane(n, c))
			}

			cOff += t.c
		}
	}

	return out, nil
}

// Interpolate resizes the tensor spatially to outH x outW using bilinear
// interpolation with corner alignment
func (t *Tensor) Interpolate(outH, outW int) *Tensor {

	out := NewTensor(t.n, t.c, outH, outW)

	// align corners scaling, degenerate axes map to coordinate zero
	scaleY := float64(0)
	if outH > 1 {
		scaleY = float64(t.h-1) / float64(outH-1)
	}

	scaleX := float64(0)
	if outW > 1 {
		scaleX = float64(t.w-1) / float64(outW-1)
	}

	for n := 0; n < t.n; n++ {
		for c := 0; c < t.c; c++ {
			src := t.plane(n, c)
			dst := out.plane(n, c)

			for y := 0; y < outH; y++ {
				fy := float64(y) * scaleY
				y0 := int(math.Floor(fy))
				y1 := y0 + 1

				if y1 > t.h-1 {
					y1 = t.h - 1
				}

				wy := float32(fy - float64(y0))

				for x := 0; x < outW; x++ {
					fx := float64(x) * scaleX
					x0 := int(math.Floor(fx))
					x1 := x0 + 1

					if x1 > t.w-1 {
						x1 = t.w - 1
					}

					wx := float32(fx - float64(x0))

					top := src[y0*t.w+x0]*(1-wx) + src[y0*t.w+x1]*wx
					bot := src[y1*t.w+x0]*(1-wx) + src[y1*t.w+x1]*wx

					dst[y*outW+x] = top*(1-wy) + bot*wy
				}
			}
		}
	}

	return out
}

// InterpolateScale resizes the tensor spatially by an integer scale
// factor using bilinear interpolation
func (t *Tensor) InterpolateScale(factor int) *Tensor {
	return t.Interpolate(t.h*factor, t.w*factor)
}

// Mul returns the element-wise product of two tensors of identical
// shape, except b may have a single channel which is then broadcast
// across the channels of a
func Mul(a, b *Tensor) (*Tensor, error) {

	if a.n != b.n || a.h != b.h || a.w != b.w {
		return nil, fmt.Errorf("mul shape mismatch: %s vs %s", a.String(), b.String())
	}

	if b.c != a.c && b.c != 1 {
		return nil, fmt.Errorf("mul channel mismatch: %d vs %d", a.c, b.c)
	}

	out := NewTensor(a.n, a.c, a.h, a.w)

	for n := 0; n < a.n; n++ {
		for c := 0; c < a.c; c++ {
			bc := c
			if b.c == 1 {
				bc = 0
			}

			src := a.plane(n, c)
			mul := b.plane(n, bc)
			dst := out.plane(n, c)

			for i := range src {
				dst[i] = src[i] * mul[i]
			}
		}
	}

	return out, nil
}

// Add returns the element-wise sum of two tensors of identical shape
func Add(a, b *Tensor) (*Tensor, error) {

	if a.n != b.n || a.c != b.c || a.h != b.h || a.w != b.w {
		return nil, fmt.Errorf("add shape mismatch: %s vs %s", a.String(), b.String())
	}

	out := NewTensor(a.n, a.c, a.h, a.w)

	for i := range a.data {
		out.data[i] = a.data[i] + b.data[i]
	}

	return out, nil
}

// Channel returns a single channel of the tensor as a new 1 channel
// tensor
func (t *Tensor) Channel(c int) (*Tensor, error) {

	if c < 0 || c >= t.c {
		return nil, fmt.Errorf("channel %d out of range for %s", c, t.String())
	}

	out := NewTensor(t.n, 1, t.h, t.w)

	for n := 0; n < t.n; n++ {
		copy(out.plane(n, 0), t.plane(n, c))
	}

	return out, nil
}
