package kbnet

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Intrinsics is a batch of 3x3 pinhole camera calibration matrices,
// one per batch element
type Intrinsics []*mat.Dense

// NewIntrinsics builds a single element intrinsics batch from the
// focal lengths and principal point
func NewIntrinsics(fx, fy, cx, cy float64) Intrinsics {
	return Intrinsics{mat.NewDense(3, 3, []float64{
		fx, 0, cx,
		0, fy, cy,
		0, 0, 1,
	})}
}

// CameraCoordinates lifts every pixel of a height x width grid into 3D
// camera space by applying the inverse intrinsics to the homogeneous
// pixel coordinates, producing a batch x 3 x height x width tensor.
// A non-invertible calibration matrix is an error, validation of
// calibration data is the caller's responsibility.
func CameraCoordinates(batch, height, width int, k Intrinsics) (*Tensor, error) {

	if len(k) != batch {
		return nil, fmt.Errorf("intrinsics batch size %d does not match %d", len(k), batch)
	}

	out := NewTensor(batch, 3, height, width)

	var inv mat.Dense

	for n := 0; n < batch; n++ {
		if err := inv.Inverse(k[n]); err != nil {
			return nil, fmt.Errorf("intrinsics matrix %d is not invertible: %w", n, err)
		}

		xPlane := out.plane(n, 0)
		yPlane := out.plane(n, 1)
		zPlane := out.plane(n, 2)

		// K^-1 [x, y, 1] for every pixel of the homogeneous grid
		for y := 0; y < height; y++ {
			fy := float64(y)

			for x := 0; x < width; x++ {
				fx := float64(x)
				i := y*width + x

				xPlane[i] = float32(inv.At(0, 0)*fx + inv.At(0, 1)*fy + inv.At(0, 2))
				yPlane[i] = float32(inv.At(1, 0)*fx + inv.At(1, 1)*fy + inv.At(1, 2))
				zPlane[i] = float32(inv.At(2, 0)*fx + inv.At(2, 1)*fy + inv.At(2, 2))
			}
		}
	}

	return out, nil
}

// ScaleIntrinsics rescales a calibration matrix from a height0 x width0
// image to a height1 x width1 image.  Only the focal lengths and the
// principal point change, the homogeneous row keeps its structure.
func ScaleIntrinsics(height0, width0, height1, width1 int, k Intrinsics) Intrinsics {

	scaleX := float64(width1) / float64(width0)
	scaleY := float64(height1) / float64(height0)

	scale := mat.NewDense(3, 3, []float64{
		scaleX, 1, scaleX,
		1, scaleY, scaleY,
		1, 1, 1,
	})

	out := make(Intrinsics, len(k))

	for n := range k {
		scaled := mat.NewDense(3, 3, nil)
		scaled.MulElem(k[n], scale)
		out[n] = scaled
	}

	return out
}
