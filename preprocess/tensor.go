package preprocess

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
	"golang.org/x/image/draw"

	kbnet "github.com/kbvision/go-kbnet"
)

// ImageToTensor converts an 8 bit BGR Mat into a normalized RGB tensor
// in NCHW layout with values in the range 0 to 1
func ImageToTensor(src gocv.Mat) (*kbnet.Tensor, error) {

	if src.Type() != gocv.MatTypeCV8UC3 {
		return nil, fmt.Errorf("expected 8UC3 Mat, got type %d", src.Type())
	}

	data, err := src.DataPtrUint8()

	if err != nil {
		return nil, fmt.Errorf("accessing Mat data: %w", err)
	}

	h := src.Rows()
	w := src.Cols()

	t := kbnet.NewTensor(1, 3, h, w)
	out := t.Data()
	plane := h * w

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3

			// BGR byte order to RGB channel planes
			out[0*plane+y*w+x] = float32(data[i+2]) / 255.0
			out[1*plane+y*w+x] = float32(data[i+1]) / 255.0
			out[2*plane+y*w+x] = float32(data[i]) / 255.0
		}
	}

	return t, nil
}

// DepthToTensor converts a single channel float Mat of metric depth
// values into a 1 channel tensor, zero entries denote missing
// measurements
func DepthToTensor(src gocv.Mat) (*kbnet.Tensor, error) {

	if src.Type() != gocv.MatTypeCV32F {
		return nil, fmt.Errorf("expected 32F Mat, got type %d", src.Type())
	}

	data, err := src.DataPtrFloat32()

	if err != nil {
		return nil, fmt.Errorf("accessing Mat data: %w", err)
	}

	h := src.Rows()
	w := src.Cols()

	t := kbnet.NewTensor(1, 1, h, w)
	copy(t.Data(), data)

	return t, nil
}

// GoImageToTensor converts a standard library image into a normalized
// RGB tensor of the given size without requiring OpenCV, scaling with
// pure Go bilinear interpolation
func GoImageToTensor(src image.Image, width, height int) *kbnet.Tensor {

	bounds := src.Bounds()

	rgba := image.NewRGBA(image.Rect(0, 0, width, height))

	if bounds.Dx() == width && bounds.Dy() == height {
		draw.Draw(rgba, rgba.Bounds(), src, bounds.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(rgba, rgba.Bounds(), src, bounds, draw.Src, nil)
	}

	t := kbnet.NewTensor(1, 3, height, width)
	out := t.Data()
	plane := height * width

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := rgba.PixOffset(x, y)

			out[0*plane+y*width+x] = float32(rgba.Pix[i]) / 255.0
			out[1*plane+y*width+x] = float32(rgba.Pix[i+1]) / 255.0
			out[2*plane+y*width+x] = float32(rgba.Pix[i+2]) / 255.0
		}
	}

	return t
}

// ValidityMapFrom returns a 1 channel tensor marking the non zero
// entries of a sparse depth tensor
func ValidityMapFrom(depth *kbnet.Tensor) *kbnet.Tensor {

	v := kbnet.NewTensor(depth.N(), 1, depth.H(), depth.W())

	for i, d := range depth.Data() {
		if d != 0 {
			v.Data()[i] = 1
		}
	}

	return v
}
