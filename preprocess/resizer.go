package preprocess

import (
	"image"

	"gocv.io/x/gocv"

	kbnet "github.com/kbvision/go-kbnet"
)

// Resizer defines the struct used for scaling images and depth maps to
// the network input size.  Depth completion requires pixel coordinates
// to stay consistent with the camera calibration, so the resize is a
// plain rescale without letterbox padding and the calibration is
// adjusted to match.
type Resizer struct {
	// srcWidth is the width of the source image
	srcWidth int
	// srcHeight is the height of the source image
	srcHeight int
	// destWidth is the width to scale to
	destWidth int
	// destHeight is the height to scale to
	destHeight int
}

// NewResizer returns a resizer used for scaling an image to the needed
// dimensions for network input size
func NewResizer(srcWidth, srcHeight, destWidth, destHeight int) *Resizer {
	return &Resizer{
		srcWidth:   srcWidth,
		srcHeight:  srcHeight,
		destWidth:  destWidth,
		destHeight: destHeight,
	}
}

// Resize scales the input image to the network input size
func (r *Resizer) Resize(src gocv.Mat, dest *gocv.Mat) {
	gocv.Resize(src, dest, image.Pt(r.destWidth, r.destHeight),
		0, 0, gocv.InterpolationArea)
}

// ResizeDepth scales a sparse depth map to the network input size using
// nearest neighbour sampling so measurements are never blended with the
// zeros marking empty pixels
func (r *Resizer) ResizeDepth(src gocv.Mat, dest *gocv.Mat) {
	gocv.Resize(src, dest, image.Pt(r.destWidth, r.destHeight),
		0, 0, gocv.InterpolationNearestNeighbor)
}

// AdjustIntrinsics rescales the camera calibration from the source
// resolution to the network input resolution
func (r *Resizer) AdjustIntrinsics(k kbnet.Intrinsics) kbnet.Intrinsics {
	return kbnet.ScaleIntrinsics(r.srcHeight, r.srcWidth,
		r.destHeight, r.destWidth, k)
}

// SrcWidth returns the width of the source image
func (r *Resizer) SrcWidth() int {
	return r.srcWidth
}

// SrcHeight returns the height of the source image
func (r *Resizer) SrcHeight() int {
	return r.srcHeight
}

// DestWidth returns the network input width
func (r *Resizer) DestWidth() int {
	return r.destWidth
}

// DestHeight returns the network input height
func (r *Resizer) DestHeight() int {
	return r.destHeight
}
