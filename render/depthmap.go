package render

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"

	kbnet "github.com/kbvision/go-kbnet"
)

// GrayscaleMap is used to not apply coloring to output depthmap, but to leave as grayscale
const GrayscaleMap = gocv.ColormapTypes(9999)

// DepthMapParams are the depth map visualization parameters
type DepthMapParams struct {
	// Invert the depth map so near pixels render bright
	Invert bool
	// Colormap to apply to depth map, if you want it left as grayscale
	// then pass render.GrayscaleMap
	Colormap gocv.ColormapTypes
}

// DefaultDepthMapParams sets output depth map to non-inverting and use
// Viridis color scheme
func DefaultDepthMapParams() DepthMapParams {
	return DepthMapParams{
		Invert:   false,
		Colormap: gocv.ColormapViridis,
	}
}

// DepthMap converts predicted depth tensors into visualization images
type DepthMap struct {
	// Params are the depth map configuration parameters
	Params DepthMapParams
}

// NewDepthMap returns an instance of the depth map renderer
func NewDepthMap(p DepthMapParams) *DepthMap {
	return &DepthMap{
		Params: p,
	}
}

// Render converts the first batch element of a 1 channel depth tensor
// into a depth map image
func (m *DepthMap) Render(depth *kbnet.Tensor, depthMat *gocv.Mat) error {

	if depth.C() != 1 {
		return fmt.Errorf("expected 1 channel depth tensor, got %s", depth.String())
	}

	h := depth.H()
	w := depth.W()

	depthU8 := m.depthToU8(depth, h, w)

	u8Mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, depthU8)

	if err != nil {
		return fmt.Errorf("failed to create depth mat: %w", err)
	}

	defer u8Mat.Close()

	if m.Params.Colormap == GrayscaleMap {
		// no coloring
		u8Mat.CopyTo(depthMat)
	} else {
		// apply colormap
		gocv.ApplyColorMap(u8Mat, depthMat, m.Params.Colormap)
	}

	return nil
}

// depthToU8 converts a float32 depth map into an 8-bit visualization
// image, normalizing to 0..255 using the min/max over the whole map.
//
// Output layout is row-major grayscale: out[y*w + x]
func (m *DepthMap) depthToU8(depth *kbnet.Tensor, h, w int) []byte {

	out := make([]byte, h*w)

	// first pass: find min/max depth ignoring NaN/Inf values
	minV := float32(math.Inf(1))
	maxV := float32(math.Inf(-1))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := depth.At(0, 0, y, x)

			if !isFinite32(v) {
				continue
			}

			if v < minV {
				minV = v
			}

			if v > maxV {
				maxV = v
			}
		}
	}

	den := maxV - minV

	if den <= 0 || !isFinite32(den) {
		return out
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := depth.At(0, 0, y, x)

			if !isFinite32(v) {
				continue
			}

			// normalize to 0..1 based on the map's min/max range
			n := (v - minV) / den

			if m.Params.Invert {
				n = 1.0 - n
			}

			// clamp to [0,1] to avoid overflow due to rounding
			if n < 0 {
				n = 0
			}
			if n > 1 {
				n = 1
			}

			out[y*w+x] = byte(n * 255.0)
		}
	}

	return out
}

// isFinite32 returns true if v is neither NaN nor +/-Inf
func isFinite32(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
