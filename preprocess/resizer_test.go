package preprocess

import (
	"testing"

	"gocv.io/x/gocv"
)

func TestResize(t *testing.T) {

	tests := []struct {
		srcWidth   int
		srcHeight  int
		destWidth  int
		destHeight int
	}{
		{1280, 720, 768, 320},
		{640, 480, 320, 240},
		{320, 240, 640, 480},
	}

	for _, tc := range tests {
		img := gocv.NewMatWithSize(tc.srcHeight, tc.srcWidth, gocv.MatTypeCV8UC3)
		resized := gocv.NewMat()

		resizer := NewResizer(tc.srcWidth, tc.srcHeight, tc.destWidth, tc.destHeight)

		resizer.Resize(img, &resized)

		if resized.Cols() != tc.destWidth || resized.Rows() != tc.destHeight {
			t.Errorf("Test failed for src (%d, %d): expected size (%d, %d), got (%d, %d)",
				tc.srcWidth, tc.srcHeight, tc.destWidth, tc.destHeight,
				resized.Cols(), resized.Rows())
		}

		img.Close()
		resized.Close()
	}
}

func TestResizeDepth(t *testing.T) {

	// sparse depth with a single measurement, nearest neighbour sampling
	// must not blend it with the surrounding zeros
	depth := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV32F)
	depth.SetFloatAt(4, 4, 10.0)

	resized := gocv.NewMat()

	resizer := NewResizer(8, 8, 4, 4)
	resizer.ResizeDepth(depth, &resized)

	if resized.Cols() != 4 || resized.Rows() != 4 {
		t.Fatalf("Test failed: expected size (4, 4), got (%d, %d)",
			resized.Cols(), resized.Rows())
	}

	data, err := resized.DataPtrFloat32()

	if err != nil {
		t.Fatalf("Test failed reading resized depth: %v", err)
	}

	for _, v := range data {
		if v != 0 && v != 10.0 {
			t.Errorf("Test failed: blended depth value %f", v)
		}
	}

	depth.Close()
	resized.Close()
}
