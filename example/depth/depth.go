/*
Example code showing how to perform depth completion from an image and a
sparse depth map.
*/
package main

import (
	"flag"
	"log"
	"time"

	"gocv.io/x/gocv"

	kbnet "github.com/kbvision/go-kbnet"
	"github.com/kbvision/go-kbnet/preprocess"
	"github.com/kbvision/go-kbnet/render"
)

func main() {
	// disable logging timestamps
	log.SetFlags(0)

	// read in cli flags
	checkpointFile := flag.String("m", "../data/kbnet-kitti.ckpt", "Trained model checkpoint file")
	imgFile := flag.String("i", "../data/kitti.png", "Image file to run depth completion on")
	depthFile := flag.String("d", "../data/kitti-sparse.exr", "Sparse metric depth map file")
	saveFile := flag.String("o", "../data/kitti-out.jpg", "Output JPG file (depth visualization)")
	netWidth := flag.Int("w", 768, "Network input width")
	netHeight := flag.Int("h", 320, "Network input height")
	fx := flag.Float64("fx", 721.5377, "Focal length x in pixels")
	fy := flag.Float64("fy", 721.5377, "Focal length y in pixels")
	cx := flag.Float64("cx", 609.5593, "Principal point x in pixels")
	cy := flag.Float64("cy", 172.854, "Principal point y in pixels")

	flag.Parse()

	// create depth completion model and load trained weights
	model, err := kbnet.NewDepthModel(kbnet.DefaultDepthModelConfig())

	if err != nil {
		log.Fatal("Error creating model: ", err)
	}

	err = kbnet.LoadCheckpointFile(*checkpointFile, model.Parameters())

	if err != nil {
		log.Fatal("Error loading checkpoint: ", err)
	}

	// load image and sparse depth map
	img := gocv.IMRead(*imgFile, gocv.IMReadColor)

	if img.Empty() {
		log.Fatal("Error reading image from: ", *imgFile)
	}

	defer img.Close()

	sparse := gocv.IMRead(*depthFile, gocv.IMReadAnyDepth)

	if sparse.Empty() {
		log.Fatal("Error reading sparse depth from: ", *depthFile)
	}

	defer sparse.Close()

	// resize inputs to the network input size and adjust the camera
	// calibration to match
	resizer := preprocess.NewResizer(img.Cols(), img.Rows(), *netWidth, *netHeight)

	netImg := gocv.NewMat()
	defer netImg.Close()
	resizer.Resize(img, &netImg)

	netSparse := gocv.NewMat()
	defer netSparse.Close()
	resizer.ResizeDepth(sparse, &netSparse)

	sparse32 := gocv.NewMat()
	defer sparse32.Close()
	netSparse.ConvertTo(&sparse32, gocv.MatTypeCV32F)

	imageTensor, err := preprocess.ImageToTensor(netImg)

	if err != nil {
		log.Fatal("Error converting image: ", err)
	}

	depthTensor, err := preprocess.DepthToTensor(sparse32)

	if err != nil {
		log.Fatal("Error converting sparse depth: ", err)
	}

	k := resizer.AdjustIntrinsics(kbnet.NewIntrinsics(*fx, *fy, *cx, *cy))

	start := time.Now()

	// perform depth completion
	outputs, err := model.Forward(imageTensor, depthTensor, nil, k)

	if err != nil {
		log.Fatal("Depth completion failed with error: ", err)
	}

	log.Printf("Model inference took %s\n", time.Since(start))

	// the last output is the full resolution prediction
	depthMap := gocv.NewMat()
	defer depthMap.Close()

	renderer := render.NewDepthMap(render.DefaultDepthMapParams())
	err = renderer.Render(outputs[len(outputs)-1], &depthMap)

	if err != nil {
		log.Fatal("Error creating depth map: ", err)
	}

	if ok := gocv.IMWrite(*saveFile, depthMap); !ok {
		log.Fatal("Failed to save the depth map to: ", *saveFile)
	}

	log.Println("Saved depth map to: ", *saveFile)
}
