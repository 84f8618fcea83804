/*
go-kbnet implements the calibrated backprojection network (KBNet) family
of depth-completion architectures in Go.  It fuses a sparse depth signal,
an RGB image and the camera calibration (intrinsics) into a dense depth
prediction, and includes the companion pose network used for
self-supervised training from monocular video.

The distinctive piece is the calibrated backprojection encoder: at
selected pyramid resolutions, 2D pixel coordinates are lifted into 3D
camera-space rays using the resolution-scaled inverse intrinsics matrix
and fused with the learned image and depth features through a dedicated
fusion branch.

Tensors use NCHW float32 layout.  Dense linear algebra is delegated to
gonum.  See the example code and usage in the example subdirectory.
*/
package kbnet
