package kbnet

import (
	"fmt"
)

// Batch concatenates a number of single sample Tensors together into one
// Tensor so a Model can run inference over all samples in a single forward
// pass
type Batch struct {
	tensor *Tensor
	// size of the batch
	size int
	// channels is the input tensor number of channels
	channels int
	// height is the input tensor size height
	height int
	// width is the input tensor size width
	width int
	// cnt is a counter for how many samples have been added with Add()
	cnt int
	// sampleSize stores a samples size made up from its elements
	sampleSize int
}

// NewBatch creates a batch of concatenated Tensors for the given input
// shape and batch size
func NewBatch(batchSize, channels, height, width int) *Batch {

	return &Batch{
		size:       batchSize,
		channels:   channels,
		height:     height,
		width:      width,
		tensor:     NewTensor(batchSize, channels, height, width),
		cnt:        0,
		sampleSize: channels * height * width,
	}
}

// Add a sample to the batch
func (b *Batch) Add(t *Tensor) error {

	// check if batch is full
	if b.cnt >= b.size {
		return fmt.Errorf("batch full")
	}

	err := b.addAt(b.cnt, t)

	if err != nil {
		return err
	}

	// increment sample counter
	b.cnt++
	return nil
}

// AddAt adds a sample to the batch at the specific index location
func (b *Batch) AddAt(idx int, t *Tensor) error {

	if idx < 0 || idx >= b.size {
		return fmt.Errorf("index %d out of range [0-%d)", idx, b.size)
	}

	return b.addAt(idx, t)
}

// addAt adds a sample to the specified index location
func (b *Batch) addAt(idx int, t *Tensor) error {

	// validate sample dimensions
	if t.N() != 1 || t.C() != b.channels || t.H() != b.height ||
		t.W() != b.width {
		return fmt.Errorf("sample does not match batch shape")
	}

	offset := idx * b.sampleSize
	copy(b.tensor.Data()[offset:], t.Data())

	return nil
}

// Sample returns the portion of a batched output Tensor belonging to the
// given sample number. idx starts counting from 0 to (batchsize-1)
func (b *Batch) Sample(idx int, out *Tensor) (*Tensor, error) {

	if idx < 0 || idx >= b.size {
		return nil, fmt.Errorf("index %d out of range [0-%d)", idx, b.size)
	}

	if out.N() != b.size {
		return nil, fmt.Errorf("output batch size %d does not match %d",
			out.N(), b.size)
	}

	size := out.C() * out.H() * out.W()
	offset := idx * size

	sample := NewTensor(1, out.C(), out.H(), out.W())
	copy(sample.Data(), out.Data()[offset:offset+size])

	return sample, nil
}

// Len returns the number of samples added with Add()
func (b *Batch) Len() int {
	return b.cnt
}

// Tensor returns the concatenated tensor
func (b *Batch) Tensor() *Tensor {
	return b.tensor
}

// Clear the batch so it can be reused again
func (b *Batch) Clear() {
	// just reset the counter, the underlying tensor data gets overwritten
	// when Add() is called with new samples
	b.cnt = 0
}
