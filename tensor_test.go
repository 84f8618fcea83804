package kbnet

import (
	"math"
	"testing"
)

func TestTensorShape(t *testing.T) {

	x := NewTensor(2, 3, 4, 5)

	if x.N() != 2 || x.C() != 3 || x.H() != 4 || x.W() != 5 {
		t.Errorf("Shape accessors wrong, got %s", x.String())
	}

	if len(x.Data()) != 2*3*4*5 {
		t.Errorf("Backing slice length wrong, expected %d, got %d",
			2*3*4*5, len(x.Data()))
	}

	_, err := NewTensorData(1, 1, 2, 2, []float32{1, 2, 3})

	if err == nil {
		t.Errorf("Expected error for mismatched data length")
	}
}

func TestTensorAtSet(t *testing.T) {

	x := NewTensor(2, 2, 3, 3)
	x.Set(1, 1, 2, 2, 7)

	if x.At(1, 1, 2, 2) != 7 {
		t.Errorf("At/Set roundtrip failed, got %f", x.At(1, 1, 2, 2))
	}

	// last element of the flat slice
	if x.Data()[len(x.Data())-1] != 7 {
		t.Errorf("NCHW layout wrong, flat index mismatch")
	}
}

func TestConcat(t *testing.T) {

	a := NewTensor(1, 2, 2, 2)
	a.Fill(1)

	b := NewTensor(1, 1, 2, 2)
	b.Fill(2)

	out, err := Concat(a, b)

	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}

	if out.C() != 3 {
		t.Errorf("Expected 3 channels, got %d", out.C())
	}

	if out.At(0, 0, 0, 0) != 1 || out.At(0, 2, 1, 1) != 2 {
		t.Errorf("Concat channel order wrong")
	}

	c := NewTensor(1, 1, 3, 2)

	if _, err := Concat(a, c); err == nil {
		t.Errorf("Expected error for mismatched spatial size")
	}
}

func TestInterpolateAlignCorners(t *testing.T) {

	x, _ := NewTensorData(1, 1, 2, 2, []float32{1, 2, 3, 4})

	out := x.Interpolate(3, 3)

	expected := []float32{1, 1.5, 2, 2, 2.5, 3, 3, 3.5, 4}

	for i, want := range expected {
		if math.Abs(float64(out.Data()[i]-want)) > 1e-6 {
			t.Errorf("Interpolated value %d wrong, expected %f, got %f",
				i, want, out.Data()[i])
		}
	}

	// corner alignment keeps the extreme values exact
	if out.At(0, 0, 0, 0) != 1 || out.At(0, 0, 2, 2) != 4 {
		t.Errorf("Corners not preserved by align corners interpolation")
	}
}

func TestInterpolateScale(t *testing.T) {

	x := NewTensor(1, 2, 3, 4)

	out := x.InterpolateScale(2)

	if out.H() != 6 || out.W() != 8 {
		t.Errorf("Expected 6x8 output, got %dx%d", out.H(), out.W())
	}
}

func TestMulBroadcast(t *testing.T) {

	a := NewTensor(1, 3, 2, 2)
	a.Fill(2)

	b, _ := NewTensorData(1, 1, 2, 2, []float32{1, 2, 3, 4})

	out, err := Mul(a, b)

	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}

	for c := 0; c < 3; c++ {
		if out.At(0, c, 1, 1) != 8 {
			t.Errorf("Broadcast multiply wrong at channel %d, got %f",
				c, out.At(0, c, 1, 1))
		}
	}

	c := NewTensor(1, 2, 2, 2)

	if _, err := Mul(a, c); err == nil {
		t.Errorf("Expected error for non broadcastable channels")
	}
}

func TestChannel(t *testing.T) {

	x := NewTensor(2, 3, 2, 2)
	x.Set(1, 2, 0, 0, 5)

	ch, err := x.Channel(2)

	if err != nil {
		t.Fatalf("Channel failed: %v", err)
	}

	if ch.C() != 1 || ch.At(1, 0, 0, 0) != 5 {
		t.Errorf("Channel extraction wrong")
	}

	if _, err := x.Channel(3); err == nil {
		t.Errorf("Expected error for out of range channel")
	}
}
