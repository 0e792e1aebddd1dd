package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewShape(t *testing.T) {
	t1 := New(2, 3)
	if len(t1.Data) != 6 {
		t.Fatalf("expected 6 elements, got %d", len(t1.Data))
	}
	if len(t1.Shape) != 2 || t1.Shape[0] != 2 || t1.Shape[1] != 3 {
		t.Fatalf("unexpected shape: %v", t1.Shape)
	}
}

func TestAdd(t *testing.T) {
	a := &Tensor{Data: []float64{1, 2, 3}, Shape: []int{3}}
	b := &Tensor{Data: []float64{4, 5, 6}, Shape: []int{3}}
	c, err := Add(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{5, 7, 9}
	for i := range want {
		if c.Data[i] != want[i] {
			t.Errorf("at %d, got %f, want %f", i, c.Data[i], want[i])
		}
	}
	// inputs untouched
	assert.Equal(t, []float64{1, 2, 3}, a.Data)

	_, err = Add(a, New(2, 2))
	assert.Error(t, err)
}

func TestMatMul(t *testing.T) {
	a := &Tensor{Data: []float64{1, 2, 3, 4}, Shape: []int{2, 2}}
	b := &Tensor{Data: []float64{5, 6, 7, 8}, Shape: []int{2, 2}}
	c, err := MatMul(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{19, 22, 43, 50}
	for i := range want {
		if c.Data[i] != want[i] {
			t.Errorf("at %d, got %f, want %f", i, c.Data[i], want[i])
		}
	}

	_, err = MatMul(New(2, 3), New(2, 3))
	assert.Error(t, err)
}

func TestAtSetAndDims4(t *testing.T) {
	x := New(2, 3, 4, 5)
	x.Set(1.5, 1, 2, 3, 4)
	assert.Equal(t, 1.5, x.At(1, 2, 3, 4))
	assert.Equal(t, 1.5, x.Data[len(x.Data)-1])

	n, c, h, w, err := x.Dims4()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4, 5}, []int{n, c, h, w})

	_, _, _, _, err = New(3).Dims4()
	assert.Error(t, err)
}

func TestSumScaleFull(t *testing.T) {
	x := Full(2, 2, 2)
	assert.Equal(t, 8.0, Sum(x))
	x.Scale(0.5)
	assert.Equal(t, 4.0, Sum(x))

	y, err := FromData([]float64{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3.0, y.At(1, 0))
	_, err = FromData([]float64{1}, 2, 2)
	assert.Error(t, err)
}
