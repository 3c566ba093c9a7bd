package dataset

import "fmt"

// Array is a dense row-major float32 array.
type Array struct {
	Shape []int
	Data  []float32
}

// NewArray allocates a zero-filled array of the given shape.
func NewArray(shape ...int) Array {
	return Array{Shape: append([]int(nil), shape...), Data: make([]float32, numElements(shape))}
}

// Len returns the size of the leading dimension.
func (a Array) Len() int {
	if len(a.Shape) == 0 {
		return 0
	}
	return a.Shape[0]
}

// RowSize returns the number of elements per leading-dimension entry.
func (a Array) RowSize() int {
	if len(a.Shape) == 0 {
		return 0
	}
	return numElements(a.Shape[1:])
}

// Row returns a view of entry i along the leading dimension.
func (a Array) Row(i int) []float32 {
	n := a.RowSize()
	return a.Data[i*n : (i+1)*n]
}

// Slice returns a view of entries [from, to) along the leading dimension.
func (a Array) Slice(from, to int) Array {
	n := a.RowSize()
	shape := append([]int{to - from}, a.Shape[1:]...)
	return Array{Shape: shape, Data: a.Data[from*n : to*n]}
}

// SameShape reports whether a and b have identical shapes.
func (a Array) SameShape(b Array) bool {
	return sameShape(a.Shape, b.Shape)
}

func (a Array) String() string {
	return fmt.Sprintf("Array%v", a.Shape)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
