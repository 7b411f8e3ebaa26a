package tensor

import (
	"math"
)

// Tensor is an n-dimensional float32 array in NCHW-style row-major layout.
type Tensor struct {
	Data  []float32
	Shape []int
}

func New(shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return &Tensor{Data: make([]float32, size), Shape: shape}
}

func From(data []float32, shape []int) *Tensor {
	return &Tensor{Data: data, Shape: shape}
}

func (t *Tensor) Numel() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

func (t *Tensor) Clone() *Tensor {
	d := make([]float32, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Data: d, Shape: append([]int{}, t.Shape...)}
}

// SameShape reports whether two tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// --- Elementwise operations ---

func Add(a, b *Tensor) *Tensor {
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

func Sub(a, b *Tensor) *Tensor {
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out
}

func Scale(x *Tensor, s float32) *Tensor {
	out := New(x.Shape...)
	for i := range x.Data {
		out.Data[i] = x.Data[i] * s
	}
	return out
}

// AddScaled returns a + s*b.
func AddScaled(a, b *Tensor, s float32) *Tensor {
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + s*b.Data[i]
	}
	return out
}

// Lerp returns (1-alpha)*a + alpha*b.
func Lerp(a, b *Tensor, alpha float32) *Tensor {
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = (1-alpha)*a.Data[i] + alpha*b.Data[i]
	}
	return out
}

// Clamp limits every element to [lo, hi].
func Clamp(x *Tensor, lo, hi float32) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		if v < lo {
			v = lo
		} else if v > hi {
			v = hi
		}
		out.Data[i] = v
	}
	return out
}

// Mean returns the arithmetic mean of all elements.
func Mean(x *Tensor) float32 {
	if len(x.Data) == 0 {
		return 0
	}
	sum := float64(0)
	for _, v := range x.Data {
		sum += float64(v)
	}
	return float32(sum / float64(len(x.Data)))
}

// Sanitize replaces NaN and Inf entries with zero, in place, and
// returns the receiver. Finite entries are untouched.
func (t *Tensor) Sanitize() *Tensor {
	for i, v := range t.Data {
		f64 := float64(v)
		if math.IsNaN(f64) || math.IsInf(f64, 0) {
			t.Data[i] = 0
		}
	}
	return t
}

// IsFinite reports whether every element is neither NaN nor Inf.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		f64 := float64(v)
		if math.IsNaN(f64) || math.IsInf(f64, 0) {
			return false
		}
	}
	return true
}

func Min(t *Tensor) float32 {
	m := t.Data[0]
	for _, v := range t.Data[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func Max(t *Tensor) float32 {
	m := t.Data[0]
	for _, v := range t.Data[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// ConcatBatch stacks tensors along dim 0. All inputs must share the
// trailing shape.
func ConcatBatch(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		return nil
	}
	inner := 1
	for _, s := range ts[0].Shape[1:] {
		inner *= s
	}
	batch := 0
	for _, t := range ts {
		batch += t.Shape[0]
	}
	shape := append([]int{batch}, ts[0].Shape[1:]...)
	out := New(shape...)
	off := 0
	for _, t := range ts {
		copy(out.Data[off:], t.Data)
		off += len(t.Data)
	}
	return out
}

// SplitBatch splits a tensor into n equal chunks along dim 0.
func SplitBatch(t *Tensor, n int) []*Tensor {
	batch := t.Shape[0] / n
	inner := 1
	for _, s := range t.Shape[1:] {
		inner *= s
	}
	chunk := batch * inner
	out := make([]*Tensor, n)
	for i := 0; i < n; i++ {
		shape := append([]int{batch}, t.Shape[1:]...)
		d := make([]float32, chunk)
		copy(d, t.Data[i*chunk:(i+1)*chunk])
		out[i] = From(d, shape)
	}
	return out
}
