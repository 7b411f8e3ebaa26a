package tape

import (
	"github.com/soyeong-kwon/MyDreamer/tensor"
)

// InjectGradient builds a scalar loss node whose backward rule ignores
// the chain rule entirely: the forward value is a constant 1.0, and
// backpropagation deposits grad, scaled by the upstream scalar
// cotangent, straight into anchor. From there accumulation continues
// through whatever differentiable ops produced anchor. The stored
// gradient itself receives no gradient.
func InjectGradient(anchor *Variable, grad *tensor.Tensor) *Variable {
	stored := grad.Clone()
	one := tensor.From([]float32{1}, []int{1})
	return Op(one, []*Variable{anchor}, func(upstream *tensor.Tensor) {
		anchor.AccumGrad(tensor.Scale(stored, upstream.Data[0]))
	})
}
