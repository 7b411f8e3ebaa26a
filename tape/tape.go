// Package tape implements a minimal reverse-mode autodiff graph over
// tensor.Tensor values. Only the differentiable image-to-latent path
// is recorded; frozen model evaluations operate on raw tensors and
// never appear on the tape.
package tape

import (
	"github.com/soyeong-kwon/MyDreamer/tensor"
)

// Variable is a node in the backward graph. Grad is lazily allocated
// on first accumulation.
type Variable struct {
	Value *tensor.Tensor
	Grad  *tensor.Tensor

	requiresGrad bool
	parents      []*Variable
	backward     func(grad *tensor.Tensor)
}

// Leaf creates a graph input. Only leaves with requiresGrad set
// accumulate gradients.
func Leaf(v *tensor.Tensor, requiresGrad bool) *Variable {
	return &Variable{Value: v, requiresGrad: requiresGrad}
}

// Op creates an interior node. backward receives the node's
// accumulated cotangent and must push gradients into the parents via
// AccumGrad.
func Op(value *tensor.Tensor, parents []*Variable, backward func(grad *tensor.Tensor)) *Variable {
	return &Variable{
		Value:        value,
		requiresGrad: true,
		parents:      parents,
		backward:     backward,
	}
}

// AccumGrad adds g into the node's gradient.
func (v *Variable) AccumGrad(g *tensor.Tensor) {
	if !v.requiresGrad {
		return
	}
	if v.Grad == nil {
		v.Grad = g.Clone()
		return
	}
	for i := range v.Grad.Data {
		v.Grad.Data[i] += g.Data[i]
	}
}

// Backward runs reverse-mode accumulation from v, seeding the root
// cotangent with ones.
func (v *Variable) Backward() {
	seed := tensor.New(v.Value.Shape...)
	for i := range seed.Data {
		seed.Data[i] = 1
	}
	v.BackwardWith(seed)
}

// BackwardScaled seeds the root with a constant scalar cotangent, as a
// loss scaler would under mixed precision.
func (v *Variable) BackwardScaled(scale float32) {
	seed := tensor.New(v.Value.Shape...)
	for i := range seed.Data {
		seed.Data[i] = scale
	}
	v.BackwardWith(seed)
}

// BackwardWith runs reverse-mode accumulation with an explicit root
// cotangent. Nodes are visited in reverse topological order.
func (v *Variable) BackwardWith(seed *tensor.Tensor) {
	v.AccumGrad(seed)

	visited := make(map[*Variable]bool)
	var topo []*Variable
	var dfs func(*Variable)
	dfs = func(n *Variable) {
		if n == nil || visited[n] {
			return
		}
		visited[n] = true
		for _, p := range n.parents {
			dfs(p)
		}
		topo = append(topo, n)
	}
	dfs(v)

	for i := len(topo) - 1; i >= 0; i-- {
		n := topo[i]
		if n.backward == nil || n.Grad == nil {
			continue
		}
		n.backward(n.Grad)
	}
}
