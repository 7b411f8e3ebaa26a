package painter

import (
	"github.com/soyeong-kwon/MyDreamer/tape"
	"github.com/soyeong-kwon/MyDreamer/tensor"
)

// EncodeLatents pushes an image in [0,1] through the oracle's encoder
// and records the whole path on the tape: rescale to [-1,1] with
// clamping, sample the posterior, multiply by the scaling factor. The
// backward pass chains the oracle's pullback with the rescale
// Jacobian, which is how the injected gradient reaches the renderer.
func (p *Pipeline) EncodeLatents(img *tape.Variable) (*tape.Variable, error) {
	x := img.Value
	scaled := tensor.New(x.Shape...)
	// mask zeroes the gradient where the clamp saturates
	mask := make([]float32, len(x.Data))
	for i, v := range x.Data {
		s := 2*v - 1
		if s < -1 {
			s = -1
		} else if s > 1 {
			s = 1
		} else {
			mask[i] = 1
		}
		scaled.Data[i] = s
	}

	dist, pullback, err := p.oracle.EncodeImage(scaled)
	if err != nil {
		return nil, err
	}
	if pullback == nil {
		return nil, &InvalidInputError{
			Field:  "oracle",
			Reason: "encoder provides no pullback; use the as-latent path",
		}
	}

	sf := p.oracle.ScalingFactor()
	latents := tensor.Scale(dist.Sample(p.rng), sf)

	return tape.Op(latents, []*tape.Variable{img}, func(g *tensor.Tensor) {
		gi := pullback(tensor.Scale(g, sf))
		for i := range gi.Data {
			gi.Data[i] *= 2 * mask[i]
		}
		img.AccumGrad(gi)
	}), nil
}

// AsLatents treats the bilinearly downsampled image, rescaled to
// [-1,1], directly as latents. Fully differentiable without any
// encoder, at the cost of a cruder latent.
func (p *Pipeline) AsLatents(img *tape.Variable) *tape.Variable {
	size := p.latentSize()
	resized := tensor.ResizeBilinear(img.Value, size, size)
	latents := tensor.New(resized.Shape...)
	for i, v := range resized.Data {
		latents.Data[i] = 2*v - 1
	}
	h, w := img.Value.Shape[2], img.Value.Shape[3]
	return tape.Op(latents, []*tape.Variable{img}, func(g *tensor.Tensor) {
		img.AccumGrad(tensor.ResizeBilinearVJP(tensor.Scale(g, 2), h, w))
	})
}

// DecodeLatents inverts the scaling factor and runs the oracle's
// decoder. Raw tensors only; used by the sampling loop.
func (p *Pipeline) DecodeLatents(latents *tensor.Tensor) (*tensor.Tensor, error) {
	return p.oracle.DecodeImage(tensor.Scale(latents, 1/p.oracle.ScalingFactor()))
}
