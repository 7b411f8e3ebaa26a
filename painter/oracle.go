// Package painter implements score distillation sampling on top of a
// frozen text-to-image diffusion oracle. The oracle (denoising
// network, text encoder, image codec, noise schedule) is consumed
// through the capability interfaces below and is never trained; the
// package's job is turning its noise predictions into gradients for
// an external differentiable renderer.
package painter

import (
	"math/rand"

	"github.com/soyeong-kwon/MyDreamer/tensor"
)

// Pullback maps a latent-space cotangent back to image space. It is
// the oracle's half of the differentiable encode path.
type Pullback func(grad *tensor.Tensor) *tensor.Tensor

// LatentDist is the encoder's diagonal Gaussian posterior over
// latents.
type LatentDist struct {
	Mean *tensor.Tensor
	Std  *tensor.Tensor
}

// Sample draws one latent from the posterior. A nil or zero Std
// collapses to the mean.
func (d *LatentDist) Sample(rng *rand.Rand) *tensor.Tensor {
	if d.Std == nil {
		return d.Mean.Clone()
	}
	eps := tensor.RandnLike(rng, d.Mean)
	out := tensor.New(d.Mean.Shape...)
	for i := range out.Data {
		out.Data[i] = d.Mean.Data[i] + d.Std.Data[i]*eps.Data[i]
	}
	return out
}

// Denoiser is the frozen noise-prediction network plus the forward
// half of its training noise schedule.
type Denoiser interface {
	NumTrainTimesteps() int
	// AlphasCumprod returns the cumulative alpha products indexed by
	// timestep.
	AlphasCumprod() []float64
	// AddNoise applies the forward-noising formula at timestep t.
	AddNoise(latents, noise *tensor.Tensor, t int) *tensor.Tensor
	// PredictNoise is the raw denoiser call. Batched inputs carry the
	// unconditional half first when classifier-free guidance doubles
	// the batch.
	PredictNoise(noisy *tensor.Tensor, t int, embeddings *tensor.Tensor) (*tensor.Tensor, error)
}

// ImageCodec converts between image space and the oracle's latent
// space.
type ImageCodec interface {
	// EncodeImage maps an image in [-1,1] to a latent distribution.
	// The returned pullback may be nil when the backend cannot
	// propagate gradients through its encoder; score distillation then
	// requires the as-latent path.
	EncodeImage(img *tensor.Tensor) (*LatentDist, Pullback, error)
	// DecodeImage maps latents (already divided by the scaling
	// factor) back to an image in [-1,1].
	DecodeImage(latents *tensor.Tensor) (*tensor.Tensor, error)
	ScalingFactor() float32
	LatentChannels() int
}

// TextEncoder tokenizes and embeds conditioning text.
type TextEncoder interface {
	Tokenize(text string, maxLen int) []int64
	// EncodeText returns a [1, seq, dim] embedding for one prompt.
	EncodeText(ids []int64) (*tensor.Tensor, error)
}

// Stepper is the deterministic-update half of the noise schedule,
// used only by the sampling loop.
type Stepper interface {
	// SetTimesteps returns the inference timestep sequence, noisiest
	// first.
	SetTimesteps(n int) []int
	// Order is the number of scheduler steps consumed per update.
	Order() int
	// Step computes the previous (less noisy) latents.
	Step(pred *tensor.Tensor, t int, latents *tensor.Tensor) *tensor.Tensor
	// InitNoiseSigma scales the initial Gaussian latents.
	InitNoiseSigma() float32
}

// Oracle bundles every capability the pipeline needs from the frozen
// diffusion model.
type Oracle interface {
	Denoiser
	ImageCodec
	TextEncoder
	Stepper
}
