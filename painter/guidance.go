package painter

import (
	"fmt"

	"github.com/soyeong-kwon/MyDreamer/tensor"
)

// PredictNoise noises the latents at timestep t with the supplied
// noise sample, runs the frozen denoiser once, and applies the
// classifier-free guidance combination when guided is set:
//
//	pred = uncond + guidanceScale*(cond - uncond)
//
// The batch is doubled to match a [uncond; cond] embedding batch, and
// the raw prediction is split with the unconditional half first.
// Everything here works on raw tensors: the denoiser is frozen and
// must stay off the tape.
func (p *Pipeline) PredictNoise(latents, noise *tensor.Tensor, t int, embeddings *tensor.Tensor, guidanceScale float32, guided bool) (*tensor.Tensor, error) {
	noisy := p.oracle.AddNoise(latents, noise, t)

	input := noisy
	if guided {
		input = tensor.ConcatBatch(noisy, noisy)
	}

	pred, err := p.oracle.PredictNoise(input, t, embeddings)
	if err != nil {
		return nil, fmt.Errorf("predict noise at t=%d: %w", t, err)
	}

	if guided {
		halves := tensor.SplitBatch(pred, 2)
		uncond, cond := halves[0], halves[1]
		pred = tensor.AddScaled(uncond, tensor.Sub(cond, uncond), guidanceScale)
	}
	return pred, nil
}
