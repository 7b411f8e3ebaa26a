package painter

import (
	"fmt"
	"math/rand"

	"k8s.io/klog/v2"

	"github.com/soyeong-kwon/MyDreamer/tensor"
)

// SampleConfig configures one text-to-image sampling run.
type SampleConfig struct {
	// Height and Width default to the oracle's native size and must
	// be divisible by the latent factor.
	Height, Width     int
	NumInferenceSteps int
	GuidanceScale     float32
	NegativePrompts   []string
	Seed              int64
	// InitLatents, when set, replaces the seeded Gaussian init.
	InitLatents *tensor.Tensor
	// Callback is invoked synchronously every CallbackSteps scheduler
	// updates with (step index, timestep, current latents).
	Callback      func(step, timestep int, latents *tensor.Tensor)
	CallbackSteps int
}

func DefaultSampleConfig() SampleConfig {
	return SampleConfig{
		NumInferenceSteps: 50,
		GuidanceScale:     7.5,
		CallbackSteps:     1,
	}
}

// SampleImage runs the standard classifier-free-guided denoising loop
// and returns an image in [0,1] with shape [B,3,H,W]. This is a
// conventional application of the scheduler oracle, independent of
// the score-distillation core.
func (p *Pipeline) SampleImage(prompts []string, cfg SampleConfig) (*tensor.Tensor, error) {
	if cfg.Height == 0 {
		cfg.Height = p.cfg.NativeSize
	}
	if cfg.Width == 0 {
		cfg.Width = p.cfg.NativeSize
	}
	if cfg.NumInferenceSteps == 0 {
		cfg.NumInferenceSteps = 50
	}
	if cfg.CallbackSteps == 0 {
		cfg.CallbackSteps = 1
	}
	if cfg.Height%p.cfg.LatentFactor != 0 || cfg.Width%p.cfg.LatentFactor != 0 {
		return nil, &InvalidInputError{
			Field:  "size",
			Reason: fmt.Sprintf("%dx%d not divisible by %d", cfg.Height, cfg.Width, p.cfg.LatentFactor),
		}
	}
	if len(prompts) == 0 {
		return nil, &InvalidInputError{Field: "prompt", Reason: "at least one prompt is required"}
	}
	batch := len(prompts)

	guided := cfg.GuidanceScale > 1
	emb, err := p.BuildEmbeddings(prompts, cfg.NegativePrompts, batch, cfg.GuidanceScale)
	if err != nil {
		return nil, err
	}

	timesteps := p.oracle.SetTimesteps(cfg.NumInferenceSteps)
	klog.V(1).Infof("sampling %d steps, timesteps [%d ... %d]", len(timesteps), timesteps[0], timesteps[len(timesteps)-1])

	latents := cfg.InitLatents
	if latents == nil {
		rng := rand.New(rand.NewSource(cfg.Seed))
		latents = tensor.Randn(rng, batch, p.oracle.LatentChannels(),
			cfg.Height/p.cfg.LatentFactor, cfg.Width/p.cfg.LatentFactor)
		latents = tensor.Scale(latents, p.oracle.InitNoiseSigma())
	}

	order := p.oracle.Order()
	warmup := len(timesteps) - cfg.NumInferenceSteps*order

	for i, t := range timesteps {
		input := latents
		if guided {
			input = tensor.ConcatBatch(latents, latents)
		}

		pred, err := p.oracle.PredictNoise(input, t, emb)
		if err != nil {
			return nil, fmt.Errorf("denoise step %d (t=%d): %w", i, t, err)
		}
		if guided {
			halves := tensor.SplitBatch(pred, 2)
			pred = tensor.AddScaled(halves[0], tensor.Sub(halves[1], halves[0]), cfg.GuidanceScale)
		}

		latents = p.oracle.Step(pred, t, latents)

		if i == len(timesteps)-1 || (i+1 > warmup && (i+1)%order == 0) {
			klog.V(2).Infof("step %d/%d (t=%d)", i+1, cfg.NumInferenceSteps, t)
			if cfg.Callback != nil && i%cfg.CallbackSteps == 0 {
				cfg.Callback(i, t, latents)
			}
		}
	}

	img, err := p.DecodeLatents(latents)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	// decoder output is in [-1,1]
	out := tensor.New(img.Shape...)
	for i, v := range img.Data {
		out.Data[i] = (v + 1) / 2
	}
	return tensor.Clamp(out, 0, 1), nil
}
