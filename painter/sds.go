package painter

import (
	"fmt"

	"github.com/soyeong-kwon/MyDreamer/schedule"
	"github.com/soyeong-kwon/MyDreamer/tape"
	"github.com/soyeong-kwon/MyDreamer/tensor"
)

// Variant selects the gradient-estimation strategy.
type Variant int

const (
	// VariantPlain is single-noise score distillation:
	// grad = gradScale * w * (pred - noise).
	VariantPlain Variant = iota
	// VariantInterpolated blends predictions from the current and a
	// reference latent once the interpolation start step is passed.
	VariantInterpolated
	// VariantDelta sums finite differences between predictions at t
	// and t-lag, for both the optimized latents and an inversion
	// start code.
	VariantDelta
	// VariantTargetLatent replaces the sampled noise with a supplied
	// target latent in the plain formula.
	VariantTargetLatent
)

// Range is a max/min corridor for an annealed scalar.
type Range struct {
	Max, Min float64
}

// SDSConfig configures one score-distillation call. Variant-specific
// fields are ignored by the other variants.
type SDSConfig struct {
	Variant       Variant
	GuidanceScale float32
	GradScale     float32
	// TSchedule is the timestep annealing policy string understood by
	// the schedule package.
	TSchedule string
	// TRange is the [min, max] timestep corridor as ratios of the
	// training schedule.
	TRange [2]float64
	// AsLatent skips the encoder and treats the downsampled image as
	// latents directly.
	AsLatent bool
	// TotalSteps is the outer optimization horizon for annealing.
	TotalSteps int

	// Interpolated variant.
	RefLatents               *tensor.Tensor
	StartLatentInterpolation int
	AlphaRange               *Range
	GuidanceRange            *Range

	// Delta variant.
	StartCode  *tensor.Tensor
	RefPrompts []string
	DeltaLag   int

	// Target-latent variant.
	TargetLatent *tensor.Tensor
}

func DefaultSDSConfig() SDSConfig {
	return SDSConfig{
		Variant:                  VariantPlain,
		GuidanceScale:            100,
		GradScale:                1,
		TSchedule:                "randint",
		TRange:                   [2]float64{0.05, 0.95},
		TotalSteps:               1000,
		StartLatentInterpolation: 300,
		DeltaLag:                 20,
	}
}

// SDSResult is the outcome of one gradient estimate.
type SDSResult struct {
	// Loss is the scalar bridge node; calling Backward on it deposits
	// the estimated gradient into the rendered image.
	Loss *tape.Variable
	// MeanGrad is the mean of the injected gradient, for logging.
	MeanGrad float32
	// Timestep is the noise level the estimate was taken at.
	Timestep int
}

// SDSLoss computes a surrogate loss whose backward pass injects the
// score-distillation gradient into img. The image is expected in
// [0,1] with shape [B,3,H,W]. One noise tensor, one timestep, and one
// embedding batch are drawn per call and shared by every denoiser
// invocation inside the estimate.
func (p *Pipeline) SDSLoss(img *tape.Variable, step, imgSize int, prompts, negatives []string, cfg SDSConfig) (*SDSResult, error) {
	if len(img.Value.Shape) != 4 || img.Value.Shape[1] != 3 {
		return nil, &InvalidInputError{Field: "image", Reason: "want shape [B,3,H,W]"}
	}
	batch := img.Value.Shape[0]

	aug := p.Augment(img, imgSize)

	var latents *tape.Variable
	if cfg.AsLatent {
		latents = p.AsLatents(aug)
	} else {
		resized := p.ResizeTo(aug, p.cfg.NativeSize)
		var err error
		latents, err = p.EncodeLatents(resized)
		if err != nil {
			return nil, fmt.Errorf("encode latents: %w", err)
		}
	}

	noise := tensor.RandnLike(p.rng, latents.Value)

	t, err := schedule.Pick(p.rng, step, cfg.TSchedule, cfg.TRange[0], cfg.TRange[1], p.oracle.NumTrainTimesteps())
	if err != nil {
		return nil, err
	}

	guided := cfg.GuidanceScale > 1
	emb, err := p.BuildEmbeddings(prompts, negatives, batch, cfg.GuidanceScale)
	if err != nil {
		return nil, err
	}

	w := float32(1 - p.oracle.AlphasCumprod()[t])

	var grad *tensor.Tensor
	switch cfg.Variant {
	case VariantPlain:
		pred, err := p.PredictNoise(latents.Value, noise, t, emb, cfg.GuidanceScale, guided)
		if err != nil {
			return nil, err
		}
		grad = tensor.Scale(tensor.Sub(pred, noise), cfg.GradScale*w)

	case VariantInterpolated:
		grad, err = p.interpolatedGrad(latents.Value, noise, t, step, emb, w, guided, cfg)
		if err != nil {
			return nil, err
		}

	case VariantDelta:
		grad, err = p.deltaGrad(latents.Value, noise, t, batch, emb, negatives, w, guided, cfg)
		if err != nil {
			return nil, err
		}

	case VariantTargetLatent:
		if cfg.TargetLatent == nil {
			return nil, &InvalidInputError{Field: "target latent", Reason: "required by the target-latent variant"}
		}
		pred, err := p.PredictNoise(latents.Value, noise, t, emb, cfg.GuidanceScale, guided)
		if err != nil {
			return nil, err
		}
		grad = tensor.Scale(tensor.Sub(pred, cfg.TargetLatent), cfg.GradScale*w)

	default:
		return nil, &InvalidInputError{Field: "variant", Reason: fmt.Sprintf("unknown variant %d", cfg.Variant)}
	}

	// diffusion gradients go non-finite at extreme timesteps; zero
	// them instead of feeding them to the optimizer
	grad.Sanitize()

	loss := tape.InjectGradient(latents, grad)
	return &SDSResult{Loss: loss, MeanGrad: tensor.Mean(grad), Timestep: t}, nil
}

// interpolatedGrad runs the denoiser on both the current and the
// reference latents under an annealed guidance scale, blending the
// predictions once the interpolation start step is passed.
func (p *Pipeline) interpolatedGrad(latents, noise *tensor.Tensor, t, step int, emb *tensor.Tensor, w float32, guided bool, cfg SDSConfig) (*tensor.Tensor, error) {
	if cfg.RefLatents == nil {
		return nil, &InvalidInputError{Field: "reference latents", Reason: "required by the interpolated variant"}
	}
	if cfg.AlphaRange == nil {
		return nil, &InvalidInputError{Field: "alpha range", Reason: "required by the interpolated variant"}
	}

	gs := cfg.GuidanceScale
	if cfg.GuidanceRange != nil {
		gs = float32(InteractiveValue(cfg.GuidanceRange.Max, cfg.GuidanceRange.Min, step, cfg.TotalSteps, 0, 0))
	}
	alpha := float32(InteractiveValue(cfg.AlphaRange.Max, cfg.AlphaRange.Min, step, cfg.TotalSteps, 0, 0))

	predCur, err := p.PredictNoise(latents, noise, t, emb, gs, guided)
	if err != nil {
		return nil, err
	}
	predRef, err := p.PredictNoise(cfg.RefLatents, noise, t, emb, gs, guided)
	if err != nil {
		return nil, err
	}

	final := predCur
	if step > cfg.StartLatentInterpolation {
		final = tensor.Lerp(predCur, predRef, alpha)
	}
	return tensor.Scale(tensor.Sub(final, noise), cfg.GradScale*w), nil
}

// deltaGrad forms a finite-difference approximation to the score's
// time derivative at lag DeltaLag, for both the optimized latents and
// the inversion start code, and sums the two deltas. The start-code
// branch is conditioned on its own reference prompts.
func (p *Pipeline) deltaGrad(latents, noise *tensor.Tensor, t, batch int, emb *tensor.Tensor, negatives []string, w float32, guided bool, cfg SDSConfig) (*tensor.Tensor, error) {
	if cfg.StartCode == nil {
		return nil, &InvalidInputError{Field: "start code", Reason: "required by the delta variant"}
	}
	if len(cfg.RefPrompts) == 0 {
		return nil, &InvalidInputError{Field: "reference prompts", Reason: "required by the delta variant"}
	}
	lag := cfg.DeltaLag
	if lag == 0 {
		lag = 20
	}
	// low-noise corridors can pick t below the lag
	tPre := t - lag
	if tPre < 0 {
		tPre = 0
	}

	embRef, err := p.BuildEmbeddings(cfg.RefPrompts, negatives, batch, cfg.GuidanceScale)
	if err != nil {
		return nil, err
	}

	predCur, err := p.PredictNoise(latents, noise, t, emb, cfg.GuidanceScale, guided)
	if err != nil {
		return nil, err
	}
	predPre, err := p.PredictNoise(latents, noise, tPre, emb, cfg.GuidanceScale, guided)
	if err != nil {
		return nil, err
	}
	predCurInv, err := p.PredictNoise(cfg.StartCode, noise, t, embRef, cfg.GuidanceScale, guided)
	if err != nil {
		return nil, err
	}
	predPreInv, err := p.PredictNoise(cfg.StartCode, noise, tPre, embRef, cfg.GuidanceScale, guided)
	if err != nil {
		return nil, err
	}

	grad := tensor.Scale(tensor.Sub(predPre, predCur), cfg.GradScale*w)
	gradInv := tensor.Scale(tensor.Sub(predPreInv, predCurInv), cfg.GradScale*w)
	return tensor.Add(grad, gradInv), nil
}
