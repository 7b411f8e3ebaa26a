package ort

import (
	"math"

	"github.com/soyeong-kwon/MyDreamer/tensor"
)

// DDIMScheduler implements deterministic DDIM sampling (eta=0) with a
// scaled_linear beta schedule, plus the forward-noising formula the
// score-distillation core needs.
type DDIMScheduler struct {
	alphasCumprod     []float64
	numTrainTimesteps int
	numInferenceSteps int
}

// NewDDIMScheduler builds the schedule. Stable Diffusion config:
// numTrain=1000, betaStart=0.00085, betaEnd=0.012.
func NewDDIMScheduler(numTrain int, betaStart, betaEnd float64) *DDIMScheduler {
	// scaled_linear: betas = linspace(sqrt(start), sqrt(end), steps)^2
	betas := make([]float64, numTrain)
	sqrtStart := math.Sqrt(betaStart)
	sqrtEnd := math.Sqrt(betaEnd)
	for i := 0; i < numTrain; i++ {
		beta := sqrtStart + float64(i)/float64(numTrain-1)*(sqrtEnd-sqrtStart)
		betas[i] = beta * beta
	}

	alphasCumprod := make([]float64, numTrain)
	prod := 1.0
	for i := 0; i < numTrain; i++ {
		prod *= 1.0 - betas[i]
		alphasCumprod[i] = prod
	}

	return &DDIMScheduler{
		alphasCumprod:     alphasCumprod,
		numTrainTimesteps: numTrain,
	}
}

func (s *DDIMScheduler) NumTrainTimesteps() int   { return s.numTrainTimesteps }
func (s *DDIMScheduler) AlphasCumprod() []float64 { return s.alphasCumprod }
func (s *DDIMScheduler) Order() int               { return 1 }
func (s *DDIMScheduler) InitNoiseSigma() float32  { return 1 }

// AddNoise applies the forward diffusion step:
// noisy = sqrt(alpha_t)*x + sqrt(1-alpha_t)*noise.
func (s *DDIMScheduler) AddNoise(latents, noise *tensor.Tensor, t int) *tensor.Tensor {
	alphaT := s.alphasCumprod[t]
	sqrtAlpha := float32(math.Sqrt(alphaT))
	sqrtOneMinus := float32(math.Sqrt(1 - alphaT))
	out := tensor.New(latents.Shape...)
	for i := range latents.Data {
		out.Data[i] = sqrtAlpha*latents.Data[i] + sqrtOneMinus*noise.Data[i]
	}
	return out
}

// SetTimesteps returns the DDIM inference schedule, noisiest first.
// With steps_offset=1 the sequence is [T-step+1, ..., 1].
func (s *DDIMScheduler) SetTimesteps(numSteps int) []int {
	s.numInferenceSteps = numSteps
	stepRatio := s.numTrainTimesteps / numSteps
	timesteps := make([]int, numSteps)
	for i := 0; i < numSteps; i++ {
		timesteps[i] = (numSteps-1-i)*stepRatio + 1
	}
	return timesteps
}

// Step performs one deterministic DDIM update:
//
//	pred_x0     = (sample - sqrt(1-alpha_t)*noise_pred) / sqrt(alpha_t)
//	prev_sample = sqrt(alpha_prev)*pred_x0 + sqrt(1-alpha_prev)*noise_pred
func (s *DDIMScheduler) Step(noisePred *tensor.Tensor, timestep int, sample *tensor.Tensor) *tensor.Tensor {
	stepRatio := s.numTrainTimesteps / s.numInferenceSteps
	prevTimestep := timestep - stepRatio

	alphaT := s.alphasCumprod[timestep]
	var alphaPrev float64
	if prevTimestep >= 0 {
		alphaPrev = s.alphasCumprod[prevTimestep]
	} else {
		// set_alpha_to_one=false: use alphas_cumprod[0]
		alphaPrev = s.alphasCumprod[0]
	}

	sqrtAlphaT := float32(math.Sqrt(alphaT))
	sqrtOneMinusAlphaT := float32(math.Sqrt(1.0 - alphaT))
	sqrtAlphaPrev := float32(math.Sqrt(alphaPrev))
	sqrtOneMinusAlphaPrev := float32(math.Sqrt(1.0 - alphaPrev))

	out := tensor.New(sample.Shape...)
	for i := range sample.Data {
		predX0 := (sample.Data[i] - sqrtOneMinusAlphaT*noisePred.Data[i]) / sqrtAlphaT
		out.Data[i] = sqrtAlphaPrev*predX0 + sqrtOneMinusAlphaPrev*noisePred.Data[i]
	}
	return out
}
