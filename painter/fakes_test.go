package painter

import (
	"math"

	"github.com/soyeong-kwon/MyDreamer/tensor"
)

// fakeOracle is a deterministic, analytically differentiable oracle.
// The encoder is an 8x8 average pool (exact pullback), the denoiser
// multiplies its input by the first value of each batch element's
// embedding, and the text encoder derives that marker from the token
// ids. Every formula in the engine can be exercised without any model
// weights.
type fakeOracle struct {
	numTrain int
	alphas   []float64
	// predFn overrides the default denoiser behavior.
	predFn func(noisy *tensor.Tensor, t int, emb *tensor.Tensor) *tensor.Tensor
	// noPullback simulates a backend without a differentiable encoder.
	noPullback bool
}

func newFakeOracle() *fakeOracle {
	const T = 1000
	alphas := make([]float64, T)
	for t := 0; t < T; t++ {
		alphas[t] = 1 - float64(t+1)/float64(T+1)
	}
	return &fakeOracle{numTrain: T, alphas: alphas}
}

func (f *fakeOracle) NumTrainTimesteps() int   { return f.numTrain }
func (f *fakeOracle) AlphasCumprod() []float64 { return f.alphas }

func (f *fakeOracle) AddNoise(latents, noise *tensor.Tensor, t int) *tensor.Tensor {
	a := f.alphas[t]
	sa := float32(math.Sqrt(a))
	sn := float32(math.Sqrt(1 - a))
	out := tensor.New(latents.Shape...)
	for i := range latents.Data {
		out.Data[i] = sa*latents.Data[i] + sn*noise.Data[i]
	}
	return out
}

func (f *fakeOracle) PredictNoise(noisy *tensor.Tensor, t int, emb *tensor.Tensor) (*tensor.Tensor, error) {
	if f.predFn != nil {
		return f.predFn(noisy, t, emb), nil
	}
	batch := noisy.Shape[0]
	latentN := len(noisy.Data) / batch
	embN := len(emb.Data) / emb.Shape[0]
	out := tensor.New(noisy.Shape...)
	for b := 0; b < batch; b++ {
		marker := emb.Data[b*embN]
		for i := 0; i < latentN; i++ {
			out.Data[b*latentN+i] = noisy.Data[b*latentN+i] * marker
		}
	}
	return out, nil
}

func (f *fakeOracle) Tokenize(text string, maxLen int) []int64 {
	ids := make([]int64, maxLen)
	for i := 0; i < maxLen && i < len(text); i++ {
		ids[i] = int64(text[i])
	}
	return ids
}

func (f *fakeOracle) EncodeText(ids []int64) (*tensor.Tensor, error) {
	sum := int64(0)
	for _, id := range ids {
		sum += id
	}
	marker := 0.5 + float32(sum%13)/13
	emb := tensor.New(1, 3, 2)
	for i := range emb.Data {
		emb.Data[i] = marker
	}
	return emb, nil
}

const fakePool = 8

func (f *fakeOracle) EncodeImage(img *tensor.Tensor) (*LatentDist, Pullback, error) {
	n, c, h, w := img.Shape[0], img.Shape[1], img.Shape[2], img.Shape[3]
	lh, lw := h/fakePool, w/fakePool
	mean := tensor.New(n, c, lh, lw)
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			src := img.Data[(ni*c+ci)*h*w:]
			dst := mean.Data[(ni*c+ci)*lh*lw:]
			for y := 0; y < lh; y++ {
				for x := 0; x < lw; x++ {
					sum := float32(0)
					for dy := 0; dy < fakePool; dy++ {
						for dx := 0; dx < fakePool; dx++ {
							sum += src[(y*fakePool+dy)*w+x*fakePool+dx]
						}
					}
					dst[y*lw+x] = sum / (fakePool * fakePool)
				}
			}
		}
	}
	var pullback Pullback
	if !f.noPullback {
		pullback = func(g *tensor.Tensor) *tensor.Tensor {
			out := tensor.New(n, c, h, w)
			for ni := 0; ni < n; ni++ {
				for ci := 0; ci < c; ci++ {
					src := g.Data[(ni*c+ci)*lh*lw:]
					dst := out.Data[(ni*c+ci)*h*w:]
					for y := 0; y < lh; y++ {
						for x := 0; x < lw; x++ {
							gv := src[y*lw+x] / (fakePool * fakePool)
							for dy := 0; dy < fakePool; dy++ {
								for dx := 0; dx < fakePool; dx++ {
									dst[(y*fakePool+dy)*w+x*fakePool+dx] += gv
								}
							}
						}
					}
				}
			}
			return out
		}
	}
	return &LatentDist{Mean: mean}, pullback, nil
}

func (f *fakeOracle) DecodeImage(latents *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, lh, lw := latents.Shape[0], latents.Shape[1], latents.Shape[2], latents.Shape[3]
	h, w := lh*fakePool, lw*fakePool
	out := tensor.New(n, c, h, w)
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			src := latents.Data[(ni*c+ci)*lh*lw:]
			dst := out.Data[(ni*c+ci)*h*w:]
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					dst[y*w+x] = src[(y/fakePool)*lw+x/fakePool]
				}
			}
		}
	}
	return out, nil
}

func (f *fakeOracle) ScalingFactor() float32 { return 0.5 }
func (f *fakeOracle) LatentChannels() int    { return 3 }

func (f *fakeOracle) SetTimesteps(n int) []int {
	stepRatio := f.numTrain / n
	timesteps := make([]int, n)
	for i := 0; i < n; i++ {
		timesteps[i] = (n-1-i)*stepRatio + 1
	}
	return timesteps
}

func (f *fakeOracle) Order() int              { return 1 }
func (f *fakeOracle) InitNoiseSigma() float32 { return 1 }

func (f *fakeOracle) Step(pred *tensor.Tensor, t int, latents *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(latents.Shape...)
	for i := range latents.Data {
		out.Data[i] = latents.Data[i] - 0.1*pred.Data[i]
	}
	return out
}

// testConfig shrinks the pipeline so the fake oracle's 8x pooling
// yields 4x4 latents from a 32x32 image.
func testConfig(seed int64) Config {
	return Config{
		NativeSize:     32,
		LatentFactor:   8,
		MaxTokenLength: 8,
		Seed:           seed,
	}
}

// solidImage builds a [1,3,size,size] image filled with v.
func solidImage(size int, v float32) *tensor.Tensor {
	img := tensor.New(1, 3, size, size)
	for i := range img.Data {
		img.Data[i] = v
	}
	return img
}
