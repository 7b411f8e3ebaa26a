package painter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeong-kwon/MyDreamer/tape"
	"github.com/soyeong-kwon/MyDreamer/tensor"
)

func TestPlainSDSEndToEnd(t *testing.T) {
	p := NewPipeline(newFakeOracle(), testConfig(7))
	img := tape.Leaf(solidImage(32, 0.6), true)

	cfg := DefaultSDSConfig()
	res, err := p.SDSLoss(img, 0, 32, []string{"a cat"}, nil, cfg)
	require.NoError(t, err)

	// the bridge's forward value is a placeholder scalar 1.0
	require.Equal(t, []int{1}, res.Loss.Value.Shape)
	assert.Equal(t, float32(1), res.Loss.Value.Data[0])

	// timestep inside the configured corridor
	assert.GreaterOrEqual(t, res.Timestep, 50)
	assert.LessOrEqual(t, res.Timestep, 950)

	assert.False(t, math.IsNaN(float64(res.MeanGrad)))

	// backprop must reach the rendered image through the encoder
	res.Loss.Backward()
	require.NotNil(t, img.Grad)
	assert.True(t, img.Grad.IsFinite())
	nonzero := false
	for _, v := range img.Grad.Data {
		if v != 0 {
			nonzero = true
			break
		}
	}
	assert.True(t, nonzero, "injected gradient should reach the image")
}

func TestPlainSDSAsLatent(t *testing.T) {
	oracle := newFakeOracle()
	oracle.noPullback = true
	p := NewPipeline(oracle, testConfig(7))
	img := tape.Leaf(solidImage(32, 0.6), true)

	cfg := DefaultSDSConfig()
	cfg.AsLatent = true
	res, err := p.SDSLoss(img, 0, 32, []string{"a cat"}, nil, cfg)
	require.NoError(t, err)

	res.Loss.Backward()
	require.NotNil(t, img.Grad)
	assert.True(t, img.Grad.IsFinite())
}

func TestEncoderWithoutPullbackFails(t *testing.T) {
	oracle := newFakeOracle()
	oracle.noPullback = true
	p := NewPipeline(oracle, testConfig(7))
	img := tape.Leaf(solidImage(32, 0.6), true)

	_, err := p.SDSLoss(img, 0, 32, []string{"a cat"}, nil, DefaultSDSConfig())
	require.Error(t, err)
	var invalid *InvalidInputError
	assert.ErrorAs(t, err, &invalid)
}

func TestInterpolatedMatchesPlainBeforeStart(t *testing.T) {
	const seed = 11
	runVariant := func(cfg SDSConfig) (*SDSResult, *tensor.Tensor) {
		p := NewPipeline(newFakeOracle(), testConfig(seed))
		img := tape.Leaf(solidImage(32, 0.4), true)
		res, err := p.SDSLoss(img, 100, 32, []string{"a cat"}, nil, cfg)
		require.NoError(t, err)
		res.Loss.Backward()
		require.NotNil(t, img.Grad)
		return res, img.Grad
	}

	plainCfg := DefaultSDSConfig()
	plainRes, plainGrad := runVariant(plainCfg)

	interpCfg := DefaultSDSConfig()
	interpCfg.Variant = VariantInterpolated
	interpCfg.RefLatents = tensor.New(1, 3, 4, 4)
	for i := range interpCfg.RefLatents.Data {
		interpCfg.RefLatents.Data[i] = 5 // far from the current latents
	}
	interpCfg.AlphaRange = &Range{Max: 0.9, Min: 0.1}
	interpCfg.StartLatentInterpolation = 300 // step 100 is below it
	interpRes, interpGrad := runVariant(interpCfg)

	// below the interpolation start the reference prediction must not
	// contribute at all, whatever alpha is
	assert.Equal(t, plainRes.Timestep, interpRes.Timestep)
	assert.Equal(t, plainRes.MeanGrad, interpRes.MeanGrad)
	assert.Equal(t, plainGrad.Data, interpGrad.Data)
}

func TestInterpolatedBlendsAfterStart(t *testing.T) {
	const seed = 11
	runAt := func(start int) *SDSResult {
		p := NewPipeline(newFakeOracle(), testConfig(seed))
		img := tape.Leaf(solidImage(32, 0.4), true)
		cfg := DefaultSDSConfig()
		cfg.Variant = VariantInterpolated
		cfg.RefLatents = tensor.New(1, 3, 4, 4)
		for i := range cfg.RefLatents.Data {
			cfg.RefLatents.Data[i] = 5
		}
		cfg.AlphaRange = &Range{Max: 0.9, Min: 0.1}
		cfg.StartLatentInterpolation = start
		res, err := p.SDSLoss(img, 100, 32, []string{"a cat"}, nil, cfg)
		require.NoError(t, err)
		return res
	}

	before := runAt(300) // 100 <= 300: no blending
	after := runAt(50)   // 100 > 50: blended
	assert.NotEqual(t, before.MeanGrad, after.MeanGrad)
}

func TestDeltaVariantZeroForTimeInvariantPredictor(t *testing.T) {
	oracle := newFakeOracle()
	// prediction ignores the noise level entirely, so the t vs t-lag
	// finite difference vanishes... up to the add-noise difference,
	// which a constant predictor also removes
	oracle.predFn = func(noisy *tensor.Tensor, _ int, _ *tensor.Tensor) *tensor.Tensor {
		out := tensor.New(noisy.Shape...)
		for i := range out.Data {
			out.Data[i] = 0.25
		}
		return out
	}
	p := NewPipeline(oracle, testConfig(3))
	img := tape.Leaf(solidImage(32, 0.5), true)

	cfg := DefaultSDSConfig()
	cfg.Variant = VariantDelta
	cfg.StartCode = tensor.New(1, 3, 4, 4)
	cfg.RefPrompts = []string{"reference"}
	res, err := p.SDSLoss(img, 0, 32, []string{"a cat"}, nil, cfg)
	require.NoError(t, err)

	assert.Equal(t, float32(0), res.MeanGrad)
	res.Loss.Backward()
	for _, v := range img.Grad.Data {
		assert.Equal(t, float32(0), v)
	}
}

func TestDeltaVariantRuns(t *testing.T) {
	p := NewPipeline(newFakeOracle(), testConfig(3))
	img := tape.Leaf(solidImage(32, 0.5), true)

	cfg := DefaultSDSConfig()
	cfg.Variant = VariantDelta
	cfg.StartCode = tensor.New(1, 3, 4, 4)
	cfg.RefPrompts = []string{"reference"}
	res, err := p.SDSLoss(img, 0, 32, []string{"a cat"}, nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, float32(1), res.Loss.Value.Data[0])
	assert.False(t, math.IsNaN(float64(res.MeanGrad)))
}

func TestDeltaVariantLowNoiseCorridor(t *testing.T) {
	// a corridor entirely below the lag clamps the lagged timestep to 0
	p := NewPipeline(newFakeOracle(), testConfig(3))
	img := tape.Leaf(solidImage(32, 0.5), true)

	cfg := DefaultSDSConfig()
	cfg.Variant = VariantDelta
	cfg.TRange = [2]float64{0, 0.01}
	cfg.StartCode = tensor.New(1, 3, 4, 4)
	cfg.RefPrompts = []string{"reference"}
	res, err := p.SDSLoss(img, 0, 32, []string{"a cat"}, nil, cfg)
	require.NoError(t, err)

	assert.LessOrEqual(t, res.Timestep, 10)
	assert.False(t, math.IsNaN(float64(res.MeanGrad)))
	res.Loss.Backward()
	require.NotNil(t, img.Grad)
	assert.True(t, img.Grad.IsFinite())
}

func TestTargetLatentVariant(t *testing.T) {
	p := NewPipeline(newFakeOracle(), testConfig(5))
	img := tape.Leaf(solidImage(32, 0.5), true)

	cfg := DefaultSDSConfig()
	cfg.Variant = VariantTargetLatent
	cfg.TargetLatent = tensor.New(1, 3, 4, 4)
	res, err := p.SDSLoss(img, 0, 32, []string{"a cat"}, nil, cfg)
	require.NoError(t, err)

	res.Loss.Backward()
	require.NotNil(t, img.Grad)
	assert.True(t, img.Grad.IsFinite())
}

func TestGradSanitizedBeforeInjection(t *testing.T) {
	oracle := newFakeOracle()
	oracle.predFn = func(noisy *tensor.Tensor, _ int, _ *tensor.Tensor) *tensor.Tensor {
		out := tensor.New(noisy.Shape...)
		for i := range out.Data {
			out.Data[i] = float32(math.NaN())
		}
		return out
	}
	p := NewPipeline(oracle, testConfig(9))
	img := tape.Leaf(solidImage(32, 0.5), true)

	res, err := p.SDSLoss(img, 0, 32, []string{"a cat"}, nil, DefaultSDSConfig())
	require.NoError(t, err)
	assert.Equal(t, float32(0), res.MeanGrad)

	res.Loss.Backward()
	require.NotNil(t, img.Grad)
	for _, v := range img.Grad.Data {
		assert.Equal(t, float32(0), v)
	}
}

func TestVariantConfigValidation(t *testing.T) {
	p := NewPipeline(newFakeOracle(), testConfig(1))
	img := tape.Leaf(solidImage(32, 0.5), true)

	var invalid *InvalidInputError

	cfg := DefaultSDSConfig()
	cfg.Variant = VariantInterpolated
	_, err := p.SDSLoss(img, 0, 32, []string{"x"}, nil, cfg)
	require.ErrorAs(t, err, &invalid)

	cfg = DefaultSDSConfig()
	cfg.Variant = VariantDelta
	_, err = p.SDSLoss(img, 0, 32, []string{"x"}, nil, cfg)
	require.ErrorAs(t, err, &invalid)

	cfg = DefaultSDSConfig()
	cfg.Variant = VariantTargetLatent
	_, err = p.SDSLoss(img, 0, 32, []string{"x"}, nil, cfg)
	require.ErrorAs(t, err, &invalid)

	cfg = DefaultSDSConfig()
	cfg.Variant = Variant(99)
	_, err = p.SDSLoss(img, 0, 32, []string{"x"}, nil, cfg)
	require.ErrorAs(t, err, &invalid)

	_, err = p.SDSLoss(tape.Leaf(tensor.New(1, 1, 8, 8), true), 0, 8, []string{"x"}, nil, DefaultSDSConfig())
	require.ErrorAs(t, err, &invalid)
}

func TestUnsupportedScheduleSurfaces(t *testing.T) {
	p := NewPipeline(newFakeOracle(), testConfig(1))
	img := tape.Leaf(solidImage(32, 0.5), true)

	cfg := DefaultSDSConfig()
	cfg.TSchedule = "cosine"
	_, err := p.SDSLoss(img, 0, 32, []string{"x"}, nil, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}
