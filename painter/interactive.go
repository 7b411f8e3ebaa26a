package painter

import "math"

// InteractiveValue anneals a scalar between max and min over an outer
// optimization horizon, then scales it down along an inner denoising
// horizon:
//
//	base  = max - (max-min)*sqrt(step/totalStep)
//	scale = 1 - denoiseStep/totalDenoiseStep   (1 when the inner
//	                                            horizon is zero)
//
// Used by the interpolated variant for both the blend weight and a
// time-varying guidance scale.
func InteractiveValue(maxV, minV float64, step, totalStep, denoiseStep, totalDenoiseStep int) float64 {
	base := maxV - (maxV-minV)*math.Sqrt(float64(step)/float64(totalStep))
	scale := 1.0
	if totalDenoiseStep != 0 {
		scale = 1 - float64(denoiseStep)/float64(totalDenoiseStep)
	}
	return base * scale
}
