package tensor

// Bilinear resampling for [N,C,H,W] tensors. Source coordinates follow
// the half-pixel convention: src = (dst+0.5)*scale - 0.5, clamped to
// the valid range. The VJP scatters cotangents back through the same
// four-tap weights, so forward and backward stay exactly adjoint.

type bilinearTap struct {
	i0, i1 int
	w0, w1 float32
}

func bilinearTaps(out, in int) []bilinearTap {
	taps := make([]bilinearTap, out)
	scale := float64(in) / float64(out)
	for d := 0; d < out; d++ {
		src := (float64(d)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		if src > float64(in-1) {
			src = float64(in - 1)
		}
		i0 := int(src)
		i1 := i0 + 1
		if i1 > in-1 {
			i1 = in - 1
		}
		frac := float32(src - float64(i0))
		taps[d] = bilinearTap{i0: i0, i1: i1, w0: 1 - frac, w1: frac}
	}
	return taps
}

// ResizeBilinear resamples x from [N,C,H,W] to [N,C,outH,outW].
func ResizeBilinear(x *Tensor, outH, outW int) *Tensor {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	ys := bilinearTaps(outH, h)
	xs := bilinearTaps(outW, w)
	out := New(n, c, outH, outW)
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			src := x.Data[(ni*c+ci)*h*w:]
			dst := out.Data[(ni*c+ci)*outH*outW:]
			for oy := 0; oy < outH; oy++ {
				ty := ys[oy]
				for ox := 0; ox < outW; ox++ {
					tx := xs[ox]
					v := ty.w0*(tx.w0*src[ty.i0*w+tx.i0]+tx.w1*src[ty.i0*w+tx.i1]) +
						ty.w1*(tx.w0*src[ty.i1*w+tx.i0]+tx.w1*src[ty.i1*w+tx.i1])
					dst[oy*outW+ox] = v
				}
			}
		}
	}
	return out
}

// ResizeBilinearVJP maps a cotangent on the resized output back to the
// [N,C,inH,inW] input of ResizeBilinear.
func ResizeBilinearVJP(grad *Tensor, inH, inW int) *Tensor {
	n, c, outH, outW := grad.Shape[0], grad.Shape[1], grad.Shape[2], grad.Shape[3]
	ys := bilinearTaps(outH, inH)
	xs := bilinearTaps(outW, inW)
	out := New(n, c, inH, inW)
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			src := grad.Data[(ni*c+ci)*outH*outW:]
			dst := out.Data[(ni*c+ci)*inH*inW:]
			for oy := 0; oy < outH; oy++ {
				ty := ys[oy]
				for ox := 0; ox < outW; ox++ {
					tx := xs[ox]
					g := src[oy*outW+ox]
					dst[ty.i0*inW+tx.i0] += ty.w0 * tx.w0 * g
					dst[ty.i0*inW+tx.i1] += ty.w0 * tx.w1 * g
					dst[ty.i1*inW+tx.i0] += ty.w1 * tx.w0 * g
					dst[ty.i1*inW+tx.i1] += ty.w1 * tx.w1 * g
				}
			}
		}
	}
	return out
}
