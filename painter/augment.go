package painter

import (
	"math"
	"math/rand"

	"github.com/soyeong-kwon/MyDreamer/tape"
	"github.com/soyeong-kwon/MyDreamer/tensor"
)

const (
	perspectiveProb       = 0.7
	perspectiveDistortion = 0.5
)

// Augment applies a random perspective jitter followed by a random
// crop to imgSize x imgSize, both recorded on the tape so the
// injected gradient flows back to the un-augmented image. Mirrors the
// robustness augmentation score distillation is usually run with.
func (p *Pipeline) Augment(img *tape.Variable, imgSize int) *tape.Variable {
	x := img
	if p.rng.Float64() < perspectiveProb {
		x = p.perspectiveOp(x)
	}
	return p.randomCropOp(x, imgSize)
}

// ResizeTo bilinearly resamples to size x size on the tape.
func (p *Pipeline) ResizeTo(img *tape.Variable, size int) *tape.Variable {
	h, w := img.Value.Shape[2], img.Value.Shape[3]
	out := tensor.ResizeBilinear(img.Value, size, size)
	return tape.Op(out, []*tape.Variable{img}, func(g *tensor.Tensor) {
		img.AccumGrad(tensor.ResizeBilinearVJP(g, h, w))
	})
}

// --- perspective jitter ---

// perspectiveOp warps the image by a homography whose corners are
// displaced inward by up to distortion/2 of each dimension. Sampling
// is bilinear with zero fill outside the source; the backward pass
// scatters through the same four taps.
func (p *Pipeline) perspectiveOp(img *tape.Variable) *tape.Variable {
	h := img.Value.Shape[2]
	w := img.Value.Shape[3]

	dx := func() float64 { return p.rng.Float64() * perspectiveDistortion * float64(w) / 2 }
	dy := func() float64 { return p.rng.Float64() * perspectiveDistortion * float64(h) / 2 }
	// displaced corners, clockwise from top-left
	dst := [4][2]float64{
		{dx(), dy()},
		{float64(w-1) - dx(), dy()},
		{float64(w-1) - dx(), float64(h-1) - dy()},
		{dx(), float64(h-1) - dy()},
	}
	src := [4][2]float64{
		{0, 0}, {float64(w - 1), 0}, {float64(w - 1), float64(h - 1)}, {0, float64(h - 1)},
	}

	// homography mapping output coordinates to source coordinates
	hom, ok := solveHomography(dst, src)
	if !ok {
		return img
	}

	out := warpPerspective(img.Value, hom)
	return tape.Op(out, []*tape.Variable{img}, func(g *tensor.Tensor) {
		img.AccumGrad(warpPerspectiveVJP(g, hom, h, w))
	})
}

// solveHomography finds h with [x';y';1] ~ H [x;y;1] for four point
// pairs, via Gaussian elimination on the standard 8x8 system.
func solveHomography(from, to [4][2]float64) ([8]float64, bool) {
	var a [8][9]float64
	for i := 0; i < 4; i++ {
		x, y := from[i][0], from[i][1]
		u, v := to[i][0], to[i][1]
		a[2*i] = [9]float64{x, y, 1, 0, 0, 0, -u * x, -u * y, u}
		a[2*i+1] = [9]float64{0, 0, 0, x, y, 1, -v * x, -v * y, v}
	}

	for col := 0; col < 8; col++ {
		pivot := col
		for r := col + 1; r < 8; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return [8]float64{}, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		for r := 0; r < 8; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for c := col; c < 9; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	var hom [8]float64
	for i := 0; i < 8; i++ {
		hom[i] = a[i][8] / a[i][i]
	}
	return hom, true
}

func projectPoint(hom [8]float64, x, y float64) (float64, float64) {
	d := hom[6]*x + hom[7]*y + 1
	return (hom[0]*x + hom[1]*y + hom[2]) / d, (hom[3]*x + hom[4]*y + hom[5]) / d
}

func warpPerspective(x *tensor.Tensor, hom [8]float64) *tensor.Tensor {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	out := tensor.New(n, c, h, w)
	for oy := 0; oy < h; oy++ {
		for ox := 0; ox < w; ox++ {
			sx, sy := projectPoint(hom, float64(ox), float64(oy))
			x0, y0 := int(math.Floor(sx)), int(math.Floor(sy))
			fx, fy := float32(sx-float64(x0)), float32(sy-float64(y0))
			for _, tap := range [4]struct {
				yy, xx int
				ww     float32
			}{
				{y0, x0, (1 - fy) * (1 - fx)},
				{y0, x0 + 1, (1 - fy) * fx},
				{y0 + 1, x0, fy * (1 - fx)},
				{y0 + 1, x0 + 1, fy * fx},
			} {
				if tap.yy < 0 || tap.yy >= h || tap.xx < 0 || tap.xx >= w || tap.ww == 0 {
					continue
				}
				for ni := 0; ni < n; ni++ {
					for ci := 0; ci < c; ci++ {
						base := (ni*c + ci) * h * w
						out.Data[base+oy*w+ox] += tap.ww * x.Data[base+tap.yy*w+tap.xx]
					}
				}
			}
		}
	}
	return out
}

func warpPerspectiveVJP(grad *tensor.Tensor, hom [8]float64, h, w int) *tensor.Tensor {
	n, c := grad.Shape[0], grad.Shape[1]
	out := tensor.New(n, c, h, w)
	for oy := 0; oy < h; oy++ {
		for ox := 0; ox < w; ox++ {
			sx, sy := projectPoint(hom, float64(ox), float64(oy))
			x0, y0 := int(math.Floor(sx)), int(math.Floor(sy))
			fx, fy := float32(sx-float64(x0)), float32(sy-float64(y0))
			for _, tap := range [4]struct {
				yy, xx int
				ww     float32
			}{
				{y0, x0, (1 - fy) * (1 - fx)},
				{y0, x0 + 1, (1 - fy) * fx},
				{y0 + 1, x0, fy * (1 - fx)},
				{y0 + 1, x0 + 1, fy * fx},
			} {
				if tap.yy < 0 || tap.yy >= h || tap.xx < 0 || tap.xx >= w || tap.ww == 0 {
					continue
				}
				for ni := 0; ni < n; ni++ {
					for ci := 0; ci < c; ci++ {
						base := (ni*c + ci) * h * w
						out.Data[base+tap.yy*w+tap.xx] += tap.ww * grad.Data[base+oy*w+ox]
					}
				}
			}
		}
	}
	return out
}

// --- random crop ---

// randomCropOp crops to size x size at a random offset, padding with
// reflection first when the input is smaller. The crop is a pure
// gather, so the backward pass is a scatter-add through the same
// index maps (reflection can hit a source pixel more than once).
func (p *Pipeline) randomCropOp(img *tape.Variable, size int) *tape.Variable {
	n, c, h, w := img.Value.Shape[0], img.Value.Shape[1], img.Value.Shape[2], img.Value.Shape[3]

	yMap := cropIndexMap(p.rng, h, size)
	xMap := cropIndexMap(p.rng, w, size)

	out := tensor.New(n, c, size, size)
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			src := img.Value.Data[(ni*c+ci)*h*w:]
			dst := out.Data[(ni*c+ci)*size*size:]
			for oy := 0; oy < size; oy++ {
				for ox := 0; ox < size; ox++ {
					dst[oy*size+ox] = src[yMap[oy]*w+xMap[ox]]
				}
			}
		}
	}

	return tape.Op(out, []*tape.Variable{img}, func(g *tensor.Tensor) {
		gi := tensor.New(n, c, h, w)
		for ni := 0; ni < n; ni++ {
			for ci := 0; ci < c; ci++ {
				src := g.Data[(ni*c+ci)*size*size:]
				dst := gi.Data[(ni*c+ci)*h*w:]
				for oy := 0; oy < size; oy++ {
					for ox := 0; ox < size; ox++ {
						dst[yMap[oy]*w+xMap[ox]] += src[oy*size+ox]
					}
				}
			}
		}
		img.AccumGrad(gi)
	})
}

// cropIndexMap maps each output index to a source index in [0, in).
// When in >= size the crop starts at a random offset; otherwise the
// shortfall is covered by symmetric reflect padding.
func cropIndexMap(rng *rand.Rand, in, size int) []int {
	m := make([]int, size)
	if in >= size {
		off := rng.Intn(in - size + 1)
		for i := range m {
			m[i] = off + i
		}
		return m
	}
	pad := (size - in) / 2
	for i := range m {
		m[i] = reflectIndex(i-pad, in)
	}
	return m
}

// reflectIndex folds an out-of-range index back into [0, n) with
// edge-exclusive reflection (period 2n-2).
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i = ((i % period) + period) % period
	if i >= n {
		i = period - i
	}
	return i
}
