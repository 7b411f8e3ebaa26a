package painter

import (
	"math/rand"
)

// Config holds the pipeline-level knobs shared by every call.
type Config struct {
	// NativeSize is the image resolution the oracle was trained on.
	NativeSize int
	// LatentFactor is the spatial downscale between image and latent
	// space (8 for the usual VAE).
	LatentFactor int
	// MaxTokenLength is the padded token sequence length.
	MaxTokenLength int
	// Seed initializes the pipeline's private RNG.
	Seed int64
}

func DefaultConfig() Config {
	return Config{
		NativeSize:     512,
		LatentFactor:   8,
		MaxTokenLength: 77,
		Seed:           42,
	}
}

// Pipeline wires a frozen diffusion oracle into the score
// distillation and sampling call surfaces. All per-call state is
// local; the only mutable field is the RNG.
type Pipeline struct {
	oracle Oracle
	cfg    Config
	rng    *rand.Rand
}

func NewPipeline(oracle Oracle, cfg Config) *Pipeline {
	if cfg.NativeSize == 0 {
		cfg = DefaultConfig()
	}
	return &Pipeline{
		oracle: oracle,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// latentSize is the latent-space resolution matching NativeSize.
func (p *Pipeline) latentSize() int {
	return p.cfg.NativeSize / p.cfg.LatentFactor
}
