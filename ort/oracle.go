// Package ort implements the painter oracle contract on top of ONNX
// Runtime sessions exported from a Stable Diffusion checkpoint
// (UNet, CLIP text encoder, VAE encoder/decoder).
package ort

import (
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/x448/float16"
	onnx "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/soyeong-kwon/MyDreamer/painter"
	"github.com/soyeong-kwon/MyDreamer/tensor"
)

const (
	sdScalingFactor = 0.18215
	sdLatentChans   = 4
)

var initOnce sync.Once

// Config locates the exported model files and the runtime library.
type Config struct {
	// ModelDir holds tokenizer/ plus the ONNX graphs.
	ModelDir string
	// OnnxDir overrides the directory with the .onnx files; defaults
	// to ModelDir/onnx.
	OnnxDir string
	// LibraryPath points at libonnxruntime; auto-detected when empty.
	LibraryPath string
	// Threads caps intra-op parallelism (0 = runtime default).
	Threads int
}

// Oracle satisfies painter.Oracle with ONNX Runtime inference.
type Oracle struct {
	clipSession *onnx.DynamicAdvancedSession
	unetSession *onnx.DynamicAdvancedSession
	vaeDecoder  *onnx.DynamicAdvancedSession
	vaeEncoder  *onnx.DynamicAdvancedSession
	// vaeEncoderVJP, when the export ships one, is a backward graph
	// taking (sample, grad_latent) to grad_sample; without it the
	// encode path is not differentiable and score distillation must
	// use the as-latent mode.
	vaeEncoderVJP *onnx.DynamicAdvancedSession

	scheduler *DDIMScheduler
	tokenizer *CLIPTokenizer

	clipInputType onnx.TensorElementDataType
	unetInputType onnx.TensorElementDataType
	vaeInputType  onnx.TensorElementDataType
}

var _ painter.Oracle = (*Oracle)(nil)

// NewOracle loads every session. The caller owns the returned oracle
// and must Destroy it.
func NewOracle(cfg Config) (*Oracle, error) {
	libPath := cfg.LibraryPath
	if libPath == "" {
		libPath = findLibrary()
	}
	if libPath == "" {
		return nil, fmt.Errorf("libonnxruntime not found; set Config.LibraryPath")
	}
	onnx.SetSharedLibraryPath(libPath)
	var initErr error
	initOnce.Do(func() {
		initErr = onnx.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("onnxruntime init: %w", initErr)
	}

	opts, err := onnx.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetGraphOptimizationLevel(onnx.GraphOptimizationLevelEnableAll)
	if cfg.Threads > 0 {
		opts.SetIntraOpNumThreads(cfg.Threads)
		opts.SetInterOpNumThreads(1)
	}

	onnxDir := cfg.OnnxDir
	if onnxDir == "" {
		onnxDir = cfg.ModelDir + "/onnx"
	}

	o := &Oracle{
		scheduler: NewDDIMScheduler(1000, 0.00085, 0.012),
	}

	klog.V(1).Infof("loading tokenizer from %s/tokenizer", cfg.ModelDir)
	o.tokenizer, err = LoadTokenizer(cfg.ModelDir + "/tokenizer")
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}

	o.clipSession, o.clipInputType, err = loadSession(onnxDir+"/clip_text_encoder.onnx", opts)
	if err != nil {
		return nil, fmt.Errorf("CLIP session: %w", err)
	}
	o.unetSession, o.unetInputType, err = loadSession(onnxDir+"/unet.onnx", opts)
	if err != nil {
		return nil, fmt.Errorf("UNet session: %w", err)
	}
	o.vaeDecoder, o.vaeInputType, err = loadSession(onnxDir+"/vae_decoder.onnx", opts)
	if err != nil {
		return nil, fmt.Errorf("VAE decoder session: %w", err)
	}

	// optional graphs
	if _, statErr := os.Stat(onnxDir + "/vae_encoder.onnx"); statErr == nil {
		o.vaeEncoder, _, err = loadSession(onnxDir+"/vae_encoder.onnx", opts)
		if err != nil {
			return nil, fmt.Errorf("VAE encoder session: %w", err)
		}
	}
	if _, statErr := os.Stat(onnxDir + "/vae_encoder_vjp.onnx"); statErr == nil {
		o.vaeEncoderVJP, _, err = loadSession(onnxDir+"/vae_encoder_vjp.onnx", opts)
		if err != nil {
			return nil, fmt.Errorf("VAE encoder VJP session: %w", err)
		}
	}

	klog.V(1).Infof("oracle ready (encoder=%v, encoder VJP=%v)", o.vaeEncoder != nil, o.vaeEncoderVJP != nil)
	return o, nil
}

// loadSession inspects a graph's I/O and opens a dynamic session.
func loadSession(path string, opts *onnx.SessionOptions) (*onnx.DynamicAdvancedSession, onnx.TensorElementDataType, error) {
	inputs, outputs, err := onnx.GetInputOutputInfo(path)
	if err != nil {
		return nil, 0, fmt.Errorf("inspect %s: %w", path, err)
	}
	inNames := make([]string, len(inputs))
	for i, in := range inputs {
		inNames[i] = in.Name
		klog.V(2).Infof("%s input %s %v %v", path, in.Name, in.DataType, in.Dimensions)
	}
	outNames := make([]string, len(outputs))
	for i, out := range outputs {
		outNames[i] = out.Name
	}
	sess, err := onnx.NewDynamicAdvancedSession(path, inNames, outNames, opts)
	if err != nil {
		return nil, 0, err
	}
	return sess, inputs[0].DataType, nil
}

func findLibrary() string {
	candidates := []string{
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// --- painter.Denoiser ---

func (o *Oracle) NumTrainTimesteps() int   { return o.scheduler.NumTrainTimesteps() }
func (o *Oracle) AlphasCumprod() []float64 { return o.scheduler.AlphasCumprod() }

func (o *Oracle) AddNoise(latents, noise *tensor.Tensor, t int) *tensor.Tensor {
	return o.scheduler.AddNoise(latents, noise, t)
}

// PredictNoise runs one UNet pass per batch element. The exported
// graph is batch-1, so a guidance-doubled batch becomes concurrent
// single-sample runs; ONNX Runtime sessions are safe for concurrent
// Run calls.
func (o *Oracle) PredictNoise(noisy *tensor.Tensor, t int, embeddings *tensor.Tensor) (*tensor.Tensor, error) {
	batch := noisy.Shape[0]
	chans, h, w := noisy.Shape[1], noisy.Shape[2], noisy.Shape[3]
	seq, dim := embeddings.Shape[1], embeddings.Shape[2]
	latentN := chans * h * w
	embN := seq * dim

	out := tensor.New(noisy.Shape...)
	var g errgroup.Group
	for b := 0; b < batch; b++ {
		b := b
		g.Go(func() error {
			pred, err := o.runUNet(
				noisy.Data[b*latentN:(b+1)*latentN],
				embeddings.Data[b*embN:(b+1)*embN],
				int64(t), chans, h, w, seq, dim)
			if err != nil {
				return fmt.Errorf("unet batch %d: %w", b, err)
			}
			copy(out.Data[b*latentN:], pred)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Oracle) runUNet(latent, emb []float32, timestep int64, chans, h, w, seq, dim int) ([]float32, error) {
	sampleTensor, err := makeValue(latent, onnx.NewShape(1, int64(chans), int64(h), int64(w)), o.unetInputType)
	if err != nil {
		return nil, fmt.Errorf("sample tensor: %w", err)
	}
	defer sampleTensor.Destroy()

	tsTensor, err := onnx.NewTensor(onnx.NewShape(1), []int64{timestep})
	if err != nil {
		return nil, fmt.Errorf("timestep tensor: %w", err)
	}
	defer tsTensor.Destroy()

	embTensor, err := makeValue(emb, onnx.NewShape(1, int64(seq), int64(dim)), o.unetInputType)
	if err != nil {
		return nil, fmt.Errorf("embedding tensor: %w", err)
	}
	defer embTensor.Destroy()

	outputs := make([]onnx.Value, 1)
	if err := o.unetSession.Run([]onnx.Value{sampleTensor, tsTensor, embTensor}, outputs); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	defer destroyAll(outputs)
	return extractFloat32(outputs[0])
}

// --- painter.TextEncoder ---

func (o *Oracle) Tokenize(text string, maxLen int) []int64 {
	return o.tokenizer.Encode(text, maxLen)
}

func (o *Oracle) EncodeText(ids []int64) (*tensor.Tensor, error) {
	inputTensor, err := onnx.NewTensor(onnx.NewShape(1, int64(len(ids))), ids)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := make([]onnx.Value, 2) // last_hidden_state, pooler_output
	if err := o.clipSession.Run([]onnx.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("CLIP run: %w", err)
	}
	defer destroyAll(outputs)

	data, err := extractFloat32(outputs[0])
	if err != nil {
		return nil, err
	}
	dim := len(data) / len(ids)
	return tensor.From(data, []int{1, len(ids), dim}), nil
}

// --- painter.ImageCodec ---

func (o *Oracle) ScalingFactor() float32 { return sdScalingFactor }
func (o *Oracle) LatentChannels() int    { return sdLatentChans }

// EncodeImage runs the VAE encoder per batch element. The exported
// moments tensor carries mean in the first four channels and log
// variance in the last four.
func (o *Oracle) EncodeImage(img *tensor.Tensor) (*painter.LatentDist, painter.Pullback, error) {
	if o.vaeEncoder == nil {
		return nil, nil, fmt.Errorf("model export has no vae_encoder.onnx")
	}
	batch := img.Shape[0]
	h, w := img.Shape[2], img.Shape[3]
	lh, lw := h/8, w/8
	latentN := sdLatentChans * lh * lw

	mean := tensor.New(batch, sdLatentChans, lh, lw)
	std := tensor.New(batch, sdLatentChans, lh, lw)
	imgN := img.Shape[1] * h * w
	for b := 0; b < batch; b++ {
		moments, err := o.runImageSession(o.vaeEncoder, img.Data[b*imgN:(b+1)*imgN], img.Shape[1], h, w)
		if err != nil {
			return nil, nil, fmt.Errorf("vae encode batch %d: %w", b, err)
		}
		copy(mean.Data[b*latentN:], moments[:latentN])
		for i, lv := range moments[latentN : 2*latentN] {
			std.Data[b*latentN+i] = float32(math.Exp(0.5 * float64(lv)))
		}
	}

	var pullback painter.Pullback
	if o.vaeEncoderVJP != nil {
		input := img.Clone()
		pullback = func(grad *tensor.Tensor) *tensor.Tensor {
			out, err := o.runEncoderVJP(input, grad)
			if err != nil {
				klog.Errorf("encoder VJP failed, zeroing image gradient: %v", err)
				return tensor.New(input.Shape...)
			}
			return out
		}
	}
	return &painter.LatentDist{Mean: mean, Std: std}, pullback, nil
}

func (o *Oracle) DecodeImage(latents *tensor.Tensor) (*tensor.Tensor, error) {
	batch := latents.Shape[0]
	chans, lh, lw := latents.Shape[1], latents.Shape[2], latents.Shape[3]
	h, w := lh*8, lw*8
	out := tensor.New(batch, 3, h, w)
	latentN := chans * lh * lw
	imgN := 3 * h * w
	for b := 0; b < batch; b++ {
		data, err := o.runImageSession(o.vaeDecoder, latents.Data[b*latentN:(b+1)*latentN], chans, lh, lw)
		if err != nil {
			return nil, fmt.Errorf("vae decode batch %d: %w", b, err)
		}
		copy(out.Data[b*imgN:], data)
	}
	return out, nil
}

func (o *Oracle) runImageSession(sess *onnx.DynamicAdvancedSession, data []float32, chans, h, w int) ([]float32, error) {
	inputTensor, err := makeValue(data, onnx.NewShape(1, int64(chans), int64(h), int64(w)), o.vaeInputType)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := make([]onnx.Value, 1)
	if err := sess.Run([]onnx.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	defer destroyAll(outputs)
	return extractFloat32(outputs[0])
}

func (o *Oracle) runEncoderVJP(img, grad *tensor.Tensor) (*tensor.Tensor, error) {
	imgTensor, err := makeValue(img.Data, shapeOf(img), o.vaeInputType)
	if err != nil {
		return nil, fmt.Errorf("image tensor: %w", err)
	}
	defer imgTensor.Destroy()

	gradTensor, err := makeValue(grad.Data, shapeOf(grad), o.vaeInputType)
	if err != nil {
		return nil, fmt.Errorf("grad tensor: %w", err)
	}
	defer gradTensor.Destroy()

	outputs := make([]onnx.Value, 1)
	if err := o.vaeEncoderVJP.Run([]onnx.Value{imgTensor, gradTensor}, outputs); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	defer destroyAll(outputs)

	data, err := extractFloat32(outputs[0])
	if err != nil {
		return nil, err
	}
	return tensor.From(data, append([]int{}, img.Shape...)), nil
}

// --- painter.Stepper ---

func (o *Oracle) SetTimesteps(n int) []int { return o.scheduler.SetTimesteps(n) }
func (o *Oracle) Order() int               { return o.scheduler.Order() }
func (o *Oracle) InitNoiseSigma() float32  { return o.scheduler.InitNoiseSigma() }

func (o *Oracle) Step(pred *tensor.Tensor, t int, latents *tensor.Tensor) *tensor.Tensor {
	return o.scheduler.Step(pred, t, latents)
}

// Destroy releases every session.
func (o *Oracle) Destroy() {
	for _, s := range []*onnx.DynamicAdvancedSession{
		o.clipSession, o.unetSession, o.vaeDecoder, o.vaeEncoder, o.vaeEncoderVJP,
	} {
		if s != nil {
			s.Destroy()
		}
	}
}

// --- value marshalling ---

func shapeOf(t *tensor.Tensor) onnx.Shape {
	dims := make([]int64, len(t.Shape))
	for i, s := range t.Shape {
		dims[i] = int64(s)
	}
	return onnx.NewShape(dims...)
}

// makeValue creates an ORT value, converting to fp16 when the graph
// expects half precision.
func makeValue(data []float32, shape onnx.Shape, dtype onnx.TensorElementDataType) (onnx.Value, error) {
	switch dtype {
	case onnx.TensorElementDataTypeFloat16:
		raw := make([]byte, len(data)*2)
		for i, v := range data {
			bits := float16.Fromfloat32(v).Bits()
			raw[i*2] = byte(bits)
			raw[i*2+1] = byte(bits >> 8)
		}
		return onnx.NewCustomDataTensor(shape, raw, onnx.TensorElementDataTypeFloat16)
	default:
		return onnx.NewTensor(shape, data)
	}
}

// extractFloat32 pulls float32 data out of an output value, widening
// fp16 as needed.
func extractFloat32(v onnx.Value) ([]float32, error) {
	if t, ok := v.(*onnx.Tensor[float32]); ok {
		src := t.GetData()
		out := make([]float32, len(src))
		copy(out, src)
		return out, nil
	}
	if t, ok := v.(*onnx.Tensor[uint16]); ok {
		src := t.GetData()
		out := make([]float32, len(src))
		for i, bits := range src {
			out[i] = float16.Frombits(bits).Float32()
		}
		return out, nil
	}
	if t, ok := v.(*onnx.CustomDataTensor); ok {
		raw := t.GetData()
		out := make([]float32, len(raw)/2)
		for i := range out {
			bits := uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
			out[i] = float16.Frombits(bits).Float32()
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported output tensor type %T", v)
}

func destroyAll(vals []onnx.Value) {
	for _, v := range vals {
		if v != nil {
			v.Destroy()
		}
	}
}
