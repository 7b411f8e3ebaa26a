// Command mydreamer generates images from text prompts with the ONNX
// Runtime oracle. The score-distillation surface is a library API and
// has no CLI; this binary exposes the sibling sampling loop.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/soyeong-kwon/MyDreamer/ort"
	"github.com/soyeong-kwon/MyDreamer/painter"
	"github.com/soyeong-kwon/MyDreamer/tensor"
)

func main() {
	klog.InitFlags(nil)
	root := &cobra.Command{
		Use:          "mydreamer",
		Short:        "Text-to-image sampling with a frozen diffusion oracle",
		SilenceUsage: true,
	}
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	root.AddCommand(sampleCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func sampleCmd() *cobra.Command {
	var (
		modelDir string
		onnxDir  string
		ortLib   string
		prompt   string
		negative string
		outPath  string
		seed     int64
		steps    int
		size     int
		guidance float32
		threads  int
	)

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate an image from a prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			oracle, err := ort.NewOracle(ort.Config{
				ModelDir:    modelDir,
				OnnxDir:     onnxDir,
				LibraryPath: ortLib,
				Threads:     threads,
			})
			if err != nil {
				return fmt.Errorf("load oracle: %w", err)
			}
			defer oracle.Destroy()

			pipe := painter.NewPipeline(oracle, painter.DefaultConfig())

			cfg := painter.DefaultSampleConfig()
			cfg.Height = size
			cfg.Width = size
			cfg.NumInferenceSteps = steps
			cfg.GuidanceScale = guidance
			cfg.Seed = seed
			if negative != "" {
				cfg.NegativePrompts = []string{negative}
			}
			cfg.Callback = func(step, t int, _ *tensor.Tensor) {
				klog.Infof("step %d (t=%d)", step+1, t)
			}

			img, err := pipe.SampleImage([]string{prompt}, cfg)
			if err != nil {
				return fmt.Errorf("sample: %w", err)
			}
			if err := savePNG(img, outPath); err != nil {
				return fmt.Errorf("save %s: %w", outPath, err)
			}
			klog.Infof("wrote %s", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelDir, "model-dir", "", "model directory (tokenizer + onnx exports)")
	cmd.Flags().StringVar(&onnxDir, "onnx-dir", "", "override directory holding the .onnx graphs")
	cmd.Flags().StringVar(&ortLib, "ort-lib", "", "path to libonnxruntime")
	cmd.Flags().StringVar(&prompt, "prompt", "a painting of a cat", "text prompt")
	cmd.Flags().StringVar(&negative, "negative", "", "negative prompt")
	cmd.Flags().StringVar(&outPath, "out", "mydreamer.png", "output PNG path")
	cmd.Flags().Int64Var(&seed, "seed", 42, "noise seed")
	cmd.Flags().IntVar(&steps, "steps", 50, "denoising steps")
	cmd.Flags().IntVar(&size, "size", 512, "image size in pixels")
	cmd.Flags().Float32Var(&guidance, "guidance", 7.5, "classifier-free guidance scale")
	cmd.Flags().IntVar(&threads, "threads", 0, "onnxruntime intra-op threads")
	_ = cmd.MarkFlagRequired("model-dir")
	return cmd
}

// savePNG writes the first image of a [B,3,H,W] batch in [0,1].
func savePNG(t *tensor.Tensor, path string) error {
	h := t.Shape[2]
	w := t.Shape[3]
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgba.Set(x, y, color.RGBA{
				R: clampByte(t.Data[0*h*w+y*w+x]),
				G: clampByte(t.Data[1*h*w+y*w+x]),
				B: clampByte(t.Data[2*h*w+y*w+x]),
				A: 255,
			})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, rgba)
}

func clampByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}
