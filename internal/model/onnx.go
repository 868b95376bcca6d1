package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/mat"

	"github.com/Brownie44l1/foodfocus/internal/tensor"
)

const KindONNX = "onnx"

// ONNXConfig locates an exported backbone graph. The graph must take an
// NCHW float32 input with a dynamic batch dimension and return the pooled
// representation as [N, HiddenSize].
//
// An ONNX backbone is always frozen: only the classification and nutrition
// heads train on top of it. To fine-tune every layer, use the patchpool
// backbone (backbone.kind: patchpool) instead.
type ONNXConfig struct {
	ModelPath         string
	SharedLibraryPath string
	InputName         string
	OutputName        string
	HiddenSize        int
}

var (
	runtimeMu   sync.Mutex
	runtimeRefs int
)

func acquireRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if runtimeRefs == 0 && !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	runtimeRefs++
	return nil
}

func releaseRuntime() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	runtimeRefs--
	if runtimeRefs == 0 {
		_ = ort.DestroyEnvironment()
	}
}

// ONNXBackbone runs a pretrained backbone through ONNX Runtime. Its weights
// are frozen: it does not implement TrainableBackbone, so only the heads
// are fine-tuned on top of it.
type ONNXBackbone struct {
	cfg     ONNXConfig
	session *ort.DynamicAdvancedSession
}

// NewONNXBackbone loads the graph at cfg.ModelPath.
func NewONNXBackbone(cfg ONNXConfig) (*ONNXBackbone, error) {
	if cfg.InputName == "" {
		cfg.InputName = "pixel_values"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "pooler_output"
	}
	if cfg.HiddenSize <= 0 {
		return nil, fmt.Errorf("onnx backbone: hidden size must be positive, got %d", cfg.HiddenSize)
	}

	if err := acquireRuntime(cfg.SharedLibraryPath); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, nil)
	if err != nil {
		releaseRuntime()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXBackbone{cfg: cfg, session: session}, nil
}

func (b *ONNXBackbone) Kind() string       { return KindONNX }
func (b *ONNXBackbone) HiddenSize() int    { return b.cfg.HiddenSize }
func (b *ONNXBackbone) Config() ONNXConfig { return b.cfg }

func (b *ONNXBackbone) Extract(_ context.Context, pixels *tensor.Pixels) (*mat.Dense, error) {
	if pixels.N == 0 {
		return nil, fmt.Errorf("onnx backbone: empty batch")
	}

	inputShape := ort.NewShape(int64(pixels.N), int64(pixels.C), int64(pixels.H), int64(pixels.W))
	input, err := ort.NewTensor(inputShape, pixels.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(pixels.N), int64(b.cfg.HiddenSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := b.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	data := output.GetData()
	pooled := mat.NewDense(pixels.N, b.cfg.HiddenSize, nil)
	for i := 0; i < pixels.N; i++ {
		row := pooled.RawRowView(i)
		for j := range row {
			row[j] = float64(data[i*b.cfg.HiddenSize+j])
		}
	}
	return pooled, nil
}

// Close releases the session and, with the last backbone, the runtime.
func (b *ONNXBackbone) Close() {
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
		releaseRuntime()
	}
}
