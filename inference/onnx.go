package inference

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"github.com/Tutortoise/catscan/models"
	"github.com/Tutortoise/catscan/preprocess"
)

const (
	RetryAttempts = 3
	RetryDelayMs  = 100
)

// ModelSpec describes one bundled model artifact.
type ModelSpec struct {
	Name        string
	Path        string
	InputName   string
	OutputName  string
	InputSize   int
	Layout      preprocess.Layout
	OutputShape []int64
	PoolSize    int
	Threads     int
}

func (s ModelSpec) inputShape() ort.Shape {
	size := int64(s.InputSize)
	if s.Layout == preprocess.CHW {
		return ort.NewShape(1, preprocess.Channels, size, size)
	}
	return ort.NewShape(1, size, size, preprocess.Channels)
}

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Destroy() error {
	var err error
	if m.Session != nil {
		err = multierr.Append(err, m.Session.Destroy())
	}
	if m.Input != nil {
		err = multierr.Append(err, m.Input.Destroy())
	}
	if m.Output != nil {
		err = multierr.Append(err, m.Output.Destroy())
	}
	return err
}

func initSession(spec ModelSpec) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := spec.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](spec.inputShape())
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		spec.Path,
		[]string{spec.InputName},
		[]string{spec.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

// ONNXModel runs a model through a pool of ONNX Runtime sessions.
type ONNXModel struct {
	spec ModelSpec
	pool *SessionPool[*ModelSession]
	log  *logrus.Entry
}

func LoadModel(spec ModelSpec, log *logrus.Entry) (*ONNXModel, error) {
	if spec.InputSize <= 0 || len(spec.OutputShape) == 0 {
		return nil, models.NewInferenceError(fmt.Sprintf("model %s has no fixed input/output contract", spec.Name), nil)
	}

	pool, err := NewSessionPool(spec.PoolSize, func() (*ModelSession, error) {
		return initSession(spec)
	})
	if err != nil {
		return nil, models.NewInferenceError(fmt.Sprintf("load model %s", spec.Name), err)
	}

	log = log.WithField("model", spec.Name)
	log.WithFields(logrus.Fields{
		"path":   spec.Path,
		"input":  fmt.Sprintf("%dx%dx%d", spec.InputSize, spec.InputSize, preprocess.Channels),
		"layout": spec.Layout.String(),
		"output": spec.OutputShape,
	}).Info("model loaded")

	return &ONNXModel{spec: spec, pool: pool, log: log}, nil
}

func (m *ONNXModel) Name() string {
	return m.spec.Name
}

func (m *ONNXModel) InputSize() int {
	return m.spec.InputSize
}

func (m *ONNXModel) Run(ctx context.Context, input *preprocess.Tensor) (Output, error) {
	if input == nil || input.Width != m.spec.InputSize || input.Height != m.spec.InputSize || input.Channels != preprocess.Channels {
		return Output{}, models.NewInferenceError(fmt.Sprintf("model %s expects a %dx%dx%d tensor", m.spec.Name, m.spec.InputSize, m.spec.InputSize, preprocess.Channels), nil)
	}
	data := input.WithLayout(m.spec.Layout).Data

	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return Output{}, models.NewInferenceError(fmt.Sprintf("acquire %s session", m.spec.Name), err)
	}

	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		start := time.Now()
		copy(session.Input.GetData(), data)

		if err := session.Session.Run(); err != nil {
			lastErr = err
			m.log.WithFields(logrus.Fields{"attempt": attempt, "error": err}).Warn("model run failed")
			if attempt < RetryAttempts {
				time.Sleep(time.Duration(attempt) * RetryDelayMs * time.Millisecond)
			}
			continue
		}
		m.pool.ObserveRun(time.Since(start))

		out := Output{
			Shape: append([]int64(nil), m.spec.OutputShape...),
			Data:  append([]float32(nil), session.Output.GetData()...),
		}
		m.pool.Release(session)
		return out, nil
	}

	m.pool.Discard(session, lastErr)
	return Output{}, models.NewInferenceError(fmt.Sprintf("model %s inference", m.spec.Name), lastErr)
}

func (m *ONNXModel) Metrics() MetricsSnapshot {
	return m.pool.GetMetrics()
}

func (m *ONNXModel) Close() error {
	return m.pool.Destroy()
}

// InitEnvironment points ONNX Runtime at its shared library and initializes it.
func InitEnvironment(libPath string) error {
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return models.NewInferenceError("initialize onnx runtime", err)
	}
	return nil
}

func DestroyEnvironment() error {
	return ort.DestroyEnvironment()
}
