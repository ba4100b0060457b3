package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Tutortoise/catscan/config"
	"github.com/Tutortoise/catscan/detections"
	"github.com/Tutortoise/catscan/facecrop"
	"github.com/Tutortoise/catscan/inference"
	"github.com/Tutortoise/catscan/logging"
	"github.com/Tutortoise/catscan/models"
	"github.com/Tutortoise/catscan/preprocess"
	"github.com/Tutortoise/catscan/scan"
	"github.com/Tutortoise/catscan/severity"
)

func main() {
	app := &cli.App{
		Name:  "catscan",
		Usage: "estimate cat conjunctivitis severity from a photo",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve the scan API on the loopback interface",
				Action: serveAction,
			},
			{
				Name:      "scan",
				Usage:     "scan one photo and print the result",
				ArgsUsage: "<photo>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "no-pacing", Usage: "skip the on-screen stage delays"},
					&cli.StringFlag{Name: "crop-out", Usage: "write the cropped face JPEG to this file"},
				},
				Action: scanAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// pipeline is the loaded runtime: three models and the orchestrator over them.
type pipeline struct {
	scanner *scan.Orchestrator
	models  []*inference.ONNXModel
}

func (p *pipeline) stats() []ModelStats {
	out := make([]ModelStats, 0, len(p.models))
	for _, m := range p.models {
		out = append(out, m)
	}
	return out
}

func (p *pipeline) Close() error {
	var err error
	for _, m := range p.models {
		err = multierr.Append(err, m.Close())
	}
	return multierr.Append(err, inference.DestroyEnvironment())
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return nil, nil, err
	}
	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return cfg, logger, nil
}

func modelSpec(cfg *config.Config, m config.ModelConfig, name string, size int, output []int64) (inference.ModelSpec, error) {
	layout, err := preprocess.ParseLayout(m.Layout)
	if err != nil {
		return inference.ModelSpec{}, err
	}
	return inference.ModelSpec{
		Name:        name,
		Path:        cfg.ModelPath(m),
		InputName:   m.InputName,
		OutputName:  m.OutputName,
		InputSize:   size,
		Layout:      layout,
		OutputShape: output,
		PoolSize:    cfg.PoolSize,
		Threads:     cfg.IntraOpThreads,
	}, nil
}

// loadPipeline initializes ONNX Runtime and loads the three models concurrently.
func loadPipeline(cfg *config.Config, logger *logrus.Logger, pacing scan.Pacing) (*pipeline, error) {
	if err := cfg.RequireRuntime(); err != nil {
		return nil, err
	}

	specs := make([]inference.ModelSpec, 3)
	var err error
	if specs[0], err = modelSpec(cfg, cfg.Presence, "presence", detections.InputSize,
		[]int64{1, detections.Channels, detections.ExpectedAnchors}); err != nil {
		return nil, err
	}
	if specs[1], err = modelSpec(cfg, cfg.Face, "face", facecrop.InputSize, []int64{1, 4}); err != nil {
		return nil, err
	}
	if specs[2], err = modelSpec(cfg, cfg.Severity, "severity", severity.InputSize, []int64{1, 1}); err != nil {
		return nil, err
	}

	if err := inference.InitEnvironment(cfg.OrtLibraryPath); err != nil {
		return nil, err
	}

	loaded := make([]*inference.ONNXModel, len(specs))
	inferLog := logging.Component(logger, "inference")
	var g errgroup.Group
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			m, err := inference.LoadModel(spec, inferLog)
			if err != nil {
				return err
			}
			loaded[i] = m
			return nil
		})
	}

	p := &pipeline{}
	if err := g.Wait(); err != nil {
		for _, m := range loaded {
			if m != nil {
				p.models = append(p.models, m)
			}
		}
		return nil, multierr.Append(err, p.Close())
	}
	p.models = loaded

	base := logrus.NewEntry(logger)
	p.scanner = scan.New(
		detections.NewDetector(loaded[0], base),
		facecrop.NewLocator(loaded[1], base),
		severity.NewClassifier(loaded[2], base),
		base,
		scan.WithPacing(pacing),
		scan.WithDebugTimings(cfg.Debug),
	)
	return p, nil
}

func pacingFrom(cfg *config.Config) scan.Pacing {
	return scan.Pacing{
		LeadIn:       cfg.Pacing.LeadIn,
		MinStage:     cfg.Pacing.MinStage,
		StagePause:   cfg.Pacing.StagePause,
		BoxDisplay:   cfg.Pacing.BoxDisplay,
		ErrorDisplay: cfg.Pacing.ErrorDisplay,
	}
}

func serveAction(c *cli.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	p, err := loadPipeline(cfg, logger, pacingFrom(cfg))
	if err != nil {
		return err
	}
	defer func() {
		p.scanner.Cancel()
		p.scanner.Wait()
		if err := p.Close(); err != nil {
			logger.WithError(err).Warn("teardown incomplete")
		}
	}()

	state := NewAppState(p.scanner, p.stats(), cfg.MaxPhotoSide, logrus.NewEntry(logger))
	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         cfg.ListenAddr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logging.Fields{
			"addr":         srv.Addr,
			"cpu_features": cpuFeatures(),
		}).Info("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func scanAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: catscan scan [--no-pacing] [--crop-out file] <photo>", 2)
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	pacing := pacingFrom(cfg)
	if c.Bool("no-pacing") {
		pacing = scan.NoPacing()
	}

	p, err := loadPipeline(cfg, logger, pacing)
	if err != nil {
		return err
	}
	defer p.Close()

	photo, err := preprocess.Normalize(&models.EncodedPhoto{Path: c.Args().First()}, cfg.MaxPhotoSide)
	if err != nil {
		return cli.Exit(fmt.Sprintf("%s (%v)", MsgUnreadablePic, err), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcome, failure := runScan(ctx, p.scanner, photo, os.Stdout)
	p.scanner.Wait()

	if failure != "" {
		return cli.Exit(failure, 1)
	}
	if outcome == nil {
		return cli.Exit("scan cancelled", 1)
	}

	fmt.Fprintf(os.Stdout, "\n%s (score %.3f)\n%s\n", outcome.Category, outcome.Score, outcome.Description)
	if out := c.String("crop-out"); out != "" {
		if err := os.WriteFile(out, outcome.Crop.Photo.Data, 0o644); err != nil {
			return fmt.Errorf("write crop: %w", err)
		}
	}
	return nil
}

// runScan drives one session and prints its progress. It returns the outcome
// on success or the user-facing failure message.
func runScan(ctx context.Context, scanner *scan.Orchestrator, photo *models.EncodedPhoto, out io.Writer) (*scan.Outcome, string) {
	events, unsubscribe := scanner.Subscribe()
	defer unsubscribe()

	id, err := scanner.Start(photo)
	if err != nil {
		return nil, err.Error()
	}

	var outcome *scan.Outcome
	var failure string
	for {
		select {
		case <-ctx.Done():
			scanner.Cancel()
			return nil, ""
		case ev := <-events:
			if ev.SessionID != id {
				continue
			}
			switch ev.Stage {
			case scan.Done:
				outcome = ev.Outcome
			case scan.Error:
				failure = ev.Message
				fmt.Fprintf(out, "[%s] %s\n", ev.Label, ev.Message)
			case scan.Idle:
				return outcome, failure
			default:
				if ev.Box != nil {
					fmt.Fprintf(out, "[%s] face at %dx%d+%d+%d\n", ev.Label, ev.Box.Width, ev.Box.Height, ev.Box.X, ev.Box.Y)
				} else {
					fmt.Fprintf(out, "[%s] %s\n", ev.Label, ev.StatusText)
				}
			}
		}
	}
}
