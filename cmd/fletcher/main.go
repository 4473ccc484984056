package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/monitoring"
	"github.com/23skdu/longbow-fletcher/internal/pipeline"
)

func main() {
	defaults := config.Default()

	model := flag.String("model", defaults.Model, "HF repo id, ollama model name, GGUF path, or local checkpoint dir")
	outputDir := flag.String("output-dir", defaults.OutputDir, "Directory a fine-tuned checkpoint is written to")
	onnxPath := flag.String("onnx", defaults.ONNXPath, "Export artifact path")
	datasetPath := flag.String("dataset", defaults.DatasetPath, "JSONL prompt dataset; empty uses the built-in prompts")
	flightAddr := flag.String("flight-addr", defaults.FlightAddr, "Arrow Flight dataset endpoint")
	flightPath := flag.String("flight-path", defaults.FlightPath, "Flight descriptor path")
	epochs := flag.Int("epochs", defaults.Epochs, "Simulated fine-tuning epochs")
	batchSize := flag.Int("batch-size", defaults.BatchSize, "Examples per simulated step")
	learningRate := flag.Float64("learning-rate", defaults.LearningRate, "Learning rate reported in logs and plan")
	seed := flag.Int64("seed", defaults.Seed, "Loss-curve seed; 0 derives it from the dataset fingerprint")
	opset := flag.Int("opset", defaults.Opset, "ONNX opset for the export plan")
	sampleText := flag.String("sample-text", defaults.SampleText, "Export tracing input")
	save := flag.Bool("save", defaults.SaveCheckpoint, "Write a Q4_K GGUF checkpoint into the output directory")
	verify := flag.Bool("verify", defaults.Verify, "Open the artifact with ONNX Runtime after export")
	metricsAddr := flag.String("metrics", defaults.MetricsAddr, "Serve /metrics,/health,/status on this address while running")
	logLevel := flag.String("log-level", defaults.LogLevel, "debug, info, warn or error")
	logFormat := flag.String("log-format", defaults.LogFormat, "console or json")
	flag.Parse()

	logger.Setup(*logLevel, *logFormat)

	cfg := config.Config{
		Model:          *model,
		OutputDir:      *outputDir,
		ONNXPath:       *onnxPath,
		DatasetPath:    *datasetPath,
		FlightAddr:     *flightAddr,
		FlightPath:     *flightPath,
		Epochs:         *epochs,
		BatchSize:      *batchSize,
		LearningRate:   *learningRate,
		Seed:           *seed,
		Opset:          *opset,
		SampleText:     *sampleText,
		SaveCheckpoint: *save,
		Verify:         *verify,
		MetricsAddr:    *metricsAddr,
		LogLevel:       *logLevel,
		LogFormat:      *logFormat,
	}
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal("invalid configuration", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mon *monitoring.Monitor
	if cfg.MonitorEnabled() {
		mon = monitoring.New()
		go func() {
			if err := mon.Start(cfg.MetricsAddr); err != nil {
				logger.Log.Error("status server failed", "error", err.Error())
			}
		}()
	}

	p := pipeline.New(&cfg)
	if mon != nil {
		p.SetObserver(mon)
	}

	summary, err := p.Run(ctx)

	if mon != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = mon.Stop(shutdownCtx)
		cancel()
	}

	if err != nil {
		logger.Log.Fatal("run failed", "error", err.Error())
	}

	fmt.Print(summary.String())
}
