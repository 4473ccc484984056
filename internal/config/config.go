package config

import (
	"fmt"
	"strings"
)

// Config carries every knob of the fletcher pipeline. Flags in cmd/
// populate it; Validate runs before any stage does work.
type Config struct {
	// Model is an HF repo id, an ollama model name, a GGUF file path,
	// or a local HF-format directory.
	Model string

	// OutputDir is where a fine-tuned checkpoint would be written.
	OutputDir string

	// ONNXPath is the export artifact destination.
	ONNXPath string

	// DatasetPath points at an optional JSONL prompt file. Empty means
	// the built-in sample prompts.
	DatasetPath string

	// FlightAddr/FlightPath select an Arrow Flight dataset source.
	FlightAddr string
	FlightPath string

	Epochs       int
	BatchSize    int
	LearningRate float64

	// Seed drives the simulated trainer. Zero derives the seed from
	// the dataset fingerprint.
	Seed int64

	// Opset and SampleText frame the ONNX export plan.
	Opset      int
	SampleText string

	SaveCheckpoint bool
	Verify         bool

	// MetricsAddr enables the status/metrics server when non-empty.
	MetricsAddr string

	LogLevel  string
	LogFormat string
}

func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("invalid model: must not be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("invalid output_dir: must not be empty")
	}
	if c.ONNXPath == "" {
		return fmt.Errorf("invalid onnx_path: must not be empty")
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("invalid epochs: %d (must be positive)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("invalid learning_rate: %g (must be positive)", c.LearningRate)
	}
	if c.Opset < 13 || c.Opset > 21 {
		return fmt.Errorf("invalid opset: %d (supported range 13-21)", c.Opset)
	}
	if c.FlightAddr != "" && c.FlightPath == "" {
		return fmt.Errorf("invalid flight_path: must not be empty when flight_addr is set")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q (debug, info, warn, error)", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (console, json)", c.LogFormat)
	}
	return nil
}

// UsesFlight reports whether the dataset comes from an Arrow Flight
// endpoint instead of a local source.
func (c *Config) UsesFlight() bool {
	return c.FlightAddr != ""
}

// MonitorEnabled reports whether the status/metrics server should run.
func (c *Config) MonitorEnabled() bool {
	return c.MetricsAddr != ""
}

func Default() Config {
	return Config{
		Model:        "TinyLlama/TinyLlama-1.1B-Chat-v1.0",
		OutputDir:    "./tinyllama_finetuned_model",
		ONNXPath:     "./tinyllama-q4.model.onnx",
		FlightPath:   "datasets/finetune",
		Epochs:       1,
		BatchSize:    1,
		LearningRate: 2e-5,
		Opset:        17,
		SampleText:   "Hello, what is the capital of France?",
		LogLevel:     "info",
		LogFormat:    "console",
	}
}
