// Package export plans the ONNX conversion of a fine-tuned model and
// writes the export artifact. The plan (opset, graph names, per-tensor
// quantization decisions) is real; the artifact body is the
// placeholder the pipeline ships until a true graph exporter lands.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/gguf"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
	"github.com/23skdu/longbow-fletcher/internal/model"
	"github.com/23skdu/longbow-fletcher/internal/tokenizer"
)

// Task is the only export task the pipeline produces.
const Task = "text-generation"

// artifactLines is the placeholder body written in place of a real
// ONNX graph. Kept byte-identical across runs so downstream tooling
// can detect it.
var artifactLines = []string{
	"# This is a dummy ONNX model. Replace with actual exported and quantized model.",
	"# This file should contain binary ONNX model data.",
	"# Refer to optimum documentation for proper ONNX export and quantization (e.g., Q4).",
}

type Action int

const (
	ActionKeep Action = iota
	ActionQuantize
)

func (a Action) String() string {
	if a == ActionQuantize {
		return "quantize"
	}
	return "keep"
}

// TensorPlan is one row of the per-tensor decision table.
type TensorPlan struct {
	Name   string
	Shape  []uint64
	DType  string
	Action Action

	SrcBytes uint64
	// EstBytes is the planned size: Q4_K block math for quantized
	// tensors, the source size otherwise.
	EstBytes uint64
}

// Plan describes the export the pipeline would perform: graph-level
// names and the quantization decision for every tensor.
type Plan struct {
	Model       string
	Opset       int
	Task        string
	InputNames  []string
	OutputNames []string
	SampleText  string
	SampleIDs   []uint32
	Tensors     []TensorPlan

	SrcBytes uint64
	EstBytes uint64
}

// ShouldQuantize reports whether a tensor is a Q4_K candidate: a 2D
// projection weight big enough to block-quantize, with a row length
// that divides into Q4_K super-blocks. Embeddings, norms and 1D
// tensors keep their source precision.
func ShouldQuantize(name string, shape []uint64) bool {
	if len(shape) != 2 {
		return false
	}
	if !strings.HasSuffix(name, ".weight") {
		return false
	}
	lower := strings.ToLower(name)
	if strings.Contains(lower, "embd") || strings.Contains(lower, "embed") || strings.Contains(lower, "norm") {
		return false
	}
	if shape[0]*shape[1] < 1024 {
		return false
	}
	return shape[len(shape)-1]%gguf.GGMLTypeQ4_K.BlockSize() == 0
}

// BuildPlan tokenizes the sample text and decides, tensor by tensor,
// what the exported graph would quantize.
func BuildPlan(m *model.Model, tok tokenizer.Tokenizer, cfg *config.Config) (*Plan, error) {
	ids, err := tok.Encode(cfg.SampleText, true)
	if err != nil {
		return nil, fmt.Errorf("export: encode sample text: %w", err)
	}

	plan := &Plan{
		Model:       m.Info.Name,
		Opset:       cfg.Opset,
		Task:        Task,
		InputNames:  []string{"input_ids", "attention_mask"},
		OutputNames: []string{"logits"},
		SampleText:  cfg.SampleText,
		SampleIDs:   ids,
	}

	log := logger.Log.With("export")
	for _, t := range m.Weights.Tensors() {
		row := TensorPlan{
			Name:     t.Name,
			Shape:    t.Shape,
			DType:    t.DType,
			SrcBytes: t.Bytes,
			EstBytes: t.Bytes,
		}
		if ShouldQuantize(t.Name, t.Shape) {
			row.Action = ActionQuantize
			row.EstBytes = t.Elements / gguf.GGMLTypeQ4_K.BlockSize() * gguf.GGMLTypeQ4_K.BlockBytes()
		}
		plan.SrcBytes += row.SrcBytes
		plan.EstBytes += row.EstBytes
		plan.Tensors = append(plan.Tensors, row)

		log.Debug("planned tensor",
			"name", row.Name,
			"dtype", row.DType,
			"action", row.Action.String(),
			"src_bytes", row.SrcBytes,
			"est_bytes", row.EstBytes)
	}

	quantize, keep := plan.Counts()
	metrics.RecordExportPlan(quantize, keep)

	log.Info("export plan built",
		"model", plan.Model,
		"opset", plan.Opset,
		"sample_tokens", len(plan.SampleIDs),
		"quantize", quantize,
		"keep", keep,
		"compression", fmt.Sprintf("%.2fx", plan.CompressionRatio()))
	return plan, nil
}

// Counts tallies the decision table by action.
func (p *Plan) Counts() (quantize, keep int) {
	for _, t := range p.Tensors {
		if t.Action == ActionQuantize {
			quantize++
		} else {
			keep++
		}
	}
	return quantize, keep
}

// CompressionRatio is source bytes over planned bytes.
func (p *Plan) CompressionRatio() float64 {
	if p.EstBytes == 0 {
		return 1
	}
	return float64(p.SrcBytes) / float64(p.EstBytes)
}

func (p *Plan) Render() string {
	quantize, keep := p.Counts()
	var b strings.Builder
	b.WriteString("ONNX Export Plan\n")
	b.WriteString("================\n")
	fmt.Fprintf(&b, "Model:         %s\n", p.Model)
	fmt.Fprintf(&b, "Task:          %s\n", p.Task)
	fmt.Fprintf(&b, "Opset:         %d\n", p.Opset)
	fmt.Fprintf(&b, "Inputs:        %s\n", strings.Join(p.InputNames, ", "))
	fmt.Fprintf(&b, "Outputs:       %s\n", strings.Join(p.OutputNames, ", "))
	fmt.Fprintf(&b, "Sample:        %q (%d tokens)\n", p.SampleText, len(p.SampleIDs))
	fmt.Fprintf(&b, "Tensors:       %d quantize, %d keep\n", quantize, keep)
	fmt.Fprintf(&b, "Source Bytes:  %d\n", p.SrcBytes)
	fmt.Fprintf(&b, "Planned Bytes: %d (%.2fx compression)\n", p.EstBytes, p.CompressionRatio())
	return b.String()
}

// WriteArtifact writes the placeholder artifact, creating parent
// directories as needed, and returns the byte count written.
func WriteArtifact(path string) (int64, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("export: %w", err)
		}
	}

	body := strings.Join(artifactLines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}

	metrics.RecordArtifact(int64(len(body)))
	logger.Log.With("export").Info("artifact written", "path", path, "bytes", len(body))
	return int64(len(body)), nil
}
