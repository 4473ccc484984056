package gguf

import (
	"strings"
	"testing"
)

func TestAnalyzeFromWrittenModel(t *testing.T) {
	path := writeTestModel(t)
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer f.Close()

	report, err := NewMetadataAnalyzer(f).Analyze()
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if report.Architecture != "llama" {
		t.Errorf("expected architecture llama, got %q", report.Architecture)
	}
	if report.ModelName != "test-model" {
		t.Errorf("expected name test-model, got %q", report.ModelName)
	}
	if report.ContextLength != 2048 {
		t.Errorf("expected context length 2048, got %d", report.ContextLength)
	}
	if report.EmbeddingLength != 64 {
		t.Errorf("expected embedding length 64, got %d", report.EmbeddingLength)
	}
	if report.BlockCount != 2 {
		t.Errorf("expected 2 blocks, got %d", report.BlockCount)
	}
	if report.AttentionHeads != 4 {
		t.Errorf("expected 4 heads, got %d", report.AttentionHeads)
	}
	if report.KVHeads != 4 {
		t.Errorf("expected kv heads to fall back to head count, got %d", report.KVHeads)
	}
	if report.VocabSize != 3 {
		t.Errorf("expected vocab size 3 from token list, got %d", report.VocabSize)
	}
	if report.Quantization != "Q4_K_M" {
		t.Errorf("expected Q4_K_M from file_type 15, got %q", report.Quantization)
	}
	if report.TensorCount != 2 {
		t.Errorf("expected 2 tensors, got %d", report.TensorCount)
	}
	if report.TotalParameters != 320 {
		t.Errorf("expected 320 parameters, got %d", report.TotalParameters)
	}
	if report.TypeCounts["F32"] != 1 || report.TypeCounts["Q4_K"] != 1 {
		t.Errorf("unexpected type counts: %v", report.TypeCounts)
	}
}

func TestQuantizationFallsBackToDominantType(t *testing.T) {
	file := &GGUFFile{
		KV: map[string]interface{}{
			"general.architecture": "llama",
		},
		Tensors: []*TensorInfo{
			{Name: "output_norm.weight", Dimensions: []uint64{64}, Type: GGMLTypeF32},
			{Name: "blk.0.ffn_up.weight", Dimensions: []uint64{256, 16}, Type: GGMLTypeQ4_K},
		},
	}

	report, err := NewMetadataAnalyzer(file).Analyze()
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if report.Quantization != "Q4_K" {
		t.Errorf("expected dominant type Q4_K, got %q", report.Quantization)
	}
}

func TestAnalyzeDefaultsContextLength(t *testing.T) {
	file := &GGUFFile{
		KV: map[string]interface{}{
			"general.architecture": "llama",
		},
	}
	report, err := NewMetadataAnalyzer(file).Analyze()
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if report.ContextLength != 2048 {
		t.Errorf("expected default context length 2048, got %d", report.ContextLength)
	}
}

func TestReportString(t *testing.T) {
	report := &AnalysisReport{
		Architecture:    "llama",
		ModelName:       "tinyllama",
		ContextLength:   2048,
		Quantization:    "Q4_K_M",
		TensorCount:     201,
		TotalParameters: 1100048384,
		BytesOnDisk:     668788096,
		TypeCounts:      map[string]int{"Q4_K": 140, "Q6_K": 21, "F32": 40},
	}

	s := report.String()
	for _, want := range []string{"llama", "tinyllama", "Q4_K_M", "1.10B", "Q4_K=140"} {
		if !strings.Contains(s, want) {
			t.Errorf("report missing %q:\n%s", want, s)
		}
	}
}

func TestValidateTensorsCleanFile(t *testing.T) {
	path := writeTestModel(t)
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer f.Close()

	issues, err := NewMetadataAnalyzer(f).ValidateTensors()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}
}

func TestValidateTensorsFlagsBadOffset(t *testing.T) {
	file := &GGUFFile{
		KV: map[string]interface{}{},
		Tensors: []*TensorInfo{
			{Name: "a.weight", Dimensions: []uint64{8}, Type: GGMLTypeF32, Offset: 0},
			{Name: "b.weight", Dimensions: []uint64{8}, Type: GGMLTypeF32, Offset: 1000},
		},
	}

	issues, err := NewMetadataAnalyzer(file).ValidateTensors()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %v", issues)
	}
	if !strings.Contains(issues[0], "b.weight") {
		t.Errorf("issue should name b.weight: %s", issues[0])
	}
}

func TestComputeStats(t *testing.T) {
	path := writeTestModel(t)
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer f.Close()

	stats, err := NewMetadataAnalyzer(f).ComputeStats("token_embd.weight")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.MinValue != 0 {
		t.Errorf("expected min 0, got %f", stats.MinValue)
	}
	if stats.MaxValue != 63 {
		t.Errorf("expected max 63, got %f", stats.MaxValue)
	}
	if stats.MeanValue != 31.5 {
		t.Errorf("expected mean 31.5, got %f", stats.MeanValue)
	}
	if stats.HasNaN || stats.HasInf {
		t.Error("expected no NaN or Inf")
	}

	if _, err := NewMetadataAnalyzer(f).ComputeStats("nope.weight"); err == nil {
		t.Error("expected error for missing tensor")
	}
}
