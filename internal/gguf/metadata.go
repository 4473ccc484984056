package gguf

import (
	"fmt"
	"math"
	"sort"
)

type MetadataAnalyzer struct {
	file *GGUFFile
}

func NewMetadataAnalyzer(file *GGUFFile) *MetadataAnalyzer {
	return &MetadataAnalyzer{file: file}
}

type AnalysisReport struct {
	Architecture      string
	ModelName         string
	ContextLength     int
	EmbeddingLength   int
	BlockCount        int
	AttentionHeads    int
	KVHeads           int
	FeedForwardLength int
	VocabSize         int
	Quantization      string
	TensorCount       int
	TotalParameters   int64
	BytesOnDisk       int64
	TypeCounts        map[string]int
}

// general.file_type values as written by llama.cpp converters.
var fileTypeNames = map[uint64]string{
	0:  "F32",
	1:  "F16",
	2:  "Q4_0",
	3:  "Q4_1",
	7:  "Q8_0",
	8:  "Q5_0",
	9:  "Q5_1",
	10: "Q2_K",
	11: "Q3_K_S",
	12: "Q3_K_M",
	13: "Q3_K_L",
	14: "Q4_K_S",
	15: "Q4_K_M",
	16: "Q5_K_S",
	17: "Q5_K_M",
	18: "Q6_K",
}

func (a *MetadataAnalyzer) Analyze() (*AnalysisReport, error) {
	f := a.file
	report := &AnalysisReport{
		TensorCount: len(f.Tensors),
		TypeCounts:  make(map[string]int),
	}

	report.Architecture = f.Str("general.architecture")
	report.ModelName = f.Str("general.name")

	arch := report.Architecture
	report.ContextLength = int(f.Uint(arch + ".context_length"))
	if report.ContextLength == 0 {
		report.ContextLength = 2048
	}
	report.EmbeddingLength = int(f.Uint(arch + ".embedding_length"))
	report.BlockCount = int(f.Uint(arch + ".block_count"))
	report.AttentionHeads = int(f.Uint(arch + ".attention.head_count"))
	report.KVHeads = int(f.Uint(arch + ".attention.head_count_kv"))
	if report.KVHeads == 0 {
		report.KVHeads = report.AttentionHeads
	}
	report.FeedForwardLength = int(f.Uint(arch + ".feed_forward_length"))

	if tokens := f.Strings("tokenizer.ggml.tokens"); len(tokens) > 0 {
		report.VocabSize = len(tokens)
	} else {
		report.VocabSize = int(f.Uint(arch + ".vocab_size"))
	}

	var totalParams, totalBytes int64
	byteHistogram := make(map[GGMLType]int64)
	for _, t := range f.Tensors {
		totalParams += int64(t.NumElements())
		size := int64(t.SizeBytes())
		totalBytes += size
		byteHistogram[t.Type] += size
		report.TypeCounts[t.Type.String()]++
	}
	report.TotalParameters = totalParams
	report.BytesOnDisk = totalBytes

	report.Quantization = a.quantizationName(byteHistogram)

	return report, nil
}

// quantizationName prefers general.file_type; failing that it names
// the type carrying the most bytes.
func (a *MetadataAnalyzer) quantizationName(byteHistogram map[GGMLType]int64) string {
	if ft, ok := a.file.KV["general.file_type"]; ok {
		ftVal := a.file.Uint("general.file_type")
		if name, known := fileTypeNames[ftVal]; known {
			return name
		}
		return fmt.Sprintf("file_type_%v", ft)
	}

	var dominant GGMLType
	var dominantBytes int64 = -1
	for t, b := range byteHistogram {
		if b > dominantBytes {
			dominant, dominantBytes = t, b
		}
	}
	if dominantBytes <= 0 {
		return "Unknown"
	}
	return dominant.String()
}

func (r *AnalysisReport) String() string {
	types := make([]string, 0, len(r.TypeCounts))
	for t := range r.TypeCounts {
		types = append(types, t)
	}
	sort.Strings(types)
	typeSummary := ""
	for i, t := range types {
		if i > 0 {
			typeSummary += ", "
		}
		typeSummary += fmt.Sprintf("%s=%d", t, r.TypeCounts[t])
	}

	return fmt.Sprintf(`GGUF Model Analysis Report
============================
Architecture:      %s
Model Name:        %s
Context Length:    %d
Embedding Length:  %d
Blocks:            %d
Attention Heads:   %d
KV Heads:          %d
Feed Forward:      %d
Vocab Size:        %d
Quantization:      %s
Total Tensors:     %d (%s)
Total Parameters:  %d (%.2fB)
Bytes On Disk:     %.2f GB
`,
		r.Architecture,
		r.ModelName,
		r.ContextLength,
		r.EmbeddingLength,
		r.BlockCount,
		r.AttentionHeads,
		r.KVHeads,
		r.FeedForwardLength,
		r.VocabSize,
		r.Quantization,
		r.TensorCount,
		typeSummary,
		r.TotalParameters,
		float64(r.TotalParameters)/1e9,
		float64(r.BytesOnDisk)/1e9,
	)
}

// ValidateTensors walks the tensor table checking that offsets line up
// with the aligned sizes of their predecessors.
func (a *MetadataAnalyzer) ValidateTensors() ([]string, error) {
	var issues []string

	alignment := uint64(DefaultAlignment)
	if v := a.file.Uint("general.alignment"); v > 0 {
		alignment = v
	}

	expectedOffset := uint64(0)
	for i, t := range a.file.Tensors {
		expectedOffset = alignUp(expectedOffset, alignment)
		if t.Offset != expectedOffset {
			issues = append(issues,
				fmt.Sprintf("tensor %d (%s): expected offset %d, got %d",
					i, t.Name, expectedOffset, t.Offset))
			expectedOffset = t.Offset
		}

		size := t.SizeBytes()
		if size == 0 {
			issues = append(issues,
				fmt.Sprintf("tensor %d (%s): unknown size for type %s",
					i, t.Name, t.Type))
		}
		expectedOffset += size
	}

	return issues, nil
}

type TensorStats struct {
	Name         string
	Type         string
	Dimensions   []uint64
	ElementCount uint64
	SizeBytes    uint64
	MinValue     float64
	MaxValue     float64
	MeanValue    float64
	HasNaN       bool
	HasInf       bool
}

// ComputeStats dequantizes a tensor and summarizes its values.
func (a *MetadataAnalyzer) ComputeStats(tensorName string) (*TensorStats, error) {
	tensor, ok := a.file.Tensor(tensorName)
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", tensorName)
	}

	stats := &TensorStats{
		Name:         tensor.Name,
		Type:         tensor.Type.String(),
		Dimensions:   tensor.Dimensions,
		ElementCount: tensor.NumElements(),
		SizeBytes:    tensor.SizeBytes(),
	}

	data, err := Materialize(tensor)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return stats, nil
	}

	stats.MinValue = float64(data[0])
	stats.MaxValue = float64(data[0])
	sum := float64(0)
	for _, v := range data {
		fv := float64(v)
		if math.IsNaN(fv) {
			stats.HasNaN = true
			continue
		}
		if math.IsInf(fv, 0) {
			stats.HasInf = true
		}
		if fv < stats.MinValue {
			stats.MinValue = fv
		}
		if fv > stats.MaxValue {
			stats.MaxValue = fv
		}
		sum += fv
	}
	stats.MeanValue = sum / float64(len(data))

	return stats, nil
}
