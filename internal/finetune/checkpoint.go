package finetune

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/export"
	"github.com/23skdu/longbow-fletcher/internal/gguf"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
	"github.com/23skdu/longbow-fletcher/internal/model"
)

// checkpointName flattens a model reference into a filename.
func checkpointName(name string) string {
	base := strings.NewReplacer("/", "-", ":", "-", " ", "-").Replace(name)
	if base == "" {
		base = "model"
	}
	return base + "-finetuned-q4_k.gguf"
}

// saveCheckpoint writes the model back out as GGUF: eligible
// projection weights re-encoded as Q4_K, everything else as F32,
// plus provenance keys and the carried-over vocabulary.
func saveCheckpoint(m *model.Model, path string, res *Result, cfg *config.Config) error {
	w := gguf.NewWriter()

	arch := m.Info.Architecture
	if arch == "" {
		arch = "llama"
	}
	w.AddString("general.architecture", arch)
	w.AddString("general.name", m.Info.Name+"-finetuned")
	w.AddUint32("general.file_type", 15) // Q4_K_M

	if m.Info.ContextLength > 0 {
		w.AddUint32(arch+".context_length", uint32(m.Info.ContextLength))
	}
	if m.Info.HiddenSize > 0 {
		w.AddUint32(arch+".embedding_length", uint32(m.Info.HiddenSize))
	}
	if m.Info.Layers > 0 {
		w.AddUint32(arch+".block_count", uint32(m.Info.Layers))
	}
	if m.Info.AttentionHeads > 0 {
		w.AddUint32(arch+".attention.head_count", uint32(m.Info.AttentionHeads))
	}
	if m.Info.KVHeads > 0 {
		w.AddUint32(arch+".attention.head_count_kv", uint32(m.Info.KVHeads))
	}

	w.AddString("fletcher.finetune.source", m.Info.Name)
	w.AddUint32("fletcher.finetune.epochs", uint32(cfg.Epochs))
	w.AddUint32("fletcher.finetune.steps", uint32(res.Steps))
	w.AddFloat32("fletcher.finetune.learning_rate", float32(cfg.LearningRate))
	w.AddFloat32("fletcher.finetune.final_loss", float32(res.FinalLoss))

	copyVocab(w, m.GGUF)

	for _, t := range m.Weights.Tensors() {
		values, err := m.Weights.Float32(t.Name)
		if err != nil {
			return fmt.Errorf("finetune: materialize %s: %w", t.Name, err)
		}

		if export.ShouldQuantize(t.Name, t.Shape) {
			blob, err := gguf.QuantizeQ4K(values)
			if err != nil {
				return fmt.Errorf("finetune: quantize %s: %w", t.Name, err)
			}
			if err := w.AddTensor(t.Name, t.Shape, gguf.GGMLTypeQ4_K, blob); err != nil {
				return fmt.Errorf("finetune: %w", err)
			}
			metrics.RecordQuantizedTensor(gguf.GGMLTypeQ4_K.String(),
				int64(len(values)*4), int64(len(blob)))
			continue
		}

		if err := w.AddTensor(t.Name, t.Shape, gguf.GGMLTypeF32, f32Bytes(values)); err != nil {
			return fmt.Errorf("finetune: %w", err)
		}
	}

	if err := w.WriteFile(path); err != nil {
		return fmt.Errorf("finetune: write checkpoint: %w", err)
	}
	return nil
}

// copyVocab carries the embedded tokenizer into the checkpoint so it
// stays usable on its own. GGUF-sourced models only.
func copyVocab(w *gguf.Writer, f *gguf.GGUFFile) {
	if f == nil {
		return
	}
	tokens := f.Strings("tokenizer.ggml.tokens")
	if len(tokens) == 0 {
		return
	}

	if tm := f.Str("tokenizer.ggml.model"); tm != "" {
		w.AddString("tokenizer.ggml.model", tm)
	}
	w.AddStringArray("tokenizer.ggml.tokens", tokens)
	for _, key := range []string{
		"tokenizer.ggml.bos_token_id",
		"tokenizer.ggml.eos_token_id",
		"tokenizer.ggml.unknown_token_id",
		"tokenizer.ggml.padding_token_id",
	} {
		if _, ok := f.KV[key]; ok {
			w.AddUint32(key, uint32(f.Uint(key)))
		}
	}
}

func f32Bytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
