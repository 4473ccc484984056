package model

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/23skdu/longbow-fletcher/internal/gguf"
	"github.com/23skdu/longbow-fletcher/internal/ollama"
)

func writeGGUFModel(t *testing.T, path string) {
	t.Helper()

	w := gguf.NewWriter()
	w.AddString("general.architecture", "llama")
	w.AddString("general.name", "tiny-test")
	w.AddUint32("general.file_type", 15)
	w.AddUint32("llama.context_length", 2048)
	w.AddUint32("llama.embedding_length", 64)
	w.AddUint32("llama.block_count", 2)
	w.AddUint32("llama.attention.head_count", 4)
	w.AddStringArray("tokenizer.ggml.tokens", []string{"<unk>", "<s>", "</s>", "hi"})

	data := make([]byte, 64*4)
	for i := 0; i < 64; i++ {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(i)))
	}
	if err := w.AddTensor("token_embd.weight", []uint64{64}, gguf.GGMLTypeF32, data); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}
}

func writeCheckpointDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cfg := map[string]interface{}{
		"architectures":           []string{"LlamaForCausalLM"},
		"model_type":              "llama",
		"hidden_size":             2048,
		"intermediate_size":       5632,
		"num_hidden_layers":       22,
		"num_attention_heads":     32,
		"num_key_value_heads":     4,
		"max_position_embeddings": 2048,
		"vocab_size":              32000,
		"torch_dtype":             "bfloat16",
		"bos_token_id":            1,
		"eos_token_id":            2,
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	// Minimal one-tensor safetensors payload.
	header := `{"model.norm.weight":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`
	st := make([]byte, 8, 8+len(header)+8)
	binary.LittleEndian.PutUint64(st, uint64(len(header)))
	st = append(st, header...)
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], math.Float32bits(1))
	binary.LittleEndian.PutUint32(payload[4:8], math.Float32bits(2))
	st = append(st, payload...)
	if err := os.WriteFile(filepath.Join(dir, "model.safetensors"), st, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestResolveLocalGGUFByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	writeGGUFModel(t, path)

	res, err := NewResolver().Resolve(context.Background(), path)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Source != SourceGGUFFile {
		t.Errorf("expected gguf source, got %s", res.Source)
	}
	if res.WeightsPath != path {
		t.Errorf("expected weights path %s, got %s", path, res.WeightsPath)
	}
}

func TestResolveSniffsGGUFMagic(t *testing.T) {
	// An extensionless blob, like an ollama download.
	path := filepath.Join(t.TempDir(), "sha256-abc123")
	writeGGUFModel(t, path)

	res, err := NewResolver().Resolve(context.Background(), path)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Source != SourceGGUFFile {
		t.Errorf("expected gguf source from magic sniff, got %s", res.Source)
	}
}

func TestResolveRejectsUnknownFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not a model"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewResolver().Resolve(context.Background(), path); err == nil {
		t.Error("expected error for unrecognized file")
	}
}

func TestResolveLocalDir(t *testing.T) {
	dir := writeCheckpointDir(t)

	res, err := NewResolver().Resolve(context.Background(), dir)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Source != SourceLocalDir {
		t.Errorf("expected local-dir source, got %s", res.Source)
	}
	if res.TokenizerPath == "" {
		t.Error("expected tokenizer path to be picked up")
	}
}

func TestResolveLocalDirMissingConfig(t *testing.T) {
	dir := writeCheckpointDir(t)
	if err := os.Remove(filepath.Join(dir, "config.json")); err != nil {
		t.Fatal(err)
	}
	if _, err := NewResolver().Resolve(context.Background(), dir); err == nil {
		t.Error("expected error for checkpoint dir without config.json")
	}
}

func TestResolveOllamaPrefix(t *testing.T) {
	root := t.TempDir()
	manifestDir := filepath.Join(root, "manifests", ollama.DefaultRegistry, ollama.DefaultNamespace, "tinyllama")
	if err := os.MkdirAll(manifestDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest, err := json.Marshal(ollama.Manifest{
		SchemaVersion: 2,
		Layers: []ollama.Layer{
			{MediaType: ollama.MediaTypeModel, Digest: "sha256:feedface", Size: 4},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(manifestDir, "latest"), manifest, 0o644); err != nil {
		t.Fatal(err)
	}
	blobDir := filepath.Join(root, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(blobDir, "sha256-feedface"), []byte("GGUF"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OLLAMA_MODELS", root)

	res, err := NewResolver().Resolve(context.Background(), "ollama:tinyllama")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Source != SourceOllama {
		t.Errorf("expected ollama source, got %s", res.Source)
	}
}

func TestResolveMissEverywhere(t *testing.T) {
	t.Setenv("OLLAMA_MODELS", t.TempDir())

	_, err := NewResolver().Resolve(context.Background(), "no-such-model")
	if err == nil {
		t.Fatal("expected resolution to fail")
	}
	if !strings.Contains(err.Error(), "not a local path") {
		t.Errorf("error should say what was tried: %v", err)
	}
}

func TestLoadGGUFModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	writeGGUFModel(t, path)

	res, err := NewResolver().Resolve(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	m, err := Load(context.Background(), res)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer m.Close()

	if m.Info.Name != "tiny-test" {
		t.Errorf("expected name tiny-test, got %q", m.Info.Name)
	}
	if m.Info.Architecture != "llama" {
		t.Errorf("expected llama architecture, got %q", m.Info.Architecture)
	}
	if m.Info.Parameters != 64 {
		t.Errorf("expected 64 parameters, got %d", m.Info.Parameters)
	}
	if m.Info.VocabSize != 4 {
		t.Errorf("expected vocab size 4, got %d", m.Info.VocabSize)
	}
	if m.GGUF == nil {
		t.Fatal("expected GGUF handle for vocab access")
	}

	tensors := m.Weights.Tensors()
	if len(tensors) != 1 || tensors[0].Name != "token_embd.weight" {
		t.Fatalf("unexpected tensors: %+v", tensors)
	}
	vals, err := m.Weights.Float32("token_embd.weight")
	if err != nil {
		t.Fatalf("float32: %v", err)
	}
	if vals[63] != 63 {
		t.Errorf("expected last value 63, got %f", vals[63])
	}
	if _, err := m.Weights.Float32("missing.weight"); err == nil {
		t.Error("expected error for missing tensor")
	}
}

func TestLoadCheckpointDir(t *testing.T) {
	dir := writeCheckpointDir(t)

	res, err := NewResolver().Resolve(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	m, err := Load(context.Background(), res)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer m.Close()

	if m.Info.Architecture != "LlamaForCausalLM" {
		t.Errorf("expected LlamaForCausalLM, got %q", m.Info.Architecture)
	}
	if m.Info.Layers != 22 {
		t.Errorf("expected 22 layers, got %d", m.Info.Layers)
	}
	if m.Info.KVHeads != 4 {
		t.Errorf("expected 4 kv heads, got %d", m.Info.KVHeads)
	}
	if m.Info.Parameters != 2 {
		t.Errorf("expected 2 parameters, got %d", m.Info.Parameters)
	}
	if m.TokenizerPath == "" {
		t.Error("expected tokenizer path")
	}
	if m.Info.Quantization != "F32" {
		t.Errorf("expected dominant dtype F32, got %q", m.Info.Quantization)
	}
}

func TestLoadHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Load(ctx, &Resolved{Source: SourceGGUFFile, WeightsPath: "whatever.gguf"})
	if err == nil {
		t.Error("expected context error")
	}
}

func TestLoadHFConfigDefaultsKVHeads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"model_type":"llama","num_attention_heads":16}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadHFConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NumKeyValueHeads != 16 {
		t.Errorf("expected kv heads to default to 16, got %d", cfg.NumKeyValueHeads)
	}
	if cfg.PadTokenID != nil {
		t.Error("expected nil pad token id when absent")
	}
	if cfg.Architecture() != "llama" {
		t.Errorf("expected architecture fallback to model_type, got %q", cfg.Architecture())
	}
}
