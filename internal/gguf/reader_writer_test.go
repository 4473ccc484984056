package gguf

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeTestModel(t *testing.T) string {
	t.Helper()

	w := NewWriter()
	w.AddString("general.architecture", "llama")
	w.AddString("general.name", "test-model")
	w.AddUint32("general.file_type", 15)
	w.AddUint32("llama.context_length", 2048)
	w.AddUint32("llama.embedding_length", 64)
	w.AddUint32("llama.block_count", 2)
	w.AddUint32("llama.attention.head_count", 4)
	w.AddFloat32("llama.rope.freq_base", 10000)
	w.AddBool("general.test_flag", true)
	w.AddStringArray("tokenizer.ggml.tokens", []string{"<s>", "</s>", "hello"})

	embed := make([]byte, 64*4)
	for i := 0; i < 64; i++ {
		binary.LittleEndian.PutUint32(embed[i*4:], math.Float32bits(float32(i)))
	}
	if err := w.AddTensor("token_embd.weight", []uint64{64}, GGMLTypeF32, embed); err != nil {
		t.Fatalf("add tensor: %v", err)
	}

	weights := make([]float32, 256)
	for i := range weights {
		weights[i] = float32(i%16)/8 - 1
	}
	packed, err := QuantizeQ4K(weights)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if err := w.AddTensor("blk.0.attn_q.weight", []uint64{16, 16}, GGMLTypeQ4_K, packed); err != nil {
		t.Fatalf("add tensor: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestWriterReaderRoundTrip(t *testing.T) {
	path := writeTestModel(t)

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer f.Close()

	if f.Header.Magic != GGUFMagic {
		t.Errorf("expected magic %x, got %x", GGUFMagic, f.Header.Magic)
	}
	if f.Header.Version != GGUFVersion {
		t.Errorf("expected version %d, got %d", GGUFVersion, f.Header.Version)
	}
	if f.Header.TensorCount != 2 {
		t.Errorf("expected 2 tensors, got %d", f.Header.TensorCount)
	}

	if got := f.Str("general.architecture"); got != "llama" {
		t.Errorf("expected architecture llama, got %q", got)
	}
	if got := f.Uint("llama.context_length"); got != 2048 {
		t.Errorf("expected context length 2048, got %d", got)
	}
	if got := f.Float("llama.rope.freq_base"); got != 10000 {
		t.Errorf("expected freq base 10000, got %f", got)
	}
	if flag, ok := f.KV["general.test_flag"].(bool); !ok || !flag {
		t.Errorf("expected test_flag true, got %v", f.KV["general.test_flag"])
	}
	tokens := f.Strings("tokenizer.ggml.tokens")
	if len(tokens) != 3 || tokens[2] != "hello" {
		t.Errorf("expected 3 tokens ending in hello, got %v", tokens)
	}
}

func TestWriterReaderTensorData(t *testing.T) {
	path := writeTestModel(t)

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer f.Close()

	embed, ok := f.Tensor("token_embd.weight")
	if !ok {
		t.Fatal("token_embd.weight not found")
	}
	if embed.Type != GGMLTypeF32 {
		t.Errorf("expected F32, got %s", embed.Type)
	}
	vals, err := Materialize(embed)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	for i, v := range vals {
		if v != float32(i) {
			t.Fatalf("value %d: expected %d, got %f", i, i, v)
		}
	}

	quant, ok := f.Tensor("blk.0.attn_q.weight")
	if !ok {
		t.Fatal("blk.0.attn_q.weight not found")
	}
	if quant.Type != GGMLTypeQ4_K {
		t.Errorf("expected Q4_K, got %s", quant.Type)
	}
	restored, err := Materialize(quant)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	for i, v := range restored {
		want := float64(float32(i%16)/8 - 1)
		if math.Abs(float64(v)-want) > 0.15 {
			t.Fatalf("value %d: expected about %f, got %f", i, want, v)
		}
	}
}

func TestWriterAlignsTensorOffsets(t *testing.T) {
	path := writeTestModel(t)

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer f.Close()

	for _, tensor := range f.Tensors {
		if tensor.Offset%DefaultAlignment != 0 {
			t.Errorf("tensor %s: offset %d not %d-byte aligned",
				tensor.Name, tensor.Offset, DefaultAlignment)
		}
	}
}

func TestAddTensorRejectsSizeMismatch(t *testing.T) {
	w := NewWriter()
	err := w.AddTensor("bad.weight", []uint64{64}, GGMLTypeF32, make([]byte, 10))
	if err == nil {
		t.Error("expected error for data size mismatch, got nil")
	}
}

func TestLoadFileRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gguf")
	data := make([]byte, 64)
	binary.LittleEndian.PutUint32(data[0:4], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(data[4:8], 3)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error for bad magic, got nil")
	}
	var magicErr ErrInvalidMagic
	if !errors.As(err, &magicErr) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}
	if magicErr.Magic != 0xDEADBEEF {
		t.Errorf("expected magic 0xDEADBEEF in error, got %x", magicErr.Magic)
	}
}

func TestLoadFileRejectsUnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.gguf")
	data := make([]byte, 64)
	binary.LittleEndian.PutUint32(data[0:4], GGUFMagic)
	binary.LittleEndian.PutUint32(data[4:8], 1)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error for version 1, got nil")
	}
	var verErr ErrUnsupportedVersion
	if !errors.As(err, &verErr) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestLoadFileRejectsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.gguf")
	if err := os.WriteFile(path, []byte{0x47, 0x47}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for truncated file, got nil")
	}
}
