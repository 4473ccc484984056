package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-fletcher/internal/gguf"
	"github.com/23skdu/longbow-fletcher/internal/logger"
)

// Writes a small llama-shaped GGUF (KVs, vocab, F32 tensors) so the
// pipeline can run end to end without downloading anything.
func main() {
	out := flag.String("out", "test.gguf", "Destination path")
	blocks := flag.Int("blocks", 2, "Transformer blocks to emit")
	embed := flag.Int("embed", 256, "Embedding length")
	seed := flag.Int64("seed", 42, "Weight generator seed")
	flag.Parse()

	logger.Setup("info", "console")

	if err := write(*out, *blocks, *embed, *seed); err != nil {
		logger.Log.Fatal("generate failed", "error", err.Error())
	}
	logger.Log.Info("fixture written", "path", *out, "blocks", *blocks, "embed", *embed)
}

func write(path string, blocks, embed int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	ffn := embed * 2

	tokens := []string{"<unk>", "<s>", "</s>",
		"▁the", "▁a", "▁what", "▁is", "▁of", "▁in", "▁and", "▁to", "▁hello", "▁world"}
	// Byte tokens give the vocab full byte-fallback coverage.
	for b := 0; b < 256; b++ {
		tokens = append(tokens, fmt.Sprintf("<0x%02X>", b))
	}

	w := gguf.NewWriter()
	w.AddString("general.architecture", "llama")
	w.AddString("general.name", "fletcher-tiny")
	w.AddUint32("general.file_type", 0) // all tensors F32
	w.AddUint32("llama.context_length", 2048)
	w.AddUint32("llama.embedding_length", uint32(embed))
	w.AddUint32("llama.block_count", uint32(blocks))
	w.AddUint32("llama.attention.head_count", 4)
	w.AddUint32("llama.attention.head_count_kv", 2)
	w.AddUint32("llama.feed_forward_length", uint32(ffn))
	w.AddString("tokenizer.ggml.model", "llama")
	w.AddStringArray("tokenizer.ggml.tokens", tokens)
	w.AddUint32("tokenizer.ggml.bos_token_id", 1)
	w.AddUint32("tokenizer.ggml.eos_token_id", 2)
	w.AddUint32("tokenizer.ggml.unknown_token_id", 0)

	vocab := len(tokens)
	add := func(name string, dims ...int) error {
		shape := make([]uint64, len(dims))
		n := 1
		for i, d := range dims {
			shape[i] = uint64(d)
			n *= d
		}
		data := make([]byte, n*4)
		for i := 0; i < n; i++ {
			v := float32(rng.Float64()*0.2 - 0.1)
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
		}
		return w.AddTensor(name, shape, gguf.GGMLTypeF32, data)
	}

	if err := add("token_embd.weight", embed, vocab); err != nil {
		return err
	}
	for b := 0; b < blocks; b++ {
		prefix := fmt.Sprintf("blk.%d.", b)
		if err := add(prefix+"attn_norm.weight", embed); err != nil {
			return err
		}
		for _, proj := range []string{"attn_q", "attn_k", "attn_v", "attn_output"} {
			if err := add(prefix+proj+".weight", embed, embed); err != nil {
				return err
			}
		}
		if err := add(prefix+"ffn_norm.weight", embed); err != nil {
			return err
		}
		if err := add(prefix+"ffn_gate.weight", embed, ffn); err != nil {
			return err
		}
		if err := add(prefix+"ffn_up.weight", embed, ffn); err != nil {
			return err
		}
		if err := add(prefix+"ffn_down.weight", ffn, embed); err != nil {
			return err
		}
	}
	if err := add("output_norm.weight", embed); err != nil {
		return err
	}
	if err := add("output.weight", embed, vocab); err != nil {
		return err
	}

	return w.WriteFile(path)
}
