package tokenizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/23skdu/longbow-fletcher/internal/gguf"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
)

// spm marks a word boundary in SentencePiece vocabularies.
const spm = "▁"

// vocabTokenizer encodes with greedy longest-match over the GGUF
// vocabulary, falling back to <0xNN> byte tokens.
type vocabTokenizer struct {
	tokens   []string
	ids      map[string]uint32
	maxPiece int

	bos uint32
	eos uint32
	pad uint32
	unk uint32
}

// NewFromGGUF builds a tokenizer from the vocabulary a GGUF model
// embeds. Pad defaults to EOS when the model defines none.
func NewFromGGUF(f *gguf.GGUFFile) (Tokenizer, error) {
	tokens := f.Strings("tokenizer.ggml.tokens")
	if len(tokens) == 0 {
		return nil, fmt.Errorf("tokenizer: no tokenizer.ggml.tokens in GGUF")
	}

	t := &vocabTokenizer{
		tokens: tokens,
		ids:    make(map[string]uint32, len(tokens)),
	}
	for i, tok := range tokens {
		t.ids[tok] = uint32(i)
		if len(tok) > t.maxPiece {
			t.maxPiece = len(tok)
		}
	}

	t.bos = uint32(f.Uint("tokenizer.ggml.bos_token_id"))
	t.eos = uint32(f.Uint("tokenizer.ggml.eos_token_id"))
	t.unk = uint32(f.Uint("tokenizer.ggml.unknown_token_id"))
	if _, ok := f.KV["tokenizer.ggml.padding_token_id"]; ok {
		t.pad = uint32(f.Uint("tokenizer.ggml.padding_token_id"))
	} else {
		t.pad = t.eos
		logger.Log.With("tokenizer").Debug("no pad token defined; using eos", "pad", t.pad)
	}
	return t, nil
}

func (t *vocabTokenizer) Encode(text string, addSpecial bool) ([]uint32, error) {
	start := time.Now()

	var ids []uint32
	if addSpecial {
		ids = append(ids, t.bos)
	}

	piece := spm + strings.ReplaceAll(text, " ", spm)
	for i := 0; i < len(piece); {
		end := i + t.maxPiece
		if end > len(piece) {
			end = len(piece)
		}

		matched := false
		for j := end; j > i; j-- {
			if id, ok := t.ids[piece[i:j]]; ok {
				ids = append(ids, id)
				i = j
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		if id, ok := t.ids[fmt.Sprintf("<0x%02X>", piece[i])]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, t.unk)
		}
		i++
	}

	metrics.RecordTokenize(len(ids), time.Since(start))
	return ids, nil
}

func (t *vocabTokenizer) Decode(ids []uint32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if int(id) >= len(t.tokens) {
			return "", fmt.Errorf("tokenizer: id %d outside vocabulary of %d", id, len(t.tokens))
		}
		if id == t.bos || id == t.eos || id == t.pad {
			continue
		}

		tok := t.tokens[id]
		if b, ok := parseByteToken(tok); ok {
			sb.WriteByte(b)
			continue
		}
		sb.WriteString(tok)
	}

	out := strings.ReplaceAll(sb.String(), spm, " ")
	return strings.TrimPrefix(out, " "), nil
}

func (t *vocabTokenizer) VocabSize() int { return len(t.tokens) }
func (t *vocabTokenizer) EOS() uint32    { return t.eos }
func (t *vocabTokenizer) Pad() uint32    { return t.pad }
func (t *vocabTokenizer) Close() error   { return nil }

func parseByteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	var b byte
	if _, err := fmt.Sscanf(tok, "<0x%02X>", &b); err != nil {
		return 0, false
	}
	return b, true
}
