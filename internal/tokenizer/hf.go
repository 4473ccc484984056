package tokenizer

import (
	"fmt"
	"time"

	"github.com/daulet/tokenizers"

	"github.com/23skdu/longbow-fletcher/internal/metrics"
)

type hfTokenizer struct {
	tk  *tokenizers.Tokenizer
	eos uint32
	pad uint32
}

// NewHF loads a tokenizer.json with the Hugging Face tokenizers
// runtime. pad defaults to eos when the checkpoint defines none.
func NewHF(path string, eos uint32, pad *uint32) (Tokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load %s: %w", path, err)
	}

	t := &hfTokenizer{tk: tk, eos: eos, pad: eos}
	if pad != nil {
		t.pad = *pad
	}
	return t, nil
}

func (t *hfTokenizer) Encode(text string, addSpecial bool) ([]uint32, error) {
	start := time.Now()
	ids, _ := t.tk.Encode(text, addSpecial)
	metrics.RecordTokenize(len(ids), time.Since(start))
	return ids, nil
}

func (t *hfTokenizer) Decode(ids []uint32) (string, error) {
	return t.tk.Decode(ids, true), nil
}

func (t *hfTokenizer) VocabSize() int { return int(t.tk.VocabSize()) }
func (t *hfTokenizer) EOS() uint32    { return t.eos }
func (t *hfTokenizer) Pad() uint32    { return t.pad }
func (t *hfTokenizer) Close() error   { return t.tk.Close() }
