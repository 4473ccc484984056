// Package tokenizer turns prompt text into token ids and back. It
// reads either the vocabulary embedded in a GGUF file or a
// tokenizer.json through the Hugging Face tokenizers runtime.
package tokenizer

import (
	"fmt"

	"github.com/23skdu/longbow-fletcher/internal/model"
)

type Tokenizer interface {
	Encode(text string, addSpecial bool) ([]uint32, error)
	Decode(ids []uint32) (string, error)
	VocabSize() int
	EOS() uint32
	Pad() uint32
	Close() error
}

// ForModel picks the backend a loaded model supports: the embedded
// GGUF vocabulary when present, otherwise the checkpoint's
// tokenizer.json.
func ForModel(m *model.Model) (Tokenizer, error) {
	if m.GGUF != nil {
		return NewFromGGUF(m.GGUF)
	}
	if m.TokenizerPath != "" {
		eos := uint32(2) // llama-family default
		var pad *uint32
		if m.HFConfig != nil {
			eos = uint32(m.HFConfig.EOSTokenID)
			if m.HFConfig.PadTokenID != nil {
				p := uint32(*m.HFConfig.PadTokenID)
				pad = &p
			}
		}
		return NewHF(m.TokenizerPath, eos, pad)
	}
	return nil, fmt.Errorf("tokenizer: model %s carries no tokenizer", m.Info.Name)
}
