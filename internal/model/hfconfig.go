package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// HFConfig is the subset of a transformers config.json this tool cares
// about. Llama-family checkpoints fill all of it; other architectures
// may leave fields zero.
type HFConfig struct {
	Architectures         []string `json:"architectures"`
	ModelType             string   `json:"model_type"`
	HiddenSize            int      `json:"hidden_size"`
	IntermediateSize      int      `json:"intermediate_size"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	NumKeyValueHeads      int      `json:"num_key_value_heads"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	VocabSize             int      `json:"vocab_size"`
	TorchDtype            string   `json:"torch_dtype"`
	BOSTokenID            int      `json:"bos_token_id"`
	EOSTokenID            int      `json:"eos_token_id"`
	PadTokenID            *int     `json:"pad_token_id"`
}

func LoadHFConfig(path string) (*HFConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}

	var cfg HFConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("model config %s: %w", path, err)
	}

	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	return &cfg, nil
}

// Architecture names the primary architecture, e.g. LlamaForCausalLM.
func (c *HFConfig) Architecture() string {
	if len(c.Architectures) > 0 {
		return c.Architectures[0]
	}
	return c.ModelType
}
