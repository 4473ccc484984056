// Package hub fetches model files from the Hugging Face Hub through
// the local hf cache.
package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/seasonjs/hf-hub/api"

	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
)

// Standard files of a transformers causal LM checkpoint.
const (
	ConfigFile    = "config.json"
	TokenizerFile = "tokenizer.json"
	WeightsFile   = "model.safetensors"
)

type Client struct {
	api *api.Api
	log *logger.Logger
}

func NewClient() (*Client, error) {
	hapi, err := api.NewApi()
	if err != nil {
		return nil, fmt.Errorf("hub: init api: %w", err)
	}
	return &Client{api: hapi, log: logger.Log.With("hub")}, nil
}

// FetchFile downloads one file from a model repository and returns its
// local cache path. Files already in the cache are not fetched again.
func (c *Client) FetchFile(ctx context.Context, modelID, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	start := time.Now()
	path, err := c.api.Model(modelID).Get(filename)
	if err != nil {
		return "", fmt.Errorf("hub: fetch %s from %s: %w", filename, modelID, err)
	}

	metrics.RecordHubDownload(filename)
	c.log.Debug("fetched file",
		"model", modelID,
		"file", filename,
		"path", path,
		"elapsed", time.Since(start))
	return path, nil
}

// Checkpoint holds local paths for the files a pretrained model needs.
type Checkpoint struct {
	ModelID       string
	ConfigPath    string
	TokenizerPath string
	WeightsPath   string
}

// FetchCheckpoint downloads config, tokenizer and weights for a model.
func (c *Client) FetchCheckpoint(ctx context.Context, modelID string) (*Checkpoint, error) {
	ckpt := &Checkpoint{ModelID: modelID}

	targets := []struct {
		file string
		dst  *string
	}{
		{ConfigFile, &ckpt.ConfigPath},
		{TokenizerFile, &ckpt.TokenizerPath},
		{WeightsFile, &ckpt.WeightsPath},
	}
	for _, tgt := range targets {
		path, err := c.FetchFile(ctx, modelID, tgt.file)
		if err != nil {
			return nil, err
		}
		*tgt.dst = path
	}

	c.log.Info("checkpoint ready", "model", modelID)
	return ckpt, nil
}
