// Package model resolves checkpoint references and loads weights from
// GGUF files, safetensors files, local transformers directories, the
// local ollama store or the Hugging Face Hub.
package model

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/23skdu/longbow-fletcher/internal/gguf"
	"github.com/23skdu/longbow-fletcher/internal/hub"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
	"github.com/23skdu/longbow-fletcher/internal/ollama"
	"github.com/23skdu/longbow-fletcher/internal/safetensors"
)

type Source int

const (
	SourceUnknown Source = iota
	SourceGGUFFile
	SourceSafetensorsFile
	SourceLocalDir
	SourceOllama
	SourceHub
)

func (s Source) String() string {
	switch s {
	case SourceGGUFFile:
		return "gguf"
	case SourceSafetensorsFile:
		return "safetensors"
	case SourceLocalDir:
		return "local-dir"
	case SourceOllama:
		return "ollama"
	case SourceHub:
		return "hub"
	}
	return "unknown"
}

// Resolved names the local files behind a model reference. WeightsPath
// is always set; ConfigPath and TokenizerPath only for transformers
// checkpoints.
type Resolved struct {
	Ref           string
	Source        Source
	WeightsPath   string
	ConfigPath    string
	TokenizerPath string
}

type Resolver struct {
	hub *hub.Client
	log *logger.Logger
}

func NewResolver() *Resolver {
	return &Resolver{log: logger.Log.With("model")}
}

// Resolve maps a reference to local files. It tries, in order: an
// explicit ollama: prefix, an existing local path, a Hub repo id
// (owner/name), and finally the local ollama store.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Resolved, error) {
	if rest, ok := strings.CutPrefix(ref, "ollama:"); ok {
		return r.resolveOllama(rest)
	}

	if info, err := os.Stat(ref); err == nil {
		if info.IsDir() {
			return r.resolveLocalDir(ref)
		}
		return r.resolveLocalFile(ref)
	}

	if strings.Contains(ref, "/") {
		return r.resolveHub(ctx, ref)
	}

	res, err := r.resolveOllama(ref)
	if err != nil {
		return nil, fmt.Errorf("model: %s is not a local path, an HF repo id, or a pulled ollama model: %w", ref, err)
	}
	return res, nil
}

func (r *Resolver) resolveOllama(ref string) (*Resolved, error) {
	path, err := ollama.ResolveModelPath(ref)
	if err != nil {
		return nil, err
	}
	return &Resolved{Ref: ref, Source: SourceOllama, WeightsPath: path}, nil
}

func (r *Resolver) resolveLocalFile(path string) (*Resolved, error) {
	switch filepath.Ext(path) {
	case ".gguf":
		return &Resolved{Ref: path, Source: SourceGGUFFile, WeightsPath: path}, nil
	case ".safetensors":
		return &Resolved{Ref: path, Source: SourceSafetensorsFile, WeightsPath: path}, nil
	}

	isGGUF, err := sniffGGUF(path)
	if err != nil {
		return nil, err
	}
	if isGGUF {
		return &Resolved{Ref: path, Source: SourceGGUFFile, WeightsPath: path}, nil
	}
	return nil, fmt.Errorf("model: cannot tell what %s is; expected .gguf or .safetensors", path)
}

func (r *Resolver) resolveLocalDir(dir string) (*Resolved, error) {
	res := &Resolved{
		Ref:         dir,
		Source:      SourceLocalDir,
		WeightsPath: filepath.Join(dir, hub.WeightsFile),
		ConfigPath:  filepath.Join(dir, hub.ConfigFile),
	}
	if _, err := os.Stat(res.WeightsPath); err != nil {
		return nil, fmt.Errorf("model: %s has no %s: %w", dir, hub.WeightsFile, err)
	}
	if _, err := os.Stat(res.ConfigPath); err != nil {
		return nil, fmt.Errorf("model: %s has no %s: %w", dir, hub.ConfigFile, err)
	}
	if tok := filepath.Join(dir, hub.TokenizerFile); fileExists(tok) {
		res.TokenizerPath = tok
	}
	return res, nil
}

func (r *Resolver) resolveHub(ctx context.Context, modelID string) (*Resolved, error) {
	if r.hub == nil {
		client, err := hub.NewClient()
		if err != nil {
			return nil, err
		}
		r.hub = client
	}

	ckpt, err := r.hub.FetchCheckpoint(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return &Resolved{
		Ref:           modelID,
		Source:        SourceHub,
		WeightsPath:   ckpt.WeightsPath,
		ConfigPath:    ckpt.ConfigPath,
		TokenizerPath: ckpt.TokenizerPath,
	}, nil
}

func sniffGGUF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := f.Read(magic[:]); err != nil {
		return false, err
	}
	return binary.LittleEndian.Uint32(magic[:]) == gguf.GGUFMagic, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Info summarizes a loaded model regardless of its source format.
type Info struct {
	Name           string
	Architecture   string
	Parameters     int64
	Layers         int
	HiddenSize     int
	AttentionHeads int
	KVHeads        int
	ContextLength  int
	VocabSize      int
	Quantization   string
}

type Model struct {
	Info    Info
	Source  Source
	Weights Weights

	// GGUF is retained for gguf-backed models so the tokenizer can
	// read the embedded vocabulary. It shares the Weights mapping.
	GGUF *gguf.GGUFFile

	// HFConfig and TokenizerPath are set for transformers checkpoints.
	HFConfig      *HFConfig
	TokenizerPath string
}

func (m *Model) Close() error {
	return m.Weights.Close()
}

// Load opens the resolved checkpoint and summarizes it.
func Load(ctx context.Context, res *Resolved) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	log := logger.Log.With("model")

	var m *Model
	var err error
	switch res.Source {
	case SourceGGUFFile, SourceOllama:
		m, err = loadGGUF(res)
	case SourceSafetensorsFile, SourceLocalDir, SourceHub:
		m, err = loadSafetensors(res)
	default:
		err = fmt.Errorf("model: unresolved source for %s", res.Ref)
	}
	if err != nil {
		return nil, err
	}

	var bytes int64
	for _, t := range m.Weights.Tensors() {
		bytes += int64(t.Bytes)
	}
	metrics.RecordModelLoad(m.Info.Parameters, len(m.Weights.Tensors()), bytes, time.Since(start))

	log.Info("model loaded",
		"name", m.Info.Name,
		"source", m.Source.String(),
		"arch", m.Info.Architecture,
		"parameters", m.Info.Parameters,
		"quantization", m.Info.Quantization,
		"elapsed", time.Since(start))
	return m, nil
}

func loadGGUF(res *Resolved) (*Model, error) {
	f, err := gguf.LoadFile(res.WeightsPath)
	if err != nil {
		return nil, err
	}

	report, err := gguf.NewMetadataAnalyzer(f).Analyze()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	name := report.ModelName
	if name == "" {
		name = res.Ref
	}

	return &Model{
		Info: Info{
			Name:           name,
			Architecture:   report.Architecture,
			Parameters:     report.TotalParameters,
			Layers:         report.BlockCount,
			HiddenSize:     report.EmbeddingLength,
			AttentionHeads: report.AttentionHeads,
			KVHeads:        report.KVHeads,
			ContextLength:  report.ContextLength,
			VocabSize:      report.VocabSize,
			Quantization:   report.Quantization,
		},
		Source:  res.Source,
		Weights: &ggufWeights{file: f},
		GGUF:    f,
	}, nil
}

func loadSafetensors(res *Resolved) (*Model, error) {
	st, err := safetensors.LoadFile(res.WeightsPath)
	if err != nil {
		return nil, err
	}

	var params int64
	dtypes := make(map[string]int)
	for _, t := range st.Tensors {
		params += int64(t.NumElements())
		dtypes[t.DType]++
	}

	info := Info{
		Name:         res.Ref,
		Parameters:   params,
		Quantization: dominantDType(dtypes),
	}

	var cfg *HFConfig
	if res.ConfigPath != "" {
		cfg, err = LoadHFConfig(res.ConfigPath)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		info.Architecture = cfg.Architecture()
		info.Layers = cfg.NumHiddenLayers
		info.HiddenSize = cfg.HiddenSize
		info.AttentionHeads = cfg.NumAttentionHeads
		info.KVHeads = cfg.NumKeyValueHeads
		info.ContextLength = cfg.MaxPositionEmbeddings
		info.VocabSize = cfg.VocabSize
	}

	return &Model{
		Info:          info,
		Source:        res.Source,
		Weights:       &safetensorsWeights{file: st},
		HFConfig:      cfg,
		TokenizerPath: res.TokenizerPath,
	}, nil
}

func dominantDType(counts map[string]int) string {
	best, n := "unknown", 0
	for dt, c := range counts {
		if c > n {
			best, n = dt, c
		}
	}
	return best
}
