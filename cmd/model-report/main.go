package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/23skdu/longbow-fletcher/internal/gguf"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/model"
)

// Keys whose values are too large to dump inline.
var skippedKV = map[string]bool{
	"tokenizer.ggml.tokens":     true,
	"tokenizer.ggml.merges":     true,
	"tokenizer.ggml.scores":     true,
	"tokenizer.ggml.token_type": true,
}

func main() {
	modelRef := flag.String("model", "", "HF repo id, ollama model name, GGUF path, or local checkpoint dir")
	showKV := flag.Bool("kv", false, "Dump GGUF metadata keys")
	showTensors := flag.Bool("tensors", false, "List every tensor")
	validate := flag.Bool("validate", false, "Check that tensor offsets line up")
	logLevel := flag.String("log-level", "warn", "debug, info, warn or error")
	flag.Parse()

	logger.Setup(*logLevel, "console")

	if *modelRef == "" {
		flag.Usage()
		logger.Log.Fatal("-model is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := model.NewResolver().Resolve(ctx, *modelRef)
	if err != nil {
		logger.Log.Fatal("resolve failed", "model", *modelRef, "error", err.Error())
	}
	m, err := model.Load(ctx, res)
	if err != nil {
		logger.Log.Fatal("load failed", "model", *modelRef, "error", err.Error())
	}
	defer m.Close()

	if m.GGUF == nil {
		printInfo(m)
	} else {
		analyzer := gguf.NewMetadataAnalyzer(m.GGUF)
		report, err := analyzer.Analyze()
		if err != nil {
			logger.Log.Fatal("analyze failed", "error", err.Error())
		}
		fmt.Print(report.String())

		if *validate {
			issues, err := analyzer.ValidateTensors()
			if err != nil {
				logger.Log.Fatal("validate failed", "error", err.Error())
			}
			fmt.Println("\n=== Tensor Validation ===")
			if len(issues) == 0 {
				fmt.Println("all offsets line up")
			}
			for _, issue := range issues {
				fmt.Println(issue)
			}
		}

		if *showKV {
			fmt.Println("\n=== Metadata (KV) ===")
			keys := make([]string, 0, len(m.GGUF.KV))
			for k := range m.GGUF.KV {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if skippedKV[k] {
					fmt.Printf("%s: [skipped large data]\n", k)
					continue
				}
				fmt.Printf("%s: %v\n", k, m.GGUF.KV[k])
			}
		}
	}

	if *showTensors {
		fmt.Println("\n=== Tensors ===")
		for _, t := range m.Weights.Tensors() {
			fmt.Printf("%-40s %-12v %s\n", t.Name, t.Shape, t.DType)
		}
	}
}

// printInfo covers safetensors checkpoints, which have no GGUF
// analyzer report.
func printInfo(m *model.Model) {
	i := m.Info
	fmt.Println("Model Summary")
	fmt.Println("=============")
	fmt.Printf("Name:             %s\n", i.Name)
	fmt.Printf("Source:           %s\n", m.Source)
	fmt.Printf("Architecture:     %s\n", i.Architecture)
	fmt.Printf("Layers:           %d\n", i.Layers)
	fmt.Printf("Hidden Size:      %d\n", i.HiddenSize)
	fmt.Printf("Attention Heads:  %d\n", i.AttentionHeads)
	fmt.Printf("KV Heads:         %d\n", i.KVHeads)
	fmt.Printf("Context Length:   %d\n", i.ContextLength)
	fmt.Printf("Vocab Size:       %d\n", i.VocabSize)
	fmt.Printf("Quantization:     %s\n", i.Quantization)
	fmt.Printf("Parameters:       %d (%.2fB)\n", i.Parameters, float64(i.Parameters)/1e9)
	fmt.Printf("Tensors:          %d\n", len(m.Weights.Tensors()))
}
