package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/model"
	"github.com/23skdu/longbow-fletcher/internal/tokenizer"
)

// Round-trips a string through a model's tokenizer, for eyeballing
// vocab coverage and byte fallback.
func main() {
	modelRef := flag.String("model", "", "Model reference carrying the tokenizer")
	text := flag.String("text", "Hello, what is the capital of France?", "Text to round-trip")
	special := flag.Bool("special", true, "Add special tokens while encoding")
	flag.Parse()

	logger.Setup("warn", "console")

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

	tok, err := tokenizer.ForModel(m)
	if err != nil {
		logger.Log.Fatal("no tokenizer", "error", err.Error())
	}
	defer tok.Close()

	ids, err := tok.Encode(*text, *special)
	if err != nil {
		logger.Log.Fatal("encode failed", "error", err.Error())
	}
	decoded, err := tok.Decode(ids)
	if err != nil {
		logger.Log.Fatal("decode failed", "error", err.Error())
	}

	fmt.Printf("Text:    %q\n", *text)
	fmt.Printf("Tokens:  %d\n", len(ids))
	fmt.Printf("IDs:     %v\n", ids)
	fmt.Printf("Decoded: %q\n", decoded)
	fmt.Printf("Vocab:   %d (eos %d, pad %d)\n", tok.VocabSize(), tok.EOS(), tok.Pad())
}
