// Package dataset assembles the prompt examples a fine-tuning run
// consumes. The zero-config path is a small built-in smoke set; JSONL
// files and Arrow Flight streams carry real data.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-fletcher/internal/metrics"
)

type Example struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type Dataset struct {
	Source   string
	Examples []Example
}

// builtinPrompts is the set a bare run fine-tunes on.
var builtinPrompts = []string{
	"What are the benefits of quantum computing?",
	"Explain the concept of blockchain in simple terms.",
	"Write a short story about a brave knight.",
}

// Builtin returns the built-in prompt set used when no dataset flag is
// given.
func Builtin() *Dataset {
	ds := &Dataset{Source: "builtin"}
	for i, text := range builtinPrompts {
		ds.Examples = append(ds.Examples, Example{
			ID:   fmt.Sprintf("sample-%04d", i+1),
			Text: text,
		})
	}
	metrics.RecordDataset(ds.Source, len(ds.Examples))
	return ds
}

// jsonlLine matches both the text and prompt spellings seen in
// prompt dumps.
type jsonlLine struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Prompt string `json:"prompt"`
}

// LoadJSONL reads one JSON object per line, each with a text (or
// prompt) field and an optional id. Blank lines are skipped.
func LoadJSONL(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ds := &Dataset{Source: "jsonl"}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec jsonlLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("dataset %s line %d: %w", path, lineNo, err)
		}
		ex := Example{ID: rec.ID, Text: rec.Text}
		if ex.Text == "" {
			ex.Text = rec.Prompt
		}
		if ex.Text == "" {
			return nil, fmt.Errorf("dataset %s line %d: empty text", path, lineNo)
		}
		if ex.ID == "" {
			ex.ID = fmt.Sprintf("sample-%04d", len(ds.Examples)+1)
		}
		ds.Examples = append(ds.Examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	if len(ds.Examples) == 0 {
		return nil, fmt.Errorf("dataset %s: no examples", path)
	}

	metrics.RecordDataset(ds.Source, len(ds.Examples))
	return ds, nil
}

// Fingerprint hashes ids and texts into a stable seed for the
// simulated trainer.
func (d *Dataset) Fingerprint() uint64 {
	h := xxhash.New()
	for _, ex := range d.Examples {
		_, _ = h.WriteString(ex.ID)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(ex.Text)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// Batches splits the examples into slices of at most size.
func (d *Dataset) Batches(size int) [][]Example {
	if size <= 0 {
		size = 1
	}
	var out [][]Example
	for i := 0; i < len(d.Examples); i += size {
		end := i + size
		if end > len(d.Examples) {
			end = len(d.Examples)
		}
		out = append(out, d.Examples[i:end])
	}
	return out
}

// Schema is the Arrow schema flight datasets carry: utf8 id and text
// columns.
func Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
		{Name: "text", Type: arrow.BinaryTypes.String},
	}, nil)
}

// Record builds an Arrow record of the dataset for serving it over
// flight. The caller releases it.
func (d *Dataset) Record(mem memory.Allocator) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema())
	defer b.Release()

	idB := b.Field(0).(*array.StringBuilder)
	textB := b.Field(1).(*array.StringBuilder)
	for _, ex := range d.Examples {
		idB.Append(ex.ID)
		textB.Append(ex.Text)
	}
	return b.NewRecord()
}
