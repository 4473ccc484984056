package main

import (
	"flag"
	"fmt"
	"sort"

	"github.com/23skdu/longbow-fletcher/internal/export"
	"github.com/23skdu/longbow-fletcher/internal/gguf"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
)

func main() {
	in := flag.String("in", "", "Source GGUF file")
	out := flag.String("out", "", "Destination GGUF file")
	dryRun := flag.Bool("dry-run", false, "Print the conversion plan without writing")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	logger.Setup(*logLevel, "console")
	log := logger.Log.With("quantize")

	if *in == "" {
		flag.Usage()
		logger.Log.Fatal("-in is required")
	}
	if *out == "" && !*dryRun {
		flag.Usage()
		logger.Log.Fatal("-out is required unless -dry-run is set")
	}

	f, err := gguf.LoadFile(*in)
	if err != nil {
		logger.Log.Fatal("load failed", "path", *in, "error", err.Error())
	}
	defer f.Close()

	w := gguf.NewWriter()
	for _, kv := range kvInOrder(f) {
		if kv.key == "general.file_type" {
			w.AddUint32(kv.key, 15) // Q4_K_M
			continue
		}
		if !copyKV(w, kv.key, kv.val) {
			log.Warn("dropping metadata key the writer cannot express", "key", kv.key, "type", fmt.Sprintf("%T", kv.val))
		}
	}

	fmt.Printf("Quantization Plan: %s\n", *in)
	fmt.Println("==================")

	var converted, kept int
	var bytesIn, bytesOut uint64
	for _, t := range f.Tensors {
		srcBytes := t.SizeBytes()
		bytesIn += srcBytes

		if t.Type != gguf.GGMLTypeQ4_K && export.ShouldQuantize(t.Name, t.Dimensions) {
			dstBytes := t.NumElements() / gguf.GGMLTypeQ4_K.BlockSize() * gguf.GGMLTypeQ4_K.BlockBytes()
			fmt.Printf("  %-40s %-12v %s -> Q4_K (%d -> %d bytes)\n",
				t.Name, t.Dimensions, t.Type, srcBytes, dstBytes)
			converted++
			bytesOut += dstBytes

			if !*dryRun {
				values, err := gguf.Materialize(t)
				if err != nil {
					logger.Log.Fatal("dequantize failed", "tensor", t.Name, "error", err.Error())
				}
				blob, err := gguf.QuantizeQ4K(values)
				if err != nil {
					logger.Log.Fatal("quantize failed", "tensor", t.Name, "error", err.Error())
				}
				if err := w.AddTensor(t.Name, t.Dimensions, gguf.GGMLTypeQ4_K, blob); err != nil {
					logger.Log.Fatal("add tensor failed", "tensor", t.Name, "error", err.Error())
				}
				metrics.RecordQuantizedTensor(gguf.GGMLTypeQ4_K.String(), int64(srcBytes), int64(len(blob)))
			}
			continue
		}

		fmt.Printf("  %-40s %-12v %s (kept)\n", t.Name, t.Dimensions, t.Type)
		kept++
		bytesOut += srcBytes
		if !*dryRun {
			if err := w.AddTensor(t.Name, t.Dimensions, t.Type, t.Data); err != nil {
				logger.Log.Fatal("add tensor failed", "tensor", t.Name, "error", err.Error())
			}
		}
	}

	ratio := 1.0
	if bytesOut > 0 {
		ratio = float64(bytesIn) / float64(bytesOut)
	}
	fmt.Printf("Totals: %d converted, %d kept, %d -> %d bytes (%.2fx)\n",
		converted, kept, bytesIn, bytesOut, ratio)

	if *dryRun {
		return
	}

	if err := w.WriteFile(*out); err != nil {
		logger.Log.Fatal("write failed", "path", *out, "error", err.Error())
	}
	log.Info("quantized model written", "path", *out, "converted", converted, "kept", kept)
}

type kvEntry struct {
	key string
	val interface{}
}

// kvInOrder sorts metadata keys so reruns produce identical files.
func kvInOrder(f *gguf.GGUFFile) []kvEntry {
	entries := make([]kvEntry, 0, len(f.KV))
	for k, v := range f.KV {
		entries = append(entries, kvEntry{k, v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	return entries
}

// copyKV re-encodes a metadata value through the writer, widening
// narrow integers. Int64/float64 and mixed arrays have no writer
// form and are reported back as uncopyable.
func copyKV(w *gguf.Writer, key string, val interface{}) bool {
	switch v := val.(type) {
	case string:
		w.AddString(key, v)
	case bool:
		w.AddBool(key, v)
	case uint8:
		w.AddUint32(key, uint32(v))
	case uint16:
		w.AddUint32(key, uint32(v))
	case uint32:
		w.AddUint32(key, v)
	case uint64:
		w.AddUint64(key, v)
	case int8:
		w.AddInt32(key, int32(v))
	case int16:
		w.AddInt32(key, int32(v))
	case int32:
		w.AddInt32(key, v)
	case float32:
		w.AddFloat32(key, v)
	case []interface{}:
		return copyArray(w, key, v)
	default:
		return false
	}
	return true
}

func copyArray(w *gguf.Writer, key string, vals []interface{}) bool {
	if len(vals) == 0 {
		return false
	}
	switch vals[0].(type) {
	case string:
		out := make([]string, 0, len(vals))
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				return false
			}
			out = append(out, s)
		}
		w.AddStringArray(key, out)
	case int32:
		out := make([]int32, 0, len(vals))
		for _, v := range vals {
			n, ok := v.(int32)
			if !ok {
				return false
			}
			out = append(out, n)
		}
		w.AddInt32Array(key, out)
	case float32:
		out := make([]float32, 0, len(vals))
		for _, v := range vals {
			n, ok := v.(float32)
			if !ok {
				return false
			}
			out = append(out, n)
		}
		w.AddFloat32Array(key, out)
	default:
		return false
	}
	return true
}
