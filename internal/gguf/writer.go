package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Writer builds a GGUF file: header, metadata, tensor table, then the
// aligned data section. KV pairs and tensors land in insertion order.
type Writer struct {
	kvs       []kvPair
	tensors   []writerTensor
	alignment uint64
}

type kvPair struct {
	key string
	typ GGUFMetadataValueType
	val interface{}
}

type writerTensor struct {
	name string
	dims []uint64
	typ  GGMLType
	data []byte
}

func NewWriter() *Writer {
	return &Writer{alignment: DefaultAlignment}
}

func (w *Writer) AddString(key, val string) {
	w.kvs = append(w.kvs, kvPair{key, GGUFMetadataValueTypeString, val})
}

func (w *Writer) AddUint32(key string, val uint32) {
	w.kvs = append(w.kvs, kvPair{key, GGUFMetadataValueTypeUint32, val})
}

func (w *Writer) AddUint64(key string, val uint64) {
	w.kvs = append(w.kvs, kvPair{key, GGUFMetadataValueTypeUint64, val})
}

func (w *Writer) AddInt32(key string, val int32) {
	w.kvs = append(w.kvs, kvPair{key, GGUFMetadataValueTypeInt32, val})
}

func (w *Writer) AddFloat32(key string, val float32) {
	w.kvs = append(w.kvs, kvPair{key, GGUFMetadataValueTypeFloat32, val})
}

func (w *Writer) AddBool(key string, val bool) {
	w.kvs = append(w.kvs, kvPair{key, GGUFMetadataValueTypeBool, val})
}

func (w *Writer) AddStringArray(key string, vals []string) {
	w.kvs = append(w.kvs, kvPair{key, GGUFMetadataValueTypeArray, vals})
}

func (w *Writer) AddInt32Array(key string, vals []int32) {
	w.kvs = append(w.kvs, kvPair{key, GGUFMetadataValueTypeArray, vals})
}

func (w *Writer) AddFloat32Array(key string, vals []float32) {
	w.kvs = append(w.kvs, kvPair{key, GGUFMetadataValueTypeArray, vals})
}

// AddTensor queues tensor data for the data section. The byte length
// must match what the type and dimensions imply.
func (w *Writer) AddTensor(name string, dims []uint64, typ GGMLType, data []byte) error {
	expected := (&TensorInfo{Dimensions: dims, Type: typ}).SizeBytes()
	if expected == 0 {
		return fmt.Errorf("tensor %s: cannot size type %s", name, typ)
	}
	if uint64(len(data)) != expected {
		return fmt.Errorf("tensor %s: %s/%v needs %d bytes, got %d", name, typ, dims, expected, len(data))
	}
	w.tensors = append(w.tensors, writerTensor{name: name, dims: dims, typ: typ, data: data})
	return nil
}

// WriteFile writes the assembled GGUF to path, truncating any
// existing file.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	if err := w.writeTo(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (w *Writer) writeTo(out io.Writer) error {
	cw := &countingWriter{w: out}

	if err := binary.Write(cw, binary.LittleEndian, uint32(GGUFMagic)); err != nil {
		return err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(GGUFVersion)); err != nil {
		return err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint64(len(w.tensors))); err != nil {
		return err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint64(len(w.kvs))); err != nil {
		return err
	}

	for _, kv := range w.kvs {
		if err := writeString(cw, kv.key); err != nil {
			return err
		}
		if err := binary.Write(cw, binary.LittleEndian, uint32(kv.typ)); err != nil {
			return err
		}
		if err := writeValue(cw, kv.val); err != nil {
			return fmt.Errorf("kv %q: %w", kv.key, err)
		}
	}

	// Tensor offsets are relative to the aligned data start, each
	// tensor itself aligned.
	offsets := make([]uint64, len(w.tensors))
	off := uint64(0)
	for i, t := range w.tensors {
		off = alignUp(off, w.alignment)
		offsets[i] = off
		off += uint64(len(t.data))
	}

	for i, t := range w.tensors {
		if err := writeString(cw, t.name); err != nil {
			return err
		}
		if err := binary.Write(cw, binary.LittleEndian, uint32(len(t.dims))); err != nil {
			return err
		}
		for _, d := range t.dims {
			if err := binary.Write(cw, binary.LittleEndian, d); err != nil {
				return err
			}
		}
		if err := binary.Write(cw, binary.LittleEndian, uint32(t.typ)); err != nil {
			return err
		}
		if err := binary.Write(cw, binary.LittleEndian, offsets[i]); err != nil {
			return err
		}
	}

	if err := cw.pad(alignUp(cw.n, w.alignment)); err != nil {
		return err
	}

	dataStart := cw.n
	for i, t := range w.tensors {
		if err := cw.pad(dataStart + offsets[i]); err != nil {
			return err
		}
		if _, err := cw.Write(t.data); err != nil {
			return err
		}
	}

	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeValue(w io.Writer, val interface{}) error {
	switch v := val.(type) {
	case string:
		return writeString(w, v)
	case uint32, uint64, int32, float32, bool:
		return binary.Write(w, binary.LittleEndian, v)
	case []string:
		if err := writeArrayHeader(w, GGUFMetadataValueTypeString, len(v)); err != nil {
			return err
		}
		for _, s := range v {
			if err := writeString(w, s); err != nil {
				return err
			}
		}
		return nil
	case []int32:
		if err := writeArrayHeader(w, GGUFMetadataValueTypeInt32, len(v)); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, v)
	case []float32:
		if err := writeArrayHeader(w, GGUFMetadataValueTypeFloat32, len(v)); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, v)
	default:
		return fmt.Errorf("unsupported value type %T", val)
	}
}

func writeArrayHeader(w io.Writer, elem GGUFMetadataValueType, n int) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(elem)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint64(n))
}

func alignUp(n, alignment uint64) uint64 {
	if r := n % alignment; r != 0 {
		return n + alignment - r
	}
	return n
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// pad writes zero bytes until the count reaches target.
func (c *countingWriter) pad(target uint64) error {
	if c.n > target {
		return fmt.Errorf("writer past pad target: %d > %d", c.n, target)
	}
	if c.n == target {
		return nil
	}
	_, err := c.Write(make([]byte, target-c.n))
	return err
}
