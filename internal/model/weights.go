package model

import (
	"fmt"

	"github.com/23skdu/longbow-fletcher/internal/gguf"
	"github.com/23skdu/longbow-fletcher/internal/safetensors"
)

// TensorMeta describes one weight tensor without materializing it.
type TensorMeta struct {
	Name     string
	Shape    []uint64
	DType    string
	Elements uint64
	Bytes    uint64
}

// Weights is the read side of a checkpoint, independent of the format
// it came from. Float32 materializes one tensor at a time so callers
// never hold a full dequantized model in memory.
type Weights interface {
	Tensors() []TensorMeta
	Float32(name string) ([]float32, error)
	Close() error
}

type ggufWeights struct {
	file *gguf.GGUFFile
}

func (w *ggufWeights) Tensors() []TensorMeta {
	out := make([]TensorMeta, 0, len(w.file.Tensors))
	for _, t := range w.file.Tensors {
		out = append(out, TensorMeta{
			Name:     t.Name,
			Shape:    t.Dimensions,
			DType:    t.Type.String(),
			Elements: t.NumElements(),
			Bytes:    t.SizeBytes(),
		})
	}
	return out
}

func (w *ggufWeights) Float32(name string) ([]float32, error) {
	t, ok := w.file.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	return gguf.Materialize(t)
}

func (w *ggufWeights) Close() error {
	return w.file.Close()
}

type safetensorsWeights struct {
	file *safetensors.File
}

func (w *safetensorsWeights) Tensors() []TensorMeta {
	out := make([]TensorMeta, 0, len(w.file.Tensors))
	for _, t := range w.file.Tensors {
		out = append(out, TensorMeta{
			Name:     t.Name,
			Shape:    t.Shape,
			DType:    t.DType,
			Elements: t.NumElements(),
			Bytes:    uint64(len(t.Data)),
		})
	}
	return out
}

func (w *safetensorsWeights) Float32(name string) ([]float32, error) {
	t, ok := w.file.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	return t.Float32()
}

func (w *safetensorsWeights) Close() error {
	return w.file.Close()
}
