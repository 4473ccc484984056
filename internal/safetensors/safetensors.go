// Package safetensors reads the Hugging Face safetensors format: an
// 8-byte little-endian header length, a JSON header mapping tensor
// names to dtype/shape/data_offsets, then the raw tensor data.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"syscall"

	"github.com/23skdu/longbow-fletcher/internal/gguf"
	"github.com/23skdu/longbow-fletcher/internal/logger"
)

var dtypeSizes = map[string]uint64{
	"F64":  8,
	"F32":  4,
	"F16":  2,
	"BF16": 2,
	"I64":  8,
	"I32":  4,
	"I16":  2,
	"I8":   1,
	"U8":   1,
	"BOOL": 1,
}

type TensorInfo struct {
	Name  string
	DType string
	Shape []uint64
	Data  []byte // Byte slice into the mmap'd file

	offset uint64 // begin offset within the data section
}

func (t *TensorInfo) NumElements() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Float32 widens the tensor's data to float32. Only floating dtypes
// convert; integer tensors return an error.
func (t *TensorInfo) Float32() ([]float32, error) {
	n := int(t.NumElements())
	switch t.DType {
	case "F32":
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return out, nil
	case "F16":
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = gguf.Float16ToFloat32(binary.LittleEndian.Uint16(t.Data[i*2:]))
		}
		return out, nil
	case "BF16":
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			bits := binary.LittleEndian.Uint16(t.Data[i*2:])
			out[i] = math.Float32frombits(uint32(bits) << 16)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor %s: no float32 conversion for dtype %s", t.Name, t.DType)
	}
}

type File struct {
	Tensors  []*TensorInfo
	Metadata map[string]string

	data []byte // The raw mmap'd data
}

// Tensor looks a tensor up by name.
func (f *File) Tensor(name string) (*TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	err := syscall.Munmap(f.data)
	f.data = nil
	return err
}

type headerEntry struct {
	DType       string    `json:"dtype"`
	Shape       []uint64  `json:"shape"`
	DataOffsets [2]uint64 `json:"data_offsets"`
}

func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping outlives the descriptor
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < 8 {
		return nil, fmt.Errorf("safetensors %s: file too small (%d bytes)", path, size)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	file, err := parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, fmt.Errorf("safetensors %s: %w", path, err)
	}

	logger.Log.Debug("safetensors header",
		"path", path,
		"tensors", len(file.Tensors),
		"bytes", size)

	return file, nil
}

func parse(data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[0:8])
	if headerLen > uint64(len(data))-8 {
		return nil, fmt.Errorf("header length %d exceeds file size %d", headerLen, len(data))
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	file := &File{data: data}
	payload := data[8+headerLen:]

	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &file.Metadata); err != nil {
				return nil, fmt.Errorf("parse __metadata__: %w", err)
			}
			continue
		}

		var entry headerEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, fmt.Errorf("tensor %s: parse entry: %w", name, err)
		}

		begin, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if begin > end || end > uint64(len(payload)) {
			return nil, fmt.Errorf("tensor %s: offsets [%d, %d) out of range", name, begin, end)
		}

		t := &TensorInfo{
			Name:   name,
			DType:  entry.DType,
			Shape:  entry.Shape,
			Data:   payload[begin:end],
			offset: begin,
		}

		elemSize, ok := dtypeSizes[entry.DType]
		if !ok {
			return nil, fmt.Errorf("tensor %s: unknown dtype %s", name, entry.DType)
		}
		if want := t.NumElements() * elemSize; want != end-begin {
			return nil, fmt.Errorf("tensor %s: shape needs %d bytes, offsets give %d", name, want, end-begin)
		}

		file.Tensors = append(file.Tensors, t)
	}

	// JSON map order is not stable; keep tensors in data order.
	sort.Slice(file.Tensors, func(i, j int) bool {
		a, b := file.Tensors[i], file.Tensors[j]
		if a.offset != b.offset {
			return a.offset < b.offset
		}
		return a.Name < b.Name
	})

	return file, nil
}
