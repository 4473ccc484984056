package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Block sizes
const (
	BlockSizeQ4K = 256
	BlockSizeQ6K = 256
	BlockSizeQ3K = 256
	BlockSizeQ80 = 32
	BlockSizeQ40 = 32
)

// DequantizeQ4K converts Q4_K tensor data to Float32.
// Layout (144 bytes per 256 weights):
// - d (f16): super-block scale
// - dmin (f16): super-block min
// - scales (12 bytes): 8 6-bit scales + 8 6-bit mins, packed
// - qs (128 bytes): 4-bit quants
func DequantizeQ4K(data []byte, numElements int) ([]float32, error) {
	if numElements%BlockSizeQ4K != 0 {
		return nil, fmt.Errorf("q4_k: %d elements not a multiple of %d", numElements, BlockSizeQ4K)
	}
	numBlocks := numElements / BlockSizeQ4K
	if len(data) < numBlocks*q4kBlockBytes {
		return nil, fmt.Errorf("q4_k: need %d bytes, have %d", numBlocks*q4kBlockBytes, len(data))
	}

	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		block := data[i*q4kBlockBytes : (i+1)*q4kBlockBytes]

		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		dmin := Float16ToFloat32(binary.LittleEndian.Uint16(block[2:4]))

		scales := block[4:16]
		qs := block[16:q4kBlockBytes]

		// llama.cpp's get_scale_min_k4: 8 scale/min pairs from 12 bytes.
		var sc [8]uint8
		var m [8]uint8
		for j := 0; j < 8; j++ {
			if j < 4 {
				sc[j] = scales[j] & 63
				m[j] = scales[j+4] & 63
			} else {
				sc[j] = (scales[j+4] & 0xF) | ((scales[j-4] >> 6) << 4)
				m[j] = (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
			}
		}

		var D [8]float32
		var M [8]float32
		for j := 0; j < 8; j++ {
			D[j] = d * float32(sc[j])
			M[j] = dmin * float32(m[j])
		}

		for j := 0; j < 8; j++ {
			// Byte k of sub-block j: low nibble is weight k, high
			// nibble is weight k+16.
			qsOffset := j * 16
			for k := 0; k < 16; k++ {
				b := qs[qsOffset+k]

				idx0 := j*32 + k
				idx1 := idx0 + 16

				out[i*BlockSizeQ4K+idx0] = D[j]*float32(b&0xF) - M[j]
				out[i*BlockSizeQ4K+idx1] = D[j]*float32(b>>4) - M[j]
			}
		}
	}

	return out, nil
}

// DequantizeQ3K converts Q3_K data to Float32.
// Layout (110 bytes per 256 weights):
// - hmask (32 bytes): high bit of each 3-bit quant
// - qs (64 bytes): low 2 bits
// - scales (12 bytes): 16 6-bit scales
// - d (f16): super-scale
func DequantizeQ3K(data []byte, numElements int) ([]float32, error) {
	if numElements%BlockSizeQ3K != 0 {
		return nil, fmt.Errorf("q3_k: %d elements not a multiple of %d", numElements, BlockSizeQ3K)
	}
	const blockBytes = 110
	numBlocks := numElements / BlockSizeQ3K
	if len(data) < numBlocks*blockBytes {
		return nil, fmt.Errorf("q3_k: need %d bytes, have %d", numBlocks*blockBytes, len(data))
	}

	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		block := data[i*blockBytes : (i+1)*blockBytes]

		hmask := block[0:32]
		qs := block[32:96]
		scales := block[96:108]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[108:110]))

		// 12 bytes -> 16 6-bit scales: low 4 bits in the first 8
		// bytes' quartets, the top 2 bits spread over the last 4.
		var sc [16]uint8
		for j := 0; j < 4; j++ {
			sc[j] = scales[j] & 63
			sc[j+4] = scales[j+4] & 63
			sc[j+8] = scales[j+8] & 63
			sc[j+12] = (scales[j] >> 6) | ((scales[j+4] >> 6) << 2) | ((scales[j+8] >> 6) << 4)
		}

		for l := 0; l < 16; l++ {
			s := d * (float32(sc[l]) - 32.0)

			for k := 0; k < 16; k++ {
				idx := l*16 + k

				// 4 weights per qs byte, 8 high bits per hmask byte.
				q2 := (qs[idx/4] >> ((idx % 4) * 2)) & 3
				h := (hmask[idx/8] >> (idx % 8)) & 1
				q := (h << 2) | q2

				out[i*BlockSizeQ3K+idx] = s * (float32(q) - 4.0)
			}
		}
	}
	return out, nil
}

// DequantizeQ6K converts Q6_K data to Float32.
// Layout (210 bytes per 256 weights):
// - ql (128 bytes): low 4 bits
// - qh (64 bytes): high 2 bits
// - scales (16 bytes): 16 int8 scales
// - d (f16): super-scale
func DequantizeQ6K(data []byte, numElements int) ([]float32, error) {
	if numElements%BlockSizeQ6K != 0 {
		return nil, fmt.Errorf("q6_k: %d elements not a multiple of %d", numElements, BlockSizeQ6K)
	}
	const blockBytes = 210
	numBlocks := numElements / BlockSizeQ6K
	if len(data) < numBlocks*blockBytes {
		return nil, fmt.Errorf("q6_k: need %d bytes, have %d", numBlocks*blockBytes, len(data))
	}

	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		block := data[i*blockBytes : (i+1)*blockBytes]

		ql := block[0:128]
		qh := block[128:192]
		scales := block[192:208]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[208:210]))

		for l := 0; l < 16; l++ {
			s := d * float32(int8(scales[l]))

			for k := 0; k < 16; k++ {
				idx := l*16 + k

				// 2 weights per ql byte, 4 per qh byte.
				var q4 uint8
				if idx%2 == 0 {
					q4 = ql[idx/2] & 0x0F
				} else {
					q4 = ql[idx/2] >> 4
				}
				q2 := (qh[idx/4] >> ((idx % 4) * 2)) & 0x03

				q := int8((q2 << 4) | q4)

				out[i*BlockSizeQ6K+idx] = s * (float32(q) - 32.0)
			}
		}
	}
	return out, nil
}

// DequantizeQ8_0 converts Q8_0 data to Float32.
// Layout (34 bytes per 32 weights): d (f16) then 32 int8 quants.
func DequantizeQ8_0(data []byte, numElements int) ([]float32, error) {
	if numElements%BlockSizeQ80 != 0 {
		return nil, fmt.Errorf("q8_0: %d elements not a multiple of %d", numElements, BlockSizeQ80)
	}
	const blockBytes = 34
	numBlocks := numElements / BlockSizeQ80
	if len(data) < numBlocks*blockBytes {
		return nil, fmt.Errorf("q8_0: need %d bytes, have %d", numBlocks*blockBytes, len(data))
	}

	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		block := data[i*blockBytes : (i+1)*blockBytes]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		for k := 0; k < BlockSizeQ80; k++ {
			out[i*BlockSizeQ80+k] = d * float32(int8(block[2+k]))
		}
	}
	return out, nil
}

// DequantizeQ4_0 converts Q4_0 data to Float32.
// Layout (18 bytes per 32 weights): d (f16) then 16 nibble-packed
// quants; the low nibble holds element k, the high nibble k+16.
func DequantizeQ4_0(data []byte, numElements int) ([]float32, error) {
	if numElements%BlockSizeQ40 != 0 {
		return nil, fmt.Errorf("q4_0: %d elements not a multiple of %d", numElements, BlockSizeQ40)
	}
	const blockBytes = 18
	numBlocks := numElements / BlockSizeQ40
	if len(data) < numBlocks*blockBytes {
		return nil, fmt.Errorf("q4_0: need %d bytes, have %d", numBlocks*blockBytes, len(data))
	}

	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		block := data[i*blockBytes : (i+1)*blockBytes]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		for k := 0; k < 16; k++ {
			b := block[2+k]
			out[i*BlockSizeQ40+k] = d * (float32(b&0xF) - 8)
			out[i*BlockSizeQ40+k+16] = d * (float32(b>>4) - 8)
		}
	}
	return out, nil
}

// DequantizeF16 widens raw f16 tensor data to Float32.
func DequantizeF16(data []byte, numElements int) ([]float32, error) {
	if len(data) < numElements*2 {
		return nil, fmt.Errorf("f16: need %d bytes, have %d", numElements*2, len(data))
	}
	out := make([]float32, numElements)
	for i := 0; i < numElements; i++ {
		out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

// Materialize decodes a tensor's data into float32 regardless of its
// on-disk type.
func Materialize(t *TensorInfo) ([]float32, error) {
	n := int(t.NumElements())
	switch t.Type {
	case GGMLTypeF32:
		if len(t.Data) < n*4 {
			return nil, fmt.Errorf("f32: need %d bytes, have %d", n*4, len(t.Data))
		}
		return decodeF32(t.Data, n), nil
	case GGMLTypeF16:
		return DequantizeF16(t.Data, n)
	case GGMLTypeQ4_K:
		return DequantizeQ4K(t.Data, n)
	case GGMLTypeQ6_K:
		return DequantizeQ6K(t.Data, n)
	case GGMLTypeQ3_K:
		return DequantizeQ3K(t.Data, n)
	case GGMLTypeQ8_0:
		return DequantizeQ8_0(t.Data, n)
	case GGMLTypeQ4_0:
		return DequantizeQ4_0(t.Data, n)
	default:
		return nil, fmt.Errorf("tensor %s: no dequantizer for %s", t.Name, t.Type)
	}
}

func decodeF32(data []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// Float16ToFloat32 converts one IEEE 754 half-precision value,
// including subnormals, infinities and NaN.
func Float16ToFloat32(b uint16) float32 {
	sign := uint32(b&0x8000) << 16
	exp := uint32(b&0x7C00) >> 10
	frac := uint32(b & 0x03FF)

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal: frac * 2^-24
		f := float32(frac) / (1 << 24)
		if sign != 0 {
			return -f
		}
		return f
	case 0x1F:
		if frac == 0 {
			if sign != 0 {
				return float32(math.Inf(-1))
			}
			return float32(math.Inf(1))
		}
		return float32(math.NaN())
	}

	return math.Float32frombits(sign | ((exp + 112) << 23) | (frac << 13))
}
