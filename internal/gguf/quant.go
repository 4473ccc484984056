package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

const q4kBlockBytes = 144

// QuantizeQ4K packs float32 weights into Q4_K super-blocks, the
// inverse of DequantizeQ4K. The element count must be a multiple of
// 256.
func QuantizeQ4K(values []float32) ([]byte, error) {
	if len(values) == 0 || len(values)%BlockSizeQ4K != 0 {
		return nil, fmt.Errorf("q4_k: %d elements not a multiple of %d", len(values), BlockSizeQ4K)
	}

	numBlocks := len(values) / BlockSizeQ4K
	out := make([]byte, numBlocks*q4kBlockBytes)

	for i := 0; i < numBlocks; i++ {
		quantizeQ4KBlock(
			values[i*BlockSizeQ4K:(i+1)*BlockSizeQ4K],
			out[i*q4kBlockBytes:(i+1)*q4kBlockBytes],
		)
	}
	return out, nil
}

func quantizeQ4KBlock(block []float32, dst []byte) {
	// Per-sub-block affine ranges. Mins are stored non-negative, so a
	// sub-block whose minimum is positive clamps it to zero; the form
	// d*sc*q - dmin*m still reaches every value.
	var scales [8]float32
	var mins [8]float32
	for j := 0; j < 8; j++ {
		sub := block[j*32 : (j+1)*32]
		mn, mx := sub[0], sub[0]
		for _, v := range sub[1:] {
			if v < mn {
				mn = v
			}
			if v > mx {
				mx = v
			}
		}
		if mn > 0 {
			mn = 0
		}
		scales[j] = (mx - mn) / 15
		mins[j] = -mn
	}

	var maxScale, maxMin float32
	for j := 0; j < 8; j++ {
		if scales[j] > maxScale {
			maxScale = scales[j]
		}
		if mins[j] > maxMin {
			maxMin = mins[j]
		}
	}

	// Super-block scales, rounded through f16 so the encoder works
	// with exactly the values a reader will reconstruct.
	var d, dmin float32
	if maxScale > 0 {
		d = Float16ToFloat32(Float32ToFloat16(maxScale / 63))
	}
	if maxMin > 0 {
		dmin = Float16ToFloat32(Float32ToFloat16(maxMin / 63))
	}

	var sc [8]uint8
	var m [8]uint8
	for j := 0; j < 8; j++ {
		if d > 0 {
			sc[j] = uint8(clampRound(scales[j]/d, 0, 63))
		}
		if dmin > 0 {
			m[j] = uint8(clampRound(mins[j]/dmin, 0, 63))
		}
	}

	binary.LittleEndian.PutUint16(dst[0:2], Float32ToFloat16(d))
	binary.LittleEndian.PutUint16(dst[2:4], Float32ToFloat16(dmin))

	// Inverse of get_scale_min_k4: 6-bit scales/mins into 12 bytes.
	packed := dst[4:16]
	for j := 0; j < 8; j++ {
		if j < 4 {
			packed[j] |= sc[j] & 63
			packed[j+4] |= m[j] & 63
		} else {
			packed[j+4] = (sc[j] & 0xF) | ((m[j] & 0xF) << 4)
			packed[j-4] |= (sc[j] >> 4) << 6
			packed[j] |= (m[j] >> 4) << 6
		}
	}

	qs := dst[16:q4kBlockBytes]
	for j := 0; j < 8; j++ {
		D := d * float32(sc[j])
		M := dmin * float32(m[j])
		for k := 0; k < 16; k++ {
			q0 := quantNibble(block[j*32+k], D, M)
			q1 := quantNibble(block[j*32+k+16], D, M)
			qs[j*16+k] = q0 | (q1 << 4)
		}
	}
}

func quantNibble(v, scale, min float32) uint8 {
	if scale == 0 {
		return 0
	}
	return uint8(clampRound((v+min)/scale, 0, 15))
}

func clampRound(v, lo, hi float32) float32 {
	r := float32(math.Round(float64(v)))
	if r < lo {
		return lo
	}
	if r > hi {
		return hi
	}
	return r
}

// Float32ToFloat16 rounds to nearest, carrying into the exponent when
// the mantissa overflows. Values beyond the f16 range become Inf.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32((bits>>23)&0xFF) - 127 + 15
	frac := bits & 0x7FFFFF

	if exp >= 0x1F {
		if (bits>>23)&0xFF == 0xFF && frac != 0 {
			return sign | 0x7E00 // quiet NaN
		}
		return sign | 0x7C00
	}
	if exp <= 0 {
		if exp < -10 {
			return sign
		}
		// subnormal
		frac |= 0x800000
		shift := uint32(14 - exp)
		half := frac >> shift
		if (frac>>(shift-1))&1 == 1 {
			half++
		}
		return sign | uint16(half)
	}

	h := sign | uint16(exp)<<10 | uint16(frac>>13)
	if frac&0x1000 != 0 {
		h++
	}
	return h
}
