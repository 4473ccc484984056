package gguf

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestDequantizeQ4KHandPackedBlock(t *testing.T) {
	// One super-block: d=0.5, dmin=0.25, every sub-block with scale 2
	// and min 1, every weight nibble set to 3.
	block := make([]byte, q4kBlockBytes)
	binary.LittleEndian.PutUint16(block[0:2], Float32ToFloat16(0.5))
	binary.LittleEndian.PutUint16(block[2:4], Float32ToFloat16(0.25))

	for j := 0; j < 4; j++ {
		block[4+j] = 2   // scales[0..3]
		block[4+j+4] = 1 // mins[0..3]
	}
	// Sub-blocks 4..7: scale low nibble, min high nibble; the top two
	// bits live in scales[0..7] and stay zero here.
	for j := 4; j < 8; j++ {
		block[4+j+4] = 2 | (1 << 4)
	}

	for i := 0; i < 128; i++ {
		block[16+i] = 0x33
	}

	out, err := DequantizeQ4K(block, BlockSizeQ4K)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != BlockSizeQ4K {
		t.Fatalf("expected %d values, got %d", BlockSizeQ4K, len(out))
	}

	// w = d*sc*q - dmin*m = 0.5*2*3 - 0.25*1 = 2.75 for every weight.
	for i, v := range out {
		if math.Abs(float64(v)-2.75) > 1e-3 {
			t.Errorf("weight %d: expected 2.75, got %f", i, v)
		}
	}
}

func TestDequantizeQ4KRejectsBadSizes(t *testing.T) {
	if _, err := DequantizeQ4K(make([]byte, q4kBlockBytes), 100); err == nil {
		t.Error("expected error for element count not a multiple of 256")
	}
	if _, err := DequantizeQ4K(make([]byte, q4kBlockBytes-1), BlockSizeQ4K); err == nil {
		t.Error("expected error for truncated block data")
	}
}

func TestDequantizeQ8_0(t *testing.T) {
	// One block: d=0.5, first weights -2, -1, 0, 1, 2, rest zero.
	block := make([]byte, 34)
	binary.LittleEndian.PutUint16(block[0:2], Float32ToFloat16(0.5))
	block[2] = 0xFE // int8 -2
	block[3] = 0xFF // int8 -1
	block[4] = 0
	block[5] = 1
	block[6] = 2

	out, err := DequantizeQ8_0(block, BlockSizeQ80)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != BlockSizeQ80 {
		t.Fatalf("expected %d values, got %d", BlockSizeQ80, len(out))
	}

	expected := []float32{-1.0, -0.5, 0, 0.5, 1.0}
	for i, want := range expected {
		if math.Abs(float64(out[i]-want)) > 1e-6 {
			t.Errorf("weight %d: expected %f, got %f", i, want, out[i])
		}
	}
}

func TestDequantizeQ4_0(t *testing.T) {
	// One block: d=2, element 0 = nibble 6 -> (6-8)*2 = -4,
	// element 16 = nibble 10 -> (10-8)*2 = 4, rest nibble 8 -> 0.
	block := make([]byte, 18)
	binary.LittleEndian.PutUint16(block[0:2], Float32ToFloat16(2))
	for k := 0; k < 16; k++ {
		block[2+k] = 0x88
	}
	block[2] = 0xA6

	out, err := DequantizeQ4_0(block, BlockSizeQ40)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != BlockSizeQ40 {
		t.Fatalf("expected %d values, got %d", BlockSizeQ40, len(out))
	}
	if out[0] != -4 {
		t.Errorf("element 0: expected -4, got %f", out[0])
	}
	if out[16] != 4 {
		t.Errorf("element 16: expected 4, got %f", out[16])
	}
	for i, v := range out {
		if i == 0 || i == 16 {
			continue
		}
		if v != 0 {
			t.Errorf("element %d: expected 0, got %f", i, v)
		}
	}
}

func TestDequantizeQ4_0RejectsBadSizes(t *testing.T) {
	if _, err := DequantizeQ4_0(make([]byte, 18), 20); err == nil {
		t.Error("expected error for element count not a multiple of 32")
	}
	if _, err := DequantizeQ4_0(make([]byte, 17), BlockSizeQ40); err == nil {
		t.Error("expected error for truncated block data")
	}
}

func TestDequantizeF16(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, 65504}
	raw := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(raw[i*2:], Float32ToFloat16(v))
	}

	out, err := DequantizeF16(raw, len(values))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, want := range values {
		if out[i] != want {
			t.Errorf("value %d: expected %f, got %f", i, want, out[i])
		}
	}
}

func TestDequantizeF16ShortData(t *testing.T) {
	if _, err := DequantizeF16(make([]byte, 3), 2); err == nil {
		t.Error("expected error for short data, got nil")
	}
}

func TestMaterializeDispatch(t *testing.T) {
	f32 := make([]byte, 8)
	binary.LittleEndian.PutUint32(f32[0:4], math.Float32bits(1.5))
	binary.LittleEndian.PutUint32(f32[4:8], math.Float32bits(-2.5))

	tensor := &TensorInfo{
		Name:       "blk.0.attn_q.weight",
		Dimensions: []uint64{2},
		Type:       GGMLTypeF32,
		Data:       f32,
	}

	out, err := Materialize(tensor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0] != 1.5 || out[1] != -2.5 {
		t.Errorf("expected [1.5 -2.5], got %v", out)
	}
}

func TestMaterializeUnsupportedType(t *testing.T) {
	tensor := &TensorInfo{
		Name:       "blk.0.ffn_up.weight",
		Dimensions: []uint64{256},
		Type:       GGMLTypeQ5_K,
		Data:       make([]byte, 176),
	}
	if _, err := Materialize(tensor); err == nil {
		t.Error("expected error for unsupported type, got nil")
	}
}

func TestFloat16ToFloat32(t *testing.T) {
	tests := []struct {
		name     string
		bits     uint16
		expected float32
	}{
		{"zero", 0x0000, 0},
		{"one", 0x3C00, 1},
		{"negative_one", 0xBC00, -1},
		{"half", 0x3800, 0.5},
		{"max_normal", 0x7BFF, 65504},
		{"smallest_subnormal", 0x0001, float32(1.0 / (1 << 24))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Float16ToFloat32(tt.bits)
			if got != tt.expected {
				t.Errorf("expected %g, got %g", tt.expected, got)
			}
		})
	}
}

func TestFloat16Infinities(t *testing.T) {
	if !math.IsInf(float64(Float16ToFloat32(0x7C00)), 1) {
		t.Error("expected +Inf for 0x7C00")
	}
	if !math.IsInf(float64(Float16ToFloat32(0xFC00)), -1) {
		t.Error("expected -Inf for 0xFC00")
	}
	if !math.IsNaN(float64(Float16ToFloat32(0x7E00))) {
		t.Error("expected NaN for 0x7E00")
	}
}
