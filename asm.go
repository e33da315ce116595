package retarget

import (
	"errors"
	"fmt"
)

const (
	// -----------------------------------
	// | 100101 | ... 26 bit offset ...  |
	// -----------------------------------
	_BL = uint32(1<<31 | 5<<26)

	// Mask for the 6 opcode bits.
	opcodeMask = uint32(0x3f << 26)

	immMask = uint32(1<<26 - 1)
)

var (
	// ErrNotBL means the instruction word is not a bl instruction.
	ErrNotBL = errors.New("not a bl instruction")

	// ErrMisalignedTarget means the branch offset is not a multiple of the
	// 4-byte instruction size.
	ErrMisalignedTarget = errors.New("target address must be 4-byte aligned")

	// ErrOffsetOutOfRange means the branch offset does not fit in the
	// signed 26-bit word immediate.
	ErrOffsetOutOfRange = errors.New("branch offset out of range")
)

// DecodeBL returns the target address encoded in the bl instruction word
// located at pc. Fails with ErrNotBL for any other instruction form.
func DecodeBL(pc uint64, word uint32) (uint64, error) {
	if word&opcodeMask != _BL {
		return 0, fmt.Errorf("%w: %#08x", ErrNotBL, word)
	}

	imm := word & immMask
	if imm&(1<<25) != 0 {
		imm |= ^immMask // sign extend
	}

	return pc + uint64(int64(int32(imm))<<2), nil
}

// EncodeBL produces the bl instruction word for a call at pc to target.
func EncodeBL(pc, target uint64) (uint32, error) {
	offset := int64(target) - int64(pc)

	if offset&3 != 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrMisalignedTarget, offset)
	}
	if offset < -(1<<27) || offset >= (1<<27) {
		return 0, fmt.Errorf("%w: %d bytes exceeds 128MiB", ErrOffsetOutOfRange, offset)
	}

	return _BL | (uint32(offset>>2) & immMask), nil
}
