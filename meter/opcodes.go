package meter

import "fmt"

const (
	opUnreachable  = 0x00
	opBlock        = 0x02
	opLoop         = 0x03
	opIf           = 0x04
	opElse         = 0x05
	opEnd          = 0x0B
	opBr           = 0x0C
	opBrIf         = 0x0D
	opBrTable      = 0x0E
	opReturn       = 0x0F
	opCall         = 0x10
	opCallIndirect = 0x11
	opSelectT      = 0x1C
	opLocalGet     = 0x20
	opGlobalSet    = 0x24
	opTableGet     = 0x25
	opTableSet     = 0x26
	opI32Load      = 0x28
	opI64Store32   = 0x3E
	opMemorySize   = 0x3F
	opMemoryGrow   = 0x40
	opI32Const     = 0x41
	opI64Const     = 0x42
	opF32Const     = 0x43
	opF64Const     = 0x44
	opNumericFirst = 0x45
	opNumericLast  = 0xC4
	opRefNull      = 0xD0
	opRefIsNull    = 0xD1
	opRefFunc      = 0xD2
	opPrefixMisc   = 0xFC
	opPrefixSIMD   = 0xFD
	opPrefixAtomic = 0xFE
)

// Value type bytes accepted in signatures and block types.
func isValType(b byte) bool {
	switch b {
	case 0x7F, 0x7E, 0x7D, 0x7C, 0x7B, 0x70, 0x6F:
		return true
	}
	return false
}

// endsSegment reports whether op terminates a straight-line segment: control
// may enter or leave the function body right after it.
func endsSegment(op byte) bool {
	switch op {
	case opUnreachable, opBlock, opLoop, opIf, opElse, opEnd,
		opBr, opBrIf, opBrTable, opReturn:
		return true
	}
	return false
}

// skipInstr advances r past one instruction whose opcode has been read.
func skipInstr(r *reader, op byte) error {
	switch {
	case op == opUnreachable, op == 0x01, op == opElse, op == opEnd, op == opReturn,
		op == 0x1A, op == 0x1B, op == opRefIsNull:
		return nil

	case op == opBlock, op == opLoop, op == opIf:
		return skipBlockType(r)

	case op == opBr, op == opBrIf, op == opCall,
		op >= opLocalGet && op <= opGlobalSet,
		op == opTableGet, op == opTableSet, op == opRefFunc:
		_, err := r.u32()
		return err

	case op == opBrTable:
		n, err := r.u32()
		if err != nil {
			return err
		}
		for i := uint32(0); i <= n; i++ {
			if _, err := r.u32(); err != nil {
				return err
			}
		}
		return nil

	case op == opCallIndirect:
		if _, err := r.u32(); err != nil {
			return err
		}
		_, err := r.u32()
		return err

	case op == opSelectT:
		n, err := r.u32()
		if err != nil {
			return err
		}
		return r.skip(int(n))

	case op >= opI32Load && op <= opI64Store32:
		align, err := r.u32()
		if err != nil {
			return err
		}
		if align&0x40 != 0 {
			return fmt.Errorf("%w: multi-memory access", errUnsupported)
		}
		_, err = r.u32()
		return err

	case op == opMemorySize, op == opMemoryGrow:
		idx, err := r.u32()
		if err != nil {
			return err
		}
		if idx != 0 {
			return fmt.Errorf("%w: memory index %d", errUnsupported, idx)
		}
		return nil

	case op == opI32Const:
		return r.skipSigned(32)
	case op == opI64Const:
		return r.skipSigned(64)
	case op == opF32Const:
		return r.skip(4)
	case op == opF64Const:
		return r.skip(8)

	case op >= opNumericFirst && op <= opNumericLast:
		return nil

	case op == opRefNull:
		return r.skipSigned(33)

	case op == opPrefixMisc:
		return skipMisc(r)

	case op == opPrefixSIMD:
		return fmt.Errorf("%w: SIMD instructions", errUnsupported)
	case op == opPrefixAtomic:
		return fmt.Errorf("%w: atomic instructions", errUnsupported)
	case op >= 0x06 && op <= 0x0A, op == 0x18, op == 0x19, op == 0x1F:
		return fmt.Errorf("%w: exception handling", errUnsupported)
	case op >= 0x12 && op <= 0x15:
		return fmt.Errorf("%w: tail or reference calls", errUnsupported)
	}
	return fmt.Errorf("unknown opcode 0x%02x", op)
}

func skipBlockType(r *reader) error {
	b, err := r.peek()
	if err != nil {
		return err
	}
	if b == 0x40 || isValType(b) {
		r.pos++
		return nil
	}
	return r.skipSigned(33)
}

// skipMisc skips a 0xFC prefixed instruction: saturating truncation, bulk
// memory and table operations.
func skipMisc(r *reader) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	var immediates int
	switch {
	case sub <= 7:
		immediates = 0
	case sub == 8, sub == 10, sub == 12, sub == 14:
		immediates = 2
	case sub == 9, sub == 11, sub == 13, sub == 15, sub == 16, sub == 17:
		immediates = 1
	default:
		return fmt.Errorf("%w: 0xFC %d", errUnsupported, sub)
	}
	if sub == 8 || sub == 10 || sub == 11 {
		// memory.init, memory.copy and memory.fill carry memory indices.
		for i := 0; i < immediates; i++ {
			v, err := r.u32()
			if err != nil {
				return err
			}
			isMemIdx := (sub == 8 && i == 1) || sub == 10 || sub == 11
			if isMemIdx && v != 0 {
				return fmt.Errorf("%w: memory index %d", errUnsupported, v)
			}
		}
		return nil
	}
	for i := 0; i < immediates; i++ {
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	return nil
}
