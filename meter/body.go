package meter

import "fmt"

type instr struct {
	start, end int
	op         byte
}

// meterBody rewrites one function body. A charge of the segment's
// instruction count is placed at the start of every straight-line segment,
// and memory.grow is routed to the guard function when guard is set.
func meterBody(body []byte, chargeFunc, growFunc uint32, guard bool) ([]byte, error) {
	r := newReader(body)

	groups, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < groups; i++ {
		if _, err := r.u32(); err != nil {
			return nil, err
		}
		t, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if !isValType(t) {
			return nil, fmt.Errorf("%w: local type 0x%02x", errUnsupported, t)
		}
	}
	localsEnd := r.pos

	var instrs []instr
	for !r.eof() {
		start := r.pos
		op, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if err := skipInstr(r, op); err != nil {
			return nil, fmt.Errorf("offset %d: %w", start, err)
		}
		instrs = append(instrs, instr{start: start, end: r.pos, op: op})
	}
	if len(instrs) == 0 || instrs[len(instrs)-1].op != opEnd {
		return nil, fmt.Errorf("body does not end with end")
	}

	out := make([]byte, 0, len(body)+len(instrs)*4)
	out = append(out, body[:localsEnd]...)

	segStart := 0
	for i, in := range instrs {
		if !endsSegment(in.op) && i != len(instrs)-1 {
			continue
		}
		cost := int64(i - segStart + 1)
		out = append(out, opI64Const)
		out = appendS64(out, cost)
		out = append(out, opCall)
		out = appendU32(out, chargeFunc)
		for _, s := range instrs[segStart : i+1] {
			if guard && s.op == opMemoryGrow {
				out = append(out, opCall)
				out = appendU32(out, growFunc)
				continue
			}
			out = append(out, body[s.start:s.end]...)
		}
		segStart = i + 1
	}
	return out, nil
}

// chargeBody is charge(cost i64): trap with TripFuel when the remaining fuel
// is below cost, otherwise subtract it.
func chargeBody(fuel, trip uint32) []byte {
	b := []byte{0x00} // no locals
	b = append(b, 0x23)
	b = appendU32(b, fuel)
	b = append(b, 0x20, 0x00, 0x54) // local.get 0; i64.lt_u
	b = append(b, opIf, 0x40, opI32Const, TripFuel, 0x24)
	b = appendU32(b, trip)
	b = append(b, opUnreachable, opEnd)
	b = append(b, 0x23)
	b = appendU32(b, fuel)
	b = append(b, 0x20, 0x00, 0x7D, 0x24) // local.get 0; i64.sub; global.set
	b = appendU32(b, fuel)
	return append(b, opEnd)
}

// growBody is grow(delta i32) -> i32: trap with TripMemory when the new size
// would exceed maxPages, otherwise perform memory.grow.
func growBody(trip, maxPages uint32) []byte {
	b := []byte{0x00}
	b = append(b, opMemorySize, 0x00, 0xAD) // memory.size; i64.extend_i32_u
	b = append(b, 0x20, 0x00, 0xAD, 0x7C)   // local.get 0; i64.extend_i32_u; i64.add
	b = append(b, opI64Const)
	b = appendS64(b, int64(maxPages))
	b = append(b, 0x56) // i64.gt_u
	b = append(b, opIf, 0x40, opI32Const, TripMemory, 0x24)
	b = appendU32(b, trip)
	b = append(b, opUnreachable, opEnd)
	b = append(b, 0x20, 0x00, opMemoryGrow, 0x00)
	return append(b, opEnd)
}
