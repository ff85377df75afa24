package wasmtest

// Single-byte opcodes.
const (
	OpUnreachable  byte = 0x00
	OpNop          byte = 0x01
	OpElse         byte = 0x05
	OpEnd          byte = 0x0B
	OpReturn       byte = 0x0F
	OpDrop         byte = 0x1A
	OpSelect       byte = 0x1B
	OpI32Eqz       byte = 0x45
	OpI32Eq        byte = 0x46
	OpI32Ne        byte = 0x47
	OpI32LtS       byte = 0x48
	OpI32GtS       byte = 0x4A
	OpI64Eqz       byte = 0x50
	OpI64LtS       byte = 0x53
	OpI32Add       byte = 0x6A
	OpI32Sub       byte = 0x6B
	OpI32Mul       byte = 0x6C
	OpI64Add       byte = 0x7C
	OpI32WrapI64   byte = 0xA7
	OpI64ExtendI32 byte = 0xAD
)

// Op returns single-byte opcodes as an instruction sequence.
func Op(ops ...byte) []byte {
	return ops
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return append([]byte{0x41}, sleb(int64(v))...)
}

// I64Const encodes i64.const v.
func I64Const(v int64) []byte {
	return append([]byte{0x42}, sleb(v)...)
}

// LocalGet encodes local.get i.
func LocalGet(i uint32) []byte { return append([]byte{0x20}, uleb(i)...) }

// LocalSet encodes local.set i.
func LocalSet(i uint32) []byte { return append([]byte{0x21}, uleb(i)...) }

// LocalTee encodes local.tee i.
func LocalTee(i uint32) []byte { return append([]byte{0x22}, uleb(i)...) }

// GlobalGet encodes global.get i.
func GlobalGet(i uint32) []byte { return append([]byte{0x23}, uleb(i)...) }

// GlobalSet encodes global.set i.
func GlobalSet(i uint32) []byte { return append([]byte{0x24}, uleb(i)...) }

// Call encodes call f.
func Call(f uint32) []byte { return append([]byte{0x10}, uleb(f)...) }

// Br encodes br depth.
func Br(depth uint32) []byte { return append([]byte{0x0C}, uleb(depth)...) }

// BrIf encodes br_if depth.
func BrIf(depth uint32) []byte { return append([]byte{0x0D}, uleb(depth)...) }

// Block opens a block with an empty result.
func Block() []byte { return []byte{0x02, 0x40} }

// Loop opens a loop with an empty result.
func Loop() []byte { return []byte{0x03, 0x40} }

// If opens an if with an empty result.
func If() []byte { return []byte{0x04, 0x40} }

// IfI32 opens an if producing an i32.
func IfI32() []byte { return []byte{0x04, I32} }

// End closes the innermost block.
func End() []byte { return []byte{OpEnd} }

// Else switches to the else arm.
func Else() []byte { return []byte{OpElse} }

// I32Load encodes i32.load with natural alignment.
func I32Load(offset uint32) []byte { return memarg(0x28, 2, offset) }

// I64Load encodes i64.load with byte alignment.
func I64Load(offset uint32) []byte { return memarg(0x29, 0, offset) }

// I32Load8U encodes i32.load8_u.
func I32Load8U(offset uint32) []byte { return memarg(0x2D, 0, offset) }

// I32Store encodes i32.store with byte alignment.
func I32Store(offset uint32) []byte { return memarg(0x36, 0, offset) }

// I64Store encodes i64.store with byte alignment.
func I64Store(offset uint32) []byte { return memarg(0x37, 0, offset) }

// MemorySize encodes memory.size 0.
func MemorySize() []byte { return []byte{0x3F, 0x00} }

// MemoryGrow encodes memory.grow 0.
func MemoryGrow() []byte { return []byte{0x40, 0x00} }

func memarg(op byte, align, offset uint32) []byte {
	out := []byte{op}
	out = append(out, uleb(align)...)
	return append(out, uleb(offset)...)
}

// Sig is shorthand for a value type list.
func Sig(types ...byte) []byte {
	return types
}
