// Package wasmtest builds small WebAssembly modules for tests.
//
// Function bodies are raw instruction bytes assembled with the helpers in
// ops.go; the builder appends the terminating end opcode.
package wasmtest

import "bytes"

// Value types.
const (
	I32 byte = 0x7F
	I64 byte = 0x7E
	F32 byte = 0x7D
	F64 byte = 0x7C
)

// Export kinds.
const (
	exportFunc   byte = 0x00
	exportMemory byte = 0x02
	exportGlobal byte = 0x03
)

type funcType struct {
	params  []byte
	results []byte
}

func (t funcType) key() string {
	return string(t.params) + "|" + string(t.results)
}

type importFunc struct {
	module string
	name   string
	typ    uint32
}

type function struct {
	typ    uint32
	locals []byte
	body   []byte
}

type global struct {
	typ     byte
	mutable bool
	init    int64
}

type export struct {
	name  string
	kind  byte
	index uint32
}

type segment struct {
	offset uint32
	data   []byte
}

// Module accumulates module contents. Imports must be declared before any
// function so that returned indices stay valid.
type Module struct {
	types   []funcType
	imports []importFunc
	funcs   []function
	globals []global
	exports []export
	data    []segment
	memMin  uint32
	memMax  uint32
	hasMem  bool
	hasMax  bool
	start   *uint32
}

// Start marks function idx as the module's start function.
func (m *Module) Start(idx uint32) *Module {
	m.start = &idx
	return m
}

// New returns an empty module.
func New() *Module {
	return &Module{}
}

func (m *Module) typeIndex(params, results []byte) uint32 {
	t := funcType{params: params, results: results}
	for i, existing := range m.types {
		if existing.key() == t.key() {
			return uint32(i)
		}
	}
	m.types = append(m.types, t)
	return uint32(len(m.types) - 1)
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, params, results []byte) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	m.imports = append(m.imports, importFunc{
		module: module,
		name:   name,
		typ:    m.typeIndex(params, results),
	})
	return uint32(len(m.imports) - 1)
}

// Memory declares memory 0 and exports it as "memory".
func (m *Module) Memory(minPages uint32) *Module {
	m.hasMem = true
	m.memMin = minPages
	m.exports = append(m.exports, export{name: "memory", kind: exportMemory})
	return m
}

// MemoryMax declares memory 0 with a maximum.
func (m *Module) MemoryMax(minPages, maxPages uint32) *Module {
	m.Memory(minPages)
	m.hasMax = true
	m.memMax = maxPages
	return m
}

// Global declares a global and returns its index.
func (m *Module) Global(typ byte, mutable bool, init int64) uint32 {
	m.globals = append(m.globals, global{typ: typ, mutable: mutable, init: init})
	return uint32(len(m.globals) - 1)
}

// ExportGlobal exports global idx under name.
func (m *Module) ExportGlobal(name string, idx uint32) *Module {
	m.exports = append(m.exports, export{name: name, kind: exportGlobal, index: idx})
	return m
}

// Func defines a function and returns its index. A non-empty name exports it.
func (m *Module) Func(name string, params, results, locals []byte, body ...[]byte) uint32 {
	f := function{
		typ:    m.typeIndex(params, results),
		locals: locals,
		body:   bytes.Join(body, nil),
	}
	m.funcs = append(m.funcs, f)
	idx := uint32(len(m.imports) + len(m.funcs) - 1)
	if name != "" {
		m.exports = append(m.exports, export{name: name, kind: exportFunc, index: idx})
	}
	return idx
}

// Data places an active data segment in memory 0.
func (m *Module) Data(offset uint32, data []byte) *Module {
	m.data = append(m.data, segment{offset: offset, data: data})
	return m
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00})

	if len(m.types) > 0 {
		var s bytes.Buffer
		writeU32(&s, uint32(len(m.types)))
		for _, t := range m.types {
			s.WriteByte(0x60)
			writeU32(&s, uint32(len(t.params)))
			s.Write(t.params)
			writeU32(&s, uint32(len(t.results)))
			s.Write(t.results)
		}
		section(&out, 1, s.Bytes())
	}

	if len(m.imports) > 0 {
		var s bytes.Buffer
		writeU32(&s, uint32(len(m.imports)))
		for _, imp := range m.imports {
			writeName(&s, imp.module)
			writeName(&s, imp.name)
			s.WriteByte(0x00)
			writeU32(&s, imp.typ)
		}
		section(&out, 2, s.Bytes())
	}

	if len(m.funcs) > 0 {
		var s bytes.Buffer
		writeU32(&s, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			writeU32(&s, f.typ)
		}
		section(&out, 3, s.Bytes())
	}

	if m.hasMem {
		var s bytes.Buffer
		writeU32(&s, 1)
		if m.hasMax {
			s.WriteByte(0x01)
			writeU32(&s, m.memMin)
			writeU32(&s, m.memMax)
		} else {
			s.WriteByte(0x00)
			writeU32(&s, m.memMin)
		}
		section(&out, 5, s.Bytes())
	}

	if len(m.globals) > 0 {
		var s bytes.Buffer
		writeU32(&s, uint32(len(m.globals)))
		for _, g := range m.globals {
			s.WriteByte(g.typ)
			if g.mutable {
				s.WriteByte(0x01)
			} else {
				s.WriteByte(0x00)
			}
			switch g.typ {
			case I64:
				s.Write(I64Const(g.init))
			default:
				s.Write(I32Const(int32(g.init)))
			}
			s.WriteByte(OpEnd)
		}
		section(&out, 6, s.Bytes())
	}

	if len(m.exports) > 0 {
		var s bytes.Buffer
		writeU32(&s, uint32(len(m.exports)))
		for _, e := range m.exports {
			writeName(&s, e.name)
			s.WriteByte(e.kind)
			writeU32(&s, e.index)
		}
		section(&out, 7, s.Bytes())
	}

	if m.start != nil {
		var s bytes.Buffer
		writeU32(&s, *m.start)
		section(&out, 8, s.Bytes())
	}

	if len(m.funcs) > 0 {
		var s bytes.Buffer
		writeU32(&s, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var body bytes.Buffer
			writeLocals(&body, f.locals)
			body.Write(f.body)
			body.WriteByte(OpEnd)
			writeU32(&s, uint32(body.Len()))
			s.Write(body.Bytes())
		}
		section(&out, 10, s.Bytes())
	}

	if len(m.data) > 0 {
		var s bytes.Buffer
		writeU32(&s, uint32(len(m.data)))
		for _, d := range m.data {
			s.WriteByte(0x00)
			s.Write(I32Const(int32(d.offset)))
			s.WriteByte(OpEnd)
			writeU32(&s, uint32(len(d.data)))
			s.Write(d.data)
		}
		section(&out, 11, s.Bytes())
	}

	return out.Bytes()
}

// writeLocals groups consecutive locals of the same type.
func writeLocals(w *bytes.Buffer, locals []byte) {
	type group struct {
		n   uint32
		typ byte
	}
	var groups []group
	for _, t := range locals {
		if len(groups) > 0 && groups[len(groups)-1].typ == t {
			groups[len(groups)-1].n++
			continue
		}
		groups = append(groups, group{n: 1, typ: t})
	}
	writeU32(w, uint32(len(groups)))
	for _, g := range groups {
		writeU32(w, g.n)
		w.WriteByte(g.typ)
	}
}

func section(w *bytes.Buffer, id byte, payload []byte) {
	w.WriteByte(id)
	writeU32(w, uint32(len(payload)))
	w.Write(payload)
}

func writeName(w *bytes.Buffer, s string) {
	writeU32(w, uint32(len(s)))
	w.WriteString(s)
}

func writeU32(w *bytes.Buffer, v uint32) {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func uleb(v uint32) []byte {
	var w bytes.Buffer
	writeU32(&w, v)
	return w.Bytes()
}
