package meter

import (
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/wippyai/wasm-executor/errors"
)

// Exported names of the injected globals.
const (
	FuelGlobal = "__meter_fuel"
	TripGlobal = "__meter_trip"
)

// Trip values recorded in TripGlobal just before the guard traps.
const (
	TripNone   = 0
	TripFuel   = 1
	TripMemory = 2
)

var errUnsupported = stderrors.New("unsupported feature")

// Config controls instrumentation.
type Config struct {
	// MaxPages caps linear memory growth. Zero leaves memory.grow untouched.
	MaxPages uint32
}

// Import is a function import of the instrumented module.
type Import struct {
	Module string
	Name   string
}

// Module is the instrumented bytecode plus what was learned while parsing it.
type Module struct {
	Bytecode  []byte
	Imports   []Import
	Exports   []string
	MemoryMin uint32
	HasMemory bool
	Functions int // defined functions, excluding injected ones
}

const (
	secCustom    = 0
	secType      = 1
	secImport    = 2
	secFunction  = 3
	secTable     = 4
	secMemory    = 5
	secGlobal    = 6
	secExport    = 7
	secStart     = 8
	secElement   = 9
	secCode      = 10
	secData      = 11
	secDataCount = 12
	secTag       = 13
)

// sectionOrder returns the canonical position of a known section id.
func sectionOrder(id byte) int {
	switch id {
	case secType:
		return 1
	case secImport:
		return 2
	case secFunction:
		return 3
	case secTable:
		return 4
	case secMemory:
		return 5
	case secTag:
		return 6
	case secGlobal:
		return 7
	case secExport:
		return 8
	case secStart:
		return 9
	case secElement:
		return 10
	case secDataCount:
		return 11
	case secCode:
		return 12
	case secData:
		return 13
	}
	return 0
}

type section struct {
	id      byte
	payload []byte
}

type parsed struct {
	sections []section

	typeCount       uint32
	importedFuncs   uint32
	importedGlobals uint32
	funcCount       uint32
	globalCount     uint32
	memories        uint32
	memoryMin       uint32
	imports         []Import
	exports         []string
	bodies          [][]byte
}

// Instrument parses bytecode, injects fuel accounting and the memory guard,
// and returns the rewritten module. Malformed input fails with a
// compile/malformed error; post-MVP features outside the supported set fail
// with compile/unsupported.
func Instrument(bytecode []byte, cfg Config) (*Module, error) {
	p, err := parse(bytecode)
	if err != nil {
		if stderrors.Is(err, errUnsupported) {
			return nil, errors.Compile(errors.KindUnsupported, err.Error(), nil)
		}
		return nil, errors.Compile(errors.KindMalformed, "parse module", err)
	}
	if p.memories > 1 {
		return nil, errors.Compile(errors.KindUnsupported, "multiple memories", nil)
	}
	hasMemory := p.memories == 1
	if cfg.MaxPages > 0 && hasMemory && p.memoryMin > cfg.MaxPages {
		return nil, errors.Compile(errors.KindUnsupported,
			fmt.Sprintf("initial memory of %d pages exceeds limit of %d", p.memoryMin, cfg.MaxPages), nil)
	}
	for _, name := range p.exports {
		if name == FuelGlobal || name == TripGlobal {
			return nil, errors.Compile(errors.KindMalformed, "module exports reserved name "+name, nil)
		}
	}

	out, err := rewrite(p, cfg.MaxPages > 0 && hasMemory, cfg.MaxPages)
	if err != nil {
		if stderrors.Is(err, errUnsupported) {
			return nil, errors.Compile(errors.KindUnsupported, err.Error(), nil)
		}
		return nil, errors.Compile(errors.KindMalformed, "instrument code", err)
	}

	return &Module{
		Bytecode:  out,
		Imports:   p.imports,
		Exports:   p.exports,
		MemoryMin: p.memoryMin,
		HasMemory: hasMemory,
		Functions: int(p.funcCount),
	}, nil
}

func parse(b []byte) (*parsed, error) {
	if len(b) < 8 || string(b[:4]) != "\x00asm" {
		return nil, fmt.Errorf("missing wasm magic")
	}
	if b[4] != 0x01 || b[5] != 0 || b[6] != 0 || b[7] != 0 {
		return nil, fmt.Errorf("%w: binary version %x", errUnsupported, b[4:8])
	}

	p := &parsed{}
	r := newReader(b[8:])
	lastOrder := 0
	for !r.eof() {
		id, err := r.readByte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		payload, err := r.bytes(size)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		if id != secCustom {
			order := sectionOrder(id)
			if order == 0 {
				return nil, fmt.Errorf("unknown section id %d", id)
			}
			if order <= lastOrder {
				return nil, fmt.Errorf("section %d out of order", id)
			}
			lastOrder = order
		}
		p.sections = append(p.sections, section{id: id, payload: payload})

		sr := newReader(payload)
		switch id {
		case secType:
			err = p.parseTypes(sr)
		case secImport:
			err = p.parseImports(sr)
		case secFunction:
			p.funcCount, err = sr.u32()
		case secMemory:
			err = p.parseMemories(sr)
		case secGlobal:
			p.globalCount, err = sr.u32()
		case secExport:
			err = p.parseExports(sr)
		case secCode:
			err = p.parseCode(sr)
		case secStart:
			err = fmt.Errorf("%w: start function", errUnsupported)
		case secTag:
			err = fmt.Errorf("%w: exception tags", errUnsupported)
		}
		if err != nil {
			return nil, err
		}
	}

	if uint32(len(p.bodies)) != p.funcCount {
		return nil, fmt.Errorf("function count %d does not match %d code entries", p.funcCount, len(p.bodies))
	}
	return p, nil
}

func (p *parsed) parseTypes(r *reader) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	p.typeCount = n
	for i := uint32(0); i < n; i++ {
		form, err := r.readByte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("%w: type form 0x%02x", errUnsupported, form)
		}
		for j := 0; j < 2; j++ {
			count, err := r.u32()
			if err != nil {
				return err
			}
			types, err := r.bytes(count)
			if err != nil {
				return err
			}
			for _, t := range types {
				if !isValType(t) {
					return fmt.Errorf("%w: value type 0x%02x", errUnsupported, t)
				}
			}
		}
	}
	return nil
}

func (p *parsed) parseImports(r *reader) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		module, err := r.name()
		if err != nil {
			return err
		}
		name, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		switch kind {
		case 0x00:
			if _, err := r.u32(); err != nil {
				return err
			}
			p.importedFuncs++
			p.imports = append(p.imports, Import{Module: module, Name: name})
		case 0x01:
			if _, err := r.readByte(); err != nil {
				return err
			}
			if _, err := r.limits(); err != nil {
				return err
			}
		case 0x02:
			l, err := r.limits()
			if err != nil {
				return err
			}
			p.memories++
			p.memoryMin = l.min
		case 0x03:
			if err := r.skip(2); err != nil {
				return err
			}
			p.importedGlobals++
		default:
			return fmt.Errorf("%w: import kind 0x%02x", errUnsupported, kind)
		}
	}
	return nil
}

func (p *parsed) parseMemories(r *reader) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		l, err := r.limits()
		if err != nil {
			return err
		}
		p.memories++
		p.memoryMin = l.min
	}
	return nil
}

func (p *parsed) parseExports(r *reader) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}
		if _, err := r.readByte(); err != nil {
			return err
		}
		if _, err := r.u32(); err != nil {
			return err
		}
		p.exports = append(p.exports, name)
	}
	return nil
}

func (p *parsed) parseCode(r *reader) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	p.bodies = make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		size, err := r.u32()
		if err != nil {
			return err
		}
		body, err := r.bytes(size)
		if err != nil {
			return err
		}
		p.bodies = append(p.bodies, body)
	}
	return nil
}

// rewrite re-encodes the module with the injected globals, exports and
// functions. Injected entries are appended so no existing index moves.
func rewrite(p *parsed, guard bool, maxPages uint32) ([]byte, error) {
	chargeType := p.typeCount
	growType := p.typeCount + 1
	chargeFunc := p.importedFuncs + p.funcCount
	growFunc := chargeFunc + 1
	fuelGlobal := p.importedGlobals + p.globalCount
	tripGlobal := fuelGlobal + 1

	injected := uint32(1)
	if guard {
		injected = 2
	}

	bodies := make([][]byte, 0, len(p.bodies)+2)
	for i, body := range p.bodies {
		nb, err := meterBody(body, chargeFunc, growFunc, guard)
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", p.importedFuncs+uint32(i), err)
		}
		bodies = append(bodies, nb)
	}
	bodies = append(bodies, chargeBody(fuelGlobal, tripGlobal))
	if guard {
		bodies = append(bodies, growBody(tripGlobal, maxPages))
	}

	replaced := map[byte][]byte{}

	// Types: (i64) -> () and (i32) -> (i32).
	types := appendU32(nil, p.typeCount+2)
	types = append(types, vecTail(p.find(secType))...)
	types = append(types, 0x60, 0x01, 0x7E, 0x00)
	types = append(types, 0x60, 0x01, 0x7F, 0x01, 0x7F)
	replaced[secType] = types

	funcs := appendU32(nil, p.funcCount+injected)
	funcs = append(funcs, vecTail(p.find(secFunction))...)
	funcs = appendU32(funcs, chargeType)
	if guard {
		funcs = appendU32(funcs, growType)
	}
	replaced[secFunction] = funcs

	globals := appendU32(nil, p.globalCount+2)
	globals = append(globals, vecTail(p.find(secGlobal))...)
	globals = append(globals, 0x7E, 0x01, opI64Const, 0x00, opEnd)
	globals = append(globals, 0x7F, 0x01, opI32Const, 0x00, opEnd)
	replaced[secGlobal] = globals

	exports := appendU32(nil, uint32(len(p.exports))+2)
	exports = append(exports, vecTail(p.find(secExport))...)
	exports = appendName(exports, FuelGlobal)
	exports = append(exports, 0x03)
	exports = appendU32(exports, fuelGlobal)
	exports = appendName(exports, TripGlobal)
	exports = append(exports, 0x03)
	exports = appendU32(exports, tripGlobal)
	replaced[secExport] = exports

	code := appendU32(nil, uint32(len(bodies)))
	for _, body := range bodies {
		code = appendU32(code, uint32(len(body)))
		code = append(code, body...)
	}
	replaced[secCode] = code

	sections := make([]section, 0, len(p.sections)+len(replaced))
	for _, s := range p.sections {
		if payload, ok := replaced[s.id]; ok {
			s.payload = payload
			delete(replaced, s.id)
		}
		sections = append(sections, s)
	}
	// Remaining replacements are new sections; place each by canonical order.
	ids := make([]byte, 0, len(replaced))
	for id := range replaced {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return sectionOrder(ids[i]) < sectionOrder(ids[j]) })
	for _, id := range ids {
		sections = insertSection(sections, section{id: id, payload: replaced[id]})
	}

	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		out = append(out, s.id)
		out = appendU32(out, uint32(len(s.payload)))
		out = append(out, s.payload...)
	}
	return out, nil
}

func (p *parsed) find(id byte) []byte {
	for _, s := range p.sections {
		if s.id == id {
			return s.payload
		}
	}
	return nil
}

// vecTail returns the payload of a vector section without its count.
func vecTail(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	r := newReader(payload)
	if _, err := r.u32(); err != nil {
		return nil
	}
	return payload[r.pos:]
}

func insertSection(sections []section, s section) []section {
	order := sectionOrder(s.id)
	at := len(sections)
	for i, existing := range sections {
		if existing.id != secCustom && sectionOrder(existing.id) > order {
			at = i
			break
		}
	}
	sections = append(sections, section{})
	copy(sections[at+1:], sections[at:])
	sections[at] = s
	return sections
}
