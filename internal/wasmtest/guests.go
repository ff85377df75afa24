package wasmtest

// Fixed guest memory layout shared by the canned guests.
const (
	keysAddr = 16  // "abccfgresp" followed by "ws"
	pingAddr = 32  // "ping"
	wsKey    = 40  // "ws"
	OutAddr  = 512 // scratch output buffer
	OutCap   = 256
	HeapBase = 4096
)

// Host function indices of a guest's imports.
type imports struct {
	log, stateGet, statePut, stateDelete, emit, setOutput, abort, now, random uint32
	httpRequest, wsConnect, wsSend, wsRecv, wsClose                           uint32
}

func declareCommon(m *Module) imports {
	var im imports
	im.log = m.Import("env", "log", Sig(I32, I32, I32), nil)
	im.stateGet = m.Import("env", "state_get", Sig(I32, I32, I32, I32), Sig(I64))
	im.statePut = m.Import("env", "state_put", Sig(I32, I32, I32, I32), nil)
	im.stateDelete = m.Import("env", "state_delete", Sig(I32, I32), nil)
	im.emit = m.Import("env", "emit_event", Sig(I32, I32), nil)
	im.setOutput = m.Import("env", "set_output", Sig(I32, I32), nil)
	im.abort = m.Import("env", "abort", Sig(I32, I32), nil)
	im.now = m.Import("env", "now", nil, Sig(I64))
	im.random = m.Import("env", "random_bytes", Sig(I32, I32), nil)
	return im
}

func declareNetwork(m *Module, im *imports) {
	im.httpRequest = m.Import("env", "http_request", Sig(I32, I32, I32, I32), Sig(I64))
	im.wsConnect = m.Import("env", "ws_connect", Sig(I32, I32), Sig(I64))
	im.wsSend = m.Import("env", "ws_send", Sig(I64, I32, I32), Sig(I64))
	im.wsRecv = m.Import("env", "ws_recv", Sig(I64), Sig(I64))
	im.wsClose = m.Import("env", "ws_close", Sig(I64), Sig(I32))
}

// withAlloc adds a bump allocator export backed by a new heap global.
func withAlloc(m *Module) {
	heap := m.Global(I32, true, HeapBase)
	m.Func("alloc", Sig(I32), Sig(I32), nil,
		GlobalGet(heap),
		GlobalGet(heap), LocalGet(0), Op(OpI32Add), GlobalSet(heap),
	)
}

func layout(m *Module) {
	m.Data(keysAddr, []byte("abccfgresp"))
	m.Data(pingAddr, []byte("ping"))
	m.Data(wsKey, []byte("ws"))
}

func caseOf(tagLocal uint32, tag byte, body ...[]byte) []byte {
	out := concat(LocalGet(tagLocal), I32Const(int32(tag)), Op(OpI32Eq), If())
	out = append(out, concat(body...)...)
	return append(out, OpEnd)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Contract returns a contract whose process_action dispatches on the first
// byte of the action name:
//
//	r  output the value stored under key=payload; code 1 if absent
//	d  delete key=payload
//	t  put a, b and c = payload, then trap
//	e  put name=payload, output payload, return code 7
//	l  loop forever
//	g  grow memory by 1000 pages
//	G  grow memory by 1 page
//	o  read a key from an out-of-bounds pointer
//	x  abort with payload as message
//	n  output now() as i64 followed by 16 random bytes
//	L  log payload at info level
//	*  put name=payload, emit payload, output payload
//
// init stores its config under "cfg".
func Contract() []byte {
	m := New()
	im := declareCommon(m)
	m.Memory(2)
	layout(m)
	withAlloc(m)

	m.Func("init", Sig(I32, I32), Sig(I32), nil,
		I32Const(keysAddr+3), I32Const(3), LocalGet(0), LocalGet(1), Call(im.statePut),
		I32Const(0),
	)

	const (
		namePtr, nameLen, payPtr, payLen = 0, 1, 2, 3
		tag, n                           = 4, 5
	)
	put := func(kp, kl []byte) []byte {
		return concat(kp, kl, LocalGet(payPtr), LocalGet(payLen), Call(im.statePut))
	}
	output := concat(LocalGet(payPtr), LocalGet(payLen), Call(im.setOutput))

	m.Func("process_action", Sig(I32, I32, I32, I32), Sig(I32), Sig(I32, I64),
		LocalGet(nameLen), Op(OpI32Eqz), If(),
		I32Const(0), LocalSet(tag),
		Else(),
		LocalGet(namePtr), I32Load8U(0), LocalSet(tag),
		End(),

		caseOf(tag, 'r',
			LocalGet(payPtr), LocalGet(payLen), I32Const(OutAddr), I32Const(OutCap), Call(im.stateGet), LocalSet(n),
			LocalGet(n), I64Const(0), Op(OpI64LtS), If(), I32Const(1), Op(OpReturn), End(),
			I32Const(OutAddr), LocalGet(n), Op(OpI32WrapI64), Call(im.setOutput),
			I32Const(0), Op(OpReturn),
		),
		caseOf(tag, 'd',
			LocalGet(payPtr), LocalGet(payLen), Call(im.stateDelete),
			I32Const(0), Op(OpReturn),
		),
		caseOf(tag, 't',
			put(I32Const(keysAddr), I32Const(1)),
			put(I32Const(keysAddr+1), I32Const(1)),
			put(I32Const(keysAddr+2), I32Const(1)),
			Op(OpUnreachable),
		),
		caseOf(tag, 'e',
			put(LocalGet(namePtr), LocalGet(nameLen)),
			output,
			I32Const(7), Op(OpReturn),
		),
		caseOf(tag, 'l',
			Loop(), Br(0), End(),
			I32Const(0), Op(OpReturn),
		),
		caseOf(tag, 'g',
			I32Const(1000), MemoryGrow(), Op(OpDrop),
			I32Const(0), Op(OpReturn),
		),
		caseOf(tag, 'G',
			I32Const(1), MemoryGrow(), I32Const(-1), Op(OpI32Eq), If(), I32Const(2), Op(OpReturn), End(),
			I32Const(0), Op(OpReturn),
		),
		caseOf(tag, 'o',
			I32Const(-256), I32Const(100), LocalGet(payPtr), LocalGet(payLen), Call(im.statePut),
			I32Const(0), Op(OpReturn),
		),
		caseOf(tag, 'x',
			LocalGet(payPtr), LocalGet(payLen), Call(im.abort),
			I32Const(0), Op(OpReturn),
		),
		caseOf(tag, 'n',
			I32Const(OutAddr), Call(im.now), I64Store(0),
			I32Const(OutAddr+8), I32Const(16), Call(im.random),
			I32Const(OutAddr), I32Const(24), Call(im.setOutput),
			I32Const(0), Op(OpReturn),
		),
		caseOf(tag, 'L',
			I32Const(2), LocalGet(payPtr), LocalGet(payLen), Call(im.log),
			I32Const(0), Op(OpReturn),
		),

		put(LocalGet(namePtr), LocalGet(nameLen)),
		LocalGet(payPtr), LocalGet(payLen), Call(im.emit),
		output,
		I32Const(0),
	)
	return m.Bytes()
}

// ForbiddenContract is a contract that imports a network function.
func ForbiddenContract() []byte {
	m := New()
	im := declareCommon(m)
	declareNetwork(m, &im)
	m.Memory(1)
	withAlloc(m)
	m.Func("process_action", Sig(I32, I32, I32, I32), Sig(I32), nil,
		I32Const(0), I32Const(0), I32Const(0), I32Const(0), Call(im.httpRequest), Op(OpDrop),
		I32Const(0),
	)
	return m.Bytes()
}

// Const returns a minimal module exporting f() -> i32 returning v. Distinct
// values yield distinct content hashes.
func Const(v int32) []byte {
	m := New()
	m.Memory(1)
	m.Func("f", nil, Sig(I32), nil, I32Const(v))
	return m.Bytes()
}

// agentBase declares imports, memory, allocator and an init that records the
// config buffer in two globals.
func agentBase() (*Module, imports, uint32, uint32) {
	m := New()
	im := declareCommon(m)
	declareNetwork(m, &im)
	m.Memory(2)
	layout(m)
	withAlloc(m)
	cfgPtr := m.Global(I32, true, 0)
	cfgLen := m.Global(I32, true, 0)
	m.Func("init", Sig(I32, I32), Sig(I32), nil,
		LocalGet(0), GlobalSet(cfgPtr),
		LocalGet(1), GlobalSet(cfgLen),
		I32Const(0),
	)
	return m, im, cfgPtr, cfgLen
}

// HTTPAgent returns an agent whose tick sends its config as an HTTP request
// head and whose resume stores the result envelope under "resp" and outputs it.
func HTTPAgent() []byte {
	m, im, cfgPtr, cfgLen := agentBase()
	m.Func("tick", nil, Sig(I32), Sig(I64),
		GlobalGet(cfgPtr), GlobalGet(cfgLen), I32Const(0), I32Const(0), Call(im.httpRequest), LocalSet(0),
		LocalGet(0), I64Const(0), Op(OpI64LtS), If(), LocalGet(0), Op(OpI32WrapI64), Op(OpReturn), End(),
		I32Const(1),
	)
	m.Func("resume", Sig(I64, I32, I32), Sig(I32), nil,
		I32Const(keysAddr+6), I32Const(4), LocalGet(1), LocalGet(2), Call(im.statePut),
		LocalGet(1), LocalGet(2), Call(im.setOutput),
		I32Const(0),
	)
	return m.Bytes()
}

// BusyAgent issues two requests in one tick and outputs the second return
// value as an i64.
func BusyAgent() []byte {
	m, im, cfgPtr, cfgLen := agentBase()
	req := concat(GlobalGet(cfgPtr), GlobalGet(cfgLen), I32Const(0), I32Const(0), Call(im.httpRequest))
	m.Func("tick", nil, Sig(I32), nil,
		req, Op(OpDrop),
		I32Const(OutAddr), req, I64Store(0),
		I32Const(OutAddr), I32Const(8), Call(im.setOutput),
		I32Const(1),
	)
	m.Func("resume", Sig(I64, I32, I32), Sig(I32), nil, I32Const(0))
	return m.Bytes()
}

// StrayAwaitAgent claims to await I/O without issuing any.
func StrayAwaitAgent() []byte {
	m, _, _, _ := agentBase()
	m.Func("tick", nil, Sig(I32), nil, I32Const(1))
	m.Func("resume", Sig(I64, I32, I32), Sig(I32), nil, I32Const(0))
	return m.Bytes()
}

// WSAgent connects to the URL in its config, sends "ping", receives one
// message, stores the final envelope under "ws", closes and goes idle.
// A failed operation stores its envelope and resets the agent.
func WSAgent() []byte {
	m, im, cfgPtr, cfgLen := agentBase()
	phase := m.Global(I32, true, 0)
	conn := m.Global(I64, true, 0)
	store := concat(
		I32Const(wsKey), I32Const(2), LocalGet(1), LocalGet(2), Call(im.statePut),
		LocalGet(1), LocalGet(2), Call(im.setOutput),
	)

	m.Func("tick", nil, Sig(I32), Sig(I64),
		GlobalGet(phase), Op(OpI32Eqz), If(),
		GlobalGet(cfgPtr), GlobalGet(cfgLen), Call(im.wsConnect), LocalSet(0),
		LocalGet(0), I64Const(0), Op(OpI64LtS), If(), LocalGet(0), Op(OpI32WrapI64), Op(OpReturn), End(),
		I32Const(1), GlobalSet(phase),
		I32Const(1), Op(OpReturn),
		End(),
		I32Const(0),
	)
	m.Func("resume", Sig(I64, I32, I32), Sig(I32), nil,
		LocalGet(1), I32Load8U(0), If(),
		store,
		I32Const(0), GlobalSet(phase),
		I32Const(0), Op(OpReturn),
		End(),

		GlobalGet(phase), I32Const(1), Op(OpI32Eq), If(),
		LocalGet(1), I64Load(3), GlobalSet(conn),
		GlobalGet(conn), I32Const(pingAddr), I32Const(4), Call(im.wsSend), Op(OpDrop),
		I32Const(2), GlobalSet(phase),
		I32Const(1), Op(OpReturn),
		End(),

		GlobalGet(phase), I32Const(2), Op(OpI32Eq), If(),
		GlobalGet(conn), Call(im.wsRecv), Op(OpDrop),
		I32Const(3), GlobalSet(phase),
		I32Const(1), Op(OpReturn),
		End(),

		store,
		GlobalGet(conn), Call(im.wsClose), Op(OpDrop),
		I32Const(4), GlobalSet(phase),
		I32Const(0),
	)
	return m.Bytes()
}
