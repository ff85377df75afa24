package engine

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasm-executor/abi"
	"github.com/wippyai/wasm-executor/codestore"
	"github.com/wippyai/wasm-executor/errors"
	"github.com/wippyai/wasm-executor/host"
	"github.com/wippyai/wasm-executor/meter"
)

// instance is one instantiation of a package with private linear memory.
// It pins its compiled module until closed. Not safe for concurrent use.
type instance struct {
	pkg    string
	mod    api.Module
	handle *codestore.Handle
	env    *host.Env
	fuel   api.MutableGlobal
	trip   api.MutableGlobal

	budget   uint64
	pages    uint32
	timeout  time.Duration
	fuelUsed uint64
}

// instantiate creates a fresh instance of reg bound to env.
func (r *Runtime) instantiate(ctx context.Context, reg *registered, env *host.Env) (*instance, error) {
	h, err := r.code.GetOrCompile(ctx, reg.info.Hash, reg.pkg.Bytecode)
	if err != nil {
		return nil, errors.WithPackage(err, reg.info.ID)
	}

	cfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := r.wasm.InstantiateModule(host.WithEnv(ctx, env), h.Module(), cfg)
	if err != nil {
		h.Release()
		return nil, errors.New(errors.ClassTrap, errors.KindInstantiation).
			Package(reg.info.ID).
			Detail("instantiate module").
			Cause(err).
			Build()
	}

	fuel, okFuel := mod.ExportedGlobal(meter.FuelGlobal).(api.MutableGlobal)
	trip, okTrip := mod.ExportedGlobal(meter.TripGlobal).(api.MutableGlobal)
	if !okFuel || !okTrip {
		_ = mod.Close(ctx)
		h.Release()
		return nil, errors.Compile(errors.KindMalformed, "module is not instrumented", nil)
	}

	return &instance{
		pkg:     reg.info.ID,
		mod:     mod,
		handle:  h,
		env:     env,
		fuel:    fuel,
		trip:    trip,
		budget:  r.cfg.Fuel,
		pages:   r.cfg.MemoryPages,
		timeout: r.cfg.Timeout,
	}, nil
}

func (in *instance) exports(name string) bool {
	return in.mod.ExportedFunction(name) != nil
}

// begin starts an invocation: the fuel budget is refilled and the wall-clock
// deadline starts running. Every invoke made with the returned context draws
// on the same budget and deadline.
func (in *instance) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	in.fuel.Set(in.budget)
	in.trip.Set(uint64(meter.TripNone))
	return context.WithTimeout(ctx, in.timeout)
}

// invoke calls export within the invocation started by begin. The inputs are
// copied into guest memory through alloc and passed as (ptr, len) pairs after
// lead. It returns the guest's i32 result.
func (in *instance) invoke(ctx context.Context, export string, lead []uint64, inputs ...[]byte) (int32, error) {
	fn := in.mod.ExportedFunction(export)
	if fn == nil {
		return 0, errors.Trap(errors.KindProtocol, "missing export "+export, nil)
	}

	callCtx := host.WithEnv(ctx, in.env)
	before := in.fuel.Get()

	params := make([]uint64, 0, len(lead)+2*len(inputs))
	params = append(params, lead...)
	if len(inputs) > 0 {
		mem := abi.NewMemory(in.mod.Memory())
		alloc := abi.NewAllocator(callCtx, in.mod.ExportedFunction(abi.ExportAlloc))
		for _, data := range inputs {
			ptr, n, err := abi.WriteInput(mem, alloc, data)
			if err != nil {
				in.account(before)
				return 0, in.fault(callCtx, err)
			}
			params = append(params, uint64(ptr), uint64(n))
		}
	}

	results, err := fn.Call(callCtx, params...)
	in.account(before)
	if err != nil {
		return 0, in.fault(callCtx, err)
	}
	if len(results) != 1 {
		return 0, errors.Trap(errors.KindProtocol, export+" returned no result", nil)
	}
	return int32(uint32(results[0])), nil
}

// account adds the fuel consumed by the last call, which started with before.
func (in *instance) account(before uint64) {
	remaining := in.fuel.Get()
	if in.trip.Get() == meter.TripFuel || remaining > before {
		in.fuelUsed += before
		return
	}
	in.fuelUsed += before - remaining
}

// fault classifies a failed guest call.
func (in *instance) fault(callCtx context.Context, err error) error {
	switch in.trip.Get() {
	case meter.TripFuel:
		return errors.New(errors.ClassResource, errors.KindFuel).
			Package(in.pkg).
			Detail("fuel budget of %d exhausted", in.budget).
			Build()
	case meter.TripMemory:
		return errors.New(errors.ClassResource, errors.KindMemory).
			Package(in.pkg).
			Detail("memory limit of %d pages exceeded", in.pages).
			Build()
	}

	if cerr := callCtx.Err(); cerr != nil {
		if stderrors.Is(cerr, context.DeadlineExceeded) {
			return errors.New(errors.ClassResource, errors.KindTimeout).
				Package(in.pkg).
				Detail("guest call exceeded its deadline").
				Cause(cerr).
				Build()
		}
		return errors.New(errors.ClassResource, errors.KindCanceled).
			Package(in.pkg).
			Detail("guest call canceled").
			Cause(cerr).
			Build()
	}

	if herr := in.env.Err(); herr != nil {
		return herr
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		return errors.WithPackage(e, in.pkg)
	}
	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		return errors.New(errors.ClassTrap, errors.KindAbort).
			Package(in.pkg).
			Detail("module exited with code %d", exit.ExitCode()).
			Cause(err).
			Build()
	}
	return errors.New(errors.ClassTrap, runtimeFaultKind(err)).
		Package(in.pkg).
		Detail("%s", firstLine(err.Error())).
		Cause(err).
		Build()
}

// runtimeFaultKind maps wazero's runtime error messages to a kind.
func runtimeFaultKind(err error) errors.Kind {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unreachable"):
		return errors.KindUnreachable
	case strings.Contains(msg, "out of bounds memory access"):
		return errors.KindOutOfBounds
	default:
		return errors.KindFault
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// close releases the instance and its module pin.
func (in *instance) close(ctx context.Context) {
	if in == nil || in.mod == nil {
		return
	}
	_ = in.mod.Close(ctx)
	in.mod = nil
	in.handle.Release()
}
