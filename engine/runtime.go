package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/abi"
	"github.com/wippyai/wasm-executor/agentio"
	"github.com/wippyai/wasm-executor/codestore"
	"github.com/wippyai/wasm-executor/errors"
	"github.com/wippyai/wasm-executor/host"
	"github.com/wippyai/wasm-executor/meter"
	"github.com/wippyai/wasm-executor/state"
)

// PackageInfo describes a registered package.
type PackageInfo struct {
	ID      string               `json:"id"`
	Version string               `json:"version,omitempty"`
	Kind    executor.Kind        `json:"kind"`
	Hash    executor.ContentHash `json:"hash"`
}

type registered struct {
	pkg  executor.Package
	info PackageInfo
}

// Runtime hosts contracts and agents. It owns the wazero runtime, the code
// store, the state store and the agent I/O pool. Thread-safe.
type Runtime struct {
	cfg      Config
	logger   *zap.Logger
	registry *host.Registry
	ioOpts   []agentio.Option

	wasm  wazero.Runtime
	cache wazero.CompilationCache
	code  *codestore.Store
	state *state.Store
	io    *agentio.Pool

	mu       sync.RWMutex
	packages map[string]*registered
	tasks    map[string]*task
	closed   bool

	waker atomic.Pointer[func(agent string)]
}

// New creates a runtime persisting package state in backend. The runtime
// takes ownership of backend and closes it in Close.
func New(ctx context.Context, backend state.Backend, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		logger:   Logger(),
		packages: make(map[string]*registered),
		tasks:    make(map[string]*task),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cfg.applyDefaults()
	if r.registry == nil {
		r.registry = host.Default()
	}

	rc := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(r.cfg.MemoryPages)
	if r.cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(r.cfg.CacheDir)
		if err != nil {
			return nil, errors.InvalidInput(fmt.Sprintf("compilation cache %q: %v", r.cfg.CacheDir, err))
		}
		r.cache = cache
		rc = rc.WithCompilationCache(cache)
	}
	r.wasm = wazero.NewRuntimeWithConfig(ctx, rc)

	if _, err := r.registry.Build(ctx, r.wasm); err != nil {
		_ = r.wasm.Close(ctx)
		return nil, err
	}

	r.code = codestore.New(codestore.CompilerFunc(r.compile),
		codestore.WithCapacity(r.cfg.CacheCapacity),
		codestore.WithLogger(r.logger.Named("codestore")))
	r.state = state.New(backend, state.WithLogger(r.logger.Named("state")))

	ioOpts := append([]agentio.Option{
		agentio.WithLogger(r.logger.Named("agentio")),
		agentio.WithOnComplete(r.ioComplete),
	}, r.ioOpts...)
	r.io = agentio.NewPool(r.cfg.IO, ioOpts...)

	r.logger.Info("runtime started",
		zap.Uint64("fuel", r.cfg.Fuel),
		zap.Uint32("memory_pages", r.cfg.MemoryPages),
		zap.Duration("timeout", r.cfg.Timeout),
		zap.Int("cache_capacity", r.cfg.CacheCapacity))
	return r, nil
}

// compile instruments bytecode and compiles it. It is the code store's
// compiler and runs once per distinct hash.
func (r *Runtime) compile(ctx context.Context, bytecode []byte) (wazero.CompiledModule, error) {
	m, err := meter.Instrument(bytecode, meter.Config{MaxPages: r.cfg.MemoryPages})
	if err != nil {
		return nil, err
	}
	compiled, err := r.wasm.CompileModule(ctx, m.Bytecode)
	if err != nil {
		return nil, errors.Compile(errors.KindMalformed, "compile instrumented module", err)
	}
	r.logger.Debug("compiled module",
		zap.Int("functions", m.Functions),
		zap.Int("imports", len(m.Imports)),
		zap.Int("size", len(m.Bytecode)))
	return compiled, nil
}

// Config returns the effective configuration.
func (r *Runtime) Config() Config {
	return r.cfg
}

// Registry returns the host function table.
func (r *Runtime) Registry() *host.Registry {
	return r.registry
}

// Register validates and compiles pkg and makes it invokable under pkg.ID.
// Registering an existing id replaces it; a running agent session of that id
// is dropped and restarts on the new code.
func (r *Runtime) Register(ctx context.Context, pkg executor.Package) error {
	switch {
	case pkg.ID == "":
		return errors.InvalidInput("package id is required")
	case pkg.Kind != executor.KindContract && pkg.Kind != executor.KindAgent:
		return errors.InvalidInput(fmt.Sprintf("package %q has no valid kind", pkg.ID))
	case len(pkg.Bytecode) == 0:
		return errors.InvalidInput(fmt.Sprintf("package %q has no bytecode", pkg.ID))
	}
	if err := r.checkOpen(); err != nil {
		return err
	}

	pkg.Bytecode = slices.Clone(pkg.Bytecode)
	pkg.Config = slices.Clone(pkg.Config)
	hash := pkg.ContentHash()

	h, err := r.code.GetOrCompile(ctx, hash, pkg.Bytecode)
	if err != nil {
		return errors.WithPackage(err, pkg.ID)
	}
	defer h.Release()

	if err := r.validate(pkg.Kind, h.Module()); err != nil {
		return errors.WithPackage(err, pkg.ID)
	}

	reg := &registered{
		pkg:  pkg,
		info: PackageInfo{ID: pkg.ID, Version: pkg.Version, Kind: pkg.Kind, Hash: hash},
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errClosed()
	}
	_, replaced := r.packages[pkg.ID]
	r.packages[pkg.ID] = reg
	t := r.tasks[pkg.ID]
	delete(r.tasks, pkg.ID)
	r.mu.Unlock()

	if t != nil {
		r.stopTask(ctx, t)
	}
	r.logger.Info("package registered",
		zap.String("package", pkg.ID),
		zap.String("version", pkg.Version),
		zap.Stringer("kind", pkg.Kind),
		zap.String("hash", hash.Short()),
		zap.Bool("replaced", replaced))
	return nil
}

type exportSig struct {
	params, results []api.ValueType
	required        func(executor.Kind) bool
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64

	always    = func(executor.Kind) bool { return true }
	never     = func(executor.Kind) bool { return false }
	contracts = func(k executor.Kind) bool { return k == executor.KindContract }
	agents    = func(k executor.Kind) bool { return k == executor.KindAgent }

	exportSigs = map[string]exportSig{
		abi.ExportAlloc:         {[]api.ValueType{i32}, []api.ValueType{i32}, always},
		abi.ExportInit:          {[]api.ValueType{i32, i32}, []api.ValueType{i32}, never},
		abi.ExportProcessAction: {[]api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, contracts},
		abi.ExportTick:          {nil, []api.ValueType{i32}, agents},
		abi.ExportResume:        {[]api.ValueType{i64, i32, i32}, []api.ValueType{i32}, agents},
	}
)

// validate checks a compiled module's imports and exports against its kind.
func (r *Runtime) validate(kind executor.Kind, compiled wazero.CompiledModule) error {
	if len(compiled.ImportedMemories()) > 0 {
		return errors.Compile(errors.KindUnknownImport, "imported memories are not supported", nil)
	}
	if err := r.registry.Check(kind, compiled.ImportedFunctions()); err != nil {
		return err
	}
	if _, ok := compiled.ExportedMemories()[abi.ExportMemory]; !ok {
		return errors.Compile(errors.KindMissingExport, "module does not export memory", nil)
	}

	exports := compiled.ExportedFunctions()
	names := make([]string, 0, len(exportSigs))
	for name := range exportSigs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sig := exportSigs[name]
		def, ok := exports[name]
		if !ok {
			if sig.required(kind) {
				return errors.Compile(errors.KindMissingExport,
					fmt.Sprintf("%s package must export %s", kind, name), nil)
			}
			continue
		}
		if !slices.Equal(def.ParamTypes(), sig.params) || !slices.Equal(def.ResultTypes(), sig.results) {
			return errors.Compile(errors.KindMissingExport,
				fmt.Sprintf("export %s has the wrong signature", name), nil)
		}
	}
	return nil
}

// Unregister removes a package. Its committed state is kept.
func (r *Runtime) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.packages[id]; !ok {
		r.mu.Unlock()
		return errors.NotFound("package", id)
	}
	delete(r.packages, id)
	t := r.tasks[id]
	delete(r.tasks, id)
	r.mu.Unlock()

	if t != nil {
		r.stopTask(ctx, t)
	}
	r.logger.Info("package unregistered", zap.String("package", id))
	return nil
}

// Packages lists registered packages sorted by id.
func (r *Runtime) Packages() []PackageInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PackageInfo, 0, len(r.packages))
	for _, reg := range r.packages {
		out = append(out, reg.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Package returns the registration of id.
func (r *Runtime) Package(id string) (PackageInfo, error) {
	reg, err := r.lookup(id)
	if err != nil {
		return PackageInfo{}, err
	}
	return reg.info, nil
}

func (r *Runtime) lookup(id string) (*registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, errClosed()
	}
	reg, ok := r.packages[id]
	if !ok {
		return nil, errors.NotFound("package", id)
	}
	return reg, nil
}

// State returns the committed keys of a registered package under prefix.
func (r *Runtime) State(ctx context.Context, id string, prefix []byte) ([]state.KV, error) {
	if _, err := r.lookup(id); err != nil {
		return nil, err
	}
	return r.state.Scan(ctx, id, prefix)
}

// Actions returns a page of the committed action log of a registered package.
func (r *Runtime) Actions(ctx context.Context, id string, page state.Page) (state.Paged[state.ActionRecord], error) {
	if _, err := r.lookup(id); err != nil {
		return state.Paged[state.ActionRecord]{}, err
	}
	return r.state.Actions(ctx, id, page)
}

// Logs returns a page of the persisted guest log lines of a registered package.
func (r *Runtime) Logs(ctx context.Context, id string, page state.Page) (state.Paged[state.LogRecord], error) {
	if _, err := r.lookup(id); err != nil {
		return state.Paged[state.LogRecord]{}, err
	}
	return r.state.Logs(ctx, id, page)
}

// CodeStats reports code store counters.
func (r *Runtime) CodeStats() codestore.Stats {
	return r.code.Stats()
}

// Close stops every agent session and releases all resources, including the
// state backend.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	tasks := r.tasks
	r.tasks = make(map[string]*task)
	r.mu.Unlock()

	for _, t := range tasks {
		r.stopTask(ctx, t)
	}
	r.io.Close()
	r.code.Close()

	var firstErr error
	if err := r.wasm.Close(ctx); err != nil {
		firstErr = err
	}
	if r.cache != nil {
		if err := r.cache.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.state.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	r.logger.Info("runtime closed")
	return firstErr
}

func (r *Runtime) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errClosed()
	}
	return nil
}

func errClosed() error {
	return errors.New(errors.ClassInvalid, errors.KindClosedRuntime).Detail("runtime closed").Build()
}

// ioComplete is the agent I/O pool's completion callback.
func (r *Runtime) ioComplete(op *agentio.Op) {
	if wake := r.waker.Load(); wake != nil {
		(*wake)(op.Agent)
	}
}

// setWaker installs the function called when an agent's pending op completes.
func (r *Runtime) setWaker(fn func(agent string)) {
	if fn == nil {
		r.waker.Store(nil)
		return
	}
	r.waker.Store(&fn)
}
