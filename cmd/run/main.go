package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/config"
	"github.com/wippyai/wasm-executor/engine"
	"github.com/wippyai/wasm-executor/httpapi"
	"github.com/wippyai/wasm-executor/state"
	"github.com/wippyai/wasm-executor/state/sqlite"
)

type options struct {
	configPath  string
	wasmFile    string
	kind        string
	id          string
	initConfig  string
	action      string
	payload     string
	ts          int64
	nonce       uint64
	ticks       int
	list        bool
	serve       bool
	interactive bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "Path to a YAML config file")
	flag.StringVar(&o.wasmFile, "wasm", "", "Path to a package wasm file")
	flag.StringVar(&o.kind, "kind", "contract", "Package kind: contract or agent")
	flag.StringVar(&o.id, "id", "", "Package id (default: file name)")
	flag.StringVar(&o.initConfig, "init", "", "Config passed to the init export")
	flag.StringVar(&o.action, "action", "", "Contract action to execute")
	flag.StringVar(&o.payload, "payload", "", "Action payload")
	flag.Int64Var(&o.ts, "ts", 0, "Action timestamp in ms (default: now)")
	flag.Uint64Var(&o.nonce, "nonce", 0, "Action nonce")
	flag.IntVar(&o.ticks, "ticks", 1, "Agent steps to run")
	flag.BoolVar(&o.list, "list", false, "List imports and exports and exit")
	flag.BoolVar(&o.serve, "serve", false, "Serve the HTTP API and schedule agents")
	flag.BoolVar(&o.interactive, "i", false, "Interactive mode with TUI")
	flag.Parse()

	if o.wasmFile == "" && !o.serve {
		fmt.Fprintln(os.Stderr, "Usage: run -wasm <file.wasm> -action name [-payload data] [-ts ms] [-nonce n]")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -kind agent [-init cfg] [-ticks n]")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -i  (interactive mode)")
		fmt.Fprintln(os.Stderr, "       run -serve [-config file.yaml]")
		os.Exit(1)
	}

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	if o.list {
		return list(o.wasmFile)
	}
	if o.interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("interactive mode needs a terminal")
		}
		return runInteractive(cfg, o)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	if o.wasmFile != "" {
		if _, err := load(ctx, rt, o); err != nil {
			return err
		}
	}
	if o.serve {
		return serve(ctx, rt, cfg, logger)
	}

	if o.kind == "agent" {
		return tickAgent(ctx, rt, packageID(o), o.ticks)
	}
	return executeAction(ctx, rt, packageID(o), o)
}

// newLogger builds a production or development zap logger.
func newLogger(c config.Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func openBackend(c config.Store) (state.Backend, error) {
	switch c.Driver {
	case config.DriverSQLite:
		return sqlite.Open(c.Path)
	default:
		return state.NewMemoryBackend(), nil
	}
}

func newRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (*engine.Runtime, error) {
	backend, err := openBackend(cfg.Store)
	if err != nil {
		return nil, err
	}
	rt, err := engine.New(ctx, backend, engine.WithConfig(cfg.Engine()), engine.WithLogger(logger))
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return rt, nil
}

func packageID(o options) string {
	if o.id != "" {
		return o.id
	}
	return strings.TrimSuffix(filepath.Base(o.wasmFile), filepath.Ext(o.wasmFile))
}

// load registers the wasm file named by o.
func load(ctx context.Context, rt *engine.Runtime, o options) (engine.PackageInfo, error) {
	kind, err := executor.ParseKind(o.kind)
	if err != nil {
		return engine.PackageInfo{}, err
	}
	data, err := os.ReadFile(o.wasmFile)
	if err != nil {
		return engine.PackageInfo{}, fmt.Errorf("read file: %w", err)
	}
	pkg := executor.Package{
		ID:       packageID(o),
		Kind:     kind,
		Bytecode: data,
		Config:   []byte(o.initConfig),
	}
	if err := rt.Register(ctx, pkg); err != nil {
		return engine.PackageInfo{}, fmt.Errorf("register: %w", err)
	}
	return rt.Package(pkg.ID)
}

func executeAction(ctx context.Context, rt *engine.Runtime, id string, o options) error {
	if o.action == "" {
		return fmt.Errorf("-action is required for contracts")
	}
	ts := o.ts
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	res, err := rt.ExecuteAction(ctx, executor.ActionRequest{
		PackageID: id,
		Action:    o.action,
		Payload:   []byte(o.payload),
		Timestamp: ts,
		Nonce:     o.nonce,
	})
	if err != nil {
		return fmt.Errorf("execute %s: %w", o.action, err)
	}
	printResult(res.Status, res.Code, res.Payload, res.Events, res.Logs, res.FuelUsed)
	return nil
}

// tickAgent runs n steps of an agent, waiting for pending operations.
func tickAgent(ctx context.Context, rt *engine.Runtime, id string, n int) error {
	for done := 0; done < n; {
		res, err := rt.RunAgentTick(ctx, id)
		if err != nil {
			return fmt.Errorf("tick %s: %w", id, err)
		}
		if !res.Entered {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		done++
		fmt.Printf("Step %d: state=%s resumed=%t op=%d\n", done, res.State, res.Resumed, res.Op)
		printResult(res.Status, res.Code, res.Payload, res.Events, res.Logs, res.FuelUsed)
	}
	return nil
}

func printResult(status executor.Status, code int32, payload []byte, events []executor.Event, logs []executor.LogLine, fuel uint64) {
	fmt.Printf("Status: %s (code %d), fuel %d\n", status, code, fuel)
	if len(payload) > 0 {
		fmt.Printf("Output: %q\n", payload)
	}
	for i, ev := range events {
		fmt.Printf("Event %d: %q\n", i, ev.Data)
	}
	for _, l := range logs {
		fmt.Printf("[%s] %s\n", l.Level, l.Message)
	}
}

func serve(ctx context.Context, rt *engine.Runtime, cfg config.Config, logger *zap.Logger) error {
	sched := engine.NewScheduler(rt, cfg.Agents.TickInterval)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx) //nolint:errcheck
	}()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(rt, httpapi.WithLogger(logger.Named("http")), httpapi.WithJWTSecret(cfg.HTTP.JWTSecret)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.HTTP.Addr), zap.Bool("auth", cfg.HTTP.JWTSecret != ""))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		<-schedDone
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdown)
	<-schedDone
	if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// list prints a module's imports and exports.
func list(wasmFile string) error {
	ctx := context.Background()
	data, err := os.ReadFile(wasmFile)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)
	compiled, err := r.CompileModule(ctx, data)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	fmt.Printf("Module: %s\n", wasmFile)
	fmt.Printf("Hash: %s\n", executor.HashBytecode(data))
	fmt.Printf("\nImports:\n")
	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		fmt.Printf("  %s.%s%s\n", mod, name, signature(def))
	}
	fmt.Printf("\nExports:\n")
	exports := compiled.ExportedFunctions()
	names := make([]string, 0, len(exports))
	for name := range exports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s%s\n", name, signature(exports[name]))
	}
	for name := range compiled.ExportedMemories() {
		fmt.Printf("  %s (memory)\n", name)
	}
	return nil
}

func signature(def api.FunctionDefinition) string {
	names := func(types []api.ValueType) string {
		parts := make([]string, len(types))
		for i, t := range types {
			parts[i] = api.ValueTypeName(t)
		}
		return strings.Join(parts, ", ")
	}
	s := "(" + names(def.ParamTypes()) + ")"
	if len(def.ResultTypes()) > 0 {
		s += " -> " + names(def.ResultTypes())
	}
	return s
}
