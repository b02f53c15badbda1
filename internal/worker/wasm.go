package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/ironvale/taskforge/internal/store"
)

const (
	// EntryFunc is the export a handler module must provide. Modules built
	// for wasip1 may export _start instead.
	EntryFunc = "run"

	// DefaultMemoryPages caps module memory at 64MB (pages are 64KB).
	DefaultMemoryPages = 1024
)

// RuntimeConfig shapes the WASM handler runtime.
type RuntimeConfig struct {
	// Dir holds the *.wasm handler modules. Default ~/.taskforge/handlers.
	Dir string

	MemoryLimitPages uint32

	Logger *slog.Logger
}

// Runtime compiles WASM modules from a directory and runs them as task
// handlers. Each invocation instantiates a fresh module: payload JSON goes
// in on stdin, the result comes back on stdout, and nothing survives
// between calls.
type Runtime struct {
	dir    string
	rt     wazero.Runtime
	logger *slog.Logger

	mu      sync.Mutex
	modules map[string]wazero.CompiledModule
}

func NewRuntime(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve handler dir: %w", err)
		}
		cfg.Dir = filepath.Join(home, ".taskforge", "handlers")
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryPages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	rc := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, rc)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)
	return &Runtime{
		dir:     cfg.Dir,
		rt:      rt,
		logger:  cfg.Logger.With("component", "wasm"),
		modules: make(map[string]wazero.CompiledModule),
	}, nil
}

// Dir returns the handler module directory.
func (r *Runtime) Dir() string { return r.dir }

// ModuleName derives the handler name from a module path: payload_scan.wasm
// registers as "payload_scan".
func ModuleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Load compiles the module at path and registers it under its file name,
// replacing any previous version.
func (r *Runtime) Load(ctx context.Context, path string) error {
	name := ModuleName(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := r.rt.CompileModule(ctx, raw)
	if err != nil {
		return fmt.Errorf("compile wasm module %q: %w", name, err)
	}
	r.mu.Lock()
	old := r.modules[name]
	r.modules[name] = compiled
	r.mu.Unlock()
	if old != nil {
		old.Close(ctx)
	}
	r.logger.Info("wasm handler loaded", "module", name, "path", path)
	return nil
}

// LoadDir compiles every *.wasm module in the runtime's directory. Modules
// that fail to compile are skipped with a warning so one bad file cannot
// block the rest.
func (r *Runtime) LoadDir(ctx context.Context) (int, error) {
	paths, err := filepath.Glob(filepath.Join(r.dir, "*.wasm"))
	if err != nil {
		return 0, fmt.Errorf("scan handler dir: %w", err)
	}
	loaded := 0
	for _, p := range paths {
		if err := r.Load(ctx, p); err != nil {
			r.logger.Warn("skipping wasm module", "path", p, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Remove drops a module from the registry.
func (r *Runtime) Remove(ctx context.Context, name string) {
	r.mu.Lock()
	compiled := r.modules[name]
	delete(r.modules, name)
	r.mu.Unlock()
	if compiled != nil {
		compiled.Close(ctx)
		r.logger.Info("wasm handler removed", "module", name)
	}
}

// Has reports whether a module is registered under name.
func (r *Runtime) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.modules[name]
	return ok
}

// Modules lists registered module names.
func (r *Runtime) Modules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs one module against a payload. The module reads the payload
// from stdin and writes its JSON result to stdout; a zero exit is success.
// Deadline and cancellation of ctx abort the module mid-run.
func (r *Runtime) Invoke(ctx context.Context, name, payload string) (string, error) {
	r.mu.Lock()
	compiled, ok := r.modules[name]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("wasm module %q not loaded", name)
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(strings.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions()
	mod, err := r.rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return "", wasmFault(name, err, &stderr)
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction(EntryFunc)
	if fn == nil {
		fn = mod.ExportedFunction("_start")
	}
	if fn == nil {
		return "", &HandlerError{
			Kind:    store.ErrorKindValidation,
			Message: fmt.Sprintf("wasm module %q exports neither %q nor _start", name, EntryFunc),
		}
	}
	if _, err := fn.Call(ctx); err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 0 {
			return stdout.String(), nil
		}
		return "", wasmFault(name, err, &stderr)
	}
	return stdout.String(), nil
}

// Close shuts the runtime down, releasing every compiled module.
func (r *Runtime) Close(ctx context.Context) {
	r.mu.Lock()
	r.modules = make(map[string]wazero.CompiledModule)
	r.mu.Unlock()
	if err := r.rt.Close(ctx); err != nil {
		r.logger.Warn("wasm runtime close", "error", err)
	}
}

// wasmFault classifies a module failure. Context errors pass through so the
// worker reports them as timeout or shutdown; everything else is a
// deterministic module fault that retrying will not fix.
func wasmFault(name string, err error, stderr *bytes.Buffer) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	tail := strings.TrimSpace(stderr.String())
	var exit *sys.ExitError
	var msg string
	if errors.As(err, &exit) {
		msg = fmt.Sprintf("wasm module %q exited with code %d", name, exit.ExitCode())
	} else {
		msg = fmt.Sprintf("wasm module %q trapped: %s", name, err.Error())
	}
	if tail != "" {
		msg += ": " + tail
	}
	return &HandlerError{Kind: store.ErrorKindSystem, Message: msg}
}
