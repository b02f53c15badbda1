package worker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/reporting"
	"github.com/ironvale/taskforge/internal/store"
	"github.com/ironvale/taskforge/internal/worker"
)

// The test modules are assembled by hand so the suite needs no wasm
// toolchain.

// noopModule exports a "run" that does nothing and returns.
func noopModule() []byte {
	return []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: () -> ()
		0x03, 0x02, 0x01, 0x00, // one func of type 0
		0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x00, // export "run"
		0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // empty body
	}
}

// echoModule exports a "run" that reads stdin with fd_read and writes it
// back with fd_write, exercising the payload-in result-out contract.
func echoModule() []byte {
	return []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		// types: (i32,i32,i32,i32)->i32 and ()->()
		0x01, 0x0c, 0x02, 0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00,
		// imports: wasi_snapshot_preview1 fd_read and fd_write
		0x02, 0x44, 0x02,
		0x16, 'w', 'a', 's', 'i', '_', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', '_', 'p', 'r', 'e', 'v', 'i', 'e', 'w', '1',
		0x07, 'f', 'd', '_', 'r', 'e', 'a', 'd', 0x00, 0x00,
		0x16, 'w', 'a', 's', 'i', '_', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', '_', 'p', 'r', 'e', 'v', 'i', 'e', 'w', '1',
		0x08, 'f', 'd', '_', 'w', 'r', 'i', 't', 'e', 0x00, 0x00,
		// one local func of type 1, one memory page, exports
		0x03, 0x02, 0x01, 0x01,
		0x05, 0x03, 0x01, 0x00, 0x01,
		0x07, 0x10, 0x02, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00, 0x03, 'r', 'u', 'n', 0x00, 0x02,
		// run: fd_read(0, iovs@0, 1, nread@16); iovec1.len = nread;
		// fd_write(1, iovs@8, 1, nwritten@20)
		0x0a, 0x24, 0x01, 0x22, 0x00,
		0x41, 0x00, 0x41, 0x00, 0x41, 0x01, 0x41, 0x10, 0x10, 0x00, 0x1a,
		0x41, 0x0c, 0x41, 0x10, 0x28, 0x02, 0x00, 0x36, 0x02, 0x00,
		0x41, 0x01, 0x41, 0x08, 0x41, 0x01, 0x41, 0x14, 0x10, 0x01, 0x1a,
		0x0b,
		// data: iovec0 = {base 64, len 1024}, iovec1 = {base 64, len 0}
		0x0b, 0x16, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x10,
		0x40, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00,
		0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
}

// spinModule exports a "run" that loops forever, for deadline tests.
func spinModule() []byte {
	return []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		0x03, 0x02, 0x01, 0x00,
		0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x00,
		0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b, // loop { br 0 }
	}
}

// emptyModule is valid wasm with no exports at all.
func emptyModule() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
}

func newTestRuntime(t *testing.T, dir string) *worker.Runtime {
	t.Helper()
	rt, err := worker.NewRuntime(context.Background(), worker.RuntimeConfig{Dir: dir})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func writeModule(t *testing.T, dir, name string, raw []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestModuleName(t *testing.T) {
	cases := map[string]string{
		"/opt/handlers/payload_scan.wasm": "payload_scan",
		"echo.wasm":                       "echo",
		"noext":                           "noext",
	}
	for path, want := range cases {
		if got := worker.ModuleName(path); got != want {
			t.Errorf("ModuleName(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestLoadAndInvokeNoop(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	path := writeModule(t, dir, "noop.wasm", noopModule())

	if err := rt.Load(context.Background(), path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !rt.Has("noop") {
		t.Fatal("module not registered after load")
	}
	if mods := rt.Modules(); len(mods) != 1 || mods[0] != "noop" {
		t.Errorf("modules = %v", mods)
	}
	out, err := rt.Invoke(context.Background(), "noop", "{}")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "" {
		t.Errorf("noop output = %q, want empty", out)
	}
}

func TestInvokeEchoesStdinToStdout(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	path := writeModule(t, dir, "echo.wasm", echoModule())
	if err := rt.Load(context.Background(), path); err != nil {
		t.Fatalf("load: %v", err)
	}

	payload := `{"target":"daily","rows":42}`
	out, err := rt.Invoke(context.Background(), "echo", payload)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != payload {
		t.Errorf("output = %q, want payload echoed back", out)
	}
}

func TestLoadRejectsInvalidModule(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	path := writeModule(t, dir, "bad.wasm", []byte("this is not wasm"))

	if err := rt.Load(context.Background(), path); err == nil {
		t.Fatal("expected compile error for garbage bytes")
	}
	if rt.Has("bad") {
		t.Error("broken module registered")
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	if err := rt.Load(context.Background(), filepath.Join(dir, "ghost.wasm")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestInvokeUnloadedModule(t *testing.T) {
	rt := newTestRuntime(t, t.TempDir())
	if _, err := rt.Invoke(context.Background(), "ghost", "{}"); err == nil || !strings.Contains(err.Error(), "not loaded") {
		t.Fatalf("invoke error = %v, want not loaded", err)
	}
}

func TestModuleWithoutEntryFails(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	path := writeModule(t, dir, "empty.wasm", emptyModule())
	if err := rt.Load(context.Background(), path); err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err := rt.Invoke(context.Background(), "empty", "{}")
	var herr *worker.HandlerError
	if !errors.As(err, &herr) {
		t.Fatalf("invoke error = %v, want HandlerError", err)
	}
	if herr.Kind != store.ErrorKindValidation {
		t.Errorf("error kind = %q, want validation", herr.Kind)
	}
}

func TestSpinModuleHonorsDeadline(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	path := writeModule(t, dir, "spin.wasm", spinModule())
	if err := rt.Load(context.Background(), path); err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := rt.Invoke(ctx, "spin", "{}")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("invoke error = %v, want deadline exceeded", err)
	}
}

func TestRemoveDropsModule(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	path := writeModule(t, dir, "noop.wasm", noopModule())
	if err := rt.Load(context.Background(), path); err != nil {
		t.Fatalf("load: %v", err)
	}

	rt.Remove(context.Background(), "noop")
	if rt.Has("noop") {
		t.Fatal("module still registered after remove")
	}
	if _, err := rt.Invoke(context.Background(), "noop", "{}"); err == nil {
		t.Fatal("expected error invoking removed module")
	}
}

func TestLoadDirSkipsBrokenModules(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	writeModule(t, dir, "noop.wasm", noopModule())
	writeModule(t, dir, "bad.wasm", []byte("garbage"))
	writeModule(t, dir, "note.txt", []byte("not a module"))

	loaded, err := rt.LoadDir(context.Background())
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if loaded != 1 {
		t.Errorf("loaded = %d, want 1", loaded)
	}
	if !rt.Has("noop") || rt.Has("bad") || rt.Has("note") {
		t.Errorf("modules = %v", rt.Modules())
	}
}

func TestWatchHotReloadsModules(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "handlers")
	rt := newTestRuntime(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}

	path := writeModule(t, dir, "noop.wasm", noopModule())
	waitFor(t, "module load", func() bool { return rt.Has("noop") })

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove module file: %v", err)
	}
	waitFor(t, "module removal", func() bool { return !rt.Has("noop") })
}

func TestWorkerRunsWasmHandler(t *testing.T) {
	dir := t.TempDir()
	rt := newTestRuntime(t, dir)
	writeModule(t, dir, "echo.wasm", echoModule())
	if _, err := rt.LoadDir(context.Background()); err != nil {
		t.Fatalf("load dir: %v", err)
	}

	h := newHarness(t, func(cfg *worker.Config) { cfg.WASM = rt })
	sub := h.bus.Subscribe(bus.TopicTaskUpdate)
	defer h.bus.Unsubscribe(sub)

	h.dispatch(bus.TaskDispatchEvent{TaskID: "task-wasm", Handler: "echo", Payload: `{"ping":1}`})
	got := collectUntilTerminal(t, sub, "task-wasm")
	last := got[len(got)-1]
	if last.Status != reporting.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", last.Status, last.ErrorMessage)
	}
	if last.Result != `{"ping":1}` {
		t.Errorf("result = %q, want payload echoed by module", last.Result)
	}
}
