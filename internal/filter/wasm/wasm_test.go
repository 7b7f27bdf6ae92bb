package wasm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/internal/filter"
)

// shortPathModule admits inputs shorter than 16 bytes:
//
//	(module
//	  (memory (export "memory") 1)
//	  (func (export "filter") (param i32 i32) (result i32)
//	    local.get 1
//	    i32.const 16
//	    i32.lt_u))
var shortPathModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x13, 0x02,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x06, 0x66, 0x69, 0x6c, 0x74, 0x65, 0x72, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x01, 0x41, 0x10, 0x49, 0x0b,
}

// noFilterModule only exports memory.
var noFilterModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x0a, 0x01,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	ctx := context.Background()
	r, err := NewRuntime(ctx, nil)
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Close(ctx) })
	return r
}

func TestModule_Allow(t *testing.T) {
	r := newRuntime(t)
	m, err := r.Load(context.Background(), "short-path", shortPathModule)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		input string
		want  bool
	}{
		{"/short", true},
		{"/exactly-15-byte", false},
		{"/exactly15bytes", true},
		{"/a/very/long/path/indeed", false},
	}
	for _, tt := range tests {
		got, err := m.Allow(context.Background(), []byte(tt.input))
		if err != nil {
			t.Fatalf("Allow(%q) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("Allow(%q) = %v, want %v (len %d)", tt.input, got, tt.want, len(tt.input))
		}
	}
}

func TestModule_Filter(t *testing.T) {
	r := newRuntime(t)
	m, err := r.Load(context.Background(), "short-path", shortPathModule)
	if err != nil {
		t.Fatal(err)
	}

	chain := filter.NewChain(filter.ModeSync)
	if err := chain.Add(m.Name(), m.Filter()); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	ex := filter.NewExchange(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if allow, err := chain.Run(context.Background(), ex); !allow || err != nil {
		t.Fatalf("short path: Run() = %v, %v", allow, err)
	}

	rec = httptest.NewRecorder()
	ex = filter.NewExchange(rec, httptest.NewRequest(http.MethodGet, "/this/path/is/too/long", nil))
	if allow, err := chain.Run(context.Background(), ex); allow || err != nil {
		t.Fatalf("long path: Run() = %v, %v", allow, err)
	}
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestRuntime_LoadErrors(t *testing.T) {
	r := newRuntime(t)
	ctx := context.Background()

	if _, err := r.Load(ctx, "garbage", []byte("not wasm")); err == nil {
		t.Error("expected compile error")
	}
	if _, err := r.Load(ctx, "no-filter", noFilterModule); err == nil {
		t.Error("expected missing export error")
	}
	if _, err := r.LoadFile(ctx, "missing", filepath.Join(t.TempDir(), "missing.wasm")); err == nil {
		t.Error("expected file error")
	}
}

func TestRuntime_LoadConfigured(t *testing.T) {
	r := newRuntime(t)
	path := filepath.Join(t.TempDir(), "short.wasm")
	if err := os.WriteFile(path, shortPathModule, 0o644); err != nil {
		t.Fatal(err)
	}

	modules, err := r.LoadConfigured(context.Background(), &config.WASMConfig{
		Enabled: true,
		Modules: []config.WASMModuleConfig{{Path: path}},
	})
	if err != nil {
		t.Fatalf("LoadConfigured() error = %v", err)
	}
	if len(modules) != 1 || modules[0].Name() != "wasm-0" {
		t.Fatalf("unexpected modules %v", modules)
	}

	disabled, err := r.LoadConfigured(context.Background(), &config.WASMConfig{})
	if err != nil || disabled != nil {
		t.Errorf("disabled config = %v, %v", disabled, err)
	}
}
