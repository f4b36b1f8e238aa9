package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type mockProber struct {
	running bool
}

func (m mockProber) IsRunning(_ context.Context) bool { return m.running }

func TestEnsureReady_WarmsShared(t *testing.T) {
	f := &countingFactory{}
	h := NewHandle(f.Build, HandleConfig{Strategy: StrategyShared})
	defer h.Close()

	var out bytes.Buffer
	if err := EnsureReady(context.Background(), mockProber{running: true}, h, &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if h.Inits() != 1 {
		t.Errorf("inits = %d, want 1", h.Inits())
	}
	if !strings.Contains(out.String(), "render engine: warm") {
		t.Errorf("output = %q, want warm message", out.String())
	}
}

func TestEnsureReady_WarmFailureNonFatal(t *testing.T) {
	f := &countingFactory{err: errors.New("license rejected")}
	h := NewHandle(f.Build, HandleConfig{Strategy: StrategyShared})
	defer h.Close()

	var out bytes.Buffer
	if err := EnsureReady(context.Background(), mockProber{running: true}, h, &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !strings.Contains(out.String(), "warm-up failed") {
		t.Errorf("output = %q, want warm-up failure", out.String())
	}
}

func TestEnsureReady_SkipsWarmForPooled(t *testing.T) {
	f := &countingFactory{}
	h := NewHandle(f.Build, HandleConfig{Strategy: StrategyPooled, PoolSize: 2})
	defer h.Close()

	if err := EnsureReady(context.Background(), mockProber{running: true}, h, io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if f.calls.Load() != 0 {
		t.Errorf("factory calls = %d, want 0", f.calls.Load())
	}
}

func TestEnsureReady_ServerDown(t *testing.T) {
	err := EnsureReady(context.Background(), mockProber{running: false}, nil, io.Discard)
	if err == nil {
		t.Fatal("expected error when render server is down")
	}
}
