package engine

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that the render server is reachable and then warms the
// handle so the first preview does not pay the engine construction cost.
// Warm-up failures are reported to w but are not fatal; the next Acquire
// retries the build. Returns a non-nil error only if the server is down.
func EnsureReady(ctx context.Context, p Prober, h *Handle, w io.Writer) error {
	if !p.IsRunning(ctx) {
		return fmt.Errorf("render server is not running; start it before the diary server")
	}
	fmt.Fprintf(w, "render server: ready\n")

	if h == nil || h.Strategy() != StrategyShared {
		return nil
	}

	fmt.Fprintf(w, "render engine: warming up...\n")
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := h.Warm(warmCtx); err != nil {
		fmt.Fprintf(w, "render engine: warm-up failed (non-fatal): %v\n", err)
	} else {
		fmt.Fprintf(w, "render engine: warm\n")
	}
	return nil
}
