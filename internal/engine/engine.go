package engine

import "context"

// Engine abstracts one instance of the scene rendering engine. An instance
// holds at most one loaded scene, so callers must not share an Engine
// between concurrent renders; Handle enforces this.
type Engine interface {
	// LoadScene parses descriptor and makes it the current scene.
	LoadScene(ctx context.Context, descriptor string) error

	// CurrentScene returns the loaded scene, or ErrNoScene.
	CurrentScene(ctx context.Context) (Scene, error)

	// Export rasterizes scene with the given options and returns the encoded bytes.
	Export(ctx context.Context, scene Scene, opts ExportOptions) ([]byte, error)

	// Close releases the instance. It is called at most once.
	Close(ctx context.Context) error
}

// Factory constructs a ready-to-use Engine. It is the expensive step that
// Handle amortizes.
type Factory func(ctx context.Context) (Engine, error)

// Prober reports whether the rendering backend is reachable.
type Prober interface {
	IsRunning(ctx context.Context) bool
}

// Render loads descriptor into e and exports the resulting scene.
func Render(ctx context.Context, e Engine, descriptor string, opts ExportOptions) ([]byte, error) {
	if err := e.LoadScene(ctx, descriptor); err != nil {
		return nil, err
	}
	sc, err := e.CurrentScene(ctx)
	if err != nil {
		return nil, err
	}
	return e.Export(ctx, sc, opts)
}
