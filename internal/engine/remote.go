package engine

import (
	"context"
	"errors"

	"github.com/jeremieb/developer-diary/internal/renderer"
)

// RemoteEngine adapts one engine instance on the render server to the
// Engine interface.
type RemoteEngine struct {
	client *renderer.Client
	id     string
}

// RemoteFactory returns a Factory that creates instances on the render
// server at client using the given license credential and user id.
func RemoteFactory(client *renderer.Client, license, userID string) Factory {
	return func(ctx context.Context) (Engine, error) {
		id, err := client.CreateEngine(ctx, license, userID)
		if err != nil {
			return nil, err
		}
		return &RemoteEngine{client: client, id: id}, nil
	}
}

// ID returns the server-side engine id.
func (e *RemoteEngine) ID() string { return e.id }

func (e *RemoteEngine) LoadScene(ctx context.Context, descriptor string) error {
	if err := e.client.LoadScene(ctx, e.id, descriptor); err != nil {
		return &Error{Op: "load", Err: mapRemoteErr(err)}
	}
	return nil
}

func (e *RemoteEngine) CurrentScene(ctx context.Context) (Scene, error) {
	id, err := e.client.CurrentScene(ctx, e.id)
	if errors.Is(err, renderer.ErrNoScene) {
		return Scene{}, ErrNoScene
	}
	if err != nil {
		return Scene{}, &Error{Op: "scene", Err: mapRemoteErr(err)}
	}
	return Scene{ID: id}, nil
}

func (e *RemoteEngine) Export(ctx context.Context, scene Scene, opts ExportOptions) ([]byte, error) {
	data, err := e.client.Export(ctx, e.id, scene.ID, renderer.ExportOptions{
		MimeType:            opts.MimeType,
		TargetWidth:         opts.TargetWidth,
		TargetHeight:        opts.TargetHeight,
		PNGCompressionLevel: opts.CompressionLevel,
		JPEGQuality:         opts.Quality,
	})
	if err != nil {
		return nil, &Error{Op: "export", Err: mapRemoteErr(err)}
	}
	return data, nil
}

func (e *RemoteEngine) Close(ctx context.Context) error {
	return e.client.DisposeEngine(ctx, e.id)
}

// mapRemoteErr marks errors after which the instance cannot be reused.
func mapRemoteErr(err error) error {
	if errors.Is(err, renderer.ErrEngineGone) {
		return errors.Join(ErrEngineLost, err)
	}
	return err
}
