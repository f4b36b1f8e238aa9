package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/jeremieb/developer-diary/internal/renderer"
)

// renderServer is a minimal render server holding one scene per engine.
func renderServer(t *testing.T, exports *atomic.Int64) *httptest.Server {
	t.Helper()
	var loaded atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/engines", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			License string `json:"license"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.License != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"engine_id": "eng-1"})
	})
	mux.HandleFunc("POST /v1/engines/{id}/scene", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Descriptor string `json:"descriptor"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		loaded.Store(req.Descriptor)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/engines/{id}/scene", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "eng-1" {
			http.NotFound(w, r)
			return
		}
		d, _ := loaded.Load().(string)
		if d == "" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"scene_id": "scn-" + d})
	})
	mux.HandleFunc("POST /v1/engines/{id}/export", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "eng-1" {
			http.NotFound(w, r)
			return
		}
		exports.Add(1)
		w.Write([]byte{0xFF, 0xD8, 0xFF})
	})
	mux.HandleFunc("DELETE /v1/engines/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteEngine_Render(t *testing.T) {
	var exports atomic.Int64
	srv := renderServer(t, &exports)

	factory := RemoteFactory(renderer.New(srv.URL), "good", "diary-local")
	e, err := factory(context.Background())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer e.Close(context.Background())

	if _, err := e.CurrentScene(context.Background()); !errors.Is(err, ErrNoScene) {
		t.Errorf("CurrentScene before load err = %v, want ErrNoScene", err)
	}

	data, err := Render(context.Background(), e, "scene-1", ExportOptions{MimeType: "image/jpeg", Quality: 0.8})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(data) != 3 || data[0] != 0xFF {
		t.Errorf("data = %x", data)
	}
	if exports.Load() != 1 {
		t.Errorf("exports = %d, want 1", exports.Load())
	}
}

func TestRemoteFactory_BadLicenseIsInitError(t *testing.T) {
	var exports atomic.Int64
	srv := renderServer(t, &exports)

	h := NewHandle(RemoteFactory(renderer.New(srv.URL), "bad", "diary-local"), HandleConfig{Strategy: StrategyFresh})
	defer h.Close()

	_, err := h.Acquire(context.Background())
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("err = %v, want *InitError", err)
	}
	if !errors.Is(err, renderer.ErrUnauthorized) {
		t.Errorf("err = %v, want wrapped ErrUnauthorized", err)
	}
}

func TestRemoteEngine_UnknownEngineIsLost(t *testing.T) {
	var exports atomic.Int64
	srv := renderServer(t, &exports)

	e := &RemoteEngine{client: renderer.New(srv.URL), id: "eng-stale"}
	_, err := e.Export(context.Background(), Scene{ID: "scn-1"}, ExportOptions{MimeType: "image/png"})
	if !errors.Is(err, ErrEngineLost) {
		t.Errorf("err = %v, want ErrEngineLost", err)
	}
}
