package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxExportBytes bounds the size of a single exported image.
const maxExportBytes = 64 << 20

var (
	// ErrUnauthorized is returned when the server rejects the license or user id.
	ErrUnauthorized = errors.New("render server rejected credentials")
	// ErrMalformedScene is returned when the server cannot parse a descriptor.
	ErrMalformedScene = errors.New("malformed scene descriptor")
	// ErrNoScene is returned when an engine has no scene loaded.
	ErrNoScene = errors.New("no scene loaded")
	// ErrEngineGone is returned when the engine id is unknown to the server.
	ErrEngineGone = errors.New("engine not found")
)

// Client communicates with a local render server over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given render server base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// ExportOptions describes the raster output requested from Export. Exactly
// one of PNGCompressionLevel or JPEGQuality applies, chosen by MimeType.
type ExportOptions struct {
	MimeType            string
	TargetWidth         int
	TargetHeight        int
	PNGCompressionLevel int
	JPEGQuality         float64
}

// IsRunning returns true if the render server responds to GET /health with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type createEngineRequest struct {
	License string `json:"license"`
	UserID  string `json:"user_id"`
}

type createEngineResponse struct {
	EngineID string `json:"engine_id"`
}

// CreateEngine constructs a new engine instance on the server and returns its id.
func (c *Client) CreateEngine(ctx context.Context, license, userID string) (string, error) {
	resp, err := c.postJSON(ctx, "/v1/engines", createEngineRequest{License: license, UserID: userID})
	if err != nil {
		return "", fmt.Errorf("create engine: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("create engine: %w (status %d)", ErrUnauthorized, resp.StatusCode)
	default:
		return "", fmt.Errorf("create engine: unexpected status %d", resp.StatusCode)
	}

	var result createEngineResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding create engine response: %w", err)
	}
	if result.EngineID == "" {
		return "", fmt.Errorf("create engine: empty engine id")
	}
	return result.EngineID, nil
}

type loadSceneRequest struct {
	Descriptor string `json:"descriptor"`
}

// LoadScene replaces the scene held by the engine with one parsed from descriptor.
func (c *Client) LoadScene(ctx context.Context, engineID, descriptor string) error {
	resp, err := c.postJSON(ctx, c.enginePath(engineID, "scene"), loadSceneRequest{Descriptor: descriptor})
	if err != nil {
		return fmt.Errorf("load scene: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("load scene: %w: %s", ErrMalformedScene, readMessage(resp.Body))
	case http.StatusNotFound:
		return fmt.Errorf("load scene: %w", ErrEngineGone)
	default:
		return fmt.Errorf("load scene: unexpected status %d", resp.StatusCode)
	}
}

type currentSceneResponse struct {
	SceneID string `json:"scene_id"`
}

// CurrentScene returns the id of the scene loaded in the engine, or ErrNoScene.
func (c *Client) CurrentScene(ctx context.Context, engineID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.enginePath(engineID, "scene"), nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("current scene: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNoScene
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("current scene: unexpected status %d", resp.StatusCode)
	}

	var result currentSceneResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding current scene response: %w", err)
	}
	if result.SceneID == "" {
		return "", ErrNoScene
	}
	return result.SceneID, nil
}

type exportRequest struct {
	SceneID             string   `json:"scene_id"`
	MimeType            string   `json:"mime_type"`
	TargetWidth         int      `json:"target_width"`
	TargetHeight        int      `json:"target_height"`
	PNGCompressionLevel *int     `json:"png_compression_level,omitempty"`
	JPEGQuality         *float64 `json:"jpeg_quality,omitempty"`
}

// Export renders sceneID and returns the encoded image bytes.
func (c *Client) Export(ctx context.Context, engineID, sceneID string, opts ExportOptions) ([]byte, error) {
	er := exportRequest{
		SceneID:      sceneID,
		MimeType:     opts.MimeType,
		TargetWidth:  opts.TargetWidth,
		TargetHeight: opts.TargetHeight,
	}
	if opts.MimeType == "image/jpeg" {
		q := opts.JPEGQuality
		er.JPEGQuality = &q
	} else {
		lvl := opts.PNGCompressionLevel
		er.PNGCompressionLevel = &lvl
	}

	resp, err := c.postJSON(ctx, c.enginePath(engineID, "export"), er)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("export: %w", ErrEngineGone)
	default:
		return nil, fmt.Errorf("export: unexpected status %d: %s", resp.StatusCode, readMessage(resp.Body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxExportBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading export body: %w", err)
	}
	if len(data) > maxExportBytes {
		return nil, fmt.Errorf("export: image exceeds %d bytes", maxExportBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("export: empty image")
	}
	return data, nil
}

// DisposeEngine releases the engine on the server. Unknown ids are ignored.
func (c *Client) DisposeEngine(ctx context.Context, engineID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+c.enginePath(engineID, ""), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispose engine: %w", err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("dispose engine: unexpected status %d", resp.StatusCode)
	}
}

func (c *Client) enginePath(engineID, suffix string) string {
	p := "/v1/engines/" + url.PathEscape(engineID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) postJSON(ctx context.Context, path string, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

// readMessage returns a short server-provided error string, if any.
func readMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(b))
}
