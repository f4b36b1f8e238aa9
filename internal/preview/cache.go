// Package preview caches rendered scene previews per record. It resolves a
// preview from memory, then from the persisted file, and only then asks the
// render engine, admitting at most one generation per record at a time.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jeremieb/developer-diary/internal/engine"
	"github.com/jeremieb/developer-diary/internal/scene"
	"github.com/jeremieb/developer-diary/internal/storage"
)

const defaultTimeout = 60 * time.Second

var (
	// ErrNoScene is returned by Generate for records without a scene.
	ErrNoScene = errors.New("record has no scene")
	// ErrRecordGone is returned by Generate when the record no longer
	// exists.
	ErrRecordGone = errors.New("record no longer exists")
)

// Status is the per-record position in the preview lifecycle.
type Status string

const (
	StatusAbsent     Status = "absent"
	StatusGenerating Status = "generating"
	StatusResolved   Status = "resolved"
)

// Engines hands out render engine instances. *engine.Handle implements it.
type Engines interface {
	Acquire(ctx context.Context) (*engine.Lease, error)
}

// Files persists encoded previews. *artifact.Store implements it.
type Files interface {
	Persist(id string, data []byte, ext string) (string, error)
	Load(uri string) ([]byte, error)
	Delete(uri string) error
}

// RecordIndex resolves records by id. The cache never holds records, only
// their ids: it reads the current record once a generation is admitted and
// writes the preview location back only if the scene it rendered is still
// the stored one.
type RecordIndex interface {
	GetRecord(id string) (storage.Record, error)
	SetPreviewURI(id string, sc scene.Descriptor, uri string) error
}

// Config configures a Cache.
type Config struct {
	Preset Preset
	// Timeout bounds one generation including engine acquisition. Zero
	// means 60s.
	Timeout  time.Duration
	Logger   *slog.Logger
	Observer Observer
}

// Cache maps record ids to decoded previews and coordinates generation.
//
// Every generation holds a ticket: a token stored in inFlight under the
// record id. Admission checks and inserts the ticket under mu, so two
// callers can never both admit the same id. A generation publishes and
// persists only while its ticket is still current; Invalidate drops the
// ticket, which turns any generation still running for that id into a
// no-op.
type Cache struct {
	engines Engines
	files   Files
	records RecordIndex
	preset  Preset
	timeout time.Duration
	logger  *slog.Logger
	obs     Observer

	mu       sync.Mutex
	memory   map[string]*Artifact
	inFlight map[string]uint64
	nextTok  uint64

	// writeMu orders file writes and removals so a superseded generation
	// cannot overwrite or resurrect a file after Invalidate or Delete.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Cache that renders with engines, persists to files and
// writes preview locations back to records.
func New(engines Engines, files Files, records RecordIndex, cfg Config) *Cache {
	if cfg.Preset.MimeType == "" {
		cfg.Preset = Thumbnail
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		engines:  engines,
		files:    files,
		records:  records,
		preset:   cfg.Preset,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		obs:      cfg.Observer,
		memory:   make(map[string]*Artifact),
		inFlight: make(map[string]uint64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Preset returns the export preset in use.
func (c *Cache) Preset() Preset { return c.preset }

// Get returns the cached preview for id without side effects.
func (c *Cache) Get(id string) (*Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.memory[id]
	return a, ok
}

// IsGenerating reports whether a generation currently holds id.
func (c *Cache) IsGenerating(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[id]
	return ok
}

// Status reports whether id is resolved, being generated, or absent.
func (c *Cache) Status(id string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.memory[id]; ok {
		return StatusResolved
	}
	if _, ok := c.inFlight[id]; ok {
		return StatusGenerating
	}
	return StatusAbsent
}

// Ensure makes a preview for rec available, generating it in the background
// if neither memory nor the persisted file has one. Only rec.ID is used; the
// stored record decides what gets rendered. It never fails: problems are
// logged and leave the record without a preview.
func (c *Cache) Ensure(rec storage.Record) {
	c.ensure(rec.ID, true)
}

// Refresh drops any cached preview for rec and starts a new generation,
// ignoring the persisted file.
func (c *Cache) Refresh(rec storage.Record) {
	c.Invalidate(rec.ID)
	c.ensure(rec.ID, false)
}

func (c *Cache) ensure(id string, useDisk bool) {
	tok, admitted := c.admit(id)
	if !admitted {
		return
	}

	cur, err := c.records.GetRecord(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("reading record for preview", "record_id", id, "error", err)
		}
		c.release(id, tok)
		return
	}
	if !cur.Scene.IsSet() {
		c.release(id, tok)
		return
	}
	if useDisk && cur.HasPreview() && c.loadPersisted(id, tok, cur.PreviewURI) {
		c.release(id, tok)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(id, tok)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("preview generation panicked", "record_id", id, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()
		if err := c.generate(ctx, id, tok, cur.Scene); err != nil {
			c.logger.Warn("preview generation failed", "record_id", id, "error", err)
		}
	}()
}

// Generate resolves rec synchronously under the same single-flight gate as
// Ensure and reports the outcome. Like Ensure it renders the stored scene,
// not rec.Scene. It returns nil without rendering when the preview is
// already resolved, loadable from disk, or held by another generation.
func (c *Cache) Generate(ctx context.Context, rec storage.Record) error {
	tok, admitted := c.admit(rec.ID)
	if !admitted {
		return nil
	}
	defer c.release(rec.ID, tok)

	cur, err := c.records.GetRecord(rec.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrRecordGone
	}
	if err != nil {
		return fmt.Errorf("reading record: %w", err)
	}
	if !cur.Scene.IsSet() {
		return ErrNoScene
	}
	if cur.HasPreview() && c.loadPersisted(rec.ID, tok, cur.PreviewURI) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.generate(ctx, rec.ID, tok, cur.Scene)
}

// admit is the single-flight gate. It fails when id is already resolved or
// already being generated.
func (c *Cache) admit(id string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[id]; ok {
		return 0, false
	}
	if _, ok := c.memory[id]; ok {
		c.obs.RecordLookup("memory")
		return 0, false
	}
	c.nextTok++
	c.inFlight[id] = c.nextTok
	return c.nextTok, true
}

func (c *Cache) release(id string, tok uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[id] == tok {
		delete(c.inFlight, id)
	}
}

func (c *Cache) current(id string, tok uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[id] == tok
}

// publish stores a under id if tok still holds the ticket.
func (c *Cache) publish(id string, tok uint64, a *Artifact) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[id] != tok {
		return false
	}
	c.memory[id] = a
	return true
}

// loadPersisted resolves id from its persisted file. A missing or corrupt
// file is not an error; the caller falls through to generation.
func (c *Cache) loadPersisted(id string, tok uint64, uri string) bool {
	data, err := c.files.Load(uri)
	if err != nil {
		c.logger.Debug("persisted preview unavailable", "record_id", id, "error", err)
		return false
	}
	a, err := decodeArtifact(data, c.preset.MimeType, OriginDisk)
	if err != nil {
		c.logger.Warn("persisted preview unreadable, regenerating", "record_id", id, "error", err)
		return false
	}
	if !c.publish(id, tok, a) {
		c.obs.RecordSuppressed()
		return true
	}
	c.obs.RecordLookup("disk")
	c.logger.Debug("preview loaded from disk", "record_id", id)
	return true
}

func (c *Cache) generate(ctx context.Context, id string, tok uint64, sc scene.Descriptor) (err error) {
	start := time.Now()
	defer func() { c.obs.RecordGeneration(time.Since(start), err) }()

	descriptor, _ := sc.Get()
	lease, err := c.engines.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring engine: %w", err)
	}
	data, err := engine.Render(ctx, lease.Engine, descriptor, c.preset.ExportOptions())
	lease.Release(err)
	if err != nil {
		return err
	}

	a, err := decodeArtifact(data, c.preset.MimeType, OriginEngine)
	if err != nil {
		return err
	}
	if !c.publish(id, tok, a) {
		c.obs.RecordSuppressed()
		c.logger.Debug("discarding superseded preview", "record_id", id)
		return nil
	}
	c.obs.RecordLookup("engine")
	c.persist(id, tok, sc, data)
	return nil
}

// persist writes the preview rendered from sc to disk and records its
// location. Failures leave the in-memory preview valid for the rest of the
// session.
func (c *Cache) persist(id string, tok uint64, sc scene.Descriptor, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.current(id, tok) {
		c.obs.RecordSuppressed()
		return
	}
	uri, err := c.files.Persist(id, data, c.preset.Ext)
	if err != nil {
		c.logger.Warn("persisting preview failed, keeping memory copy", "record_id", id, "error", err)
		return
	}

	err = c.records.SetPreviewURI(id, sc, uri)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrSceneChanged) {
		// Deleted or re-scened while rendering: the preview is stale.
		c.mu.Lock()
		if c.inFlight[id] == tok {
			delete(c.memory, id)
		}
		c.mu.Unlock()
		c.obs.RecordSuppressed()
		if err := c.files.Delete(uri); err != nil {
			c.logger.Warn("removing stale preview", "record_id", id, "error", err)
		}
		c.logger.Debug("discarding stale preview", "record_id", id, "reason", err)
		return
	}
	if err != nil {
		c.logger.Warn("recording preview location failed", "record_id", id, "error", err)
		return
	}
	c.logger.Debug("preview persisted", "record_id", id, "uri", uri)
}

// Invalidate forgets the cached preview for id and abandons any generation
// in flight for it.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.memory, id)
	delete(c.inFlight, id)
}

// Delete invalidates id and removes its persisted file at uri, if any.
func (c *Cache) Delete(id, uri string) {
	c.Invalidate(id)
	if uri == "" {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.files.Delete(uri); err != nil {
		c.logger.Warn("removing preview file", "record_id", id, "error", err)
	}
}

// Wait blocks until every background generation started so far has finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Close cancels background generations and waits for them to exit.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}
