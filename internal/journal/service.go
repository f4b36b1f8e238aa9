// Package journal sequences record-store mutations with preview cache
// maintenance: creating, editing and deleting entries, listing them newest
// first, and reclaiming preview files of deleted entries.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jeremieb/developer-diary/internal/preview"
	"github.com/jeremieb/developer-diary/internal/scene"
	"github.com/jeremieb/developer-diary/internal/storage"
)

// RenderJobType is the job queue type for background preview generation.
const RenderJobType = "preview_render"

// PersistenceError reports a record-store commit failure. The preview cache
// is left consistent with what the store holds.
type PersistenceError struct {
	Op  string
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("journal %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is the record store plus the job queue. *storage.Store implements it.
type Store interface {
	SaveRecord(r storage.Record) error
	GetRecord(id string) (storage.Record, error)
	UpdateRecord(r storage.Record) error
	DeleteRecord(id string) error
	ListRecords(limit, offset int) ([]storage.Record, error)
	RecordIDs() (map[string]struct{}, error)
	EnqueueJob(job storage.Job) error
}

// Reclaimer removes preview files that belong to no record. *artifact.Store
// implements it.
type Reclaimer interface {
	ReclaimOrphans(known map[string]struct{}) (int, error)
}

// RenderPayload is the JSON payload of a preview_render job.
type RenderPayload struct {
	RecordID string `json:"record_id"`
}

// NewEntry holds the fields of an entry to create.
type NewEntry struct {
	Title string
	Note  string
	Scene scene.Descriptor
}

// Changes lists the fields to update; nil fields are left unchanged.
type Changes struct {
	Title *string
	Note  *string
	Scene *scene.Descriptor
}

// Service is the entry point for record operations.
type Service struct {
	store     Store
	previews  *preview.Cache
	files     Reclaimer
	logger    *slog.Logger
	warmLimit int
}

// NewService wires the record store, preview cache and artifact directory.
// warmLimit bounds concurrent renders in Warm; values below 1 mean 1.
func NewService(store Store, previews *preview.Cache, files Reclaimer, warmLimit int) *Service {
	if warmLimit < 1 {
		warmLimit = 1
	}
	return &Service{
		store:     store,
		previews:  previews,
		files:     files,
		logger:    slog.Default(),
		warmLimit: warmLimit,
	}
}

// SetLogger replaces the service logger.
func (s *Service) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Previews returns the preview cache the service maintains.
func (s *Service) Previews() *preview.Cache { return s.previews }

// Create stores a new entry and schedules its preview when it has a scene.
func (s *Service) Create(ctx context.Context, in NewEntry) (storage.Record, error) {
	rec := storage.Record{
		ID:        uuid.New().String(),
		Title:     strings.TrimSpace(in.Title),
		Note:      in.Note,
		CreatedAt: time.Now().UTC(),
		Scene:     in.Scene,
	}
	if err := s.store.SaveRecord(rec); err != nil {
		return storage.Record{}, &PersistenceError{Op: "create", ID: rec.ID, Err: err}
	}
	s.logger.Info("entry created", "record_id", rec.ID, "has_scene", rec.Scene.IsSet())

	if rec.Scene.IsSet() {
		s.scheduleRender(rec)
	}
	return rec, nil
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, id string) (storage.Record, error) {
	return s.store.GetRecord(id)
}

// List returns entries newest first. A limit <= 0 returns every entry.
func (s *Service) List(ctx context.Context, limit, offset int) ([]storage.Record, error) {
	return s.store.ListRecords(limit, offset)
}

// Update applies changes to an entry. Replacing the scene drops the cached
// and persisted preview and schedules a new one.
func (s *Service) Update(ctx context.Context, id string, ch Changes) (storage.Record, error) {
	rec, err := s.store.GetRecord(id)
	if err != nil {
		return storage.Record{}, err
	}

	if ch.Title != nil {
		rec.Title = strings.TrimSpace(*ch.Title)
	}
	if ch.Note != nil {
		rec.Note = *ch.Note
	}
	sceneChanged := ch.Scene != nil && !ch.Scene.Equal(rec.Scene)
	oldURI := rec.PreviewURI
	if sceneChanged {
		rec.Scene = *ch.Scene
		rec.PreviewURI = ""
	}

	if err := s.store.UpdateRecord(rec); err != nil {
		return storage.Record{}, &PersistenceError{Op: "update", ID: id, Err: err}
	}

	if sceneChanged {
		s.previews.Delete(id, oldURI)
		if rec.Scene.IsSet() {
			s.scheduleRender(rec)
		}
		s.logger.Info("entry scene replaced", "record_id", id, "has_scene", rec.Scene.IsSet())
	}
	return rec, nil
}

// Delete removes an entry, its cached preview and its preview file, then
// sweeps any preview files left by generations that raced the delete.
func (s *Service) Delete(ctx context.Context, id string) error {
	rec, err := s.store.GetRecord(id)
	if err != nil {
		return err
	}

	s.previews.Delete(id, rec.PreviewURI)
	if err := s.store.DeleteRecord(id); err != nil {
		return &PersistenceError{Op: "delete", ID: id, Err: err}
	}
	s.logger.Info("entry deleted", "record_id", id)

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("sweeping previews after delete", "error", err)
	}
	return nil
}

// Preview returns the cached preview for id, starting resolution when
// there is none yet. It returns preview.ErrNoScene for entries without a
// scene and a nil artifact while generation is in progress.
func (s *Service) Preview(ctx context.Context, id string) (*preview.Artifact, preview.Status, error) {
	if a, ok := s.previews.Get(id); ok {
		return a, preview.StatusResolved, nil
	}
	rec, err := s.store.GetRecord(id)
	if err != nil {
		return nil, preview.StatusAbsent, err
	}
	if !rec.Scene.IsSet() {
		return nil, preview.StatusAbsent, preview.ErrNoScene
	}

	s.previews.Ensure(rec)
	if a, ok := s.previews.Get(id); ok {
		return a, preview.StatusResolved, nil
	}
	return nil, s.previews.Status(id), nil
}

// RefreshPreview regenerates the preview for id from its current scene.
func (s *Service) RefreshPreview(ctx context.Context, id string) error {
	rec, err := s.store.GetRecord(id)
	if err != nil {
		return err
	}
	if !rec.Scene.IsSet() {
		return preview.ErrNoScene
	}
	s.previews.Refresh(rec)
	return nil
}

// PreviewStatus reports the cache state of id.
func (s *Service) PreviewStatus(id string) preview.Status {
	return s.previews.Status(id)
}

// Sweep deletes preview files whose record no longer exists.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.RecordIDs()
	if err != nil {
		return 0, fmt.Errorf("listing record ids: %w", err)
	}
	n, err := s.files.ReclaimOrphans(ids)
	if err != nil {
		return n, fmt.Errorf("reclaiming orphans: %w", err)
	}
	if n > 0 {
		s.logger.Info("reclaimed orphan previews", "reclaimed", n)
	}
	return n, nil
}

// RunSweeper sweeps once immediately and then every interval until ctx is
// cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("preview sweep failed", "error", err)
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("preview sweep failed", "error", err)
			}
		}
	}
}

// Warm resolves previews of the newest n entries, rendering up to the
// configured limit concurrently. Individual failures are logged.
func (s *Service) Warm(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	recent, err := s.store.ListRecords(n, 0)
	if err != nil {
		return fmt.Errorf("listing recent entries: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.warmLimit)
	for _, rec := range recent {
		if !rec.Scene.IsSet() {
			continue
		}
		g.Go(func() error {
			if err := s.previews.Generate(gCtx, rec); err != nil && !errors.Is(err, preview.ErrRecordGone) {
				s.logger.Warn("warming preview failed", "record_id", rec.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// scheduleRender queues a durable render job. If the queue is unavailable
// the preview is generated in the background instead.
func (s *Service) scheduleRender(rec storage.Record) {
	payload, err := json.Marshal(RenderPayload{RecordID: rec.ID})
	if err == nil {
		err = s.store.EnqueueJob(storage.Job{
			ID:          uuid.New().String(),
			Type:        RenderJobType,
			PayloadJSON: string(payload),
		})
	}
	if err != nil {
		s.logger.Warn("enqueueing preview render failed, rendering inline", "record_id", rec.ID, "error", err)
		s.previews.Ensure(rec)
	}
}
