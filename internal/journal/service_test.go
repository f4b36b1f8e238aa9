package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jeremieb/developer-diary/internal/artifact"
	"github.com/jeremieb/developer-diary/internal/engine"
	"github.com/jeremieb/developer-diary/internal/preview"
	"github.com/jeremieb/developer-diary/internal/scene"
	"github.com/jeremieb/developer-diary/internal/storage"
)

type exportLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *exportLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, id)
}

func (l *exportLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type stubEngine struct {
	log    *exportLog
	loaded string
}

func (e *stubEngine) LoadScene(_ context.Context, d string) error {
	e.loaded = d
	return nil
}

func (e *stubEngine) CurrentScene(context.Context) (engine.Scene, error) {
	return engine.Scene{ID: e.loaded}, nil
}

func (e *stubEngine) Export(_ context.Context, sc engine.Scene, _ engine.ExportOptions) ([]byte, error) {
	e.log.add(sc.ID)
	c := color.NRGBA{R: 255, A: 255}
	if sc.ID == "scene-2" {
		c = color.NRGBA{B: 255, A: 255}
	}
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < 16; i++ {
		img.SetNRGBA(i%4, i/4, c)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *stubEngine) Close(context.Context) error { return nil }

type fixture struct {
	svc   *Service
	store *storage.Store
	files *artifact.Store
	cache *preview.Cache
	log   *exportLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log := &exportLog{}
	h := engine.NewHandle(func(context.Context) (engine.Engine, error) {
		return &stubEngine{log: log}, nil
	}, engine.HandleConfig{Strategy: engine.StrategyShared})
	files := artifact.New(t.TempDir())
	cache := preview.New(h, files, store, preview.Config{Preset: preview.Thumbnail})
	t.Cleanup(func() {
		cache.Close()
		h.Close()
	})

	return &fixture{
		svc:   NewService(store, cache, files, 2),
		store: store,
		files: files,
		cache: cache,
		log:   log,
	}
}

func ptr[T any](v T) *T { return &v }

func pendingRenderJobs(t *testing.T, s *storage.Store) int {
	t.Helper()
	n, err := s.PendingJobCount(RenderJobType)
	if err != nil {
		t.Fatalf("PendingJobCount: %v", err)
	}
	return n
}

func TestCreate_WithSceneEnqueuesRender(t *testing.T) {
	f := newFixture(t)

	rec, err := f.svc.Create(context.Background(), NewEntry{Title: "  Day one ", Scene: scene.Of("scene-1")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Title != "Day one" {
		t.Errorf("Title = %q, want trimmed", rec.Title)
	}
	if rec.ID == "" {
		t.Error("ID not assigned")
	}

	job, err := f.store.ClaimNextJob([]string{RenderJobType})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v; want a render job", job, err)
	}
	var p RenderPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.RecordID != rec.ID {
		t.Errorf("payload record_id = %q, want %q", p.RecordID, rec.ID)
	}
}

func TestCreate_WithoutSceneSkipsRender(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Create(context.Background(), NewEntry{Title: "text only"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n := pendingRenderJobs(t, f.store); n != 0 {
		t.Errorf("render jobs = %d, want 0", n)
	}
}

func TestList_NewestFirst(t *testing.T) {
	f := newFixture(t)

	for _, title := range []string{"first", "second", "third"} {
		if _, err := f.svc.Create(context.Background(), NewEntry{Title: title}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	got, err := f.svc.List(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 || got[0].Title != "third" || got[2].Title != "first" {
		t.Errorf("order = %v", titles(got))
	}
}

func titles(recs []storage.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Title
	}
	return out
}

func TestPreview_GeneratesAndPersists(t *testing.T) {
	f := newFixture(t)
	rec, err := f.svc.Create(context.Background(), NewEntry{Title: "sketch", Scene: scene.Of("scene-1")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, status, err := f.svc.Preview(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if a == nil && status == preview.StatusAbsent {
		t.Fatal("first Preview did not start generation")
	}
	f.cache.Wait()

	a, status, err = f.svc.Preview(context.Background(), rec.ID)
	if err != nil || a == nil || status != preview.StatusResolved {
		t.Fatalf("second Preview = %v, %q, %v; want artifact", a, status, err)
	}

	stored, err := f.store.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	onDisk, err := f.files.Load(stored.PreviewURI)
	if err != nil {
		t.Fatalf("Load(%q): %v", stored.PreviewURI, err)
	}
	if !bytes.Equal(onDisk, a.Data) {
		t.Error("persisted file differs from exported bytes")
	}
}

func TestPreview_NoScene(t *testing.T) {
	f := newFixture(t)
	rec, err := f.svc.Create(context.Background(), NewEntry{Title: "plain"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, _, err := f.svc.Preview(context.Background(), rec.ID); !errors.Is(err, preview.ErrNoScene) {
		t.Errorf("err = %v, want ErrNoScene", err)
	}
	if f.cache.IsGenerating(rec.ID) {
		t.Error("record without scene is generating")
	}
}

func TestUpdate_SceneChangeInvalidatesThenRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, NewEntry{Title: "sketch", Scene: scene.Of("scene-1")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.svc.Preview(ctx, rec.ID)
	f.cache.Wait()
	if _, ok := f.cache.Get(rec.ID); !ok {
		t.Fatal("preview not resolved before update")
	}
	oldURI := mustGet(t, f.store, rec.ID).PreviewURI
	before := len(f.log.snapshot())

	updated, err := f.svc.Update(ctx, rec.ID, Changes{Scene: ptr(scene.Of("scene-2"))})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, ok := f.cache.Get(rec.ID); ok {
		t.Error("Get returned a preview right after the scene changed")
	}
	if updated.PreviewURI != "" {
		t.Errorf("PreviewURI = %q, want cleared", updated.PreviewURI)
	}
	if _, err := f.files.Load(oldURI); !errors.Is(err, artifact.ErrNotFound) {
		t.Errorf("old preview file still readable: %v", err)
	}

	if err := f.svc.RefreshPreview(ctx, rec.ID); err != nil {
		t.Fatalf("RefreshPreview: %v", err)
	}
	f.cache.Wait()

	calls := f.log.snapshot()[before:]
	if len(calls) != 1 || calls[0] != "scene-2" {
		t.Fatalf("exports after update = %v, want [scene-2]", calls)
	}
	a, ok := f.cache.Get(rec.ID)
	if !ok {
		t.Fatal("no preview after refresh")
	}
	_, _, b, _ := a.Image.At(0, 0).RGBA()
	if b>>8 != 255 {
		t.Error("preview is not the scene-2 image")
	}
}

func TestUpdate_StaleRecordRendersCurrentScene(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, NewEntry{Title: "sketch", Scene: scene.Of("scene-1")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// A render job read the record before the scene was replaced.
	stale := mustGet(t, f.store, rec.ID)
	if _, err := f.svc.Update(ctx, rec.ID, Changes{Scene: ptr(scene.Of("scene-2"))}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := f.cache.Generate(ctx, stale); err != nil {
		t.Fatalf("Generate(stale): %v", err)
	}
	if err := f.cache.Generate(ctx, mustGet(t, f.store, rec.ID)); err != nil {
		t.Fatalf("Generate(current): %v", err)
	}

	if calls := f.log.snapshot(); len(calls) != 1 || calls[0] != "scene-2" {
		t.Fatalf("exports = %v, want [scene-2]", calls)
	}
	if got := mustGet(t, f.store, rec.ID); got.PreviewURI == "" {
		t.Error("preview location not written back")
	}
	a, ok := f.cache.Get(rec.ID)
	if !ok {
		t.Fatal("no preview after generation")
	}
	_, _, b, _ := a.Image.At(0, 0).RGBA()
	if b>>8 != 255 {
		t.Error("preview is not the scene-2 image")
	}
}

func TestUpdate_TitleOnlyKeepsPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, NewEntry{Title: "a", Scene: scene.Of("scene-1")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.svc.Preview(ctx, rec.ID)
	f.cache.Wait()

	if _, err := f.svc.Update(ctx, rec.ID, Changes{Title: ptr("b"), Scene: ptr(scene.Of("scene-1"))}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, ok := f.cache.Get(rec.ID); !ok {
		t.Error("unchanged scene invalidated the preview")
	}
	if got := mustGet(t, f.store, rec.ID); got.Title != "b" || got.PreviewURI == "" {
		t.Errorf("stored = %+v", got)
	}
}

func TestUpdate_ClearSceneRemovesPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, NewEntry{Title: "a", Scene: scene.Of("scene-1")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.svc.Preview(ctx, rec.ID)
	f.cache.Wait()
	jobsBefore := pendingRenderJobs(t, f.store)

	if _, err := f.svc.Update(ctx, rec.ID, Changes{Scene: ptr(scene.None())}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := os.Stat(f.files.Path(rec.ID, "png")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("preview file kept after scene cleared: %v", err)
	}
	if n := pendingRenderJobs(t, f.store); n != jobsBefore {
		t.Errorf("render jobs = %d, want %d", n, jobsBefore)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Update(context.Background(), "missing", Changes{Title: ptr("x")})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete_RemovesEverythingAndStragglerStaysDead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, NewEntry{Title: "a", Scene: scene.Of("scene-1")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.svc.Preview(ctx, rec.ID)
	f.cache.Wait()
	stale := mustGet(t, f.store, rec.ID)

	if err := f.svc.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := f.cache.Get(rec.ID); ok {
		t.Error("memory entry survived delete")
	}
	if _, err := f.store.GetRecord(rec.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record survived delete: %v", err)
	}

	f.cache.Ensure(stale)
	f.cache.Wait()
	if _, err := os.Stat(f.files.Path(rec.ID, "png")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("straggler resurrected preview file: %v", err)
	}
}

func TestDelete_NotFound(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.Delete(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSweep_ReclaimsOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.svc.Create(ctx, NewEntry{Title: "A"})
	b, _ := f.svc.Create(ctx, NewEntry{Title: "B"})
	for _, id := range []string{a.ID, b.ID, "C"} {
		if _, err := f.files.Persist(id, []byte("x"), "png"); err != nil {
			t.Fatalf("Persist: %v", err)
		}
	}

	n, err := f.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("reclaimed = %d, want 1", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		if _, err := os.Stat(f.files.Path(id, "png")); err != nil {
			t.Errorf("live preview %s removed: %v", id, err)
		}
	}
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	if _, err := f.files.Persist("orphan", []byte("x"), "png"); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunSweeper(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(f.files.Path("orphan", "png")); errors.Is(err, os.ErrNotExist) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunSweeper did not return after cancel")
	}
	if _, err := os.Stat(f.files.Path("orphan", "png")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("initial sweep did not reclaim orphan: %v", err)
	}
}

func TestWarm_RendersRecentScenes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var withScene []string
	for i, d := range []string{"scene-1", "", "scene-2"} {
		in := NewEntry{Title: string(rune('a' + i)), Scene: scene.Of(d)}
		rec, err := f.svc.Create(ctx, in)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if d != "" {
			withScene = append(withScene, rec.ID)
		}
	}

	if err := f.svc.Warm(ctx, 10); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	for _, id := range withScene {
		if f.svc.PreviewStatus(id) != preview.StatusResolved {
			t.Errorf("record %s not warmed", id)
		}
	}
	if got := len(f.log.snapshot()); got != 2 {
		t.Errorf("exports = %d, want 2", got)
	}

	// A second warm is served from memory.
	if err := f.svc.Warm(ctx, 10); err != nil {
		t.Fatalf("Warm again: %v", err)
	}
	if got := len(f.log.snapshot()); got != 2 {
		t.Errorf("exports after second warm = %d, want 2", got)
	}
}

type failingStore struct {
	*storage.Store
}

func (failingStore) SaveRecord(storage.Record) error {
	return errors.New("disk I/O error")
}

func TestCreate_PersistenceError(t *testing.T) {
	f := newFixture(t)
	svc := NewService(failingStore{f.store}, f.cache, f.files, 1)

	_, err := svc.Create(context.Background(), NewEntry{Title: "x", Scene: scene.Of("scene-1")})
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "create" {
		t.Fatalf("err = %v, want create PersistenceError", err)
	}
	if n := pendingRenderJobs(t, f.store); n != 0 {
		t.Errorf("render jobs = %d, want 0 after failed create", n)
	}
}

func mustGet(t *testing.T, s *storage.Store, id string) storage.Record {
	t.Helper()
	r, err := s.GetRecord(id)
	if err != nil {
		t.Fatalf("GetRecord(%s): %v", id, err)
	}
	return r
}
