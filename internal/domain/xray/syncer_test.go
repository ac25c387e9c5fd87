package xray

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/raddex/raddex/internal/platform/search"
)

// fakeEngine is an in-memory search.Engine whose failures can be toggled.
type fakeEngine struct {
	mu     sync.Mutex
	docs   map[string]search.Document
	fail   bool
	resets int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{docs: make(map[string]search.Document)}
}

func (f *fakeEngine) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeEngine) errIfFailing() error {
	if f.fail {
		return search.ErrUnavailable
	}
	return nil
}

func (f *fakeEngine) Upsert(_ context.Context, doc search.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errIfFailing(); err != nil {
		return err
	}
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeEngine) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errIfFailing(); err != nil {
		return err
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeEngine) Reset(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errIfFailing(); err != nil {
		return err
	}
	f.docs = make(map[string]search.Document)
	f.resets++
	return nil
}

func (f *fakeEngine) Query(_ context.Context, params search.QueryParams) (*search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errIfFailing(); err != nil {
		return nil, err
	}
	var hits []search.Hit
	var ids []string
	for id := range f.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		hits = append(hits, search.Hit{Doc: f.docs[id], Score: 1.0})
	}
	return &search.Result{Hits: hits, Total: uint64(len(hits)), MaxScore: 1.0}, nil
}

func (f *fakeEngine) Suggest(_ context.Context, field, text string) ([]search.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errIfFailing(); err != nil {
		return nil, err
	}
	return []search.Suggestion{{Text: text + "-suggested", Score: 1.0}}, nil
}

func (f *fakeEngine) Aggregate(_ context.Context) (*search.Aggregates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errIfFailing(); err != nil {
		return nil, err
	}
	return &search.Aggregates{Total: uint64(len(f.docs))}, nil
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

var _ search.Engine = (*fakeEngine)(nil)

func newTestSyncer(engine search.Engine, repo Repository) *Syncer {
	return NewSyncer(engine, repo, zerolog.Nop(), SyncerOptions{Batch: 2})
}

func TestSyncerPropagatesWrites(t *testing.T) {
	repo := NewMemoryRepository()
	engine := newFakeEngine()
	syncer := newTestSyncer(engine, repo)
	ctx := context.Background()

	r := validRecord()
	if err := repo.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	syncer.RecordSaved(ctx, r)
	if engine.count() != 1 {
		t.Fatalf("doc count = %d, want 1", engine.count())
	}

	syncer.RecordDeleted(ctx, r.ID)
	if engine.count() != 0 {
		t.Fatalf("doc count after delete = %d, want 0", engine.count())
	}
}

func TestSyncerFailureCountsDrift(t *testing.T) {
	repo := NewMemoryRepository()
	engine := newFakeEngine()
	engine.setFail(true)
	syncer := newTestSyncer(engine, repo)
	ctx := context.Background()

	r := validRecord()
	if err := repo.Create(ctx, r); err != nil {
		t.Fatal(err)
	}

	// Index failures must not surface to the caller.
	syncer.RecordSaved(ctx, r)
	syncer.RecordDeleted(ctx, r.ID)

	if syncer.Drift() != 2 {
		t.Errorf("drift = %d, want 2", syncer.Drift())
	}
	if !syncer.NeedsReindex() {
		t.Error("NeedsReindex should be true after failures")
	}
}

func TestSyncerReindexAll(t *testing.T) {
	repo := NewMemoryRepository()
	engine := newFakeEngine()
	syncer := newTestSyncer(engine, repo)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := validRecord()
		if err := repo.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := syncer.ReindexAll(ctx)
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if n != 5 {
		t.Errorf("indexed %d, want 5", n)
	}
	if engine.count() != 5 {
		t.Errorf("doc count = %d, want 5", engine.count())
	}
	if engine.resets != 1 {
		t.Errorf("resets = %d, want 1", engine.resets)
	}
}

func TestSyncerReindexClearsDrift(t *testing.T) {
	repo := NewMemoryRepository()
	engine := newFakeEngine()
	syncer := newTestSyncer(engine, repo)
	ctx := context.Background()

	r := validRecord()
	if err := repo.Create(ctx, r); err != nil {
		t.Fatal(err)
	}

	engine.setFail(true)
	syncer.RecordSaved(ctx, r)
	if syncer.Drift() == 0 {
		t.Fatal("expected drift")
	}

	engine.setFail(false)
	if _, err := syncer.ReindexAll(ctx); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if syncer.Drift() != 0 {
		t.Errorf("drift not cleared: %d", syncer.Drift())
	}
}

func TestSyncerReindexIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	engine := newFakeEngine()
	syncer := newTestSyncer(engine, repo)
	ctx := context.Background()

	r := validRecord()
	if err := repo.Create(ctx, r); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		n, err := syncer.ReindexAll(ctx)
		if err != nil {
			t.Fatalf("reindex %d: %v", i, err)
		}
		if n != 1 || engine.count() != 1 {
			t.Errorf("run %d: indexed=%d docs=%d, want 1/1", i, n, engine.count())
		}
	}
}

func TestSyncerAsyncWait(t *testing.T) {
	repo := NewMemoryRepository()
	engine := newFakeEngine()
	syncer := NewSyncer(engine, repo, zerolog.Nop(), SyncerOptions{
		Async:   true,
		Timeout: time.Second,
	})
	ctx := context.Background()

	r := validRecord()
	if err := repo.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	syncer.RecordSaved(ctx, r)
	syncer.Wait()

	if engine.count() != 1 {
		t.Errorf("doc count = %d, want 1 after Wait", engine.count())
	}
}
