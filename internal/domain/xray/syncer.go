package xray

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/raddex/raddex/internal/platform/search"
)

// ErrReindexRunning indicates a full rebuild is already in progress.
var ErrReindexRunning = errors.New("reindex already running")

// Syncer mirrors record writes into the search index. Index failures are
// logged and counted as drift; they never fail the originating write. The
// record store stays authoritative and a full rebuild repairs any drift.
type Syncer struct {
	engine  search.Engine
	repo    Repository
	log     zerolog.Logger
	batch   int
	timeout time.Duration
	async   bool

	wg         sync.WaitGroup
	drift      atomic.Int64
	reindexing atomic.Bool
}

// SyncerOptions tunes a Syncer. Zero values fall back to sane defaults.
type SyncerOptions struct {
	// Batch is the page size used by ReindexAll.
	Batch int
	// Timeout bounds each index operation.
	Timeout time.Duration
	// Async detaches index writes from the request path. Tests leave it off
	// so effects are observable immediately.
	Async bool
}

// NewSyncer builds a Syncer over the given engine and record source.
func NewSyncer(engine search.Engine, repo Repository, log zerolog.Logger, opts SyncerOptions) *Syncer {
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Syncer{
		engine:  engine,
		repo:    repo,
		log:     log,
		batch:   opts.Batch,
		timeout: opts.Timeout,
		async:   opts.Async,
	}
}

// docFromRecord flattens a record into its index projection.
func docFromRecord(r *Record) search.Document {
	return search.Document{
		ID:          r.ID.String(),
		PatientID:   r.PatientID,
		BodyPart:    r.BodyPart,
		ScanDate:    r.ScanDate,
		Institution: r.Institution,
		Description: r.Description,
		Diagnosis:   r.Diagnosis,
		Tags:        append([]string(nil), r.Tags...),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// RecordSaved propagates a create or update into the index.
func (s *Syncer) RecordSaved(ctx context.Context, r *Record) {
	doc := docFromRecord(r)
	s.run(ctx, func(ctx context.Context) error {
		return s.engine.Upsert(ctx, doc)
	}, "upsert", doc.ID)
}

// RecordDeleted propagates a delete into the index.
func (s *Syncer) RecordDeleted(ctx context.Context, id uuid.UUID) {
	s.run(ctx, func(ctx context.Context) error {
		return s.engine.Delete(ctx, id.String())
	}, "delete", id.String())
}

func (s *Syncer) run(ctx context.Context, op func(context.Context) error, name, id string) {
	if s.async {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// Detach from the request context so in-flight index writes
			// survive the response.
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			s.do(ctx, op, name, id)
		}()
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	s.do(ctx, op, name, id)
}

func (s *Syncer) do(ctx context.Context, op func(context.Context) error, name, id string) {
	if err := op(ctx); err != nil {
		s.drift.Add(1)
		s.log.Error().Err(err).
			Str("op", name).
			Str("record_id", id).
			Int64("drift", s.drift.Load()).
			Msg("index sync failed")
	}
}

// Drift reports how many index writes have failed since the last successful
// full rebuild.
func (s *Syncer) Drift() int64 { return s.drift.Load() }

// NeedsReindex reports whether the index is known to have diverged from the
// record store.
func (s *Syncer) NeedsReindex() bool { return s.drift.Load() > 0 }

// Wait blocks until all in-flight asynchronous index writes complete.
func (s *Syncer) Wait() { s.wg.Wait() }

// ReindexAll drops the index and rebuilds it from the record store in pages.
// Only one rebuild runs at a time; concurrent calls get ErrReindexRunning.
// Returns the number of records indexed.
func (s *Syncer) ReindexAll(ctx context.Context) (int, error) {
	if !s.reindexing.CompareAndSwap(false, true) {
		return 0, ErrReindexRunning
	}
	defer s.reindexing.Store(false)

	start := time.Now()
	if err := s.engine.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset index: %w", err)
	}

	indexed := 0
	filter := Filter{Ordering: "created_at"}
	for offset := 0; ; offset += s.batch {
		records, total, err := s.repo.List(ctx, filter, s.batch, offset)
		if err != nil {
			return indexed, fmt.Errorf("list records at offset %d: %w", offset, err)
		}
		for _, r := range records {
			if err := s.engine.Upsert(ctx, docFromRecord(r)); err != nil {
				return indexed, fmt.Errorf("index record %s: %w", r.ID, err)
			}
			indexed++
		}
		if offset+len(records) >= total || len(records) == 0 {
			break
		}
	}

	s.drift.Store(0)
	s.log.Info().
		Int("records", indexed).
		Dur("took", time.Since(start)).
		Msg("reindex complete")
	return indexed, nil
}
