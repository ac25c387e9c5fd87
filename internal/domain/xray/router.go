package xray

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/raddex/raddex/internal/platform/search"
)

// Source labels which read path produced a search response.
const (
	SourceIndex = "index"
	SourceStore = "store"
)

// SearchParams is the router's unified query surface. Free text goes to the
// index when one is available; structured filters work on both paths.
type SearchParams struct {
	Query       string
	BodyPart    string
	Diagnosis   string
	Institution string
	PatientID   string
	Tags        []string
	ScanFrom    *time.Time
	ScanTo      *time.Time
	OrderBy     string
	Limit       int
	Offset      int
}

// SearchHit is one result in the uniform response shape. Score and Highlight
// are only present on the index path.
type SearchHit struct {
	Record    *Record             `json:"record"`
	Score     *float64            `json:"score,omitempty"`
	Highlight map[string][]string `json:"highlight,omitempty"`
}

// SearchResponse is the uniform search envelope regardless of read path.
type SearchResponse struct {
	Results  []SearchHit `json:"results"`
	Total    int         `json:"total"`
	MaxScore float64     `json:"max_score,omitempty"`
	TookMS   int64       `json:"took_ms"`
	Source   string      `json:"source"`
	// Degraded is set when the index path was attempted but failed, and the
	// response was served from the record store instead.
	Degraded bool `json:"degraded,omitempty"`
}

// Router picks the read path for each search: the ranked index when free text
// is present and the engine is up, the record store otherwise. Index failures
// degrade to the store instead of failing the request.
type Router struct {
	engine search.Engine
	repo   Repository
	log    zerolog.Logger
}

// NewRouter builds a Router. A nil engine pins every query to the store.
func NewRouter(engine search.Engine, repo Repository, log zerolog.Logger) *Router {
	return &Router{engine: engine, repo: repo, log: log}
}

// IndexAvailable reports whether the ranked path is configured.
func (rt *Router) IndexAvailable() bool { return rt.engine != nil }

// Search executes the query on the appropriate path.
func (rt *Router) Search(ctx context.Context, p SearchParams) (*SearchResponse, error) {
	if p.Limit <= 0 || p.Limit > search.MaxResults {
		p.Limit = search.MaxResults
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	if rt.engine != nil && p.Query != "" {
		resp, err := rt.searchIndex(ctx, p)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, search.ErrUnavailable) {
			return nil, err
		}
		rt.log.Warn().Err(err).Str("query", p.Query).
			Msg("index query failed, falling back to record store")
		resp, err = rt.searchStore(ctx, p)
		if err != nil {
			return nil, err
		}
		resp.Degraded = true
		return resp, nil
	}

	return rt.searchStore(ctx, p)
}

func (rt *Router) searchIndex(ctx context.Context, p SearchParams) (*SearchResponse, error) {
	res, err := rt.engine.Query(ctx, search.QueryParams{
		Query:       p.Query,
		BodyPart:    p.BodyPart,
		Diagnosis:   p.Diagnosis,
		Institution: p.Institution,
		PatientID:   p.PatientID,
		Tags:        p.Tags,
		ScanFrom:    p.ScanFrom,
		ScanTo:      p.ScanTo,
		OrderBy:     p.OrderBy,
		Size:        p.Limit,
		From:        p.Offset,
	})
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		rec, err := recordFromDoc(h.Doc)
		if err != nil {
			rt.log.Warn().Err(err).Str("doc_id", h.Doc.ID).
				Msg("skipping malformed index document")
			continue
		}
		score := h.Score
		hits = append(hits, SearchHit{Record: rec, Score: &score, Highlight: h.Highlight})
	}
	return &SearchResponse{
		Results:  hits,
		Total:    int(res.Total),
		MaxScore: res.MaxScore,
		TookMS:   res.Took.Milliseconds(),
		Source:   SourceIndex,
	}, nil
}

func (rt *Router) searchStore(ctx context.Context, p SearchParams) (*SearchResponse, error) {
	start := time.Now()
	f := Filter{
		Search:      p.Query,
		BodyPart:    p.BodyPart,
		Diagnosis:   p.Diagnosis,
		Institution: p.Institution,
		PatientID:   p.PatientID,
		Tags:        p.Tags,
		ScanFrom:    p.ScanFrom,
		ScanTo:      p.ScanTo,
		Ordering:    p.OrderBy,
	}
	records, total, err := rt.repo.List(ctx, f, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(records))
	for _, r := range records {
		hits = append(hits, SearchHit{Record: r})
	}
	return &SearchResponse{
		Results: hits,
		Total:   total,
		TookMS:  time.Since(start).Milliseconds(),
		Source:  SourceStore,
	}, nil
}

// Suggest proxies autocomplete to the index. There is no relational fallback
// for suggestions; without an engine the caller gets ErrUnavailable.
func (rt *Router) Suggest(ctx context.Context, field, text string) ([]search.Suggestion, error) {
	if rt.engine == nil {
		return nil, search.ErrUnavailable
	}
	return rt.engine.Suggest(ctx, field, text)
}

// Aggregates proxies the analytics query to the index.
func (rt *Router) Aggregates(ctx context.Context) (*search.Aggregates, error) {
	if rt.engine == nil {
		return nil, search.ErrUnavailable
	}
	return rt.engine.Aggregate(ctx)
}

// recordFromDoc rebuilds a Record from its index projection.
func recordFromDoc(d search.Document) (*Record, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:          id,
		PatientID:   d.PatientID,
		BodyPart:    d.BodyPart,
		ScanDate:    d.ScanDate,
		Institution: d.Institution,
		Description: d.Description,
		Diagnosis:   d.Diagnosis,
		Tags:        d.Tags,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}, nil
}
