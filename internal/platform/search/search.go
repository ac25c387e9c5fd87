// Package search provides the secondary full-text index for X-ray records.
// It stores denormalized, analyzed projections of records and answers ranked,
// fuzzy, and aggregated queries that the relational store cannot serve.
// The index is a derived artifact: it can be dropped and rebuilt from the
// record store at any time.
package search

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the index engine is unreachable or failed to
// execute a query. Callers with a relational fallback should catch it and
// degrade; it is never returned as a silent empty result.
var ErrUnavailable = errors.New("search index unavailable")

const (
	// MaxResults caps the number of hits returned per query.
	MaxResults = 50
	// MaxSuggestions caps autocomplete suggestions.
	MaxSuggestions = 10
)

// Field boosts for free-text matching. Diagnosis is the most semantically
// decisive field for clinical search; raw identifiers rank lowest. Each
// source field is queried exactly once so the boosts order the ranking: a
// diagnosis-only match always outscores a description-only match.
const (
	BoostDiagnosis   = 3.0
	BoostDescription = 2.0
	BoostTags        = 1.8
	BoostBodyPart    = 1.5
	BoostInstitution = 1.2
	BoostPatientID   = 1.0
)

// Document is the flattened projection of an X-ray record held by the index.
// It has no identity of its own; its lifecycle mirrors the source record.
type Document struct {
	ID          string
	PatientID   string
	BodyPart    string
	ScanDate    time.Time
	Institution string
	Description string
	Diagnosis   string
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QueryParams describes a ranked search. Filter fields are ANDed together;
// Tags requires every tag to match. Query is matched across all text fields
// with per-field boosts and edit-distance tolerance.
type QueryParams struct {
	Query       string
	BodyPart    string
	Diagnosis   string
	Institution string
	PatientID   string
	Tags        []string
	ScanFrom    *time.Time
	ScanTo      *time.Time
	// OrderBy is a document field name, optionally prefixed with "-" for
	// descending. Empty means relevance order.
	OrderBy string
	Size    int
	From    int
}

// Hit is one ranked result.
type Hit struct {
	Doc       Document
	Score     float64
	Highlight map[string][]string
}

// Result is a ranked query response.
type Result struct {
	Hits     []Hit
	Total    uint64
	MaxScore float64
	Took     time.Duration
}

// Suggestion is one autocomplete candidate.
type Suggestion struct {
	Text  string
	Score float64
}

// TermBucket is a term-frequency aggregation bucket.
type TermBucket struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Aggregates holds term-frequency buckets and the scan-date month histogram.
type Aggregates struct {
	Total        uint64       `json:"total"`
	BodyParts    []TermBucket `json:"body_parts"`
	Diagnoses    []TermBucket `json:"diagnoses"`
	Institutions []TermBucket `json:"institutions"`
	Tags         []TermBucket `json:"tags"`
	ScansByMonth []TermBucket `json:"scans_by_month"`
}

// Engine is the contract for the index backend. All methods return an error
// wrapping ErrUnavailable when the backend cannot serve the call.
type Engine interface {
	Upsert(ctx context.Context, doc Document) error
	Delete(ctx context.Context, id string) error
	// Reset drops and recreates the index schema.
	Reset(ctx context.Context) error
	Query(ctx context.Context, params QueryParams) (*Result, error)
	// Suggest returns prefix completions over one of the whitelisted fields
	// (diagnosis, institution, tags), tolerant of one character edit.
	Suggest(ctx context.Context, field, text string) ([]Suggestion, error)
	// Aggregate runs an aggregation-only query; no documents are returned.
	Aggregate(ctx context.Context) (*Aggregates, error)
	Close() error
}
