package xray

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter describes the record-store read path: exact match on body part,
// case-insensitive substring on the text fields, AND-of-substrings on tags,
// an OR-substring search across the main text fields, and date ranges.
type Filter struct {
	// Search is OR-substring matched across description, diagnosis, tags,
	// patient id, and institution.
	Search      string
	BodyPart    string // exact, case-insensitive
	Diagnosis   string // substring, case-insensitive
	Institution string // substring, case-insensitive
	PatientID   string // substring, case-insensitive
	Tags        []string // each must match some tag as a substring
	ScanFrom    *time.Time
	ScanTo      *time.Time
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	// Ordering is one of the whitelisted field names, with an optional
	// leading "-" for descending. Empty means "-created_at".
	Ordering string
}

// orderable lists the fields records may be sorted by.
var orderable = map[string]bool{
	"scan_date":  true,
	"created_at": true,
	"patient_id": true,
	"body_part":  true,
	"diagnosis":  true,
}

// NormalizeOrdering validates an ordering expression against the whitelist,
// returning the default descending created_at when it does not pass.
func NormalizeOrdering(ordering string) (field string, desc bool) {
	if ordering == "" {
		return "created_at", true
	}
	desc = ordering[0] == '-'
	field = ordering
	if desc {
		field = ordering[1:]
	}
	if !orderable[field] {
		return "created_at", true
	}
	return field, desc
}

// Repository is the authoritative store of X-ray records.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	Update(ctx context.Context, r *Record) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error)

	DistinctBodyParts(ctx context.Context) ([]string, error)
	DistinctInstitutions(ctx context.Context) ([]string, error)
	DistinctDiagnoses(ctx context.Context) ([]string, error)
	CountByBodyPart(ctx context.Context) (map[string]int, error)
	CountByInstitution(ctx context.Context) (map[string]int, error)
	// CountRecentScans counts records whose scan date falls on or after since.
	CountRecentScans(ctx context.Context, since time.Time) (int, error)
	// CountByBodyPartName counts records using the given body part name,
	// case-insensitively. Backs the category deletion guard.
	CountByBodyPartName(ctx context.Context, name string) (int, error)
}

// CategoryRepository stores body-part categories.
type CategoryRepository interface {
	Create(ctx context.Context, c *Category) error
	GetByID(ctx context.Context, id uuid.UUID) (*Category, error)
	Update(ctx context.Context, c *Category) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, activeOnly bool) ([]*Category, error)
}
