// Package xray is the catalog core: the authoritative record store for X-ray
// scans and body-part categories, the synchronizer that mirrors records into
// the search index, and the query router that picks between the two read
// paths.
package xray

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// patientIDPattern is the required shape of a patient identifier: the letter
// P followed by digits (e.g. P001211).
var patientIDPattern = regexp.MustCompile(`^P\d+$`)

// StaticBodyParts is the historical enumerated set of body parts. It seeds
// the available-body-parts list; stored records are not constrained to it.
var StaticBodyParts = []string{
	"Chest", "Knee", "Spine", "Hip", "Shoulder",
	"Ankle", "Wrist", "Elbow", "Pelvis", "Abdomen",
}

// Record is the canonical X-ray record owned by the record store.
type Record struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   string    `db:"patient_id" json:"patient_id"`
	BodyPart    string    `db:"body_part" json:"body_part"`
	ScanDate    time.Time `db:"scan_date" json:"scan_date"`
	Institution string    `db:"institution" json:"institution"`
	Description string    `db:"description" json:"description"`
	Diagnosis   string    `db:"diagnosis" json:"diagnosis"`
	Tags        []string  `db:"tags" json:"tags"`
	ImageRef    string    `db:"image_ref" json:"image_ref"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// DisplayDescription returns the description, or a templated fallback derived
// from body part and diagnosis when the description is empty.
func (r *Record) DisplayDescription() string {
	if strings.TrimSpace(r.Description) != "" {
		return r.Description
	}
	if r.Diagnosis == "" {
		return fmt.Sprintf("%s X-ray", r.BodyPart)
	}
	return fmt.Sprintf("%s X-ray: %s", r.BodyPart, r.Diagnosis)
}

// TagsDisplay renders tags as a comma-separated string.
func (r *Record) TagsDisplay() string {
	if len(r.Tags) == 0 {
		return "No tags"
	}
	return strings.Join(r.Tags, ", ")
}

// Validate checks the field constraints enforced on every write.
func (r *Record) Validate() error {
	if !patientIDPattern.MatchString(r.PatientID) {
		return &ValidationError{
			Field:   "patient_id",
			Message: "must be the letter P followed by digits (e.g. P001211)",
		}
	}
	if r.BodyPart == "" {
		return &ValidationError{Field: "body_part", Message: "is required"}
	}
	if r.ScanDate.IsZero() {
		return &ValidationError{Field: "scan_date", Message: "is required"}
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	return nil
}

// Category is a managed body-part category. Categories extend the set of
// body parts offered to clients; they do not constrain stored records.
type Category struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Validate checks category constraints.
func (c *Category) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	return nil
}

// AvailableBodyParts merges active category names with the static set,
// categories first, preserving order and dropping duplicates.
func AvailableBodyParts(categories []*Category) []string {
	out := make([]string, 0, len(categories)+len(StaticBodyParts))
	seen := make(map[string]struct{})
	for _, c := range categories {
		if !c.IsActive {
			continue
		}
		if _, ok := seen[c.Name]; ok {
			continue
		}
		seen[c.Name] = struct{}{}
		out = append(out, c.Name)
	}
	for _, bp := range StaticBodyParts {
		if _, ok := seen[bp]; ok {
			continue
		}
		seen[bp] = struct{}{}
		out = append(out, bp)
	}
	return out
}
