// Package seed generates reproducible synthetic X-ray records for demo
// environments and developer on-boarding.
package seed

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config controls the volume and shape of generated data.
type Config struct {
	RecordCount int   `json:"record_count"`
	Seed        int64 `json:"seed"`
}

// DefaultConfig returns sensible demo defaults.
func DefaultConfig() Config {
	return Config{RecordCount: 100, Seed: 42}
}

// Result summarizes a seed run.
type Result struct {
	Records    int           `json:"records"`
	Categories int           `json:"categories"`
	Duration   time.Duration `json:"duration"`
}

// RecordSink is the subset of the record service a seeder needs.
type RecordSink interface {
	CreateRecord(ctx context.Context, patientID, bodyPart string, scanDate time.Time,
		institution, description, diagnosis string, tags []string) error
}

var bodyParts = []string{
	"Chest", "Knee", "Spine", "Hip", "Shoulder",
	"Ankle", "Wrist", "Elbow", "Pelvis", "Abdomen",
}

var institutions = []string{
	"General Hospital", "City Medical Center", "St. Mary's Clinic",
	"University Hospital", "Regional Imaging Center",
}

// diagnosesByPart maps body parts to plausible findings.
var diagnosesByPart = map[string][]string{
	"Chest":    {"Normal", "Pneumonia", "Pleural effusion", "Cardiomegaly", "Atelectasis"},
	"Knee":     {"Normal", "Osteoarthritis", "Fracture of patella", "Joint effusion"},
	"Spine":    {"Normal", "Degenerative disc disease", "Compression fracture", "Scoliosis"},
	"Hip":      {"Normal", "Osteoarthritis", "Femoral neck fracture"},
	"Shoulder": {"Normal", "Dislocation", "Calcific tendinitis"},
	"Ankle":    {"Normal", "Lateral malleolus fracture", "Soft tissue swelling"},
	"Wrist":    {"Normal", "Distal radius fracture", "Scaphoid fracture"},
	"Elbow":    {"Normal", "Radial head fracture", "Joint effusion"},
	"Pelvis":   {"Normal", "Pubic ramus fracture", "Hip dysplasia"},
	"Abdomen":  {"Normal", "Bowel obstruction", "Renal calculus"},
}

var tagPool = []string{
	"urgent", "follow-up", "trauma", "routine", "pediatric",
	"post-op", "oncology", "chronic", "acute", "screening",
}

// Seeder writes synthetic records through the given sink.
type Seeder struct {
	cfg  Config
	sink RecordSink
}

func New(cfg Config, sink RecordSink) *Seeder {
	if cfg.RecordCount <= 0 {
		cfg.RecordCount = DefaultConfig().RecordCount
	}
	return &Seeder{cfg: cfg, sink: sink}
}

// Run generates the configured number of records. Generation is deterministic
// for a given seed value.
func (s *Seeder) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	rng := rand.New(rand.NewSource(s.cfg.Seed))

	created := 0
	for i := 0; i < s.cfg.RecordCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		patientID := fmt.Sprintf("P%05d", rng.Intn(2000)+1)
		bodyPart := bodyParts[rng.Intn(len(bodyParts))]
		diagnoses := diagnosesByPart[bodyPart]
		diagnosis := diagnoses[rng.Intn(len(diagnoses))]
		institution := institutions[rng.Intn(len(institutions))]
		scanDate := time.Now().UTC().AddDate(0, 0, -rng.Intn(730)).Truncate(24 * time.Hour)

		var tags []string
		for _, t := range tagPool {
			if rng.Float64() < 0.2 {
				tags = append(tags, t)
			}
		}

		description := fmt.Sprintf("%s X-ray performed at %s", bodyPart, institution)
		if diagnosis != "Normal" {
			description = fmt.Sprintf("%s X-ray showing %s", bodyPart, diagnosis)
		}

		err := s.sink.CreateRecord(ctx, patientID, bodyPart, scanDate,
			institution, description, diagnosis, tags)
		if err != nil {
			return nil, fmt.Errorf("seed record %d: %w", i, err)
		}
		created++
	}

	return &Result{
		Records:  created,
		Duration: time.Since(start),
	}, nil
}
