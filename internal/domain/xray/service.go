package xray

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service owns record and category workflows: validation, persistence, and
// propagation of writes into the search index via the Syncer.
type Service struct {
	repo    Repository
	catRepo CategoryRepository
	syncer  *Syncer
}

// NewService wires a Service. The syncer may be nil when search is disabled.
func NewService(repo Repository, catRepo CategoryRepository, syncer *Syncer) *Service {
	return &Service{repo: repo, catRepo: catRepo, syncer: syncer}
}

func (s *Service) CreateRecord(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return err
	}
	if s.syncer != nil {
		s.syncer.RecordSaved(ctx, r)
	}
	return nil
}

func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateRecord(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, r); err != nil {
		return err
	}
	if s.syncer != nil {
		s.syncer.RecordSaved(ctx, r)
	}
	return nil
}

func (s *Service) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if s.syncer != nil {
		s.syncer.RecordDeleted(ctx, id)
	}
	return nil
}

func (s *Service) ListRecords(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// Stats is a catalog-wide summary computed from the record store.
type Stats struct {
	TotalRecords  int            `json:"total_records"`
	RecentScans   int            `json:"recent_scans"`
	ByBodyPart    map[string]int `json:"by_body_part"`
	ByInstitution map[string]int `json:"by_institution"`
}

// recentWindow is the lookback used for the recent-scans counter.
const recentWindow = 30 * 24 * time.Hour

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	_, total, err := s.repo.List(ctx, Filter{}, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	byPart, err := s.repo.CountByBodyPart(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by body part: %w", err)
	}
	byInst, err := s.repo.CountByInstitution(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by institution: %w", err)
	}
	recent, err := s.repo.CountRecentScans(ctx, time.Now().UTC().Add(-recentWindow))
	if err != nil {
		return nil, fmt.Errorf("count recent scans: %w", err)
	}
	return &Stats{
		TotalRecords:  total,
		RecentScans:   recent,
		ByBodyPart:    byPart,
		ByInstitution: byInst,
	}, nil
}

// AvailableBodyParts returns the body parts offered to clients: active
// category names first, then the static set, without duplicates.
func (s *Service) AvailableBodyParts(ctx context.Context) ([]string, error) {
	categories, err := s.catRepo.List(ctx, true)
	if err != nil {
		return nil, err
	}
	return AvailableBodyParts(categories), nil
}

func (s *Service) DistinctInstitutions(ctx context.Context) ([]string, error) {
	return s.repo.DistinctInstitutions(ctx)
}

func (s *Service) DistinctDiagnoses(ctx context.Context) ([]string, error) {
	return s.repo.DistinctDiagnoses(ctx)
}

func (s *Service) CreateCategory(ctx context.Context, c *Category) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return s.catRepo.Create(ctx, c)
}

func (s *Service) GetCategory(ctx context.Context, id uuid.UUID) (*Category, error) {
	return s.catRepo.GetByID(ctx, id)
}

func (s *Service) UpdateCategory(ctx context.Context, c *Category) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return s.catRepo.Update(ctx, c)
}

// DeleteCategory removes a category unless records still use its name, in
// which case ErrCategoryInUse asks the caller to deactivate instead.
func (s *Service) DeleteCategory(ctx context.Context, id uuid.UUID) error {
	c, err := s.catRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	n, err := s.repo.CountByBodyPartName(ctx, c.Name)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrCategoryInUse
	}
	return s.catRepo.Delete(ctx, id)
}

func (s *Service) ListCategories(ctx context.Context, activeOnly bool) ([]*Category, error) {
	return s.catRepo.List(ctx, activeOnly)
}
