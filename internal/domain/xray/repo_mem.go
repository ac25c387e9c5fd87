package xray

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a thread-safe in-memory Repository for testing and
// development. It mirrors the Postgres filter semantics.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
}

// NewMemoryRepository returns a ready-to-use MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[uuid.UUID]*Record)}
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	return &c
}

func (m *MemoryRepository) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Tags == nil {
		r.Tags = []string{}
	}
	m.records[r.ID] = cloneRecord(r)
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemoryRepository) Update(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[r.ID]
	if !ok {
		return ErrNotFound
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	m.records[r.ID] = cloneRecord(r)
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func matchesFilter(r *Record, f Filter) bool {
	if f.Search != "" {
		hit := containsFold(r.Description, f.Search) ||
			containsFold(r.Diagnosis, f.Search) ||
			containsFold(r.PatientID, f.Search) ||
			containsFold(r.Institution, f.Search)
		for _, t := range r.Tags {
			hit = hit || containsFold(t, f.Search)
		}
		if !hit {
			return false
		}
	}
	if f.BodyPart != "" && !strings.EqualFold(r.BodyPart, f.BodyPart) {
		return false
	}
	if f.Diagnosis != "" && !containsFold(r.Diagnosis, f.Diagnosis) {
		return false
	}
	if f.Institution != "" && !containsFold(r.Institution, f.Institution) {
		return false
	}
	if f.PatientID != "" && !containsFold(r.PatientID, f.PatientID) {
		return false
	}
	for _, want := range f.Tags {
		if want == "" {
			continue
		}
		found := false
		for _, t := range r.Tags {
			if containsFold(t, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ScanFrom != nil && r.ScanDate.Before(*f.ScanFrom) {
		return false
	}
	if f.ScanTo != nil && r.ScanDate.After(*f.ScanTo) {
		return false
	}
	if f.CreatedFrom != nil && r.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && r.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

func orderRecords(items []*Record, ordering string) {
	field, desc := NormalizeOrdering(ordering)
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		var less bool
		switch field {
		case "scan_date":
			less = a.ScanDate.Before(b.ScanDate)
		case "patient_id":
			less = a.PatientID < b.PatientID
		case "body_part":
			less = a.BodyPart < b.BodyPart
		case "diagnosis":
			less = a.Diagnosis < b.Diagnosis
		default:
			less = a.CreatedAt.Before(b.CreatedAt)
		}
		if desc {
			return !less && !equalOn(a, b, field)
		}
		return less
	})
}

func equalOn(a, b *Record, field string) bool {
	switch field {
	case "scan_date":
		return a.ScanDate.Equal(b.ScanDate)
	case "patient_id":
		return a.PatientID == b.PatientID
	case "body_part":
		return a.BodyPart == b.BodyPart
	case "diagnosis":
		return a.Diagnosis == b.Diagnosis
	default:
		return a.CreatedAt.Equal(b.CreatedAt)
	}
}

func (m *MemoryRepository) List(_ context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Record
	for _, r := range m.records {
		if matchesFilter(r, f) {
			matched = append(matched, cloneRecord(r))
		}
	}
	orderRecords(matched, f.Ordering)

	total := len(matched)
	if limit <= 0 {
		limit = 20
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *MemoryRepository) distinct(get func(*Record) string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, r := range m.records {
		v := get(r)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryRepository) DistinctBodyParts(_ context.Context) ([]string, error) {
	return m.distinct(func(r *Record) string { return r.BodyPart }), nil
}

func (m *MemoryRepository) DistinctInstitutions(_ context.Context) ([]string, error) {
	return m.distinct(func(r *Record) string { return r.Institution }), nil
}

func (m *MemoryRepository) DistinctDiagnoses(_ context.Context) ([]string, error) {
	return m.distinct(func(r *Record) string { return r.Diagnosis }), nil
}

func (m *MemoryRepository) countBy(get func(*Record) string) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, r := range m.records {
		if v := get(r); v != "" {
			out[v]++
		}
	}
	return out
}

func (m *MemoryRepository) CountByBodyPart(_ context.Context) (map[string]int, error) {
	return m.countBy(func(r *Record) string { return r.BodyPart }), nil
}

func (m *MemoryRepository) CountByInstitution(_ context.Context) (map[string]int, error) {
	return m.countBy(func(r *Record) string { return r.Institution }), nil
}

func (m *MemoryRepository) CountRecentScans(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.records {
		if !r.ScanDate.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) CountByBodyPartName(_ context.Context, name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.records {
		if strings.EqualFold(r.BodyPart, name) {
			n++
		}
	}
	return n, nil
}

// MemoryCategoryRepository is the in-memory CategoryRepository counterpart.
type MemoryCategoryRepository struct {
	mu         sync.RWMutex
	categories map[uuid.UUID]*Category
}

// NewMemoryCategoryRepository returns a ready-to-use MemoryCategoryRepository.
func NewMemoryCategoryRepository() *MemoryCategoryRepository {
	return &MemoryCategoryRepository{categories: make(map[uuid.UUID]*Category)}
}

func (m *MemoryCategoryRepository) Create(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = uuid.New()
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	m.categories[c.ID] = &cp
	return nil
}

func (m *MemoryCategoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryCategoryRepository) Update(_ context.Context, c *Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.categories[c.ID]
	if !ok {
		return ErrNotFound
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	m.categories[c.ID] = &cp
	return nil
}

func (m *MemoryCategoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.categories[id]; !ok {
		return ErrNotFound
	}
	delete(m.categories, id)
	return nil
}

func (m *MemoryCategoryRepository) List(_ context.Context, activeOnly bool) ([]*Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Category
	for _, c := range m.categories {
		if activeOnly && !c.IsActive {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var (
	_ Repository         = (*MemoryRepository)(nil)
	_ CategoryRepository = (*MemoryCategoryRepository)(nil)
)
