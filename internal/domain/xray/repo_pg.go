package xray

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type recordRepoPG struct{ pool *pgxpool.Pool }

// NewRecordRepoPG returns the Postgres-backed record repository.
func NewRecordRepoPG(pool *pgxpool.Pool) Repository {
	return &recordRepoPG{pool: pool}
}

const recordCols = `id, patient_id, body_part, scan_date, institution,
	description, diagnosis, tags, image_ref, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var tags []byte
	err := row.Scan(&r.ID, &r.PatientID, &r.BodyPart, &r.ScanDate, &r.Institution,
		&r.Description, &r.Diagnosis, &tags, &r.ImageRef, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &r.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	return &r, nil
}

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO xray_records (id, patient_id, body_part, scan_date, institution,
			description, diagnosis, tags, image_ref, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11)`,
		rec.ID, rec.PatientID, rec.BodyPart, rec.ScanDate, rec.Institution,
		rec.Description, rec.Diagnosis, tags, rec.ImageRef, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+recordCols+` FROM xray_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (r *recordRepoPG) Update(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE xray_records SET patient_id=$2, body_part=$3, scan_date=$4,
			institution=$5, description=$6, diagnosis=$7, tags=$8::jsonb,
			image_ref=$9, updated_at=$10
		WHERE id = $1`,
		rec.ID, rec.PatientID, rec.BodyPart, rec.ScanDate,
		rec.Institution, rec.Description, rec.Diagnosis, tags,
		rec.ImageRef, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM xray_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// likeEscaper neutralizes LIKE pattern metacharacters so filter input
// matches literally. Backslash is the default escape character in Postgres.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

// buildWhere renders the filter as a WHERE clause. Substring matches use
// ILIKE; the tags list is matched against the jsonb text rendering, which
// mirrors the substring-on-any-tag contract.
func buildWhere(f Filter) (string, []interface{}) {
	where := ` WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Search != "" {
		p := arg(likePattern(f.Search))
		where += fmt.Sprintf(` AND (description ILIKE %[1]s OR diagnosis ILIKE %[1]s
			OR tags::text ILIKE %[1]s OR patient_id ILIKE %[1]s OR institution ILIKE %[1]s)`, p)
	}
	if f.BodyPart != "" {
		where += fmt.Sprintf(` AND LOWER(body_part) = LOWER(%s)`, arg(f.BodyPart))
	}
	if f.Diagnosis != "" {
		where += fmt.Sprintf(` AND diagnosis ILIKE %s`, arg(likePattern(f.Diagnosis)))
	}
	if f.Institution != "" {
		where += fmt.Sprintf(` AND institution ILIKE %s`, arg(likePattern(f.Institution)))
	}
	if f.PatientID != "" {
		where += fmt.Sprintf(` AND patient_id ILIKE %s`, arg(likePattern(f.PatientID)))
	}
	for _, t := range f.Tags {
		if t == "" {
			continue
		}
		where += fmt.Sprintf(` AND tags::text ILIKE %s`, arg(likePattern(t)))
	}
	if f.ScanFrom != nil {
		where += fmt.Sprintf(` AND scan_date >= %s`, arg(*f.ScanFrom))
	}
	if f.ScanTo != nil {
		where += fmt.Sprintf(` AND scan_date <= %s`, arg(*f.ScanTo))
	}
	if f.CreatedFrom != nil {
		where += fmt.Sprintf(` AND created_at >= %s`, arg(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		where += fmt.Sprintf(` AND created_at <= %s`, arg(*f.CreatedTo))
	}
	return where, args
}

func (r *recordRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	where, args := buildWhere(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM xray_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	field, desc := NormalizeOrdering(f.Ordering)
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	query := `SELECT ` + recordCols + ` FROM xray_records` + where +
		fmt.Sprintf(` ORDER BY %s %s LIMIT $%d OFFSET $%d`, field, dir, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (r *recordRepoPG) distinct(ctx context.Context, col string) ([]string, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(
		`SELECT DISTINCT %[1]s FROM xray_records WHERE %[1]s <> '' ORDER BY %[1]s`, col))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *recordRepoPG) DistinctBodyParts(ctx context.Context) ([]string, error) {
	return r.distinct(ctx, "body_part")
}

func (r *recordRepoPG) DistinctInstitutions(ctx context.Context) ([]string, error) {
	return r.distinct(ctx, "institution")
}

func (r *recordRepoPG) DistinctDiagnoses(ctx context.Context) ([]string, error) {
	return r.distinct(ctx, "diagnosis")
}

func (r *recordRepoPG) countBy(ctx context.Context, col string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(
		`SELECT %[1]s, COUNT(*) FROM xray_records WHERE %[1]s <> '' GROUP BY %[1]s`, col))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

func (r *recordRepoPG) CountByBodyPart(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, "body_part")
}

func (r *recordRepoPG) CountByInstitution(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, "institution")
}

func (r *recordRepoPG) CountRecentScans(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM xray_records WHERE scan_date >= $1`, since).Scan(&n)
	return n, err
}

func (r *recordRepoPG) CountByBodyPartName(ctx context.Context, name string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM xray_records WHERE LOWER(body_part) = LOWER($1)`, name).Scan(&n)
	return n, err
}

type categoryRepoPG struct{ pool *pgxpool.Pool }

// NewCategoryRepoPG returns the Postgres-backed category repository.
func NewCategoryRepoPG(pool *pgxpool.Pool) CategoryRepository {
	return &categoryRepoPG{pool: pool}
}

const categoryCols = `id, name, description, is_active, created_at, updated_at`

func scanCategory(row pgx.Row) (*Category, error) {
	var c Category
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *categoryRepoPG) Create(ctx context.Context, c *Category) error {
	c.ID = uuid.New()
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO body_part_categories (id, name, description, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.Name, c.Description, c.IsActive, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *categoryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Category, error) {
	c, err := scanCategory(r.pool.QueryRow(ctx,
		`SELECT `+categoryCols+` FROM body_part_categories WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (r *categoryRepoPG) Update(ctx context.Context, c *Category) error {
	c.UpdatedAt = time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE body_part_categories SET name=$2, description=$3, is_active=$4, updated_at=$5
		WHERE id = $1`,
		c.ID, c.Name, c.Description, c.IsActive, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *categoryRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM body_part_categories WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *categoryRepoPG) List(ctx context.Context, activeOnly bool) ([]*Category, error) {
	query := `SELECT ` + categoryCols + ` FROM body_part_categories`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
