package search

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2"
)

func newTestEngine(t *testing.T) *BleveEngine {
	t.Helper()
	engine, err := NewBleveEngine("")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func testDocs() []Document {
	date := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return []Document{
		{
			ID: "doc-1", PatientID: "P00001", BodyPart: "Chest",
			ScanDate: date(2025, 1, 15), Institution: "General Hospital",
			Description: "Routine screening, clear lung fields",
			Diagnosis:   "Normal", Tags: []string{"routine", "screening"},
			CreatedAt: date(2025, 1, 15), UpdatedAt: date(2025, 1, 15),
		},
		{
			ID: "doc-2", PatientID: "P00002", BodyPart: "Chest",
			ScanDate: date(2025, 2, 20), Institution: "City Medical Center",
			Description: "Consolidation in the right lower lobe",
			Diagnosis:   "Pneumonia", Tags: []string{"urgent", "follow-up"},
			CreatedAt: date(2025, 2, 20), UpdatedAt: date(2025, 2, 20),
		},
		{
			ID: "doc-3", PatientID: "P00003", BodyPart: "Knee",
			ScanDate: date(2025, 3, 5), Institution: "General Hospital",
			Description: "Transverse fracture of the patella",
			Diagnosis:   "Fracture", Tags: []string{"trauma", "urgent"},
			CreatedAt: date(2025, 3, 5), UpdatedAt: date(2025, 3, 5),
		},
	}
}

func seedEngine(t *testing.T) *BleveEngine {
	t.Helper()
	engine := newTestEngine(t)
	ctx := context.Background()
	for _, d := range testDocs() {
		if err := engine.Upsert(ctx, d); err != nil {
			t.Fatalf("upsert %s: %v", d.ID, err)
		}
	}
	return engine
}

func hitIDs(res *Result) []string {
	ids := make([]string, 0, len(res.Hits))
	for _, h := range res.Hits {
		ids = append(ids, h.Doc.ID)
	}
	return ids
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestQueryFreeText(t *testing.T) {
	engine := seedEngine(t)

	res, err := engine.Query(context.Background(), QueryParams{Query: "pneumonia"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total == 0 {
		t.Fatal("no hits for pneumonia")
	}
	if res.Hits[0].Doc.ID != "doc-2" {
		t.Errorf("top hit = %s, want doc-2", res.Hits[0].Doc.ID)
	}
	if res.Hits[0].Score <= 0 {
		t.Error("score missing")
	}
}

func TestQueryDiagnosisOutranksDescription(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	date := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	docs := []Document{
		{
			ID: "diag-only", PatientID: "P00010", BodyPart: "Chest",
			ScanDate: date, Institution: "General Hospital",
			Diagnosis: "Pneumonia",
			CreatedAt: date, UpdatedAt: date,
		},
		{
			ID: "desc-only", PatientID: "P00011", BodyPart: "Chest",
			ScanDate: date, Institution: "General Hospital",
			Description: "Opacity suggestive of pneumonia in the right lower lobe",
			Diagnosis:   "Unconfirmed",
			CreatedAt:   date, UpdatedAt: date,
		},
	}
	for _, d := range docs {
		if err := engine.Upsert(ctx, d); err != nil {
			t.Fatalf("upsert %s: %v", d.ID, err)
		}
	}

	res, err := engine.Query(ctx, QueryParams{Query: "pneumonia"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 2 {
		t.Fatalf("total = %d, want 2; ids=%v", res.Total, hitIDs(res))
	}
	if res.Hits[0].Doc.ID != "diag-only" {
		t.Errorf("order = %v, want the diagnosis match first", hitIDs(res))
	}
	if res.Hits[0].Score <= res.Hits[1].Score {
		t.Errorf("diagnosis score %v not above description score %v",
			res.Hits[0].Score, res.Hits[1].Score)
	}
}

func TestQueryFuzzyTypo(t *testing.T) {
	engine := seedEngine(t)

	// One transposition away from "pneumonia".
	res, err := engine.Query(context.Background(), QueryParams{Query: "pnuemonia"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !contains(hitIDs(res), "doc-2") {
		t.Errorf("typo query missed doc-2, got %v", hitIDs(res))
	}
}

func TestQueryHydratesDocument(t *testing.T) {
	engine := seedEngine(t)

	res, err := engine.Query(context.Background(), QueryParams{Query: "fracture"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Hits) == 0 {
		t.Fatal("no hits")
	}
	doc := res.Hits[0].Doc
	if doc.PatientID != "P00003" || doc.BodyPart != "Knee" {
		t.Errorf("hydration wrong: %+v", doc)
	}
	if len(doc.Tags) != 2 {
		t.Errorf("tags = %v", doc.Tags)
	}
	if doc.ScanDate.IsZero() {
		t.Error("scan date not hydrated")
	}
}

func TestQueryHighlights(t *testing.T) {
	engine := seedEngine(t)

	res, err := engine.Query(context.Background(), QueryParams{Query: "consolidation"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Hits) == 0 {
		t.Fatal("no hits")
	}
	frags := res.Hits[0].Highlight["description"]
	if len(frags) == 0 {
		t.Fatal("no description highlight")
	}
	if !strings.Contains(frags[0], "<mark>") {
		t.Errorf("fragment lacks mark tags: %q", frags[0])
	}
}

func TestQueryBodyPartFilterCaseInsensitive(t *testing.T) {
	engine := seedEngine(t)

	res, err := engine.Query(context.Background(), QueryParams{BodyPart: "CHEST"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 2 {
		t.Errorf("total = %d, want 2; ids=%v", res.Total, hitIDs(res))
	}
}

func TestQueryCombinedTextAndFilter(t *testing.T) {
	engine := seedEngine(t)

	res, err := engine.Query(context.Background(), QueryParams{
		Query:    "urgent",
		BodyPart: "knee",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 1 || res.Hits[0].Doc.ID != "doc-3" {
		t.Errorf("ids = %v", hitIDs(res))
	}
}

func TestQueryTagsAreANDed(t *testing.T) {
	engine := seedEngine(t)
	ctx := context.Background()

	res, err := engine.Query(ctx, QueryParams{Tags: []string{"urgent"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 2 {
		t.Errorf("single tag: total = %d, want 2", res.Total)
	}

	res, err = engine.Query(ctx, QueryParams{Tags: []string{"urgent", "trauma"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 1 || res.Hits[0].Doc.ID != "doc-3" {
		t.Errorf("two tags: ids = %v", hitIDs(res))
	}
}

func TestQueryDateRange(t *testing.T) {
	engine := seedEngine(t)

	from := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 2, 28, 23, 59, 59, 0, time.UTC)
	res, err := engine.Query(context.Background(), QueryParams{ScanFrom: &from, ScanTo: &to})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 1 || res.Hits[0].Doc.ID != "doc-2" {
		t.Errorf("ids = %v", hitIDs(res))
	}
}

func TestQueryOrderBy(t *testing.T) {
	engine := seedEngine(t)

	res, err := engine.Query(context.Background(), QueryParams{OrderBy: "-scan_date"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	ids := hitIDs(res)
	if len(ids) != 3 || ids[0] != "doc-3" || ids[2] != "doc-1" {
		t.Errorf("order = %v", ids)
	}
}

func TestQueryPagination(t *testing.T) {
	engine := seedEngine(t)
	ctx := context.Background()

	page, err := engine.Query(ctx, QueryParams{OrderBy: "scan_date", Size: 2, From: 0})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Hits) != 2 || page.Total != 3 {
		t.Fatalf("page 1: hits=%d total=%d", len(page.Hits), page.Total)
	}
	page2, err := engine.Query(ctx, QueryParams{OrderBy: "scan_date", Size: 2, From: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page2.Hits) != 1 || page2.Hits[0].Doc.ID != "doc-3" {
		t.Errorf("page 2: %v", hitIDs(page2))
	}
}

func TestUpsertOverwrites(t *testing.T) {
	engine := seedEngine(t)
	ctx := context.Background()

	doc := testDocs()[0]
	doc.Diagnosis = "Atelectasis"
	if err := engine.Upsert(ctx, doc); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	n, err := engine.DocCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("doc count = %d, want 3", n)
	}

	res, err := engine.Query(ctx, QueryParams{Query: "atelectasis"})
	if err != nil {
		t.Fatal(err)
	}
	if !contains(hitIDs(res), "doc-1") {
		t.Errorf("updated doc not searchable: %v", hitIDs(res))
	}
}

func TestDeleteRemovesDoc(t *testing.T) {
	engine := seedEngine(t)
	ctx := context.Background()

	if err := engine.Delete(ctx, "doc-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, err := engine.Query(ctx, QueryParams{Query: "pneumonia"})
	if err != nil {
		t.Fatal(err)
	}
	if contains(hitIDs(res), "doc-2") {
		t.Error("deleted doc still returned")
	}
}

func TestResetEmptiesIndex(t *testing.T) {
	engine := seedEngine(t)
	ctx := context.Background()

	if err := engine.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	n, err := engine.DocCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("doc count after reset = %d", n)
	}

	// Index stays usable after reset.
	if err := engine.Upsert(ctx, testDocs()[0]); err != nil {
		t.Fatalf("upsert after reset: %v", err)
	}
}

func TestResetFailureLeavesEngineClosed(t *testing.T) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		t.Fatal(err)
	}
	// A path whose parent is a regular file cannot be removed or recreated,
	// so recreation fails after the old index is already closed.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	engine := &BleveEngine{index: idx, path: filepath.Join(blocker, "idx")}

	ctx := context.Background()
	if err := engine.Reset(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("reset error = %v, want ErrUnavailable", err)
	}
	if err := engine.Upsert(ctx, testDocs()[0]); !errors.Is(err, ErrUnavailable) {
		t.Errorf("upsert after failed reset: %v", err)
	}
	if _, err := engine.Query(ctx, QueryParams{Query: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("query after failed reset: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Errorf("close after failed reset: %v", err)
	}
}

func TestSuggestPrefix(t *testing.T) {
	engine := seedEngine(t)

	suggestions, err := engine.Suggest(context.Background(), "diagnosis", "pneu")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(suggestions) == 0 {
		t.Fatal("no suggestions")
	}
	if suggestions[0].Text != "Pneumonia" {
		t.Errorf("top suggestion = %q", suggestions[0].Text)
	}
}

func TestSuggestDeduplicates(t *testing.T) {
	engine := seedEngine(t)
	ctx := context.Background()

	// A second record with the same diagnosis must not duplicate the
	// suggestion.
	extra := testDocs()[1]
	extra.ID = "doc-4"
	extra.PatientID = "P00004"
	if err := engine.Upsert(ctx, extra); err != nil {
		t.Fatal(err)
	}

	suggestions, err := engine.Suggest(ctx, "diagnosis", "pneu")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	seen := 0
	for _, s := range suggestions {
		if strings.EqualFold(s.Text, "pneumonia") {
			seen++
		}
	}
	if seen != 1 {
		t.Errorf("pneumonia suggested %d times", seen)
	}
}

func TestSuggestTags(t *testing.T) {
	engine := seedEngine(t)

	suggestions, err := engine.Suggest(context.Background(), "tags", "urg")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(suggestions) == 0 {
		t.Fatal("no tag suggestions")
	}
	if suggestions[0].Text != "urgent" {
		t.Errorf("top = %q", suggestions[0].Text)
	}
}

func TestSuggestInvalidField(t *testing.T) {
	engine := newTestEngine(t)
	if _, err := engine.Suggest(context.Background(), "description", "x"); err == nil {
		t.Error("invalid field accepted")
	}
}

func TestSuggestEmptyText(t *testing.T) {
	engine := seedEngine(t)
	suggestions, err := engine.Suggest(context.Background(), "diagnosis", "  ")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(suggestions) != 0 {
		t.Errorf("expected none, got %v", suggestions)
	}
}

func TestAggregate(t *testing.T) {
	engine := seedEngine(t)

	agg, err := engine.Aggregate(context.Background())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.Total != 3 {
		t.Errorf("total = %d", agg.Total)
	}

	byKey := func(buckets []TermBucket) map[string]int {
		m := make(map[string]int)
		for _, b := range buckets {
			m[b.Key] = b.Count
		}
		return m
	}

	parts := byKey(agg.BodyParts)
	if parts["chest"] != 2 || parts["knee"] != 1 {
		t.Errorf("body parts = %v", agg.BodyParts)
	}
	tags := byKey(agg.Tags)
	if tags["urgent"] != 2 {
		t.Errorf("tags = %v", agg.Tags)
	}

	if len(agg.ScansByMonth) != 3 {
		t.Fatalf("months = %v", agg.ScansByMonth)
	}
	if agg.ScansByMonth[0].Key != "2025-01" || agg.ScansByMonth[2].Key != "2025-03" {
		t.Errorf("months not chronological: %v", agg.ScansByMonth)
	}
}

func TestClosedEngineReturnsUnavailable(t *testing.T) {
	engine, err := NewBleveEngine("")
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Close(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := engine.Upsert(ctx, testDocs()[0]); !errors.Is(err, ErrUnavailable) {
		t.Errorf("upsert: %v", err)
	}
	if _, err := engine.Query(ctx, QueryParams{Query: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("query: %v", err)
	}
	if _, err := engine.Aggregate(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("aggregate: %v", err)
	}
}
