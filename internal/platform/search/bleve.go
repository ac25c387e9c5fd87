package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	bsearch "github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/highlight/highlighter/html"
	"github.com/blevesearch/bleve/v2/search/query"
)

// BleveEngine implements Engine on top of a Bleve index. If path is empty the
// index lives in memory, which is what the tests use.
type BleveEngine struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// NewBleveEngine opens the index at path, creating it if absent.
func NewBleveEngine(path string) (*BleveEngine, error) {
	var idx bleve.Index
	var err error

	if path == "" {
		idx, err = bleve.NewMemOnly(buildIndexMapping())
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, buildIndexMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}

	return &BleveEngine{index: idx, path: path}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	analyzed := func(termVectors bool) *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.IncludeTermVectors = termVectors
		return fm
	}
	raw := func() *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = keyword.Name
		fm.IncludeInAll = false
		return fm
	}
	date := func() *mapping.FieldMapping {
		fm := bleve.NewDateTimeFieldMapping()
		fm.IncludeInAll = false
		return fm
	}

	// Stemmed so inflected query terms still match; term vectors kept for
	// highlighting.
	english := analyzed(true)
	english.Analyzer = en.AnalyzerName

	// Stored verbatim for hydration, never matched against.
	storedOnly := raw()
	storedOnly.Index = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("patient_id", analyzed(false))
	doc.AddFieldMappingsAt("patient_id_raw", raw())
	doc.AddFieldMappingsAt("body_part", analyzed(false))
	doc.AddFieldMappingsAt("body_part_raw", raw())
	doc.AddFieldMappingsAt("institution", analyzed(false))
	doc.AddFieldMappingsAt("institution_raw", raw())
	doc.AddFieldMappingsAt("diagnosis", analyzed(true))
	doc.AddFieldMappingsAt("diagnosis_raw", raw())
	doc.AddFieldMappingsAt("description", english)
	doc.AddFieldMappingsAt("tags", analyzed(true))
	doc.AddFieldMappingsAt("tags_raw", raw())
	doc.AddFieldMappingsAt("tags_list", storedOnly)
	doc.AddFieldMappingsAt("scan_date", date())
	doc.AddFieldMappingsAt("scan_month", raw())
	doc.AddFieldMappingsAt("created_at", date())
	doc.AddFieldMappingsAt("updated_at", date())

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

// fields flattens a Document for indexing. Raw variants are lowercased so
// exact filters and sorts are case-insensitive; tags are additionally joined
// into one analyzed blob for free-text matching.
func (d Document) fields() map[string]interface{} {
	lower := make([]string, len(d.Tags))
	for i, t := range d.Tags {
		lower[i] = strings.ToLower(t)
	}
	return map[string]interface{}{
		"patient_id":      d.PatientID,
		"patient_id_raw":  strings.ToLower(d.PatientID),
		"body_part":       d.BodyPart,
		"body_part_raw":   strings.ToLower(d.BodyPart),
		"institution":     d.Institution,
		"institution_raw": strings.ToLower(d.Institution),
		"diagnosis":       d.Diagnosis,
		"diagnosis_raw":   strings.ToLower(d.Diagnosis),
		"description":     d.Description,
		"tags":            strings.Join(d.Tags, " "),
		"tags_raw":        lower,
		"tags_list":       d.Tags,
		"scan_date":       d.ScanDate,
		"scan_month":      d.ScanDate.Format("2006-01"),
		"created_at":      d.CreatedAt,
		"updated_at":      d.UpdatedAt,
	}
}

func (e *BleveEngine) Upsert(ctx context.Context, doc Document) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrUnavailable
	}
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	if err := e.index.Index(doc.ID, doc.fields()); err != nil {
		return fmt.Errorf("%w: index %s: %v", ErrUnavailable, doc.ID, err)
	}
	return nil
}

func (e *BleveEngine) Delete(ctx context.Context, id string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrUnavailable
	}
	if err := e.index.Delete(id); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

// Reset drops the index and recreates it empty with the current mapping.
func (e *BleveEngine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrUnavailable
	}

	if err := e.index.Close(); err != nil {
		return fmt.Errorf("%w: close for reset: %v", ErrUnavailable, err)
	}

	var idx bleve.Index
	var err error
	if e.path == "" {
		idx, err = bleve.NewMemOnly(buildIndexMapping())
	} else {
		if err = os.RemoveAll(e.path); err == nil {
			idx, err = bleve.New(e.path, buildIndexMapping())
		}
	}
	if err != nil {
		// The old index is already closed with no way back. Mark the engine
		// closed so later calls get ErrUnavailable instead of a dead handle.
		e.closed = true
		return fmt.Errorf("%w: recreate index: %v", ErrUnavailable, err)
	}
	e.index = idx
	return nil
}

// boostedField pairs an indexed field with its relevance weight.
type boostedField struct {
	name  string
	boost float64
}

// freeTextFields lists each source field once. Disjunction scoring sums the
// matching branches, so querying a field through two analyzers would let a
// lower-boost field overtake diagnosis.
var freeTextFields = []boostedField{
	{"diagnosis", BoostDiagnosis},
	{"description", BoostDescription},
	{"tags", BoostTags},
	{"body_part", BoostBodyPart},
	{"institution", BoostInstitution},
	{"patient_id", BoostPatientID},
}

// orderFields maps external ordering names to indexed fields.
var orderFields = map[string]string{
	"scan_date":  "scan_date",
	"created_at": "created_at",
	"patient_id": "patient_id_raw",
	"body_part":  "body_part_raw",
	"diagnosis":  "diagnosis_raw",
}

func buildQuery(p QueryParams) query.Query {
	var must []query.Query

	if q := strings.TrimSpace(p.Query); q != "" {
		per := make([]query.Query, 0, len(freeTextFields))
		for _, f := range freeTextFields {
			mq := bleve.NewMatchQuery(q)
			mq.SetField(f.name)
			mq.SetBoost(f.boost)
			// 1-2 character edits depending on term length.
			mq.SetAutoFuzziness(true)
			per = append(per, mq)
		}
		must = append(must, bleve.NewDisjunctionQuery(per...))
	}

	if p.BodyPart != "" {
		tq := bleve.NewTermQuery(strings.ToLower(p.BodyPart))
		tq.SetField("body_part_raw")
		must = append(must, tq)
	}
	if p.Diagnosis != "" {
		mq := bleve.NewMatchQuery(p.Diagnosis)
		mq.SetField("diagnosis")
		must = append(must, mq)
	}
	if p.Institution != "" {
		mq := bleve.NewMatchQuery(p.Institution)
		mq.SetField("institution")
		must = append(must, mq)
	}
	if p.PatientID != "" {
		tq := bleve.NewTermQuery(strings.ToLower(p.PatientID))
		tq.SetField("patient_id_raw")
		must = append(must, tq)
	}
	for _, tag := range p.Tags {
		if tag = strings.TrimSpace(tag); tag == "" {
			continue
		}
		mq := bleve.NewMatchQuery(tag)
		mq.SetField("tags")
		must = append(must, mq)
	}
	if p.ScanFrom != nil || p.ScanTo != nil {
		var from, to time.Time
		if p.ScanFrom != nil {
			from = *p.ScanFrom
		}
		if p.ScanTo != nil {
			to = *p.ScanTo
		}
		inclusive := true
		dq := bleve.NewDateRangeInclusiveQuery(from, to, &inclusive, &inclusive)
		dq.SetField("scan_date")
		must = append(must, dq)
	}

	switch len(must) {
	case 0:
		return bleve.NewMatchAllQuery()
	case 1:
		return must[0]
	default:
		return bleve.NewConjunctionQuery(must...)
	}
}

func (e *BleveEngine) Query(ctx context.Context, p QueryParams) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrUnavailable
	}

	size := p.Size
	if size <= 0 || size > MaxResults {
		size = MaxResults
	}
	from := p.From
	if from < 0 {
		from = 0
	}

	req := bleve.NewSearchRequestOptions(buildQuery(p), size, from, false)
	req.Fields = []string{"*"}
	req.Highlight = bleve.NewHighlightWithStyle(html.Name)
	req.Highlight.AddField("description")
	req.Highlight.AddField("diagnosis")
	req.Highlight.AddField("tags")

	if p.OrderBy != "" {
		field := strings.TrimPrefix(p.OrderBy, "-")
		if mapped, ok := orderFields[field]; ok {
			if strings.HasPrefix(p.OrderBy, "-") {
				mapped = "-" + mapped
			}
			req.SortBy([]string{mapped})
		}
	}

	res, err := e.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}

	out := &Result{
		Total:    res.Total,
		MaxScore: res.MaxScore,
		Took:     res.Took,
		Hits:     make([]Hit, 0, len(res.Hits)),
	}
	for _, hit := range res.Hits {
		h := Hit{
			Doc:   docFromFields(hit.ID, hit.Fields),
			Score: hit.Score,
		}
		if len(hit.Fragments) > 0 {
			h.Highlight = hit.Fragments
		}
		out.Hits = append(out.Hits, h)
	}
	return out, nil
}

// suggestField describes how one suggestable field is indexed.
type suggestField struct {
	analyzed string
	raw      string
	stored   string
}

var suggestFields = map[string]suggestField{
	"diagnosis":   {"diagnosis", "diagnosis_raw", "diagnosis"},
	"institution": {"institution", "institution_raw", "institution"},
	"tags":        {"tags", "tags_raw", "tags_list"},
}

func (e *BleveEngine) Suggest(ctx context.Context, field, text string) ([]Suggestion, error) {
	sf, ok := suggestFields[field]
	if !ok {
		return nil, fmt.Errorf("invalid suggest field %q", field)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return []Suggestion{}, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrUnavailable
	}

	pq := bleve.NewPrefixQuery(strings.ToLower(text))
	pq.SetField(sf.raw)
	pq.SetBoost(2.0)
	fq := bleve.NewMatchQuery(text)
	fq.SetField(sf.analyzed)
	fq.SetFuzziness(1)

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(pq, fq), MaxSuggestions*3, 0, false)
	req.Fields = []string{sf.stored}

	res, err := e.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: suggest: %v", ErrUnavailable, err)
	}

	best := make(map[string]Suggestion)
	for _, hit := range res.Hits {
		for _, cand := range suggestCandidates(field, text, hit.Fields[sf.stored]) {
			key := strings.ToLower(cand)
			if cur, ok := best[key]; !ok || hit.Score > cur.Score {
				best[key] = Suggestion{Text: cand, Score: hit.Score}
			}
		}
	}

	out := make([]Suggestion, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Text < out[j].Text
	})
	if len(out) > MaxSuggestions {
		out = out[:MaxSuggestions]
	}
	return out, nil
}

// suggestCandidates extracts suggestion texts from a stored field value. For
// tags the stored value is a list; tags sharing the typed prefix win, falling
// back to every tag on the hit for fuzzy-only matches.
func suggestCandidates(field, text string, stored interface{}) []string {
	if field != "tags" {
		if s := str(stored); s != "" {
			return []string{s}
		}
		return nil
	}
	tags := strSlice(stored)
	prefix := strings.ToLower(text)
	var withPrefix []string
	for _, t := range tags {
		if strings.HasPrefix(strings.ToLower(t), prefix) {
			withPrefix = append(withPrefix, t)
		}
	}
	if len(withPrefix) > 0 {
		return withPrefix
	}
	return tags
}

func (e *BleveEngine) Aggregate(ctx context.Context) (*Aggregates, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrUnavailable
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), 0, 0, false)
	req.AddFacet("body_parts", bleve.NewFacetRequest("body_part_raw", 20))
	req.AddFacet("diagnoses", bleve.NewFacetRequest("diagnosis_raw", 20))
	req.AddFacet("institutions", bleve.NewFacetRequest("institution_raw", 20))
	req.AddFacet("tags", bleve.NewFacetRequest("tags_raw", 30))
	req.AddFacet("scans_by_month", bleve.NewFacetRequest("scan_month", 36))

	res, err := e.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate: %v", ErrUnavailable, err)
	}

	agg := &Aggregates{
		Total:        res.Total,
		BodyParts:    termBuckets(res.Facets["body_parts"]),
		Diagnoses:    termBuckets(res.Facets["diagnoses"]),
		Institutions: termBuckets(res.Facets["institutions"]),
		Tags:         termBuckets(res.Facets["tags"]),
		ScansByMonth: termBuckets(res.Facets["scans_by_month"]),
	}
	// Histogram reads chronologically, not by frequency.
	sort.Slice(agg.ScansByMonth, func(i, j int) bool {
		return agg.ScansByMonth[i].Key < agg.ScansByMonth[j].Key
	})
	return agg, nil
}

func termBuckets(fr *bsearch.FacetResult) []TermBucket {
	if fr == nil || fr.Terms == nil {
		return []TermBucket{}
	}
	terms := fr.Terms.Terms()
	out := make([]TermBucket, 0, len(terms))
	for _, t := range terms {
		out = append(out, TermBucket{Key: t.Term, Count: t.Count})
	}
	return out
}

func (e *BleveEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.index.Close()
}

// DocCount reports the number of documents currently indexed.
func (e *BleveEngine) DocCount() (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrUnavailable
	}
	return e.index.DocCount()
}

// docFromFields rebuilds a Document from the stored fields of a hit.
func docFromFields(id string, fields map[string]interface{}) Document {
	return Document{
		ID:          id,
		PatientID:   str(fields["patient_id"]),
		BodyPart:    str(fields["body_part"]),
		ScanDate:    parseTime(fields["scan_date"]),
		Institution: str(fields["institution"]),
		Description: str(fields["description"]),
		Diagnosis:   str(fields["diagnosis"]),
		Tags:        strSlice(fields["tags_list"]),
		CreatedAt:   parseTime(fields["created_at"]),
		UpdatedAt:   parseTime(fields["updated_at"]),
	}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func strSlice(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}

func parseTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ Engine = (*BleveEngine)(nil)
