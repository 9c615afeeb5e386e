// Package knowledge is the durable knowledge repository: typed records
// indexed as fixed-length term-frequency vectors, similarity search, and a
// relation graph between records.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-council/internal/bus"
	otelPkg "github.com/basket/go-council/internal/otel"
	"github.com/basket/go-council/internal/persistence"
	"github.com/basket/go-council/internal/shared"
)

// Backend is the persistence surface the store writes through.
type Backend interface {
	InsertKnowledge(ctx context.Context, rec persistence.KnowledgeRow, links []persistence.LinkRequest) ([]persistence.RelationRow, error)
	UpdateKnowledge(ctx context.Context, rec persistence.KnowledgeRow, links []persistence.LinkRequest) ([]persistence.RelationRow, error)
	GetKnowledge(ctx context.Context, id string) (*persistence.KnowledgeRow, error)
	ListKnowledgeByKind(ctx context.Context, kind string) ([]persistence.KnowledgeRow, error)
	ListRelations(ctx context.Context, id string) ([]persistence.RelationRow, error)
}

type Config struct {
	Dimension       int
	SimilarityFloor float64
	KeywordLimit    int
	QueryCacheSize  int

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
	Tracer  trace.Tracer
	// Now overrides the clock; tests only.
	Now func() time.Time
}

// Input is the data for a new record. Which fields are required depends on
// the kind: fact needs Title and Description, explanation needs FactTitle and
// Explanation, risk needs Name and Description, action needs Title and Goal.
type Input struct {
	Title        string
	Description  string
	Content      string
	FactTitle    string
	Explanation  string
	Name         string
	Goal         string
	RelatedFacts []string
	RelatedRisks []string
	Attrs        map[string]string
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Title        *string
	Description  *string
	Content      *string
	FactTitle    *string
	Explanation  *string
	Name         *string
	Goal         *string
	RelatedFacts *[]string
	RelatedRisks *[]string
	Attrs        map[string]string
}

type Relation struct {
	SourceID string       `json:"source_id"`
	TargetID string       `json:"target_id"`
	Type     RelationType `json:"relation_type"`
	Weight   float64      `json:"weight"`
}

type Record struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Content     string            `json:"content,omitempty"`
	Keywords    []string          `json:"keywords"`
	Vector      []float64         `json:"-"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	Relations   []Relation        `json:"relations,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Match is one similarity search hit.
type Match struct {
	Record     *Record `json:"record"`
	Similarity float64 `json:"similarity"`
}

// UpdateResult reports what an Update re-derived.
type UpdateResult struct {
	Record    *Record  `json:"record"`
	Changed   []string `json:"changed"`
	Keywords  bool     `json:"keywords_rederived"`
	Vector    bool     `json:"vector_rederived"`
	Relations bool     `json:"relations_rederived"`
}

// Store owns every knowledge write. Writes are serialized; reads run freely.
type Store struct {
	backend Backend
	vec     *Vectorizer
	floor   float64
	kwLimit int
	cache   *lru.Cache[string, []float64]
	ids     *shared.IDAllocator
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otelPkg.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	writeMu sync.Mutex
}

// New returns a store writing through backend.
func New(backend Backend, cfg Config) (*Store, error) {
	if backend == nil {
		return nil, errors.New("knowledge: nil backend")
	}
	if cfg.SimilarityFloor <= 0 {
		cfg.SimilarityFloor = 0.1
	}
	if cfg.KeywordLimit <= 0 {
		cfg.KeywordLimit = 10
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 256
	}
	cache, err := lru.New[string, []float64](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	s := &Store{
		backend: backend,
		vec:     NewVectorizer(cfg.Dimension),
		floor:   cfg.SimilarityFloor,
		kwLimit: cfg.KeywordLimit,
		cache:   cache,
		ids:     shared.NewIDAllocator(),
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		now:     cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = otelPkg.NoopMetrics()
	}
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Dimension is the fixed vector length of every record.
func (s *Store) Dimension() int { return s.vec.Dim() }

// Store validates, indexes and persists a new record together with the
// relations its kind implies. Either all of it commits or none of it does.
func (s *Store) Store(ctx context.Context, kind Kind, in Input) (*Record, error) {
	rule, ok := kindRules[kind]
	if !ok {
		return nil, &ValidationError{Kind: kind, Field: "kind"}
	}
	for _, f := range rule.required {
		if strings.TrimSpace(f.get(in)) == "" {
			return nil, &ValidationError{Kind: kind, Field: f.name}
		}
	}

	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "knowledge.store", otelPkg.AttrKnowledgeKind.String(string(kind)))
	defer span.End()

	title, desc := rule.shape(in)
	attrs := maps.Clone(in.Attrs)
	if attrs == nil {
		attrs = map[string]string{}
	}
	setAttr(attrs, attrFactTitle, strings.TrimSpace(in.FactTitle))
	setAttr(attrs, attrRelatedFacts, encodeList(in.RelatedFacts))
	setAttr(attrs, attrRelatedRisks, encodeList(in.RelatedRisks))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now().UTC()
	vec := s.vec.Vector(indexText(title, desc, in.Content))
	row := persistence.KnowledgeRow{
		ID:          s.ids.NewID(string(kind), now),
		Kind:        string(kind),
		Title:       title,
		Description: desc,
		Content:     in.Content,
		Keywords:    extractKeywords(title+" "+desc, s.kwLimit),
		Vector:      encodeVector(vec),
		Attrs:       attrs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	var links []persistence.LinkRequest
	if rule.links != nil {
		links = rule.links(attrs)
	}
	edges, err := s.backend.InsertKnowledge(ctx, row, links)
	if err != nil {
		otelPkg.RecordError(span, err)
		return nil, fmt.Errorf("store %s: %w", kind, err)
	}
	if dropped := len(links) - len(edges); dropped > 0 {
		s.logger.DebugContext(ctx, "knowledge links unresolved", "id", row.ID, "dropped", dropped)
	}

	rec := fromRow(row, vec)
	rec.Relations = toRelations(edges)
	s.metrics.KnowledgeWrites.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrKnowledgeKind.String(string(kind))))
	s.bus.Publish(bus.TopicKnowledgeStored, bus.KnowledgeEvent{ID: rec.ID, Kind: string(kind), Title: rec.Title, Relations: len(edges)})
	s.logger.InfoContext(ctx, "knowledge stored", "id", rec.ID, "kind", kind, "relations", len(edges))
	return rec, nil
}

// Retrieve returns up to limit records of kind ranked by cosine similarity
// to query. Records below the similarity floor are never returned; ties keep
// insertion order. An empty query returns no results.
func (s *Store) Retrieve(ctx context.Context, kind Kind, query string, limit int) ([]Match, error) {
	if _, ok := kindRules[kind]; !ok {
		return nil, &ValidationError{Kind: kind, Field: "kind"}
	}
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return []Match{}, nil
	}

	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "knowledge.retrieve", otelPkg.AttrKnowledgeKind.String(string(kind)))
	defer span.End()
	start := time.Now()
	defer func() {
		s.metrics.RetrieveDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otelPkg.AttrKnowledgeKind.String(string(kind))))
	}()

	qv := s.queryVector(query)
	rows, err := s.backend.ListKnowledgeByKind(ctx, string(kind))
	if err != nil {
		otelPkg.RecordError(span, err)
		return nil, fmt.Errorf("retrieve %s: %w", kind, err)
	}

	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		vec, err := decodeVector(row.Vector)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping record with corrupt vector", "id", row.ID, "error", err)
			continue
		}
		sim := Cosine(qv, vec)
		if sim < s.floor {
			continue
		}
		matches = append(matches, Match{Record: fromRow(row, vec), Similarity: sim})
	}
	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) queryVector(query string) []float64 {
	if v, ok := s.cache.Get(query); ok {
		return v
	}
	v := s.vec.Vector(query)
	s.cache.Add(query, v)
	return v
}

// Update applies a partial change to a record. Keywords, vector and
// relations are re-derived only when a field feeding them was supplied.
func (s *Store) Update(ctx context.Context, id string, p Patch) (*UpdateResult, error) {
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "knowledge.update")
	defer span.End()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row, err := s.backend.GetKnowledge(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	kind := Kind(row.Kind)
	rule, ok := kindRules[kind]
	if !ok {
		return nil, fmt.Errorf("update %s: stored record has unknown kind %q", id, row.Kind)
	}
	span.SetAttributes(otelPkg.AttrKnowledgeKind.String(row.Kind))

	res := &UpdateResult{}
	titleIn, titleName, descIn, descName := patchTextFields(kind, p)
	if titleIn != nil {
		if strings.TrimSpace(*titleIn) == "" && requires(rule, titleName) {
			return nil, &ValidationError{Kind: kind, Field: titleName}
		}
		row.Title = *titleIn
		res.Changed = append(res.Changed, titleName)
	}
	if descIn != nil {
		if strings.TrimSpace(*descIn) == "" && requires(rule, descName) {
			return nil, &ValidationError{Kind: kind, Field: descName}
		}
		row.Description = *descIn
		res.Changed = append(res.Changed, descName)
	}
	if p.Content != nil {
		row.Content = *p.Content
		res.Changed = append(res.Changed, "content")
	}

	if row.Attrs == nil {
		row.Attrs = map[string]string{}
	}
	for k, v := range p.Attrs {
		row.Attrs[k] = v
	}
	if len(p.Attrs) > 0 {
		res.Changed = append(res.Changed, "attrs")
	}
	switch {
	case kind == KindExplanation && p.FactTitle != nil:
		if strings.TrimSpace(*p.FactTitle) == "" {
			return nil, &ValidationError{Kind: kind, Field: "fact_title"}
		}
		setAttr(row.Attrs, attrFactTitle, strings.TrimSpace(*p.FactTitle))
		res.Relations = true
		res.Changed = append(res.Changed, "fact_title")
	case kind == KindRisk && p.RelatedFacts != nil:
		setAttr(row.Attrs, attrRelatedFacts, encodeList(*p.RelatedFacts))
		res.Relations = true
		res.Changed = append(res.Changed, "related_facts")
	case kind == KindAction && p.RelatedRisks != nil:
		setAttr(row.Attrs, attrRelatedRisks, encodeList(*p.RelatedRisks))
		res.Relations = true
		res.Changed = append(res.Changed, "related_risks")
	}

	vec, err := decodeVector(row.Vector)
	if err != nil {
		vec = nil
	}
	if titleIn != nil || descIn != nil {
		row.Keywords = extractKeywords(row.Title+" "+row.Description, s.kwLimit)
		res.Keywords = true
	}
	if titleIn != nil || descIn != nil || p.Content != nil || vec == nil {
		vec = s.vec.Vector(indexText(row.Title, row.Description, row.Content))
		row.Vector = encodeVector(vec)
		res.Vector = true
	}

	var links []persistence.LinkRequest
	if res.Relations {
		links = rule.links(row.Attrs)
		if links == nil {
			links = []persistence.LinkRequest{}
		}
	}
	row.UpdatedAt = s.now().UTC()
	if _, err := s.backend.UpdateKnowledge(ctx, *row, links); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &NotFoundError{ID: id}
		}
		otelPkg.RecordError(span, err)
		return nil, fmt.Errorf("update %s: %w", id, err)
	}

	rec := fromRow(*row, vec)
	edges, err := s.backend.ListRelations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load relations for %s: %w", id, err)
	}
	rec.Relations = toRelations(edges)
	res.Record = rec

	s.metrics.KnowledgeWrites.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrKnowledgeKind.String(row.Kind)))
	s.bus.Publish(bus.TopicKnowledgeUpdated, bus.KnowledgeEvent{ID: id, Kind: row.Kind, Title: rec.Title, Relations: len(edges)})
	s.logger.InfoContext(ctx, "knowledge updated", "id", id, "changed", res.Changed)
	return res, nil
}

// Get loads one record with its relations.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row, err := s.backend.GetKnowledge(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	vec, err := decodeVector(row.Vector)
	if err != nil {
		return nil, fmt.Errorf("decode vector for %s: %w", id, err)
	}
	rec := fromRow(*row, vec)
	edges, err := s.backend.ListRelations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load relations for %s: %w", id, err)
	}
	rec.Relations = toRelations(edges)
	return rec, nil
}

// Relations returns every edge touching id, outgoing edges first.
func (s *Store) Relations(ctx context.Context, id string) ([]Relation, error) {
	if _, err := s.backend.GetKnowledge(ctx, id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, err
	}
	edges, err := s.backend.ListRelations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("relations for %s: %w", id, err)
	}
	return toRelations(edges), nil
}

// patchTextFields maps the kind-specific patch fields onto the title and
// description columns.
func patchTextFields(kind Kind, p Patch) (title *string, titleName string, desc *string, descName string) {
	switch kind {
	case KindExplanation:
		return p.Title, "title", p.Explanation, "explanation"
	case KindRisk:
		return p.Name, "name", p.Description, "description"
	case KindAction:
		return p.Title, "title", p.Goal, "goal"
	default:
		return p.Title, "title", p.Description, "description"
	}
}

func requires(rule kindRule, name string) bool {
	for _, f := range rule.required {
		if f.name == name {
			return true
		}
	}
	return false
}

func indexText(title, description, content string) string {
	return title + "\n" + description + "\n" + content
}

func setAttr(attrs map[string]string, key, value string) {
	if value == "" {
		delete(attrs, key)
		return
	}
	attrs[key] = value
}

func fromRow(row persistence.KnowledgeRow, vec []float64) *Record {
	return &Record{
		ID:          row.ID,
		Kind:        Kind(row.Kind),
		Title:       row.Title,
		Description: row.Description,
		Content:     row.Content,
		Keywords:    row.Keywords,
		Vector:      vec,
		Attrs:       row.Attrs,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

func toRelations(rows []persistence.RelationRow) []Relation {
	out := make([]Relation, 0, len(rows))
	for _, r := range rows {
		out = append(out, Relation{SourceID: r.SourceID, TargetID: r.TargetID, Type: RelationType(r.RelationType), Weight: r.Weight})
	}
	return out
}
