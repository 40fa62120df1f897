package learning

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("github.com/fyrsmithlabs/fixd/internal/learning")

const (
	defaultCollection = "fixd_outcomes"
	defaultDimensions = 256
)

// ChromemConfig configures a ChromemStore.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the database in memory.
	Path string

	Compress bool

	// Collection name (default: fixd_outcomes).
	Collection string

	// Dimensions of the hashed bag-of-words embedding (default: 256).
	Dimensions int

	// MinSimilarity is the cosine similarity below which problems are
	// unrelated (default: DefaultMinSimilarity).
	MinSimilarity float64
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = defaultCollection
	}
	if c.Dimensions <= 0 {
		c.Dimensions = defaultDimensions
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = DefaultMinSimilarity
	}
}

// ChromemStore stores outcomes in a chromem-go collection, one document per
// outcome with the problem statement as content.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewChromemStore opens or creates the outcome collection.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	s := &ChromemStore{db: db, config: config, logger: logger}
	collection, err := db.GetOrCreateCollection(config.Collection, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", config.Collection, err)
	}
	s.collection = collection

	logger.Info("learning store initialized",
		zap.String("path", config.Path),
		zap.String("collection", config.Collection),
		zap.Int("outcomes", collection.Count()),
	)
	return s, nil
}

func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		return embed(text, s.config.Dimensions), nil
	}
}

// Record implements Store.
func (s *ChromemStore) Record(ctx context.Context, o Outcome) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Record")
	defer span.End()

	if err := validate(o); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}

	doc := chromem.Document{
		ID:      o.ID,
		Content: o.Problem,
		Metadata: map[string]string{
			"cause":       o.Cause,
			"strategy":    o.Strategy,
			"success":     strconv.FormatBool(o.Success),
			"recorded_at": o.RecordedAt.Format(time.RFC3339Nano),
		},
		Embedding: embed(o.Problem, s.config.Dimensions),
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding outcome: %w", err)
	}
	s.logger.Debug("outcome recorded", zap.String("id", o.ID), zap.Bool("success", o.Success))
	return nil
}

// Similar implements Store.
func (s *ChromemStore) Similar(ctx context.Context, problem string, limit int) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Similar")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if len(Tokens(problem)) == 0 {
		return nil, nil
	}

	// chromem requires nResults <= document count.
	n := s.collection.Count()
	if n == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	results, err := s.collection.Query(ctx, problem, limit, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}

	var out []Match
	for _, r := range results {
		if float64(r.Similarity) < s.config.MinSimilarity {
			continue
		}
		success, _ := strconv.ParseBool(r.Metadata["success"])
		recorded, _ := time.Parse(time.RFC3339Nano, r.Metadata["recorded_at"])
		out = append(out, Match{
			Outcome: Outcome{
				ID:         r.ID,
				Problem:    r.Content,
				Cause:      r.Metadata["cause"],
				Strategy:   r.Metadata["strategy"],
				Success:    success,
				RecordedAt: recorded,
			},
			Similarity: float64(r.Similarity),
		})
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// Close implements Store. Persistent databases are written on every
// Record, so Close only rejects further use.
func (s *ChromemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// embed maps text to a normalized hashed bag-of-words vector.
func embed(text string, dims int) []float32 {
	v := make([]float32, dims)
	tokens := Tokens(text)
	if len(tokens) == 0 {
		v[0] = 1
		return v
	}
	for _, t := range tokens {
		h := fnv.New32a()
		_, _ = h.Write([]byte(t))
		v[h.Sum32()%uint32(dims)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
