package internal

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Retrieval holds the neighbours of a batch of queries. Row i belongs to
// query i; rows are ranked nearest first and may be shorter than K when the
// datastore holds fewer entries.
type Retrieval struct {
	K         int
	Indices   [][]int64
	Distances [][]float64
	Vals      [][]int64
	Keys      [][][]float32
	Hiddens   [][][]float32
	HiddenIdx [][]int64
}

func (r *Retrieval) Rows() int {
	return len(r.Indices)
}

type Retriever struct {
	ds      *Datastore
	workers int
	logger  *zap.Logger
	metrics *Metrics
}

type RetrieverOption func(*Retriever)

func WithRetrieverWorkers(n int) RetrieverOption {
	return func(r *Retriever) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithRetrieverLogger(logger *zap.Logger) RetrieverOption {
	return func(r *Retriever) {
		if logger != nil {
			r.logger = logger.With(zap.String("component", "retriever"))
		}
	}
}

func WithRetrieverMetrics(m *Metrics) RetrieverOption {
	return func(r *Retriever) {
		r.metrics = m
	}
}

func NewRetriever(ds *Datastore, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		ds:      ds,
		workers: runtime.GOMAXPROCS(0),
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var retrievableFields = []string{FieldVals, FieldKeys, FieldHiddens, FieldHiddensIdx}

func (r *Retriever) checkFields(fields []string) error {
	for _, name := range fields {
		if !slices.Contains(retrievableFields, name) {
			return fmt.Errorf("%w: %s", ErrUnknownField, name)
		}
		if _, err := r.ds.Field(name); err != nil {
			return err
		}
	}
	return nil
}

// Retrieve searches the keys index for the k nearest entries of every
// query and attaches the requested fields (vals when none are given).
func (r *Retriever) Retrieve(ctx context.Context, queries [][]float32, k int, fields ...string) (*Retrieval, error) {
	if len(fields) == 0 {
		fields = []string{FieldVals}
	}
	if err := r.checkFields(fields); err != nil {
		return nil, err
	}

	index, err := r.ds.Index(FieldKeys)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	hits, err := r.searchAll(ctx, len(queries), func(ctx context.Context, i int) ([]Neighbor, error) {
		return index.Search(ctx, queries[i], k)
	})
	if err != nil {
		return nil, err
	}
	r.metrics.ObserveRetrieval("full", len(queries), time.Since(start))

	return r.assemble(hits, k, fields)
}

// RetrieveWithHidden narrows the search with the encoder hidden states.
// The top coarseK hidden hits select partitions; their entries are then
// searched exactly with the query. A query whose candidate set has fewer
// than k entries falls back to the full keys index.
func (r *Retriever) RetrieveWithHidden(ctx context.Context, queries, hiddens [][]float32, k, coarseK int, fields ...string) (*Retrieval, error) {
	if len(queries) != len(hiddens) {
		return nil, fmt.Errorf("got %d queries but %d hidden states", len(queries), len(hiddens))
	}
	if len(fields) == 0 {
		fields = []string{FieldVals}
	}
	if err := r.checkFields(fields); err != nil {
		return nil, err
	}

	keysIndex, err := r.ds.Index(FieldKeys)
	if err != nil {
		return nil, err
	}
	hiddenIndex, err := r.ds.Index(FieldHiddens)
	if err != nil {
		return nil, err
	}
	partOf, err := r.ds.Field(FieldHiddensIdx)
	if err != nil {
		return nil, err
	}
	keys, err := r.ds.Field(FieldKeys)
	if err != nil {
		return nil, fmt.Errorf("coarse retrieval needs raw keys: %w", err)
	}

	for i := range queries {
		if err := checkDimension(keys.Dim, queries[i]); err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
		if err := checkDimension(hiddenIndex.Dimension(), hiddens[i]); err != nil {
			return nil, fmt.Errorf("hidden %d: %w", i, err)
		}
	}

	// fine distances use the keys index metric so fallback rows stay
	// comparable with the rest of the batch
	metric := keysIndex.Metric()

	start := time.Now()
	var fallbacks int
	fellBack := make([]bool, len(queries))

	hits, err := r.searchAll(ctx, len(queries), func(ctx context.Context, i int) ([]Neighbor, error) {
		coarse, err := hiddenIndex.Search(ctx, hiddens[i], coarseK)
		if err != nil {
			return nil, fmt.Errorf("coarse search: %w", err)
		}

		var candidates []int64
		seen := make(map[int64]struct{}, len(coarse))
		for _, hit := range coarse {
			p := partOf.Scalar(int(hit.ID))
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			candidates = append(candidates, r.ds.Partition(p)...)
		}

		if len(candidates) < k {
			fellBack[i] = true
			return keysIndex.Search(ctx, queries[i], k)
		}

		fine := make([]Neighbor, len(candidates))
		for j, id := range candidates {
			fine[j] = Neighbor{ID: id, Distance: distance(metric, queries[i], keys.Vector(int(id)))}
		}
		return topK(fine, k), nil
	})
	if err != nil {
		return nil, err
	}

	for _, f := range fellBack {
		if f {
			fallbacks++
		}
	}
	if fallbacks > 0 {
		r.logger.Debug("coarse retrieval fell back to full search", zap.Int("queries", fallbacks))
	}
	r.metrics.ObserveRetrieval("coarse", len(queries), time.Since(start))

	return r.assemble(hits, k, fields)
}

func (r *Retriever) searchAll(ctx context.Context, n int, search func(context.Context, int) ([]Neighbor, error)) ([][]Neighbor, error) {
	hits := make([][]Neighbor, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := search(gctx, i)
			if err != nil {
				return fmt.Errorf("query %d: %w", i, err)
			}
			hits[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hits, nil
}

func (r *Retriever) assemble(hits [][]Neighbor, k int, fields []string) (*Retrieval, error) {
	res := &Retrieval{
		K:         k,
		Indices:   make([][]int64, len(hits)),
		Distances: make([][]float64, len(hits)),
	}

	for i, row := range hits {
		res.Indices[i] = make([]int64, len(row))
		res.Distances[i] = make([]float64, len(row))
		for j, n := range row {
			res.Indices[i][j] = n.ID
			res.Distances[i][j] = n.Distance
		}
	}

	for _, name := range fields {
		f, err := r.ds.Field(name)
		if err != nil {
			return nil, err
		}
		switch name {
		case FieldVals:
			res.Vals = gatherScalars(f, res.Indices)
		case FieldHiddensIdx:
			res.HiddenIdx = gatherScalars(f, res.Indices)
		case FieldKeys:
			res.Keys = gatherVectors(f, res.Indices)
		case FieldHiddens:
			res.Hiddens = gatherVectors(f, res.Indices)
		}
	}
	return res, nil
}

func gatherScalars(f *Field, indices [][]int64) [][]int64 {
	out := make([][]int64, len(indices))
	for i, row := range indices {
		out[i] = make([]int64, len(row))
		for j, id := range row {
			out[i][j] = f.Scalar(int(id))
		}
	}
	return out
}

func gatherVectors(f *Field, indices [][]int64) [][][]float32 {
	out := make([][][]float32, len(indices))
	for i, row := range indices {
		out[i] = make([][]float32, len(row))
		for j, id := range row {
			out[i][j] = slices.Clone(f.Vector(int(id)))
		}
	}
	return out
}
