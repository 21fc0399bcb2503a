package internal

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/go-git/go-billy/v5"
)

var _ VectorIndex = (*FlatIndex)(nil)

// FlatIndex is an exhaustive index. It persists nothing: the datastore
// repopulates it from the indexed field on load.
type FlatIndex struct {
	mu        sync.RWMutex
	dimension int
	metric    Metric
	ids       []int64
	vectors   [][]float32
	built     bool
}

func NewFlatIndex(dimension int, metric Metric) (*FlatIndex, error) {
	if metric != MetricL2 && metric != MetricInnerProduct {
		return nil, fmt.Errorf("%w: flat index does not support metric %q", ErrInvalidConfig, metric)
	}
	return &FlatIndex{dimension: dimension, metric: metric}, nil
}

func (f *FlatIndex) Add(ctx context.Context, id int64, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := checkDimension(f.dimension, vec); err != nil {
		return err
	}

	f.ids = append(f.ids, id)
	f.vectors = append(f.vectors, vec)
	f.built = false
	return nil
}

func (f *FlatIndex) Build(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.built = true
	return nil
}

func (f *FlatIndex) Search(ctx context.Context, query []float32, k int) ([]Neighbor, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.built {
		return nil, ErrIndexNotReady
	}
	if err := checkDimension(f.dimension, query); err != nil {
		return nil, err
	}

	if k <= 0 {
		return nil, nil
	}

	hits := make([]Neighbor, len(f.ids))
	for i, vec := range f.vectors {
		hits[i] = Neighbor{ID: f.ids[i], Distance: distance(f.metric, query, vec)}
	}
	return topK(hits, k), nil
}

func (f *FlatIndex) Save(fs billy.Filesystem, name string) error { return nil }

func (f *FlatIndex) Load(fs billy.Filesystem, name string) error { return nil }

func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}

func (f *FlatIndex) Dimension() int { return f.dimension }

func (f *FlatIndex) Metric() Metric { return f.metric }

func distance(metric Metric, a, b []float32) float64 {
	switch metric {
	case MetricInnerProduct:
		return -dot(a, b)
	case MetricAngular:
		return angularDistance(a, b)
	default:
		return squaredL2(a, b)
	}
}

// topK sorts hits by distance (ties by id) and truncates to k.
func topK(hits []Neighbor, k int) []Neighbor {
	slices.SortFunc(hits, func(a, b Neighbor) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}
