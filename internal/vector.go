package internal

import (
	"context"
	"fmt"
	"math"

	"github.com/go-git/go-billy/v5"
)

type Metric string

const (
	MetricL2           Metric = "l2"
	MetricInnerProduct Metric = "ip"
	MetricAngular      Metric = "angular"
)

type IndexKind string

const (
	IndexHNSW  IndexKind = "hnsw"
	IndexAnnoy IndexKind = "annoy"
	IndexFlat  IndexKind = "flat"
)

// Neighbor is one search hit. Distance is always "smaller is closer":
// squared L2, negated inner product, or angular distance.
type Neighbor struct {
	ID       int64
	Distance float64
}

type VectorIndex interface {
	Add(ctx context.Context, id int64, vec []float32) error
	Build(ctx context.Context) error
	Search(ctx context.Context, query []float32, k int) ([]Neighbor, error)
	Save(fs billy.Filesystem, name string) error
	Load(fs billy.Filesystem, name string) error
	Len() int
	Dimension() int
	Metric() Metric
}

type IndexOptions struct {
	Kind   IndexKind `yaml:"kind" json:"kind"`
	Metric Metric    `yaml:"metric,omitempty" json:"metric,omitempty"`
	// Trees is the annoy forest size.
	Trees int `yaml:"trees,omitempty" json:"trees,omitempty"`
	// M and EfSearch tune the hnsw graph.
	M        int `yaml:"m,omitempty" json:"m,omitempty"`
	EfSearch int `yaml:"ef_search,omitempty" json:"ef_search,omitempty"`
}

func DefaultIndexOptions() IndexOptions {
	return IndexOptions{
		Kind:     IndexHNSW,
		Metric:   MetricL2,
		Trees:    10,
		M:        16,
		EfSearch: 64,
	}
}

func newVectorIndex(opts IndexOptions, dimension int) (VectorIndex, error) {
	switch opts.Kind {
	case IndexHNSW:
		return NewHNSWIndex(dimension, opts.M, opts.EfSearch), nil
	case IndexAnnoy:
		return NewAnnoyIndex(dimension, opts.Trees), nil
	case IndexFlat:
		metric := opts.Metric
		if metric == "" {
			metric = MetricL2
		}
		return NewFlatIndex(dimension, metric)
	default:
		return nil, fmt.Errorf("%w: unknown index kind %q", ErrInvalidConfig, opts.Kind)
	}
}

// IndexFilename is the on-disk name of the index built over field.
func IndexFilename(field string, kind IndexKind) string {
	return field + "." + string(kind)
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// angularDistance is sqrt(2 - 2cos(a, b)), the normalised distance annoy
// reports. A zero vector is at distance sqrt(2) from everything.
func angularDistance(a, b []float32) float64 {
	aa, bb := dot(a, a), dot(b, b)
	if aa == 0 || bb == 0 {
		return math.Sqrt2
	}
	return math.Sqrt(max(0, 2-2*dot(a, b)/math.Sqrt(aa*bb)))
}

func checkDimension(expected int, vec []float32) error {
	if len(vec) != expected {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, expected, len(vec))
	}
	return nil
}
