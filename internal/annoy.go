package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/mariotoffia/goannoy/builder"
	"github.com/mariotoffia/goannoy/interfaces"
)

var _ VectorIndex = (*AnnoyIndex)(nil)

// AnnoyIndex writes through the host filesystem, so it needs an OS-backed
// billy.Filesystem (osfs); the file lives under fs.Root().
type AnnoyIndex struct {
	mu        sync.RWMutex
	idx       interfaces.AnnoyIndex[float32, uint32]
	dimension int
	trees     int
	numItems  int
	built     bool
}

type annoySidecar struct {
	Items     int `json:"items"`
	Dimension int `json:"dimension"`
	Trees     int `json:"trees"`
}

func NewAnnoyIndex(dimension, trees int) *AnnoyIndex {
	if trees <= 0 {
		trees = 10
	}

	idx := builder.Index[float32, uint32]().
		AngularDistance(dimension).
		UseMultiWorkerPolicy().
		MmapIndexAllocator().
		Build()

	return &AnnoyIndex{
		idx:       idx,
		dimension: dimension,
		trees:     trees,
	}
}

func (a *AnnoyIndex) Add(ctx context.Context, id int64, vec []float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := checkDimension(a.dimension, vec); err != nil {
		return err
	}

	a.idx.AddItem(uint32(id), vec)
	a.numItems++
	a.built = false
	return nil
}

func (a *AnnoyIndex) Build(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.idx.Build(a.trees, -1)
	a.built = true
	return nil
}

func (a *AnnoyIndex) Search(ctx context.Context, query []float32, k int) ([]Neighbor, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.built {
		return nil, ErrIndexNotReady
	}
	if err := checkDimension(a.dimension, query); err != nil {
		return nil, err
	}

	if k > a.numItems {
		k = a.numItems
	}
	if k <= 0 {
		return nil, nil
	}

	searchCtx := a.idx.CreateContext()
	ids, distances := a.idx.GetNnsByVector(query, k, -1, searchCtx)

	hits := make([]Neighbor, 0, len(ids))
	for i, id := range ids {
		var d float64
		if i < len(distances) {
			d = float64(distances[i])
		}
		hits = append(hits, Neighbor{ID: int64(id), Distance: d})
	}
	return topK(hits, k), nil
}

func (a *AnnoyIndex) Save(fs billy.Filesystem, name string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.idx.Save(filepath.Join(fs.Root(), name)); err != nil {
		return fmt.Errorf("save annoy index: %w", err)
	}

	data, err := json.Marshal(annoySidecar{Items: a.numItems, Dimension: a.dimension, Trees: a.trees})
	if err != nil {
		return fmt.Errorf("marshal annoy sidecar: %w", err)
	}
	if err := util.WriteFile(fs, name+".json", data, 0644); err != nil {
		return fmt.Errorf("write annoy sidecar: %w", err)
	}

	return nil
}

func (a *AnnoyIndex) Load(fs billy.Filesystem, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := util.ReadFile(fs, name+".json")
	if err != nil {
		return fmt.Errorf("read annoy sidecar: %w", err)
	}

	var side annoySidecar
	if err := json.Unmarshal(data, &side); err != nil {
		return fmt.Errorf("unmarshal annoy sidecar: %w", err)
	}
	if side.Dimension != a.dimension {
		return fmt.Errorf("annoy index: %w: expected %d, got %d", ErrDimensionMismatch, a.dimension, side.Dimension)
	}

	if err := a.idx.Load(filepath.Join(fs.Root(), name)); err != nil {
		return fmt.Errorf("load annoy index: %w", err)
	}

	a.numItems = side.Items
	a.trees = side.Trees
	a.built = true
	return nil
}

func (a *AnnoyIndex) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.numItems
}

func (a *AnnoyIndex) Dimension() int { return a.dimension }

func (a *AnnoyIndex) Metric() Metric { return MetricAngular }
