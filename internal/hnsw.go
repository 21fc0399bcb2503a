package internal

import (
	"bufio"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/coder/hnsw"
	"github.com/go-git/go-billy/v5"
)

var _ VectorIndex = (*HNSWIndex)(nil)

// HNSWIndex is the default keys index. The graph ranks by Euclidean
// distance; reported distances are squared L2 so they match the flat index.
type HNSWIndex struct {
	mu        sync.RWMutex
	graph     *hnsw.Graph[int64]
	dimension int
	built     bool
}

func NewHNSWIndex(dimension, m, efSearch int) *HNSWIndex {
	g := hnsw.NewGraph[int64]()
	g.Distance = hnsw.EuclideanDistance
	if m > 0 {
		g.M = m
	}
	if efSearch > 0 {
		g.EfSearch = efSearch
	}

	return &HNSWIndex{
		graph:     g,
		dimension: dimension,
	}
}

func (h *HNSWIndex) Add(ctx context.Context, id int64, vec []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := checkDimension(h.dimension, vec); err != nil {
		return err
	}

	h.graph.Add(hnsw.MakeNode(id, slices.Clone(vec)))
	h.built = false
	return nil
}

func (h *HNSWIndex) Build(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.built = true
	return nil
}

func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]Neighbor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.built {
		return nil, ErrIndexNotReady
	}
	if err := checkDimension(h.dimension, query); err != nil {
		return nil, err
	}

	n := h.graph.Len()
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	nodes := h.graph.Search(query, k)
	hits := make([]Neighbor, 0, len(nodes))
	for _, node := range nodes {
		hits = append(hits, Neighbor{ID: node.Key, Distance: squaredL2(query, node.Value)})
	}
	return topK(hits, k), nil
}

func (h *HNSWIndex) Save(fs billy.Filesystem, name string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	f, err := fs.Create(name)
	if err != nil {
		return fmt.Errorf("create hnsw file: %w", err)
	}

	bw := bufio.NewWriter(f)
	if err := h.graph.Export(bw); err != nil {
		f.Close()
		return fmt.Errorf("export hnsw graph: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush hnsw graph: %w", err)
	}

	return f.Close()
}

func (h *HNSWIndex) Load(fs billy.Filesystem, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := fs.Open(name)
	if err != nil {
		return fmt.Errorf("open hnsw file: %w", err)
	}
	defer f.Close()

	if err := h.graph.Import(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("import hnsw graph: %w", err)
	}

	h.built = true
	return nil
}

func (h *HNSWIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph.Len()
}

func (h *HNSWIndex) Dimension() int { return h.dimension }

func (h *HNSWIndex) Metric() Metric { return MetricL2 }
