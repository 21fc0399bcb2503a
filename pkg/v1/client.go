package v1

import (
	"context"
	"fmt"

	"github.com/4thel00z/knnkd/internal"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Client provides programmatic access to a datastore and its combiner.
type Client struct {
	cfg       *internal.Config
	logger    *zap.Logger
	retriever *internal.Retriever
	augmenter *internal.RetrievalAugmenter
}

// New opens the datastore and combiner configured for the resolved scope.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cc := &clientConfig{}
	for _, opt := range opts {
		opt(cc)
	}

	scope := internal.NewScopeResolver().Resolve(cc.scope)

	var (
		cfg *internal.Config
		err error
	)
	if cc.configPath != "" {
		cfg, err = internal.LoadConfigFile(cc.configPath)
		if err == nil {
			cfg.KNN.DatastorePath = scope.Abs(orDefault(cfg.KNN.DatastorePath, scope.DatastorePath()))
			cfg.KNN.CombinerPath = scope.Abs(orDefault(cfg.KNN.CombinerPath, scope.CombinerPath()))
		}
	} else {
		cfg, err = internal.LoadConfig(scope)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cc.datastorePath != "" {
		cfg.KNN.DatastorePath = cc.datastorePath
	}
	if cc.combinerPath != "" {
		cfg.KNN.CombinerPath = cc.combinerPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cc.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	retriever, err := internal.OpenRetriever(ctx, cfg, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}
	combiner, err := internal.LoadCombiner(cfg, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("load combiner: %w", err)
	}

	return &Client{
		cfg:       cfg,
		logger:    logger,
		retriever: retriever,
		augmenter: internal.NewRetrievalAugmenter(retriever, combiner, cfg.KNN.MaxK, cfg.KNN.CoarseK),
	}, nil
}

// Retrieve returns the k nearest entries of every query.
func (c *Client) Retrieve(ctx context.Context, queries [][]float32, k int) ([][]Neighbor, error) {
	res, err := c.retriever.Retrieve(ctx, queries, k, internal.FieldVals)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	out := make([][]Neighbor, len(res.Indices))
	for i, row := range res.Indices {
		out[i] = make([]Neighbor, len(row))
		for j, entry := range row {
			out[i][j] = Neighbor{Entry: entry, Token: res.Vals[i][j], Distance: res.Distances[i][j]}
		}
	}
	return out, nil
}

// Combine returns the log-probabilities of the retrieval-augmented
// distribution for every row of step.
func (c *Client) Combine(ctx context.Context, step Step) ([][]float64, error) {
	rows := len(step.Queries)
	if len(step.Logits) != rows {
		return nil, fmt.Errorf("got %d queries but %d logit rows", rows, len(step.Logits))
	}
	if rows == 0 {
		return nil, nil
	}

	model, err := newStepModel(step)
	if err != nil {
		return nil, err
	}
	decoder := internal.NewDecoder(model, c.augmenter)
	batch := &internal.Batch{Targets: make([]int64, rows), PadIndex: c.cfg.KNN.PadIndex}

	dec, err := decoder.Forward(ctx, batch)
	if err != nil {
		return nil, err
	}
	probs, err := decoder.NormalizedProbs(dec, true)
	if err != nil {
		return nil, err
	}

	out := make([][]float64, rows)
	for i := range out {
		out[i] = append([]float64(nil), probs.RawRowView(i)...)
	}
	return out, nil
}

// Reload re-reads the adaptive combiner checkpoint. Fixed combiners are
// left untouched.
func (c *Client) Reload() error {
	if _, ok := c.augmenter.Combiner().(*internal.AdaptiveCombiner); !ok {
		return nil
	}
	combiner, err := internal.LoadAdaptiveCombiner(osfs.New(c.cfg.KNN.CombinerPath), internal.WithAdaptiveLogger(c.logger))
	if err != nil {
		return fmt.Errorf("reload combiner: %w", err)
	}
	c.augmenter.SetCombiner(combiner)
	return nil
}

// Close releases any resources held by the client.
func (c *Client) Close() error {
	_ = c.logger.Sync()
	return nil
}

// stepModel replays a single caller-supplied decoder step.
type stepModel struct {
	out *internal.DecoderOutput
}

func newStepModel(step Step) (*stepModel, error) {
	vocab := len(step.Logits[0])
	flat := make([]float64, 0, len(step.Logits)*vocab)
	for i, row := range step.Logits {
		if len(row) != vocab || vocab == 0 {
			return nil, fmt.Errorf("logit row %d has %d entries, expected %d", i, len(row), vocab)
		}
		flat = append(flat, row...)
	}
	return &stepModel{out: &internal.DecoderOutput{
		Features:      step.Queries,
		EncoderHidden: step.Hiddens,
		Logits:        mat.NewDense(len(step.Logits), vocab, flat),
	}}, nil
}

func (m *stepModel) Forward(_ context.Context, _ *internal.Batch) (*internal.DecoderOutput, error) {
	return m.out, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
