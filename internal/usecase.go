package internal

import (
	"context"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Use case input/output DTOs

type BuildDatastoreInput struct {
	FeaturesPath  string
	DatastorePath string
	BatchSize     int
}

type BuildDatastoreOutput struct {
	Entries    int
	Partitions int
	Fields     []string
	Indexes    []string
}

type DatastoreInfoInput struct {
	DatastorePath string
}

type FieldInfo struct {
	Name  string
	DType DType
	Dim   int
	Count int
	Index IndexKind
}

type DatastoreInfoOutput struct {
	Entries    int
	Partitions int
	Fields     []FieldInfo
}

type RetrieveInput struct {
	DatastorePath string
	Queries       [][]float32
	Hiddens       [][]float32
	K             int
	CoarseK       int
	Fields        []string
}

type EvaluateInput struct {
	FeaturesPath string
	BatchSize    int
}

// EvaluateOutput compares the combined distribution against the plain
// model distribution on the gold tokens.
type EvaluateOutput struct {
	Tokens           int
	CombinedNLL      float64
	ModelNLL         float64
	CombinedAccuracy float64
	ModelAccuracy    float64
}

type TrainAdapterInput struct {
	FeaturesPath string
}

type DistillInputFile struct {
	FeaturesPath string
	BatchSize    int
}

type DistillSummary struct {
	Strategy  Strategy
	Loss      float64
	NLLLoss   float64
	GoldLoss  float64
	KDLoss    float64
	Tokens    int
	Distilled int
	Batches   int
}

type RecordInput struct {
	FeaturesPath string
	BatchSize    int
}

type RecordSummary struct {
	Rows    int
	Tokens  int
	MLELoss float64
	Loss    float64
	Dir     string
}

// Use cases

type BuildDatastoreUseCase struct {
	cfg     *Config
	logger  *zap.Logger
	metrics *Metrics
}

func NewBuildDatastoreUseCase(cfg *Config, logger *zap.Logger, metrics *Metrics) *BuildDatastoreUseCase {
	return &BuildDatastoreUseCase{cfg: cfg, logger: orNop(logger), metrics: metrics}
}

func (uc *BuildDatastoreUseCase) Execute(ctx context.Context, input BuildDatastoreInput) (*BuildDatastoreOutput, error) {
	model, err := loadRecordedModel(input.FeaturesPath, uc.cfg.KNN.PadIndex)
	if err != nil {
		return nil, err
	}

	path := firstNonEmpty(input.DatastorePath, uc.cfg.KNN.DatastorePath)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create datastore directory: %w", err)
	}

	ds, err := NewDatastore(osfs.New(path),
		WithKeyDType(uc.cfg.KNN.KeyDType),
		WithDatastoreLogger(uc.logger),
		WithDatastoreMetrics(uc.metrics),
	)
	if err != nil {
		return nil, err
	}

	decoder := NewDecoder(model, NewDatastoreCollector(ds, uc.logger))
	for _, batch := range model.Batches(firstPositive(input.BatchSize, uc.cfg.Train.BatchSize)) {
		if _, err := decoder.Forward(ctx, batch); err != nil {
			return nil, err
		}
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("no non-pad tokens in %s", input.FeaturesPath)
	}

	indexed := []string{FieldKeys}
	if _, err := ds.Field(FieldHiddens); err == nil {
		indexed = append(indexed, FieldHiddens)
	}
	for _, field := range indexed {
		if err := ds.BuildIndex(ctx, field, uc.cfg.KNN.Index); err != nil {
			return nil, err
		}
	}

	if err := ds.Save(ctx); err != nil {
		return nil, err
	}

	return &BuildDatastoreOutput{
		Entries:    ds.Len(),
		Partitions: ds.NumPartitions(),
		Fields:     ds.FieldNames(),
		Indexes:    indexed,
	}, nil
}

type DatastoreInfoUseCase struct {
	cfg    *Config
	logger *zap.Logger
}

func NewDatastoreInfoUseCase(cfg *Config, logger *zap.Logger) *DatastoreInfoUseCase {
	return &DatastoreInfoUseCase{cfg: cfg, logger: orNop(logger)}
}

func (uc *DatastoreInfoUseCase) Execute(ctx context.Context, input DatastoreInfoInput) (*DatastoreInfoOutput, error) {
	path := firstNonEmpty(input.DatastorePath, uc.cfg.KNN.DatastorePath)
	ds, err := LoadDatastore(ctx, osfs.New(path), nil, WithDatastoreLogger(uc.logger))
	if err != nil {
		return nil, err
	}

	indexed := ds.IndexedFields()
	out := &DatastoreInfoOutput{
		Entries:    ds.Len(),
		Partitions: ds.NumPartitions(),
	}
	for _, name := range ds.FieldNames() {
		f, err := ds.Field(name)
		if err != nil {
			return nil, err
		}
		out.Fields = append(out.Fields, FieldInfo{
			Name:  f.Name,
			DType: f.DType,
			Dim:   f.Dim,
			Count: f.Count,
			Index: indexed[name].Kind,
		})
	}
	return out, nil
}

type RetrieveUseCase struct {
	cfg     *Config
	logger  *zap.Logger
	metrics *Metrics
}

func NewRetrieveUseCase(cfg *Config, logger *zap.Logger, metrics *Metrics) *RetrieveUseCase {
	return &RetrieveUseCase{cfg: cfg, logger: orNop(logger), metrics: metrics}
}

func (uc *RetrieveUseCase) Execute(ctx context.Context, input RetrieveInput) (*Retrieval, error) {
	fields := input.Fields
	if len(fields) == 0 {
		fields = []string{FieldVals}
	}
	coarse := input.CoarseK > 0 && input.Hiddens != nil

	load := slices.Clone(fields)
	indexes := []string{FieldKeys}
	if coarse {
		load = append(load, FieldKeys, FieldHiddensIdx)
		indexes = append(indexes, FieldHiddens)
	}

	path := firstNonEmpty(input.DatastorePath, uc.cfg.KNN.DatastorePath)
	ds, err := openDatastore(ctx, path, load, indexes, uc.logger, uc.metrics)
	if err != nil {
		return nil, err
	}

	retriever := newRetriever(ds, uc.cfg, uc.logger, uc.metrics)
	k := firstPositive(input.K, uc.cfg.KNN.MaxK)
	if coarse {
		return retriever.RetrieveWithHidden(ctx, input.Queries, input.Hiddens, k, input.CoarseK, fields...)
	}
	return retriever.Retrieve(ctx, input.Queries, k, fields...)
}

// CombineUseCase runs retrieval-augmented inference over recorded decoder
// outputs. The combiner is fixed when k, lambda and temperature are all
// fixed, else the trained adaptive combiner is loaded.
type CombineUseCase struct {
	cfg       *Config
	logger    *zap.Logger
	metrics   *Metrics
	augmenter *RetrievalAugmenter
}

func NewCombineUseCase(cfg *Config, logger *zap.Logger, metrics *Metrics) *CombineUseCase {
	return &CombineUseCase{cfg: cfg, logger: orNop(logger), metrics: metrics}
}

// Open loads the datastore and the combiner. Execute calls it on first use.
func (uc *CombineUseCase) Open(ctx context.Context) error {
	if uc.augmenter != nil {
		return nil
	}

	retriever, err := OpenRetriever(ctx, uc.cfg, uc.logger, uc.metrics)
	if err != nil {
		return err
	}

	combiner, err := LoadCombiner(uc.cfg, uc.logger, uc.metrics)
	if err != nil {
		return err
	}

	uc.augmenter = NewRetrievalAugmenter(retriever, combiner, uc.cfg.KNN.MaxK, uc.cfg.KNN.CoarseK)
	return nil
}

// SetCombiner replaces the combiner used by subsequent Execute calls.
func (uc *CombineUseCase) SetCombiner(c ProbabilityCombiner) {
	if uc.augmenter != nil {
		uc.augmenter.SetCombiner(c)
	}
}

func (uc *CombineUseCase) Execute(ctx context.Context, input EvaluateInput) (*EvaluateOutput, error) {
	if err := uc.Open(ctx); err != nil {
		return nil, err
	}
	model, err := loadRecordedModel(input.FeaturesPath, uc.cfg.KNN.PadIndex)
	if err != nil {
		return nil, err
	}

	decoder := NewDecoder(model, uc.augmenter)
	out := &EvaluateOutput{}
	var combinedHits, modelHits int
	for _, batch := range model.Batches(firstPositive(input.BatchSize, uc.cfg.Train.BatchSize)) {
		dec, err := decoder.Forward(ctx, batch)
		if err != nil {
			return nil, err
		}
		combined, err := decoder.NormalizedProbs(dec, true)
		if err != nil {
			return nil, err
		}
		plain := LogSoftmax(dec.Logits)

		for i, g := range batch.Targets {
			if g == batch.PadIndex {
				continue
			}
			out.Tokens++
			cRow, mRow := combined.RawRowView(i), plain.RawRowView(i)
			out.CombinedNLL -= cRow[g]
			out.ModelNLL -= mRow[g]
			if int64(floats.MaxIdx(cRow)) == g {
				combinedHits++
			}
			if int64(floats.MaxIdx(mRow)) == g {
				modelHits++
			}
		}
	}

	if out.Tokens > 0 {
		n := float64(out.Tokens)
		out.CombinedNLL /= n
		out.ModelNLL /= n
		out.CombinedAccuracy = float64(combinedHits) / n
		out.ModelAccuracy = float64(modelHits) / n
	}
	return out, nil
}

type TrainAdapterUseCase struct {
	cfg     *Config
	logger  *zap.Logger
	metrics *Metrics
}

func NewTrainAdapterUseCase(cfg *Config, logger *zap.Logger, metrics *Metrics) *TrainAdapterUseCase {
	return &TrainAdapterUseCase{cfg: cfg, logger: orNop(logger), metrics: metrics}
}

func (uc *TrainAdapterUseCase) Execute(ctx context.Context, input TrainAdapterInput) (*TrainReport, error) {
	model, err := loadRecordedModel(input.FeaturesPath, uc.cfg.KNN.PadIndex)
	if err != nil {
		return nil, err
	}

	retriever, err := OpenRetriever(ctx, uc.cfg, uc.logger, uc.metrics)
	if err != nil {
		return nil, err
	}

	combiner, err := NewAdaptiveCombiner(uc.cfg.AdaptiveCombinerConfig(), WithAdaptiveLogger(uc.logger), WithAdaptiveMetrics(uc.metrics))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(uc.cfg.KNN.CombinerPath, 0755); err != nil {
		return nil, fmt.Errorf("create combiner directory: %w", err)
	}

	trainer := NewAdapterTrainer(
		retriever,
		combiner,
		uc.cfg.KNN.MaxK,
		uc.cfg.KNN.CoarseK,
		osfs.New(uc.cfg.KNN.CombinerPath),
		uc.cfg.Train,
		uc.logger,
	)
	return trainer.Train(ctx, model)
}

type DistillUseCase struct {
	cfg     *Config
	logger  *zap.Logger
	metrics *Metrics
}

func NewDistillUseCase(cfg *Config, logger *zap.Logger, metrics *Metrics) *DistillUseCase {
	return &DistillUseCase{cfg: cfg, logger: orNop(logger), metrics: metrics}
}

func (uc *DistillUseCase) Execute(ctx context.Context, input DistillInputFile) (*DistillSummary, error) {
	model, err := loadRecordedModel(input.FeaturesPath, uc.cfg.KNN.PadIndex)
	if err != nil {
		return nil, err
	}

	opts := []CriterionOption{WithCriterionLogger(uc.logger), WithCriterionMetrics(uc.metrics)}
	if uc.cfg.Distill.Strategy == StrategyAdapterDirect {
		ds, err := openDatastore(ctx, uc.cfg.KNN.DatastorePath, []string{FieldVals}, []string{FieldKeys}, uc.logger, uc.metrics)
		if err != nil {
			return nil, err
		}
		teacher, err := NewCombiner(uc.cfg.Distill.TeacherK, uc.cfg.Distill.TeacherLambda, uc.cfg.Distill.TeacherTemperature, uc.cfg.KNN.VocabSize)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTeacherRetrieval(newRetriever(ds, uc.cfg, uc.logger, uc.metrics), teacher))
	}

	criterion, err := NewDistillationCriterion(uc.cfg.Distill, uc.cfg.KNN.PadIndex, opts...)
	if err != nil {
		return nil, err
	}

	summary := &DistillSummary{Strategy: uc.cfg.Distill.Strategy}
	for _, batch := range model.Batches(firstPositive(input.BatchSize, uc.cfg.Train.BatchSize)) {
		dec, err := model.Forward(ctx, batch)
		if err != nil {
			return nil, err
		}

		in := DistillInput{Logits: dec.Logits, Targets: batch.Targets, TeacherQuery: dec.TeacherQuery}
		if dec.TeacherLogits != nil {
			in.TeacherLogits = dec.TeacherLogits
		}

		res, err := criterion.Compute(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", summary.Batches, err)
		}
		summary.Strategy = res.Strategy
		summary.Loss += res.Loss
		summary.NLLLoss += res.NLLLoss
		summary.GoldLoss += res.GoldLoss
		summary.KDLoss += res.KDLoss
		summary.Tokens += res.Tokens
		summary.Distilled += res.Distilled
		summary.Batches++
	}
	return summary, nil
}

type RecordUseCase struct {
	cfg    *Config
	logger *zap.Logger
}

func NewRecordUseCase(cfg *Config, logger *zap.Logger) *RecordUseCase {
	return &RecordUseCase{cfg: cfg, logger: orNop(logger)}
}

func (uc *RecordUseCase) Execute(ctx context.Context, input RecordInput) (*RecordSummary, error) {
	model, err := loadRecordedModel(input.FeaturesPath, uc.cfg.KNN.PadIndex)
	if err != nil {
		return nil, err
	}

	dir := uc.cfg.Distill.ResultPath
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create result directory: %w", err)
	}
	recorder, err := NewTopKRecorder(osfs.New(dir), uc.cfg.Distill.TopK, uc.cfg.KNN.PadIndex)
	if err != nil {
		return nil, err
	}
	criterion := NewRecordCriterion(recorder, uc.cfg.Distill.LabelSmoothing, uc.cfg.KNN.PadIndex)

	summary := &RecordSummary{Dir: dir}
	for _, batch := range model.Batches(firstPositive(input.BatchSize, uc.cfg.Train.BatchSize)) {
		dec, err := model.Forward(ctx, batch)
		if err != nil {
			return nil, err
		}

		var teacher mat.Matrix
		if dec.TeacherLogits != nil {
			teacher = dec.TeacherLogits
		}
		res, err := criterion.Compute(dec.Logits, batch.Targets, teacher)
		if err != nil {
			return nil, err
		}
		summary.Rows += res.Written
		summary.Tokens += res.Tokens
		summary.MLELoss += res.MLELoss
		summary.Loss += res.Loss
	}

	uc.logger.Info("recorded predictions", zap.Int("rows", summary.Rows), zap.String("dir", dir))
	return summary, nil
}

// OpenRetriever loads the datastore fields and indexes that decoder-side
// retrieval needs under cfg.
func OpenRetriever(ctx context.Context, cfg *Config, logger *zap.Logger, metrics *Metrics) (*Retriever, error) {
	ds, err := openDatastore(ctx, cfg.KNN.DatastorePath, retrievalFields(cfg), retrievalIndexes(cfg), logger, metrics)
	if err != nil {
		return nil, err
	}
	return newRetriever(ds, cfg, logger, metrics), nil
}

// LoadCombiner returns the fixed combiner when k, lambda and temperature
// are all fixed, else the adaptive combiner checkpointed under
// knn.combiner_path.
func LoadCombiner(cfg *Config, logger *zap.Logger, metrics *Metrics) (ProbabilityCombiner, error) {
	k := cfg.KNN
	if k.KType == ParamFixed && k.LambdaType == ParamFixed && k.TemperatureType == ParamFixed {
		return NewCombiner(k.MaxK, k.Lambda, k.Temperature, k.VocabSize)
	}
	return LoadAdaptiveCombiner(osfs.New(k.CombinerPath), WithAdaptiveLogger(logger), WithAdaptiveMetrics(metrics))
}

// helpers

// openDatastore loads fields and indexes read-only. Flat indexes are
// rebuilt from their field, so the fields behind persisted flat indexes
// are loaded too.
func openDatastore(ctx context.Context, path string, fields, indexes []string, logger *zap.Logger, metrics *Metrics) (*Datastore, error) {
	fs := osfs.New(path)
	persisted, err := ReadIndexOptions(fs)
	if err != nil {
		return nil, err
	}
	fields = slices.Clone(fields)
	for _, field := range indexes {
		if persisted[field].Kind == IndexFlat {
			fields = append(fields, field)
		}
	}

	ds, err := LoadDatastore(ctx, fs, dedupe(fields), WithDatastoreLogger(logger), WithDatastoreMetrics(metrics))
	if err != nil {
		return nil, err
	}
	for _, field := range dedupe(indexes) {
		if err := ds.LoadIndex(ctx, field); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func newRetriever(ds *Datastore, cfg *Config, logger *zap.Logger, metrics *Metrics) *Retriever {
	return NewRetriever(ds,
		WithRetrieverWorkers(DetectHardware().SearchWorkers(cfg.KNN.Workers)),
		WithRetrieverLogger(logger),
		WithRetrieverMetrics(metrics),
	)
}

// retrievalFields lists the fields the decoder-side retrieval needs; the
// coarse path also needs raw keys and partition ids.
func retrievalFields(cfg *Config) []string {
	fields := []string{FieldVals}
	if cfg.KNN.CoarseK > 0 {
		fields = append(fields, FieldKeys, FieldHiddensIdx)
	}
	return fields
}

func retrievalIndexes(cfg *Config) []string {
	if cfg.KNN.CoarseK > 0 {
		return []string{FieldKeys, FieldHiddens}
	}
	return []string{FieldKeys}
}

func loadRecordedModel(path string, padIdx int64) (*RecordedModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open features: %w", err)
	}
	defer f.Close()

	records, err := ReadFeatureRecords(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return NewRecordedModel(records, padIdx), nil
}

func dedupe(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Perplexity converts a mean NLL in nats to perplexity.
func Perplexity(nll float64) float64 {
	return math.Exp(nll)
}
