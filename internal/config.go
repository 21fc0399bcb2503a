package internal

import (
	"fmt"
	"math/bits"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	ParamFixed     = "fixed"
	ParamTrainable = "trainable"
)

type KNNConfig struct {
	Mode            Mode    `yaml:"mode"`
	DatastorePath   string  `yaml:"datastore_path,omitempty"`
	CombinerPath    string  `yaml:"combiner_path,omitempty"`
	MaxK            int     `yaml:"max_k"`
	KType           string  `yaml:"k_type"`
	LambdaType      string  `yaml:"lambda_type"`
	Lambda          float64 `yaml:"lambda"`
	TemperatureType string  `yaml:"temperature_type"`
	Temperature     float64 `yaml:"temperature"`
	MaxTemperature  float64 `yaml:"max_temperature"`
	HiddenSize      int     `yaml:"hidden_size"`
	RelativeLabels  bool    `yaml:"relative_label_count"`
	// CoarseK > 0 enables the encoder-hidden pre-filter.
	CoarseK   int          `yaml:"coarse_k"`
	KeyDType  DType        `yaml:"key_dtype"`
	Index     IndexOptions `yaml:"index"`
	VocabSize int          `yaml:"vocab_size"`
	PadIndex  int64        `yaml:"pad_index"`
	Workers   int          `yaml:"workers,omitempty"`
}

type Config struct {
	KNN     KNNConfig     `yaml:"knn"`
	Distill DistillConfig `yaml:"distill"`
	Train   TrainConfig   `yaml:"train"`
	Log     LogConfig     `yaml:"log"`
}

func DefaultConfig() *Config {
	return &Config{
		KNN: KNNConfig{
			Mode:            ModeInference,
			MaxK:            8,
			KType:           ParamTrainable,
			LambdaType:      ParamTrainable,
			Lambda:          0.7,
			TemperatureType: ParamTrainable,
			Temperature:     10,
			MaxTemperature:  100,
			HiddenSize:      32,
			KeyDType:        DTypeFloat16,
			Index:           DefaultIndexOptions(),
			VocabSize:       10152,
			PadIndex:        1,
		},
		Distill: DefaultDistillConfig(),
		Train:   DefaultTrainConfig(),
		Log:     DefaultLogConfig(),
	}
}

func LoadConfig(scope Scope) (*Config, error) {
	cfg, err := LoadConfigFile(scope.ConfigPath())
	if err != nil {
		return nil, err
	}
	if cfg.KNN.DatastorePath == "" {
		cfg.KNN.DatastorePath = scope.DatastorePath()
	}
	if cfg.KNN.CombinerPath == "" {
		cfg.KNN.CombinerPath = scope.CombinerPath()
	}
	if cfg.Distill.ResultPath == "" {
		cfg.Distill.ResultPath = scope.ResultPath()
	}
	cfg.KNN.DatastorePath = scope.Abs(cfg.KNN.DatastorePath)
	cfg.KNN.CombinerPath = scope.Abs(cfg.KNN.CombinerPath)
	cfg.Distill.ResultPath = scope.Abs(cfg.Distill.ResultPath)
	return cfg, nil
}

// LoadConfigFile reads path over the defaults; a missing file yields the
// defaults.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func SaveConfig(scope Scope, cfg *Config) error {
	path := scope.ConfigPath()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	k := c.KNN
	if _, err := ParseMode(string(k.Mode)); err != nil {
		return err
	}
	if k.MaxK <= 0 || bits.OnesCount(uint(k.MaxK)) != 1 {
		return fmt.Errorf("%w: knn.max_k %d is not a power of two", ErrInvalidConfig, k.MaxK)
	}
	for name, v := range map[string]string{"k_type": k.KType, "lambda_type": k.LambdaType, "temperature_type": k.TemperatureType} {
		if v != ParamFixed && v != ParamTrainable {
			return fmt.Errorf("%w: knn.%s must be fixed or trainable, got %q", ErrInvalidConfig, name, v)
		}
	}
	if k.Lambda < 0 || k.Lambda > 1 {
		return fmt.Errorf("%w: knn.lambda %v outside [0,1]", ErrInvalidConfig, k.Lambda)
	}
	if k.Temperature <= 0 {
		return fmt.Errorf("%w: knn.temperature must be positive", ErrInvalidConfig)
	}
	if k.KeyDType != DTypeFloat32 && k.KeyDType != DTypeFloat16 {
		return fmt.Errorf("%w: knn.key_dtype %q", ErrInvalidConfig, k.KeyDType)
	}
	switch k.Index.Kind {
	case IndexHNSW, IndexAnnoy, IndexFlat:
	default:
		return fmt.Errorf("%w: knn.index.kind %q", ErrInvalidConfig, k.Index.Kind)
	}
	if k.VocabSize <= 0 {
		return fmt.Errorf("%w: knn.vocab_size must be positive", ErrInvalidConfig)
	}
	if k.CoarseK < 0 {
		return fmt.Errorf("%w: knn.coarse_k must not be negative", ErrInvalidConfig)
	}

	d := c.Distill
	if _, err := ParseStrategy(string(d.Strategy)); err != nil {
		return err
	}
	if d.LabelSmoothing < 0 || d.LabelSmoothing >= 1 {
		return fmt.Errorf("%w: distill.label_smoothing must be in [0,1)", ErrInvalidConfig)
	}
	if d.KDWeight < 0 || d.PriorTau <= 0 || d.TeacherTemperature <= 0 {
		return fmt.Errorf("%w: distill weights and temperatures must be positive", ErrInvalidConfig)
	}
	if d.TeacherLambda < 0 || d.TeacherLambda > 1 {
		return fmt.Errorf("%w: distill.teacher_lambda outside [0,1]", ErrInvalidConfig)
	}
	if d.TopK <= 0 || d.TeacherK <= 0 {
		return fmt.Errorf("%w: distill.topk and distill.teacher_k must be positive", ErrInvalidConfig)
	}

	t := c.Train
	if t.Epochs <= 0 || t.BatchSize <= 0 || t.LearningRate <= 0 {
		return fmt.Errorf("%w: train.epochs, train.batch_size and train.lr must be positive", ErrInvalidConfig)
	}
	if t.ValidFraction < 0 || t.ValidFraction >= 1 {
		return fmt.Errorf("%w: train.valid_fraction must be in [0,1)", ErrInvalidConfig)
	}
	return nil
}

// AdaptiveCombinerConfig derives the combiner settings for train_metak.
func (c *Config) AdaptiveCombinerConfig() AdaptiveCombinerConfig {
	return AdaptiveCombinerConfig{
		MaxK:                 c.KNN.MaxK,
		Vocab:                c.KNN.VocabSize,
		KTrainable:           c.KNN.KType == ParamTrainable,
		LambdaTrainable:      c.KNN.LambdaType == ParamTrainable,
		Lambda:               c.KNN.Lambda,
		TemperatureTrainable: c.KNN.TemperatureType == ParamTrainable,
		Temperature:          c.KNN.Temperature,
		MaxTemperature:       c.KNN.MaxTemperature,
		HiddenSize:           c.KNN.HiddenSize,
		RelativeLabelCount:   c.KNN.RelativeLabels,
		LearningRate:         c.Train.LearningRate,
		Seed:                 c.Train.Seed,
	}
}
