// Package config holds runtime settings with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hed1ad/ocppguard/pkg/detectors"
	"github.com/hed1ad/ocppguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/ocppguard/pkg/features"
	"github.com/hed1ad/ocppguard/pkg/online"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OCPPGUARD_"

// Config holds every tunable of the detector and its services.
type Config struct {
	// Record source.
	Driver      string
	DSN         string
	MessageName string
	Kind        string

	// Model storage. S3 is used when S3Bucket is set.
	ModelPath string
	S3Bucket  string
	S3Key     string
	S3Region  string

	RedisAddr  string
	ListenAddr string

	// Model shape.
	SequenceLength int
	HiddenDim      int
	Depth          int
	Dropout        float64
	Seed           int64

	// Batch training.
	Epochs        int
	BatchSize     int
	LearningRate  float64
	TrainLookback time.Duration

	// Online retraining.
	OnlineEpochs    int
	PollInterval    time.Duration
	RetrainInterval time.Duration
	InitialLookback time.Duration

	// Verdicts.
	Threshold         float64
	Graded            bool
	WarningThreshold  float64
	CriticalThreshold float64

	LogLevel  string
	LogFormat string
}

// Default returns the stock configuration.
func Default() Config {
	dc := detectors.DefaultConfig()
	tc := detectors.DefaultTrainConfig()
	lc := online.DefaultConfig()
	bands := detectors.DefaultBands()

	return Config{
		Driver:     "sqlite3",
		DSN:        "ocppguard.db",
		Kind:       features.KindStatus,
		ModelPath:  "models/ocppguard.gob",
		S3Key:      "models/ocppguard.gob",
		S3Region:   "eu-west-1",
		ListenAddr: ":8080",

		SequenceLength: dc.SequenceLength,
		HiddenDim:      64,
		Depth:          2,
		Seed:           dc.RandomSeed,

		Epochs:        tc.Epochs,
		BatchSize:     tc.BatchSize,
		LearningRate:  tc.LearningRate,
		TrainLookback: 7 * 24 * time.Hour,

		OnlineEpochs:    10,
		PollInterval:    lc.PollInterval,
		RetrainInterval: lc.RetrainInterval,
		InitialLookback: lc.InitialLookback,

		Threshold:         dc.Threshold,
		WarningThreshold:  bands.Warning,
		CriticalThreshold: bands.Critical,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// FromEnv returns Default with OCPPGUARD_* overrides applied.
func FromEnv() (Config, error) {
	c := Default()
	e := &env{}

	c.Driver = e.getString("DRIVER", c.Driver)
	c.DSN = e.getString("DSN", c.DSN)
	c.MessageName = e.getString("MESSAGE_NAME", c.MessageName)
	c.Kind = e.getString("KIND", c.Kind)
	c.ModelPath = e.getString("MODEL_PATH", c.ModelPath)
	c.S3Bucket = e.getString("S3_BUCKET", c.S3Bucket)
	c.S3Key = e.getString("S3_KEY", c.S3Key)
	c.S3Region = e.getString("S3_REGION", c.S3Region)
	c.RedisAddr = e.getString("REDIS_ADDR", c.RedisAddr)
	c.ListenAddr = e.getString("LISTEN_ADDR", c.ListenAddr)

	c.SequenceLength = e.getInt("SEQUENCE_LENGTH", c.SequenceLength)
	c.HiddenDim = e.getInt("HIDDEN_DIM", c.HiddenDim)
	c.Depth = e.getInt("DEPTH", c.Depth)
	c.Dropout = e.getFloat("DROPOUT", c.Dropout)
	c.Seed = int64(e.getInt("SEED", int(c.Seed)))

	c.Epochs = e.getInt("EPOCHS", c.Epochs)
	c.BatchSize = e.getInt("BATCH_SIZE", c.BatchSize)
	c.LearningRate = e.getFloat("LEARNING_RATE", c.LearningRate)
	c.TrainLookback = e.getDuration("TRAIN_LOOKBACK", c.TrainLookback)

	c.OnlineEpochs = e.getInt("ONLINE_EPOCHS", c.OnlineEpochs)
	c.PollInterval = e.getDuration("POLL_INTERVAL", c.PollInterval)
	c.RetrainInterval = e.getDuration("RETRAIN_INTERVAL", c.RetrainInterval)
	c.InitialLookback = e.getDuration("INITIAL_LOOKBACK", c.InitialLookback)

	c.Threshold = e.getFloat("THRESHOLD", c.Threshold)
	c.Graded = e.getBool("GRADED", c.Graded)
	c.WarningThreshold = e.getFloat("WARNING_THRESHOLD", c.WarningThreshold)
	c.CriticalThreshold = e.getFloat("CRITICAL_THRESHOLD", c.CriticalThreshold)

	c.LogLevel = e.getString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = e.getString("LOG_FORMAT", c.LogFormat)

	if err := errors.Join(e.errs...); err != nil {
		return c, err
	}
	return c, nil
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if c.Driver != "sqlite3" && c.Driver != "postgres" {
		errs = append(errs, fmt.Errorf("driver must be sqlite3 or postgres, got %q", c.Driver))
	}
	if _, err := features.NewExtractor(c.Kind); err != nil {
		errs = append(errs, err)
	}
	if c.ModelPath == "" && c.S3Bucket == "" {
		errs = append(errs, errors.New("model path or s3 bucket is required"))
	}
	if _, err := c.ModelOptions(); err != nil {
		errs = append(errs, err)
	}
	if err := c.TrainConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.OnlineEpochs <= 0 {
		errs = append(errs, fmt.Errorf("online epochs must be positive, got %d", c.OnlineEpochs))
	}
	if err := c.LoopConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.TrainLookback <= 0 {
		errs = append(errs, fmt.Errorf("train lookback must be positive, got %s", c.TrainLookback))
	}
	if c.Graded {
		if err := c.Bands().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ModelOptions returns autoencoder options for the configured shape.
func (c Config) ModelOptions() ([]autoencoder.Option, error) {
	ext, err := features.NewExtractor(c.Kind)
	if err != nil {
		return nil, err
	}
	h := autoencoder.Hyperparameters{
		InputDim:       ext.Dim(),
		HiddenDim:      c.HiddenDim,
		Depth:          c.Depth,
		SequenceLength: c.SequenceLength,
		Dropout:        c.Dropout,
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return []autoencoder.Option{
		autoencoder.WithInputDim(h.InputDim),
		autoencoder.WithHiddenDim(h.HiddenDim),
		autoencoder.WithDepth(h.Depth),
		autoencoder.WithSequenceLength(h.SequenceLength),
		autoencoder.WithDropout(h.Dropout),
		autoencoder.WithSeed(c.Seed),
	}, nil
}

// TrainConfig returns the batch training configuration.
func (c Config) TrainConfig() detectors.TrainConfig {
	tc := detectors.DefaultTrainConfig()
	tc.Epochs = c.Epochs
	tc.BatchSize = c.BatchSize
	tc.LearningRate = c.LearningRate
	return tc
}

// OnlineTrainConfig returns the incremental retraining configuration.
func (c Config) OnlineTrainConfig() detectors.TrainConfig {
	tc := c.TrainConfig()
	tc.Epochs = c.OnlineEpochs
	return tc
}

// LoopConfig returns the online loop cadence.
func (c Config) LoopConfig() online.Config {
	lc := online.DefaultConfig()
	lc.PollInterval = c.PollInterval
	lc.RetrainInterval = c.RetrainInterval
	lc.InitialLookback = c.InitialLookback
	lc.InitialBackoff = c.PollInterval
	lc.MaxBackoff = max(lc.MaxBackoff, c.PollInterval)
	return lc
}

// Bands returns the graded thresholds.
func (c Config) Bands() detectors.Bands {
	return detectors.Bands{Warning: c.WarningThreshold, Critical: c.CriticalThreshold}
}

type env struct {
	errs []error
}

func (e *env) getString(key, def string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return def
}

func (e *env) getInt(key string, def int) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return def
	}
	return n
}

func (e *env) getFloat(key string, def float64) float64 {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return def
	}
	return f
}

func (e *env) getBool(key string, def bool) bool {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return def
	}
	return b
}

func (e *env) getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return def
	}
	return d
}
