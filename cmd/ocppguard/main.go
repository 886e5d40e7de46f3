package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hed1ad/ocppguard/pkg/config"
	"github.com/hed1ad/ocppguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/ocppguard/pkg/features"
	rio "github.com/hed1ad/ocppguard/pkg/io"
	"github.com/hed1ad/ocppguard/pkg/io/csv"
	"github.com/hed1ad/ocppguard/pkg/io/jsonfile"
	"github.com/hed1ad/ocppguard/pkg/modelstore"
	"github.com/hed1ad/ocppguard/pkg/ocpp"
	"github.com/hed1ad/ocppguard/pkg/scoring"
	"github.com/hed1ad/ocppguard/pkg/store"
)

var (
	cfg config.Config
	log = logrus.New()
)

func main() {
	var err error
	cfg, err = config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "ocppguard",
		Short: "OCPPGuard - charger telemetry anomaly detection",
		Long: `A CLI tool for training and running a sequence autoencoder over OCPP
charger status telemetry. Records are read from SQLite, Postgres, CSV or
JSON; anomalies are stored, cached in Redis and served over a JSON API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return setupLogger()
		},
	}

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfg.Driver, "driver", cfg.Driver, "Record store driver (sqlite3, postgres)")
	f.StringVar(&cfg.DSN, "dsn", cfg.DSN, "Record store DSN or SQLite path")
	f.StringVar(&cfg.MessageName, "message-name", cfg.MessageName, "Only read records with this msg_name")
	f.StringVar(&cfg.Kind, "kind", cfg.Kind, "Record kind (status, meter)")
	f.StringVar(&cfg.ModelPath, "model", cfg.ModelPath, "Model bundle path")
	f.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "Store the model bundle in this S3 bucket")
	f.StringVar(&cfg.S3Key, "s3-key", cfg.S3Key, "S3 object key of the model bundle")
	f.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "S3 region")
	f.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the anomaly cache")
	f.IntVar(&cfg.SequenceLength, "seq-len", cfg.SequenceLength, "Records per window")
	f.IntVar(&cfg.HiddenDim, "hidden", cfg.HiddenDim, "Autoencoder hidden width")
	f.IntVar(&cfg.Depth, "depth", cfg.Depth, "Encoder and decoder layers")
	f.Float64Var(&cfg.Threshold, "threshold", cfg.Threshold, "Anomaly threshold on reconstruction error")
	f.BoolVar(&cfg.Graded, "graded", cfg.Graded, "Classify into normal, warning and critical bands")
	f.Float64Var(&cfg.WarningThreshold, "warning", cfg.WarningThreshold, "Warning band lower edge")
	f.Float64Var(&cfg.CriticalThreshold, "critical", cfg.CriticalThreshold, "Critical band lower edge")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")

	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(onlineCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(statsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger() error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func openStore() (*store.Store, error) {
	var opts []store.Option
	if cfg.MessageName != "" {
		opts = append(opts, store.WithMessageName(cfg.MessageName))
	}
	s, err := store.Open(cfg.Driver, cfg.DSN, opts...)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return s, nil
}

func openModelStore() (modelstore.Store, error) {
	if cfg.S3Bucket != "" {
		return modelstore.NewS3StoreFromRegion(cfg.S3Region, cfg.S3Bucket, cfg.S3Key)
	}
	return modelstore.NewFileStore(cfg.ModelPath), nil
}

// engine is the model, normalizer and extractor shared by every command.
type engine struct {
	model     *autoencoder.Model
	norm      *features.Normalizer
	extractor features.Extractor
	models    modelstore.Store
}

func newEngine() (*engine, error) {
	opts, err := cfg.ModelOptions()
	if err != nil {
		return nil, err
	}
	model, err := autoencoder.New(opts...)
	if err != nil {
		return nil, err
	}
	ext, err := features.NewExtractor(cfg.Kind)
	if err != nil {
		return nil, err
	}
	ms, err := openModelStore()
	if err != nil {
		return nil, err
	}
	return &engine{model: model, norm: features.NewNormalizer(), extractor: ext, models: ms}, nil
}

// load restores the persisted bundle. It returns modelstore.ErrModelNotFound
// when nothing has been trained yet.
func (e *engine) load(ctx context.Context) error {
	b, err := e.models.Load(ctx)
	if err != nil {
		return err
	}
	if b.Kind != "" && b.Kind != cfg.Kind {
		return fmt.Errorf("model was trained on %q records, configured kind is %q", b.Kind, cfg.Kind)
	}
	if b.Hyper.InputDim != e.extractor.Dim() {
		return fmt.Errorf("model expects %d features, %s extractor produces %d",
			b.Hyper.InputDim, cfg.Kind, e.extractor.Dim())
	}
	if err := b.Restore(e.model, e.norm); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"run_id":     b.RunID,
		"trained_at": b.TrainedAt,
		"seq_len":    b.Hyper.SequenceLength,
	}).Info("model loaded")
	return nil
}

// mustLoad is load with a hint when no model exists.
func (e *engine) mustLoad(ctx context.Context) error {
	err := e.load(ctx)
	if errors.Is(err, modelstore.ErrModelNotFound) {
		return errors.New("no trained model found; run 'ocppguard train' first")
	}
	return err
}

func (e *engine) scorer(opts ...scoring.Option) (*scoring.Scorer, error) {
	opts = append([]scoring.Option{
		scoring.WithThreshold(cfg.Threshold),
		scoring.WithLogger(log),
	}, opts...)
	if cfg.Graded {
		opts = append(opts, scoring.WithBands(cfg.Bands()))
	}
	return scoring.New(e.model.Scorer(), e.norm, e.extractor, opts...)
}

func newReader(path string) (rio.Reader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return csv.NewReader(path, csv.WithLogger(log))
	case ".json":
		return jsonfile.NewReader(path, jsonfile.WithLogger(log))
	default:
		return nil, fmt.Errorf("unsupported file type %q (use .csv or .json)", filepath.Ext(path))
	}
}

func newWriter(path string) (rio.Writer, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return csv.NewWriter(path)
	case ".json":
		return jsonfile.NewWriter(path)
	default:
		return nil, fmt.Errorf("unsupported file type %q (use .csv or .json)", filepath.Ext(path))
	}
}

func readFiles(paths ...string) ([]ocpp.RawRecord, error) {
	var records []ocpp.RawRecord
	for _, path := range paths {
		r, err := newReader(path)
		if err != nil {
			return nil, err
		}
		batch, err := r.Read()
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		records = append(records, batch...)
	}
	return records, nil
}
