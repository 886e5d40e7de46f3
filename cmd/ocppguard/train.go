package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/ocppguard/pkg/modelstore"
	"github.com/hed1ad/ocppguard/pkg/training"
)

// trainCmd trains a model from the record store or from files
func trainCmd() *cobra.Command {
	var resume bool
	var refit bool

	cmd := &cobra.Command{
		Use:   "train [file...]",
		Short: "Train the autoencoder and persist the model bundle",
		Long: `Train on the given CSV or JSON files, or on the last --lookback of
records in the record store when no files are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			eng, err := newEngine()
			if err != nil {
				return err
			}
			if resume {
				if err := eng.load(ctx); err != nil && !errors.Is(err, modelstore.ErrModelNotFound) {
					return fmt.Errorf("resume: %w", err)
				}
			}

			opts := []training.Option{
				training.WithStore(eng.models),
				training.WithTrainConfig(cfg.TrainConfig()),
				training.WithRefit(refit || !resume),
				training.WithKind(cfg.Kind),
				training.WithLogger(log),
			}

			var res *training.Result
			if len(args) > 0 {
				records, err := readFiles(args...)
				if err != nil {
					return err
				}
				p, err := training.New(eng.model, eng.norm, eng.extractor, opts...)
				if err != nil {
					return err
				}
				res, err = p.Train(ctx, records)
				if err != nil {
					return err
				}
			} else {
				db, err := openStore()
				if err != nil {
					return err
				}
				defer db.Close()

				p, err := training.New(eng.model, eng.norm, eng.extractor, append(opts, training.WithSource(db))...)
				if err != nil {
					return err
				}
				end := time.Now().UTC()
				res, err = p.Run(ctx, end.Add(-cfg.TrainLookback), end)
				if err != nil {
					return err
				}
			}

			fmt.Printf("Training run %s\n", res.RunID)
			fmt.Printf("  Records:     %d (%d skipped)\n", res.Records, res.Skipped)
			fmt.Printf("  Windows:     %d\n", res.Windows)
			fmt.Printf("  Epochs:      %d\n", len(res.Report.Losses))
			fmt.Printf("  Final loss:  %.6f\n", res.Report.FinalLoss())
			fmt.Printf("  Refit norm:  %v\n", res.Refit)
			fmt.Printf("  Duration:    %v\n", res.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Training epochs")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Mini-batch size")
	cmd.Flags().Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "Adam learning rate")
	cmd.Flags().DurationVar(&cfg.TrainLookback, "lookback", cfg.TrainLookback, "Record store window to train on")
	cmd.Flags().BoolVar(&resume, "resume", false, "Continue from the persisted model and normalization")
	cmd.Flags().BoolVar(&refit, "refit", false, "Refit normalization when resuming")
	return cmd
}
