package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/ocppguard/pkg/ocpp"
)

// generateCmd generates sample status telemetry
func generateCmd() *cobra.Command {
	sc := ocpp.DefaultSampleConfig()
	var seed int64
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample status telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			records := ocpp.GenerateSample(rand.New(rand.NewSource(seed)), sc)

			if output != "" {
				w, err := newWriter(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				if err := w.WriteAll(records); err != nil {
					w.Close()
					return err
				}
				if err := w.Close(); err != nil {
					return err
				}
				fmt.Printf("Generated %d records to %s\n", len(records), output)
				return nil
			}

			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			start := time.Now()
			inserted, err := db.InsertRecords(cmd.Context(), records)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			fmt.Printf("Generated %d records, inserted %d in %v\n", len(records), inserted, elapsed)
			return nil
		},
	}

	cmd.Flags().IntVar(&sc.Normal, "normal", sc.Normal, "Normal transitions")
	cmd.Flags().IntVar(&sc.Abnormal, "abnormal", sc.Abnormal, "Abnormal transitions")
	cmd.Flags().IntVar(&sc.Stations, "stations", sc.Stations, "Distinct stations")
	cmd.Flags().IntVar(&sc.Chargers, "chargers", sc.Chargers, "Distinct chargers")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (0 for time based)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a .csv or .json file instead of the record store")
	return cmd
}

// ingestCmd loads records from files into the record store
func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest records from CSV or JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			total := 0
			failed := 0
			for _, file := range args {
				fmt.Printf("Processing %s...\n", file)
				start := time.Now()

				records, err := readFiles(file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					failed++
					continue
				}
				count, err := db.InsertRecords(cmd.Context(), records)
				if err != nil {
					fmt.Printf("  Database error: %v\n", err)
					failed++
					continue
				}

				fmt.Printf("  Inserted %d of %d records in %v\n", count, len(records), time.Since(start))
				total += int(count)
			}

			fmt.Printf("\nTotal: %d records ingested", total)
			if failed > 0 {
				fmt.Printf(", %d files failed", failed)
			}
			fmt.Println()
			if failed == len(args) {
				return fmt.Errorf("no file could be ingested")
			}
			return nil
		},
	}
}

// statsCmd shows record store statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show record store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			st, err := db.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("OCPPGuard Statistics")
			fmt.Println("====================")
			fmt.Printf("  Records:    %d\n", st.Records)
			fmt.Printf("  Chargers:   %d\n", st.Chargers)
			fmt.Printf("  Anomalies:  %d\n", st.Anomalies)
			if st.First != nil && st.Last != nil {
				fmt.Printf("  Span:       %s .. %s\n", st.First.Format(time.DateTime), st.Last.Format(time.DateTime))
			}
			fmt.Printf("  Database:   %s (%s)\n", cfg.DSN, cfg.Driver)
			return nil
		},
	}
}
