package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/ocppguard/pkg/ocpp"
	"github.com/hed1ad/ocppguard/pkg/scoring"
)

type detectOutput struct {
	Records   int                     `json:"records"`
	Scored    int                     `json:"scored"`
	Unscored  int                     `json:"unscored"`
	Skipped   int                     `json:"skipped"`
	Windows   int                     `json:"windows"`
	Threshold float64                 `json:"threshold"`
	Anomalies []scoring.AnomalyRecord `json:"anomalies"`
}

// detectCmd scores records with the persisted model
func detectCmd() *cobra.Command {
	var since time.Duration
	var output string
	var save bool

	cmd := &cobra.Command{
		Use:   "detect [file...]",
		Short: "Detect anomalies in records",
		Long: `Score the given CSV or JSON files, or the last --since of records in the
record store when no files are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			eng, err := newEngine()
			if err != nil {
				return err
			}
			if err := eng.mustLoad(ctx); err != nil {
				return err
			}
			scorer, err := eng.scorer()
			if err != nil {
				return err
			}

			var records []ocpp.RawRecord
			if len(args) > 0 {
				records, err = readFiles(args...)
				if err != nil {
					return err
				}
			} else {
				db, err := openStore()
				if err != nil {
					return err
				}
				defer db.Close()

				end := time.Now().UTC()
				records, err = db.FetchRecords(ctx, end.Add(-since), end)
				if err != nil {
					return err
				}
			}

			start := time.Now()
			report, err := scorer.Detect(records)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)

			if save && len(report.Anomalies) > 0 {
				db, err := openStore()
				if err != nil {
					return err
				}
				defer db.Close()
				if err := db.SaveAnomalies(ctx, report.Anomalies); err != nil {
					return err
				}
			}

			out := detectOutput{
				Records:   len(records),
				Scored:    len(report.Verdicts) - report.Unscored(),
				Unscored:  report.Unscored(),
				Skipped:   report.Skipped,
				Windows:   report.Windows,
				Threshold: scorer.Threshold(),
				Anomalies: report.Anomalies,
			}

			switch output {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			default:
				fmt.Printf("Scored %d of %d records in %v (%d skipped, %d without a full window)\n\n",
					out.Scored, out.Records, elapsed, out.Skipped, out.Unscored)
				for _, a := range out.Anomalies {
					fmt.Printf("[%s] %-8s charger=%s connector=%d status=%s error=%.4f",
						a.Timestamp.Format(time.DateTime), a.Level, a.ChargerID, a.ConnectorID, a.Status, a.Error)
					if a.ErrorCode != "" {
						fmt.Printf(" code=%s", a.ErrorCode)
					}
					if a.Note != "" {
						fmt.Printf(" (%s)", a.Note)
					}
					fmt.Println()
				}
				fmt.Printf("\nTotal anomalies detected: %d/%d\n", len(out.Anomalies), out.Scored)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", time.Hour, "Record store window to score")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&save, "save", false, "Persist anomalies to the record store")
	return cmd
}
