package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/remote"
	"github.com/xelth-com/healthsync/internal/report"
	hsync "github.com/xelth-com/healthsync/internal/sync"
)

var (
	analyzeType   string
	analyzeSince  time.Duration
	analyzeParams string
	analyzeReport string
	analyzeJob    string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [kind]",
	Short: "Start an analysis and wait for the result",
	Long: `Submit an analysis job to the remote service and poll until it completes,
fails or runs out of poll attempts. Interrupting stops local polling only;
the job keeps running remotely and can be resumed with --job.

Examples:
  healthsync analyze trend --type heart_rate --since 168h
  healthsync analyze --job 7d1e... --report trend.pdf`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeType, "type", "t", "", "entity type to analyze")
	analyzeCmd.Flags().DurationVar(&analyzeSince, "since", 0, "only samples newer than this")
	analyzeCmd.Flags().StringVar(&analyzeParams, "params", "", "extra parameters as a JSON object")
	analyzeCmd.Flags().StringVar(&analyzeReport, "report", "", "write a PDF report to this path")
	analyzeCmd.Flags().StringVar(&analyzeJob, "job", "", "follow an existing job instead of starting one")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if analyzeJob == "" && len(args) == 0 {
		return fmt.Errorf("kind is required unless --job is set")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var h hsync.AnalysisHandle
	if analyzeJob != "" {
		if _, err := a.Engine.Recover(ctx); err != nil {
			return err
		}
		h.JobID = analyzeJob
	} else {
		req := remote.AnalysisRequest{Kind: args[0], EntityType: analyzeType}
		if analyzeSince > 0 {
			req.From = time.Now().UTC().Add(-analyzeSince)
		}
		if analyzeParams != "" {
			if err := json.Unmarshal([]byte(analyzeParams), &req.Params); err != nil {
				return fmt.Errorf("--params: %w", err)
			}
		}
		h, err = a.Engine.StartAnalysis(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Submitted job %s\n", h.JobID)
	}

	updates, err := a.Engine.Observe(ctx, h)
	if err != nil {
		return err
	}
	var last models.AnalysisJob
	for job := range updates {
		last = job
		fmt.Fprintf(os.Stderr, "  %s (poll %d)\n", job.Status, job.Attempt)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("stopped following %s; resume with --job %s", h.JobID, h.JobID)
	}

	if analyzeReport != "" {
		pdf, err := report.AnalysisPDF(&last)
		if err != nil {
			return err
		}
		if err := os.WriteFile(analyzeReport, pdf, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Report written to %s\n", analyzeReport)
	}

	if err := printJSON(last); err != nil {
		return err
	}
	if last.Status != models.AnalysisCompleted {
		return fmt.Errorf("analysis %s ended %s", h.JobID, last.Status)
	}
	return nil
}
