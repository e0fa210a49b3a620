package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
	"github.com/tjfontaine/insight-pipeline/pkg/insight"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run one analysis locally and print progress events as JSON lines",
	Long: `analyze runs the pipeline in-process against the configured upstream,
admission limits and store, printing each progress event to stdout. Content
is read from --file, or from --content; use "-" as the file to read stdin.`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().String("subject", "", "subject ID (required)")
	analyzeCmd.Flags().String("title", "", "subject title")
	analyzeCmd.Flags().String("content", "", "subject content")
	analyzeCmd.Flags().String("file", "", "read content from file (- for stdin)")
	analyzeCmd.Flags().String("caller", "cli", "caller ID used for admission and cache")
	analyzeCmd.Flags().Bool("premium", false, "run as a premium caller (bias scores, no cache)")
	_ = analyzeCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	req := insight.Request{}
	req.SubjectID, _ = cmd.Flags().GetString("subject")
	req.Title, _ = cmd.Flags().GetString("title")
	req.Content, _ = cmd.Flags().GetString("content")
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		var data []byte
		if file == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return fmt.Errorf("read content: %w", err)
		}
		req.Content = string(data)
	}

	caller := insight.Caller{Tier: domain.TierStandard}
	caller.ID, _ = cmd.Flags().GetString("caller")
	if premium, _ := cmd.Flags().GetBool("premium"); premium {
		caller.Tier = domain.TierPremium
	}

	app, err := insight.New(insight.WithConfig(cfg), insight.WithLogger(logger))
	if err != nil {
		return err
	}
	defer app.Shutdown(context.Background())

	events, err := app.Service().RunPipeline(cmd.Context(), caller, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	var final error
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if ev.Status == domain.StatusError {
			final = ev.Err
		}
	}
	if final == nil && cmd.Context().Err() != nil {
		final = cmd.Context().Err()
	}
	if final != nil {
		return errors.Join(errors.New("analysis failed"), final)
	}
	return nil
}
