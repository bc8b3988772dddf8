package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
	"github.com/ekaya-inc/ekaya-insights/pkg/services"
)

const maxLineBytes = 1 << 20

var (
	ingestBatchSize int
	ingestMemory    bool
	ingestVerbose   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE",
	Short: "Ingest candidate insights from a JSON Lines file (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		in, err := openInput(cmd, args[0])
		if err != nil {
			return err
		}
		defer in.Close()

		st, err := openStore(cmd.Context(), cfg, ingestMemory, true, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		lc := newLifecycle(st.repo, logger)
		summary, err := ingestLines(cmd.Context(), lc.ingestion, in, ingestBatchSize, logger)
		if summary != nil {
			summary.print(cmd.OutOrStdout(), ingestVerbose)
		}
		return err
	},
}

func init() {
	ingestCmd.Flags().IntVar(&ingestBatchSize, "batch-size", 500, "candidates per ingestion batch")
	ingestCmd.Flags().BoolVar(&ingestMemory, "memory", false, "ingest into an in-memory store (dry run)")
	ingestCmd.Flags().BoolVarP(&ingestVerbose, "verbose", "v", false, "print every candidate that was not admitted")
}

func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

// lineResult is an ingestion result tied back to its input line.
type lineResult struct {
	Line int
	models.IngestResult
}

type ingestSummary struct {
	Counts  map[models.IngestOutcome]int
	Results []lineResult
}

func (s *ingestSummary) add(line int, result models.IngestResult) {
	s.Counts[result.Outcome]++
	s.Results = append(s.Results, lineResult{Line: line, IngestResult: result})
}

func (s *ingestSummary) print(w io.Writer, verbose bool) {
	if verbose {
		for _, r := range s.Results {
			switch r.Outcome {
			case models.IngestOutcomeMalformed:
				fmt.Fprintf(w, "line %d: malformed: %s\n", r.Line, r.Error)
			case models.IngestOutcomeDuplicate:
				fmt.Fprintf(w, "line %d: duplicate of %s\n", r.Line, r.DuplicateOf)
			}
		}
	}
	fmt.Fprintf(w, "admitted=%d superseded=%d duplicate=%d malformed=%d\n",
		s.Counts[models.IngestOutcomeAdmitted],
		s.Counts[models.IngestOutcomeSuperseded],
		s.Counts[models.IngestOutcomeDuplicate],
		s.Counts[models.IngestOutcomeMalformed])
}

// ingestLines decodes one candidate per non-blank line and submits them in
// batches. Lines that are not valid JSON are reported as malformed without
// reaching the ingestion service. A storage error stops the run; the summary
// covers everything processed before it.
func ingestLines(ctx context.Context, svc services.IngestionService, r io.Reader, batchSize int, logger *zap.Logger) (*ingestSummary, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	summary := &ingestSummary{Counts: make(map[models.IngestOutcome]int)}
	batch := make([]models.Candidate, 0, batchSize)
	lines := make([]int, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		results, err := svc.IngestBatch(ctx, batch)
		for _, result := range results {
			summary.add(lines[result.Index], result)
		}
		if err != nil {
			return fmt.Errorf("batch ending at line %d: %w", lines[len(lines)-1], err)
		}
		logger.Debug("Ingested batch", zap.Int("candidates", len(batch)), zap.Int("last_line", lines[len(lines)-1]))
		batch = batch[:0]
		lines = lines[:0]
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var c models.Candidate
		if err := json.Unmarshal(line, &c); err != nil {
			summary.add(lineNo, models.IngestResult{
				Outcome: models.IngestOutcomeMalformed,
				Error:   fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}

		batch = append(batch, c)
		lines = append(lines, lineNo)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return summary, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("failed to read input after line %d: %w", lineNo, err)
	}
	if err := flush(); err != nil {
		return summary, err
	}
	return summary, nil
}
