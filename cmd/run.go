package main

import (
	"errors"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadloader/internal/guard"
	"github.com/sells-group/leadloader/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest all pending CSV exports",
	Long:  "Acquires the single-instance lock, scans the inbound directory, and ingests each export in upload order. Fully ingested files move to the processed directory; files that time out or lose batches stay behind for the next run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		for _, dir := range []string{cfg.Ingest.InboundDir, cfg.Ingest.ProcessedDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return eris.Wrapf(err, "create directory %s", dir)
			}
		}

		lock, err := guard.Acquire(cfg.Ingest.LockFile)
		if errors.Is(err, guard.ErrAlreadyRunning) {
			return eris.Wrapf(err, "lock file %s exists", cfg.Ingest.LockFile)
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				zap.L().Error("lock release failed", zap.Error(err))
			}
		}()

		files, err := pipeline.ScanInbound(cfg.Ingest.InboundDir)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			zap.L().Info("no files to ingest", zap.String("dir", cfg.Ingest.InboundDir))
			return nil
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		p := pipeline.New(st, cfg.Ingest.BatchSize, cfg.Ingest.Concurrency, cfg.Ingest.ProcessedDir)

		var processed, degraded, failed int
		for _, file := range files {
			fileCtx, cancel := guard.WithTimeout(ctx, cfg.Ingest.MaxExecution())
			sum, err := p.Run(fileCtx, file)
			cancel()

			if err != nil {
				// File-level failure: header, store checks, or campaign
				// resolution. Log and move on; the file stays for retry.
				failed++
				zap.L().Error("file ingestion failed", zap.String("file", file.Name), zap.Error(err))
				continue
			}

			logSummary(sum)
			if sum.Degraded() {
				degraded++
			} else {
				processed++
			}
		}

		zap.L().Info("run complete",
			zap.Int("files", len(files)),
			zap.Int("processed", processed),
			zap.Int("degraded", degraded),
			zap.Int("failed", failed))

		if degraded > 0 || failed > 0 {
			exitCode = 2
		}
		return nil
	},
}

func logSummary(sum *pipeline.Summary) {
	fields := []zap.Field{
		zap.String("file", sum.File),
		zap.Int("rows", sum.Rows),
		zap.Int("admitted", sum.Admitted),
		zap.Int("persisted", sum.Persisted),
		zap.Int("conflict_skipped", sum.ConflictSkipped),
		zap.Int("rejected_no_phone", sum.RejectedNoPhone),
		zap.Int("rejected_dup_phone", sum.RejectedDuplicatePhone),
		zap.Int("rejected_dup_address", sum.RejectedDuplicateAddress),
		zap.Int("malformed", sum.Malformed),
		zap.Int("batches_committed", sum.BatchesCommitted),
		zap.Duration("duration", sum.Duration),
	}
	if sum.Degraded() {
		fields = append(fields,
			zap.Int("batches_failed", sum.BatchesFailed),
			zap.Int("failed", sum.Failed),
			zap.Bool("timed_out", sum.TimedOut))
		zap.L().Warn("file ingested with losses", fields...)
		return
	}
	zap.L().Info("file ingested", fields...)
}

func init() {
	rootCmd.AddCommand(runCmd)
}
