// Command ocrflow extracts markdown text from PDFs through a remote OCR
// backend, splitting oversized documents into chunks or page images and
// resuming interrupted runs from checkpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ocrtools/ocrflow/internal/checkpoint"
	"github.com/ocrtools/ocrflow/internal/config"
	"github.com/ocrtools/ocrflow/internal/document"
	"github.com/ocrtools/ocrflow/internal/job"
	"github.com/ocrtools/ocrflow/internal/ocr"
	"github.com/ocrtools/ocrflow/internal/raster"
	"github.com/ocrtools/ocrflow/internal/upload"
)

var (
	flagModel         string
	flagPagesPerChunk int
	flagDPI           int
	flagBucket        string
	flagOutputDir     string
)

var rootCmd = &cobra.Command{
	Use:           "ocrflow",
	Short:         "Resumable PDF text extraction via a remote OCR backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var processCmd = &cobra.Command{
	Use:   "process <pdf>...",
	Short: "OCR one or more PDFs to markdown",
	Long: `Process each PDF through the OCR backend and write a .md file next to it
(or into --output-dir). Documents over the size threshold are split into
page-range chunks; chunks the backend still rejects fall back to per-page
images. Progress is checkpointed, so rerunning an interrupted command picks
up where it left off.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProcess,
}

func init() {
	processCmd.Flags().StringVarP(&flagModel, "model", "m", "", "OCR model ID (default from OCR_MODEL)")
	processCmd.Flags().IntVar(&flagPagesPerChunk, "pages-per-chunk", 0, "pages per chunk (default from PAGES_PER_CHUNK)")
	processCmd.Flags().IntVar(&flagDPI, "dpi", 0, "rasterization DPI (default from RASTER_DPI)")
	processCmd.Flags().StringVar(&flagBucket, "bucket", "", "GCS bucket for URL submission (default from UPLOAD_BUCKET)")
	processCmd.Flags().StringVarP(&flagOutputDir, "output-dir", "o", "", "directory for .md outputs (default: next to each input)")
	rootCmd.AddCommand(processCmd)
}

func main() {
	config.InitLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Command failed.", "error", err)
		os.Exit(1)
	}
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if flagModel != "" {
		cfg.ModelID = flagModel
	}
	if flagPagesPerChunk > 0 {
		cfg.PagesPerChunk = flagPagesPerChunk
	}
	if flagDPI > 0 {
		cfg.DPI = flagDPI
	}
	if flagBucket != "" {
		cfg.UploadBucket = flagBucket
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()

	// The uploader is shared; every other collaborator is per job, so
	// concurrent files never share mutable state.
	var uploader job.Uploader
	if cfg.UploadBucket != "" {
		u, err := upload.NewGCSUploader(ctx, cfg.UploadBucket, cfg.SignedURLTTL)
		if err != nil {
			slog.Warn("Uploader unavailable, documents will be sent inline.", "error", err)
		} else {
			defer u.Close()
			uploader = u
		}
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(cfg.MaxConcurrentJobs)
	for _, path := range args {
		eg.Go(func() error {
			return processFile(gctx, cfg, uploader, path)
		})
	}
	return eg.Wait()
}

func processFile(ctx context.Context, cfg config.Config, uploader job.Uploader, path string) error {
	doc, err := document.Open(path)
	if err != nil {
		return err
	}
	jobID, err := document.Fingerprint(path)
	if err != nil {
		return fmt.Errorf("fingerprint %s: %w", path, err)
	}

	j := job.New(doc, jobID, job.Config{
		MaxDocumentBytes:   cfg.MaxDocumentBytes,
		MaxImageBytes:      cfg.MaxImageBytes,
		PagesPerChunk:      cfg.PagesPerChunk,
		DPI:                cfg.DPI,
		JPEGQuality:        cfg.JPEGQuality,
		UsePNG:             cfg.UsePNG,
		MinRequestInterval: cfg.MinRequestInterval,
		RateLimitRetryWait: cfg.RateLimitRetryWait,
	}, job.Deps{
		Submitter: ocr.NewClient(ocr.ClientConfig{
			BaseURL:    cfg.OCRBaseURL,
			APIKey:     cfg.OCRAPIKey,
			Model:      cfg.ModelID,
			MaxRetries: cfg.MaxRetries,
			Backoff:    cfg.BackoffUnit,
			Timeout:    cfg.SubmitTimeout,
		}),
		Uploader:   uploader,
		Splitter:   document.NewSplitter(),
		Rasterizer: &raster.Rasterizer{Timeout: cfg.SubmitTimeout},
		Store:      checkpoint.NewStore(cfg.CheckpointDir),
	})

	go drainEvents(j.Events(), path)

	res, err := j.Run(ctx)
	if err != nil && !errors.Is(err, job.ErrPartialFailure) {
		return fmt.Errorf("process %s: %w", path, err)
	}
	if errors.Is(err, job.ErrPartialFailure) {
		slog.Warn("Document processed with missing pages.",
			"document", path,
			"extractedPages", len(res.Pages),
			"totalPages", doc.PageCount,
			"error", err,
		)
	}

	outPath := outputPath(path)
	if err := os.WriteFile(outPath, []byte(res.Markdown()+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	slog.Info("OCR results saved.", "document", path, "output", outPath, "pages", len(res.Pages))
	return nil
}

func drainEvents(events <-chan job.Event, path string) {
	name := filepath.Base(path)
	for e := range events {
		switch e.Kind {
		case job.EventError:
			fmt.Fprintf(os.Stderr, "[%s] error: %s\n", name, e.Message)
		case job.EventStatus:
			fmt.Fprintf(os.Stderr, "[%s] %s\n", name, e.Message)
		}
	}
}

func outputPath(inputPath string) string {
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath)) + ".md"
	if flagOutputDir != "" {
		return filepath.Join(flagOutputDir, base)
	}
	return filepath.Join(filepath.Dir(inputPath), base)
}
