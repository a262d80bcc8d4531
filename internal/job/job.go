// Package job orchestrates one document's OCR run: it picks a decomposition
// strategy, drives units through splitting, rasterization, and backend
// submission, checkpoints every completed unit, and merges the outputs in
// page order.
package job

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/ocrtools/ocrflow/internal/checkpoint"
	"github.com/ocrtools/ocrflow/internal/document"
	"github.com/ocrtools/ocrflow/internal/ocr"
)

// ErrPartialFailure means one or more units failed permanently while the rest
// succeeded; the merged result is real but has page gaps.
var ErrPartialFailure = errors.New("some units failed")

// Submitter sends one unit to the OCR backend.
type Submitter interface {
	Submit(ctx context.Context, u ocr.Unit) (ocr.Result, error)
}

// Uploader stages a local file and returns a URL the backend can fetch.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// PageExtractor materializes chunk and single-page blobs into a scratch dir.
type PageExtractor interface {
	ExtractRange(doc document.Document, c document.Chunk, scratchDir string) (string, error)
	ExtractPage(doc document.Document, page int, scratchDir string) (string, error)
}

// Rasterizer renders one page to a bitmap at the given DPI.
type Rasterizer interface {
	Rasterize(ctx context.Context, doc document.Document, pageIndex, dpi int) (image.Image, error)
}

// Config carries the knobs for one job. Zero values take the defaults below.
type Config struct {
	// MaxDocumentBytes is the single-request size threshold. Default 10 MiB.
	MaxDocumentBytes int64
	// MaxImageBytes is the ceiling a rasterized page is shrunk under before
	// first submission. Default 4 MiB.
	MaxImageBytes int
	// PagesPerChunk sizes the chunk plan. Default 10.
	PagesPerChunk int
	// DPI for page rasterization. Default 150.
	DPI int
	// JPEGQuality for rasterized pages. Default 85.
	JPEGQuality int
	// UsePNG switches rasterized pages to lossless PNG; oversized PNGs are
	// still forced to JPEG when shrinking.
	UsePNG bool
	// ShrinkAttempts bounds the 413-driven shrink loop per page. Default 3.
	ShrinkAttempts int
	// MinRequestInterval paces page and image submissions to preempt rate
	// limiting. Default 1s.
	MinRequestInterval time.Duration
	// RateLimitRetryWait is the single extended page-level wait after the
	// client exhausts its own rate-limit retries. Default 30s.
	RateLimitRetryWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDocumentBytes == 0 {
		c.MaxDocumentBytes = 10 << 20
	}
	if c.MaxImageBytes == 0 {
		c.MaxImageBytes = 4 << 20
	}
	if c.PagesPerChunk == 0 {
		c.PagesPerChunk = 10
	}
	if c.DPI == 0 {
		c.DPI = 150
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 85
	}
	if c.ShrinkAttempts == 0 {
		c.ShrinkAttempts = 3
	}
	if c.MinRequestInterval == 0 {
		c.MinRequestInterval = time.Second
	}
	if c.RateLimitRetryWait == 0 {
		c.RateLimitRetryWait = 30 * time.Second
	}
	return c
}

// Deps are the collaborators a job drives. Uploader may be nil, in which case
// every submission is inline base64.
type Deps struct {
	Submitter  Submitter
	Uploader   Uploader
	Splitter   PageExtractor
	Rasterizer Rasterizer
	Store      *checkpoint.Store
}

// Job processes one document. Units run sequentially on the caller's
// goroutine; cancellation is cooperative and checked at unit boundaries.
type Job struct {
	doc      document.Document
	id       string
	cfg      Config
	submit   Submitter
	uploader Uploader
	splitter PageExtractor
	raster   Rasterizer
	store    *checkpoint.Store
	limiter  *rate.Limiter
	events   chan Event
	log      *slog.Logger
}

// New builds a job for the document. jobID keys all checkpoint state; derive
// it from document.Fingerprint so re-running the same file resumes.
func New(doc document.Document, jobID string, cfg Config, deps Deps) *Job {
	cfg = cfg.withDefaults()
	return &Job{
		doc:      doc,
		id:       jobID,
		cfg:      cfg,
		submit:   deps.Submitter,
		uploader: deps.Uploader,
		splitter: deps.Splitter,
		raster:   deps.Rasterizer,
		store:    deps.Store,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinRequestInterval), 1),
		events:   make(chan Event, 256),
		log:      slog.With("jobId", jobID, "document", doc.Path),
	}
}

// Events returns the job's progress stream. It is closed when Run returns.
func (j *Job) Events() <-chan Event {
	return j.events
}

// Run drives the job to completion and returns the merged result. With
// ErrPartialFailure the result is still valid for the pages that succeeded.
func (j *Job) Run(ctx context.Context) (ocr.Result, error) {
	defer close(j.events)

	res, err := j.run(ctx)
	if err != nil && !errors.Is(err, ErrPartialFailure) {
		j.log.Error("Job failed.", "error", err)
		j.emit(Event{Kind: EventError, Message: err.Error(), Err: err})
		return res, err
	}
	j.complete(res)
	return res, err
}

func (j *Job) run(ctx context.Context) (ocr.Result, error) {
	if cached, ok, err := j.store.LoadFinal(j.id); err != nil {
		j.log.Warn("Could not read finalized checkpoint, reprocessing.", "error", err)
	} else if ok {
		j.status("Serving finalized result from checkpoint.")
		return cached, nil
	}

	progress, err := j.store.LoadOrInit(j.id, j.doc.PageCount)
	if err != nil {
		return ocr.Result{}, err
	}

	scratchDir, err := os.MkdirTemp("", "ocrflow-*")
	if err != nil {
		return ocr.Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	j.status(fmt.Sprintf("Document has %d pages (%d bytes).", j.doc.PageCount, j.doc.Size))

	// A prior run that already planned chunks or completed units stays on
	// its strategy; a fresh small document gets one direct attempt first.
	var failed []string
	fresh := !progress.ChunksPlanned && len(progress.Completed) == 0
	if fresh && !j.doc.TooLarge(j.cfg.MaxDocumentBytes) {
		res, done, derr := j.runDirect(ctx)
		if derr != nil {
			return ocr.Result{}, derr
		}
		if done {
			if err := j.store.Finalize(j.id, res); err != nil {
				return res, err
			}
			return res, nil
		}
		// 413 on the whole document: downgrade to page-by-page.
		failed, err = j.runPageByPage(ctx, scratchDir, progress)
	} else if progress.ChunksPlanned || j.doc.TooLarge(j.cfg.MaxDocumentBytes) {
		failed, err = j.runChunked(ctx, scratchDir, progress)
	} else {
		failed, err = j.runPageByPage(ctx, scratchDir, progress)
	}
	if err != nil {
		return ocr.Result{}, err
	}

	return j.mergeAndFinalize(progress, failed)
}

func (j *Job) mergeAndFinalize(progress *checkpoint.Progress, failed []string) (ocr.Result, error) {
	j.status("Combining results...")

	results := make([]ocr.Result, 0, len(progress.Completed))
	for _, unitID := range progress.Completed {
		r, err := j.store.LoadUnitResult(j.id, unitID)
		if err != nil {
			j.log.Warn("Completed unit result missing during merge.", "unit", unitID, "error", err)
			continue
		}
		results = append(results, r)
	}
	combined := ocr.Combine(results...)

	if len(failed) > 0 {
		// Not finalized: the finalize artifact marks the job fully done,
		// and a rerun should get another chance at the failed units.
		return combined, fmt.Errorf("%w: %d unit(s): %v", ErrPartialFailure, len(failed), failed)
	}
	if err := j.store.Finalize(j.id, combined); err != nil {
		return combined, err
	}
	return combined, nil
}

// record persists a completed unit's output and then the progress record, in
// that order, so progress never references a result that was not written.
func (j *Job) record(progress *checkpoint.Progress, unitID string, res ocr.Result) error {
	if err := j.store.SaveUnitResult(j.id, unitID, res); err != nil {
		return err
	}
	progress.MarkDone(unitID)
	return j.store.Save(progress)
}

func pageRange(n int) []int {
	pages := make([]int, n)
	for i := range pages {
		pages[i] = i
	}
	return pages
}
