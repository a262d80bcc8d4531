package job

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/ocrtools/ocrflow/internal/checkpoint"
	"github.com/ocrtools/ocrflow/internal/document"
	"github.com/ocrtools/ocrflow/internal/ocr"
	"github.com/ocrtools/ocrflow/internal/raster"
)

// runDirect attempts the whole document in one request, via an uploaded URL
// when an uploader is available and inline base64 otherwise. done is false
// when the backend answered 413 and the caller should go page by page.
func (j *Job) runDirect(ctx context.Context) (res ocr.Result, done bool, err error) {
	j.status("Processing document...")
	name := filepath.Base(j.doc.Path)
	allPages := pageRange(j.doc.PageCount)

	var unit ocr.Unit
	if j.uploader != nil {
		j.status("Uploading document...")
		url, uerr := j.uploader.Upload(ctx, j.doc.Path)
		if uerr != nil {
			j.log.Warn("Upload failed, sending document inline.", "error", uerr)
			j.status("Upload failed, sending document inline...")
		} else {
			unit = ocr.DocumentURLUnit(url, name, allPages, nil)
		}
	}
	if unit.Kind == "" {
		data, rerr := os.ReadFile(j.doc.Path)
		if rerr != nil {
			return ocr.Result{}, false, fmt.Errorf("read document: %w", rerr)
		}
		unit = ocr.DocumentBase64Unit(data, name, allPages)
	}

	res, err = j.submit.Submit(ctx, unit)
	if errors.Is(err, ocr.ErrPayloadTooLarge) {
		j.status("Document too large, processing page by page...")
		return ocr.Result{}, false, nil
	}
	if err != nil {
		return ocr.Result{}, false, err
	}
	return res, true, nil
}

// runChunked processes the document chunk by chunk, reusing a previously
// stored plan on resume. A chunk that fails after the client's retry budget
// is reported and skipped; the job continues with the rest.
func (j *Job) runChunked(ctx context.Context, scratchDir string, progress *checkpoint.Progress) ([]string, error) {
	if !progress.ChunksPlanned {
		j.status("Splitting document into manageable chunks...")
		progress.Chunks = document.PlanChunks(j.doc.PageCount, j.cfg.PagesPerChunk)
		progress.ChunksPlanned = true
		if err := j.store.Save(progress); err != nil {
			return nil, err
		}
	}

	// One upload serves every chunk as a page-range request against the
	// same URL. When it fails, chunk blobs go inline instead.
	var docURL string
	if j.uploader != nil {
		j.status("Uploading document...")
		url, err := j.uploader.Upload(ctx, j.doc.Path)
		if err != nil {
			j.log.Warn("Upload failed, chunks will be sent inline.", "error", err)
		} else {
			docURL = url
		}
	}

	var failed []string
	for i, chunk := range progress.Chunks {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if progress.UnitDone(chunk.ID) {
			j.status(fmt.Sprintf("Chunk %d/%d already processed. Skipping...", i+1, len(progress.Chunks)))
			continue
		}
		j.status(fmt.Sprintf("Processing chunk %d/%d (pages %d-%d)...",
			i+1, len(progress.Chunks), chunk.StartPage+1, chunk.EndPage+1))

		res, err := j.processChunk(ctx, scratchDir, chunk, docURL)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return failed, cerr
			}
			failed = append(failed, chunk.ID)
			j.unitFailed(chunk.ID, err, fmt.Sprintf("Error processing chunk %d: %v", i+1, err))
			continue
		}
		if err := j.record(progress, chunk.ID, res); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

func (j *Job) processChunk(ctx context.Context, scratchDir string, chunk document.Chunk, docURL string) (ocr.Result, error) {
	var unit ocr.Unit
	if docURL != "" {
		unit = ocr.DocumentURLUnit(docURL, chunk.ID, chunk.Pages(), chunk.Pages())
	} else {
		path, err := j.splitter.ExtractRange(j.doc, chunk, scratchDir)
		if err != nil {
			return ocr.Result{}, err
		}
		defer os.Remove(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return ocr.Result{}, fmt.Errorf("read chunk blob: %w", err)
		}
		unit = ocr.DocumentBase64Unit(data, chunk.ID+".pdf", chunk.Pages())
	}

	res, err := j.submit.Submit(ctx, unit)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ocr.ErrPayloadTooLarge) {
		return ocr.Result{}, err
	}

	// The chunk itself exceeds the backend limit: rasterize every page in
	// it and submit the images individually.
	j.status(fmt.Sprintf("Chunk pages %d-%d too large, sending pages as images...",
		chunk.StartPage+1, chunk.EndPage+1))
	results := make([]ocr.Result, 0, chunk.EndPage-chunk.StartPage+1)
	for _, page := range chunk.Pages() {
		if err := ctx.Err(); err != nil {
			return ocr.Result{}, err
		}
		pres, perr := j.submitPageImage(ctx, page)
		if perr != nil {
			return ocr.Result{}, perr
		}
		results = append(results, pres)
	}
	return ocr.Combine(results...), nil
}

// runPageByPage processes every not-yet-checkpointed page individually. Pages
// go out as one-page PDFs first and degrade to images on 413. A rate-limit
// exhaustion earns the page one extended wait and a second try; any further
// failure skips just that page.
func (j *Job) runPageByPage(ctx context.Context, scratchDir string, progress *checkpoint.Progress) ([]string, error) {
	var failed []string
	for page := 0; page < j.doc.PageCount; page++ {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		unitID := fmt.Sprintf("page_%d", page)
		if progress.UnitDone(unitID) {
			continue
		}
		j.status(fmt.Sprintf("Processing page %d/%d...", page+1, j.doc.PageCount))

		res, err := j.processPage(ctx, scratchDir, page)
		if err != nil && errors.Is(err, ocr.ErrRateLimited) {
			j.status(fmt.Sprintf("Rate limited on page %d, waiting %s before retrying...",
				page+1, j.cfg.RateLimitRetryWait))
			select {
			case <-time.After(j.cfg.RateLimitRetryWait):
			case <-ctx.Done():
				return failed, ctx.Err()
			}
			res, err = j.processPage(ctx, scratchDir, page)
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return failed, cerr
			}
			failed = append(failed, unitID)
			j.unitFailed(unitID, err, fmt.Sprintf("Error processing page %d: %v", page+1, err))
			continue
		}
		if err := j.record(progress, unitID, res); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

func (j *Job) processPage(ctx context.Context, scratchDir string, page int) (ocr.Result, error) {
	if err := j.limiter.Wait(ctx); err != nil {
		return ocr.Result{}, err
	}

	path, err := j.splitter.ExtractPage(j.doc, page, scratchDir)
	if err != nil {
		return ocr.Result{}, err
	}
	defer os.Remove(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("read page blob: %w", err)
	}

	res, err := j.submit.Submit(ctx, ocr.DocumentBase64Unit(data, fmt.Sprintf("page_%d.pdf", page), []int{page}))
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, ocr.ErrPayloadTooLarge) {
		return ocr.Result{}, err
	}
	return j.submitPageImage(ctx, page)
}

// submitPageImage rasterizes one page, shrinks it under the configured image
// ceiling, and submits it, shrinking harder on each 413 up to the attempt
// budget.
func (j *Job) submitPageImage(ctx context.Context, page int) (ocr.Result, error) {
	img, err := j.raster.Rasterize(ctx, j.doc, page, j.cfg.DPI)
	if err != nil {
		return ocr.Result{}, err
	}

	format := raster.FormatJPEG
	if j.cfg.UsePNG {
		format = raster.FormatPNG
	}
	data, encFormat, err := raster.ShrinkToFit(img, j.cfg.MaxImageBytes, format, j.cfg.JPEGQuality, j.cfg.ShrinkAttempts)
	if err != nil {
		return ocr.Result{}, err
	}

	for attempt := 0; ; attempt++ {
		if err := j.limiter.Wait(ctx); err != nil {
			return ocr.Result{}, err
		}
		name := fmt.Sprintf("page_%d.%s", page, encFormat.Ext())
		res, err := j.submit.Submit(ctx, ocr.ImageUnit(data, name, page))
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ocr.ErrPayloadTooLarge) || attempt >= j.cfg.ShrinkAttempts {
			return ocr.Result{}, err
		}

		j.status(fmt.Sprintf("Reducing image quality for page %d...", page+1))
		scaled := raster.Scale(img, math.Pow(0.75, float64(attempt+1)))
		quality := max(30, j.cfg.JPEGQuality-20*(attempt+1))
		data, err = raster.Encode(scaled, raster.FormatJPEG, quality)
		if err != nil {
			return ocr.Result{}, err
		}
		encFormat = raster.FormatJPEG
	}
}
