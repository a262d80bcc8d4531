// Package raster renders single PDF pages to compressed images sized for the
// OCR backend's payload limit.
package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os/exec"
	"strconv"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/ocrtools/ocrflow/internal/document"
)

// Format selects the encoding for a rasterized page.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// Ext returns the filename extension for the format.
func (f Format) Ext() string {
	if f == FormatPNG {
		return "png"
	}
	return "jpg"
}

const (
	minJPEGQuality = 30
	maxJPEGQuality = 95
)

// Rasterizer renders pages via the poppler pdftoppm binary.
type Rasterizer struct {
	// Timeout bounds a single render. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Rasterize renders one page at the given DPI. pageIndex is 0-based and must
// be below the document's page count.
func (r *Rasterizer) Rasterize(ctx context.Context, doc document.Document, pageIndex, dpi int) (image.Image, error) {
	if pageIndex < 0 || pageIndex >= doc.PageCount {
		return nil, fmt.Errorf("%w: page %d of %d", document.ErrPageOutOfRange, pageIndex, doc.PageCount)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	// pdftoppm pages are 1-based; "-" sends the single page to stdout.
	page := strconv.Itoa(pageIndex + 1)
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-r", strconv.Itoa(dpi),
		"-f", page,
		"-l", page,
		doc.Path,
		"-",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm page %d: %w: %s", pageIndex, err, stderr.String())
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode rendered page %d: %w", pageIndex, err)
	}
	return img, nil
}

// Encode serializes the image. Quality applies to JPEG only and is clamped to
// the 30-95 range the backend renders acceptably.
func Encode(img image.Image, format Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		if quality < minJPEGQuality {
			quality = minJPEGQuality
		}
		if quality > maxJPEGQuality {
			quality = maxJPEGQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Scale resizes both dimensions by factor using Catmull-Rom resampling.
func Scale(img image.Image, factor float64) image.Image {
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*factor))
	h := max(1, int(float64(b.Dy())*factor))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// ShrinkToFit re-encodes the image until it fits maxBytes or the attempt
// budget runs out. JPEG quality drops by 20 first (floor 40, then 30 on later
// attempts); if that is not enough, both dimensions scale by 0.75 per attempt
// and PNG sources are forced to JPEG. When the budget is exhausted the
// smallest encoding achieved is returned and the caller decides whether to
// submit it anyway.
func ShrinkToFit(img image.Image, maxBytes int, format Format, quality, maxAttempts int) ([]byte, Format, error) {
	data, err := Encode(img, format, quality)
	if err != nil {
		return nil, format, err
	}
	if len(data) <= maxBytes {
		return data, format, nil
	}

	best, bestFormat := data, format

	if format == FormatJPEG {
		q := max(40, quality-20)
		d, err := Encode(img, FormatJPEG, q)
		if err != nil {
			return nil, bestFormat, err
		}
		if len(d) <= maxBytes {
			return d, FormatJPEG, nil
		}
		if len(d) < len(best) {
			best, bestFormat = d, FormatJPEG
		}
	}

	for k := 1; k <= maxAttempts; k++ {
		scaled := Scale(img, math.Pow(0.75, float64(k)))
		q := 60
		if format == FormatJPEG {
			q = max(30, quality-20*k)
		}
		d, err := Encode(scaled, FormatJPEG, q)
		if err != nil {
			return nil, bestFormat, err
		}
		if len(d) <= maxBytes {
			return d, FormatJPEG, nil
		}
		if len(d) < len(best) {
			best, bestFormat = d, FormatJPEG
		}
	}

	return best, bestFormat, nil
}
