// Package document inspects PDFs and partitions them into the page-range
// blobs the OCR backend can accept.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var (
	// ErrUnreadable means the file could not be parsed as a PDF. Nothing
	// downstream can proceed without a page count, so jobs fail fatally on it.
	ErrUnreadable = errors.New("unreadable document")

	// ErrPageOutOfRange means a requested page index is >= the page count.
	ErrPageOutOfRange = errors.New("page out of range")
)

// Document is an immutable handle on a source PDF for the duration of a job.
type Document struct {
	Path      string
	PageCount int
	Size      int64
}

// Open stats the file and reads its page count. A file pdfcpu cannot parse,
// even under relaxed validation, is reported as ErrUnreadable.
func Open(path string) (Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, fmt.Errorf("stat %s: %w", path, err)
	}

	pageCount, err := api.PageCountFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	if pageCount < 1 {
		return Document{}, fmt.Errorf("%w: %s: no pages", ErrUnreadable, path)
	}

	return Document{Path: path, PageCount: pageCount, Size: info.Size()}, nil
}

// TooLarge reports whether the document exceeds the single-request byte limit.
func (d Document) TooLarge(maxBytes int64) bool {
	return d.Size > maxBytes
}

// Fingerprint returns the hex sha256 of the file contents. It keys checkpoint
// state, so re-running the same document resumes or serves the cached result.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Chunk is a contiguous page range [StartPage, EndPage], inclusive and
// 0-indexed, of a source document. Its ID is deterministic in the range so a
// resumed job maps stored results back to the same plan.
type Chunk struct {
	ID        string `json:"id"`
	StartPage int    `json:"start_page"`
	EndPage   int    `json:"end_page"`
}

// Pages returns the original page numbers covered by the chunk, in order.
func (c Chunk) Pages() []int {
	pages := make([]int, 0, c.EndPage-c.StartPage+1)
	for p := c.StartPage; p <= c.EndPage; p++ {
		pages = append(pages, p)
	}
	return pages
}

// PlanChunks partitions [0, totalPages) into consecutive ranges of at most
// pagesPerChunk pages. The plan is contiguous, non-overlapping, covers every
// page exactly once, and is ordered by StartPage.
func PlanChunks(totalPages, pagesPerChunk int) []Chunk {
	if totalPages <= 0 {
		return nil
	}
	if pagesPerChunk < 1 {
		pagesPerChunk = 1
	}

	numChunks := (totalPages + pagesPerChunk - 1) / pagesPerChunk
	chunks := make([]Chunk, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		start := i * pagesPerChunk
		end := min((i+1)*pagesPerChunk-1, totalPages-1)
		chunks = append(chunks, Chunk{
			ID:        fmt.Sprintf("chunk_%d_%d_%d", i, start, end),
			StartPage: start,
			EndPage:   end,
		})
	}
	return chunks
}

// Splitter materializes chunk and single-page blobs with pdfcpu. The caller
// owns the scratch directory and is responsible for removing it.
type Splitter struct {
	conf *model.Configuration
}

func NewSplitter() *Splitter {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Splitter{conf: conf}
}

// ExtractRange writes the chunk's page range as a standalone PDF under
// scratchDir and returns its path.
func (s *Splitter) ExtractRange(doc Document, c Chunk, scratchDir string) (string, error) {
	if c.StartPage < 0 || c.EndPage >= doc.PageCount || c.StartPage > c.EndPage {
		return "", fmt.Errorf("%w: chunk %s of %d pages", ErrPageOutOfRange, c.ID, doc.PageCount)
	}

	outPath := filepath.Join(scratchDir, c.ID+".pdf")
	// pdfcpu page selections are 1-based inclusive.
	selection := []string{fmt.Sprintf("%d-%d", c.StartPage+1, c.EndPage+1)}
	if err := api.TrimFile(doc.Path, outPath, selection, s.conf); err != nil {
		return "", fmt.Errorf("extract pages %d-%d: %w", c.StartPage, c.EndPage, err)
	}
	return outPath, nil
}

// ExtractPage writes a single page as a standalone one-page PDF under
// scratchDir and returns its path.
func (s *Splitter) ExtractPage(doc Document, page int, scratchDir string) (string, error) {
	if page < 0 || page >= doc.PageCount {
		return "", fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, page, doc.PageCount)
	}

	outPath := filepath.Join(scratchDir, fmt.Sprintf("page_%d.pdf", page))
	selection := []string{fmt.Sprintf("%d", page+1)}
	if err := api.TrimFile(doc.Path, outPath, selection, s.conf); err != nil {
		return "", fmt.Errorf("extract page %d: %w", page, err)
	}
	return outPath, nil
}
