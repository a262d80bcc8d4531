// Package ocr wraps the remote OCR backend: payload construction, retrying
// submission, and normalization of its response shapes into one Result type.
package ocr

import (
	"sort"
	"strings"
)

// Page is one page of extracted text, numbered in the source document's
// coordinates once a unit's result has been retagged.
type Page struct {
	PageNum  int    `json:"page_num"`
	Markdown string `json:"markdown"`
}

// Result is the canonical OCR output for a unit or a whole document.
type Result struct {
	Text  string `json:"text"`
	Pages []Page `json:"pages"`
}

// Combine concatenates results and sorts pages by original page number. The
// sort is stable, so combining already-ordered results leaves them in true
// document order.
func Combine(results ...Result) Result {
	var combined Result
	var text strings.Builder
	for _, r := range results {
		if r.Text != "" {
			text.WriteString(r.Text)
			text.WriteString("\n")
		}
		combined.Pages = append(combined.Pages, r.Pages...)
	}
	sort.SliceStable(combined.Pages, func(i, j int) bool {
		return combined.Pages[i].PageNum < combined.Pages[j].PageNum
	})
	combined.Text = text.String()
	return combined
}

// Markdown renders the per-page markdown as a single document.
func (r Result) Markdown() string {
	parts := make([]string, 0, len(r.Pages))
	for _, p := range r.Pages {
		if md := strings.TrimSpace(p.Markdown); md != "" {
			parts = append(parts, md)
		}
	}
	if len(parts) == 0 {
		return strings.TrimSpace(r.Text)
	}
	return strings.Join(parts, "\n\n")
}

// The backend is inconsistent about response shape: page text arrives as
// "markdown" or "text", page numbers as "page_num" or "index", and some
// responses carry only a flat "text" field. Decoding squashes all of that
// here so nothing past this package sees the ambiguity.

type wirePage struct {
	Index    *int   `json:"index"`
	PageNum  *int   `json:"page_num"`
	Markdown string `json:"markdown"`
	Text     string `json:"text"`
}

type wireResponse struct {
	Text  string     `json:"text"`
	Pages []wirePage `json:"pages"`
}

func (w wireResponse) normalize() Result {
	res := Result{Text: w.Text}
	for i, p := range w.Pages {
		num := i
		if p.PageNum != nil {
			num = *p.PageNum
		} else if p.Index != nil {
			num = *p.Index
		}
		md := p.Markdown
		if md == "" {
			md = p.Text
		}
		res.Pages = append(res.Pages, Page{PageNum: num, Markdown: md})
	}
	return res
}
