package ocr

import (
	"encoding/json"
	"testing"
)

func TestWireResponseNormalize(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []Page
		text string
	}{
		{
			name: "markdown with page_num",
			body: `{"pages":[{"page_num":0,"markdown":"a"},{"page_num":1,"markdown":"b"}]}`,
			want: []Page{{0, "a"}, {1, "b"}},
		},
		{
			name: "markdown with index",
			body: `{"pages":[{"index":0,"markdown":"a"},{"index":1,"markdown":"b"}]}`,
			want: []Page{{0, "a"}, {1, "b"}},
		},
		{
			name: "text field instead of markdown",
			body: `{"pages":[{"index":0,"text":"plain"}]}`,
			want: []Page{{0, "plain"}},
		},
		{
			name: "neither numbering field falls back to position",
			body: `{"pages":[{"markdown":"a"},{"markdown":"b"}]}`,
			want: []Page{{0, "a"}, {1, "b"}},
		},
		{
			name: "flat text only",
			body: `{"text":"whole document"}`,
			want: nil,
			text: "whole document",
		},
		{
			name: "page_num wins over index",
			body: `{"pages":[{"index":9,"page_num":2,"markdown":"a"}]}`,
			want: []Page{{2, "a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w wireResponse
			if err := json.Unmarshal([]byte(tt.body), &w); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got := w.normalize()

			if got.Text != tt.text {
				t.Errorf("Text = %q, want %q", got.Text, tt.text)
			}
			if len(got.Pages) != len(tt.want) {
				t.Fatalf("got %d pages, want %d", len(got.Pages), len(tt.want))
			}
			for i, want := range tt.want {
				if got.Pages[i] != want {
					t.Errorf("page %d = %+v, want %+v", i, got.Pages[i], want)
				}
			}
		})
	}
}

func TestCombineSortsByPageNum(t *testing.T) {
	a := Result{Pages: []Page{{4, "e"}, {5, "f"}}}
	b := Result{Pages: []Page{{0, "a"}, {1, "b"}}}
	c := Result{Pages: []Page{{2, "c"}, {3, "d"}}}

	combined := Combine(a, b, c)
	if len(combined.Pages) != 6 {
		t.Fatalf("got %d pages, want 6", len(combined.Pages))
	}
	for i, p := range combined.Pages {
		if p.PageNum != i {
			t.Errorf("position %d has page_num %d", i, p.PageNum)
		}
	}
}

// Input order must not matter for the sorted output.
func TestCombineOrderIndependent(t *testing.T) {
	a := Result{Text: "a", Pages: []Page{{2, "c"}, {3, "d"}}}
	b := Result{Text: "b", Pages: []Page{{0, "a"}, {1, "b"}}}

	ab := Combine(a, b)
	ba := Combine(b, a)

	if len(ab.Pages) != len(ba.Pages) {
		t.Fatalf("page counts differ: %d vs %d", len(ab.Pages), len(ba.Pages))
	}
	for i := range ab.Pages {
		if ab.Pages[i] != ba.Pages[i] {
			t.Errorf("page %d differs: %+v vs %+v", i, ab.Pages[i], ba.Pages[i])
		}
	}
}

// Combining an already-combined result with nothing else neither duplicates
// nor reorders pages.
func TestCombineIdempotent(t *testing.T) {
	combined := Combine(
		Result{Pages: []Page{{1, "b"}}},
		Result{Pages: []Page{{0, "a"}, {2, "c"}}},
	)
	again := Combine(combined)

	if len(again.Pages) != 3 {
		t.Fatalf("got %d pages, want 3", len(again.Pages))
	}
	for i := range again.Pages {
		if again.Pages[i] != combined.Pages[i] {
			t.Errorf("page %d changed on re-combine: %+v vs %+v", i, again.Pages[i], combined.Pages[i])
		}
	}
}

func TestCombineDisjointNoDuplicates(t *testing.T) {
	combined := Combine(
		Result{Pages: []Page{{0, "a"}, {1, "b"}}},
		Result{Pages: []Page{{2, "c"}, {3, "d"}}},
	)
	seen := map[int]bool{}
	for _, p := range combined.Pages {
		if seen[p.PageNum] {
			t.Errorf("duplicate page_num %d", p.PageNum)
		}
		seen[p.PageNum] = true
	}
}

func TestCombineEmpty(t *testing.T) {
	combined := Combine()
	if len(combined.Pages) != 0 || combined.Text != "" {
		t.Errorf("combining nothing should be empty, got %+v", combined)
	}
}

func TestMarkdown(t *testing.T) {
	r := Result{Pages: []Page{{0, "# Title"}, {1, ""}, {2, "body text"}}}
	if got, want := r.Markdown(), "# Title\n\nbody text"; got != want {
		t.Errorf("Markdown() = %q, want %q", got, want)
	}

	flat := Result{Text: "  only text  "}
	if got := flat.Markdown(); got != "only text" {
		t.Errorf("Markdown() on flat result = %q", got)
	}
}
